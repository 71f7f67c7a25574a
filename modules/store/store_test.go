package store

import (
	"path/filepath"
	"testing"
	"time"

	"gitlab.com/gridlabs/coordinator/modules"
)

func testStore(t *testing.T) *BoltStore {
	t.Helper()
	st, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func TestEnsureUserIsIdempotent(t *testing.T) {
	st := testStore(t)
	if err := st.EnsureUser("alice", 100); err != nil {
		t.Fatal(err)
	}
	if err := st.EnsureUser("alice", 999); err != nil {
		t.Fatal(err)
	}
	bal, err := st.Balance("alice")
	if err != nil {
		t.Fatal(err)
	}
	if bal != 100 {
		t.Fatalf("expected the first EnsureUser's balance to stick, got %v", bal)
	}
}

func TestDeductGuardsAgainstNegativeBalance(t *testing.T) {
	st := testStore(t)
	if err := st.EnsureUser("alice", 10); err != nil {
		t.Fatal(err)
	}
	ok, err := st.Deduct("alice", 5)
	if err != nil || !ok {
		t.Fatalf("expected deduct of 5 from 10 to succeed, ok=%v err=%v", ok, err)
	}
	ok, err = st.Deduct("alice", 100)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("expected deduct exceeding balance to fail")
	}
	bal, _ := st.Balance("alice")
	if bal != 5 {
		t.Fatalf("expected balance unchanged by failed deduct, got %v", bal)
	}
}

func TestCredentialHashRoundTrip(t *testing.T) {
	st := testStore(t)
	hash, err := HashCredential("s3cret")
	if err != nil {
		t.Fatal(err)
	}
	if err := st.SetUserCredentialHash("alice", hash); err != nil {
		t.Fatal(err)
	}

	exists, match, err := st.VerifyCredential("alice", "s3cret")
	if err != nil {
		t.Fatal(err)
	}
	if !exists || !match {
		t.Fatalf("expected existing user with matching credential, exists=%v match=%v", exists, match)
	}

	exists, match, err = st.VerifyCredential("alice", "wrong")
	if err != nil {
		t.Fatal(err)
	}
	if !exists || match {
		t.Fatalf("expected existing user with mismatched credential, exists=%v match=%v", exists, match)
	}

	exists, _, err = st.VerifyCredential("nobody", "whatever")
	if err != nil {
		t.Fatal(err)
	}
	if exists {
		t.Fatal("expected VerifyCredential to report false for an unknown user")
	}
}

func TestListUsersSortedByID(t *testing.T) {
	st := testStore(t)
	for _, id := range []string{"carol", "alice", "bob"} {
		if err := st.EnsureUser(id, 1); err != nil {
			t.Fatal(err)
		}
	}
	users, err := st.ListUsers()
	if err != nil {
		t.Fatal(err)
	}
	if len(users) != 3 {
		t.Fatalf("expected 3 users, got %d", len(users))
	}
	for i, want := range []string{"alice", "bob", "carol"} {
		if users[i].ID != want {
			t.Fatalf("expected sorted order, position %d: got %s, want %s", i, users[i].ID, want)
		}
	}
}

func TestUpdateJobStatusAppliesOptionalFields(t *testing.T) {
	st := testStore(t)
	if err := st.CreateJob(modules.Job{ID: "job1", SubmitterID: "alice", Status: modules.JobQueued, CreatedAt: time.Now()}); err != nil {
		t.Fatal(err)
	}

	if err := st.UpdateJobStatus("job1", modules.JobAssigned, modules.JobUpdate{
		AssignedWorker: "w1", SetAssignedAt: true, AssignedAt: time.Now(),
	}); err != nil {
		t.Fatal(err)
	}
	job, _, err := st.GetJob("job1")
	if err != nil {
		t.Fatal(err)
	}
	if job.AssignedWorker != "w1" || job.Status != modules.JobAssigned {
		t.Fatalf("expected job assigned to w1, got %+v", job)
	}

	now := time.Now()
	if err := st.UpdateJobStatus("job1", modules.JobCompleted, modules.JobUpdate{
		Stdout: "hi", ExitCode: 0, SetExitCode: true, SetCompletedAt: true, CompletedAt: now,
	}); err != nil {
		t.Fatal(err)
	}
	job, _, err = st.GetJob("job1")
	if err != nil {
		t.Fatal(err)
	}
	if !job.ExitCodeSet || job.Status != modules.JobCompleted || job.Stdout != "hi" {
		t.Fatalf("expected job completed with exit code set, got %+v", job)
	}
}

func TestListJobsByUserRespectsLimitAndBefore(t *testing.T) {
	st := testStore(t)
	base := time.Now()
	for i := 0; i < 5; i++ {
		if err := st.CreateJob(modules.Job{
			ID: "job" + string(rune('a'+i)), SubmitterID: "alice",
			Status: modules.JobQueued, CreatedAt: base.Add(time.Duration(i) * time.Second),
		}); err != nil {
			t.Fatal(err)
		}
	}

	all, err := st.ListJobsByUser("alice", 0, time.Time{})
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 5 {
		t.Fatalf("expected 5 jobs, got %d", len(all))
	}
	// Most recent first.
	if !all[0].CreatedAt.After(all[len(all)-1].CreatedAt) {
		t.Fatal("expected jobs sorted most-recent-first")
	}

	limited, err := st.ListJobsByUser("alice", 2, time.Time{})
	if err != nil {
		t.Fatal(err)
	}
	if len(limited) != 2 {
		t.Fatalf("expected limit to cap results at 2, got %d", len(limited))
	}

	cutoff := base.Add(3 * time.Second)
	before, err := st.ListJobsByUser("alice", 0, cutoff)
	if err != nil {
		t.Fatal(err)
	}
	for _, j := range before {
		if !j.CreatedAt.Before(cutoff) {
			t.Fatalf("expected all jobs strictly before cutoff, got %v", j.CreatedAt)
		}
	}
}

func TestJobLogsAppendInOrder(t *testing.T) {
	st := testStore(t)
	for i, line := range []string{"first", "second", "third"} {
		if err := st.AppendJobLog(modules.JobLogLine{JobID: "job1", Line: line, Timestamp: time.Now()}); err != nil {
			t.Fatalf("append line %d: %v", i, err)
		}
	}
	lines, err := st.ListJobLogs("job1")
	if err != nil {
		t.Fatal(err)
	}
	if len(lines) != 3 {
		t.Fatalf("expected 3 log lines, got %d", len(lines))
	}
	for i, want := range []string{"first", "second", "third"} {
		if lines[i].Line != want {
			t.Fatalf("expected log order preserved, position %d: got %s, want %s", i, lines[i].Line, want)
		}
	}
}

func TestListRecentlyCompletedRespectsWindow(t *testing.T) {
	st := testStore(t)
	if err := st.CreateJob(modules.Job{ID: "recent", SubmitterID: "alice", Status: modules.JobQueued, CreatedAt: time.Now()}); err != nil {
		t.Fatal(err)
	}
	if err := st.UpdateJobStatus("recent", modules.JobCompleted, modules.JobUpdate{SetCompletedAt: true, CompletedAt: time.Now()}); err != nil {
		t.Fatal(err)
	}
	if err := st.CreateJob(modules.Job{ID: "old", SubmitterID: "alice", Status: modules.JobQueued, CreatedAt: time.Now()}); err != nil {
		t.Fatal(err)
	}
	if err := st.UpdateJobStatus("old", modules.JobCompleted, modules.JobUpdate{SetCompletedAt: true, CompletedAt: time.Now().Add(-time.Hour)}); err != nil {
		t.Fatal(err)
	}

	recent, err := st.ListRecentlyCompleted(time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if len(recent) != 1 || recent[0].ID != "recent" {
		t.Fatalf("expected only the recent job within the window, got %+v", recent)
	}
}
