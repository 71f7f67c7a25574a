package queue

import (
	"testing"

	"gitlab.com/NebulousLabs/errors"

	"gitlab.com/gridlabs/coordinator/modules"
)

func TestFIFOOrder(t *testing.T) {
	q := New(0)
	q.Enqueue("a")
	q.Enqueue("b")
	q.Enqueue("c")

	for _, want := range []string{"a", "b", "c"} {
		got, ok := q.Pop()
		if !ok || got != want {
			t.Fatalf("expected %q, got %q (ok=%v)", want, got, ok)
		}
	}
	if _, ok := q.Pop(); ok {
		t.Fatal("expected empty queue")
	}
}

func TestEnqueueFrontJumpsQueue(t *testing.T) {
	q := New(0)
	q.Enqueue("a")
	q.Enqueue("b")
	q.EnqueueFront("urgent")

	got, _ := q.Pop()
	if got != "urgent" {
		t.Fatalf("expected 'urgent' at head, got %q", got)
	}
}

func TestCapacityEnforced(t *testing.T) {
	q := New(2)
	if err := q.Enqueue("a"); err != nil {
		t.Fatal(err)
	}
	if err := q.Enqueue("b"); err != nil {
		t.Fatal(err)
	}
	err := q.Enqueue("c")
	if !errors.Contains(err, modules.ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
	if q.Len() != 2 {
		t.Fatalf("expected length 2 after rejected enqueue, got %d", q.Len())
	}
}

func TestPeekDoesNotRemove(t *testing.T) {
	q := New(0)
	q.Enqueue("a")
	peeked, ok := q.Peek()
	if !ok || peeked != "a" {
		t.Fatalf("expected to peek 'a', got %q (ok=%v)", peeked, ok)
	}
	if q.Len() != 1 {
		t.Fatalf("peek must not remove, length = %d", q.Len())
	}
}
