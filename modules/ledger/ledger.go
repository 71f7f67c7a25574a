// Package ledger implements the credit ledger (component C2): atomic
// reserve/debit/refund operations layered over the durable store's guarded
// decrement. The pattern - a single mutex-free conditional update backed by
// the store's own transaction, with no in-process pending/committed split -
// is a deliberate simplification of the teacher's modules/renter/account.go
// ephemeral-account bookkeeping (pendingDeposits/pendingWithdrawals): that
// extra bookkeeping exists there because Sia's withdrawals are unconditional
// and asynchronous relative to the host's RPC response, whereas the ledger's
// Deduct call here already is the durability boundary, so there is nothing
// left to track as "pending".
package ledger

import (
	"gitlab.com/NebulousLabs/errors"

	"gitlab.com/gridlabs/coordinator/modules"
)

// Config holds the settlement-rate parameters from spec.md section 6.
type Config struct {
	CostRatePerSecond float64
	CostBase          float64
	InitialCredits    float64
}

// Ledger is the credit ledger. It holds no balance state itself - the store
// is the single source of truth - matching spec.md section 4.2's contract
// that "no caller is permitted to set balance directly" and that the ledger
// is "the sole place negative balances are prevented".
type Ledger struct {
	store  modules.Store
	config Config
}

// New constructs a Ledger over the given store.
func New(store modules.Store, config Config) *Ledger {
	return &Ledger{store: store, config: config}
}

// EnsureUser implements the ensure_user(u, initial) operation.
func (l *Ledger) EnsureUser(userID string) error {
	if err := l.store.EnsureUser(userID, l.config.InitialCredits); err != nil {
		return errors.AddContext(err, "unable to ensure user")
	}
	return nil
}

// Balance implements the balance(u) operation.
func (l *Ledger) Balance(userID string) (float64, error) {
	bal, err := l.store.Balance(userID)
	if err != nil {
		return 0, errors.AddContext(err, "unable to read balance")
	}
	return bal, nil
}

// Deduct implements the deduct(u, amount) operation: an atomic conditional
// decrement that returns whether it succeeded.
func (l *Ledger) Deduct(userID string, amount float64) (bool, error) {
	if amount < 0 {
		return false, errors.New("deduct amount must be non-negative")
	}
	ok, err := l.store.Deduct(userID, amount)
	if err != nil {
		return false, errors.AddContext(err, "unable to deduct balance")
	}
	return ok, nil
}

// Credit implements the credit(u, amount) operation: an unconditional
// increment, creating the user at zero first if absent.
func (l *Ledger) Credit(userID string, amount float64) error {
	if amount < 0 {
		return errors.New("credit amount must be non-negative")
	}
	if amount == 0 {
		return nil
	}
	if err := l.store.Credit(userID, amount); err != nil {
		return errors.AddContext(err, "unable to credit balance")
	}
	return nil
}

// MaxReserve implements max_reserve(timeout_seconds): the worst-case cost of
// a job given its declared timeout, per spec.md section 4.2.
func (l *Ledger) MaxReserve(timeoutSeconds int) float64 {
	return l.config.CostRatePerSecond*float64(timeoutSeconds) + l.config.CostBase
}

// TimeCost computes the actual settled cost for an observed duration,
// clamped to [0, reserved] per spec.md section 4.7 step 1.
func (l *Ledger) TimeCost(durationSeconds, reserved float64) float64 {
	cost := l.config.CostRatePerSecond*durationSeconds + l.config.CostBase
	if cost < 0 {
		return 0
	}
	if cost > reserved {
		return reserved
	}
	return cost
}

// Reserve attempts to reserve amount from userID's balance, ensuring the
// user exists first. It returns modules.ErrInsufficientBalance if the
// reservation cannot be satisfied - callers must not create any job record
// on this error (spec.md section 7's Economic error class: "no side
// effects").
func (l *Ledger) Reserve(userID string, amount float64) error {
	if err := l.EnsureUser(userID); err != nil {
		return err
	}
	ok, err := l.Deduct(userID, amount)
	if err != nil {
		return err
	}
	if !ok {
		return modules.ErrInsufficientBalance
	}
	return nil
}

// Refund credits back a surplus reserve amount to userID. Used both for the
// reserve-then-refund round trip law and for settlement's surplus refund.
func (l *Ledger) Refund(userID string, amount float64) error {
	return l.Credit(userID, amount)
}
