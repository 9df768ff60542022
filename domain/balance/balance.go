// Package balance provides the token balance value type and its pure mutations.
// Every mutation returns a new Account; the input is never modified.
package balance

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrInsufficientBalance is returned when the available balance cannot cover a cost.
	ErrInsufficientBalance = errors.New("insufficient balance")
	// ErrUnknownHold is returned when settling a hold that does not exist or was already settled.
	ErrUnknownHold = errors.New("unknown hold")
	// ErrDuplicateHold is returned when reserving under a hold ID already in use.
	ErrDuplicateHold = errors.New("duplicate hold")
	// ErrInvalidAmount is returned for non-positive credits or negative costs.
	ErrInvalidAmount = errors.New("invalid amount")
)

// Account is a user's token balance.
// Invariants: Current == TotalPurchased - TotalUsed, Current >= 0,
// Available() >= 0.
type Account struct {
	UserID         string
	Current        int64
	TotalPurchased int64
	TotalUsed      int64
	Holds          map[string]int64 // outstanding reservations by hold ID
	Version        int64
	UpdatedAt      time.Time
}

// InsufficientError carries the amounts behind an ErrInsufficientBalance.
type InsufficientError struct {
	Required  int64
	Available int64
}

func (e *InsufficientError) Error() string {
	return fmt.Sprintf("insufficient balance: required %d, available %d", e.Required, e.Available)
}

// Unwrap lets errors.Is match ErrInsufficientBalance.
func (e *InsufficientError) Unwrap() error { return ErrInsufficientBalance }

// Open creates an account seeded with the trial balance.
// The trial grant is counted as purchased so the invariant holds from the start.
func Open(userID string, trial int64, now time.Time) Account {
	if trial < 0 {
		trial = 0
	}
	return Account{
		UserID:         userID,
		Current:        trial,
		TotalPurchased: trial,
		UpdatedAt:      now.UTC(),
	}
}

// Held returns the sum of outstanding holds.
func (a Account) Held() int64 {
	var sum int64
	for _, v := range a.Holds {
		sum += v
	}
	return sum
}

// Available returns the balance not already reserved by in-flight requests.
func (a Account) Available() int64 {
	return a.Current - a.Held()
}

// Clone returns a deep copy.
func (a Account) Clone() Account {
	if a.Holds != nil {
		h := make(map[string]int64, len(a.Holds))
		for k, v := range a.Holds {
			h[k] = v
		}
		a.Holds = h
	}
	return a
}

// Reserve records a hold of cost against the available balance.
// The visible balance does not change until Commit.
func Reserve(a Account, holdID string, cost int64, now time.Time) (Account, error) {
	if cost < 0 {
		return a, ErrInvalidAmount
	}
	if _, exists := a.Holds[holdID]; exists {
		return a, ErrDuplicateHold
	}
	if avail := a.Available(); avail < cost {
		return a, &InsufficientError{Required: cost, Available: avail}
	}
	next := a.Clone()
	if next.Holds == nil {
		next.Holds = make(map[string]int64)
	}
	next.Holds[holdID] = cost
	next.UpdatedAt = now.UTC()
	return next, nil
}

// Commit debits a held amount exactly once and removes the hold.
// Committing an unknown or already-settled hold returns ErrUnknownHold.
func Commit(a Account, holdID string, now time.Time) (Account, int64, error) {
	cost, ok := a.Holds[holdID]
	if !ok {
		return a, 0, ErrUnknownHold
	}
	next := a.Clone()
	delete(next.Holds, holdID)
	next.TotalUsed += cost
	next.Current -= cost
	next.UpdatedAt = now.UTC()
	return next, cost, nil
}

// Release drops a hold without charging.
func Release(a Account, holdID string, now time.Time) (Account, error) {
	if _, ok := a.Holds[holdID]; !ok {
		return a, ErrUnknownHold
	}
	next := a.Clone()
	delete(next.Holds, holdID)
	next.UpdatedAt = now.UTC()
	return next, nil
}

// Credit adds purchased tokens.
func Credit(a Account, amount int64, now time.Time) (Account, error) {
	if amount <= 0 {
		return a, ErrInvalidAmount
	}
	next := a.Clone()
	next.TotalPurchased += amount
	next.Current += amount
	next.UpdatedAt = now.UTC()
	return next, nil
}

// Check verifies the account invariants.
func Check(a Account) error {
	if a.Current != a.TotalPurchased-a.TotalUsed {
		return fmt.Errorf("balance %s: current %d != purchased %d - used %d",
			a.UserID, a.Current, a.TotalPurchased, a.TotalUsed)
	}
	if a.Current < 0 {
		return fmt.Errorf("balance %s: negative current %d", a.UserID, a.Current)
	}
	if a.Available() < 0 {
		return fmt.Errorf("balance %s: holds %d exceed current %d", a.UserID, a.Held(), a.Current)
	}
	return nil
}
