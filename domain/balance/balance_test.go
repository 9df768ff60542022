package balance_test

import (
	"errors"
	"testing"
	"time"

	"github.com/artpar/tollgate/domain/balance"
)

var baseTime = time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC)

func TestOpen(t *testing.T) {
	a := balance.Open("user-1", 100, baseTime)

	if a.Current != 100 || a.TotalPurchased != 100 || a.TotalUsed != 0 {
		t.Errorf("Open = %+v", a)
	}
	if err := balance.Check(a); err != nil {
		t.Error(err)
	}

	neg := balance.Open("user-2", -5, baseTime)
	if neg.Current != 0 {
		t.Errorf("negative trial should clamp to 0, got %d", neg.Current)
	}
}

func TestReserveCommit(t *testing.T) {
	a := balance.Open("user-1", 100, baseTime)

	a, err := balance.Reserve(a, "h1", 10, baseTime)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if a.Current != 100 || a.Available() != 90 {
		t.Errorf("after reserve current=%d available=%d, want 100/90", a.Current, a.Available())
	}

	a, charged, err := balance.Commit(a, "h1", baseTime)
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if charged != 10 {
		t.Errorf("charged = %d, want 10", charged)
	}
	if a.Current != 90 || a.TotalUsed != 10 || a.Available() != 90 {
		t.Errorf("after commit %+v", a)
	}
	if err := balance.Check(a); err != nil {
		t.Error(err)
	}

	// A second commit of the same hold never charges twice.
	b, charged, err := balance.Commit(a, "h1", baseTime)
	if !errors.Is(err, balance.ErrUnknownHold) {
		t.Errorf("second Commit err = %v, want ErrUnknownHold", err)
	}
	if charged != 0 || b.Current != 90 {
		t.Errorf("second commit changed balance: %+v", b)
	}
}

func TestReserve_Insufficient(t *testing.T) {
	a := balance.Open("user-1", 5, baseTime)

	got, err := balance.Reserve(a, "h1", 10, baseTime)

	var ie *balance.InsufficientError
	if !errors.As(err, &ie) {
		t.Fatalf("err = %v, want InsufficientError", err)
	}
	if !errors.Is(err, balance.ErrInsufficientBalance) {
		t.Error("InsufficientError should match ErrInsufficientBalance")
	}
	if ie.Required != 10 || ie.Available != 5 {
		t.Errorf("InsufficientError = %+v", ie)
	}
	if got.Current != 5 || len(got.Holds) != 0 {
		t.Errorf("failed reserve mutated account: %+v", got)
	}
}

func TestReserve_HoldsPreventOverdraft(t *testing.T) {
	a := balance.Open("user-1", 25, baseTime)

	a, _ = balance.Reserve(a, "h1", 10, baseTime)
	a, _ = balance.Reserve(a, "h2", 10, baseTime)

	if _, err := balance.Reserve(a, "h3", 10, baseTime); !errors.Is(err, balance.ErrInsufficientBalance) {
		t.Errorf("third reserve err = %v, want insufficient", err)
	}
	if a.Available() != 5 {
		t.Errorf("Available = %d, want 5", a.Available())
	}
}

func TestReserve_DuplicateAndNegative(t *testing.T) {
	a := balance.Open("user-1", 100, baseTime)
	a, _ = balance.Reserve(a, "h1", 1, baseTime)

	if _, err := balance.Reserve(a, "h1", 1, baseTime); !errors.Is(err, balance.ErrDuplicateHold) {
		t.Errorf("err = %v, want ErrDuplicateHold", err)
	}
	if _, err := balance.Reserve(a, "h2", -1, baseTime); !errors.Is(err, balance.ErrInvalidAmount) {
		t.Errorf("err = %v, want ErrInvalidAmount", err)
	}
}

func TestRelease(t *testing.T) {
	a := balance.Open("user-1", 100, baseTime)
	a, _ = balance.Reserve(a, "h1", 30, baseTime)

	a, err := balance.Release(a, "h1", baseTime)
	if err != nil {
		t.Fatalf("Release: %v", err)
	}
	if a.Current != 100 || a.Available() != 100 || a.TotalUsed != 0 {
		t.Errorf("after release %+v", a)
	}
	if _, err := balance.Release(a, "h1", baseTime); !errors.Is(err, balance.ErrUnknownHold) {
		t.Errorf("second release err = %v", err)
	}
	if _, _, err := balance.Commit(a, "h1", baseTime); !errors.Is(err, balance.ErrUnknownHold) {
		t.Errorf("commit after release err = %v", err)
	}
}

func TestCredit(t *testing.T) {
	a := balance.Open("user-1", 100, baseTime)

	a, err := balance.Credit(a, 50, baseTime)
	if err != nil {
		t.Fatalf("Credit: %v", err)
	}
	if a.Current != 150 || a.TotalPurchased != 150 {
		t.Errorf("after credit %+v", a)
	}
	for _, amt := range []int64{0, -1} {
		if _, err := balance.Credit(a, amt, baseTime); !errors.Is(err, balance.ErrInvalidAmount) {
			t.Errorf("Credit(%d) err = %v", amt, err)
		}
	}
}

func TestMutationsDoNotAlias(t *testing.T) {
	a := balance.Open("user-1", 100, baseTime)
	a, _ = balance.Reserve(a, "h1", 10, baseTime)

	b, _ := balance.Reserve(a, "h2", 10, baseTime)
	if _, ok := a.Holds["h2"]; ok {
		t.Error("Reserve mutated the input account's holds")
	}
	c, _, _ := balance.Commit(b, "h1", baseTime)
	if _, ok := b.Holds["h1"]; !ok {
		t.Error("Commit mutated the input account's holds")
	}
	if c.Held() != 10 {
		t.Errorf("Held = %d, want 10", c.Held())
	}
}

func TestCheck(t *testing.T) {
	bad := balance.Account{UserID: "u", Current: 10, TotalPurchased: 20, TotalUsed: 5}
	if err := balance.Check(bad); err == nil {
		t.Error("expected invariant violation")
	}
	over := balance.Account{UserID: "u", Current: 10, TotalPurchased: 10, Holds: map[string]int64{"h": 11}}
	if err := balance.Check(over); err == nil {
		t.Error("expected holds violation")
	}
}
