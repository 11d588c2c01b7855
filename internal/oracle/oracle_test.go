package oracle_test

import (
	"errors"
	"testing"
	"time"

	fpmath "SynthLedger/internal/math"
	"SynthLedger/internal/oracle"
)

func TestStore_PendingUntilPushed(t *testing.T) {
	s := oracle.NewStore()
	at := time.Unix(1_700_000_000, 0)

	if err := s.RequestPrice("SYNTHUSD", at); err != nil {
		t.Fatalf("request: %v", err)
	}
	if s.HasPrice("SYNTHUSD", at) {
		t.Fatal("price should not resolve before push")
	}
	if _, err := s.GetPrice("SYNTHUSD", at); !errors.Is(err, oracle.ErrPriceNotAvailable) {
		t.Fatalf("got %v, want ErrPriceNotAvailable", err)
	}

	s.Push("SYNTHUSD", at, fpmath.FromInt(1))

	if !s.HasPrice("SYNTHUSD", at) {
		t.Fatal("price should resolve after push")
	}
	got, err := s.GetPrice("SYNTHUSD", at)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !got.Equal(fpmath.FromInt(1)) {
		t.Errorf("price = %s, want 1", got)
	}
	if len(s.PendingRequests()) != 0 {
		t.Error("pending request should clear on push")
	}
}

func TestStore_RequestIdempotent(t *testing.T) {
	s := oracle.NewStore()
	at := time.Unix(1_700_000_000, 0)

	for i := 0; i < 3; i++ {
		if err := s.RequestPrice("SYNTHUSD", at); err != nil {
			t.Fatalf("request %d: %v", i, err)
		}
	}
	if n := len(s.PendingRequests()); n != 1 {
		t.Errorf("pending = %d, want 1", n)
	}

	// A request after resolution stays resolved.
	s.Push("SYNTHUSD", at, fpmath.MustDecimal("1.2"))
	if err := s.RequestPrice("SYNTHUSD", at); err != nil {
		t.Fatalf("re-request: %v", err)
	}
	if !s.HasPrice("SYNTHUSD", at) {
		t.Error("resolved price lost after re-request")
	}
}

func TestStore_DistinctTimestamps(t *testing.T) {
	s := oracle.NewStore()
	t1 := time.Unix(100, 0)
	t2 := time.Unix(200, 0)

	s.Push("SYNTHUSD", t1, fpmath.FromInt(1))
	if s.HasPrice("SYNTHUSD", t2) {
		t.Error("price at t1 must not resolve t2")
	}
}
