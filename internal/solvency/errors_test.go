package solvency

import (
	"strings"
	"testing"
)

func TestInvariantPanicsWithViolation(t *testing.T) {
	defer func() {
		rec := recover()
		v, ok := rec.(InvariantViolation)
		if !ok {
			t.Fatalf("expected InvariantViolation panic, got %T (%v)", rec, rec)
		}
		if !strings.Contains(v.Error(), "total collateral -1 is negative") {
			t.Errorf("unexpected message %q", v.Error())
		}
	}()
	invariant(false, "total collateral %d is negative", -1)
	t.Fatal("invariant(false) returned")
}

func TestInvariantHoldsIsSilent(t *testing.T) {
	invariant(true, "unreachable")
}
