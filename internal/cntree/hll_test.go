package cntree

import (
	"fmt"
	"testing"
)

func TestHLLEstimate(t *testing.T) {
	h := NewHLL()
	const n = 10000
	for i := 0; i < n; i++ {
		h.Add([]byte(fmt.Sprintf("key-%d", i)))
	}

	est := h.Estimate()
	// A 2048-register sketch is well within 10% at this cardinality.
	if est < n*90/100 || est > n*110/100 {
		t.Errorf("Estimate = %d, want within 10%% of %d", est, n)
	}
}

func TestHLLDuplicatesDoNotInflate(t *testing.T) {
	h := NewHLL()
	for i := 0; i < 1000; i++ {
		h.Add([]byte("same-key"))
	}
	if est := h.Estimate(); est > 2 {
		t.Errorf("Estimate of one distinct key = %d", est)
	}
}

func TestHLLUnion(t *testing.T) {
	a, b := NewHLL(), NewHLL()
	for i := 0; i < 5000; i++ {
		a.Add([]byte(fmt.Sprintf("a-%d", i)))
		b.Add([]byte(fmt.Sprintf("b-%d", i)))
	}

	a.Union(b)
	est := a.Estimate()
	if est < 9000 || est > 11000 {
		t.Errorf("union Estimate = %d, want within 10%% of 10000", est)
	}
}

func TestHLLClone(t *testing.T) {
	a := NewHLL()
	a.Add([]byte("x"))
	c := a.Clone()
	c.Add([]byte("y"))

	if a.Estimate() >= c.Estimate() && a.Estimate() > 1 {
		t.Errorf("clone mutation leaked into the source: %d vs %d", a.Estimate(), c.Estimate())
	}
}
