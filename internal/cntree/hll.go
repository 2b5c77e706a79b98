package cntree

import (
	"math"
	"math/bits"

	"github.com/cnkv/cntree/pkg/khash"
)

// HLLPrecision is the number of bits used to select a register. 11 bits
// gives 2048 registers (~2KB per sketch), a reasonable accuracy/size
// tradeoff for a per-kvset cardinality estimate that only needs to bias
// scheduling decisions, not produce exact counts.
const HLLPrecision = 11

const hllRegisterCount = 1 << HLLPrecision

// denseHLL is a standard dense HyperLogLog sketch. No library in the
// retrieval pack ships a ready-made HLL type (see DESIGN.md), so this is a
// direct, small, stdlib-only implementation (math/bits for the leading-zero
// count, math for the bias-corrected estimator).
type denseHLL struct {
	registers [hllRegisterCount]uint8
}

// NewHLL returns a fresh, empty HLL sketch.
func NewHLL() HLL { return &denseHLL{} }

func (h *denseHLL) Add(key []byte) {
	x := khash.Sum64(key)
	idx := x & (hllRegisterCount - 1)
	w := x >> HLLPrecision
	rho := uint8(bits.LeadingZeros64(w)-HLLPrecision) + 1
	if rho > h.registers[idx] {
		h.registers[idx] = rho
	}
}

func (h *denseHLL) Union(other HLL) {
	o, ok := other.(*denseHLL)
	if !ok || o == nil {
		return
	}
	for i := range h.registers {
		if o.registers[i] > h.registers[i] {
			h.registers[i] = o.registers[i]
		}
	}
}

func (h *denseHLL) Clone() HLL {
	c := &denseHLL{}
	c.registers = h.registers
	return c
}

// Estimate returns the bias-corrected cardinality estimate (standard HLL
// estimator with small/large range corrections).
func (h *denseHLL) Estimate() uint64 {
	m := float64(hllRegisterCount)
	sum := 0.0
	zeros := 0
	for _, r := range h.registers {
		sum += 1.0 / math.Pow(2, float64(r))
		if r == 0 {
			zeros++
		}
	}

	alpha := 0.7213 / (1 + 1.079/m)
	raw := alpha * m * m / sum

	switch {
	case raw <= 2.5*m && zeros > 0:
		return uint64(m * math.Log(m/float64(zeros)))
	default:
		return uint64(raw)
	}
}
