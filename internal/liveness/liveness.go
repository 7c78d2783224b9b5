// Package liveness computes, for a single basic block, the per-virtual-
// register lifetime intervals the register allocator needs.
package liveness

import (
	"sort"

	"github.com/xyproto/tac64/internal/ir"
)

// Interval is a half-open range of instruction indices during which a
// vreg holds a live value in one uninterrupted location, together with
// the physical register the allocator eventually assigns it (if any).
type Interval struct {
	Start, End int // [Start, End)
	Register   *uint32
}

// Lifetime is the chronologically ordered, non-overlapping list of
// intervals for a single vreg. A vreg may own more than one interval: if
// it drops out of mention for a stretch of the block and is mentioned
// again later, that later stretch becomes a second interval.
type Lifetime struct {
	Intervals []Interval
}

// Start is the instruction index of the vreg's first definition.
func (l *Lifetime) Start() int {
	if len(l.Intervals) == 0 {
		return -1
	}
	return l.Intervals[0].Start
}

// End is one past the instruction index of the vreg's last use.
func (l *Lifetime) End() int {
	if len(l.Intervals) == 0 {
		return -1
	}
	return l.Intervals[len(l.Intervals)-1].End
}

// At returns the interval active at the given instruction index, if any.
func (l *Lifetime) At(pos int) (*Interval, bool) {
	for i := range l.Intervals {
		iv := &l.Intervals[i]
		if pos >= iv.Start && pos < iv.End {
			return iv, true
		}
	}
	return nil, false
}

// NextUseAfter returns the start of the next interval beginning strictly
// after pos, or -1 if there is none.
func (l *Lifetime) NextUseAfter(pos int) int {
	for _, iv := range l.Intervals {
		if iv.Start > pos {
			return iv.Start
		}
	}
	return -1
}

// SetRegister records the physical register assigned to whichever
// interval is active at pos, if any.
func (l *Lifetime) SetRegister(pos int, reg uint32) {
	if iv, ok := l.At(pos); ok {
		r := reg
		iv.Register = &r
	}
}

// Analyze performs the single forward pass described in spec §4.1: a
// vreg mentioned (as source or destination) at instruction i either
// extends its currently open interval, or opens a new one if it wasn't
// already active. A vreg active but not mentioned at i has its interval
// closed then and there.
func Analyze(block *ir.BasicBlock) map[ir.VReg]*Lifetime {
	result := make(map[ir.VReg]*Lifetime)
	active := make(map[ir.VReg]int) // vreg -> interval start index

	ensure := func(v ir.VReg) *Lifetime {
		l, ok := result[v]
		if !ok {
			l = &Lifetime{}
			result[v] = l
		}
		return l
	}

	for i, op := range block.Ops {
		mentioned := make(map[ir.VReg]bool)
		for _, u := range op.Uses() {
			mentioned[u] = true
		}
		if d, ok := op.Def(); ok {
			mentioned[d] = true
		}

		for v, start := range active {
			if !mentioned[v] {
				ensure(v).Intervals = append(ensure(v).Intervals, Interval{Start: start, End: i})
				delete(active, v)
			}
		}

		for v := range mentioned {
			if _, ok := active[v]; !ok {
				active[v] = i
			}
		}
	}

	for v, start := range active {
		ensure(v).Intervals = append(ensure(v).Intervals, Interval{Start: start, End: len(block.Ops)})
	}

	for _, l := range result {
		sort.Slice(l.Intervals, func(i, j int) bool {
			return l.Intervals[i].Start < l.Intervals[j].Start
		})
	}

	return result
}
