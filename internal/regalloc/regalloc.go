// Package regalloc implements the augmented linear-scan register
// allocator: given a basic block and its precomputed lifetimes, it
// decides where every vreg reference lives at every instruction and
// emits a Guard describing how the assembler gets it there. The
// allocator never emits bytes itself.
package regalloc

import (
	"fmt"
	"sort"

	"github.com/xyproto/tac64/internal/arm64"
	"github.com/xyproto/tac64/internal/ir"
	"github.com/xyproto/tac64/internal/liveness"
)

// GuardKey identifies a single vreg reference at a single instruction.
type GuardKey struct {
	VReg  ir.VReg
	Index int
}

// CallerSave is one (register, slot) pair the assembler must spill to
// the stack immediately before a Call instruction.
type CallerSave struct {
	Register arm64.Register
	Slot     int
}

// Result is the allocator's complete output for one basic block.
type Result struct {
	Guards      map[GuardKey]Guard
	StackSize   int
	CallerSaves map[int][]CallerSave // instr index -> spills, in ascending vreg-id order
}

type location struct {
	inReg bool
	reg   arm64.Register
	slot  int
}

type allocator struct {
	block     *ir.BasicBlock
	lifetimes map[ir.VReg]*liveness.Lifetime
	locations map[ir.VReg]*location
	freeRegs  []arm64.Register
	stack     *StackPool
	result    Result
}

// Allocate runs the augmented linear scan over block, using lifetimes
// computed by the liveness package, and returns the guard for every live
// reference plus the stack-slot high-water mark and caller-save spill
// lists. params are the function's incoming parameter vregs in AAPCS
// order; each is pinned to its argument register (X0, X1, ...) before
// the scan starts, regardless of what the function body does with it
// first.
func Allocate(block *ir.BasicBlock, lifetimes map[ir.VReg]*liveness.Lifetime, params []ir.VReg) Result {
	if len(params) > len(arm64.ArgRegisters) {
		panic(fmt.Sprintf("regalloc: %d parameters exceeds the %d AAPCS argument registers this compiler supports", len(params), len(arm64.ArgRegisters)))
	}

	a := &allocator{
		block:     block,
		lifetimes: lifetimes,
		locations: make(map[ir.VReg]*location),
		freeRegs:  append([]arm64.Register(nil), arm64.CallerSaved...),
		stack:     NewStackPool(),
		result: Result{
			Guards:      make(map[GuardKey]Guard),
			CallerSaves: make(map[int][]CallerSave),
		},
	}
	a.pinParams(params)

	for i, op := range block.Ops {
		if op.Kind == ir.OpCall {
			a.spillForCall(i)
		}
		for _, v := range a.activeAt(i) {
			a.assign(v, i)
		}
		a.retireDeadAt(i)
	}
	a.result.StackSize = a.stack.Size()
	return a.result
}

// pinParams binds each parameter vreg to its AAPCS argument register
// before any instruction is processed, and removes that register from
// the free pool so the first instruction in the body can't claim it out
// from under the incoming argument.
func (a *allocator) pinParams(params []ir.VReg) {
	for i, v := range params {
		reg := arm64.ArgRegisters[i]
		a.locations[v] = &location{inReg: true, reg: reg}
		a.removeFreeReg(reg)
	}
}

func (a *allocator) removeFreeReg(reg arm64.Register) {
	for i, r := range a.freeRegs {
		if r == reg {
			a.freeRegs = append(a.freeRegs[:i], a.freeRegs[i+1:]...)
			return
		}
	}
}

// activeAt returns, in ascending vreg-id order, every vreg whose
// lifetime contains instruction i.
func (a *allocator) activeAt(i int) []ir.VReg {
	var vregs []ir.VReg
	for v, l := range a.lifetimes {
		if _, ok := l.At(i); ok {
			vregs = append(vregs, v)
		}
	}
	sort.Slice(vregs, func(x, y int) bool { return vregs[x] < vregs[y] })
	return vregs
}

// spillForCall implements step 1: every vreg currently resident in a
// register is spilled to a fresh stack slot before a Call, since a
// callee may clobber any caller-save register.
func (a *allocator) spillForCall(i int) {
	var resident []ir.VReg
	for v, loc := range a.locations {
		if loc.inReg {
			resident = append(resident, v)
		}
	}
	sort.Slice(resident, func(x, y int) bool { return resident[x] < resident[y] })

	var saves []CallerSave
	for _, v := range resident {
		loc := a.locations[v]
		slot := a.stack.Alloc()
		saves = append(saves, CallerSave{Register: loc.reg, Slot: slot})
		loc.inReg = false
		loc.slot = slot
	}
	if len(saves) > 0 {
		a.result.CallerSaves[i] = saves
	}
	a.freeRegs = append([]arm64.Register(nil), arm64.CallerSaved...)
}

// assign computes and records v's guard at instruction i via the
// priority cascade described in the allocator contract.
func (a *allocator) assign(v ir.VReg, i int) {
	lt, ok := a.lifetimes[v]
	if !ok {
		panic(fmt.Sprintf("regalloc: no lifetime recorded for %s", v))
	}
	iv, ok := lt.At(i)
	if !ok {
		panic(fmt.Sprintf("regalloc: %s not active at instruction %d", v, i))
	}

	// (a) already decided earlier this same instruction.
	if iv.Register != nil {
		a.record(v, i, Ready{Register: arm64.Register(*iv.Register)})
		return
	}

	loc, inLocMap := a.locations[v]

	// (b) already resident in a register from a previous instruction.
	if inLocMap && loc.inReg {
		a.record(v, i, Ready{Register: loc.reg})
		lt.SetRegister(i, uint32(loc.reg))
		return
	}

	var spilledSlot *int
	if inLocMap && !loc.inReg {
		s := loc.slot
		spilledSlot = &s
	}

	var chosen arm64.Register
	var guard Guard

	switch {
	case len(a.freeRegs) > 0:
		chosen = a.popFreeReg()
		if spilledSlot != nil {
			guard = Load{Slot: *spilledSlot, Register: chosen}
			a.stack.Free(*spilledSlot)
		} else {
			guard = Ready{Register: chosen}
		}

	default:
		if w, wr, ok := a.findDeadRegister(i); ok {
			chosen = wr
			delete(a.locations, w)
			if spilledSlot != nil {
				guard = Load{Slot: *spilledSlot, Register: chosen}
				a.stack.Free(*spilledSlot)
			} else {
				guard = Ready{Register: chosen}
			}
		} else {
			victim, vr := a.farthestNextUse(i)
			saveSlot := a.stack.Alloc()
			a.locations[victim].inReg = false
			a.locations[victim].slot = saveSlot
			chosen = vr
			if spilledSlot != nil {
				guard = SaveAndLoad{SaveSlot: saveSlot, LoadSlot: *spilledSlot, Register: chosen}
				a.stack.Free(*spilledSlot)
			} else {
				guard = Save{Slot: saveSlot, Register: chosen}
			}
		}
	}

	a.locations[v] = &location{inReg: true, reg: chosen}
	lt.SetRegister(i, uint32(chosen))
	a.record(v, i, guard)
}

func (a *allocator) record(v ir.VReg, i int, g Guard) {
	a.result.Guards[GuardKey{VReg: v, Index: i}] = g
}

func (a *allocator) popFreeReg() arm64.Register {
	r := a.freeRegs[0]
	a.freeRegs = a.freeRegs[1:]
	return r
}

// findDeadRegister looks for a register-resident vreg whose lifetime
// has fully concluded by instruction i (its last interval ended at or
// before i) and is not itself part of i's active set, so reclaiming its
// register can never clobber a value instruction i still needs.
func (a *allocator) findDeadRegister(i int) (ir.VReg, arm64.Register, bool) {
	var candidates []ir.VReg
	for v, loc := range a.locations {
		if !loc.inReg {
			continue
		}
		lt := a.lifetimes[v]
		if lt.End() <= i {
			candidates = append(candidates, v)
		}
	}
	if len(candidates) == 0 {
		return 0, 0, false
	}
	sort.Slice(candidates, func(x, y int) bool { return candidates[x] < candidates[y] })
	v := candidates[0]
	return v, a.locations[v].reg, true
}

// farthestNextUse picks, among vregs currently resident in registers
// and not themselves active at instruction i, the one whose next use
// after i is farthest away (treating "no further use recorded" as
// infinitely far), breaking ties toward the lowest vreg id. Excluding
// vregs active at i keeps two live vregs from sharing a register there.
func (a *allocator) farthestNextUse(i int) (ir.VReg, arm64.Register) {
	var best ir.VReg
	bestDist := -2 // sentinel: nothing chosen yet
	var resident []ir.VReg
	for v, loc := range a.locations {
		if !loc.inReg {
			continue
		}
		if _, active := a.lifetimes[v].At(i); active {
			continue
		}
		resident = append(resident, v)
	}
	sort.Slice(resident, func(x, y int) bool { return resident[x] < resident[y] })
	for _, v := range resident {
		next := a.lifetimes[v].NextUseAfter(i)
		dist := next
		if next == -1 {
			dist = int(^uint(0) >> 1) // +inf
		}
		if dist > bestDist {
			bestDist = dist
			best = v
		}
	}
	if bestDist == -2 {
		panic("regalloc: spill requested with no inactive register-resident vregs to steal from")
	}
	return best, a.locations[best].reg
}

// retireDeadAt removes from the location map every vreg whose last use
// is instruction i (its final interval's exclusive End is i+1), per step
// 3 of the allocator contract. A retired vreg's register goes back to
// the free pool, which is kept in ascending register order so later
// pops stay deterministic.
func (a *allocator) retireDeadAt(i int) {
	for v, lt := range a.lifetimes {
		if lt.End() == i+1 {
			if loc, ok := a.locations[v]; ok && loc.inReg {
				a.freeRegs = append(a.freeRegs, loc.reg)
			}
			delete(a.locations, v)
		}
	}
	sort.Slice(a.freeRegs, func(x, y int) bool { return a.freeRegs[x] < a.freeRegs[y] })
}
