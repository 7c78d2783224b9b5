package liveness

import (
	"testing"

	"github.com/xyproto/tac64/internal/ir"
)

func TestAnalyzeSimpleChainSplitsOnlyTheUnmentionedVreg(t *testing.T) {
	// a := 1; b := 2; c := a + b; return c;
	// v0 is not mentioned at instruction 1, so its interval closes there
	// and a second one opens at its use at 2; v1 and v2 stay contiguous.
	block := &ir.BasicBlock{Ops: []ir.Operation{
		ir.AssignOp(ir.Imm(1), 0),
		ir.AssignOp(ir.Imm(2), 1),
		ir.AddOp(ir.Reg(0), ir.Reg(1), 2),
		ir.ReturnOp(ir.Reg(2)),
	}}
	lifetimes := Analyze(block)

	if got := len(lifetimes[0].Intervals); got != 2 {
		t.Fatalf("v0: %d intervals, want 2", got)
	}
	if got := lifetimes[0].Intervals[0]; got.Start != 0 || got.End != 1 {
		t.Fatalf("v0 first interval = %+v, want [0,1)", got)
	}
	if got := lifetimes[0].Intervals[1]; got.Start != 2 || got.End != 3 {
		t.Fatalf("v0 second interval = %+v, want [2,3)", got)
	}
	if got := lifetimes[1].Intervals; len(got) != 1 || got[0].Start != 1 || got[0].End != 3 {
		t.Fatalf("v1 intervals = %+v, want one interval [1,3)", got)
	}
	if got := lifetimes[2].Intervals[0]; got.Start != 2 || got.End != 4 {
		t.Fatalf("v2 interval = %+v, want [2,4)", got)
	}
}

func TestAnalyzeGapProducesTwoIntervals(t *testing.T) {
	// v0 := 1; v1 := 2; v2 := v1; v3 := v0 + v2;  -- v0 is live at 0 and again at 3, dormant at 1-2
	block := &ir.BasicBlock{Ops: []ir.Operation{
		ir.AssignOp(ir.Imm(1), 0),
		ir.AssignOp(ir.Imm(2), 1),
		ir.AssignOp(ir.Reg(1), 2),
		ir.AddOp(ir.Reg(0), ir.Reg(2), 3),
	}}
	lifetimes := Analyze(block)

	v0 := lifetimes[0]
	if len(v0.Intervals) != 2 {
		t.Fatalf("v0: %d intervals, want 2 (gap across instructions 1-2): %+v", len(v0.Intervals), v0.Intervals)
	}
	if v0.Intervals[0] != (Interval{Start: 0, End: 1}) {
		t.Errorf("v0 first interval = %+v, want [0,1)", v0.Intervals[0])
	}
	if v0.Intervals[1] != (Interval{Start: 3, End: 4}) {
		t.Errorf("v0 second interval = %+v, want [3,4)", v0.Intervals[1])
	}
}

func TestAnalyzeInvariants(t *testing.T) {
	block := &ir.BasicBlock{Ops: []ir.Operation{
		ir.AssignOp(ir.Imm(1), 0),
		ir.AssignOp(ir.Imm(2), 1),
		ir.AssignOp(ir.Reg(1), 2),
		ir.AddOp(ir.Reg(0), ir.Reg(2), 3),
		ir.ReturnOp(ir.Reg(3)),
	}}
	lifetimes := Analyze(block)

	for v, lt := range lifetimes {
		if len(lt.Intervals) == 0 {
			t.Errorf("%s: empty lifetime", v)
		}
		for i, iv := range lt.Intervals {
			if iv.Start >= iv.End {
				t.Errorf("%s interval %d: start %d >= end %d", v, i, iv.Start, iv.End)
			}
			if i > 0 && lt.Intervals[i-1].End > iv.Start {
				t.Errorf("%s: intervals %d and %d overlap or are out of order", v, i-1, i)
			}
		}
	}

	for i, op := range block.Ops {
		mentioned := append(op.Uses(), func() []ir.VReg {
			if d, ok := op.Def(); ok {
				return []ir.VReg{d}
			}
			return nil
		}()...)
		for _, v := range mentioned {
			if _, ok := lifetimes[v].At(i); !ok {
				t.Errorf("instr %d mentions %s but no interval covers it", i, v)
			}
		}
	}
}
