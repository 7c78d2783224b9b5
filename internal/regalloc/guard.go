package regalloc

import "github.com/xyproto/tac64/internal/arm64"

// Guard describes the load/store prelude the emitter must issue before a
// single reference to a vreg, plus the physical register that reference
// resolves to. The allocator only ever produces guards; it never emits
// bytes itself.
type Guard interface {
	// Reg is the physical register the emitter must use for this
	// reference, after any load the guard specifies has been applied.
	Reg() arm64.Register
	guard()
}

// Ready means the vreg is already in a physical register; the emitter
// issues no prerequisite instruction.
type Ready struct {
	Register arm64.Register
}

func (g Ready) Reg() arm64.Register { return g.Register }
func (Ready) guard()                {}

// Load means the vreg's value must be fetched from a stack slot into a
// physical register before use.
type Load struct {
	Slot     int
	Register arm64.Register
}

func (g Load) Reg() arm64.Register { return g.Register }
func (Load) guard()                {}

// Save means some other vreg currently occupying Register must be
// spilled to a freshly allocated slot to make room; the vreg this guard
// is for is then placed (as a first definition) into the freed register.
type Save struct {
	Slot     int
	Register arm64.Register
}

func (g Save) Reg() arm64.Register { return g.Register }
func (Save) guard()                {}

// SaveAndLoad combines both: some other vreg is spilled out of Register
// to make room, and the vreg this guard is for is loaded into it from
// its own existing spill slot.
type SaveAndLoad struct {
	SaveSlot int
	LoadSlot int
	Register arm64.Register
}

func (g SaveAndLoad) Reg() arm64.Register { return g.Register }
func (SaveAndLoad) guard()                {}
