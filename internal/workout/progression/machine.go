// Package progression sequences the ordered blocks of a workout session and
// tracks per-partner completion within the active block.
package progression

import (
	"math"
	"sync"

	"github.com/duoset/duoset/internal/workout"
)

// Machine is an in-memory cursor over a fixed, ordered block list.
//
// The block list and its length are fixed at construction. Completion
// callbacks may arrive from transport goroutines while the cursor moves on
// local actions, so every operation reads the live index under the mutex
// rather than a value captured at registration time. Operations never fail;
// out-of-range indices clamp.
type Machine struct {
	mu       sync.Mutex
	original []workout.Block
	blocks   []workout.Block
	index    int
	complete bool
}

// NewMachine creates a machine positioned at the first block. The input list
// is cloned so later mutations by the caller cannot alias machine state.
func NewMachine(blocks []workout.Block) *Machine {
	return &Machine{
		original: cloneBlocks(blocks),
		blocks:   cloneBlocks(blocks),
	}
}

// Advance moves the cursor forward by exactly one block. At the last block it
// marks the machine complete and leaves the index unchanged; further calls
// are no-ops.
func (m *Machine) Advance() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.complete {
		return
	}
	if m.index >= len(m.blocks)-1 {
		m.complete = true
		return
	}
	m.index++
}

// CompleteSlot marks the given side of the current block completed, recording
// reps when non-nil. Only the targeted slot of the current block changes.
func (m *Machine) CompleteSlot(side workout.Side, reps *int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.blocks) == 0 {
		return
	}

	block := m.blocks[m.clampedIndex()]
	slot := block.SlotA
	if side == workout.SideB {
		slot = block.SlotB
	}

	slot.Completed = true
	if reps != nil {
		value := *reps
		slot.CompletedReps = &value
	}

	if side == workout.SideB {
		block.SlotB = slot
	} else {
		block.SlotA = slot
	}
	m.blocks[m.clampedIndex()] = block
}

// Reset restores the cursor to the first block and the block list to its
// original, unmutated contents.
func (m *Machine) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.blocks = cloneBlocks(m.original)
	m.index = 0
	m.complete = false
}

// CurrentIndex returns the active block index.
func (m *Machine) CurrentIndex() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.clampedIndex()
}

// CurrentBlock returns a copy of the active block. The second return is false
// when the machine holds no blocks.
func (m *Machine) CurrentBlock() (workout.Block, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.blocks) == 0 {
		return workout.Block{}, false
	}
	return cloneBlock(m.blocks[m.clampedIndex()]), true
}

// SlotA returns a copy of partner A's slot in the active block.
func (m *Machine) SlotA() (workout.Slot, bool) {
	block, ok := m.CurrentBlock()
	return block.SlotA, ok
}

// SlotB returns a copy of partner B's slot in the active block.
func (m *Machine) SlotB() (workout.Slot, bool) {
	block, ok := m.CurrentBlock()
	return block.SlotB, ok
}

// IsComplete reports whether advancement was requested past the last block.
func (m *Machine) IsComplete() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.complete
}

// TotalBlocks returns the fixed block count.
func (m *Machine) TotalBlocks() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.blocks)
}

// CompletedBlocks counts the blocks strictly before the cursor; those are
// completed by definition of advancement.
func (m *Machine) CompletedBlocks() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.clampedIndex()
}

// TotalDurationSeconds sums every block's duration.
func (m *Machine) TotalDurationSeconds() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return workout.TotalDurationSeconds(m.blocks)
}

// ProgressPercent returns completed blocks as a rounded percentage of the total.
func (m *Machine) ProgressPercent() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.blocks) == 0 {
		return 0
	}
	return int(math.Round(100 * float64(m.clampedIndex()) / float64(len(m.blocks))))
}

// Blocks returns a deep copy of the working block list.
func (m *Machine) Blocks() []workout.Block {
	m.mu.Lock()
	defer m.mu.Unlock()
	return cloneBlocks(m.blocks)
}

// clampedIndex keeps the cursor inside [0, len-1]. Callers hold the mutex.
func (m *Machine) clampedIndex() int {
	if m.index < 0 {
		return 0
	}
	if last := len(m.blocks) - 1; m.index > last && last >= 0 {
		return last
	}
	return m.index
}

func cloneBlocks(blocks []workout.Block) []workout.Block {
	if blocks == nil {
		return nil
	}
	out := make([]workout.Block, len(blocks))
	for i, b := range blocks {
		out[i] = cloneBlock(b)
	}
	return out
}

func cloneBlock(b workout.Block) workout.Block {
	b.SlotA = cloneSlot(b.SlotA)
	b.SlotB = cloneSlot(b.SlotB)
	return b
}

func cloneSlot(s workout.Slot) workout.Slot {
	if s.CompletedReps != nil {
		value := *s.CompletedReps
		s.CompletedReps = &value
	}
	return s
}
