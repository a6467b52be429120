package bmv

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func mustGet(t *testing.T, address uint16, priority byte, maxRetries int) *Command {
	t.Helper()
	cmd, err := NewGetCommand(address, priority, maxRetries)
	assert.NoError(t, err)
	return cmd
}

func TestQueuePriorityOrdering(t *testing.T) {
	q := NewQueue(false)
	low1 := mustGet(t, 0x1000, 0, 3)
	high1 := mustGet(t, 0x1001, 1, 3)
	low2 := mustGet(t, 0x1002, 0, 3)
	high2 := mustGet(t, 0x1003, 1, 3)

	q.Enqueue(low1)
	q.Enqueue(high1)
	q.Enqueue(low2)
	q.Enqueue(high2)

	snap := q.Snapshot()
	assert.Len(t, snap, 4)
	// Index 0 (the inflight head) is never reordered by insertion.
	assert.Same(t, low1, snap[0])
	// Priority-1 entries insert after the head but before priority-0 tail.
	assert.Same(t, high1, snap[1])
	assert.Same(t, high2, snap[2])
	assert.Same(t, low2, snap[3])
}

func TestQueueDeduplicatesIdenticalWireForm(t *testing.T) {
	q := NewQueue(true)
	first := mustGet(t, 0x1000, 0, 3)
	q.Enqueue(first)

	second := mustGet(t, 0x2000, 0, 3) // unrelated, becomes the tail behind first
	q.Enqueue(second)

	dup := mustGet(t, 0x2000, 0, 3) // identical wire form to second
	var resolved bool
	dup.onResolve(func(*Response, error) { resolved = true })
	q.Enqueue(dup)

	assert.Equal(t, 2, q.Len())

	tail := q.Snapshot()[1]
	assert.Same(t, second, tail)
	// dup was folded away rather than enqueued, but its caller's
	// resolver was transferred onto the surviving tail command, so it
	// still fires once the tail resolves.
	tail.resolve(nil, nil)
	assert.True(t, resolved)
}

func TestQueueCompressionScenario(t *testing.T) {
	// Scenario: one command inflight, then three same-identifier
	// priority-0 submissions arrive before it resolves. Compression
	// folds them into a single tail entry, so the queue settles at
	// length 2 (the inflight head plus the compressed tail), and the
	// tail is the last of the three submissions.
	q := NewQueue(true)

	inflight := mustGet(t, 0x1000, 1, 3)
	q.Enqueue(inflight)

	first, err := NewSetCommand(0x1001, []byte{0x00, 0x01}, 0, 3)
	assert.NoError(t, err)
	second, err := NewSetCommand(0x1001, []byte{0x00, 0x02}, 0, 3)
	assert.NoError(t, err)
	third, err := NewSetCommand(0x1001, []byte{0x00, 0x03}, 0, 3)
	assert.NoError(t, err)

	q.Enqueue(first)
	q.Enqueue(second)
	q.Enqueue(third)

	assert.Equal(t, 2, q.Len())
	tail := q.Snapshot()[1]
	assert.Same(t, third, tail)
}

func TestQueueCompressionTransfersResolvers(t *testing.T) {
	q := NewQueue(true)
	inflight := mustGet(t, 0x1000, 1, 3)
	q.Enqueue(inflight)

	first, err := NewSetCommand(0x1001, []byte{0x00, 0x01}, 0, 3)
	assert.NoError(t, err)
	var firstNotified bool
	first.onResolve(func(*Response, error) { firstNotified = true })
	q.Enqueue(first)

	second, err := NewSetCommand(0x1001, []byte{0x00, 0x02}, 0, 3)
	assert.NoError(t, err)
	q.Enqueue(second)

	// second replaced first in the queue, but first's caller is folded
	// onto second and must still be notified when second resolves.
	second.resolve(nil, nil)
	assert.True(t, firstNotified)
}

func TestQueueAsyncSetNeverCompressed(t *testing.T) {
	q := NewQueue(true)
	inflight := mustGet(t, 0x1000, 1, 3)
	q.Enqueue(inflight)

	first, err := NewCommand(CmdAsyncSet, 0x1001, true, []byte{0x00, 0x01}, 0, 0)
	assert.NoError(t, err)
	second, err := NewCommand(CmdAsyncSet, 0x1001, true, []byte{0x00, 0x02}, 0, 0)
	assert.NoError(t, err)

	q.Enqueue(first)
	q.Enqueue(second)

	assert.Equal(t, 3, q.Len())
}

func TestQueueDeleteAndAdvance(t *testing.T) {
	q := NewQueue(false)
	head := mustGet(t, 0x1000, 1, 3)
	second := mustGet(t, 0x2000, 0, 3)
	q.Enqueue(head)
	q.Enqueue(second)

	secondID, err := second.Identifier()
	assert.NoError(t, err)

	assert.Equal(t, StateUnknownID, q.Delete("nonexistent"))
	assert.Equal(t, StateOK, q.Delete(secondID))
	assert.Equal(t, 1, q.Len())

	q2 := NewQueue(false)
	a := mustGet(t, 0x1000, 1, 3)
	b := mustGet(t, 0x2000, 0, 3)
	q2.Enqueue(a)
	q2.Enqueue(b)

	next := q2.Advance()
	assert.Same(t, b, next)
	assert.Equal(t, byte(1), b.Priority)
	assert.Equal(t, 1, q2.Len())

	assert.Nil(t, q2.Advance())
	assert.Equal(t, 0, q2.Len())
}
