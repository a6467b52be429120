package bmv

// Queue is the ordered sequence of pending Commands described in spec.md
// §3/§4.4. It maintains the invariant that priorities are non-increasing
// from head to tail, and that index 0 — the inflight command — is never
// reordered by insertion. Like Cache, it is not safe for concurrent use;
// it is owned exclusively by the protocol engine's single goroutine.
type Queue struct {
	items      []*Command
	compress   bool
}

// NewQueue builds an empty Queue. compress enables the tail-replacement
// compression described in spec.md §4.4; async-set commands never
// participate in compression regardless of this flag (spec.md §9).
func NewQueue(compress bool) *Queue {
	return &Queue{compress: compress}
}

// Len returns the number of queued commands, including the inflight head.
func (q *Queue) Len() int {
	return len(q.items)
}

// Head returns the inflight command, or nil if the queue is empty.
func (q *Queue) Head() *Command {
	if len(q.items) == 0 {
		return nil
	}
	return q.items[0]
}

// Enqueue inserts cmd according to its priority, applying compression and
// deduplication first. Priority-1 commands are inserted immediately after
// the last existing priority-1 entry (or at index 1 if none, never
// displacing index 0). Priority-0 commands go to the tail.
func (q *Queue) Enqueue(cmd *Command) {
	if len(q.items) > 0 {
		tail := q.items[len(q.items)-1]
		tailID, err1 := tail.Identifier()
		cmdID, err2 := cmd.Identifier()
		if err1 == nil && err2 == nil && tailID == cmdID {
			if tail.WireForm() == cmd.WireForm() {
				// Deduplication: identical wire form already queued;
				// fold the new caller's waiters onto the one survivor.
				tail.resolvers = append(tail.resolvers, cmd.resolvers...)
				return
			}
			if q.compress && len(q.items) > 1 && cmd.Command != CmdAsyncSet {
				cmd.resolvers = append(tail.resolvers, cmd.resolvers...)
				q.items[len(q.items)-1] = cmd
				return
			}
		}
	}

	if cmd.Priority == 0 || len(q.items) == 0 {
		q.items = append(q.items, cmd)
		return
	}

	// Priority 1: insert after the last existing priority-1 entry, but
	// never before index 1 (index 0 is the inflight head and is never
	// reordered).
	insertAt := 1
	for i := len(q.items) - 1; i >= 1; i-- {
		if q.items[i].Priority >= 1 {
			insertAt = i + 1
			break
		}
	}
	q.items = append(q.items, nil)
	copy(q.items[insertAt+1:], q.items[insertAt:])
	q.items[insertAt] = cmd
}

// Delete removes the first command matching identifier and returns
// StateOK, or StateUnknownID if no such command is queued.
func (q *Queue) Delete(identifier string) byte {
	for i, c := range q.items {
		id, err := c.Identifier()
		if err != nil {
			continue
		}
		if id == identifier {
			q.items = append(q.items[:i], q.items[i+1:]...)
			return StateOK
		}
	}
	return StateUnknownID
}

// Advance removes the current head (response received, or retries
// exhausted) and, if the queue is non-empty, raises the new head to
// priority 1 so it transmits next.
func (q *Queue) Advance() *Command {
	if len(q.items) == 0 {
		return nil
	}
	q.items = q.items[1:]
	if len(q.items) == 0 {
		return nil
	}
	q.items[0].Priority = 1
	return q.items[0]
}

// Snapshot returns a defensive copy of the queued commands, head first.
// Intended for diagnostics/tests, never for mutation.
func (q *Queue) Snapshot() []*Command {
	out := make([]*Command, len(q.items))
	copy(out, q.items)
	return out
}
