package chat

import (
	"strings"
	"sync"
)

// CompletionState is the lifecycle of one fan-out branch.
type CompletionState int

const (
	// StatePending means no non-empty delta has arrived yet.
	StatePending CompletionState = iota
	StateStreaming
	StateFinished
	StateErrored
)

func (s CompletionState) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateStreaming:
		return "streaming"
	case StateFinished:
		return "finished"
	case StateErrored:
		return "errored"
	default:
		return "unknown"
	}
}

// Reply is the accumulated outcome of one fan-out branch.
type Reply struct {
	Text       string
	State      CompletionState
	StopReason string
	Details    interface{}
	// MessageID is set once the reply has been persisted as a node.
	MessageID string
}

// tracker accumulates per-index completion state. Adapters may emit from
// multiple goroutines, so every transition takes the lock; deliveries to
// the caller's observer are serialized under it too.
type tracker struct {
	mu      sync.Mutex
	states  []CompletionState
	texts   []strings.Builder
	finals  []string
	sealed  []bool
	replies []Reply
}

func newTracker(n int) *tracker {
	return &tracker{
		states:  make([]CompletionState, n),
		texts:   make([]strings.Builder, n),
		finals:  make([]string, n),
		sealed:  make([]bool, n),
		replies: make([]Reply, n),
	}
}

// apply folds one progress event into the tracker and reports whether it
// should be forwarded to the caller's observer. A terminal event for an
// already-terminal index is a no-op: some backends emit duplicate finish
// signals, and finishing must be idempotent.
func (t *tracker) apply(ev ProgressEvent) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if ev.Index < 0 || ev.Index >= len(t.states) {
		return false
	}

	state := t.states[ev.Index]
	if state == StateFinished || state == StateErrored {
		return false
	}

	if ev.Done {
		t.states[ev.Index] = StateFinished
		t.replies[ev.Index].StopReason = ev.StopReason
		if ev.Text != "" {
			t.finals[ev.Index] = ev.Text
			t.sealed[ev.Index] = true
		}
		if ev.Details != nil {
			t.replies[ev.Index].Details = ev.Details
		}
		return true
	}

	if ev.Delta == "" {
		return false
	}
	if state == StatePending {
		t.states[ev.Index] = StateStreaming
	}
	t.texts[ev.Index].WriteString(ev.Delta)
	if ev.Details != nil {
		t.replies[ev.Index].Details = ev.Details
	}
	return true
}

// salvage marks every index that reached STREAMING as errored with the
// given reason. Indices still PENDING are left untouched; they produced
// nothing worth keeping and are dropped silently by the caller.
func (t *tracker) salvage(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, state := range t.states {
		if state == StateStreaming {
			t.states[i] = StateErrored
			t.replies[i].StopReason = err.Error()
		}
	}
}

// snapshot returns the replies indexed by completion index.
func (t *tracker) snapshot() []Reply {
	t.mu.Lock()
	defer t.mu.Unlock()
	ret := make([]Reply, len(t.replies))
	for i := range t.replies {
		ret[i] = t.replies[i]
		if t.sealed[i] {
			ret[i].Text = t.finals[i]
		} else {
			ret[i].Text = t.texts[i].String()
		}
		ret[i].State = t.states[i]
	}
	return ret
}
