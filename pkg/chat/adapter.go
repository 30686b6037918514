package chat

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/go-go-golems/parley/pkg/conversation"
)

// ProgressEvent is one unit of streaming progress from an adapter. Events
// carry the fan-out index they belong to; the client's completion tracker
// accumulates them per index.
type ProgressEvent struct {
	Index int
	// Delta is the incremental text fragment. Empty for terminal events.
	Delta string
	// Done marks the terminal event for this index. Duplicate terminal
	// events for one index are suppressed by the tracker.
	Done bool
	// Text, set on a terminal event, is the backend's authoritative final
	// reply text. It replaces the accumulated deltas, which for snapshot
	// protocols may carry rewrite artifacts or trailing stop tokens.
	Text       string
	StopReason string
	// Details carries the raw wire event for callers that want it.
	Details interface{}
}

// ProgressFunc receives streaming progress. Adapters call it from the
// goroutine running the exchange; the client serializes delivery.
type ProgressFunc func(ProgressEvent)

// Adapter is the seam every backend implements. It owns request shaping,
// transport, and progress parsing; everything else — history assembly,
// fan-out accounting, persistence — lives in the Client.
type Adapter interface {
	// Name identifies the adapter and doubles as its cache namespace.
	Name() string

	// Participants returns the adapter's label overrides, merged over the
	// registry defaults.
	Participants() conversation.Participants

	// BuildApiParams produces the transport-specific request body. It is a
	// pure function of its inputs; userMessage and systemMessage may be nil.
	BuildApiParams(
		userMessage *conversation.BasicMessage,
		previousMessages []conversation.BasicMessage,
		systemMessage *conversation.BasicMessage,
	) (interface{}, error)

	// Stream performs the network exchange for n parallel completions,
	// delivering progress through emit with each event tagged by its
	// fan-out index. Adapters whose wire protocol multiplexes completions
	// natively run one exchange; the others use FanOut.
	Stream(ctx context.Context, apiParams interface{}, n int, emit ProgressFunc) error
}

// FanOut runs n branches of run concurrently on one errgroup, retagging
// each branch's events with its index. All branches share one cancellation
// context: the first branch error cancels the rest, and an external abort
// cancels every branch at once. This is the shared streaming loop for
// adapters whose wire protocol carries a single completion per exchange.
func FanOut(
	ctx context.Context,
	n int,
	emit ProgressFunc,
	run func(ctx context.Context, emit ProgressFunc) error,
) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < n; i++ {
		index := i
		g.Go(func() error {
			return run(ctx, func(ev ProgressEvent) {
				ev.Index = index
				emit(ev)
			})
		})
	}
	return g.Wait()
}
