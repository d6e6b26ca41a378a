package relay

import (
	"context"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"zapper.app/zapper/internal/nostr"
)

// Broadcaster fans a signed event out to every target relay at once.
type Broadcaster struct {
	publisher Publisher
}

func NewBroadcaster(publisher Publisher) *Broadcaster {
	return &Broadcaster{publisher: publisher}
}

// PublishAll publishes to all urls concurrently and waits for every relay
// to settle. A failing relay never cancels the others; the result keeps
// one outcome per url in the order given.
func (b *Broadcaster) PublishAll(ctx context.Context, ev nostr.Event, urls []string) BroadcastResult {
	outcomes := make([]Outcome, len(urls))

	var g errgroup.Group
	for i, url := range urls {
		g.Go(func() error {
			outcomes[i] = b.publisher.Publish(ctx, ev, url)
			return outcomes[i].Err
		})
	}
	if err := g.Wait(); err != nil {
		slog.DebugContext(ctx, "at least one relay failed", "first_error", err)
	}

	return BroadcastResult{Outcomes: outcomes}
}
