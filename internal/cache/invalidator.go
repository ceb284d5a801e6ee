package cache

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fruitsalade/pantry/internal/events"
	"github.com/fruitsalade/pantry/internal/logging"
	"github.com/fruitsalade/pantry/internal/metrics"
)

const purgeTimeout = 15 * time.Second

// Purger drops cached copies of what an event changed.
type Purger interface {
	Name() string
	Purge(ctx context.Context, ev events.Event) error
}

// Invalidator consumes file events and purges every cache layer. Failures
// are logged and counted; they never reach the request that caused them.
type Invalidator struct {
	files   *Files
	purgers []Purger
}

func NewInvalidator(files *Files, purgers ...Purger) *Invalidator {
	return &Invalidator{files: files, purgers: purgers}
}

// Run subscribes to bus and handles events until ctx is done.
func (inv *Invalidator) Run(ctx context.Context, bus *events.Broadcaster) {
	ch := bus.Subscribe()
	defer bus.Unsubscribe(ch)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			inv.Handle(ctx, ev)
		}
	}
}

// Handle purges one event.
func (inv *Invalidator) Handle(ctx context.Context, ev events.Event) {
	inv.files.Remove(ev.Key)

	ctx, cancel := context.WithTimeout(ctx, purgeTimeout)
	defer cancel()

	var g errgroup.Group
	for _, p := range inv.purgers {
		g.Go(func() error {
			err := p.Purge(ctx, ev)
			metrics.RecordCachePurge(p.Name(), err == nil)
			if err != nil {
				logging.Warn("cache purge failed",
					zap.String("target", p.Name()), zap.String("event", ev.Type),
					logging.FileKey(ev.Key), logging.Err(err))
			}
			return nil
		})
	}
	g.Wait()
}
