// Package dispatch sends an upload to its primary channel and fails over to
// the remaining byte channels when that channel fails.
package dispatch

import (
	"context"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/fruitsalade/pantry/internal/apperr"
	"github.com/fruitsalade/pantry/internal/channel"
	"github.com/fruitsalade/pantry/internal/config"
	"github.com/fruitsalade/pantry/internal/logging"
	"github.com/fruitsalade/pantry/internal/metrics"
)

// FailoverOrder is the order in which fallback channels are tried. The
// external channel moves no bytes and is never a fallback.
var FailoverOrder = []string{
	config.ChannelObjectStore,
	config.ChannelRelay,
	config.ChannelS3,
}

// Options control one dispatch.
type Options struct {
	Primary   string
	AutoRetry bool
}

// Dispatcher holds the configured channels by name.
type Dispatcher struct {
	adapters map[string]channel.Adapter
}

// New registers adapters under their names.
func New(adapters ...channel.Adapter) *Dispatcher {
	d := &Dispatcher{adapters: make(map[string]channel.Adapter, len(adapters))}
	for _, a := range adapters {
		d.adapters[a.Name()] = a
	}
	return d
}

// Configured reports whether a channel is available.
func (d *Dispatcher) Configured(name string) bool {
	_, ok := d.adapters[name]
	return ok
}

// Opener returns the reader for a byte channel.
func (d *Dispatcher) Opener(name string) (channel.Opener, bool) {
	o, ok := d.adapters[name].(channel.Opener)
	return o, ok
}

// Channels lists the configured channel names.
func (d *Dispatcher) Channels() []string {
	names := make([]string, 0, len(d.adapters))
	for name := range d.adapters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Dispatch stores u on opts.Primary. When that fails and AutoRetry is set,
// the remaining channels of FailoverOrder are tried in turn and the first
// success wins. When every attempt fails the error is an aggregate mapping
// each tried channel to its failure.
func (d *Dispatcher) Dispatch(ctx context.Context, u *channel.Upload, opts Options) (*channel.Result, error) {
	primary, ok := d.adapters[opts.Primary]
	if !ok {
		return nil, apperr.Validation(apperr.CodeChannelNotConfig, "upload channel %q is not configured", opts.Primary)
	}

	// External links either register or fail; there is nothing to fail over.
	if opts.Primary == config.ChannelExternal {
		return primary.Store(ctx, u)
	}

	attempts := make(map[string]string)
	res, err := d.attempt(ctx, primary, u)
	if err == nil {
		return res, nil
	}
	attempts[opts.Primary] = err.Error()

	if !opts.AutoRetry {
		return nil, apperr.Aggregate(attempts)
	}

	last := opts.Primary
	for _, name := range FailoverOrder {
		if _, tried := attempts[name]; tried {
			continue
		}
		a, ok := d.adapters[name]
		if !ok {
			continue
		}
		metrics.RecordFailover(last, name)
		logging.WithContext(ctx).Warn("failing over to next channel",
			zap.String("from", last), zap.String("to", name), logging.FileKey(u.Key))

		res, err := d.attempt(ctx, a, u)
		if err == nil {
			return res, nil
		}
		attempts[name] = err.Error()
		last = name
	}
	return nil, apperr.Aggregate(attempts)
}

func (d *Dispatcher) attempt(ctx context.Context, a channel.Adapter, u *channel.Upload) (*channel.Result, error) {
	start := time.Now()
	res, err := d.store(ctx, a, u)
	metrics.RecordChannelAttempt(a.Name(), time.Since(start), err == nil)
	if err != nil {
		logging.WithContext(ctx).Warn("channel store failed",
			logging.Channel(a.Name()), logging.FileKey(u.Key), logging.Err(err))
		return nil, err
	}
	return res, nil
}

func (d *Dispatcher) store(ctx context.Context, a channel.Adapter, u *channel.Upload) (*channel.Result, error) {
	if err := u.Rewind(); err != nil {
		return nil, err
	}
	return a.Store(ctx, u)
}
