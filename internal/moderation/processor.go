package moderation

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/fruitsalade/pantry/internal/logging"
	"github.com/fruitsalade/pantry/internal/metrics"
)

// Job asks for the file at Key to be rated from URL.
type Job struct {
	Key string
	URL string
}

// ApplyFunc stores a label on a file record.
type ApplyFunc func(ctx context.Context, key, label string) error

// Processor rates files in the background for channels whose moderation
// happens after the metadata write.
type Processor struct {
	gate    *Gate
	apply   ApplyFunc
	queue   chan Job
	wg      sync.WaitGroup
	cancel  context.CancelFunc
	workers int

	mu      sync.RWMutex
	stopped bool
}

// NewProcessor creates a processor with a bounded queue.
func NewProcessor(gate *Gate, apply ApplyFunc, workers, queueSize int) *Processor {
	if workers <= 0 {
		workers = 2
	}
	if queueSize <= 0 {
		queueSize = 256
	}
	return &Processor{
		gate:    gate,
		apply:   apply,
		queue:   make(chan Job, queueSize),
		workers: workers,
	}
}

// Start launches the worker goroutines.
func (p *Processor) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx)
	}
	logging.Info("moderation processor started", zap.Int("workers", p.workers))
}

// Stop drains queued jobs and waits for the workers.
func (p *Processor) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	close(p.queue)
	p.mu.Unlock()

	p.wg.Wait()
	if p.cancel != nil {
		p.cancel()
	}
	logging.Info("moderation processor stopped")
}

// Enqueue schedules a job. A full queue drops the job; the file keeps its
// current label.
func (p *Processor) Enqueue(job Job) {
	if !p.gate.Enabled() || job.URL == "" {
		return
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		return
	}
	select {
	case p.queue <- job:
		metrics.SetModerationQueueDepth(len(p.queue))
	default:
		metrics.RecordModerationDropped()
		logging.Warn("moderation queue full, dropping", logging.FileKey(job.Key))
	}
}

func (p *Processor) worker(ctx context.Context) {
	defer p.wg.Done()
	for job := range p.queue {
		metrics.SetModerationQueueDepth(len(p.queue))
		p.process(ctx, job)
	}
}

func (p *Processor) process(ctx context.Context, job Job) {
	label := p.gate.Classify(ctx, job.URL)
	if err := p.apply(ctx, job.Key, label); err != nil {
		logging.Warn("moderation: failed to store label",
			logging.FileKey(job.Key), zap.String("label", label), logging.Err(err))
		return
	}
	logging.Debug("moderation label stored", logging.FileKey(job.Key), zap.String("label", label))
}
