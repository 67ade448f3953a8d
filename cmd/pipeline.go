package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/kozaktomas/photo-tagger/internal/config"
	"github.com/kozaktomas/photo-tagger/internal/notify"
	"github.com/kozaktomas/photo-tagger/internal/tagger"
	"github.com/kozaktomas/photo-tagger/internal/vision"
)

// outboxFlushTimeout bounds how long shutdown waits for queued notifications.
const outboxFlushTimeout = 30 * time.Second

// pipeline wires the vision workers, the notification outbox and the distributor.
type pipeline struct {
	cfg    *config.Config
	queue  *vision.Queue
	pool   *vision.Pool
	outbox *notify.Outbox
	dist   *tagger.Distributor

	cancel      context.CancelFunc
	cancelNotes context.CancelFunc
	wg          sync.WaitGroup
	notesWG     sync.WaitGroup
}

// newPipeline builds every component but starts nothing. mirror may be nil.
func newPipeline(cfg *config.Config, target notify.Notifier, mirror tagger.Mirror) (*pipeline, error) {
	for _, dir := range []string{cfg.Storage.DataDir, cfg.Storage.PhotoDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating %s: %w", dir, err)
		}
	}

	queue := vision.NewQueue(cfg.Vision.QueueSize)
	client := vision.NewClient(cfg.Vision.EmbeddingURL, cfg.Tagger.DescriptorDim)
	pool := vision.NewPool(client, queue, cfg.Vision.Workers, cfg.Vision.Timeout)
	outbox := notify.NewOutbox(target, cfg.Notify.MaxAttempts, cfg.Notify.BaseDelay)

	opts := tagger.OptionsFromConfig(cfg)
	if mirror != nil {
		opts.Mirror = mirror
	}
	dist, err := tagger.New(opts, queue, outbox)
	if err != nil {
		return nil, fmt.Errorf("creating distributor: %w", err)
	}

	return &pipeline{cfg: cfg, queue: queue, pool: pool, outbox: outbox, dist: dist}, nil
}

// start launches the workers, the outbox and the distributor.
func (p *pipeline) start() {
	ctx, cancel := context.WithCancel(context.Background())
	notesCtx, cancelNotes := context.WithCancel(context.Background())
	p.cancel = cancel
	p.cancelNotes = cancelNotes

	p.notesWG.Add(1)
	go func() {
		defer p.notesWG.Done()
		p.outbox.Run(notesCtx)
	}()

	p.wg.Add(2)
	go func() {
		defer p.wg.Done()
		p.pool.Run(ctx)
	}()
	go func() {
		defer p.wg.Done()
		if err := p.dist.Run(ctx); err != nil {
			slog.Error("distributor failed", "error", err)
		}
	}()
}

// stop shuts the distributor down (final snapshot included), then gives the
// outbox a bounded chance to deliver what is still queued.
func (p *pipeline) stop() {
	p.cancel()
	p.wg.Wait()

	flushCtx, cancel := context.WithTimeout(context.Background(), outboxFlushTimeout)
	defer cancel()
	if err := p.outbox.Wait(flushCtx); err != nil {
		slog.Warn("notifications left undelivered", "pending", p.outbox.Pending())
	}
	p.cancelNotes()
	p.notesWG.Wait()

	delivered, dropped := p.outbox.Stats()
	slog.Info("pipeline stopped",
		"photos_processed", p.pool.Processed(),
		"extraction_failures", p.pool.Failed(),
		"notifications_delivered", delivered,
		"notifications_dropped", dropped)
}
