package tagger

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/kozaktomas/photo-tagger/internal/metastore"
	"github.com/kozaktomas/photo-tagger/internal/vectorstore"
)

// mirrorTimeout bounds one Sync call.
const mirrorTimeout = 30 * time.Second

// Export is a point-in-time copy of all state, taken on the actor goroutine.
type Export struct {
	Meta       metastore.State
	Identities vectorstore.IndexSnapshot
	Photos     vectorstore.IndexSnapshot
	TakenAt    time.Time
}

// Mirror receives periodic exports, e.g. to replicate state into a database.
// Sync runs off the actor goroutine.
type Mirror interface {
	Sync(ctx context.Context, exp Export) error
}

// Export takes a consistent copy of all state. Call it only while the actor is
// not running, or from the actor itself.
func (d *Distributor) Export() Export {
	return Export{
		Meta:       d.store.Export(),
		Identities: d.identities.Export(),
		Photos:     d.photos.Export(),
		TakenAt:    time.Now().UTC(),
	}
}

// queueMirror hands the latest export to the mirror goroutine, replacing one
// that has not been picked up yet.
func (d *Distributor) queueMirror(ch chan Export) {
	exp := d.Export()
	select {
	case <-ch:
	default:
	}
	ch <- exp
	d.mirrorDirty = false
}

func (d *Distributor) runMirror(ctx context.Context, ch <-chan Export) {
	base := context.WithoutCancel(ctx)
	for exp := range ch {
		syncCtx, cancel := context.WithTimeout(base, mirrorTimeout)
		start := time.Now()
		err := d.opts.Mirror.Sync(syncCtx, exp)
		cancel()
		if err != nil {
			slog.Error("mirror sync failed", "error", err)
			continue
		}
		slog.Debug("mirror synced", "users", len(exp.Meta.Users), "photos", len(exp.Meta.Photos), "elapsed", time.Since(start))
	}
}

// WriteArtifacts validates exp and writes it to the three snapshot paths in
// opts. The distributor must not be running on those paths.
func WriteArtifacts(opts Options, exp Export) error {
	store := metastore.New()
	if err := store.Import(exp.Meta); err != nil {
		return fmt.Errorf("importing metadata: %w", err)
	}
	engineOpts := vectorstore.Options{Dim: opts.Dim, Metric: opts.Metric}
	identities, err := vectorstore.New(engineOpts)
	if err != nil {
		return err
	}
	if err := identities.Import(exp.Identities); err != nil {
		return fmt.Errorf("importing identity index: %w", err)
	}
	photos, err := vectorstore.New(engineOpts)
	if err != nil {
		return err
	}
	if err := photos.Import(exp.Photos); err != nil {
		return fmt.Errorf("importing photo index: %w", err)
	}

	if err := store.Snapshot(opts.MetaPath); err != nil {
		return err
	}
	if err := identities.Snapshot(opts.IdentityIndexPath); err != nil {
		return err
	}
	return photos.Snapshot(opts.PhotoIndexPath)
}
