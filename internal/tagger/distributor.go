// Package tagger owns identity resolution. A single goroutine (Distributor.Run)
// performs every write to the metadata store and both vector indices: it
// registers ingested photos, resolves vision results into enrollments and
// tags, and snapshots state on a fixed interval.
//
// Writes made between two snapshots are lost if the process crashes.
package tagger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kozaktomas/photo-tagger/internal/config"
	"github.com/kozaktomas/photo-tagger/internal/metastore"
	"github.com/kozaktomas/photo-tagger/internal/notify"
	"github.com/kozaktomas/photo-tagger/internal/vectorstore"
	"github.com/kozaktomas/photo-tagger/internal/vision"
)

// ErrStopped is returned by Ingest once the distributor has shut down.
var ErrStopped = errors.New("distributor stopped")

// DefaultSnapshotInterval is used when Options.SnapshotInterval is zero.
const DefaultSnapshotInterval = time.Second

// Options configure a Distributor.
type Options struct {
	Dim         int
	Metric      vectorstore.Metric
	HNSWMinSize int

	StrongThreshold float64
	// WeakThreshold enables the ambiguity gate when positive.
	WeakThreshold float64

	SnapshotInterval  time.Duration
	MetaPath          string
	IdentityIndexPath string
	PhotoIndexPath    string

	Messages config.Messages

	Mirror         Mirror
	MirrorInterval time.Duration
}

// OptionsFromConfig maps the application config onto Options.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Dim:               cfg.Tagger.DescriptorDim,
		Metric:            vectorstore.Metric(cfg.Tagger.Metric),
		HNSWMinSize:       cfg.Tagger.HNSWMinSize,
		StrongThreshold:   cfg.Tagger.StrongThreshold,
		WeakThreshold:     cfg.Tagger.WeakThreshold,
		SnapshotInterval:  cfg.Tagger.SnapshotInterval,
		MetaPath:          cfg.Storage.MetaPath,
		IdentityIndexPath: cfg.Storage.IdentityIndexPath,
		PhotoIndexPath:    cfg.Storage.PhotoIndexPath,
		Messages:          cfg.Messages,
		MirrorInterval:    cfg.Database.MirrorInterval,
	}
}

type ingestRequest struct {
	chatID int64
	path   string
	names  []string
	reply  chan ingestReply
}

type ingestReply struct {
	photoID int64
	err     error
}

// Distributor is the single writer. Reads through Store, Identities and Photos
// are safe from any goroutine.
type Distributor struct {
	opts Options

	store      *metastore.Store
	identities *vectorstore.Engine
	photos     *vectorstore.Engine

	queue    *vision.Queue
	notifier notify.Notifier

	mailbox chan ingestRequest
	started chan struct{}
	done    chan struct{}
	once    sync.Once

	// life bounds queue submissions; cancelled when Run returns.
	life    context.Context
	endLife context.CancelFunc

	dirty       bool
	mirrorDirty bool

	pendingMu sync.Mutex
	pending   map[int64]struct{}
	drained   chan struct{} // closed while pending is empty
}

// New creates a distributor and loads the three persisted artifacts. Load
// failures are logged and leave the affected store empty.
func New(opts Options, queue *vision.Queue, notifier notify.Notifier) (*Distributor, error) {
	if opts.SnapshotInterval <= 0 {
		opts.SnapshotInterval = DefaultSnapshotInterval
	}
	if opts.WeakThreshold > 0 && opts.WeakThreshold <= opts.StrongThreshold {
		return nil, fmt.Errorf("weak threshold %v must exceed strong threshold %v", opts.WeakThreshold, opts.StrongThreshold)
	}

	engineOpts := vectorstore.Options{Dim: opts.Dim, Metric: opts.Metric, HNSWMinSize: opts.HNSWMinSize}
	identities, err := vectorstore.New(engineOpts)
	if err != nil {
		return nil, fmt.Errorf("creating identity index: %w", err)
	}
	photos, err := vectorstore.New(engineOpts)
	if err != nil {
		return nil, fmt.Errorf("creating photo index: %w", err)
	}

	drained := make(chan struct{})
	close(drained)
	life, endLife := context.WithCancel(context.Background())
	d := &Distributor{
		opts:       opts,
		store:      metastore.New(),
		identities: identities,
		photos:     photos,
		queue:      queue,
		notifier:   notifier,
		mailbox:    make(chan ingestRequest),
		started:    make(chan struct{}),
		done:       make(chan struct{}),
		pending:    make(map[int64]struct{}),
		drained:    drained,
		life:       life,
		endLife:    endLife,
	}

	if opts.MetaPath != "" {
		_ = d.store.Load(opts.MetaPath)
	}
	if opts.IdentityIndexPath != "" {
		_ = d.identities.Load(opts.IdentityIndexPath)
	}
	if opts.PhotoIndexPath != "" {
		_ = d.photos.Load(opts.PhotoIndexPath)
	}
	d.checkConsistency()
	return d, nil
}

// checkConsistency warns when the artifacts were loaded from different points in time.
func (d *Distributor) checkConsistency() {
	st := d.store.Stats()
	if st.IdentityVectors != d.identities.Len() {
		slog.Warn("identity index and metadata disagree",
			"metadata_identity_vectors", st.IdentityVectors, "index_vectors", d.identities.Len())
	}
	if st.PhotoVectors != d.photos.Len() {
		slog.Warn("photo index and metadata disagree",
			"metadata_photo_vectors", st.PhotoVectors, "index_vectors", d.photos.Len())
	}
}

// Store returns the metadata store for read-only use.
func (d *Distributor) Store() *metastore.Store { return d.store }

// Identities returns the identity index for read-only use.
func (d *Distributor) Identities() *vectorstore.Engine { return d.identities }

// Photos returns the photo index for read-only use.
func (d *Distributor) Photos() *vectorstore.Engine { return d.photos }

// Run is the actor loop. It returns after ctx is cancelled and a final snapshot was written.
func (d *Distributor) Run(ctx context.Context) error {
	select {
	case <-d.started:
		return errors.New("distributor already running")
	default:
		close(d.started)
	}
	defer d.once.Do(func() {
		d.endLife()
		close(d.done)
	})

	ticker := time.NewTicker(d.opts.SnapshotInterval)
	defer ticker.Stop()

	var mirrorTick <-chan time.Time
	var mirrorCh chan Export
	var mirrorWG sync.WaitGroup
	if d.opts.Mirror != nil && d.opts.MirrorInterval > 0 {
		mt := time.NewTicker(d.opts.MirrorInterval)
		defer mt.Stop()
		mirrorTick = mt.C
		mirrorCh = make(chan Export, 1)
		mirrorWG.Add(1)
		go func() {
			defer mirrorWG.Done()
			d.runMirror(ctx, mirrorCh)
		}()
		d.mirrorDirty = true
	}

	slog.Info("distributor started",
		"users", d.store.Stats().Users,
		"identities", d.identities.Len(),
		"photo_vectors", d.photos.Len(),
		"snapshot_interval", d.opts.SnapshotInterval)

	d.requeueUnresolved()

	for {
		select {
		case <-ctx.Done():
			d.queue.Close()
			d.snapshot()
			if mirrorCh != nil {
				if d.mirrorDirty {
					d.queueMirror(mirrorCh)
				}
				close(mirrorCh)
				mirrorWG.Wait()
			}
			slog.Info("distributor stopped")
			return nil

		case req := <-d.mailbox:
			req.reply <- d.ingest(ctx, req)

		case r := <-d.queue.Results():
			d.resolve(ctx, r)

		case <-ticker.C:
			if d.dirty {
				d.snapshot()
			}

		case <-mirrorTick:
			if d.mirrorDirty {
				d.queueMirror(mirrorCh)
			}
		}
	}
}

// Ingest registers a photo sent from chatID and queues it for extraction.
// It returns once the task is queued; no matching happens here. An error means
// the photo was not recorded. Once recorded, queueing no longer depends on ctx:
// it waits for room in the queue, and a photo still unqueued at shutdown is
// queued again on the next start.
func (d *Distributor) Ingest(ctx context.Context, chatID int64, storagePath string, candidateNames []string) (int64, error) {
	req := ingestRequest{chatID: chatID, path: storagePath, names: candidateNames, reply: make(chan ingestReply, 1)}

	select {
	case d.mailbox <- req:
	case <-d.done:
		return -1, ErrStopped
	case <-ctx.Done():
		return -1, ctx.Err()
	}

	// The actor replies before it can take another message or stop.
	rep := <-req.reply
	if rep.err != nil {
		return -1, rep.err
	}

	d.submit(vision.Task{PhotoID: rep.photoID, Path: storagePath})
	return rep.photoID, nil
}

func (d *Distributor) submit(task vision.Task) bool {
	d.addPending(task.PhotoID)
	return d.enqueue(task)
}

// enqueue queues a recorded, pending photo on the distributor's lifetime
// context. Failures leave the photo unresolved in the store.
func (d *Distributor) enqueue(task vision.Task) bool {
	if err := d.queue.Submit(d.life, task); err != nil {
		d.removePending(task.PhotoID)
		slog.Warn("photo not queued, will retry on next start", "photo_id", task.PhotoID, "error", err)
		return false
	}
	return true
}

// requeueUnresolved queues the photos recorded before the last shutdown that
// never got a result, in id order. It runs beside the actor so a full queue
// cannot stall it.
func (d *Distributor) requeueUnresolved() {
	photos := d.store.UnresolvedPhotos()
	if len(photos) == 0 {
		return
	}
	slog.Info("requeueing unresolved photos", "count", len(photos))
	for _, p := range photos {
		d.addPending(p.ID)
	}
	go func() {
		for i, p := range photos {
			if !d.enqueue(vision.Task{PhotoID: p.ID, Path: p.StoragePath}) {
				for _, rest := range photos[i+1:] {
					d.removePending(rest.ID)
				}
				return
			}
		}
	}()
}

// ingest runs on the actor goroutine.
func (d *Distributor) ingest(ctx context.Context, req ingestRequest) ingestReply {
	_, known := d.store.GetUserByChat(req.chatID)
	userID := d.store.GetOrCreateUser(req.chatID, req.names)
	if !known {
		d.sendText(ctx, req.chatID, d.opts.Messages.Hello)
	}
	photoID, ok := d.store.CreatePhoto(userID, req.path)
	if !ok {
		return ingestReply{err: fmt.Errorf("creating photo for user %d: %w", userID, metastore.ErrNotFound)}
	}
	if _, enrolled := d.store.GetIdentityVector(userID); !enrolled {
		d.store.SetAvatar(userID, photoID)
	}
	d.markDirty()
	slog.Info("photo ingested", "photo_id", photoID, "user_id", userID, "chat_id", req.chatID)
	return ingestReply{photoID: photoID}
}

func (d *Distributor) markDirty() {
	d.dirty = true
	d.mirrorDirty = true
}

// snapshot writes the three artifacts. Failures are logged; the next tick retries.
func (d *Distributor) snapshot() {
	ok := true
	if d.opts.MetaPath != "" {
		if err := d.store.Snapshot(d.opts.MetaPath); err != nil {
			slog.Error("metadata snapshot failed", "error", err)
			ok = false
		}
	}
	if d.opts.IdentityIndexPath != "" {
		if err := d.identities.Snapshot(d.opts.IdentityIndexPath); err != nil {
			slog.Error("identity index snapshot failed", "error", err)
			ok = false
		}
	}
	if d.opts.PhotoIndexPath != "" {
		if err := d.photos.Snapshot(d.opts.PhotoIndexPath); err != nil {
			slog.Error("photo index snapshot failed", "error", err)
			ok = false
		}
	}
	if ok {
		d.dirty = false
		slog.Debug("snapshot written")
	}
}

func (d *Distributor) addPending(photoID int64) {
	d.pendingMu.Lock()
	defer d.pendingMu.Unlock()
	if len(d.pending) == 0 {
		d.drained = make(chan struct{})
	}
	d.pending[photoID] = struct{}{}
}

func (d *Distributor) removePending(photoID int64) {
	d.pendingMu.Lock()
	defer d.pendingMu.Unlock()
	if _, ok := d.pending[photoID]; !ok {
		return
	}
	delete(d.pending, photoID)
	if len(d.pending) == 0 {
		close(d.drained)
	}
}

// Pending returns the number of photos ingested but not yet resolved.
func (d *Distributor) Pending() int {
	d.pendingMu.Lock()
	defer d.pendingMu.Unlock()
	return len(d.pending)
}

// Drain waits until every ingested photo has been resolved.
func (d *Distributor) Drain(ctx context.Context) error {
	d.pendingMu.Lock()
	drained := d.drained
	d.pendingMu.Unlock()

	select {
	case <-drained:
		return nil
	case <-d.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats summarizes the distributor state.
type Stats struct {
	Metadata           metastore.Stats `json:"metadata"`
	IdentityIndexLive  int             `json:"identity_index_live"`
	IdentityIndexCount int             `json:"identity_index_count"`
	PhotoIndexLive     int             `json:"photo_index_live"`
	PhotoIndexCount    int             `json:"photo_index_count"`
	PendingPhotos      int             `json:"pending_photos"`
	QueuedTasks        int             `json:"queued_tasks"`
	GraphAccelerated   bool            `json:"graph_accelerated"`
}

// Stats returns current counts. Safe from any goroutine.
func (d *Distributor) Stats() Stats {
	return Stats{
		Metadata:           d.store.Stats(),
		IdentityIndexLive:  d.identities.Len(),
		IdentityIndexCount: d.identities.Count(),
		PhotoIndexLive:     d.photos.Len(),
		PhotoIndexCount:    d.photos.Count(),
		PendingPhotos:      d.Pending(),
		QueuedTasks:        d.queue.Len(),
		GraphAccelerated:   d.identities.GraphEnabled() || d.photos.GraphEnabled(),
	}
}
