package vectorstore

import (
	"encoding/gob"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/kozaktomas/photo-tagger/internal/atomicfile"
)

// ErrCorruptSnapshot marks an index file that exists but cannot be used.
var ErrCorruptSnapshot = errors.New("corrupt vector index snapshot")

// SnapshotVersion is the IndexSnapshot format written by Export and Snapshot.
const SnapshotVersion = 1

// IndexSnapshot is the serialized form of an Engine. Vectors is indexed by id;
// ids listed in Removed carry an empty vector.
type IndexSnapshot struct {
	Version int
	Dim     int
	Metric  string
	Vectors [][]float32
	Removed []int64
}

// IndexMetadata is written next to the index as <path>.meta for quick inspection.
type IndexMetadata struct {
	Version   int       `json:"version"`
	Dim       int       `json:"dim"`
	Metric    string    `json:"metric"`
	Count     int       `json:"count"`
	Live      int       `json:"live"`
	BuildTime time.Time `json:"build_time"`
}

// Export returns a deep copy of the index state.
func (e *Engine) Export() IndexSnapshot {
	e.mu.RLock()
	defer e.mu.RUnlock()

	snap := IndexSnapshot{
		Version: SnapshotVersion,
		Dim:     e.dim,
		Metric:  string(e.metric),
		Vectors: make([][]float32, len(e.vectors)),
	}
	for id, vec := range e.vectors {
		if vec == nil {
			snap.Vectors[id] = []float32{}
			snap.Removed = append(snap.Removed, int64(id))
			continue
		}
		cp := make([]float32, len(vec))
		copy(cp, vec)
		snap.Vectors[id] = cp
	}
	return snap
}

// Import replaces the index state. The snapshot must match the engine's dimension and metric.
func (e *Engine) Import(snap IndexSnapshot) error {
	if snap.Version != SnapshotVersion {
		return fmt.Errorf("%w: unsupported version %d", ErrCorruptSnapshot, snap.Version)
	}
	if snap.Dim != e.dim {
		return fmt.Errorf("%w: dimension %d, engine expects %d", ErrCorruptSnapshot, snap.Dim, e.dim)
	}
	if Metric(snap.Metric) != e.metric {
		return fmt.Errorf("%w: metric %q, engine expects %q", ErrCorruptSnapshot, snap.Metric, e.metric)
	}

	removed := make(map[int64]bool, len(snap.Removed))
	for _, id := range snap.Removed {
		if id < 0 || id >= int64(len(snap.Vectors)) {
			return fmt.Errorf("%w: removed id %d out of range", ErrCorruptSnapshot, id)
		}
		removed[id] = true
	}

	vectors := make([][]float32, len(snap.Vectors))
	live := 0
	for id, vec := range snap.Vectors {
		if removed[int64(id)] {
			continue
		}
		if len(vec) != e.dim {
			return fmt.Errorf("%w: vector %d has dimension %d", ErrCorruptSnapshot, id, len(vec))
		}
		if err := checkFinite(vec); err != nil {
			return fmt.Errorf("%w: vector %d: %w", ErrCorruptSnapshot, id, err)
		}
		cp := make([]float32, len(vec))
		copy(cp, vec)
		vectors[id] = cp
		live++
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.vectors = vectors
	e.live = live
	e.graph = nil
	e.maybeBuildGraphLocked()
	return nil
}

// Reset empties the index.
func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.vectors = nil
	e.live = 0
	e.graph = nil
}

// Snapshot writes the whole index to path atomically, plus a JSON .meta sidecar.
func (e *Engine) Snapshot(path string) error {
	snap := e.Export()

	err := atomicfile.Write(path, func(w io.Writer) error {
		if err := gob.NewEncoder(w).Encode(snap); err != nil {
			return fmt.Errorf("encoding index: %w", err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("writing vector index %s: %w", path, err)
	}

	meta := IndexMetadata{
		Version:   SnapshotVersion,
		Dim:       snap.Dim,
		Metric:    snap.Metric,
		Count:     len(snap.Vectors),
		Live:      len(snap.Vectors) - len(snap.Removed),
		BuildTime: time.Now().UTC(),
	}
	metaData, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}
	if err := os.WriteFile(path+".meta", metaData, 0600); err != nil {
		return fmt.Errorf("failed to write metadata file: %w", err)
	}
	return nil
}

// Load replaces the index with the snapshot at path. On any failure the engine
// is left empty and the condition is logged; the returned error is informational
// and the engine stays usable.
func (e *Engine) Load(path string) error {
	if err := e.load(path); err != nil {
		e.Reset()
		slog.Error("unable to load vector index, starting empty", "path", path, "error", err)
		return err
	}
	slog.Info("vector index loaded", "path", path, "vectors", e.Len(), "ids", e.Count())
	return nil
}

func (e *Engine) load(path string) error {
	f, err := os.Open(path) //nolint:gosec // path is from trusted config
	if err != nil {
		return fmt.Errorf("opening vector index: %w", err)
	}
	defer f.Close()

	var snap IndexSnapshot
	if err := gob.NewDecoder(f).Decode(&snap); err != nil {
		return fmt.Errorf("%w: %w", ErrCorruptSnapshot, err)
	}
	return e.Import(snap)
}

// LoadMetadata reads the .meta sidecar written by Snapshot.
func LoadMetadata(path string) (IndexMetadata, error) {
	var meta IndexMetadata

	data, err := os.ReadFile(path + ".meta") //nolint:gosec // path is from trusted config
	if err != nil {
		return meta, fmt.Errorf("failed to read metadata file: %w", err)
	}
	if err := json.Unmarshal(data, &meta); err != nil {
		return meta, fmt.Errorf("failed to unmarshal metadata: %w", err)
	}
	return meta, nil
}
