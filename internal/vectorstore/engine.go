// Package vectorstore implements the descriptor index used for identity matching:
// an exact nearest-neighbor store with insertion-ordered ids, radius search,
// tombstone removal and whole-index snapshots.
package vectorstore

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/coder/hnsw"
)

var (
	// ErrDimensionMismatch is returned when a vector's length differs from the index dimension.
	ErrDimensionMismatch = errors.New("vector dimension mismatch")

	// ErrNonFinite is returned for vectors holding NaN or infinite components.
	ErrNonFinite = errors.New("vector has non-finite component")
)

// Graph acceleration parameters for 512-dim face descriptors.
const (
	// HNSWMaxNeighbors (M) is the maximum number of neighbors per node.
	HNSWMaxNeighbors = 16

	// HNSWEfSearch is the search candidate pool size.
	HNSWEfSearch = 100

	// HNSWSearchMultiplier is the factor to request more candidates from HNSW
	// so that exact re-ranking still has k live results after tombstones are dropped.
	HNSWSearchMultiplier = 3

	// hnswMinCandidates is the lower bound on graph candidates per query.
	hnswMinCandidates = 32
)

// Match is one k-NN search hit.
type Match struct {
	ID       int64
	Distance float64
}

// Options configure an Engine.
type Options struct {
	Dim    int
	Metric Metric
	// HNSWMinSize enables graph-accelerated SearchK once the index holds this many
	// live vectors. Zero keeps every search an exact scan.
	HNSWMinSize int
}

// Engine is an in-memory descriptor index. Vector ids are assigned in insertion
// order starting at 0 and are never reused; Remove leaves a tombstone.
type Engine struct {
	dim         int
	metric      Metric
	distance    DistanceFunc
	hnswMinSize int

	vectors [][]float32 // index is the vector id, nil once removed
	live    int
	graph   *hnsw.Graph[int64]

	mu sync.RWMutex
}

// New creates an empty engine.
func New(opts Options) (*Engine, error) {
	if opts.Dim <= 0 {
		return nil, fmt.Errorf("invalid dimension %d", opts.Dim)
	}
	if opts.Metric == "" {
		opts.Metric = L2Squared
	}
	if _, err := ParseMetric(string(opts.Metric)); err != nil {
		return nil, err
	}
	return &Engine{
		dim:         opts.Dim,
		metric:      opts.Metric,
		distance:    opts.Metric.Func(),
		hnswMinSize: opts.HNSWMinSize,
	}, nil
}

// Dim returns the descriptor dimensionality.
func (e *Engine) Dim() int { return e.dim }

// Metric returns the distance metric.
func (e *Engine) Metric() Metric { return e.metric }

func (e *Engine) checkVector(v []float32) error {
	if len(v) != e.dim {
		return fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(v), e.dim)
	}
	return checkFinite(v)
}

// checkFinite rejects NaN and infinities; any distance involving them is NaN,
// which compares false against every threshold.
func checkFinite(v []float32) error {
	for i, x := range v {
		f := float64(x)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return fmt.Errorf("%w: component %d is %v", ErrNonFinite, i, x)
		}
	}
	return nil
}

// Insert appends a vector and returns its id.
func (e *Engine) Insert(v []float32) (int64, error) {
	if err := e.checkVector(v); err != nil {
		return -1, err
	}
	vec := make([]float32, len(v))
	copy(vec, v)

	e.mu.Lock()
	defer e.mu.Unlock()

	id := int64(len(e.vectors))
	e.vectors = append(e.vectors, vec)
	e.live++

	if e.graph != nil {
		e.graph.Add(hnsw.MakeNode(id, vec))
	} else {
		e.maybeBuildGraphLocked()
	}
	return id, nil
}

// SearchK returns up to k live entries ordered by ascending distance.
func (e *Engine) SearchK(q []float32, k int) ([]Match, error) {
	if err := e.checkVector(q); err != nil {
		return nil, err
	}
	if k <= 0 {
		return nil, nil
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	if e.live == 0 {
		return nil, nil
	}
	if e.graph != nil {
		return e.searchGraphLocked(q, k), nil
	}

	top := make([]Match, 0, k)
	for id, vec := range e.vectors {
		if vec == nil {
			continue
		}
		top = insertTopK(top, Match{ID: int64(id), Distance: e.distance(q, vec)}, k)
	}
	return top, nil
}

// SearchRadius returns the ids of all live entries whose distance to q is below maxDistance.
// The scan is always exact. Result order is unspecified.
func (e *Engine) SearchRadius(q []float32, maxDistance float64) ([]int64, error) {
	if err := e.checkVector(q); err != nil {
		return nil, err
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	var ids []int64
	for id, vec := range e.vectors {
		if vec == nil {
			continue
		}
		if e.distance(q, vec) < maxDistance {
			ids = append(ids, int64(id))
		}
	}
	return ids, nil
}

// Remove tombstones a vector. It returns false when id is outside [0, count)
// or was already removed. The id is never handed out again.
func (e *Engine) Remove(id int64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if id < 0 || id >= int64(len(e.vectors)) {
		return false
	}
	if e.vectors[id] == nil {
		return false
	}
	e.vectors[id] = nil
	e.live--
	// The graph keeps the node; searchGraphLocked drops tombstoned candidates.
	return true
}

// vector returns a copy of a live vector.
func (e *Engine) vector(id int64) ([]float32, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if id < 0 || id >= int64(len(e.vectors)) || e.vectors[id] == nil {
		return nil, false
	}
	out := make([]float32, len(e.vectors[id]))
	copy(out, e.vectors[id])
	return out, true
}

// Len returns the number of live vectors.
func (e *Engine) Len() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.live
}

// Count returns the number of ids handed out, including removed ones.
func (e *Engine) Count() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.vectors)
}

// GraphEnabled reports whether SearchK currently uses the HNSW graph.
func (e *Engine) GraphEnabled() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.graph != nil
}

// insertTopK keeps top sorted by (distance, id) and at most k long.
func insertTopK(top []Match, m Match, k int) []Match {
	pos := sort.Search(len(top), func(i int) bool {
		if top[i].Distance != m.Distance {
			return top[i].Distance > m.Distance
		}
		return top[i].ID > m.ID
	})
	if pos >= k {
		return top
	}
	if len(top) < k {
		top = append(top, Match{})
	}
	copy(top[pos+1:], top[pos:len(top)-1])
	top[pos] = m
	return top
}
