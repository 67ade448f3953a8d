package vectorstore

import (
	"log/slog"
	"sort"

	"github.com/coder/hnsw"
)

// newGraph creates an empty HNSW graph configured for the engine's metric.
func (e *Engine) newGraph() *hnsw.Graph[int64] {
	g := hnsw.NewGraph[int64]()
	g.M = HNSWMaxNeighbors
	g.Ml = 1.0 / float64(HNSWMaxNeighbors) // Standard HNSW formula
	g.EfSearch = HNSWEfSearch
	g.Distance = e.metric.graphDistance()
	return g
}

// maybeBuildGraphLocked builds the graph from all live vectors once the index
// crosses the configured size. Caller holds the write lock.
func (e *Engine) maybeBuildGraphLocked() {
	if e.hnswMinSize <= 0 || e.graph != nil || e.live < e.hnswMinSize {
		return
	}

	g := e.newGraph()
	for id, vec := range e.vectors {
		if vec == nil {
			continue
		}
		g.Add(hnsw.MakeNode(int64(id), vec))
	}
	e.graph = g
	slog.Info("vector index switched to graph-accelerated search", "vectors", e.live, "dim", e.dim)
}

// searchGraphLocked draws candidates from the graph and re-ranks them with the exact metric.
func (e *Engine) searchGraphLocked(q []float32, k int) []Match {
	searchK := k * HNSWSearchMultiplier
	if searchK < hnswMinCandidates {
		searchK = hnswMinCandidates
	}

	neighbors := e.graph.Search(q, searchK)
	matches := make([]Match, 0, len(neighbors))
	for _, n := range neighbors {
		if n.Key < 0 || n.Key >= int64(len(e.vectors)) {
			continue
		}
		vec := e.vectors[n.Key]
		if vec == nil {
			continue
		}
		matches = append(matches, Match{ID: n.Key, Distance: e.distance(q, vec)})
	}

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Distance != matches[j].Distance {
			return matches[i].Distance < matches[j].Distance
		}
		return matches[i].ID < matches[j].ID
	})
	if len(matches) > k {
		matches = matches[:k]
	}
	return matches
}
