// Package graph maintains proximity edges and discovers connected components over them.
package graph

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/MarcoPoloResearchLab/resonance/backend/internal/connectivity"
	"github.com/MarcoPoloResearchLab/resonance/backend/internal/metrics"
	"go.uber.org/zap"
)

// DefaultGraceWindow is how long a disrupted edge stays traversal-live.
const DefaultGraceWindow = 15 * time.Minute

var (
	// ErrSelfEdge indicates a user reported itself as a neighbor.
	ErrSelfEdge = errors.New("graph: an edge needs two distinct users")

	errMissingStore = errors.New("graph: edge store is required")
)

// EdgeStore is the subset of the connectivity store the engine drives.
type EdgeStore interface {
	UpsertEdge(ctx context.Context, pair connectivity.Pair) error
	DisruptEdge(ctx context.Context, pair connectivity.Pair, at time.Time) error
	DisruptEdgesTouching(ctx context.Context, userID string, at time.Time) (int64, error)
	MarkDisconnected(ctx context.Context, userID string, at time.Time) error
	DeleteEdgesDisruptedBefore(ctx context.Context, userID string, cutoff time.Time) (int64, error)
	LiveEdgesTouching(ctx context.Context, frontier []string, cutoff time.Time) ([]connectivity.Edge, error)
}

// Component is the set of users reachable from a seed through live edges.
type Component struct {
	Vertices  []string
	EdgeCount int
}

// Size returns the number of users in the component.
func (c Component) Size() int {
	return len(c.Vertices)
}

// EngineConfig describes the engine dependencies.
type EngineConfig struct {
	Store       EdgeStore
	GraceWindow time.Duration
	Clock       func() time.Time
	Metrics     *metrics.Collector
	Logger      *zap.Logger
}

// Engine implements the edge lifecycle and component traversal.
type Engine struct {
	store   EdgeStore
	grace   time.Duration
	clock   func() time.Time
	metrics *metrics.Collector
	logger  *zap.Logger
}

// NewEngine validates cfg and constructs an Engine.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	grace := cfg.GraceWindow
	if grace <= 0 {
		grace = DefaultGraceWindow
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		store:   cfg.Store,
		grace:   grace,
		clock:   clock,
		metrics: cfg.Metrics,
		logger:  logger,
	}, nil
}

func (e *Engine) now() time.Time {
	return e.clock().UTC()
}

// cutoff is the oldest disruption instant still considered live.
func (e *Engine) cutoff() time.Time {
	return e.now().Add(-e.grace)
}

func pairOf(first, second string) (connectivity.Pair, error) {
	if first == second {
		return connectivity.Pair{}, fmt.Errorf("%w: %q", ErrSelfEdge, first)
	}
	return connectivity.NewPair(first, second), nil
}

// CreateEdge records that two users found each other. Repeated calls refresh the edge.
func (e *Engine) CreateEdge(ctx context.Context, first, second string) error {
	pair, err := pairOf(first, second)
	if err != nil {
		return err
	}
	return e.store.UpsertEdge(ctx, pair)
}

// DisruptEdge soft-disrupts the edge between two users if it exists.
func (e *Engine) DisruptEdge(ctx context.Context, first, second string) error {
	pair, err := pairOf(first, second)
	if err != nil {
		return err
	}
	return e.store.DisruptEdge(ctx, pair, e.now())
}

// DropOut marks userID disconnected and soft-disrupts every edge touching it.
func (e *Engine) DropOut(ctx context.Context, userID string) error {
	at := e.now()
	if err := e.store.MarkDisconnected(ctx, userID, at); err != nil {
		return err
	}
	disrupted, err := e.store.DisruptEdgesTouching(ctx, userID, at)
	if err != nil {
		return err
	}
	e.logger.Debug("user dropped out", zap.String("user_id", userID), zap.Int64("edges_disrupted", disrupted))
	return nil
}

// PruneStaleEdges deletes userID's edges disrupted longer than the grace window ago.
func (e *Engine) PruneStaleEdges(ctx context.Context, userID string) (int64, error) {
	return e.store.DeleteEdgesDisruptedBefore(ctx, userID, e.cutoff())
}

// Traverse returns the component containing seed, expanding one frontier wave per query.
// Each wave only asks for edges touching the vertices discovered in the previous wave.
func (e *Engine) Traverse(ctx context.Context, seed string) (Component, error) {
	cutoff := e.cutoff()
	visited := map[string]struct{}{seed: {}}
	edgeKeys := make(map[string]struct{})
	frontier := []string{seed}
	waves := 0

	for len(frontier) > 0 {
		waves++
		edges, err := e.store.LiveEdgesTouching(ctx, frontier, cutoff)
		if err != nil {
			return Component{}, err
		}
		next := make([]string, 0)
		for _, edge := range edges {
			pair := edge.Pair()
			edgeKeys[pair.Key()] = struct{}{}
			for _, vertex := range [2]string{pair.VertexA, pair.VertexB} {
				if _, seen := visited[vertex]; seen {
					continue
				}
				visited[vertex] = struct{}{}
				next = append(next, vertex)
			}
		}
		frontier = next
	}

	vertices := make([]string, 0, len(visited))
	for vertex := range visited {
		vertices = append(vertices, vertex)
	}
	sort.Strings(vertices)

	component := Component{Vertices: vertices, EdgeCount: len(edgeKeys)}
	e.metrics.ObserveTraversal(waves, component.Size())
	return component, nil
}
