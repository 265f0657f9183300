package index

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/docsage/docsage/engine/domain"
	"github.com/docsage/docsage/engine/embed"
)

// ErrRebuildInProgress is returned by Rebuild while another rebuild holds the slot.
var ErrRebuildInProgress = errors.New("index: rebuild already in progress")

// Snapshot is an immutable published index together with the embedder that
// produced its vectors. Queries must embed with the same Embedder.
type Snapshot struct {
	Index    Index
	Info     domain.IndexInfo
	Embedder embed.Embedder
}

// Slot publishes snapshots. Readers never block; at most one rebuild runs at a time.
type Slot struct {
	cur         atomic.Pointer[Snapshot]
	mu          sync.Mutex
	next        uint64
	retireAfter time.Duration
	log         *slog.Logger
}

// SlotOption configures a Slot.
type SlotOption func(*Slot)

// WithRetireDelay delays closing a replaced index so in-flight searches can finish.
func WithRetireDelay(d time.Duration) SlotOption { return func(s *Slot) { s.retireAfter = d } }

// WithSlotLogger sets the slot logger.
func WithSlotLogger(l *slog.Logger) SlotOption { return func(s *Slot) { s.log = l } }

// NewSlot returns an empty slot.
func NewSlot(opts ...SlotOption) *Slot {
	s := &Slot{retireAfter: 30 * time.Second, log: slog.Default()}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Current returns the published snapshot or an IndexNotReady error.
func (s *Slot) Current() (*Snapshot, error) {
	snap := s.cur.Load()
	if snap == nil {
		return nil, domain.IndexNotReady()
	}
	return snap, nil
}

// Ready reports whether a snapshot has been published.
func (s *Slot) Ready() bool { return s.cur.Load() != nil }

// BuildFunc produces the snapshot for version.
type BuildFunc func(ctx context.Context, version uint64) (*Snapshot, error)

// Rebuild runs build and publishes its snapshot in a single atomic swap. If
// build fails the previous snapshot stays live.
func (s *Slot) Rebuild(ctx context.Context, build BuildFunc) (*Snapshot, error) {
	if !s.mu.TryLock() {
		return nil, ErrRebuildInProgress
	}
	defer s.mu.Unlock()

	s.next++
	version := s.next
	snap, err := build(ctx, version)
	if err != nil {
		return nil, err
	}
	if snap == nil || snap.Index == nil {
		return nil, fmt.Errorf("index: build %d produced no index", version)
	}
	if snap.Embedder != nil {
		if d := snap.Embedder.Dimension(); d != 0 && d != snap.Index.Dimension() {
			retire(snap.Index, 0, s.log)
			return nil, fmt.Errorf("index: %w: embedder %d, index %d", domain.ErrDimensionMismatch, d, snap.Index.Dimension())
		}
	}
	snap.Info.Version = version
	snap.Info.Dimension = snap.Index.Dimension()
	snap.Info.Chunks = snap.Index.Len()

	old := s.cur.Swap(snap)
	s.log.Info("index: published", "version", version, "backend", snap.Info.Backend, "chunks", snap.Info.Chunks)
	if old != nil {
		retire(old.Index, s.retireAfter, s.log)
	}
	return snap, nil
}

func retire(ix Index, after time.Duration, log *slog.Logger) {
	c, ok := ix.(io.Closer)
	if !ok {
		return
	}
	closeIt := func() {
		if err := c.Close(); err != nil {
			log.Warn("index: retire", "err", err)
		}
	}
	if after <= 0 {
		closeIt()
		return
	}
	time.AfterFunc(after, closeIt)
}

// NewBuilder returns the builder for a backend name. The qdrant backend needs
// an existing QdrantBuilder, passed as qb.
func NewBuilder(backend string, qb *QdrantBuilder) (Builder, error) {
	switch backend {
	case "", BackendExact:
		return ExactBuilder{}, nil
	case BackendHNSW:
		return HNSWBuilder{}, nil
	case BackendQdrant:
		if qb == nil {
			return nil, fmt.Errorf("index: qdrant backend not configured")
		}
		return qb, nil
	}
	return nil, fmt.Errorf("index: unknown backend %q", backend)
}
