// Package agentstate holds the observable runtime state of the verification
// agent: the narration timeline, the simulated pointer, the viewport snapshot
// and tracked element positions. The state is an injected value, not a
// package global; every mutation bumps a version and fans the new snapshot
// out to subscribers.
package agentstate

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/aquilax/go-perlin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/caduceuslabs/veriflow/api/schemas"
	"github.com/caduceuslabs/veriflow/internal/config"
)

// GeometrySource resolves element keys and viewport metrics. The rendering
// surface implements it.
type GeometrySource interface {
	ElementGeometry(ctx context.Context, key string) (schemas.Rect, bool, error)
	ViewportMetrics(ctx context.Context) (schemas.ViewportSnapshot, error)
}

// Snapshot is an immutable copy of the runtime state at one version.
type Snapshot struct {
	Version        uint64
	Running        bool
	CurrentThought *schemas.Thought
	Thoughts       []schemas.Thought
	Pointer        schemas.Point
	PointerVisible bool
	Viewport       *schemas.ViewportSnapshot
	Tracked        map[string]schemas.TrackedElement
	Targets        []string
}

// State is the live runtime state. All operations are safe for concurrent
// use; reads hand out snapshots.
type State struct {
	cfg    config.RuntimeConfig
	geo    GeometrySource
	logger *zap.Logger

	mu             sync.RWMutex
	version        uint64
	running        bool
	currentThought *schemas.Thought
	thoughts       []schemas.Thought
	pointer        schemas.Point
	pointerVisible bool
	viewport       *schemas.ViewportSnapshot
	tracked        map[string]schemas.TrackedElement
	targets        []string

	noiseX *perlin.Perlin
	noiseY *perlin.Perlin

	subMu   sync.Mutex
	subs    map[int]chan Snapshot
	nextSub int
	closed  bool
}

// New builds a State bound to a geometry source.
func New(cfg config.RuntimeConfig, geo GeometrySource, logger *zap.Logger) *State {
	seed := rand.Int63()
	return &State{
		cfg:     cfg,
		geo:     geo,
		logger:  logger.Named("agentstate"),
		tracked: make(map[string]schemas.TrackedElement),
		noiseX:  perlin.NewPerlin(2, 2, 3, seed),
		noiseY:  perlin.NewPerlin(2, 2, 3, seed+1),
		subs:    make(map[int]chan Snapshot),
	}
}

// Subscribe registers a consumer of state snapshots and returns the channel
// plus an unsubscribe func. Subscriber channels coalesce: when a consumer
// lags, intermediate snapshots are dropped in favor of the latest one.
func (s *State) Subscribe() (<-chan Snapshot, func()) {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	ch := make(chan Snapshot, 1)
	if s.closed {
		close(ch)
		return ch, func() {}
	}

	id := s.nextSub
	s.nextSub++
	s.subs[id] = ch

	unsubscribe := func() {
		s.subMu.Lock()
		defer s.subMu.Unlock()
		if sub, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(sub)
		}
	}
	return ch, unsubscribe
}

// Close tears down all subscriber channels. Further mutations still apply but
// are no longer broadcast.
func (s *State) Close() {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	for id, ch := range s.subs {
		delete(s.subs, id)
		close(ch)
	}
}

// mutate applies fn under the write lock, bumps the version and broadcasts
// the resulting snapshot.
func (s *State) mutate(fn func()) Snapshot {
	s.mu.Lock()
	fn()
	s.version++
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.broadcast(snap)
	return snap
}

func (s *State) broadcast(snap Snapshot) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- snap:
		default:
			// Drop the stale pending snapshot, then offer the fresh one.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- snap:
			default:
			}
		}
	}
}

func (s *State) snapshotLocked() Snapshot {
	snap := Snapshot{
		Version:        s.version,
		Running:        s.running,
		Pointer:        s.pointer,
		PointerVisible: s.pointerVisible,
		Thoughts:       append([]schemas.Thought(nil), s.thoughts...),
		Targets:        append([]string(nil), s.targets...),
		Tracked:        make(map[string]schemas.TrackedElement, len(s.tracked)),
	}
	for k, v := range s.tracked {
		snap.Tracked[k] = v
	}
	if s.currentThought != nil {
		th := *s.currentThought
		snap.CurrentThought = &th
	}
	if s.viewport != nil {
		vp := *s.viewport
		snap.Viewport = &vp
	}
	return snap
}

// Snapshot returns the current state.
func (s *State) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshotLocked()
}

// Version returns the current state version.
func (s *State) Version() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

// Start marks the agent as running.
func (s *State) Start() {
	s.mutate(func() { s.running = true })
}

// Stop resets display state only: the agent stops running, the pointer hides
// and the current thought clears. The thought history survives for later
// review.
func (s *State) Stop() {
	s.mutate(func() {
		s.running = false
		s.pointerVisible = false
		s.currentThought = nil
	})
}

// AddThought appends a narration entry, makes it current, and arms the
// configured auto-clear. The timer clears only the thought it was armed for;
// a newer thought or an explicit clear wins.
func (s *State) AddThought(message string, typ schemas.ThoughtType) schemas.Thought {
	th := schemas.Thought{
		ID:        uuid.NewString(),
		Message:   message,
		Type:      typ,
		Timestamp: time.Now().UTC(),
	}

	s.mutate(func() {
		s.thoughts = append(s.thoughts, th)
		if limit := s.cfg.ThoughtHistory; limit > 0 && len(s.thoughts) > limit {
			s.thoughts = append([]schemas.Thought(nil), s.thoughts[len(s.thoughts)-limit:]...)
		}
		current := th
		s.currentThought = &current
	})

	if ttl := s.cfg.ThoughtTTL; ttl > 0 {
		time.AfterFunc(ttl, func() { s.clearCurrentIf(th.ID) })
	}
	return th
}

// ClearCurrentThought nulls the current thought pointer.
func (s *State) ClearCurrentThought() {
	s.mutate(func() { s.currentThought = nil })
}

func (s *State) clearCurrentIf(id string) {
	s.mu.Lock()
	if s.currentThought == nil || s.currentThought.ID != id {
		s.mu.Unlock()
		return
	}
	s.currentThought = nil
	s.version++
	snap := s.snapshotLocked()
	s.mu.Unlock()
	s.broadcast(snap)
}

// UpdatePointer moves the pointer to p.
func (s *State) UpdatePointer(p schemas.Point) {
	s.mutate(func() { s.pointer = p })
}

// ShowPointer makes the pointer visible.
func (s *State) ShowPointer() {
	s.mutate(func() { s.pointerVisible = true })
}

// HidePointer hides the pointer.
func (s *State) HidePointer() {
	s.mutate(func() { s.pointerVisible = false })
}

// Pointer returns the current pointer position.
func (s *State) Pointer() schemas.Point {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pointer
}

// SetTargets publishes the list of action-target keys.
func (s *State) SetTargets(keys []string) {
	s.mutate(func() { s.targets = append([]string(nil), keys...) })
}

// SnapshotViewport captures the surface dimensions and scroll position,
// wholesale-replacing the previous snapshot. Tracked elements are dropped:
// tracking is only meaningful against the snapshot that produced it and must
// be re-established afterwards.
func (s *State) SnapshotViewport(ctx context.Context) (schemas.ViewportSnapshot, error) {
	vp, err := s.geo.ViewportMetrics(ctx)
	if err != nil {
		return schemas.ViewportSnapshot{}, err
	}

	s.mutate(func() {
		s.viewport = &vp
		s.tracked = make(map[string]schemas.TrackedElement)
	})
	return vp, nil
}

// TrackElements resolves each key against the surface and pins the resolved
// geometry. Absent elements are omitted without error. Returns how many keys
// resolved.
func (s *State) TrackElements(ctx context.Context, keys []string) int {
	resolved := make(map[string]schemas.TrackedElement, len(keys))
	now := time.Now().UTC()
	for _, key := range keys {
		box, ok, err := s.geo.ElementGeometry(ctx, key)
		if err != nil {
			s.logger.Debug("Element geometry lookup failed; omitting.",
				zap.String("key", key), zap.Error(err))
			continue
		}
		if !ok {
			continue
		}
		resolved[key] = schemas.TrackedElement{
			Key:       key,
			Box:       box,
			Center:    box.Center(),
			TrackedAt: now,
		}
	}

	if len(resolved) > 0 {
		s.mutate(func() {
			for k, v := range resolved {
				s.tracked[k] = v
			}
		})
	}
	return len(resolved)
}

// Tracked returns the tracked element for key, if any.
func (s *State) Tracked(key string) (schemas.TrackedElement, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	el, ok := s.tracked[key]
	return el, ok
}

// MoveToElement animates the pointer to the tracked element's center along a
// lightly jittered trajectory, publishing intermediate positions. It returns
// false, with the pointer untouched, when the key is not tracked, and false
// when the animation is cancelled before reaching the target. Zero animation
// duration jumps straight to the center.
func (s *State) MoveToElement(ctx context.Context, key string) bool {
	s.mu.RLock()
	el, ok := s.tracked[key]
	from := s.pointer
	s.mu.RUnlock()
	if !ok {
		return false
	}

	steps := s.cfg.PointerSteps
	duration := s.cfg.PointerAnimation
	if duration <= 0 || steps < 2 {
		s.UpdatePointer(el.Center)
		return true
	}

	path := pointerPath(from, el.Center, steps, s.noiseX, s.noiseY)
	interval := duration / time.Duration(len(path))
	for _, p := range path {
		select {
		case <-ctx.Done():
			return false
		case <-time.After(interval):
		}
		s.UpdatePointer(p)
	}
	return true
}
