// Package room implements the relay rooms: admission with role limits,
// fan-out between anchor and audience, trial usage metering and the registry
// that creates rooms on demand and collects empty ones.
package room

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lumacast/lumacast/hub/internal/gateway"
	"github.com/lumacast/lumacast/hub/internal/kv"
	"github.com/lumacast/lumacast/hub/internal/metrics"
	"github.com/lumacast/lumacast/pkg/protocol"
)

// ErrRegistryClosed is returned once the registry has shut down.
var ErrRegistryClosed = errors.New("room registry closed")

// Options configures the registry and every room it creates.
type Options struct {
	AudienceLimit  int
	SweepInterval  time.Duration
	BroadcastDelay time.Duration
	TrialMaxStay   time.Duration
	TrialMaxUsage  time.Duration
	UsageTTL       time.Duration

	Gateway gateway.Authorizer
	// Usage stores per-subject usage counters. Nil keeps usage in memory only.
	Usage   kv.Cache
	Logger  *zap.Logger
	Metrics *metrics.Metrics
	Now     func() time.Time
}

// Registry owns the live rooms.
type Registry struct {
	opts    Options
	logger  *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	mu     sync.Mutex
	rooms  map[string]*Room
	sweep  *time.Timer
	closed bool
}

// NewRegistry creates an empty registry.
func NewRegistry(opts Options) *Registry {
	if opts.AudienceLimit <= 0 {
		opts.AudienceLimit = 1
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = 30 * time.Second
	}
	if opts.BroadcastDelay <= 0 {
		opts.BroadcastDelay = 50 * time.Millisecond
	}
	if opts.TrialMaxStay <= 0 {
		opts.TrialMaxStay = 25 * time.Minute
	}
	if opts.TrialMaxUsage <= 0 {
		opts.TrialMaxUsage = opts.TrialMaxStay
	}
	if opts.UsageTTL <= 0 {
		opts.UsageTTL = 24 * time.Hour
	}
	if opts.Gateway == nil {
		opts.Gateway = &gateway.Static{Active: true}
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Registry{
		opts:    opts,
		logger:  logger.With(zap.String("component", "room")),
		metrics: opts.Metrics,
		now:     now,
		rooms:   make(map[string]*Room),
	}
}

// GetOrCreate returns the room called name, creating it if needed.
func (g *Registry) GetOrCreate(name string) (*Room, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return nil, ErrRegistryClosed
	}
	if r, ok := g.rooms[name]; ok {
		return r, nil
	}
	r := newRoom(name, g)
	g.rooms[name] = r
	g.metrics.RoomOpened()
	if g.sweep == nil {
		g.sweep = time.AfterFunc(g.opts.SweepInterval, g.runSweep)
	}
	g.logger.Debug("room created", zap.String("room", name))
	return r, nil
}

// Get returns the room called name.
func (g *Registry) Get(name string) (*Room, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	r, ok := g.rooms[name]
	return r, ok
}

// Join admits peer to the room called name, creating the room if needed.
func (g *Registry) Join(ctx context.Context, name string, peer Peer, req JoinRequest) (*Room, *Member, error) {
	for {
		r, err := g.GetOrCreate(name)
		if err != nil {
			return nil, nil, err
		}
		m, err := r.Join(ctx, peer, req)
		if errors.Is(err, errRoomClosed) {
			// Destroyed between lookup and admission; the next lookup
			// creates a fresh room.
			continue
		}
		if err != nil {
			return nil, nil, err
		}
		return r, m, nil
	}
}

// Remove destroys the room called name, kicking out its members.
func (g *Registry) Remove(ctx context.Context, name string) bool {
	g.mu.Lock()
	r, ok := g.rooms[name]
	if ok {
		g.detach(r)
	}
	g.mu.Unlock()
	if !ok {
		return false
	}
	r.shutdown(ctx, protocol.ReasonRoomClosed)
	g.metrics.RoomClosed()
	return true
}

// Len returns the number of live rooms.
func (g *Registry) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.rooms)
}

// SweepRunning reports whether the collection timer is armed.
func (g *Registry) SweepRunning() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.sweep != nil
}

// Sweep destroys rooms that have been empty for at least one sweep interval
// with no join in flight, and returns how many it destroyed.
func (g *Registry) Sweep() int {
	cutoff := g.now().Add(-g.opts.SweepInterval)

	g.mu.Lock()
	var removed []*Room
	for _, r := range g.rooms {
		if r.sweepable(cutoff) {
			removed = append(removed, r)
		}
	}
	for _, r := range removed {
		g.detach(r)
		r.markClosed()
	}
	g.mu.Unlock()

	for _, r := range removed {
		g.metrics.RoomClosed()
		g.logger.Debug("room collected", zap.String("room", r.name))
	}
	return len(removed)
}

func (g *Registry) runSweep() {
	g.Sweep()

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed || len(g.rooms) == 0 {
		g.sweep = nil
		return
	}
	g.sweep = time.AfterFunc(g.opts.SweepInterval, g.runSweep)
}

// releaseIfEmpty destroys r when its last member has gone and no join is in
// flight.
func (g *Registry) releaseIfEmpty(r *Room) {
	g.mu.Lock()
	if g.rooms[r.name] != r || !r.sweepable(g.now()) {
		g.mu.Unlock()
		return
	}
	g.detach(r)
	r.markClosed()
	g.mu.Unlock()

	g.metrics.RoomClosed()
	g.logger.Debug("room destroyed", zap.String("room", r.name))
}

// detach removes r from the map and disarms the sweep once no rooms remain.
// Caller holds g.mu.
func (g *Registry) detach(r *Room) {
	delete(g.rooms, r.name)
	if len(g.rooms) == 0 && g.sweep != nil {
		g.sweep.Stop()
		g.sweep = nil
	}
}

// Close kicks every member out of every room and stops the registry.
func (g *Registry) Close(ctx context.Context) {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return
	}
	g.closed = true
	rooms := make([]*Room, 0, len(g.rooms))
	for _, r := range g.rooms {
		rooms = append(rooms, r)
		delete(g.rooms, r.name)
	}
	if g.sweep != nil {
		g.sweep.Stop()
		g.sweep = nil
	}
	g.mu.Unlock()

	for _, r := range rooms {
		r.shutdown(ctx, protocol.ReasonRoomClosed)
		g.metrics.RoomClosed()
	}
	g.logger.Info("room registry closed", zap.Int("rooms", len(rooms)))
}
