package room

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lumacast/lumacast/hub/internal/gateway"
	"github.com/lumacast/lumacast/hub/internal/logging"
	"github.com/lumacast/lumacast/pkg/protocol"
)

// errRoomClosed is returned when a room was destroyed between lookup and
// use. Registry.Join retries with a fresh room.
var errRoomClosed = errors.New("room closed")

// ErrJoinDenied is the fallback when the gateway could not be reached.
var ErrJoinDenied = &protocol.Error{Code: protocol.CodeDenied, Message: "join not authorized"}

// Room is a named relay between one anchor and a bounded audience.
type Room struct {
	name     string
	registry *Registry
	logger   *zap.Logger

	// admit serializes join, leave, kickout and disconnect so the
	// authorize-then-mutate sequence of a join is never interleaved.
	admit sync.Mutex

	mu         sync.RWMutex
	members    map[string]*Member
	seq        uint64
	pending    int
	emptySince time.Time
	closed     bool

	membersChanged *debouncer
}

func newRoom(name string, reg *Registry) *Room {
	r := &Room{
		name:       name,
		registry:   reg,
		logger:     reg.logger.With(zap.String("room", name)),
		members:    make(map[string]*Member),
		emptySince: reg.now(),
	}
	r.membersChanged = newDebouncer(reg.opts.BroadcastDelay, r.broadcastMembers)
	return r
}

// Name returns the room name.
func (r *Room) Name() string { return r.name }

// Len returns the number of members.
func (r *Room) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.members)
}

// Member returns the member with clientID.
func (r *Room) Member(clientID string) (*Member, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.members[clientID]
	return m, ok
}

// Members returns the current member list ordered by join time.
func (r *Room) Members() []protocol.MemberInfo {
	r.mu.RLock()
	list := make([]*Member, 0, len(r.members))
	for _, m := range r.members {
		list = append(list, m)
	}
	r.mu.RUnlock()

	sortBySeq(list)
	out := make([]protocol.MemberInfo, len(list))
	for i, m := range list {
		out[i] = m.Info()
	}
	return out
}

func sortBySeq(list []*Member) {
	sort.Slice(list, func(i, j int) bool { return list[i].seq < list[j].seq })
}

// Join admits peer with the requested role. The gateway is consulted first;
// existing members are evicted only once it has approved.
func (r *Room) Join(ctx context.Context, peer Peer, req JoinRequest) (*Member, error) {
	if !req.Role.Valid() {
		return nil, protocol.Errorf(protocol.CodeValidation, "invalid role %q", req.Role)
	}

	r.admit.Lock()
	defer r.admit.Unlock()

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, errRoomClosed
	}
	if _, ok := r.members[peer.ID()]; ok {
		r.mu.Unlock()
		return nil, protocol.ErrAlreadyJoined
	}
	r.pending++
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		r.pending--
		r.mu.Unlock()
	}()

	opts := r.registry.opts
	log := logging.ForMember(r.registry.logger, peer.ID(), r.name, string(req.Role))

	now := r.registry.now()
	res, err := opts.Gateway.Join(ctx, gateway.Membership{
		Room:      r.name,
		Role:      req.Role,
		Source:    req.Source,
		From:      req.From,
		Timestamp: protocol.Timestamp(now),
	})
	if err != nil {
		log.Info("join rejected by gateway", zap.Error(err))
		var denied *gateway.DeniedError
		if errors.As(err, &denied) && denied.Message != "" {
			return nil, protocol.Errorf(protocol.CodeDenied, "%s", denied.Message)
		}
		return nil, ErrJoinDenied
	}

	var maxStay time.Duration
	if !res.IsActive {
		maxStay = opts.TrialMaxStay
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, errRoomClosed
	}
	evict := r.evictionsFor(req.Role)
	r.mu.Unlock()

	for _, old := range evict {
		r.kickout(ctx, old, protocol.ReasonReplaced)
	}

	joinedAt := r.registry.now()
	m := &Member{
		ClientID:      peer.ID(),
		Role:          req.Role,
		From:          req.From,
		Source:        req.Source,
		JoinedAt:      joinedAt,
		MaxStay:       maxStay,
		peer:          peer,
		state:         StateJoining,
		lastHeartbeat: joinedAt,
	}

	r.mu.Lock()
	r.seq++
	m.seq = r.seq
	r.members[m.ClientID] = m
	r.emptySince = time.Time{}
	r.mu.Unlock()
	m.setState(StateActive)

	r.registry.metrics.MemberJoined(string(m.Role))
	log.Info("member joined",
		zap.String("from", m.From),
		zap.String("source", m.Source),
		zap.Bool("activated", m.Activated()),
		zap.Int("evicted", len(evict)),
	)
	r.membersChanged.schedule()
	return m, nil
}

// evictionsFor returns the members that must go before a member with role
// is inserted. Caller holds r.mu.
func (r *Room) evictionsFor(role protocol.Role) []*Member {
	var same []*Member
	for _, m := range r.members {
		if m.Role == role {
			same = append(same, m)
		}
	}
	if role == protocol.RoleAnchor {
		return same
	}
	limit := r.registry.opts.AudienceLimit
	if len(same) < limit {
		return nil
	}
	sortBySeq(same)
	return same[:len(same)-limit+1]
}

// Leave removes clientID at its own request.
func (r *Room) Leave(ctx context.Context, clientID string) error {
	r.admit.Lock()
	defer r.admit.Unlock()

	m, ok := r.Member(clientID)
	if !ok {
		return protocol.ErrNotMember
	}
	r.remove(ctx, m, StateLeft)
	r.registry.releaseIfEmpty(r)
	return nil
}

// Disconnect removes clientID because its connection closed. It is a no-op
// when the member is already gone.
func (r *Room) Disconnect(ctx context.Context, clientID string) {
	r.admit.Lock()
	defer r.admit.Unlock()

	m, ok := r.Member(clientID)
	if !ok {
		return
	}
	r.remove(ctx, m, StateDisconnected)
	r.registry.releaseIfEmpty(r)
}

// Kickout notifies clientID that it is being removed, then removes it.
func (r *Room) Kickout(ctx context.Context, clientID, reason string) error {
	r.admit.Lock()
	defer r.admit.Unlock()

	m, ok := r.Member(clientID)
	if !ok {
		return protocol.ErrNotMember
	}
	r.kickout(ctx, m, reason)
	r.registry.releaseIfEmpty(r)
	return nil
}

// kickout sends the kickout event before removing m. Caller holds r.admit.
func (r *Room) kickout(ctx context.Context, m *Member, reason string) {
	if err := m.peer.Send(r.broadcast(protocol.Kickout{Reason: reason})); err != nil {
		r.logger.Debug("kickout notice not delivered", zap.String("client_id", m.ClientID), zap.Error(err))
	}
	r.remove(ctx, m, StateKicked)
	m.peer.Evicted(r.name)
	r.registry.metrics.RecordKickout(reason)
	logging.ForMember(r.registry.logger, m.ClientID, r.name, string(m.Role)).
		Info("member kicked out", zap.String("reason", reason))
}

// remove deletes m and reports the departure. Caller holds r.admit.
func (r *Room) remove(ctx context.Context, m *Member, final State) {
	r.mu.Lock()
	if r.members[m.ClientID] != m {
		r.mu.Unlock()
		return
	}
	delete(r.members, m.ClientID)
	if len(r.members) == 0 {
		r.emptySince = r.registry.now()
	}
	r.mu.Unlock()
	m.setState(final)

	r.registry.metrics.MemberLeft(string(m.Role))
	r.membersChanged.schedule()

	err := r.registry.opts.Gateway.Leave(ctx, gateway.Membership{
		Room:      r.name,
		Role:      m.Role,
		Source:    m.Source,
		From:      m.From,
		Timestamp: protocol.Timestamp(r.registry.now()),
	})
	if err != nil {
		r.logger.Warn("gateway leave failed", zap.String("client_id", m.ClientID), zap.Error(err))
	}
}

// Publish relays data from clientID to every member of the counterpart role
// and returns how many received it.
func (r *Room) Publish(ctx context.Context, clientID string, data []byte) (int, error) {
	r.mu.RLock()
	sender, ok := r.members[clientID]
	if !ok {
		r.mu.RUnlock()
		return 0, protocol.ErrNotMember
	}
	target := sender.Role.Counterpart()
	var recipients []*Member
	for _, m := range r.members {
		if m.Role == target {
			recipients = append(recipients, m)
		}
	}
	r.mu.RUnlock()

	b := r.broadcast(protocol.Message{Data: data})
	delivered := 0
	for _, m := range recipients {
		if err := ctx.Err(); err != nil {
			return delivered, err
		}
		if err := m.peer.Send(b); err != nil {
			r.logger.Debug("publish not delivered", zap.String("client_id", m.ClientID), zap.Error(err))
			continue
		}
		delivered++
	}
	return delivered, nil
}

// Heartbeat meters the time clientID spent in the room since its previous
// heartbeat and kicks trial members that ran out of allowance.
func (r *Room) Heartbeat(ctx context.Context, clientID string, now time.Time) error {
	m, ok := r.Member(clientID)
	if !ok {
		return protocol.ErrNotMember
	}
	opts := r.registry.opts

	m.mu.Lock()
	if m.state.Terminal() {
		m.mu.Unlock()
		return protocol.ErrNotMember
	}
	secs := int64(now.Sub(m.lastHeartbeat) / time.Second)
	if secs > 0 {
		m.lastHeartbeat = m.lastHeartbeat.Add(time.Duration(secs) * time.Second)
	}
	total := m.usage + max(secs, 0)
	m.mu.Unlock()

	if secs > 0 {
		if opts.Usage != nil {
			n, err := opts.Usage.IncrBy(ctx, UsageKey(r.name, m.subject()), secs, opts.UsageTTL)
			if err != nil {
				r.logger.Warn("usage counter update failed", zap.String("client_id", clientID), zap.Error(err))
			} else {
				total = n
			}
		}
		m.mu.Lock()
		m.usage = total
		m.mu.Unlock()
		r.registry.metrics.AddUsage(secs)
	}

	if m.Activated() {
		return nil
	}
	stayed := now.Sub(m.JoinedAt)
	maxUsage := int64(opts.TrialMaxUsage / time.Second)
	if stayed < m.MaxStay && (maxUsage <= 0 || total < maxUsage) {
		return nil
	}

	r.logger.Info("trial allowance exhausted",
		zap.String("client_id", clientID),
		zap.Duration("stayed", stayed),
		zap.Int64("usage_seconds", total),
	)
	err := r.Kickout(ctx, clientID, protocol.ReasonUsageExceeded)
	if errors.Is(err, protocol.ErrNotMember) {
		return nil
	}
	return err
}

// UsageKey is the cache key of a subject's usage counter in a room.
func UsageKey(room, subject string) string {
	return fmt.Sprintf("usage:%s:%s", room, subject)
}

func (r *Room) broadcast(ev protocol.Event) protocol.Broadcast {
	return protocol.Broadcast{Room: r.name, Timestamp: protocol.Timestamp(r.registry.now()), Event: ev}
}

func (r *Room) broadcastMembers() {
	r.mu.RLock()
	if r.closed {
		r.mu.RUnlock()
		return
	}
	peers := make([]Peer, 0, len(r.members))
	for _, m := range r.members {
		peers = append(peers, m.peer)
	}
	r.mu.RUnlock()
	if len(peers) == 0 {
		return
	}

	b := r.broadcast(protocol.Members{Members: r.Members()})
	for _, p := range peers {
		if err := p.Send(b); err != nil {
			r.logger.Debug("member list not delivered", zap.String("client_id", p.ID()), zap.Error(err))
		}
	}
}

// sweepable reports whether the room has been empty, with no join in
// flight, since before cutoff.
func (r *Room) sweepable(cutoff time.Time) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.members) == 0 && r.pending == 0 && !r.emptySince.IsZero() && !r.emptySince.After(cutoff)
}

// markClosed flags the room destroyed. Caller holds the registry lock.
func (r *Room) markClosed() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	r.membersChanged.stop()
}

// shutdown kicks every member out and closes the room.
func (r *Room) shutdown(ctx context.Context, reason string) {
	r.admit.Lock()
	defer r.admit.Unlock()

	r.mu.RLock()
	list := make([]*Member, 0, len(r.members))
	for _, m := range r.members {
		list = append(list, m)
	}
	r.mu.RUnlock()
	sortBySeq(list)

	for _, m := range list {
		r.kickout(ctx, m, reason)
	}
	r.markClosed()
}
