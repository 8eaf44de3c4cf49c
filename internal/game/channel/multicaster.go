// Package channel provides named broadcast groups with snapshot delivery.
package channel

import (
	"sync"

	"go.uber.org/zap"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/cory-johannsen/lobby/internal/observability"
)

// Key identifies a channel by name and sub-id.
type Key struct {
	Name  string
	SubID string
}

// String returns "name/subid".
func (k Key) String() string {
	return k.Name + "/" + k.SubID
}

// Subscriber receives channel broadcasts.
type Subscriber interface {
	// SubscriberID identifies the subscriber; a channel holds each id at most once.
	SubscriberID() string
	// Deliver hands a message to the subscriber. It must not block and must not
	// call back into the Multicaster.
	Deliver(msgType string, body *structpb.Struct) error
}

// group is one channel's membership. Its mutex serializes broadcasts with
// membership changes so every broadcast sees a fixed member set.
type group struct {
	mu      sync.Mutex
	members map[string]Subscriber
	order   []string
	removed bool
}

func (g *group) add(s Subscriber) bool {
	id := s.SubscriberID()
	if _, ok := g.members[id]; ok {
		return false
	}
	g.members[id] = s
	g.order = append(g.order, id)
	return true
}

func (g *group) remove(id string) bool {
	if _, ok := g.members[id]; !ok {
		return false
	}
	delete(g.members, id)
	for i, oid := range g.order {
		if oid == id {
			g.order = append(g.order[:i], g.order[i+1:]...)
			break
		}
	}
	return true
}

// Multicaster manages channels and their subscriber sets.
// All methods are safe for concurrent use.
type Multicaster struct {
	mu       sync.RWMutex
	channels map[Key]*group
	logger   *zap.Logger
}

// NewMulticaster creates an empty Multicaster.
//
// Precondition: logger must be non-nil.
func NewMulticaster(logger *zap.Logger) *Multicaster {
	return &Multicaster{
		channels: make(map[Key]*group),
		logger:   logger,
	}
}

// Join subscribes s to the channel identified by key, creating the channel on
// first use. Joining twice has the same effect as joining once.
//
// Precondition: s must be non-nil with a non-empty SubscriberID.
// Postcondition: IsMember(key, s.SubscriberID()) is true.
func (m *Multicaster) Join(key Key, s Subscriber) {
	for {
		g := m.getOrCreate(key)
		g.mu.Lock()
		if g.removed {
			// Channel emptied and dropped between lookup and lock.
			g.mu.Unlock()
			continue
		}
		added := g.add(s)
		g.mu.Unlock()
		if added {
			m.logger.Debug("subscriber joined channel",
				zap.String("channel", key.String()),
				zap.String("subscriber", s.SubscriberID()),
			)
		}
		return
	}
}

// Leave unsubscribes id from the channel. Leaving a channel the subscriber is
// not a member of is a no-op.
//
// Postcondition: IsMember(key, id) is false.
func (m *Multicaster) Leave(key Key, id string) {
	g := m.get(key)
	if g == nil {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.removed || !g.remove(id) {
		return
	}
	m.logger.Debug("subscriber left channel",
		zap.String("channel", key.String()),
		zap.String("subscriber", id),
	)
	if len(g.members) == 0 {
		g.removed = true
		m.mu.Lock()
		if m.channels[key] == g {
			delete(m.channels, key)
		}
		m.mu.Unlock()
	}
}

// Broadcast delivers a message to every subscriber of the channel at the
// moment of the call. Subscribers joining while the broadcast is in progress
// do not receive it. A failed delivery is logged and skipped.
//
// Postcondition: Returns the number of successful deliveries.
func (m *Multicaster) Broadcast(key Key, msgType string, body *structpb.Struct) int {
	g := m.get(key)
	if g == nil {
		return 0
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.removed {
		return 0
	}

	name := key.String()
	delivered := 0
	for _, id := range g.order {
		if err := g.members[id].Deliver(msgType, body); err != nil {
			observability.BroadcastDeliveries.WithLabelValues(name, observability.OutcomeFailed).Inc()
			m.logger.Warn("channel delivery failed",
				zap.String("channel", name),
				zap.String("subscriber", id),
				zap.String("type", msgType),
				zap.Error(err),
			)
			continue
		}
		observability.BroadcastDeliveries.WithLabelValues(name, observability.OutcomeOK).Inc()
		delivered++
	}
	return delivered
}

// Members returns the subscriber ids of the channel in join order.
func (m *Multicaster) Members(key Key) []string {
	g := m.get(key)
	if g == nil {
		return nil
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]string, len(g.order))
	copy(out, g.order)
	return out
}

// IsMember reports whether id is subscribed to the channel.
func (m *Multicaster) IsMember(key Key, id string) bool {
	g := m.get(key)
	if g == nil {
		return false
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.members[id]
	return ok
}

// Channels returns the number of channels with at least one subscriber.
func (m *Multicaster) Channels() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.channels)
}

func (m *Multicaster) get(key Key) *group {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.channels[key]
}

func (m *Multicaster) getOrCreate(key Key) *group {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.channels[key]
	if !ok {
		g = &group{members: make(map[string]Subscriber)}
		m.channels[key] = g
	}
	return g
}
