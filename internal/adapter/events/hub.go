// Package events implements the realtime fan-out hub.
//
// Subscribers join per-job rooms; publishes are routed by job id, or by owner
// id for credits_updated. Delivery is best-effort and at-most-once per
// subscriber: a slow consumer's events are dropped rather than blocking the
// publisher. Clients needing truth consult the status endpoint.
package events

import (
	"context"
	"log/slog"
	"sync"

	"github.com/fairyhunter13/renderflow/internal/domain"
)

// subscriberBuffer is the per-subscription channel depth before drops.
const subscriberBuffer = 16

// Subscription is one subscriber's membership in a room.
type Subscription struct {
	C     chan domain.Event
	jobID string
	owner string
}

// Hub is an in-process fan-out bus implementing domain.EventBus.
type Hub struct {
	mu     sync.RWMutex
	rooms  map[string]map[*Subscription]struct{}
	owners map[string]map[*Subscription]struct{}
}

// NewHub constructs an empty Hub.
func NewHub() *Hub {
	return &Hub{
		rooms:  make(map[string]map[*Subscription]struct{}),
		owners: make(map[string]map[*Subscription]struct{}),
	}
}

// Subscribe registers a subscriber in the room for jobID. Ownership of the
// job is authorised by the caller. Re-subscribing after a reconnect simply
// rebuilds room membership; registration is idempotent per Subscription.
func (h *Hub) Subscribe(jobID string) *Subscription {
	sub := &Subscription{C: make(chan domain.Event, subscriberBuffer), jobID: jobID}
	h.mu.Lock()
	defer h.mu.Unlock()
	room, ok := h.rooms[jobID]
	if !ok {
		room = make(map[*Subscription]struct{})
		h.rooms[jobID] = room
	}
	room[sub] = struct{}{}
	return sub
}

// SubscribeOwner registers a subscriber for owner-level events
// (credits_updated).
func (h *Hub) SubscribeOwner(ownerID string) *Subscription {
	sub := &Subscription{C: make(chan domain.Event, subscriberBuffer), owner: ownerID}
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.owners[ownerID]
	if !ok {
		set = make(map[*Subscription]struct{})
		h.owners[ownerID] = set
	}
	set[sub] = struct{}{}
	return sub
}

// Unsubscribe removes the subscription and closes its channel.
func (h *Hub) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if sub.jobID != "" {
		if room, ok := h.rooms[sub.jobID]; ok {
			if _, member := room[sub]; member {
				delete(room, sub)
				close(sub.C)
			}
			if len(room) == 0 {
				delete(h.rooms, sub.jobID)
			}
		}
	}
	if sub.owner != "" {
		if set, ok := h.owners[sub.owner]; ok {
			if _, member := set[sub]; member {
				delete(set, sub)
				close(sub.C)
			}
			if len(set) == 0 {
				delete(h.owners, sub.owner)
			}
		}
	}
}

// RoomSize returns the number of subscribers in a job's room.
func (h *Hub) RoomSize(jobID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[jobID])
}

// Publish routes the event to its room, or to the owner's subscribers for
// credits_updated. It never blocks: events to saturated subscribers drop.
func (h *Hub) Publish(_ context.Context, e domain.Event) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var targets map[*Subscription]struct{}
	if e.Type == domain.EventCreditsUpdated {
		targets = h.owners[e.OwnerID]
	} else {
		targets = h.rooms[e.JobID]
	}
	for sub := range targets {
		select {
		case sub.C <- e:
		default:
			slog.Debug("dropping event for slow subscriber",
				slog.String("type", string(e.Type)),
				slog.String("job_id", e.JobID))
		}
	}
	return nil
}
