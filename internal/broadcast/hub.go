package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/nerrad567/keyrelay/internal/infrastructure/logging"
)

// Member receives events for the groups it has joined.
//
// Deliver must not block. It reports false when the event was dropped,
// for example because the member's buffer is full or it has disconnected.
type Member interface {
	Deliver(payload []byte) bool
}

// Publisher sends an event to every member of a group.
type Publisher interface {
	Publish(ctx context.Context, group string, event any) error
}

// Hub maps group names to their current members.
//
// Groups are created on first Subscribe and removed when their last member
// leaves. All methods are safe for concurrent use.
type Hub struct {
	logger *logging.Logger

	mu     sync.RWMutex
	groups map[string]map[Member]struct{}
}

// NewHub creates an empty hub.
func NewHub(logger *logging.Logger) *Hub {
	return &Hub{
		logger: logger,
		groups: make(map[string]map[Member]struct{}),
	}
}

// Subscribe adds m to group. Subscribing twice is a no-op.
func (h *Hub) Subscribe(group string, m Member) {
	h.mu.Lock()
	members, ok := h.groups[group]
	if !ok {
		members = make(map[Member]struct{})
		h.groups[group] = members
	}
	members[m] = struct{}{}
	h.mu.Unlock()

	h.logger.Debug("group member added", "group", group, "members", h.MemberCount(group))
}

// Unsubscribe removes m from group.
func (h *Hub) Unsubscribe(group string, m Member) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(group, m)
}

// UnsubscribeAll removes m from every group it belongs to and returns
// the names of those groups.
func (h *Hub) UnsubscribeAll(m Member) []string {
	h.mu.Lock()
	defer h.mu.Unlock()

	var left []string
	for group, members := range h.groups {
		if _, ok := members[m]; ok {
			h.removeLocked(group, m)
			left = append(left, group)
		}
	}
	return left
}

func (h *Hub) removeLocked(group string, m Member) {
	members, ok := h.groups[group]
	if !ok {
		return
	}
	delete(members, m)
	if len(members) == 0 {
		delete(h.groups, group)
	}
}

// Broadcast delivers payload to every member of group at the time of the
// call and returns how many accepted it. The member set is snapshotted
// under the read lock and delivery happens after it is released, so a
// member may join or leave concurrently without blocking the sender.
func (h *Hub) Broadcast(group string, payload []byte) int {
	h.mu.RLock()
	members := make([]Member, 0, len(h.groups[group]))
	for m := range h.groups[group] {
		members = append(members, m)
	}
	h.mu.RUnlock()

	delivered := 0
	for _, m := range members {
		if m.Deliver(payload) {
			delivered++
		}
	}
	if len(members) > 0 {
		h.logger.Debug("broadcast sent", "group", group, "members", len(members), "delivered", delivered)
	}
	return delivered
}

// Publish encodes event as JSON and broadcasts it. It implements Publisher
// for workers running in the gateway process.
func (h *Hub) Publish(_ context.Context, group string, event any) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encoding event for group %s: %w", group, err)
	}
	h.Broadcast(group, payload)
	return nil
}

// MemberCount returns the number of members in group.
func (h *Hub) MemberCount(group string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.groups[group])
}

// GroupCount returns the number of non-empty groups.
func (h *Hub) GroupCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.groups)
}
