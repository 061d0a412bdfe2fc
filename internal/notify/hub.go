// Package notify fans scan progress out to observers and records alert
// rows for qualifying findings. Nothing in this package may block or fail
// a scan; it only observes.
package notify

import (
	"sync"

	"github.com/google/uuid"

	"github.com/whoismuhd/S3NTRACS/internal/scan"
)

const defaultSubscriberBuffer = 16

// Hub distributes run snapshots to per-tenant subscribers. Publish never
// blocks: a subscriber that cannot keep up loses snapshots instead of
// stalling the scan.
type Hub struct {
	mu     sync.RWMutex
	subs   map[uuid.UUID]map[chan scan.RunSnapshot]struct{}
	buffer int
}

func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = defaultSubscriberBuffer
	}
	return &Hub{
		subs:   make(map[uuid.UUID]map[chan scan.RunSnapshot]struct{}),
		buffer: buffer,
	}
}

// Publish delivers a snapshot to every subscriber of the tenant, dropping
// it for subscribers whose buffers are full.
func (h *Hub) Publish(tenantID uuid.UUID, snap scan.RunSnapshot) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch := range h.subs[tenantID] {
		select {
		case ch <- snap:
		default:
		}
	}
}

// Subscribe registers an observer for one tenant's snapshots. The returned
// cancel func unregisters and closes the channel; it is safe to call more
// than once.
func (h *Hub) Subscribe(tenantID uuid.UUID) (<-chan scan.RunSnapshot, func()) {
	ch := make(chan scan.RunSnapshot, h.buffer)

	h.mu.Lock()
	set, ok := h.subs[tenantID]
	if !ok {
		set = make(map[chan scan.RunSnapshot]struct{})
		h.subs[tenantID] = set
	}
	set[ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			if set, ok := h.subs[tenantID]; ok {
				delete(set, ch)
				if len(set) == 0 {
					delete(h.subs, tenantID)
				}
			}
			h.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

// SubscriberCount reports how many observers the tenant currently has.
func (h *Hub) SubscriberCount(tenantID uuid.UUID) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[tenantID])
}

// Fanout broadcasts to several sinks in order.
type Fanout []scan.Broadcaster

func (f Fanout) Publish(tenantID uuid.UUID, snap scan.RunSnapshot) {
	for _, b := range f {
		if b != nil {
			b.Publish(tenantID, snap)
		}
	}
}
