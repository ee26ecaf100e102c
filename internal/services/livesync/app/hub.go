package server

import (
	"strings"
	"sync"
)

// coordinatorHub hands out exactly one coordinator per campaign id.
//
// Coordinators are never evicted: dropping one would reset its version
// counter and let reconnecting clients believe a stale view is current.
type coordinatorHub struct {
	mu           sync.Mutex
	coordinators map[string]*Coordinator
}

func newCoordinatorHub() *coordinatorHub {
	return &coordinatorHub{coordinators: make(map[string]*Coordinator)}
}

func (h *coordinatorHub) coordinator(campaignID string) *Coordinator {
	campaignID = strings.TrimSpace(campaignID)

	h.mu.Lock()
	defer h.mu.Unlock()

	coordinator, ok := h.coordinators[campaignID]
	if ok {
		return coordinator
	}
	coordinator = NewCoordinator(campaignID)
	h.coordinators[campaignID] = coordinator
	return coordinator
}

// closeAll closes every live connection of every campaign.
func (h *coordinatorHub) closeAll() {
	h.mu.Lock()
	coordinators := make([]*Coordinator, 0, len(h.coordinators))
	for _, coordinator := range h.coordinators {
		coordinators = append(coordinators, coordinator)
	}
	h.mu.Unlock()

	for _, coordinator := range coordinators {
		coordinator.closeConnections()
	}
}
