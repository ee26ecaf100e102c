package server

import (
	"encoding/json"

	"github.com/louisbranch/campaign-livesync/internal/services/livesync/domain"
)

// Outbound event types.
const (
	eventConnected           = "connected"
	eventRefreshRequired     = "refresh_required"
	eventAlreadySynced       = "already_synced"
	eventStateUpdate         = "state_update"
	eventCharacterAdded      = "character_added"
	eventCharacterRemoved    = "character_removed"
	eventCharacterDiffUpdate = "character_diff_update"
	eventMemberUpdated       = "member_updated"
	eventError               = "error"
)

type connectedEvent struct {
	Type               string                             `json:"type"`
	Version            int64                              `json:"version"`
	State              *domain.CampaignSnapshot           `json:"state"`
	Characters         map[string]domain.CharacterSummary `json:"characters"`
	CharacterClaimable map[string]bool                    `json:"characterClaimable"`
}

type versionEvent struct {
	Type    string `json:"type"`
	Version int64  `json:"version"`
}

type stateUpdateEvent struct {
	Type    string                  `json:"type"`
	Version int64                   `json:"version"`
	State   domain.CampaignSnapshot `json:"state"`
}

type characterAddedEvent struct {
	Type      string                  `json:"type"`
	Version   int64                   `json:"version"`
	Character domain.CharacterSummary `json:"character"`
	Claimable bool                    `json:"claimable"`
}

type characterRemovedEvent struct {
	Type        string `json:"type"`
	Version     int64  `json:"version"`
	CharacterID string `json:"characterId"`
}

// characterDiffUpdateEvent relays the raw updates; clients apply the same
// merge the coordinator applied to its cache.
type characterDiffUpdateEvent struct {
	Type        string          `json:"type"`
	Version     int64           `json:"version"`
	CharacterID string          `json:"characterId"`
	Updates     json.RawMessage `json:"updates,omitempty"`
	Claimable   *bool           `json:"claimable,omitempty"`
}

type memberUpdatedEvent struct {
	Type        string `json:"type"`
	Version     int64  `json:"version"`
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
}

type errorEvent struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}
