package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"slices"

	apperrors "github.com/louisbranch/campaign-livesync/internal/platform/errors"
)

// Countdown is a GM-managed tracker shown alongside the fear track.
type Countdown struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Current int    `json:"current"`
	Max     int    `json:"max"`
	Visible bool   `json:"visible"`
}

// CampaignSnapshot is the shared GM/player session state of one campaign.
//
// UpdatedAt is Unix milliseconds and never decreases across accepted writes.
type CampaignSnapshot struct {
	CampaignID  string      `json:"campaign_id"`
	FearTrack   int         `json:"fear_track"`
	FearVisible bool        `json:"fear_visible"`
	Notes       string      `json:"notes"`
	Countdowns  []Countdown `json:"countdowns"`
	InviteCode  string      `json:"invite_code"`
	UpdatedAt   int64       `json:"updated_at"`
}

// NewCampaignSnapshot returns the defaults a snapshot starts from.
func NewCampaignSnapshot(campaignID string) CampaignSnapshot {
	return CampaignSnapshot{
		CampaignID: campaignID,
		Countdowns: []Countdown{},
	}
}

// Clone returns a copy that shares no slices with s.
func (s CampaignSnapshot) Clone() CampaignSnapshot {
	s.Countdowns = slices.Clone(s.Countdowns)
	if s.Countdowns == nil {
		s.Countdowns = []Countdown{}
	}
	return s
}

// StatePatch is a partial shared-state update. Nil fields are left untouched.
type StatePatch struct {
	FearTrack   *int         `json:"fear_track,omitempty"`
	FearVisible *bool        `json:"fear_visible,omitempty"`
	Notes       *string      `json:"notes,omitempty"`
	Countdowns  *[]Countdown `json:"countdowns,omitempty"`
	InviteCode  *string      `json:"invite_code,omitempty"`
	UpdatedAt   *int64       `json:"updated_at,omitempty"`
}

// DecodeStatePatch parses the updates object of an update_state message with
// the same strictness as character updates. The fear track is a counter, so a
// negative value is rejected.
func DecodeStatePatch(raw json.RawMessage) (StatePatch, error) {
	if !isJSONObject(raw) {
		return StatePatch{}, apperrors.WithMetadata(apperrors.CodeInvalidArgument, "updates must be an object", map[string]string{"field": "updates"})
	}
	if err := checkMembers(raw, "updates", statePatchMembers); err != nil {
		return StatePatch{}, err
	}

	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.DisallowUnknownFields()
	var patch StatePatch
	if err := decoder.Decode(&patch); err != nil {
		return StatePatch{}, apperrors.Wrap(apperrors.CodeInvalidArgument, "invalid state updates", err)
	}
	if patch.FearTrack != nil && *patch.FearTrack < 0 {
		return StatePatch{}, apperrors.WithMetadata(apperrors.CodeInvalidArgument, "fear_track must be >= 0", map[string]string{"field": "fear_track"})
	}
	return patch, nil
}

// Accepts reports whether the patch may be applied on top of current.
// A write whose timestamp is not newer than the stored one is stale.
func (p StatePatch) Accepts(current *CampaignSnapshot) bool {
	if current == nil || p.UpdatedAt == nil {
		return true
	}
	return *p.UpdatedAt > current.UpdatedAt
}

// Apply shallow-merges the patch into current, or into defaults when there is
// no snapshot yet. nowMillis stamps the result when the patch carries no
// timestamp; the stored timestamp never moves backwards.
func (p StatePatch) Apply(campaignID string, current *CampaignSnapshot, nowMillis int64) CampaignSnapshot {
	next := NewCampaignSnapshot(campaignID)
	if current != nil {
		next = current.Clone()
	}
	if p.FearTrack != nil {
		next.FearTrack = *p.FearTrack
	}
	if p.FearVisible != nil {
		next.FearVisible = *p.FearVisible
	}
	if p.Notes != nil {
		next.Notes = *p.Notes
	}
	if p.Countdowns != nil {
		next.Countdowns = slices.Clone(*p.Countdowns)
		if next.Countdowns == nil {
			next.Countdowns = []Countdown{}
		}
	}
	if p.InviteCode != nil {
		next.InviteCode = *p.InviteCode
	}
	switch {
	case p.UpdatedAt != nil:
		next.UpdatedAt = *p.UpdatedAt
	case nowMillis > next.UpdatedAt:
		next.UpdatedAt = nowMillis
	}
	return next
}

func isJSONObject(raw json.RawMessage) bool {
	for _, b := range raw {
		switch b {
		case ' ', '\t', '\n', '\r':
			continue
		case '{':
			return true
		default:
			return false
		}
	}
	return false
}

func fieldError(field string, format string, args ...any) error {
	return apperrors.WithMetadata(apperrors.CodeInvalidArgument, fmt.Sprintf(format, args...), map[string]string{"field": field})
}
