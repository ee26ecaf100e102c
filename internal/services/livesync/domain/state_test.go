package domain

import (
	"encoding/json"
	"testing"
)

func int64Ptr(v int64) *int64 { return &v }

func TestStatePatchAcceptsRejectsStaleTimestamps(t *testing.T) {
	current := &CampaignSnapshot{UpdatedAt: 100}

	tests := []struct {
		name      string
		updatedAt *int64
		want      bool
	}{
		{name: "older", updatedAt: int64Ptr(99), want: false},
		{name: "equal", updatedAt: int64Ptr(100), want: false},
		{name: "newer", updatedAt: int64Ptr(101), want: true},
		{name: "absent", updatedAt: nil, want: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			patch := StatePatch{UpdatedAt: tt.updatedAt}
			if got := patch.Accepts(current); got != tt.want {
				t.Fatalf("Accepts = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestStatePatchAcceptsAnythingWithoutSnapshot(t *testing.T) {
	if !(StatePatch{UpdatedAt: int64Ptr(0)}).Accepts(nil) {
		t.Fatal("expected first write to be accepted")
	}
}

func TestStatePatchApplyInitializesDefaults(t *testing.T) {
	patch, err := DecodeStatePatch(json.RawMessage(`{"fear_track":3}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	got := patch.Apply("camp-1", nil, 5000)

	if got.CampaignID != "camp-1" {
		t.Fatalf("campaign id = %q", got.CampaignID)
	}
	if got.FearTrack != 3 {
		t.Fatalf("fear_track = %d, want 3", got.FearTrack)
	}
	if got.Countdowns == nil {
		t.Fatal("countdowns must default to an empty list")
	}
	if got.UpdatedAt != 5000 {
		t.Fatalf("updated_at = %d, want 5000", got.UpdatedAt)
	}
}

func TestStatePatchApplyShallowMerges(t *testing.T) {
	current := &CampaignSnapshot{
		CampaignID:  "camp-1",
		FearTrack:   2,
		Notes:       "ambush at dusk",
		Countdowns:  []Countdown{{ID: "cd1", Name: "Ritual", Current: 3, Max: 6}},
		InviteCode:  "XYZ",
		UpdatedAt:   100,
		FearVisible: true,
	}
	patch, err := DecodeStatePatch(json.RawMessage(`{"countdowns":[{"id":"cd2","name":"Collapse","current":1,"max":4}],"updated_at":200}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	got := patch.Apply("camp-1", current, 150)

	if len(got.Countdowns) != 1 || got.Countdowns[0].ID != "cd2" {
		t.Fatalf("countdowns = %+v, want replaced list", got.Countdowns)
	}
	if got.FearTrack != 2 || got.Notes != "ambush at dusk" || got.InviteCode != "XYZ" || !got.FearVisible {
		t.Fatalf("untouched fields changed: %+v", got)
	}
	if got.UpdatedAt != 200 {
		t.Fatalf("updated_at = %d, want 200", got.UpdatedAt)
	}
	if current.Countdowns[0].ID != "cd1" {
		t.Fatal("apply mutated the current snapshot")
	}
}

func TestStatePatchApplyNeverMovesTimestampBackwards(t *testing.T) {
	current := &CampaignSnapshot{UpdatedAt: 9000}
	got := StatePatch{}.Apply("camp-1", current, 5000)
	if got.UpdatedAt != 9000 {
		t.Fatalf("updated_at = %d, want 9000", got.UpdatedAt)
	}
}

func TestDecodeStatePatchValidates(t *testing.T) {
	invalid := []string{
		`"text"`,
		`[]`,
		`{"fear_track":-1}`,
		`{"fear_track":"many"}`,
		`{"FEAR_TRACK":2}`,
		`{"campaign_id":"camp-2"}`,
		`{"notes":null}`,
		`{"countdowns":[null]}`,
		`{"countdowns":[{"id":"cd1","Current":2}]}`,
		`{"countdowns":[{"id":"cd1","ticks":2}]}`,
	}
	for _, raw := range invalid {
		if _, err := DecodeStatePatch(json.RawMessage(raw)); err == nil {
			t.Fatalf("expected error for %s", raw)
		}
	}
}

func TestDecodeStatePatchAcceptsKnownMembers(t *testing.T) {
	raw := `{"fear_track":0,"fear_visible":false,"notes":"","invite_code":"AB","updated_at":1,"countdowns":[{"id":"cd1","name":"Storm","current":1,"max":4,"visible":true}]}`
	patch, err := DecodeStatePatch(json.RawMessage(raw))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if patch.Countdowns == nil || len(*patch.Countdowns) != 1 || !(*patch.Countdowns)[0].Visible {
		t.Fatalf("countdowns = %+v", patch.Countdowns)
	}
}
