package server

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/louisbranch/campaign-livesync/internal/services/livesync/domain"
)

type recordingWriter struct {
	mu       sync.Mutex
	frames   [][]byte
	attempts int
	fail     bool
	panics   bool
}

func (w *recordingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.attempts++
	if w.panics {
		panic("writer exploded")
	}
	if w.fail {
		return 0, errors.New("connection reset by peer")
	}
	w.frames = append(w.frames, append([]byte(nil), p...))
	return len(p), nil
}

type testEvent struct {
	Type               string                             `json:"type"`
	Version            int64                              `json:"version"`
	State              *domain.CampaignSnapshot           `json:"state"`
	Characters         map[string]domain.CharacterSummary `json:"characters"`
	CharacterClaimable map[string]bool                    `json:"characterClaimable"`
	Character          *domain.CharacterSummary           `json:"character"`
	CharacterID        string                             `json:"characterId"`
	Updates            json.RawMessage                    `json:"updates"`
	Claimable          *bool                              `json:"claimable"`
	UserID             string                             `json:"userId"`
	DisplayName        string                             `json:"displayName"`
	Message            string                             `json:"message"`
	Code               string                             `json:"code"`
}

func (w *recordingWriter) events(t *testing.T) []testEvent {
	t.Helper()
	w.mu.Lock()
	defer w.mu.Unlock()
	events := make([]testEvent, 0, len(w.frames))
	for _, frame := range w.frames {
		var event testEvent
		if err := json.Unmarshal(frame, &event); err != nil {
			t.Fatalf("decode frame %s: %v", frame, err)
		}
		events = append(events, event)
	}
	return events
}

func (w *recordingWriter) last(t *testing.T) testEvent {
	t.Helper()
	events := w.events(t)
	if len(events) == 0 {
		t.Fatal("expected at least one event")
	}
	return events[len(events)-1]
}

func attachTestPeer(t *testing.T, c *Coordinator, id string, userID string, role domain.Role) (*livePeer, *recordingWriter) {
	t.Helper()
	out := &recordingWriter{}
	peer := newLivePeer(id, userID, role, out)
	c.attach(peer)
	return peer, out
}

func notify(t *testing.T, c *Coordinator, body string) {
	t.Helper()
	n, err := domain.DecodeNotification([]byte(body))
	if err != nil {
		t.Fatalf("decode notification %s: %v", body, err)
	}
	if err := c.Notify(context.Background(), n); err != nil {
		t.Fatalf("notify %s: %v", body, err)
	}
}

const addC1 = `{"type":"character_added","characterId":"c1","summary":{"name":"Marlowe","owner_user_id":"u1","marked_hp":0,"stats":{"max_hp":6,"evasion":12}},"claimable":true}`

func TestCoordinatorStartsEmpty(t *testing.T) {
	c := NewCoordinator("camp-1")
	_, out := attachTestPeer(t, c, "p1", "u1", domain.RolePlayer)

	got := out.last(t)
	if got.Type != eventConnected || got.Version != 0 {
		t.Fatalf("connected = %+v, want version 0", got)
	}
	if got.State != nil {
		t.Fatalf("state = %+v, want null", got.State)
	}
	if len(got.Characters) != 0 || len(got.CharacterClaimable) != 0 {
		t.Fatalf("expected empty caches, got %+v", got)
	}
}

func TestVersionsAreGaplessAndSkipRejectedOperations(t *testing.T) {
	c := NewCoordinator("camp-1")
	peer, out := attachTestPeer(t, c, "p1", "u2", domain.RolePlayer)

	notify(t, c, addC1)
	notify(t, c, `{"type":"character_updated","characterId":"c1"}`)                                 // no-op
	c.HandleMessage(context.Background(), peer, []byte(`{"type":"update_character","characterId":"c1","updates":{"marked_hp":1}}`)) // forbidden
	c.HandleMessage(context.Background(), peer, []byte(`{"type":"update_state","updates":{"fear_track":1,"updated_at":10}}`))
	c.HandleMessage(context.Background(), peer, []byte(`{"type":"update_state","updates":{"fear_track":2,"updated_at":10}}`)) // stale
	notify(t, c, `{"type":"member_updated","userId":"u2","displayName":"Ash"}`)
	notify(t, c, `{"type":"character_updated","characterId":"c1","updates":{"level":3}}`)
	notify(t, c, `{"type":"character_deleted","characterId":"c1"}`)

	var versions []int64
	for _, event := range out.events(t) {
		switch event.Type {
		case eventConnected, eventError:
			continue
		}
		versions = append(versions, event.Version)
	}
	want := []int64{1, 2, 3, 4, 5}
	if len(versions) != len(want) {
		t.Fatalf("versions = %v, want %v", versions, want)
	}
	for i := range want {
		if versions[i] != want[i] {
			t.Fatalf("versions = %v, want %v", versions, want)
		}
	}
	if c.Version() != 5 {
		t.Fatalf("version = %d, want 5", c.Version())
	}
}

func TestUpdateStateRejectsStaleWrites(t *testing.T) {
	c := NewCoordinator("camp-1")
	peer, out := attachTestPeer(t, c, "p1", "gm-1", domain.RoleGM)
	ctx := context.Background()

	c.HandleMessage(ctx, peer, []byte(`{"type":"update_state","updates":{"fear_track":4,"updated_at":1000}}`))
	if c.Version() != 1 {
		t.Fatalf("version = %d, want 1", c.Version())
	}
	frames := len(out.events(t))

	c.HandleMessage(ctx, peer, []byte(`{"type":"update_state","updates":{"fear_track":9,"updated_at":1000}}`))
	c.HandleMessage(ctx, peer, []byte(`{"type":"update_state","updates":{"fear_track":9,"updated_at":999}}`))
	if c.Version() != 1 {
		t.Fatalf("version = %d after stale writes, want 1", c.Version())
	}
	if got := len(out.events(t)); got != frames {
		t.Fatalf("stale writes produced %d extra events", got-frames)
	}
	if c.snapshot.FearTrack != 4 {
		t.Fatalf("fear_track = %d, want 4", c.snapshot.FearTrack)
	}

	c.HandleMessage(ctx, peer, []byte(`{"type":"update_state","updates":{"fear_track":5,"updated_at":1001}}`))
	got := out.last(t)
	if got.Type != eventStateUpdate || got.Version != 2 {
		t.Fatalf("event = %+v, want state_update v2", got)
	}
	if got.State == nil || got.State.FearTrack != 5 || got.State.UpdatedAt != 1001 || got.State.CampaignID != "camp-1" {
		t.Fatalf("state = %+v", got.State)
	}
}

func TestUpdateStateBroadcastsWholeSnapshot(t *testing.T) {
	c := NewCoordinator("camp-1")
	c.now = func() time.Time { return time.UnixMilli(5000) }
	peer, out := attachTestPeer(t, c, "p1", "gm-1", domain.RoleGM)
	ctx := context.Background()

	c.HandleMessage(ctx, peer, []byte(`{"type":"update_state","updates":{"notes":"the bridge is out","invite_code":"ABCD"}}`))
	c.HandleMessage(ctx, peer, []byte(`{"type":"update_state","updates":{"fear_visible":true}}`))

	got := out.last(t)
	if got.State == nil {
		t.Fatal("expected state")
	}
	if got.State.Notes != "the bridge is out" || got.State.InviteCode != "ABCD" || !got.State.FearVisible {
		t.Fatalf("state = %+v, want merged snapshot", got.State)
	}
	if got.State.UpdatedAt != 5000 {
		t.Fatalf("updated_at = %d, want 5000", got.State.UpdatedAt)
	}
}

func TestCharacterUpdatedNeverFabricatesCacheEntries(t *testing.T) {
	c := NewCoordinator("camp-1")
	_, out := attachTestPeer(t, c, "p1", "u1", domain.RolePlayer)

	notify(t, c, `{"type":"character_updated","characterId":"ghost","updates":{"marked_hp":3},"claimable":true}`)

	if _, ok := c.characters["ghost"]; ok {
		t.Fatal("update created a cache entry")
	}
	if flag, ok := c.claimable["ghost"]; !ok || !flag {
		t.Fatalf("claimable = %v, %v; want true", flag, ok)
	}
	got := out.last(t)
	if got.Type != eventCharacterDiffUpdate || got.Version != 1 || got.CharacterID != "ghost" {
		t.Fatalf("event = %+v", got)
	}
}

func TestCharacterUpdatedRelaysRawUpdates(t *testing.T) {
	c := NewCoordinator("camp-1")
	_, out := attachTestPeer(t, c, "p1", "u1", domain.RolePlayer)
	notify(t, c, addC1)

	notify(t, c, `{"type":"character_updated","characterId":"c1","updates":{"stats":{"evasion":14}}}`)

	cached := c.characters["c1"]
	if cached.Stats.Evasion != 14 || cached.Stats.MaxHP != 6 {
		t.Fatalf("cached stats = %+v, want deep merge", cached.Stats)
	}
	got := out.last(t)
	if string(got.Updates) != `{"stats":{"evasion":14}}` {
		t.Fatalf("updates = %s, want raw updates", got.Updates)
	}
	if got.Claimable == nil || !*got.Claimable {
		t.Fatalf("claimable = %v, want current flag true", got.Claimable)
	}
}

func TestCharacterUpdatedWithoutChangesIsNoop(t *testing.T) {
	c := NewCoordinator("camp-1")
	_, out := attachTestPeer(t, c, "p1", "u1", domain.RolePlayer)
	notify(t, c, addC1)
	before := len(out.events(t))

	notify(t, c, `{"type":"character_updated","characterId":"c1","updates":{}}`)

	if c.Version() != 1 {
		t.Fatalf("version = %d, want 1", c.Version())
	}
	if len(out.events(t)) != before {
		t.Fatal("no-op update broadcast an event")
	}
}

func TestCharacterAddedWithoutSummaryBroadcastsPlaceholder(t *testing.T) {
	c := NewCoordinator("camp-1")
	_, out := attachTestPeer(t, c, "p1", "u1", domain.RolePlayer)

	notify(t, c, `{"type":"character_added","characterId":"c7"}`)

	got := out.last(t)
	if got.Type != eventCharacterAdded || got.Version != 1 {
		t.Fatalf("event = %+v", got)
	}
	if got.Character == nil || got.Character.ID != "c7" || got.Character.Conditions == nil {
		t.Fatalf("character = %+v, want zero-valued placeholder", got.Character)
	}
	if got.Claimable == nil || *got.Claimable {
		t.Fatalf("claimable = %v, want false", got.Claimable)
	}
	if _, ok := c.characters["c7"]; ok {
		t.Fatal("placeholder must not be cached")
	}
	if flag, ok := c.claimable["c7"]; !ok || flag {
		t.Fatalf("claimable flag = %v, %v; want false, true", flag, ok)
	}
}

func TestCharacterRemovedClearsBothCaches(t *testing.T) {
	c := NewCoordinator("camp-1")
	_, out := attachTestPeer(t, c, "p1", "u1", domain.RolePlayer)
	notify(t, c, addC1)

	notify(t, c, `{"type":"character_removed","characterId":"c1"}`)
	notify(t, c, `{"type":"character_removed","characterId":"never-existed"}`)

	if _, ok := c.characters["c1"]; ok {
		t.Fatal("summary not removed")
	}
	if _, ok := c.claimable["c1"]; ok {
		t.Fatal("claimable flag not removed")
	}
	got := out.last(t)
	if got.Type != eventCharacterRemoved || got.Version != 3 || got.CharacterID != "never-existed" {
		t.Fatalf("event = %+v", got)
	}
}

func TestMemberUpdatedBroadcasts(t *testing.T) {
	c := NewCoordinator("camp-1")
	_, out := attachTestPeer(t, c, "p1", "u1", domain.RolePlayer)

	notify(t, c, `{"type":"member_updated","userId":"u9","displayName":"Quill"}`)

	got := out.last(t)
	if got.Type != eventMemberUpdated || got.Version != 1 || got.UserID != "u9" || got.DisplayName != "Quill" {
		t.Fatalf("event = %+v", got)
	}
}

func TestUpdateCharacterAuthorization(t *testing.T) {
	tests := []struct {
		name    string
		userID  string
		role    domain.Role
		allowed bool
	}{
		{name: "other player", userID: "u2", role: domain.RolePlayer, allowed: false},
		{name: "gm", userID: "u2", role: domain.RoleGM, allowed: true},
		{name: "owner", userID: "u1", role: domain.RolePlayer, allowed: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewCoordinator("camp-1")
			notify(t, c, addC1)
			peer, out := attachTestPeer(t, c, "actor", tt.userID, tt.role)
			_, bystander := attachTestPeer(t, c, "bystander", "u3", domain.RolePlayer)

			c.HandleMessage(context.Background(), peer, []byte(`{"type":"update_character","characterId":"c1","updates":{"marked_hp":2}}`))

			if !tt.allowed {
				got := out.last(t)
				if got.Type != eventError || got.Code != "PERMISSION_DENIED" {
					t.Fatalf("event = %+v, want permission error", got)
				}
				if len(bystander.events(t)) != 1 {
					t.Fatalf("bystander received %d events, want only connected", len(bystander.events(t)))
				}
				if c.characters["c1"].MarkedHP != 0 || c.Version() != 1 {
					t.Fatal("rejected update mutated state")
				}
				return
			}
			got := bystander.last(t)
			if got.Type != eventCharacterDiffUpdate || got.Version != 2 {
				t.Fatalf("event = %+v, want diff v2", got)
			}
			if c.characters["c1"].MarkedHP != 2 {
				t.Fatalf("marked_hp = %d, want 2", c.characters["c1"].MarkedHP)
			}
		})
	}
}

func TestUpdateCharacterUnknownRequiresRefresh(t *testing.T) {
	c := NewCoordinator("camp-1")
	peer, out := attachTestPeer(t, c, "p1", "gm-1", domain.RoleGM)

	c.HandleMessage(context.Background(), peer, []byte(`{"type":"update_character","characterId":"c1","updates":{"marked_hp":2}}`))

	got := out.last(t)
	if got.Type != eventError || got.Code != "REFRESH_REQUIRED" {
		t.Fatalf("event = %+v, want refresh error", got)
	}
	if c.Version() != 0 {
		t.Fatalf("version = %d, want 0", c.Version())
	}
}

func TestUpdateCharacterOwnershipChangeRequiresGM(t *testing.T) {
	c := NewCoordinator("camp-1")
	notify(t, c, addC1)
	owner, out := attachTestPeer(t, c, "owner", "u1", domain.RolePlayer)
	gm, _ := attachTestPeer(t, c, "gm", "gm-1", domain.RoleGM)

	c.HandleMessage(context.Background(), owner, []byte(`{"type":"update_character","characterId":"c1","updates":{"owner_user_id":"u2"}}`))
	if got := out.last(t); got.Type != eventError || got.Code != "PERMISSION_DENIED" {
		t.Fatalf("event = %+v, want permission error", got)
	}

	c.HandleMessage(context.Background(), gm, []byte(`{"type":"update_character","characterId":"c1","updates":{"owner_user_id":"u2"}}`))
	if c.characters["c1"].OwnerUserID != "u2" {
		t.Fatalf("owner = %q, want u2", c.characters["c1"].OwnerUserID)
	}
}

func TestRejoinStaleness(t *testing.T) {
	c := NewCoordinator("camp-1")
	for i := 0; i < 5; i++ {
		notify(t, c, `{"type":"member_updated","userId":"u1","displayName":"Ash"}`)
	}
	peer, out := attachTestPeer(t, c, "p1", "u1", domain.RolePlayer)

	tests := []struct {
		raw  string
		want string
	}{
		{raw: `{"type":"rejoin","lastKnownVersion":3}`, want: eventRefreshRequired},
		{raw: `{"type":"rejoin","lastKnownVersion":5}`, want: eventAlreadySynced},
		{raw: `{"type":"rejoin"}`, want: eventRefreshRequired},
	}
	for _, tt := range tests {
		c.HandleMessage(context.Background(), peer, []byte(tt.raw))
		got := out.last(t)
		if got.Type != tt.want || got.Version != 5 {
			t.Fatalf("%s -> %+v, want %s{version:5}", tt.raw, got, tt.want)
		}
	}
	if c.Version() != 5 {
		t.Fatalf("rejoin changed version to %d", c.Version())
	}
}

func TestBroadcastIsolatesFailingConnections(t *testing.T) {
	for _, mode := range []string{"error", "panic"} {
		t.Run(mode, func(t *testing.T) {
			c := NewCoordinator("camp-1")
			_, first := attachTestPeer(t, c, "p1", "u1", domain.RolePlayer)
			_, second := attachTestPeer(t, c, "p2", "u2", domain.RolePlayer)
			_, third := attachTestPeer(t, c, "p3", "u3", domain.RolePlayer)
			second.mu.Lock()
			if mode == "panic" {
				second.panics = true
			} else {
				second.fail = true
			}
			second.mu.Unlock()

			n, err := domain.DecodeNotification([]byte(addC1))
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			if err := c.Notify(context.Background(), n); err != nil {
				t.Fatalf("notify returned error: %v", err)
			}

			for name, out := range map[string]*recordingWriter{"first": first, "third": third} {
				got := out.last(t)
				if got.Type != eventCharacterAdded || got.Version != 1 {
					t.Fatalf("%s connection got %+v, want character_added v1", name, got)
				}
			}
		})
	}
}

func TestBroadcastDropsFailedConnection(t *testing.T) {
	c := NewCoordinator("camp-1")
	_, healthy := attachTestPeer(t, c, "p1", "u1", domain.RolePlayer)
	_, stuck := attachTestPeer(t, c, "p2", "u2", domain.RolePlayer)
	stuck.mu.Lock()
	stuck.fail = true
	stuck.mu.Unlock()

	notify(t, c, addC1)
	notify(t, c, `{"type":"member_updated","userId":"u1","displayName":"Ash"}`)
	notify(t, c, `{"type":"character_removed","characterId":"c1"}`)

	stuck.mu.Lock()
	attempts := stuck.attempts
	stuck.mu.Unlock()
	// One connected dump plus the single failed broadcast.
	if attempts != 2 {
		t.Fatalf("write attempts on failed connection = %d, want 2", attempts)
	}
	c.mu.Lock()
	_, registered := c.peers["p2"]
	c.mu.Unlock()
	if registered {
		t.Fatal("failed connection still registered")
	}
	if got := healthy.last(t); got.Type != eventCharacterRemoved || got.Version != 3 {
		t.Fatalf("healthy connection got %+v, want character_removed v3", got)
	}
}

func TestUpdateCharacterRejectsKeysTheCacheWouldMisread(t *testing.T) {
	for _, updates := range []string{
		`{"MARKED_HP":4}`,
		`{"Owner_User_Id":"u1"}`,
		`{"stats":{"Evasion":14}}`,
		`{"conditions":[null,"vulnerable"]}`,
	} {
		t.Run(updates, func(t *testing.T) {
			c := NewCoordinator("camp-1")
			notify(t, c, addC1)
			owner, out := attachTestPeer(t, c, "owner", "u1", domain.RolePlayer)
			_, bystander := attachTestPeer(t, c, "bystander", "u3", domain.RolePlayer)

			c.HandleMessage(context.Background(), owner, []byte(`{"type":"update_character","characterId":"c1","updates":`+updates+`}`))

			if got := out.last(t); got.Type != eventError || got.Code != "INVALID_ARGUMENT" {
				t.Fatalf("event = %+v, want invalid argument error", got)
			}
			if len(bystander.events(t)) != 1 {
				t.Fatal("rejected update was broadcast")
			}
			cached := c.characters["c1"]
			if c.Version() != 1 || cached.MarkedHP != 0 || cached.Stats.Evasion != 12 || len(cached.Conditions) != 0 {
				t.Fatalf("rejected update changed state: version=%d cached=%+v", c.Version(), cached)
			}
		})
	}
}

func TestMalformedMessagesReplyWithErrorOnly(t *testing.T) {
	c := NewCoordinator("camp-1")
	peer, out := attachTestPeer(t, c, "p1", "u1", domain.RolePlayer)
	_, other := attachTestPeer(t, c, "p2", "u2", domain.RolePlayer)

	for _, raw := range []string{`nope`, `{"type":"teleport"}`, `{"type":"update_state"}`} {
		c.HandleMessage(context.Background(), peer, []byte(raw))
		if got := out.last(t); got.Type != eventError || got.Message == "" {
			t.Fatalf("%s -> %+v, want error event", raw, got)
		}
	}
	if len(other.events(t)) != 1 {
		t.Fatalf("other connection received %d events, want only connected", len(other.events(t)))
	}
	if c.Version() != 0 {
		t.Fatalf("version = %d, want 0", c.Version())
	}
}

func TestEndToEndScenario(t *testing.T) {
	c := NewCoordinator("camp-1")
	owner, ownerOut := attachTestPeer(t, c, "owner", "u1", domain.RolePlayer)

	notify(t, c, addC1)
	added := ownerOut.last(t)
	if added.Type != eventCharacterAdded || added.Version != 1 || added.Character == nil || added.Character.Name != "Marlowe" {
		t.Fatalf("added = %+v", added)
	}

	c.HandleMessage(context.Background(), owner, []byte(`{"type":"update_character","characterId":"c1","updates":{"marked_hp":2}}`))
	diff := ownerOut.last(t)
	if diff.Type != eventCharacterDiffUpdate || diff.Version != 2 || diff.CharacterID != "c1" || string(diff.Updates) != `{"marked_hp":2}` {
		t.Fatalf("diff = %+v (updates %s)", diff, diff.Updates)
	}

	_, lateOut := attachTestPeer(t, c, "late", "u2", domain.RolePlayer)
	connected := lateOut.last(t)
	if connected.Type != eventConnected || connected.Version != 2 {
		t.Fatalf("connected = %+v", connected)
	}
	if connected.Characters["c1"].MarkedHP != 2 || connected.Characters["c1"].Name != "Marlowe" {
		t.Fatalf("characters = %+v", connected.Characters)
	}
	if !connected.CharacterClaimable["c1"] {
		t.Fatalf("characterClaimable = %+v", connected.CharacterClaimable)
	}
}

func TestDetachStopsDelivery(t *testing.T) {
	c := NewCoordinator("camp-1")
	peer, out := attachTestPeer(t, c, "p1", "u1", domain.RolePlayer)
	c.detach(peer.id)

	notify(t, c, addC1)

	if len(out.events(t)) != 1 {
		t.Fatalf("detached peer received %d events, want only connected", len(out.events(t)))
	}
}

func mustNotification(t *testing.T, body string) domain.Notification {
	t.Helper()
	n, err := domain.DecodeNotification([]byte(body))
	if err != nil {
		t.Fatalf("decode notification %s: %v", body, err)
	}
	return n
}
