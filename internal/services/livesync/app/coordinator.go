package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	apperrors "github.com/louisbranch/campaign-livesync/internal/platform/errors"
	platformotel "github.com/louisbranch/campaign-livesync/internal/platform/otel"
	"github.com/louisbranch/campaign-livesync/internal/services/livesync/domain"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = platformotel.Tracer("github.com/louisbranch/campaign-livesync/internal/services/livesync")

// Coordinator is the single-writer authority for one campaign's live state.
//
// Every mutation and the broadcast it triggers run under mu, so all
// connections observe events in the same order with gapless versions.
type Coordinator struct {
	campaignID string
	now        func() time.Time

	mu         sync.Mutex
	snapshot   *domain.CampaignSnapshot
	characters map[string]domain.CharacterSummary
	claimable  map[string]bool
	version    int64
	peers      map[string]*livePeer
}

// NewCoordinator creates an empty coordinator at version 0.
func NewCoordinator(campaignID string) *Coordinator {
	return &Coordinator{
		campaignID: campaignID,
		now:        time.Now,
		characters: make(map[string]domain.CharacterSummary),
		claimable:  make(map[string]bool),
		peers:      make(map[string]*livePeer),
	}
}

// CampaignID returns the campaign this coordinator owns.
func (c *Coordinator) CampaignID() string {
	return c.campaignID
}

// Version returns the current version counter.
func (c *Coordinator) Version() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.version
}

// attach registers peer and sends it the full-state connected dump. The dump
// and the registration happen atomically, so the peer sees every later event.
func (c *Coordinator) attach(peer *livePeer) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.peers[peer.id] = peer
	characters := make(map[string]domain.CharacterSummary, len(c.characters))
	for id, summary := range c.characters {
		characters[id] = summary
	}
	claimable := make(map[string]bool, len(c.claimable))
	for id, flag := range c.claimable {
		claimable[id] = flag
	}
	c.sendLocked(peer, connectedEvent{
		Type:               eventConnected,
		Version:            c.version,
		State:              c.snapshot,
		Characters:         characters,
		CharacterClaimable: claimable,
	})
}

func (c *Coordinator) detach(peerID string) {
	c.mu.Lock()
	delete(c.peers, peerID)
	c.mu.Unlock()
}

func (c *Coordinator) closeConnections() {
	c.mu.Lock()
	peers := make([]*livePeer, 0, len(c.peers))
	for _, peer := range c.peers {
		peers = append(peers, peer)
	}
	c.mu.Unlock()

	for _, peer := range peers {
		peer.close()
	}
}

// Notify applies a validated write-path notification and broadcasts it.
//
// The returned error is always internal: validation happened at decode time.
func (c *Coordinator) Notify(ctx context.Context, n domain.Notification) (err error) {
	_, span := tracer.Start(ctx, "livesync.notify", trace.WithAttributes(
		attribute.String("campaign.id", c.campaignID),
		attribute.String("livesync.type", string(n.Type)),
	))
	defer span.End()
	defer func() {
		if recovered := recover(); recovered != nil {
			log.Printf("livesync: notification panic campaign=%q type=%q panic=%v", c.campaignID, n.Type, recovered)
			err = apperrors.New(apperrors.CodeInternal, fmt.Sprintf("notification handler panic: %v", recovered))
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(otelcodes.Error, err.Error())
		}
	}()

	c.mu.Lock()
	defer c.mu.Unlock()

	switch n.Type {
	case domain.NotificationCharacterAdded:
		c.characterAddedLocked(n)
	case domain.NotificationCharacterUpdated:
		c.characterUpdatedLocked(n)
	case domain.NotificationCharacterRemoved, domain.NotificationCharacterDeleted:
		c.characterRemovedLocked(n.CharacterID)
	case domain.NotificationMemberUpdated:
		c.version++
		c.broadcastLocked(memberUpdatedEvent{
			Type:        eventMemberUpdated,
			Version:     c.version,
			UserID:      n.UserID,
			DisplayName: n.DisplayName,
		})
	default:
		return apperrors.New(apperrors.CodeUnknownType, "unknown notification type")
	}
	span.SetAttributes(attribute.Int64("livesync.version", c.version))
	return nil
}

func (c *Coordinator) characterAddedLocked(n domain.Notification) {
	claimable := n.Claimable != nil && *n.Claimable
	c.claimable[n.CharacterID] = claimable

	character := domain.PlaceholderSummary(n.CharacterID)
	if n.Summary != nil {
		character = n.Summary.Clone()
		c.characters[n.CharacterID] = character
	}
	c.version++
	c.broadcastLocked(characterAddedEvent{
		Type:      eventCharacterAdded,
		Version:   c.version,
		Character: character,
		Claimable: claimable,
	})
}

func (c *Coordinator) characterUpdatedLocked(n domain.Notification) {
	changed := false
	if n.Claimable != nil {
		c.claimable[n.CharacterID] = *n.Claimable
		changed = true
	}
	if n.HasUpdates {
		// An unknown character stays unknown: a partial update is never
		// enough to fabricate a cache entry.
		if summary, ok := c.characters[n.CharacterID]; ok {
			c.characters[n.CharacterID] = summary.Merge(n.Patch)
		}
		changed = true
	}
	if !changed {
		return
	}
	c.version++
	c.broadcastLocked(characterDiffUpdateEvent{
		Type:        eventCharacterDiffUpdate,
		Version:     c.version,
		CharacterID: n.CharacterID,
		Updates:     n.Updates,
		Claimable:   c.claimableFlagLocked(n.CharacterID),
	})
}

func (c *Coordinator) characterRemovedLocked(characterID string) {
	delete(c.characters, characterID)
	delete(c.claimable, characterID)
	c.version++
	c.broadcastLocked(characterRemovedEvent{
		Type:        eventCharacterRemoved,
		Version:     c.version,
		CharacterID: characterID,
	})
}

// HandleMessage processes one message from a live connection. Failures are
// reported to that connection only; the connection stays open.
func (c *Coordinator) HandleMessage(ctx context.Context, peer *livePeer, raw []byte) {
	_, span := tracer.Start(ctx, "livesync.message", trace.WithAttributes(
		attribute.String("campaign.id", c.campaignID),
	))
	defer span.End()
	defer func() {
		if recovered := recover(); recovered != nil {
			log.Printf("livesync: message handler panic campaign=%q conn=%s user=%q panic=%v", c.campaignID, peer.id, peer.userID, recovered)
			span.SetStatus(otelcodes.Error, "panic")
			c.replyError(peer, apperrors.New(apperrors.CodeInternal, "internal error"))
		}
	}()

	msg, err := domain.DecodeClientMessage(raw)
	if err != nil {
		span.RecordError(err)
		c.replyError(peer, err)
		return
	}
	span.SetAttributes(attribute.String("livesync.type", string(msg.Type)))

	switch msg.Type {
	case domain.MessageRejoin:
		c.rejoin(peer, msg.LastKnownVersion)
	case domain.MessageUpdateState:
		c.updateState(msg.StatePatch)
	case domain.MessageUpdateCharacter:
		if err := c.updateCharacter(peer, msg); err != nil {
			span.RecordError(err)
			c.replyError(peer, err)
		}
	}
}

func (c *Coordinator) rejoin(peer *livePeer, lastKnownVersion *int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	eventType := eventAlreadySynced
	if lastKnownVersion == nil || *lastKnownVersion < c.version {
		eventType = eventRefreshRequired
	}
	c.sendLocked(peer, versionEvent{Type: eventType, Version: c.version})
}

// updateState applies a shared-state patch. Stale writes are dropped silently.
func (c *Coordinator) updateState(patch domain.StatePatch) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !patch.Accepts(c.snapshot) {
		return
	}
	next := patch.Apply(c.campaignID, c.snapshot, c.now().UnixMilli())
	c.snapshot = &next
	c.version++
	c.broadcastLocked(stateUpdateEvent{
		Type:    eventStateUpdate,
		Version: c.version,
		State:   next,
	})
}

// updateCharacter authorizes against the cached summary before merging.
func (c *Coordinator) updateCharacter(peer *livePeer, msg domain.ClientMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	summary, ok := c.characters[msg.CharacterID]
	if !ok {
		return apperrors.WithMetadata(apperrors.CodeRefreshRequired, "character is not loaded; refresh and retry", map[string]string{"characterId": msg.CharacterID})
	}
	if peer.role != domain.RoleGM && peer.userID != summary.OwnerUserID {
		return apperrors.WithMetadata(apperrors.CodePermissionDenied, "not allowed to update this character", map[string]string{"characterId": msg.CharacterID})
	}
	if msg.CharacterPatch.TouchesOwnership() && peer.role != domain.RoleGM {
		return apperrors.WithMetadata(apperrors.CodePermissionDenied, "only the gm can reassign a character", map[string]string{"characterId": msg.CharacterID})
	}

	c.characters[msg.CharacterID] = summary.Merge(msg.CharacterPatch)
	c.version++
	c.broadcastLocked(characterDiffUpdateEvent{
		Type:        eventCharacterDiffUpdate,
		Version:     c.version,
		CharacterID: msg.CharacterID,
		Updates:     msg.Updates,
		Claimable:   c.claimableFlagLocked(msg.CharacterID),
	})
	return nil
}

func (c *Coordinator) claimableFlagLocked(characterID string) *bool {
	flag, ok := c.claimable[characterID]
	if !ok {
		return nil
	}
	return &flag
}

// broadcastLocked fans one event out to every open connection. A failing
// recipient is logged, closed and unregistered; delivery to the rest continues.
//
// Sends run under mu, so a connection that stops reading holds the campaign
// for at most one write timeout before it is dropped.
func (c *Coordinator) broadcastLocked(event any) {
	payload, err := json.Marshal(event)
	if err != nil {
		log.Printf("livesync: marshal event campaign=%q err=%v", c.campaignID, err)
		return
	}
	for id, peer := range c.peers {
		if err := sendPayload(peer, payload); err != nil {
			log.Printf("livesync: broadcast send failed campaign=%q conn=%s user=%q err=%v", c.campaignID, peer.id, peer.userID, err)
			delete(c.peers, id)
			peer.close()
		}
	}
}

func (c *Coordinator) sendLocked(peer *livePeer, event any) {
	payload, err := json.Marshal(event)
	if err != nil {
		log.Printf("livesync: marshal event campaign=%q err=%v", c.campaignID, err)
		return
	}
	if err := sendPayload(peer, payload); err != nil {
		log.Printf("livesync: send failed campaign=%q conn=%s user=%q err=%v", c.campaignID, peer.id, peer.userID, err)
	}
}

func (c *Coordinator) replyError(peer *livePeer, err error) {
	event := errorEvent{Type: eventError, Message: "internal error", Code: string(apperrors.CodeInternal)}
	if domainErr, ok := apperrors.As(err); ok {
		event.Message = domainErr.Message
		event.Code = string(domainErr.Code)
	}
	payload, marshalErr := json.Marshal(event)
	if marshalErr != nil {
		log.Printf("livesync: marshal error event campaign=%q err=%v", c.campaignID, marshalErr)
		return
	}
	if sendErr := sendPayload(peer, payload); sendErr != nil {
		log.Printf("livesync: error reply failed campaign=%q conn=%s err=%v", c.campaignID, peer.id, sendErr)
	}
}

// sendPayload turns a panicking writer into an ordinary send error.
func sendPayload(peer *livePeer, payload []byte) (err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = fmt.Errorf("send panic: %v", recovered)
		}
	}()
	return peer.send(payload)
}
