// Package notifyclient lets write-path services push notifications to the
// live-sync gRPC ingress after they commit a change.
package notifyclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/louisbranch/campaign-livesync/internal/platform/discovery"
	"github.com/louisbranch/campaign-livesync/internal/platform/grpc"
	"github.com/louisbranch/campaign-livesync/internal/platform/timeouts"
	"github.com/louisbranch/campaign-livesync/internal/services/livesync/api/grpc/notification"
	"github.com/louisbranch/campaign-livesync/internal/services/livesync/domain"
	gogrpc "google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// Client sends notifications for any campaign over one connection.
type Client struct {
	rpc  *notification.Client
	conn *gogrpc.ClientConn
}

// Dial connects to the live-sync gRPC address and waits for the
// notification service to report healthy. An empty addr uses the in-network
// default.
func Dial(ctx context.Context, addr string) (*Client, error) {
	addr = discovery.OrDefaultGRPCAddr(addr, discovery.ServiceLiveSync)
	conn, err := grpc.DialWithHealth(ctx, addr, notification.ServiceName, timeouts.GRPCDial, log.Printf)
	if err != nil {
		return nil, fmt.Errorf("dial livesync %s: %w", addr, err)
	}
	client := New(conn)
	client.conn = conn
	return client, nil
}

// New wraps an existing connection. Close does not close cc.
func New(cc gogrpc.ClientConnInterface) *Client {
	return &Client{rpc: notification.NewClient(cc)}
}

// Close releases the connection opened by Dial.
func (c *Client) Close() error {
	if c == nil || c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

// CharacterAdded announces a new character. A nil summary announces the
// character without caching it.
func (c *Client) CharacterAdded(ctx context.Context, campaignID string, characterID string, summary *domain.CharacterSummary, claimable bool) error {
	body := map[string]any{
		"type":        string(domain.NotificationCharacterAdded),
		"characterId": characterID,
		"claimable":   claimable,
	}
	if summary != nil {
		value, err := toObject(summary)
		if err != nil {
			return fmt.Errorf("encode summary: %w", err)
		}
		body["summary"] = value
	}
	return c.notify(ctx, campaignID, body)
}

// CharacterUpdated relays a partial update. Either updates or claimable may
// be omitted; with neither the notification is a no-op.
func (c *Client) CharacterUpdated(ctx context.Context, campaignID string, characterID string, updates *domain.CharacterPatch, claimable *bool) error {
	body := map[string]any{
		"type":        string(domain.NotificationCharacterUpdated),
		"characterId": characterID,
	}
	if updates != nil {
		value, err := toObject(updates)
		if err != nil {
			return fmt.Errorf("encode updates: %w", err)
		}
		body["updates"] = value
	}
	if claimable != nil {
		body["claimable"] = *claimable
	}
	return c.notify(ctx, campaignID, body)
}

// CharacterRemoved announces that a character left the campaign.
func (c *Client) CharacterRemoved(ctx context.Context, campaignID string, characterID string) error {
	return c.notify(ctx, campaignID, map[string]any{
		"type":        string(domain.NotificationCharacterRemoved),
		"characterId": characterID,
	})
}

// MemberUpdated announces a member's new display name.
func (c *Client) MemberUpdated(ctx context.Context, campaignID string, userID string, displayName string) error {
	return c.notify(ctx, campaignID, map[string]any{
		"type":        string(domain.NotificationMemberUpdated),
		"userId":      userID,
		"displayName": displayName,
	})
}

func (c *Client) notify(ctx context.Context, campaignID string, body map[string]any) error {
	if c == nil || c.rpc == nil {
		return errors.New("livesync client is not configured")
	}
	campaignID = strings.TrimSpace(campaignID)
	if campaignID == "" {
		return errors.New("campaign id is required")
	}
	req, err := structpb.NewStruct(map[string]any{
		notification.FieldCampaignID:   campaignID,
		notification.FieldNotification: body,
	})
	if err != nil {
		return fmt.Errorf("build notification: %w", err)
	}

	callCtx, cancel := context.WithTimeout(ctx, timeouts.GRPCRequest)
	defer cancel()
	if _, err := c.rpc.Notify(callCtx, req); err != nil {
		return fmt.Errorf("notify %s campaign %s: %w", body["type"], campaignID, err)
	}
	return nil
}

// toObject flattens a JSON-tagged value into the generic map structpb
// accepts, so the notification carries the HTTP body's field names.
func toObject(v any) (map[string]any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var object map[string]any
	if err := json.Unmarshal(raw, &object); err != nil {
		return nil, err
	}
	return object, nil
}
