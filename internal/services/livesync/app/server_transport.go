package server

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	apperrors "github.com/louisbranch/campaign-livesync/internal/platform/errors"
	"github.com/louisbranch/campaign-livesync/internal/platform/requestctx"
	"github.com/louisbranch/campaign-livesync/internal/platform/timeouts"
	"github.com/louisbranch/campaign-livesync/internal/services/livesync/domain"
	"golang.org/x/net/websocket"
)

const (
	headerUserID   = "X-User-Id"
	headerUserRole = "X-User-Role"

	maxNotificationBytes  = 256 * 1024
	maxFramePayloadBytes  = 64 * 1024
	campaignIDPathValue   = "campaignID"
	liveRoutePattern      = "/campaigns/{campaignID}/live"
	healthRoutePattern    = "/up"
	internalErrorResponse = "internal error"
)

type notifyResponse struct {
	Success bool `json:"success"`
}

type errorResponse struct {
	Error   string            `json:"error"`
	Details map[string]string `json:"details,omitempty"`
}

type liveHandler struct {
	hub          *coordinatorHub
	writeTimeout time.Duration
}

// NewHandler creates the live-sync routes backed by a fresh coordinator hub.
func NewHandler() http.Handler {
	return newHandler(newCoordinatorHub(), timeouts.WebSocketWrite)
}

func newHandler(hub *coordinatorHub, writeTimeout time.Duration) http.Handler {
	h := &liveHandler{hub: hub, writeTimeout: writeTimeout}
	mux := http.NewServeMux()
	mux.HandleFunc(healthRoutePattern, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	mux.HandleFunc(liveRoutePattern, h.serveLive)
	return mux
}

// serveLive splits one campaign URL into the connection path (upgrade
// requests) and the notification path (POST).
func (h *liveHandler) serveLive(w http.ResponseWriter, r *http.Request) {
	campaignID := strings.TrimSpace(r.PathValue(campaignIDPathValue))
	if campaignID == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "campaign id is required"})
		return
	}

	switch {
	case isUpgradeRequest(r):
		h.serveUpgrade(w, r, campaignID)
	case r.Method == http.MethodPost:
		h.serveNotify(w, r, campaignID)
	case r.Method == http.MethodGet:
		w.Header().Set("Upgrade", "websocket")
		http.Error(w, "websocket upgrade required", http.StatusUpgradeRequired)
	default:
		w.Header().Set("Allow", "GET, POST")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func isUpgradeRequest(r *http.Request) bool {
	return strings.TrimSpace(r.Header.Get("Upgrade")) != ""
}

func (h *liveHandler) serveUpgrade(w http.ResponseWriter, r *http.Request, campaignID string) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	userID := strings.TrimSpace(r.Header.Get(headerUserID))
	if userID == "" {
		log.Printf("livesync: upgrade rejected: missing %s campaign=%q remote=%s", headerUserID, campaignID, r.RemoteAddr)
		http.Error(w, "authentication required", http.StatusUnauthorized)
		return
	}
	role, err := domain.ParseRole(r.Header.Get(headerUserRole))
	if err != nil {
		log.Printf("livesync: upgrade rejected: invalid role campaign=%q user=%q role=%q", campaignID, userID, r.Header.Get(headerUserRole))
		http.Error(w, "invalid role", http.StatusBadRequest)
		return
	}

	r = r.WithContext(requestctx.WithIdentity(r.Context(), requestctx.Identity{UserID: userID, Role: string(role)}))
	coordinator := h.hub.coordinator(campaignID)
	wsServer := websocket.Server{
		Handshake: acceptHandshake,
		Handler: func(conn *websocket.Conn) {
			h.handleLiveConn(conn, coordinator)
		},
	}
	wsServer.ServeHTTP(w, r)
}

// acceptHandshake records the Origin when present. Identity was already
// established upstream, so a missing Origin (server-side bridge) is allowed.
func acceptHandshake(config *websocket.Config, req *http.Request) error {
	origin, err := websocket.Origin(config, req)
	if err == nil && origin != nil {
		config.Origin = origin
	}
	return nil
}

func (h *liveHandler) handleLiveConn(conn *websocket.Conn, coordinator *Coordinator) {
	defer func() {
		_ = conn.Close()
	}()
	conn.MaxPayloadBytes = maxFramePayloadBytes

	ctx := conn.Request().Context()
	identity, _ := requestctx.IdentityFromContext(ctx)
	peer := newLivePeer(uuid.NewString(), identity.UserID, domain.Role(identity.Role), conn)
	peer.setDeadline = conn.SetWriteDeadline
	peer.writeTimeout = h.writeTimeout
	peer.closer = conn

	coordinator.attach(peer)
	defer coordinator.detach(peer.id)

	for {
		var raw []byte
		if err := websocket.Message.Receive(conn, &raw); err != nil {
			if errors.Is(err, websocket.ErrFrameTooLarge) {
				coordinator.replyError(peer, apperrors.New(apperrors.CodePayloadTooLarge, "message too large"))
				continue
			}
			if !errors.Is(err, io.EOF) {
				log.Printf("livesync: connection closed campaign=%q conn=%s user=%q err=%v", coordinator.CampaignID(), peer.id, peer.userID, err)
			}
			return
		}
		coordinator.HandleMessage(ctx, peer, raw)
	}
}

func (h *liveHandler) serveNotify(w http.ResponseWriter, r *http.Request, campaignID string) {
	defer func() {
		if recovered := recover(); recovered != nil {
			log.Printf("livesync: notify handler panic campaign=%q panic=%v", campaignID, recovered)
			writeJSON(w, http.StatusInternalServerError, errorResponse{Error: internalErrorResponse})
		}
	}()

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxNotificationBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeDomainError(w, apperrors.New(apperrors.CodePayloadTooLarge, "notification body too large"))
			return
		}
		writeDomainError(w, apperrors.Wrap(apperrors.CodeInvalidArgument, "read notification body", err))
		return
	}

	notification, err := domain.DecodeNotification(body)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	if err := h.hub.coordinator(campaignID).Notify(r.Context(), notification); err != nil {
		log.Printf("livesync: notify failed campaign=%q type=%q err=%v", campaignID, notification.Type, err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: internalErrorResponse})
		return
	}
	writeJSON(w, http.StatusOK, notifyResponse{Success: true})
}

func writeDomainError(w http.ResponseWriter, err error) {
	domainErr, ok := apperrors.As(err)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: internalErrorResponse})
		return
	}
	response := errorResponse{Error: domainErr.Message}
	if len(domainErr.Metadata) > 0 || domainErr.Cause != nil {
		response.Details = make(map[string]string, len(domainErr.Metadata)+1)
		for key, value := range domainErr.Metadata {
			response.Details[key] = value
		}
		if domainErr.Cause != nil {
			response.Details["cause"] = domainErr.Cause.Error()
		}
	}
	writeJSON(w, domainErr.Code.HTTPStatus(), response)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Printf("livesync: write response: %v", err)
	}
}
