package server

import (
	"context"
	"log"
	"strings"

	apperrors "github.com/louisbranch/campaign-livesync/internal/platform/errors"
	"github.com/louisbranch/campaign-livesync/internal/services/livesync/api/grpc/notification"
	"github.com/louisbranch/campaign-livesync/internal/services/livesync/domain"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

// notificationService is the gRPC twin of the HTTP notification path.
type notificationService struct {
	hub *coordinatorHub
}

func newNotificationService(hub *coordinatorHub) *notificationService {
	return &notificationService{hub: hub}
}

func (s *notificationService) Notify(ctx context.Context, req *structpb.Struct) (resp *structpb.Struct, err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			log.Printf("livesync: grpc notify panic panic=%v", recovered)
			resp = nil
			err = apperrors.New(apperrors.CodeInternal, internalErrorResponse).ToGRPCStatus()
		}
	}()

	fields := req.GetFields()
	campaignID := strings.TrimSpace(fields[notification.FieldCampaignID].GetStringValue())
	if campaignID == "" {
		return nil, apperrors.WithMetadata(apperrors.CodeInvalidArgument, "campaign_id is required", map[string]string{"field": notification.FieldCampaignID}).ToGRPCStatus()
	}
	body := fields[notification.FieldNotification].GetStructValue()
	if body == nil {
		return nil, apperrors.WithMetadata(apperrors.CodeInvalidArgument, "notification is required", map[string]string{"field": notification.FieldNotification}).ToGRPCStatus()
	}

	raw, err := protojson.Marshal(body)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeInvalidArgument, "encode notification", err).ToGRPCStatus()
	}
	parsed, err := domain.DecodeNotification(raw)
	if err != nil {
		if domainErr, ok := apperrors.As(err); ok {
			return nil, domainErr.ToGRPCStatus()
		}
		return nil, apperrors.Wrap(apperrors.CodeInvalidArgument, "invalid notification", err).ToGRPCStatus()
	}

	if err := s.hub.coordinator(campaignID).Notify(ctx, parsed); err != nil {
		log.Printf("livesync: grpc notify failed campaign=%q type=%q err=%v", campaignID, parsed.Type, err)
		return nil, apperrors.New(apperrors.CodeInternal, internalErrorResponse).ToGRPCStatus()
	}
	return structpb.NewStruct(map[string]any{"success": true})
}
