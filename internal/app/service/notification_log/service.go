package notification_log

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/fatflowers/chanseller/internal/models"
	"github.com/fatflowers/chanseller/pkg/logctx"
	"github.com/fatflowers/chanseller/pkg/tool"
	"github.com/fatflowers/chanseller/pkg/types"
)

// Service journals every gateway event, pushed or polled, with its outcome.
type Service struct {
	db  *gorm.DB
	log *zap.SugaredLogger
}

func New(db *gorm.DB, log *zap.SugaredLogger) *Service { return &Service{db: db, log: log} }

var Module = fx.Options(fx.Provide(New))

// Received persists the raw event synchronously so a crash while handling it
// still leaves a trace. Journal failures are logged and never block handling.
func (s *Service) Received(ctx context.Context, source models.PaymentNotificationSource, data []byte) *models.PaymentNotificationLog {
	entry := &models.PaymentNotificationLog{
		ID:               tool.GenerateUUIDV7(),
		ProviderID:       string(types.PaymentProviderCryptoPay),
		Source:           source,
		TraceID:          logctx.TraceID(ctx),
		NotificationTime: time.Now(),
		Data:             datatypes.JSON(jsonOrNull(data)),
		Status:           models.PaymentNotificationLogStatusReceived,
	}
	if err := s.db.WithContext(ctx).Create(entry).Error; err != nil {
		logctx.FromCtx(ctx, s.log).Errorf("failed to save notification log: %v", err)
	}
	return entry
}

// Finish records the outcome asynchronously. Nil entries are ignored.
func (s *Service) Finish(ctx context.Context, entry *models.PaymentNotificationLog, status models.PaymentNotificationLogStatus, result any) {
	if entry == nil {
		return
	}
	entry.Status = status
	if result != nil {
		if raw, err := json.Marshal(result); err == nil {
			r := datatypes.JSON(raw)
			entry.Result = &r
		}
	}
	updates := map[string]any{
		"status":     entry.Status,
		"invoice_id": entry.InvoiceID,
		"update_id":  entry.UpdateID,
		"result":     entry.Result,
	}
	log := logctx.FromCtx(ctx, s.log)
	go func() {
		if err := s.db.Model(&models.PaymentNotificationLog{}).Where("id = ?", entry.ID).Updates(updates).Error; err != nil {
			log.Errorf("failed to update notification log %s: %v", entry.ID, err)
		}
	}()
}

func jsonOrNull(data []byte) []byte {
	if len(data) == 0 || !json.Valid(data) {
		raw, _ := json.Marshal(string(data))
		return raw
	}
	return data
}
