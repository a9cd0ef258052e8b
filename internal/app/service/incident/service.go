package incident

import (
	"context"
	"errors"
	"fmt"
	"html"
	"strings"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/fatflowers/chanseller/internal/models"
	"github.com/fatflowers/chanseller/internal/platform/telegram"
	cfgpkg "github.com/fatflowers/chanseller/pkg/config"
	"github.com/fatflowers/chanseller/pkg/logctx"
	"github.com/fatflowers/chanseller/pkg/metrics"
	"github.com/fatflowers/chanseller/pkg/tool"
	"github.com/fatflowers/chanseller/pkg/types"
)

var ErrNotFound = errors.New("incident not found")

// Alerter delivers operator alerts; telegram.Notifier satisfies it.
type Alerter interface {
	SendText(ctx context.Context, chatID int64, text string) error
}

// Service is the operator-visible failure queue.
type Service struct {
	db      *gorm.DB
	log     *zap.SugaredLogger
	metrics *metrics.Business
	alerter Alerter
	chatIDs []int64
	now     func() time.Time
}

func NewService(db *gorm.DB, log *zap.SugaredLogger, m *metrics.Business, alerter Alerter, chatIDs []int64) *Service {
	return &Service{db: db, log: log, metrics: m, alerter: alerter, chatIDs: chatIDs, now: time.Now}
}

func New(db *gorm.DB, log *zap.SugaredLogger, m *metrics.Business, n telegram.Notifier, cfg *cfgpkg.Config) *Service {
	return NewService(db, log, m, n, cfg.Admin.ChatIDs)
}

var Module = fx.Options(fx.Provide(New))

// Open persists the incident and alerts the admin chats. Alert delivery is
// best effort; only the database write can fail the call.
func (s *Service) Open(ctx context.Context, inc *models.OperatorIncident) error {
	if inc == nil {
		return fmt.Errorf("nil incident")
	}
	if inc.ID == "" {
		inc.ID = tool.GenerateUUIDV7()
	}
	inc.Status = types.IncidentStatusOpen
	if err := s.db.WithContext(ctx).Create(inc).Error; err != nil {
		return fmt.Errorf("failed to open incident: %w", err)
	}
	s.metrics.Incidents.WithLabelValues(string(inc.Kind)).Inc()

	log := logctx.FromCtx(ctx, s.log)
	log.Warnw("incident_opened",
		"incident_id", inc.ID,
		"kind", inc.Kind,
		"action_required", inc.OperatorActionRequired,
		"outcome", inc.Outcome,
		"detail", inc.Detail,
	)

	if s.alerter == nil || len(s.chatIDs) == 0 {
		return nil
	}
	text := formatAlert(inc)
	for _, chatID := range s.chatIDs {
		if err := s.alerter.SendText(ctx, chatID, text); err != nil {
			log.Warnw("incident_alert_failed", "incident_id", inc.ID, "chat_id", chatID, "err", err)
		}
	}
	return nil
}

func (s *Service) List(ctx context.Context, status types.IncidentStatus, kind types.IncidentKind, limit int) ([]*models.OperatorIncident, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	q := s.db.WithContext(ctx).Order("created_at desc").Limit(limit)
	if status != "" {
		q = q.Where("status = ?", status)
	}
	if kind != "" {
		q = q.Where("kind = ?", kind)
	}
	var rows []*models.OperatorIncident
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to list incidents: %w", err)
	}
	return rows, nil
}

// Resolve closes an open incident. Resolving twice keeps the first resolver.
func (s *Service) Resolve(ctx context.Context, id string, resolvedBy int64) (*models.OperatorIncident, error) {
	var inc models.OperatorIncident
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&inc).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get incident: %w", err)
	}
	if inc.Status == types.IncidentStatusResolved {
		return &inc, nil
	}
	now := s.now()
	res := s.db.WithContext(ctx).Model(&models.OperatorIncident{}).
		Where("id = ? AND status = ?", id, types.IncidentStatusOpen).
		Updates(map[string]any{"status": types.IncidentStatusResolved, "resolved_by": resolvedBy, "resolved_at": now})
	if res.Error != nil {
		return nil, fmt.Errorf("failed to resolve incident: %w", res.Error)
	}
	if res.RowsAffected > 0 {
		inc.Status = types.IncidentStatusResolved
		inc.ResolvedBy = &resolvedBy
		inc.ResolvedAt = &now
		logctx.FromCtx(ctx, s.log).Infow("incident_resolved", "incident_id", id, "resolved_by", resolvedBy)
	}
	return &inc, nil
}

func formatAlert(inc *models.OperatorIncident) string {
	var b strings.Builder
	if inc.OperatorActionRequired {
		b.WriteString("⚠️ <b>Action required</b>: ")
	} else {
		b.WriteString("ℹ️ ")
	}
	b.WriteString(html.EscapeString(string(inc.Kind)))
	if inc.Outcome != "" {
		fmt.Fprintf(&b, " (%s)", html.EscapeString(inc.Outcome))
	}
	if inc.UserTelegramID != nil {
		fmt.Fprintf(&b, "\nuser: <code>%d</code>", *inc.UserTelegramID)
	}
	if inc.TelegramChannelID != nil {
		fmt.Fprintf(&b, "\nchannel: <code>%d</code>", *inc.TelegramChannelID)
	}
	if inc.PaymentID != nil {
		fmt.Fprintf(&b, "\npayment: <code>%s</code>", html.EscapeString(*inc.PaymentID))
	}
	if inc.SubscriptionID != nil {
		fmt.Fprintf(&b, "\nsubscription: <code>%s</code>", html.EscapeString(*inc.SubscriptionID))
	}
	if inc.Detail != "" {
		b.WriteString("\n")
		b.WriteString(html.EscapeString(inc.Detail))
	}
	fmt.Fprintf(&b, "\nid: <code>%s</code>", inc.ID)
	return b.String()
}
