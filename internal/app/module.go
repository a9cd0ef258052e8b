package app

import (
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/fatflowers/chanseller/internal/app/api/server"
	"github.com/fatflowers/chanseller/internal/app/service/incident"
	"github.com/fatflowers/chanseller/internal/app/service/ledger"
	notificationlog "github.com/fatflowers/chanseller/internal/app/service/notification_log"
	"github.com/fatflowers/chanseller/internal/app/service/orchestrator"
	"github.com/fatflowers/chanseller/internal/app/service/reconciler"
	"github.com/fatflowers/chanseller/internal/app/service/statistics"
	"github.com/fatflowers/chanseller/internal/app/service/tasks"
	"github.com/fatflowers/chanseller/internal/app/service/watchdog"
	"github.com/fatflowers/chanseller/internal/platform/cache"
	"github.com/fatflowers/chanseller/internal/platform/cryptopay"
	"github.com/fatflowers/chanseller/internal/platform/db"
	"github.com/fatflowers/chanseller/internal/platform/membership"
	"github.com/fatflowers/chanseller/internal/platform/telegram"
	"github.com/fatflowers/chanseller/internal/platform/userbot"
	"github.com/fatflowers/chanseller/pkg/config"
	"github.com/fatflowers/chanseller/pkg/logger"
	"github.com/fatflowers/chanseller/pkg/metrics"
)

const (
	DefaultStartTimeout = 15 * time.Second
	DefaultStopTimeout  = 10 * time.Second
)

// newMembershipAgent picks the configured driver and serializes its calls
// across replicas sharing the Telegram account.
func newMembershipAgent(cfg *config.Config, bot *telegram.BotAgent, ub *userbot.Client, store cache.Store, log *zap.SugaredLogger) membership.Agent {
	var inner membership.Agent = bot
	if cfg.Membership.Driver == config.MembershipDriverUserbot {
		inner = ub
	}
	log.Infow("membership agent selected", "driver", cfg.Membership.Driver)
	return membership.NewSerialized(inner, cfg.Membership.MinDelay, store)
}

func newMembershipExecutor(agent membership.Agent, cfg *config.Config, log *zap.SugaredLogger, m *metrics.Business) *membership.Executor {
	return membership.NewExecutor(agent, membership.PolicyFromConfig(cfg), log, m)
}

var membershipModule = fx.Options(
	fx.Provide(userbot.New),
	fx.Provide(newMembershipAgent),
	fx.Provide(newMembershipExecutor),
)

var Module = fx.Options(
	logger.Module,
	config.Module,
	db.Module,
	cache.Module,
	metrics.Module,
	cryptopay.Module,
	telegram.Module,
	membershipModule,
	ledger.Module,
	notificationlog.Module,
	incident.Module,
	reconciler.Module,
	tasks.Module,
	watchdog.Module,
	orchestrator.Module,
	statistics.Module,
	server.Module,
)
