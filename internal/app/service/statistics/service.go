package statistics

import (
	"context"
	"fmt"
	"sync"

	"github.com/samber/lo"
	"github.com/shopspring/decimal"
	"go.uber.org/fx"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/fatflowers/chanseller/internal/models"
	"github.com/fatflowers/chanseller/pkg/types"
)

type StatisticType string

const (
	// Payments and revenue
	StatisticTypeDailyPaymentCount StatisticType = "daily_payment_count"
	StatisticTypeDailyRevenue      StatisticType = "daily_revenue"
	StatisticTypeTotalRevenue      StatisticType = "total_revenue"

	// Subscriptions
	StatisticTypeDailyNewSubscriptionCount StatisticType = "daily_new_subscription_count"
	StatisticTypeActiveSubscriptionCount   StatisticType = "active_subscription_count"
	StatisticTypeAutoKickedCount           StatisticType = "auto_kicked_count"
)

// filterFields lists the columns each statistic may be filtered on.
var filterFields = map[StatisticType][]string{
	StatisticTypeDailyPaymentCount:         {"tariff_id", "asset", "method", "paid_at"},
	StatisticTypeDailyRevenue:              {"tariff_id", "asset", "method", "paid_at"},
	StatisticTypeTotalRevenue:              {"tariff_id", "method"},
	StatisticTypeDailyNewSubscriptionCount: {"tariff_id", "is_trial", "created_at"},
	StatisticTypeActiveSubscriptionCount:   {"tariff_id", "is_trial"},
	StatisticTypeAutoKickedCount:           {"created_at"},
}

type DataItem struct {
	ID StatisticType `json:"id" binding:"required"`
}

type Request struct {
	Filters   []*types.CommonFilter `json:"filters"`
	DataItems []*DataItem           `json:"data_items" binding:"required,min=1,dive"`
}

// FiltersFor keeps the filters that apply to the statistic type.
func (r *Request) FiltersFor(statisticType StatisticType) types.CommonFilters {
	if r == nil {
		return nil
	}
	return types.CommonFilters(r.Filters).Allowed(filterFields[statisticType]...)
}

type ResponseDataItem struct {
	Date  string          `json:"date,omitempty"`
	Label string          `json:"label,omitempty"`
	Value decimal.Decimal `json:"value"`
}

type Response struct {
	DataItems map[StatisticType][]ResponseDataItem `json:"data_items"`
}

type query func(ctx context.Context, filters types.CommonFilters) ([]ResponseDataItem, error)

// Service computes dashboard statistics over payments and subscriptions.
type Service struct {
	db      *gorm.DB
	queries map[StatisticType]query
}

func New(db *gorm.DB) *Service {
	s := &Service{db: db}
	s.queries = map[StatisticType]query{
		StatisticTypeDailyPaymentCount:         s.getDailyPaymentCount,
		StatisticTypeDailyRevenue:              s.getDailyRevenue,
		StatisticTypeTotalRevenue:              s.getTotalRevenue,
		StatisticTypeDailyNewSubscriptionCount: s.getDailyNewSubscriptionCount,
		StatisticTypeActiveSubscriptionCount:   s.getActiveSubscriptionCount,
		StatisticTypeAutoKickedCount:           s.getAutoKickedCount,
	}
	return s
}

var Module = fx.Options(fx.Provide(New))

func where(filters types.CommonFilters) clause.Where {
	return clause.Where{Exprs: []clause.Expression{filters}}
}

// paidRevenue excludes operator grants and free checkouts.
func (s *Service) paidRevenue(ctx context.Context) *gorm.DB {
	return s.db.WithContext(ctx).Table((models.Payment{}).TableName()).
		Where("status = ?", types.PaymentStatusPaid).
		Where("method = ?", types.PaymentMethodCryptoPay)
}

func (s *Service) getDailyPaymentCount(ctx context.Context, filters types.CommonFilters) ([]ResponseDataItem, error) {
	var results []ResponseDataItem
	q := s.paidRevenue(ctx).
		Select("TO_CHAR(paid_at, 'YYYY-MM-DD') as date, count(*) as value").
		Where(where(filters)).
		Group("TO_CHAR(paid_at, 'YYYY-MM-DD')").
		Order("date")
	if err := q.Find(&results).Error; err != nil {
		return nil, err
	}
	return results, nil
}

func (s *Service) getDailyRevenue(ctx context.Context, filters types.CommonFilters) ([]ResponseDataItem, error) {
	var results []ResponseDataItem
	q := s.paidRevenue(ctx).
		Select("TO_CHAR(paid_at, 'YYYY-MM-DD') as date, asset AS label, sum(COALESCE(paid_amount, amount)) as value").
		Where(where(filters)).
		Group("TO_CHAR(paid_at, 'YYYY-MM-DD')").
		Group("asset").
		Order(clause.OrderByColumn{Column: clause.Column{Name: "date"}, Desc: true})
	if err := q.Find(&results).Error; err != nil {
		return nil, err
	}
	return results, nil
}

func (s *Service) getTotalRevenue(ctx context.Context, filters types.CommonFilters) ([]ResponseDataItem, error) {
	var results []ResponseDataItem
	q := s.paidRevenue(ctx).
		Select("asset AS label, sum(COALESCE(paid_amount, amount)) as value").
		Where(where(filters)).
		Group("asset").
		Order("label")
	if err := q.Find(&results).Error; err != nil {
		return nil, err
	}
	return results, nil
}

func (s *Service) getDailyNewSubscriptionCount(ctx context.Context, filters types.CommonFilters) ([]ResponseDataItem, error) {
	var results []ResponseDataItem
	q := s.db.WithContext(ctx).Table((models.Subscription{}).TableName()).
		Select("TO_CHAR(created_at, 'YYYY-MM-DD') as date, count(DISTINCT user_id) as value").
		Where(where(filters)).
		Group("TO_CHAR(created_at, 'YYYY-MM-DD')").
		Order(clause.OrderByColumn{Column: clause.Column{Name: "date"}, Desc: true})
	if err := q.Find(&results).Error; err != nil {
		return nil, err
	}
	return results, nil
}

func (s *Service) getActiveSubscriptionCount(ctx context.Context, filters types.CommonFilters) ([]ResponseDataItem, error) {
	var results []ResponseDataItem
	q := s.db.WithContext(ctx).Table("subscription s").
		Select("t.name AS label, count(*) as value").
		Joins("JOIN tariff t ON t.id = s.tariff_id").
		Where("s.is_active = ?", true).
		Where("(s.expires_at IS NULL OR s.expires_at > NOW())").
		Where(where(qualify("s", filters))).
		Group("t.name").
		Order("label")
	if err := q.Find(&results).Error; err != nil {
		return nil, err
	}
	return results, nil
}

func (s *Service) getAutoKickedCount(ctx context.Context, filters types.CommonFilters) ([]ResponseDataItem, error) {
	var results []ResponseDataItem
	q := s.db.WithContext(ctx).Table((models.SubscriptionLog{}).TableName()).
		Select("TO_CHAR(created_at, 'YYYY-MM-DD') as date, count(*) as value").
		Where("reason = ?", types.SubscriptionChangeReasonExpired).
		Where(where(filters)).
		Group("TO_CHAR(created_at, 'YYYY-MM-DD')").
		Order(clause.OrderByColumn{Column: clause.Column{Name: "date"}, Desc: true})
	if err := q.Find(&results).Error; err != nil {
		return nil, err
	}
	return results, nil
}

// qualify prefixes filter columns with a table alias for joined queries.
func qualify(alias string, filters types.CommonFilters) types.CommonFilters {
	return lo.Map(filters, func(f *types.CommonFilter, _ int) *types.CommonFilter {
		cp := *f
		cp.Field = alias + "." + f.Field
		return &cp
	})
}

// GetStatistics computes every requested data item concurrently.
func (s *Service) GetStatistics(ctx context.Context, request *Request) (*Response, error) {
	for _, item := range request.DataItems {
		if _, ok := s.queries[item.ID]; !ok {
			return nil, fmt.Errorf("invalid data item id: %s", item.ID)
		}
	}

	var mu sync.Mutex
	results := make(map[StatisticType][]ResponseDataItem, len(request.DataItems))
	g, gctx := errgroup.WithContext(ctx)
	for _, item := range lo.UniqBy(request.DataItems, func(di *DataItem) StatisticType { return di.ID }) {
		g.Go(func() error {
			res, err := s.queries[item.ID](gctx, request.FiltersFor(item.ID))
			if err != nil {
				return fmt.Errorf("failed to compute %s: %w", item.ID, err)
			}
			mu.Lock()
			results[item.ID] = res
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return &Response{DataItems: results}, nil
}
