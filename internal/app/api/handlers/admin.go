package handlers

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	mw "github.com/fatflowers/chanseller/internal/app/api/middleware"
	"github.com/fatflowers/chanseller/internal/app/service/ledger"
	"github.com/fatflowers/chanseller/internal/app/service/orchestrator"
	"github.com/fatflowers/chanseller/internal/app/service/statistics"
	"github.com/fatflowers/chanseller/internal/app/service/watchdog"
	"github.com/fatflowers/chanseller/internal/models"
	"github.com/fatflowers/chanseller/pkg/response"
	"github.com/fatflowers/chanseller/pkg/types"
)

type Operations interface {
	GrantManual(ctx context.Context, req orchestrator.GrantRequest) (*models.Subscription, error)
	Extend(ctx context.Context, subscriptionID string, days int) (*models.Subscription, error)
	TimePasses(ctx context.Context) (*watchdog.SweepReport, error)
}

type PaymentScanner interface {
	ScanPayments(ctx context.Context, req *ledger.ScanRequest) (*ledger.ScanPaymentsResponse, error)
}

type Statistics interface {
	GetStatistics(ctx context.Context, req *statistics.Request) (*statistics.Response, error)
}

type Incidents interface {
	List(ctx context.Context, status types.IncidentStatus, kind types.IncidentKind, limit int) ([]*models.OperatorIncident, error)
	Resolve(ctx context.Context, id string, resolvedBy int64) (*models.OperatorIncident, error)
}

type Tasks interface {
	List(ctx context.Context, status types.MembershipTaskStatus, limit int) ([]*models.MembershipTask, error)
	Retry(ctx context.Context, id string) (*models.MembershipTask, error)
}

// Admin bundles what the operator routes need.
type Admin struct {
	Ops        Operations
	Payments   PaymentScanner
	Statistics Statistics
	Incidents  Incidents
	Tasks      Tasks
}

// ApiGrantSubscription handles POST /api/v1/admin/subscriptions/grant.
// The granting operator is the token subject.
func ApiGrantSubscription(ops Operations) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req orchestrator.GrantRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err)
			return
		}
		req.GrantedBy = mw.OperatorID(c)
		res, err := ops.GrantManual(c.Request.Context(), req)
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, response.OKT(res))
	}
}

type ExtendRequest struct {
	Days int `json:"days" binding:"required,gt=0"`
}

// ApiExtendSubscription handles POST /api/v1/admin/subscriptions/:id/extend
func ApiExtendSubscription(ops Operations) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req ExtendRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err)
			return
		}
		res, err := ops.Extend(c.Request.Context(), c.Param("id"), req.Days)
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, response.OKT(res))
	}
}

// ApiListPayments handles POST /api/v1/admin/payments/list
func ApiListPayments(svc PaymentScanner) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req ledger.ScanRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err)
			return
		}
		res, err := svc.ScanPayments(c.Request.Context(), &req)
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, response.OKT(res))
	}
}

// ApiGetStatistics handles POST /api/v1/admin/statistics
func ApiGetStatistics(svc Statistics) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req statistics.Request
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err)
			return
		}
		res, err := svc.GetStatistics(c.Request.Context(), &req)
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, response.OKT(res))
	}
}

func queryLimit(c *gin.Context) int {
	n, err := strconv.Atoi(c.Query("limit"))
	if err != nil || n <= 0 {
		return 100
	}
	return n
}

// ApiListIncidents handles GET /api/v1/admin/incidents?status=&kind=&limit=
func ApiListIncidents(svc Incidents) gin.HandlerFunc {
	return func(c *gin.Context) {
		status := types.IncidentStatus(c.DefaultQuery("status", string(types.IncidentStatusOpen)))
		res, err := svc.List(c.Request.Context(), status, types.IncidentKind(c.Query("kind")), queryLimit(c))
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, response.OKT(res))
	}
}

func ApiResolveIncident(svc Incidents) gin.HandlerFunc {
	return func(c *gin.Context) {
		res, err := svc.Resolve(c.Request.Context(), c.Param("id"), mw.OperatorID(c))
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, response.OKT(res))
	}
}

// ApiListTasks handles GET /api/v1/admin/tasks?status=&limit=
func ApiListTasks(svc Tasks) gin.HandlerFunc {
	return func(c *gin.Context) {
		res, err := svc.List(c.Request.Context(), types.MembershipTaskStatus(c.Query("status")), queryLimit(c))
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, response.OKT(res))
	}
}

func ApiRetryTask(svc Tasks) gin.HandlerFunc {
	return func(c *gin.Context) {
		res, err := svc.Retry(c.Request.Context(), c.Param("id"))
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, response.OKT(res))
	}
}

// ApiRunWatchdog handles POST /api/v1/admin/watchdog/run
func ApiRunWatchdog(ops Operations) gin.HandlerFunc {
	return func(c *gin.Context) {
		res, err := ops.TimePasses(c.Request.Context())
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, response.OKT(res))
	}
}

func RegisterAdminRoutes(r gin.IRouter, a Admin) {
	r.POST("/subscriptions/grant", ApiGrantSubscription(a.Ops))
	r.POST("/subscriptions/:id/extend", ApiExtendSubscription(a.Ops))
	r.POST("/payments/list", ApiListPayments(a.Payments))
	r.POST("/statistics", ApiGetStatistics(a.Statistics))
	r.GET("/incidents", ApiListIncidents(a.Incidents))
	r.POST("/incidents/:id/resolve", ApiResolveIncident(a.Incidents))
	r.GET("/tasks", ApiListTasks(a.Tasks))
	r.POST("/tasks/:id/retry", ApiRetryTask(a.Tasks))
	r.POST("/watchdog/run", ApiRunWatchdog(a.Ops))
}
