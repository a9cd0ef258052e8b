package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/fatflowers/chanseller/pkg/response"
)

// ApiUserSubscriptions handles GET /api/v1/users/:telegram_id/subscriptions
func ApiUserSubscriptions(p Payments) gin.HandlerFunc {
	return func(c *gin.Context) {
		telegramID, err := strconv.ParseInt(c.Param("telegram_id"), 10, 64)
		if err != nil || telegramID == 0 {
			c.JSON(http.StatusOK, response.ErrorT[any](response.APIResponseCodeBadRequest, "invalid telegram_id"))
			return
		}
		subs, err := p.GetActiveSubscriptions(c.Request.Context(), telegramID)
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, response.OKT(subs))
	}
}

func RegisterUserRoutes(r gin.IRouter, p Payments) {
	r.GET("/users/:telegram_id/subscriptions", ApiUserSubscriptions(p))
}
