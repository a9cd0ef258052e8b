package middleware

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt"
	"go.uber.org/zap"

	"github.com/fatflowers/chanseller/pkg/response"
)

// OperatorKey holds the authenticated operator's Telegram id on gin.Context.
const OperatorKey = "operator_id"

var ErrInvalidToken = errors.New("invalid bearer token")

// ParseToken validates an HS256 token and returns its subject as a Telegram id.
func ParseToken(secret, raw string) (int64, error) {
	var claims jwt.StandardClaims
	token, err := jwt.ParseWithClaims(raw, &claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return 0, ErrInvalidToken
	}
	id, err := strconv.ParseInt(claims.Subject, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: subject is not a telegram id", ErrInvalidToken)
	}
	return id, nil
}

// IssueToken signs a token for an operator. Used by tooling and tests.
func IssueToken(secret string, operatorID int64, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.StandardClaims{
		Subject:  strconv.FormatInt(operatorID, 10),
		IssuedAt: now.Unix(),
	}
	if ttl > 0 {
		claims.ExpiresAt = now.Add(ttl).Unix()
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// AuthMiddleware requires "Authorization: Bearer <jwt>" and stores the
// operator id on the context.
func AuthMiddleware(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		raw, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || raw == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, response.ErrorT[any](response.APIResponseCodeUnauthorized, "missing bearer token"))
			return
		}
		operatorID, err := ParseToken(secret, strings.TrimSpace(raw))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, response.ErrorT[any](response.APIResponseCodeUnauthorized, err.Error()))
			return
		}

		c.Set(OperatorKey, operatorID)
		if l, ok := c.Get("logger"); ok {
			if log, ok := l.(*zap.SugaredLogger); ok && log != nil {
				setLogger(c, log.With("operator_id", operatorID))
			}
		}
		ctx := context.WithValue(c.Request.Context(), "user_id", strconv.FormatInt(operatorID, 10))
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// OperatorID returns the id set by AuthMiddleware, or 0.
func OperatorID(c *gin.Context) int64 {
	return c.GetInt64(OperatorKey)
}
