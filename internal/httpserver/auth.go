package httpserver

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/swaroopai/metergate/pkg/metering"
)

const contextKeyAccountID = "account_id"

// authMiddleware resolves the bearer token to an account id. Callers arrive
// already identified; this gateway never stores credentials, it only verifies
// the token signature and reads the subject claim.
func authMiddleware(signingKey string, issuer string) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		header := ctx.GetHeader("Authorization")
		if header == "" {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing bearer token"))
			return
		}
		rawToken := strings.TrimPrefix(header, "Bearer ")
		if rawToken == header {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse("unauthorized", "malformed authorization header"))
			return
		}

		parserOptions := []jwt.ParserOption{jwt.WithValidMethods([]string{"HS256"})}
		if issuer != "" {
			parserOptions = append(parserOptions, jwt.WithIssuer(issuer))
		}
		token, err := jwt.Parse(rawToken, func(token *jwt.Token) (interface{}, error) {
			return []byte(signingKey), nil
		}, parserOptions...)
		if err != nil || !token.Valid {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse("unauthorized", "invalid token"))
			return
		}
		subject, err := token.Claims.GetSubject()
		if err != nil || subject == "" {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse("unauthorized", "token has no subject"))
			return
		}
		accountID, err := metering.NewAccountID(subject)
		if err != nil {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse("unauthorized", "invalid account id"))
			return
		}
		ctx.Set(contextKeyAccountID, accountID)
		ctx.Next()
	}
}

func accountFromContext(ctx *gin.Context) (metering.AccountID, error) {
	value, exists := ctx.Get(contextKeyAccountID)
	if !exists {
		return metering.AccountID{}, fmt.Errorf("no account in request context")
	}
	accountID, ok := value.(metering.AccountID)
	if !ok {
		return metering.AccountID{}, fmt.Errorf("unexpected account context value")
	}
	return accountID, nil
}
