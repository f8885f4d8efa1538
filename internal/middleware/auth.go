package middleware

import (
	"context"
	"net/http"

	"keybridge/internal/auth"
	"keybridge/internal/logger"
	"keybridge/internal/utils"

	"go.uber.org/zap"
)

type contextKey string

const ClientIDKey contextKey = "client_id"

func ClientIDFrom(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(ClientIDKey).(string)
	return id, ok && id != ""
}

// RequireClient admits requests carrying a valid bearer token or the client's
// Basic credentials and rejects everything else with 401.
func RequireClient(a *auth.Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var (
				clientID string
				err      error
			)

			if token := auth.ExtractAccessToken(r); token != "" {
				clientID, err = a.VerifyToken(token)
			} else if id, secret, ok := r.BasicAuth(); ok {
				clientID, err = id, a.CheckClient(id, secret)
			} else {
				err = auth.ErrInvalidToken
			}

			if err != nil {
				logger.FromCtx(r.Context()).Info("request rejected", zap.String("path", r.URL.Path), zap.Error(err))
				w.Header().Set("WWW-Authenticate", `Bearer realm="keybridge"`)
				utils.WriteJSONError(w, "unauthorized", http.StatusUnauthorized)
				return
			}

			ctx := context.WithValue(r.Context(), ClientIDKey, clientID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
