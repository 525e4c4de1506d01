package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/technosupport/ts-inventory/internal/tokens"
)

type TokenValidator interface {
	ValidateToken(tokenString string) (*tokens.Claims, error)
}

// GetDeviceID returns the authenticated device, if any.
func GetDeviceID(ctx context.Context) string {
	id, _ := ctx.Value(deviceIDKey).(string)
	return id
}

func WithDeviceID(ctx context.Context, deviceID string) context.Context {
	return context.WithValue(ctx, deviceIDKey, deviceID)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// DeviceAuth verifies device bearer tokens. Revocations may be nil.
type DeviceAuth struct {
	tokens      TokenValidator
	revocations tokens.Revocations
	log         *zap.Logger
}

func NewDeviceAuth(t TokenValidator, rev tokens.Revocations, log *zap.Logger) *DeviceAuth {
	return &DeviceAuth{tokens: t, revocations: rev, log: log.Named("auth")}
}

func bearerToken(r *http.Request) string {
	authHeader := r.Header.Get("Authorization")
	if authHeader != "" {
		parts := strings.Split(authHeader, " ")
		if len(parts) == 2 && parts[0] == "Bearer" {
			return parts[1]
		}
		return ""
	}
	// Browsers cannot set headers on websocket upgrades.
	if strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
		return r.URL.Query().Get("token")
	}
	return ""
}

// Middleware verifies the JWT and injects the device id.
func (m *DeviceAuth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenString := bearerToken(r)
		if tokenString == "" {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}

		claims, err := m.tokens.ValidateToken(tokenString)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}

		if m.revocations != nil {
			revoked, err := m.revocations.IsRevoked(r.Context(), claims.DeviceID(), claims.ID)
			if err != nil {
				// Fail closed: a token we cannot check is not trusted.
				m.log.Warn("revocation check failed", zap.Error(err))
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			if revoked {
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
		}

		next.ServeHTTP(w, r.WithContext(WithDeviceID(r.Context(), claims.DeviceID())))
	})
}
