// Package identity provides anonymous per-device identity and capture-origin
// primitives.
package identity

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/http"
	"regexp"
	"time"

	"github.com/memoist/core/internal/domain"
)

const (
	DeviceCookieName = "memoist_device_id"
	OriginHeaderName = "X-Memoist-Origin"
	deviceCookieAge  = 30 * 24 * time.Hour
)

type contextKey int

const (
	deviceIDKey contextKey = iota
	originKey
)

var deviceIDPattern = regexp.MustCompile(`^dev_[a-f0-9]{32}$`)

// DeviceIDFromContext extracts the device ID from the request context.
func DeviceIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(deviceIDKey).(string); ok {
		return v
	}
	return ""
}

// OriginFromContext extracts the capture origin from the request context.
func OriginFromContext(ctx context.Context) domain.Origin {
	if v, ok := ctx.Value(originKey).(domain.Origin); ok {
		return v
	}
	return domain.OriginDesktopClient
}

func generateDeviceID() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate device id: %w", err)
	}
	return "dev_" + hex.EncodeToString(buf), nil
}

func isValidDeviceID(id string) bool {
	return deviceIDPattern.MatchString(id)
}

func getOrCreateDeviceID(w http.ResponseWriter, r *http.Request, isDev bool) (string, error) {
	if c, err := r.Cookie(DeviceCookieName); err == nil && isValidDeviceID(c.Value) {
		setDeviceCookie(w, c.Value, isDev)
		return c.Value, nil
	}

	id, err := generateDeviceID()
	if err != nil {
		return "", err
	}
	setDeviceCookie(w, id, isDev)
	return id, nil
}

func setDeviceCookie(w http.ResponseWriter, id string, isDev bool) {
	http.SetCookie(w, &http.Cookie{
		Name:     DeviceCookieName,
		Value:    id,
		Path:     "/",
		MaxAge:   int(deviceCookieAge.Seconds()),
		Expires:  time.Now().Add(deviceCookieAge),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   !isDev,
	})
}

func originFromRequest(r *http.Request) domain.Origin {
	origin := domain.Origin(r.Header.Get(OriginHeaderName))
	if origin == "" {
		origin = domain.Origin(r.URL.Query().Get("origin"))
	}
	if !domain.ValidOrigin(origin) {
		return domain.OriginDesktopClient
	}
	return origin
}

// Middleware injects anonymous device identity and capture origin.
func Middleware(isDev bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			deviceID, err := getOrCreateDeviceID(w, r, isDev)
			if err != nil {
				http.Error(w, `{"error":"failed to establish device identity"}`, http.StatusInternalServerError)
				return
			}

			ctx := context.WithValue(r.Context(), deviceIDKey, deviceID)
			ctx = context.WithValue(ctx, originKey, originFromRequest(r))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
