package server

import (
	"errors"
	"net/http"

	"github.com/google/uuid"

	"momon/internal/deviceid"
	"momon/internal/util"
)

// deviceCookieMaxAge keeps the identifier for a year of inactivity.
const deviceCookieMaxAge = 365 * 24 * 60 * 60

// cookieStorage is the per-browser deviceid.Storage: one cookie per key,
// scoped to a single request and its response.
type cookieStorage struct {
	w      http.ResponseWriter
	r      *http.Request
	secure bool
}

func (c cookieStorage) Get(key string) (string, bool, error) {
	cookie, err := c.r.Cookie(key)
	if errors.Is(err, http.ErrNoCookie) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	// A value we did not issue is treated as absent and replaced.
	if _, err := uuid.Parse(cookie.Value); err != nil {
		return "", false, nil
	}
	return cookie.Value, true, nil
}

func (c cookieStorage) Set(key, value string) error {
	http.SetCookie(c.w, &http.Cookie{
		Name:     key,
		Value:    value,
		Path:     "/",
		MaxAge:   deviceCookieMaxAge,
		HttpOnly: true,
		Secure:   c.secure,
		SameSite: http.SameSiteLaxMode,
	})
	return nil
}

func (c cookieStorage) Remove(key string) error {
	http.SetCookie(c.w, &http.Cookie{
		Name:     key,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   c.secure,
		SameSite: http.SameSiteLaxMode,
	})
	return nil
}

// withDevice resolves the browser's device identifier, issuing one on first
// visit, and stores it on the request context for monsterclient.
func (s *Server) withDevice(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		logger := util.LoggerFromContext(ctx)
		store := deviceid.NewStore(cookieStorage{w: w, r: r, secure: s.cookieSecure}, deviceid.WithLogger(logger))
		id := store.GetOrCreateID()
		ctx = deviceid.WithID(ctx, id)
		if id != "" {
			ctx = util.ContextWithLogger(ctx, logger.With("device_id", id))
		}
		next(w, r.WithContext(ctx))
	})
}
