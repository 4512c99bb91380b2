package httpapi

import (
	"context"
	"net/http"
	"strings"

	"github.com/example/chair-dispatch/internal/apperr"
	"github.com/example/chair-dispatch/internal/models"
	"github.com/example/chair-dispatch/internal/storage"
)

const (
	userSessionCookie  = "app_session"
	chairSessionCookie = "chair_session"

	userKey  contextKey = "user"
	chairKey contextKey = "chair"
)

// Authenticator resolves opaque access tokens. Registration issues them;
// this service only reads them.
type Authenticator interface {
	UserByToken(ctx context.Context, token string) (*models.User, error)
	ChairByToken(ctx context.Context, token string) (*models.Chair, error)
}

// StoreAuth looks tokens up in storage.
type StoreAuth struct {
	Store storage.Store
}

func (a StoreAuth) UserByToken(ctx context.Context, token string) (*models.User, error) {
	var u *models.User
	err := a.Store.InTx(ctx, func(tx storage.Tx) error {
		var err error
		u, err = tx.UserByToken(ctx, token)
		return err
	})
	return u, err
}

func (a StoreAuth) ChairByToken(ctx context.Context, token string) (*models.Chair, error) {
	var c *models.Chair
	err := a.Store.InTx(ctx, func(tx storage.Tx) error {
		var err error
		c, err = tx.ChairByToken(ctx, token)
		return err
	})
	return c, err
}

// sessionToken reads the session cookie, falling back to a bearer token.
func sessionToken(r *http.Request, cookie string) string {
	if c, err := r.Cookie(cookie); err == nil && c.Value != "" {
		return c.Value
	}
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	}
	return ""
}

func (s *Server) userAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := sessionToken(r, userSessionCookie)
		if token == "" {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"message": userSessionCookie + " cookie is required"})
			return
		}
		u, err := s.auth.UserByToken(r.Context(), token)
		if err != nil {
			s.unauthorized(w, r, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userKey, u)))
	})
}

func (s *Server) chairAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := sessionToken(r, chairSessionCookie)
		if token == "" {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"message": chairSessionCookie + " cookie is required"})
			return
		}
		c, err := s.auth.ChairByToken(r.Context(), token)
		if err != nil {
			s.unauthorized(w, r, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), chairKey, c)))
	})
}

func (s *Server) unauthorized(w http.ResponseWriter, r *http.Request, err error) {
	if apperr.Kind(err) == apperr.ErrNotFound {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"message": "invalid access token"})
		return
	}
	s.writeError(w, r, err)
}

func userFromContext(ctx context.Context) *models.User {
	u, _ := ctx.Value(userKey).(*models.User)
	return u
}

func chairFromContext(ctx context.Context) *models.Chair {
	c, _ := ctx.Value(chairKey).(*models.Chair)
	return c
}
