package rbac

import (
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/odyssey-erp/fulfillment/internal/platform/httpx"
	"github.com/odyssey-erp/fulfillment/internal/shared"
)

// Headers set by the upstream auth gateway.
const (
	HeaderActorID        = "X-Actor-ID"
	HeaderActorName      = "X-Actor-Name"
	HeaderActorRole      = "X-Actor-Role"
	HeaderActorLocations = "X-Actor-Locations"
)

// Middleware wires actor extraction and role gates for HTTP handlers.
type Middleware struct {
	Logger *slog.Logger
}

// Authenticate parses the actor headers into a shared.Actor and stores it
// in the request context. Requests without a valid actor are rejected.
func (m Middleware) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actor, err := ActorFromHeaders(r.Header)
		if err != nil {
			if m.Logger != nil {
				m.Logger.Warn("rbac authenticate", slog.String("path", r.URL.Path), slog.Any("error", err))
			}
			httpx.RespondError(w, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(shared.ContextWithActor(r.Context(), actor)))
	})
}

// RequireRole ensures the current actor holds one of the roles.
func (m Middleware) RequireRole(roles ...shared.Role) func(http.Handler) http.Handler {
	allowed := make(map[shared.Role]struct{}, len(roles))
	for _, role := range roles {
		allowed[role] = struct{}{}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			actor, ok := shared.ActorFromContext(r.Context())
			if !ok {
				httpx.RespondError(w, httpx.ErrUnauthorized)
				return
			}
			if _, ok := allowed[actor.Role]; !ok {
				httpx.RespondError(w, shared.ErrPermissionDenied)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ActorFromHeaders builds an actor from gateway headers.
func ActorFromHeaders(h http.Header) (shared.Actor, error) {
	rawID := strings.TrimSpace(h.Get(HeaderActorID))
	if rawID == "" {
		return shared.Actor{}, httpx.ErrUnauthorized
	}
	id, err := strconv.ParseInt(rawID, 10, 64)
	if err != nil || id <= 0 {
		return shared.Actor{}, httpx.ErrUnauthorized
	}
	role := shared.Role(strings.ToUpper(strings.TrimSpace(h.Get(HeaderActorRole))))
	if !role.Valid() {
		return shared.Actor{}, httpx.ErrUnauthorized
	}
	locations, err := parseLocations(h.Get(HeaderActorLocations))
	if err != nil {
		return shared.Actor{}, httpx.ErrUnauthorized
	}
	return shared.Actor{
		ID:          id,
		Name:        strings.TrimSpace(h.Get(HeaderActorName)),
		Role:        role,
		LocationIDs: locations,
	}, nil
}

func parseLocations(raw string) ([]int64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	parts := strings.Split(raw, ",")
	out := make([]int64, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		id, err := strconv.ParseInt(p, 10, 64)
		if err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, nil
}
