package auth

import (
	"context"
	"net/http"
	"strings"
)

// Actor identifies who issued a request, carried via context to the
// persistence path so each audit event can attribute its author without
// threading an argument through every state-machine helper (spec.md §4.K,
// §9's task-local design note).
type Actor struct {
	Username  string
	Role      Role
	IP        string
	UserAgent string
}

type actorKey struct{}

// WithActor returns a context carrying actor, for the duration of one
// request.
func WithActor(ctx context.Context, a Actor) context.Context {
	return context.WithValue(ctx, actorKey{}, a)
}

// ActorFromContext returns the actor attached by WithActor, or the zero
// Actor if none was attached.
func ActorFromContext(ctx context.Context) Actor {
	a, _ := ctx.Value(actorKey{}).(Actor)
	return a
}

// ExtractToken reads a bearer token from the Authorization header first,
// falling back to the escalada_token cookie and then to the `token` query
// parameter, per spec.md §4.I. Returns "" if none is present.
func ExtractToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	if c, err := r.Cookie("escalada_token"); err == nil {
		return c.Value
	}
	if tok := r.URL.Query().Get("token"); tok != "" {
		return tok
	}
	return ""
}

// ClientIP extracts the caller's address from RemoteAddr, stripping the
// port.
func ClientIP(r *http.Request) string {
	if i := strings.LastIndexByte(r.RemoteAddr, ':'); i >= 0 {
		return r.RemoteAddr[:i]
	}
	return r.RemoteAddr
}

// NewActor builds an Actor for claims decoded from a request.
func NewActor(username string, role Role, r *http.Request) Actor {
	return Actor{
		Username:  username,
		Role:      role,
		IP:        ClientIP(r),
		UserAgent: r.UserAgent(),
	}
}
