package httpapi

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/SwapGraph-Network/clearing_engine/internal/app/domain/actor"
	"github.com/SwapGraph-Network/clearing_engine/internal/errors"
)

// Actor and auth headers.
const (
	headerActorType  = "x-actor-type"
	headerActorID    = "x-actor-id"
	headerScopes     = "x-auth-scopes"
	headerDelegation = "x-delegation"
)

// actorContext is the authenticated caller of one request.
type actorContext struct {
	Actor      actor.Actor
	Scopes     []string
	Delegation *actor.Delegation
}

// HasScope reports whether the caller holds the given scope.
func (c actorContext) HasScope(scope string) bool {
	for _, s := range c.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// actorFrom resolves the caller from the actor headers, optionally verified
// against a bearer token when a JWT secret is configured. Agents may attach
// a delegation as JSON in x-delegation.
func (h *handler) actorFrom(r *http.Request) (actorContext, error) {
	actorType := strings.TrimSpace(r.Header.Get(headerActorType))
	actorID := strings.TrimSpace(r.Header.Get(headerActorID))
	if actorType == "" || actorID == "" {
		return actorContext{}, errors.InvalidActorContext("x-actor-type and x-actor-id are required")
	}
	typ := actor.Type(actorType)
	if !typ.Valid() {
		return actorContext{}, errors.InvalidActorContext("unknown actor type").
			WithDetails("actor_type", actorType)
	}

	ctx := actorContext{
		Actor:  actor.Actor{Type: typ, ID: actorID},
		Scopes: strings.Fields(r.Header.Get(headerScopes)),
	}

	if h.jwtSecret != "" {
		if err := h.verifyBearer(r, ctx.Actor); err != nil {
			return actorContext{}, err
		}
	}

	if raw := r.Header.Get(headerDelegation); raw != "" {
		var d actor.Delegation
		if err := json.Unmarshal([]byte(raw), &d); err != nil {
			return actorContext{}, errors.SchemaInvalid("malformed x-delegation header").WithCause(err)
		}
		if d.Subject.Zero() || !d.Subject.Type.Valid() {
			return actorContext{}, errors.SchemaInvalid("delegation requires a valid subject actor")
		}
		ctx.Delegation = &d
	}
	return ctx, nil
}

// verifyBearer checks the Authorization token against the configured HMAC
// secret and requires its subject claims to match the actor headers.
func (h *handler) verifyBearer(r *http.Request, claimed actor.Actor) error {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return errors.Unauthorized("bearer token required")
	}
	raw, ok := strings.CutPrefix(auth, "Bearer ")
	if !ok {
		return errors.Unauthorized("authorization header must be a bearer token")
	}

	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.Unauthorized("unexpected token signing method")
		}
		return []byte(h.jwtSecret), nil
	})
	if err != nil {
		return errors.Unauthorized("invalid bearer token").WithCause(err)
	}

	tokenType, _ := claims["actor_type"].(string)
	tokenID, _ := claims["actor_id"].(string)
	if tokenType != string(claimed.Type) || tokenID != claimed.ID {
		return errors.Unauthorized("bearer token does not match actor headers")
	}
	return nil
}

// requireScope resolves the caller and enforces a scope in one step.
func (h *handler) requireScope(r *http.Request, scope string) (actorContext, error) {
	ctx, err := h.actorFrom(r)
	if err != nil {
		return actorContext{}, err
	}
	if !ctx.HasScope(scope) {
		return actorContext{}, errors.Forbidden("missing required scope").
			WithDetails("scope", scope)
	}
	return ctx, nil
}
