// Package auth implements the per-client-group authentication state
// machine of spec.md §4.5: a client group is pinned to at most one
// user, its token type is immutable once bound, and token updates are
// idempotent under identical input. Grounded on auth/jwt.go's claim
// comparison and auth/middleware.go's bind-once session shape.
package auth

import (
	"context"

	"github.com/golang-jwt/jwt/v5"

	srverrors "github.com/zerocache/sync-engine/internal/errors"
)

// Kind discriminates the Auth tagged variant of spec.md §3.
type Kind string

const (
	KindOpaque Kind = "opaque"
	KindJWT    Kind = "jwt"
)

// Decoded holds the claims this module cares about off a validated
// JWT: sub (user id) and an optional iat used for pickToken's
// freshness comparison.
type Decoded struct {
	Sub string
	IAT *int64
}

// Auth is the tagged variant described in spec.md §3.
type Auth struct {
	Kind    Kind
	Raw     string
	Decoded *Decoded // only set when Kind == KindJWT
}

func (a *Auth) equal(b *Auth) bool {
	if a == nil || b == nil {
		return a == b
	}
	if a.Kind != b.Kind || a.Raw != b.Raw {
		return false
	}
	return true
}

// Validator validates an opaque wire token against a legacy JWT
// policy, returning the decoded claims. Implementations that reject
// should return a *srverrors.ProtocolError to have their ErrorBody
// propagated verbatim; any other error is mapped to AuthInvalidated.
type Validator func(ctx context.Context, rawToken string, userID string) (Decoded, error)

// Session is spec.md §4.5's AuthSession: per client-group auth state.
type Session struct {
	auth         *Auth
	boundUserID  string
	hasBoundUser bool
	revision     int

	validator Validator
}

// New constructs an empty Session. validator may be nil, selecting the
// opaque-token-only path described in spec.md §4.5 step 6.
func New(validator Validator) *Session {
	return &Session{validator: validator}
}

// Revision returns the current auth revision, incremented each time
// Update commits an auth value that differs from the previous one.
func (s *Session) Revision() int { return s.revision }

// Current returns the currently bound Auth, or nil if unauthenticated.
func (s *Session) Current() *Auth { return s.auth }

// Update applies an incoming (userID, wireAuth) pair per the five-step
// policy of spec.md §4.5. On success it returns nil; on rejection it
// returns a *srverrors.ProtocolError whose Body is ready to serialize
// to the client.
func (s *Session) Update(ctx context.Context, userID, wireAuth string) error {
	if s.hasBoundUser && userID != s.boundUserID {
		return srverrors.Unauthorized("Client groups are pinned to a single user")
	}

	hasProvidedAuth := wireAuth != ""

	if !hasProvidedAuth && s.auth != nil {
		return srverrors.Unauthorized("No token provided. An unauthenticated client cannot connect to an authenticated client group")
	}

	var next *Auth
	switch {
	case !hasProvidedAuth:
		next = nil

	case s.validator != nil:
		decoded, err := s.validator(ctx, wireAuth, userID)
		if err != nil {
			if pe, ok := err.(*srverrors.ProtocolError); ok {
				return pe
			}
			return srverrors.AuthInvalidated(err.Error())
		}
		candidate := &Auth{Kind: KindJWT, Raw: wireAuth, Decoded: &decoded}
		picked, err := pickToken(s.auth, candidate)
		if err != nil {
			return err
		}
		next = picked

	default:
		if s.auth != nil && s.auth.Kind == KindJWT {
			return srverrors.AssertionFailedf("auth: opaque token cannot replace a jwt")
		}
		next = &Auth{Kind: KindOpaque, Raw: wireAuth}
	}

	changed := !s.auth.equal(next)
	s.auth = next
	if !s.hasBoundUser {
		s.boundUserID = userID
		s.hasBoundUser = true
	}
	if changed {
		s.revision++
	}
	return nil
}

// pickToken implements spec.md §4.5's JWT freshness policy: sub must
// match across updates; a prior token with no iat always accepts the
// new one; a new token missing iat while the prior has one is
// rejected; otherwise the token with the newer iat wins, ties keeping
// the existing token.
func pickToken(prev *Auth, next *Auth) (*Auth, error) {
	if prev == nil || prev.Kind != KindJWT {
		return next, nil
	}
	if prev.Decoded.Sub != next.Decoded.Sub {
		return nil, srverrors.Unauthorized("jwt sub claim changed")
	}
	if prev.Decoded.IAT == nil {
		return next, nil
	}
	if next.Decoded.IAT == nil {
		return nil, srverrors.Unauthorized("jwt missing iat while existing token has one")
	}
	if *next.Decoded.IAT > *prev.Decoded.IAT {
		return next, nil
	}
	return prev, nil
}

// Clear resets all session state, per spec.md §4.5's clear().
func (s *Session) Clear() {
	s.auth = nil
	s.boundUserID = ""
	s.hasBoundUser = false
	s.revision = 0
}

// DecodeJWT is the default Validator implementation for deployments
// using golang-jwt directly rather than a delegated legacy validator,
// extracting sub/iat per spec.md §3's Auth shape.
func DecodeJWT(keyFunc jwt.Keyfunc) Validator {
	return func(_ context.Context, rawToken string, userID string) (Decoded, error) {
		claims := jwt.MapClaims{}
		_, err := jwt.ParseWithClaims(rawToken, claims, keyFunc)
		if err != nil {
			return Decoded{}, err
		}

		sub, _ := claims["sub"].(string)
		if sub == "" {
			sub = userID
		}

		var iat *int64
		switch v := claims["iat"].(type) {
		case float64:
			n := int64(v)
			iat = &n
		case jwt.NumericDate:
			n := v.Unix()
			iat = &n
		}

		return Decoded{Sub: sub, IAT: iat}, nil
	}
}
