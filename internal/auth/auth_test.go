package auth

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	srverrors "github.com/zerocache/sync-engine/internal/errors"
)

func TestUpdateOpaqueTokenBindsUserAndIncrementsRevision(t *testing.T) {
	s := New(nil)
	err := s.Update(context.Background(), "user-1", "token-a")
	require.NoError(t, err)
	assert.Equal(t, 1, s.Revision())
	assert.Equal(t, KindOpaque, s.Current().Kind)
}

func TestUpdateIdempotentUnderIdenticalToken(t *testing.T) {
	s := New(nil)
	require.NoError(t, s.Update(context.Background(), "user-1", "token-a"))
	require.NoError(t, s.Update(context.Background(), "user-1", "token-a"))
	assert.Equal(t, 1, s.Revision(), "identical opaque token must not bump revision")
}

func TestUpdateDifferentTokenBumpsRevision(t *testing.T) {
	s := New(nil)
	require.NoError(t, s.Update(context.Background(), "user-1", "token-a"))
	require.NoError(t, s.Update(context.Background(), "user-1", "token-b"))
	assert.Equal(t, 2, s.Revision())
}

func TestUpdateRejectsSecondUser(t *testing.T) {
	s := New(nil)
	require.NoError(t, s.Update(context.Background(), "user-1", "token-a"))
	err := s.Update(context.Background(), "user-2", "token-b")
	require.Error(t, err)
	var pe *srverrors.ProtocolError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, srverrors.KindUnauthorized, pe.Body.Kind)
}

func TestUpdateRejectsNoTokenOnAuthenticatedSession(t *testing.T) {
	s := New(nil)
	require.NoError(t, s.Update(context.Background(), "user-1", "token-a"))
	err := s.Update(context.Background(), "user-1", "")
	require.Error(t, err)
}

func TestUpdateWithoutTokenLeavesSessionUnauthenticated(t *testing.T) {
	s := New(nil)
	require.NoError(t, s.Update(context.Background(), "user-1", ""))
	assert.Nil(t, s.Current())
}

func TestPickTokenSubMismatchFails(t *testing.T) {
	iat1 := int64(100)
	prev := &Auth{Kind: KindJWT, Decoded: &Decoded{Sub: "a", IAT: &iat1}}
	next := &Auth{Kind: KindJWT, Decoded: &Decoded{Sub: "b", IAT: &iat1}}
	_, err := pickToken(prev, next)
	require.Error(t, err)
}

func TestPickTokenPrevNoIATAcceptsNew(t *testing.T) {
	prev := &Auth{Kind: KindJWT, Decoded: &Decoded{Sub: "a"}}
	iat := int64(5)
	next := &Auth{Kind: KindJWT, Decoded: &Decoded{Sub: "a", IAT: &iat}}
	got, err := pickToken(prev, next)
	require.NoError(t, err)
	assert.Same(t, next, got)
}

func TestPickTokenNewMissingIATWhilePrevHasOneFails(t *testing.T) {
	iat := int64(5)
	prev := &Auth{Kind: KindJWT, Decoded: &Decoded{Sub: "a", IAT: &iat}}
	next := &Auth{Kind: KindJWT, Decoded: &Decoded{Sub: "a"}}
	_, err := pickToken(prev, next)
	require.Error(t, err)
}

func TestPickTokenNewerIATWins(t *testing.T) {
	older := int64(5)
	newer := int64(10)
	prev := &Auth{Kind: KindJWT, Decoded: &Decoded{Sub: "a", IAT: &older}}
	next := &Auth{Kind: KindJWT, Decoded: &Decoded{Sub: "a", IAT: &newer}}
	got, err := pickToken(prev, next)
	require.NoError(t, err)
	assert.Same(t, next, got)
}

func TestPickTokenEqualOrOlderKeepsExisting(t *testing.T) {
	same := int64(5)
	prev := &Auth{Kind: KindJWT, Decoded: &Decoded{Sub: "a", IAT: &same}}
	next := &Auth{Kind: KindJWT, Decoded: &Decoded{Sub: "a", IAT: &same}}
	got, err := pickToken(prev, next)
	require.NoError(t, err)
	assert.Same(t, prev, got)
}

func TestUpdateOpaqueCannotReplaceJWT(t *testing.T) {
	s := New(func(_ context.Context, raw, userID string) (Decoded, error) {
		iat := int64(1)
		return Decoded{Sub: userID, IAT: &iat}, nil
	})
	require.NoError(t, s.Update(context.Background(), "user-1", "jwt-a"))

	s.validator = nil
	err := s.Update(context.Background(), "user-1", "opaque-b")
	require.Error(t, err)
}

func TestClearResetsAllState(t *testing.T) {
	s := New(nil)
	require.NoError(t, s.Update(context.Background(), "user-1", "token-a"))
	s.Clear()
	assert.Nil(t, s.Current())
	assert.Equal(t, 0, s.Revision())
	require.NoError(t, s.Update(context.Background(), "user-2", "token-b"))
}
