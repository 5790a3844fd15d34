package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMintVerify(t *testing.T) {
	iss := NewIssuer([]byte("s3cret"), time.Hour)
	tok, exp, err := iss.Mint()
	require.NoError(t, err)
	assert.NotEmpty(t, tok)
	assert.WithinDuration(t, time.Now().Add(time.Hour), exp, 5*time.Second)
	assert.NoError(t, iss.Verify(tok))
}

func TestMintProducesDistinctTokens(t *testing.T) {
	iss := NewIssuer([]byte("s3cret"), time.Hour)
	a, _, err := iss.Mint()
	require.NoError(t, err)
	b, _, err := iss.Mint()
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	tok, _, err := NewIssuer([]byte("one"), time.Hour).Mint()
	require.NoError(t, err)
	assert.ErrorIs(t, NewIssuer([]byte("two"), time.Hour).Verify(tok), ErrTokenInvalid)
}

func TestVerifyRejectsExpired(t *testing.T) {
	iss := NewIssuer([]byte("s3cret"), time.Hour)
	iss.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	tok, _, err := iss.Mint()
	require.NoError(t, err)
	assert.ErrorIs(t, iss.Verify(tok), ErrTokenInvalid)
}

func TestVerifyRejectsNoneAlg(t *testing.T) {
	claims := jwt.RegisteredClaims{Issuer: issuer, ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))}
	tok, err := jwt.NewWithClaims(jwt.SigningMethodNone, claims).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	assert.ErrorIs(t, NewIssuer([]byte("s3cret"), time.Hour).Verify(tok), ErrTokenInvalid)
}

func TestVerifyRejectsForeignIssuer(t *testing.T) {
	claims := jwt.RegisteredClaims{Issuer: "someone-else", ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))}
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("s3cret"))
	require.NoError(t, err)
	assert.ErrorIs(t, NewIssuer([]byte("s3cret"), time.Hour).Verify(tok), ErrTokenInvalid)
}

func TestAdmitOrder(t *testing.T) {
	iss := NewIssuer([]byte("s3cret"), time.Hour)
	slot := &Slot{}
	t1, exp, err := iss.Mint()
	require.NoError(t, err)

	assert.ErrorIs(t, iss.Admit("", slot), ErrTokenMissing)
	assert.ErrorIs(t, iss.Admit("garbage", slot), ErrTokenInvalid)
	// valid but no token held
	assert.ErrorIs(t, iss.Admit(t1, slot), ErrTokenMismatch)

	slot.Set(t1, exp)
	assert.NoError(t, iss.Admit(t1, slot))

	// well-formed, unexpired, but not the current one
	t2, _, err := iss.Mint()
	require.NoError(t, err)
	assert.ErrorIs(t, iss.Admit(t2, slot), ErrTokenMismatch)
}

func TestSlotClearMakesStaleTokenMismatch(t *testing.T) {
	iss := NewIssuer([]byte("s3cret"), time.Hour)
	slot := &Slot{}
	t1, exp, err := iss.Mint()
	require.NoError(t, err)
	slot.Set(t1, exp)
	assert.Equal(t, exp, slot.Expires())

	slot.Clear()
	_, ok := slot.Current()
	assert.False(t, ok)
	assert.True(t, slot.Expires().IsZero())
	assert.NoError(t, iss.Verify(t1), "stale token itself is still valid")
	assert.ErrorIs(t, iss.Admit(t1, slot), ErrTokenMismatch)
}
