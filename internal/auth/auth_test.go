package auth

import (
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVerifyAcceptanceAcceptsItsOwnSignature(t *testing.T) {
	s := New(nil, []byte("jwt-secret"), []byte("sig-secret"))
	invoiceID, quoteID, buyerID := uuid.New(), uuid.New(), uuid.New()

	sig := s.SignAcceptance(invoiceID, quoteID, buyerID)

	assert.True(t, s.VerifyAcceptance(invoiceID, quoteID, buyerID, sig))
}

func TestVerifyAcceptanceRejectsWrongQuote(t *testing.T) {
	s := New(nil, []byte("jwt-secret"), []byte("sig-secret"))
	invoiceID, buyerID := uuid.New(), uuid.New()

	sig := s.SignAcceptance(invoiceID, uuid.New(), buyerID)

	assert.False(t, s.VerifyAcceptance(invoiceID, uuid.New(), buyerID, sig))
}

func TestVerifyAcceptanceRejectsDifferentSecret(t *testing.T) {
	signer := New(nil, []byte("jwt-secret"), []byte("sig-secret-a"))
	verifier := New(nil, []byte("jwt-secret"), []byte("sig-secret-b"))
	invoiceID, quoteID, buyerID := uuid.New(), uuid.New(), uuid.New()

	sig := signer.SignAcceptance(invoiceID, quoteID, buyerID)

	assert.False(t, verifier.VerifyAcceptance(invoiceID, quoteID, buyerID, sig))
}

func TestVerifyAcceptanceRejectsMalformedSignature(t *testing.T) {
	s := New(nil, []byte("jwt-secret"), []byte("sig-secret"))
	assert.False(t, s.VerifyAcceptance(uuid.New(), uuid.New(), uuid.New(), "not-hex"))
}

func TestVerifyTokenStripsBearerPrefixAndRoundTrips(t *testing.T) {
	s := New(nil, []byte("jwt-secret"), []byte("sig-secret"))

	claims := &Claims{UserID: "u1", AccountID: "a1", Email: "buyer@example.com", Role: RoleBuyer}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.jwtSecret)
	require.NoError(t, err)

	parsed, err := s.VerifyToken("Bearer " + signed)
	require.NoError(t, err)
	assert.Equal(t, "u1", parsed.UserID)
	assert.Equal(t, RoleBuyer, parsed.Role)
}

func TestVerifyTokenRejectsWrongSecret(t *testing.T) {
	signer := New(nil, []byte("secret-a"), []byte("sig-secret"))
	verifier := New(nil, []byte("secret-b"), []byte("sig-secret"))

	claims := &Claims{UserID: "u1"}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(signer.jwtSecret)
	require.NoError(t, err)

	_, err = verifier.VerifyToken(signed)
	assert.ErrorIs(t, err, ErrInvalidToken)
}
