// Package auth implements bearer-token authentication for the gateway
// and the HMAC acceptance-signature scheme that binds a buyer's
// acceptance to one specific quote id, the authorization half of the
// settlement pre-barrier.
//
// Structurally this follows the teacher's internal/auth/service.go: a
// Service wrapping a signing secret, a Claims type embedding
// jwt.RegisteredClaims, and a VerifyToken that strips a "Bearer "
// prefix before parsing.
package auth

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"golang.org/x/crypto/bcrypt"
)

var (
	ErrUserNotFound    = errors.New("auth: user not found")
	ErrInvalidPassword = errors.New("auth: invalid password")
	ErrEmailExists     = errors.New("auth: email already registered")
	ErrInvalidToken    = errors.New("auth: invalid or expired token")
)

// Role is the role claim embedded in a session token. It is declared here
// rather than imported to keep auth free of a dependency on the domain
// account model, and its values are not identical to account.Role's
// (capital_provider versus capital-provider, plus operator). The gateway
// stores the claim in the request context as-is, without converting it.
type Role string

const (
	RoleSupplier        Role = "supplier"
	RoleBuyer           Role = "buyer"
	RoleCapitalProvider Role = "capital_provider"
	RoleOperator        Role = "operator"
)

// Claims is the JWT payload issued at login, carrying enough identity
// for the gateway's middleware to authorize a request without a
// database round trip on every call.
type Claims struct {
	UserID    string `json:"user_id"`
	AccountID string `json:"account_id"`
	Email     string `json:"email"`
	Role      Role   `json:"role"`
	jwt.RegisteredClaims
}

// Service issues and verifies session tokens and acceptance signatures.
type Service struct {
	db        *sql.DB
	jwtSecret []byte
	sigSecret []byte
}

// User is a login identity, distinct from the domain account it is
// linked to by account_id — the same buyer organization may have
// several logins.
type User struct {
	ID        string    `json:"id"`
	AccountID string    `json:"account_id"`
	Email     string    `json:"email"`
	Role      Role      `json:"role"`
	CreatedAt time.Time `json:"created_at"`
}

// New constructs a Service. jwtSecret signs session tokens; sigSecret
// signs acceptance signatures. Using distinct secrets means a leaked
// session token can never be used to forge an acceptance signature.
func New(db *sql.DB, jwtSecret, sigSecret []byte) *Service {
	return &Service{db: db, jwtSecret: jwtSecret, sigSecret: sigSecret}
}

// Register creates a login tied to accountID with the given role.
func (s *Service) Register(ctx context.Context, email, password, accountID string, role Role) (*User, error) {
	var exists bool
	if err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM users WHERE email = $1)`, email).Scan(&exists); err != nil {
		return nil, fmt.Errorf("checking existing user: %w", err)
	}
	if exists {
		return nil, ErrEmailExists
	}

	hashed, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hashing password: %w", err)
	}

	userID := uuid.New().String()
	now := time.Now()

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO users (id, account_id, email, password_hash, role, created_at) VALUES ($1,$2,$3,$4,$5,$6)`,
		userID, accountID, email, hashed, role, now,
	)
	if err != nil {
		return nil, fmt.Errorf("inserting user: %w", err)
	}

	return &User{ID: userID, AccountID: accountID, Email: email, Role: role, CreatedAt: now}, nil
}

// Login verifies credentials and returns a signed session token valid
// for 24 hours.
func (s *Service) Login(ctx context.Context, email, password string) (string, error) {
	var userID, accountID, storedHash string
	var role Role

	err := s.db.QueryRowContext(ctx,
		`SELECT id, account_id, password_hash, role FROM users WHERE email = $1`, email,
	).Scan(&userID, &accountID, &storedHash, &role)
	if err == sql.ErrNoRows {
		return "", ErrUserNotFound
	}
	if err != nil {
		return "", fmt.Errorf("looking up user: %w", err)
	}

	if bcrypt.CompareHashAndPassword([]byte(storedHash), []byte(password)) != nil {
		return "", ErrInvalidPassword
	}

	now := time.Now()
	claims := &Claims{
		UserID: userID, AccountID: accountID, Email: email, Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(24 * time.Hour)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.jwtSecret)
}

// VerifyToken parses and validates a bearer token, stripping a leading
// "Bearer " prefix if present so callers can hand it the raw
// Authorization header value.
func (s *Service) VerifyToken(tokenString string) (*Claims, error) {
	tokenString = strings.TrimPrefix(tokenString, "Bearer ")

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.jwtSecret, nil
	})
	if err != nil {
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// SignAcceptance computes the HMAC-SHA256 the buyer must produce to
// accept a quote, binding the signature to exactly that
// (invoice, quote, buyer) triple — replaying it against a different
// quote or a different invoice fails verification.
func (s *Service) SignAcceptance(invoiceID, quoteID, buyerID uuid.UUID) string {
	mac := hmac.New(sha256.New, s.sigSecret)
	mac.Write(acceptanceCanonical(invoiceID, quoteID, buyerID))
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyAcceptance reports whether signature was produced by
// SignAcceptance for exactly this (invoice, quote, buyer) triple. Uses
// hmac.Equal for constant-time comparison so a timing side channel
// cannot leak the correct signature one byte at a time.
func (s *Service) VerifyAcceptance(invoiceID, quoteID, buyerID uuid.UUID, signature string) bool {
	given, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, s.sigSecret)
	mac.Write(acceptanceCanonical(invoiceID, quoteID, buyerID))
	return hmac.Equal(given, mac.Sum(nil))
}

func acceptanceCanonical(invoiceID, quoteID, buyerID uuid.UUID) []byte {
	return []byte(invoiceID.String() + "|" + quoteID.String() + "|" + buyerID.String())
}
