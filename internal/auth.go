package internal

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
	"golang.org/x/crypto/argon2"

	"github.com/Companyprojects-ux/CLI-Chat/internal/storage"
)

// Argon2id parameters; changing them invalidates stored hashes.
const (
	argonTime    = 1
	argonMemory  = 64 * 1024
	argonThreads = 4
	argonKeyLen  = 32
	argonSaltLen = 16
)

// DefaultTokenTTL is how long an issued bearer token stays valid.
const DefaultTokenTTL = 24 * time.Hour

var (
	// ErrBadCredentials is returned for an unknown user, a wrong password,
	// or a deactivated account.
	ErrBadCredentials = errors.New("invalid username or password")
	// ErrBadToken is returned for malformed, forged, or expired tokens.
	ErrBadToken = errors.New("invalid or expired token")
)

// AuthRequest is the first frame a client sends after connecting.
type AuthRequest struct {
	Type     string `json:"type"` // "login" or "token"
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
	Token    string `json:"token,omitempty"`
}

// AuthResponse answers the authentication request. Success responses to a
// password login carry a bearer token for future reconnects.
type AuthResponse struct {
	Type     string `json:"type"` // always "auth_response"
	Success  bool   `json:"success"`
	Token    string `json:"token,omitempty"`
	Username string `json:"username,omitempty"`
	IsAdmin  bool   `json:"is_admin,omitempty"`
	Message  string `json:"message,omitempty"`
}

type tokenClaims struct {
	Username string `json:"username"`
	IsAdmin  bool   `json:"is_admin"`
}

// CredentialGate verifies username/password or bearer-token credentials
// against the user store and issues tokens for successful logins.
type CredentialGate struct {
	store    *storage.Store
	secret   []byte
	tokenTTL time.Duration
}

func NewCredentialGate(store *storage.Store, secret []byte, tokenTTL time.Duration) *CredentialGate {
	if tokenTTL <= 0 {
		tokenTTL = DefaultTokenTTL
	}
	return &CredentialGate{store: store, secret: secret, tokenTTL: tokenTTL}
}

// HashPassword derives an Argon2id hash with a fresh random salt, encoded as
// a single string with the salt embedded.
func HashPassword(password string) (string, error) {
	salt := make([]byte, argonSaltLen)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}
	key := argon2.IDKey([]byte(password), salt, argonTime, argonMemory, argonThreads, argonKeyLen)
	return fmt.Sprintf("argon2id$%s$%s",
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key)), nil
}

// VerifyPassword checks a password against an encoded hash in constant time.
func VerifyPassword(password, encoded string) bool {
	parts := strings.Split(encoded, "$")
	if len(parts) != 3 || parts[0] != "argon2id" {
		return false
	}
	salt, err := base64.RawStdEncoding.DecodeString(parts[1])
	if err != nil {
		return false
	}
	want, err := base64.RawStdEncoding.DecodeString(parts[2])
	if err != nil {
		return false
	}
	got := argon2.IDKey([]byte(password), salt, argonTime, argonMemory, argonThreads, argonKeyLen)
	return subtle.ConstantTimeCompare(got, want) == 1
}

// Login verifies a username/password pair, stamps the login, and issues a
// bearer token for reconnects.
func (g *CredentialGate) Login(ctx context.Context, username, password string) (*storage.User, string, error) {
	user, err := g.store.GetUserByUsername(ctx, username)
	if err != nil {
		return nil, "", fmt.Errorf("lookup user: %w", err)
	}
	if user == nil || !user.IsActive || !VerifyPassword(password, user.PasswordHash) {
		return nil, "", ErrBadCredentials
	}
	if err := g.store.UpdateLastLogin(ctx, user.ID); err != nil {
		return nil, "", fmt.Errorf("update last login: %w", err)
	}
	token, err := g.issueToken(user)
	if err != nil {
		return nil, "", fmt.Errorf("issue token: %w", err)
	}
	return user, token, nil
}

// Authenticate verifies a bearer token and resolves it to a live user row.
func (g *CredentialGate) Authenticate(ctx context.Context, token string) (*storage.User, error) {
	claims, err := g.verifyToken(token)
	if err != nil {
		return nil, err
	}
	user, err := g.store.GetUserByUsername(ctx, claims.Username)
	if err != nil {
		return nil, fmt.Errorf("lookup user: %w", err)
	}
	if user == nil || !user.IsActive {
		return nil, ErrBadToken
	}
	if err := g.store.UpdateLastLogin(ctx, user.ID); err != nil {
		return nil, fmt.Errorf("update last login: %w", err)
	}
	return user, nil
}

func (g *CredentialGate) issueToken(user *storage.User) (string, error) {
	signer, err := jose.NewSigner(
		jose.SigningKey{Algorithm: jose.HS256, Key: g.secret},
		(&jose.SignerOptions{}).WithType("JWT"))
	if err != nil {
		return "", err
	}
	now := time.Now()
	standard := jwt.Claims{
		Subject:  strconv.FormatInt(user.ID, 10),
		IssuedAt: jwt.NewNumericDate(now),
		Expiry:   jwt.NewNumericDate(now.Add(g.tokenTTL)),
	}
	private := tokenClaims{Username: user.Username, IsAdmin: user.IsAdmin}
	return jwt.Signed(signer).Claims(standard).Claims(private).Serialize()
}

func (g *CredentialGate) verifyToken(raw string) (*tokenClaims, error) {
	parsed, err := jwt.ParseSigned(raw, []jose.SignatureAlgorithm{jose.HS256})
	if err != nil {
		return nil, ErrBadToken
	}
	var standard jwt.Claims
	var private tokenClaims
	if err := parsed.Claims(g.secret, &standard, &private); err != nil {
		return nil, ErrBadToken
	}
	if err := standard.Validate(jwt.Expected{Time: time.Now()}); err != nil {
		return nil, ErrBadToken
	}
	if private.Username == "" {
		return nil, ErrBadToken
	}
	return &private, nil
}
