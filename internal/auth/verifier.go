package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"

	"github.com/MarcoPoloResearchLab/livery/internal/apperrors"
	"github.com/golang-jwt/jwt/v5"
)

const (
	opVerify = "auth.verify"
	// AccessTokenQueryParameter carries a token on websocket handshakes.
	AccessTokenQueryParameter = "access_token"
)

// ErrUnknownUser is returned by a CredentialStore for users that do not exist.
var ErrUnknownUser = errors.New("auth: unknown user")

var (
	errMissingCredentialStore = errors.New("credential store dependency required")
	errMissingTokenParser     = errors.New("token parser dependency required")
)

// placeholderFingerprint keeps the comparison cost identical for unknown users.
var placeholderFingerprint = CredentialFingerprint("livery-placeholder-credential")

// CredentialStore loads the stored credential for a user id.
type CredentialStore interface {
	LookupCredential(ctx context.Context, userID string) (StoredCredential, error)
}

// TokenParser parses signed identity tokens.
type TokenParser interface {
	ParseToken(token string) (TokenClaims, error)
}

// VerifierConfig wires the verifier dependencies.
type VerifierConfig struct {
	Tokens      TokenParser
	Credentials CredentialStore
	CookieName  string
}

// Verifier authenticates a presented token against stored credentials.
type Verifier struct {
	tokens      TokenParser
	credentials CredentialStore
	cookieName  string
}

// NewVerifier constructs a Verifier.
func NewVerifier(cfg VerifierConfig) (*Verifier, error) {
	if cfg.Tokens == nil {
		return nil, errMissingTokenParser
	}
	if cfg.Credentials == nil {
		return nil, errMissingCredentialStore
	}
	return &Verifier{
		tokens:      cfg.Tokens,
		credentials: cfg.Credentials,
		cookieName:  strings.TrimSpace(cfg.CookieName),
	}, nil
}

// CookieName returns the cookie consulted by VerifyRequest.
func (v *Verifier) CookieName() string {
	return v.cookieName
}

// Verify checks the token and returns the identity it proves.
// Absent or malformed tokens fail with Unauthenticated; unknown users and credential
// mismatches fail with InvalidCredential.
func (v *Verifier) Verify(ctx context.Context, token string) (Identity, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Identity{}, apperrors.New(apperrors.KindUnauthenticated, opVerify, "missing_token")
	}
	claims, err := v.tokens.ParseToken(token)
	if err != nil {
		reason := "malformed_token"
		if errors.Is(err, jwt.ErrTokenExpired) {
			reason = "expired_token"
		}
		return Identity{}, apperrors.Wrap(apperrors.KindUnauthenticated, opVerify, reason, err)
	}

	stored, lookupErr := v.credentials.LookupCredential(ctx, claims.Subject)
	expected := stored.CredentialHash
	known := lookupErr == nil && expected != ""
	if !known {
		expected = placeholderFingerprint
	}
	matches := subtle.ConstantTimeCompare([]byte(expected), []byte(claims.Credential)) == 1

	if lookupErr != nil && !errors.Is(lookupErr, ErrUnknownUser) {
		return Identity{}, apperrors.FromContext(opVerify, lookupErr)
	}
	if !known || !matches {
		return Identity{}, apperrors.New(apperrors.KindInvalidCredential, opVerify, "credential_mismatch")
	}
	return Identity{UserID: stored.UserID, IsAdmin: stored.IsAdmin}, nil
}

// VerifyRequest extracts a token from the bearer header, the session cookie, or the
// access_token query parameter, in that order, and verifies it.
func (v *Verifier) VerifyRequest(r *http.Request) (Identity, error) {
	return v.Verify(r.Context(), TokenFromRequest(r, v.cookieName))
}

// TokenFromRequest returns the first token found on the request.
func TokenFromRequest(r *http.Request, cookieName string) string {
	if r == nil {
		return ""
	}
	if header := r.Header.Get("Authorization"); strings.HasPrefix(header, "Bearer ") {
		if token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer ")); token != "" {
			return token
		}
	}
	if cookieName != "" {
		if cookie, err := r.Cookie(cookieName); err == nil && cookie != nil {
			if token := strings.TrimSpace(cookie.Value); token != "" {
				return token
			}
		}
	}
	if r.URL != nil {
		return strings.TrimSpace(r.URL.Query().Get(AccessTokenQueryParameter))
	}
	return ""
}
