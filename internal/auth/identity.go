package auth

import (
	"crypto/sha256"
	"encoding/hex"
)

// Identity is the authenticated principal with credential material stripped.
type Identity struct {
	UserID  string
	IsAdmin bool
}

// Anonymous reports whether the identity carries no user.
func (i Identity) Anonymous() bool {
	return i.UserID == ""
}

// Credential pairs a user id with the credential hash a token was minted for.
type Credential struct {
	UserID         string
	CredentialHash string
}

// StoredCredential is the record the verifier compares a presented token against.
type StoredCredential struct {
	UserID         string
	CredentialHash string
	IsAdmin        bool
}

// CredentialFingerprint derives the token-borne credential hash from a stored password hash.
// Rotating the password changes the fingerprint and invalidates outstanding tokens.
func CredentialFingerprint(passwordHash string) string {
	sum := sha256.Sum256([]byte(passwordHash))
	return hex.EncodeToString(sum[:])
}
