// Package identity implements the client's cryptographic identity and
// token subsystem: Ed25519 keypairs, signed authentication claims,
// per-user on-disk persistence, and TTL-managed bearer tokens with
// proactive refresh.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/adred-codev/gameclient/pkg/errs"
)

// Identity is a long-lived keypair bound to a human-chosen name.
// Immutable after creation except for LastUsed.
type Identity struct {
	Name       string            `json:"name"`
	ID         string            `json:"identity_id"`
	PublicKey  []byte            `json:"public_key"`
	PrivateKey []byte            `json:"private_key"`
	CreatedAt  time.Time         `json:"created_at"`
	LastUsed   time.Time         `json:"last_used"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// DeriveID computes the identity id: SHA-256 of the public key, truncated
// to 16 bytes, hex-encoded.
func DeriveID(pub ed25519.PublicKey) string {
	sum := sha256.Sum256(pub)
	return hex.EncodeToString(sum[:16])
}

// New generates a fresh Ed25519 identity.
func New(name string) (*Identity, error) {
	const op = "identity.new"
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, errs.Wrap(errs.KindUnknown, op, err)
	}
	now := time.Now().UTC()
	return &Identity{
		Name:       name,
		ID:         DeriveID(pub),
		PublicKey:  pub,
		PrivateKey: priv,
		CreatedAt:  now,
		LastUsed:   now,
	}, nil
}

// Touch updates the last-used timestamp, the one mutable field.
func (id *Identity) Touch() { id.LastUsed = time.Now().UTC() }

// Sign signs msg with the identity's private key.
func (id *Identity) Sign(msg []byte) []byte {
	return ed25519.Sign(ed25519.PrivateKey(id.PrivateKey), msg)
}

// Verify checks a signature against the identity's public key.
func (id *Identity) Verify(msg, sig []byte) bool {
	return ed25519.Verify(ed25519.PublicKey(id.PublicKey), msg, sig)
}

// Claim is the authentication claim sent during the handshake.
type Claim struct {
	IdentityID string `json:"identity_id"`
	PublicKey  string `json:"public_key"` // base64
	Timestamp  int64  `json:"timestamp"`  // unix seconds
}

// CanonicalJSON renders the claim deterministically. Marshalling through a
// map lets encoding/json sort the keys, which is the canonical form the
// server verifies against.
func (c Claim) CanonicalJSON() []byte {
	data, _ := json.Marshal(map[string]any{
		"identity_id": c.IdentityID,
		"public_key":  c.PublicKey,
		"timestamp":   c.Timestamp,
	})
	return data
}

// AuthRequest is the first handshake message: the claim plus the
// signature over its canonical JSON.
type AuthRequest struct {
	Claim
	Signature string `json:"signature"` // base64

	// ChallengeResponse is set only on the second message, when the
	// server issued a challenge: the challenge bytes signed by the same
	// key, base64-encoded. The claim signature is carried again.
	ChallengeResponse string `json:"challenge_response,omitempty"`
}

// BuildAuthRequest creates the first handshake message for an identity.
func BuildAuthRequest(id *Identity, now time.Time) AuthRequest {
	claim := Claim{
		IdentityID: id.ID,
		PublicKey:  base64.StdEncoding.EncodeToString(id.PublicKey),
		Timestamp:  now.Unix(),
	}
	sig := id.Sign(claim.CanonicalJSON())
	return AuthRequest{
		Claim:     claim,
		Signature: base64.StdEncoding.EncodeToString(sig),
	}
}

// AnswerChallenge creates the second handshake message. The challenge is
// treated as opaque bytes: the client signs exactly what the server sent.
func AnswerChallenge(id *Identity, req AuthRequest, challenge []byte) AuthRequest {
	sig := id.Sign(challenge)
	req.ChallengeResponse = base64.StdEncoding.EncodeToString(sig)
	return req
}
