// Package keys manages matrixon's own Ed25519 signing identity and
// verification of remote servers' keys, the process-wide "signing key,
// loaded once, read-only after" global named in spec §9.
package keys

import (
	"context"
	"crypto/ed25519"
	"fmt"

	"github.com/matrix-org/gomatrixserverlib"
	"github.com/matrix-org/gomatrixserverlib/spec"
)

// KeyID is a Matrix key identifier, e.g. "ed25519:auto".
type KeyID string

// LocalKeyring holds this server's own signing key, read-only once
// loaded at startup (spec §9 "Global state").
type LocalKeyring struct {
	ServerName spec.ServerName
	KeyID      KeyID
	Private    ed25519.PrivateKey
	Public     ed25519.PublicKey
}

// NewLocalKeyring wraps an already-loaded private key. Loading key
// material from disk is an outer-layer concern (config/bootstrap,
// excluded per spec §1); this constructor is the seam the bootstrap
// layer calls into.
func NewLocalKeyring(serverName spec.ServerName, keyID KeyID, priv ed25519.PrivateKey) *LocalKeyring {
	return &LocalKeyring{
		ServerName: serverName,
		KeyID:      keyID,
		Private:    priv,
		Public:     priv.Public().(ed25519.PublicKey),
	}
}

// SignJSON signs canonical-JSON-encoded content with this server's key,
// returning the signature bytes (base64 encoding is the caller's
// concern, matching gomatrixserverlib's own SignJSON convention).
func (k *LocalKeyring) SignJSON(canonicalJSON []byte) []byte {
	return ed25519.Sign(k.Private, canonicalJSON)
}

// RemoteKeyFetcher resolves a remote server's current signing keys,
// fronting /_matrix/key/v2/server lookups (the HTTP fetch itself is an
// outer-layer concern; this is the capability interface federation
// receive/auth depends on).
type RemoteKeyFetcher interface {
	FetchKeys(ctx context.Context, server spec.ServerName, keyID KeyID) (ed25519.PublicKey, error)
}

// VerifyJSON checks a signature over canonical-JSON content against a
// previously fetched public key.
func VerifyJSON(pub ed25519.PublicKey, canonicalJSON, signature []byte) error {
	if !ed25519.Verify(pub, canonicalJSON, signature) {
		return fmt.Errorf("keys: signature verification failed")
	}
	return nil
}

// CanonicalJSON re-exports gomatrixserverlib's canonical-JSON encoder so
// callers never reach for encoding/json directly when hashing or signing
// an event, keeping byte-for-byte parity with the wire format (spec §8
// property 8's round-trip invariant).
func CanonicalJSON(input []byte) ([]byte, error) {
	return gomatrixserverlib.CanonicalJSON(input)
}
