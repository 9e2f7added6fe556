// Package identity manages the server's long-lived Ed25519 keypair and
// everything derived from it: the server id, the ring node id, and the
// canonical-JSON signatures that authenticate every gossip message and
// cluster handshake.
//
// Derivations (must match byte-for-byte on every server):
//
//	serverId = "ed25519:" + base64(publicKey)
//	nodeId   = hex(sha256(publicKey)[:20])
//
// The keypair is generated once at first boot and persisted; serverId
// therefore survives restarts, while ephemeralId is fresh per process.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// ServerIDPrefix tags a base64 Ed25519 public key as a server id.
const ServerIDPrefix = "ed25519:"

// NodeIDBytes is the truncated-digest width shared with the hash ring.
const NodeIDBytes = 20

var ErrBadServerID = errors.New("identity: malformed server id")

// Identity is the server's cryptographic identity.
type Identity struct {
	PublicKey   ed25519.PublicKey
	privateKey  ed25519.PrivateKey
	ServerID    string
	NodeID      string
	EphemeralID string
}

type keyFile struct {
	PrivateKey string `json:"privateKey"` // base64 ed25519 seed+pub (64 bytes)
	PublicKey  string `json:"publicKey"`
}

// Generate creates a fresh identity without persisting it.
func Generate(ephemeralPrefix string) (*Identity, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate ed25519 key: %w", err)
	}
	return fromKeys(pub, priv, ephemeralPrefix), nil
}

// LoadOrCreate loads the identity stored at path, creating and persisting
// a new one if the file does not exist. Any other read error is fatal to
// the caller; starting with a half-usable identity could desync the ring.
func LoadOrCreate(path, ephemeralPrefix string) (*Identity, error) {
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		var kf keyFile
		if err := json.Unmarshal(data, &kf); err != nil {
			return nil, fmt.Errorf("parse identity file %s: %w", path, err)
		}
		priv, err := base64.StdEncoding.DecodeString(kf.PrivateKey)
		if err != nil || len(priv) != ed25519.PrivateKeySize {
			return nil, fmt.Errorf("identity file %s: invalid private key", path)
		}
		key := ed25519.PrivateKey(priv)
		return fromKeys(key.Public().(ed25519.PublicKey), key, ephemeralPrefix), nil
	case os.IsNotExist(err):
		id, err := Generate(ephemeralPrefix)
		if err != nil {
			return nil, err
		}
		if err := id.Save(path); err != nil {
			return nil, err
		}
		return id, nil
	default:
		return nil, fmt.Errorf("read identity file %s: %w", path, err)
	}
}

// Save persists the keypair with owner-only permissions.
func (id *Identity) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create identity dir: %w", err)
	}
	kf := keyFile{
		PrivateKey: base64.StdEncoding.EncodeToString(id.privateKey),
		PublicKey:  base64.StdEncoding.EncodeToString(id.PublicKey),
	}
	data, err := json.MarshalIndent(kf, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write identity file: %w", err)
	}
	return os.Rename(tmp, path)
}

func fromKeys(pub ed25519.PublicKey, priv ed25519.PrivateKey, ephemeralPrefix string) *Identity {
	digest := sha256.Sum256(pub)
	eph := uuid.NewString()
	if ephemeralPrefix != "" {
		eph = ephemeralPrefix + "-" + eph
	}
	return &Identity{
		PublicKey:   pub,
		privateKey:  priv,
		ServerID:    ServerIDPrefix + base64.StdEncoding.EncodeToString(pub),
		NodeID:      hex.EncodeToString(digest[:NodeIDBytes]),
		EphemeralID: eph,
	}
}

// Sign signs raw bytes with the server's private key.
func (id *Identity) Sign(data []byte) []byte {
	return ed25519.Sign(id.privateKey, data)
}

// SignJSON canonicalizes v and signs the canonical bytes, returning the
// signature base64-encoded for embedding in a JSON message.
func (id *Identity) SignJSON(v any) (string, error) {
	data, err := CanonicalJSON(v)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(id.Sign(data)), nil
}

// VerifyJSON checks a base64 signature over the canonical form of v
// against the given public key.
func VerifyJSON(pub ed25519.PublicKey, v any, sigB64 string) bool {
	sig, err := base64.StdEncoding.DecodeString(sigB64)
	if err != nil {
		return false
	}
	data, err := CanonicalJSON(v)
	if err != nil {
		return false
	}
	return ed25519.Verify(pub, data, sig)
}

// EncodeKey renders a public key in the base64 form used on the wire.
func EncodeKey(pub ed25519.PublicKey) string {
	return base64.StdEncoding.EncodeToString(pub)
}

// DecodeKey parses the wire form of a public key.
func DecodeKey(s string) (ed25519.PublicKey, error) {
	key, err := base64.StdEncoding.DecodeString(s)
	if err != nil || len(key) != ed25519.PublicKeySize {
		return nil, errors.New("identity: malformed public key")
	}
	return ed25519.PublicKey(key), nil
}

// PublicKeyFromServerID decodes the base64 public key embedded in a
// server id. The claimed key of any message must match this derivation,
// otherwise a signer could claim an arbitrary id.
func PublicKeyFromServerID(serverID string) (ed25519.PublicKey, error) {
	raw, ok := strings.CutPrefix(serverID, ServerIDPrefix)
	if !ok {
		return nil, ErrBadServerID
	}
	key, err := base64.StdEncoding.DecodeString(raw)
	if err != nil || len(key) != ed25519.PublicKeySize {
		return nil, ErrBadServerID
	}
	return ed25519.PublicKey(key), nil
}

// NodeIDForServerID derives the 160-bit ring node id for any server id.
func NodeIDForServerID(serverID string) (string, error) {
	pub, err := PublicKeyFromServerID(serverID)
	if err != nil {
		return "", err
	}
	digest := sha256.Sum256(pub)
	return hex.EncodeToString(digest[:NodeIDBytes]), nil
}

// CanonicalJSON renders v as JSON with all object keys sorted and no
// insignificant whitespace. Both signer and verifier run the value
// through the same normalization, so struct field order never matters.
func CanonicalJSON(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var intermediate any
	if err := json.Unmarshal(raw, &intermediate); err != nil {
		return nil, err
	}
	// encoding/json sorts map keys on marshal, which is exactly the
	// canonical ordering; re-marshalling the generic form applies it
	// recursively.
	return json.Marshal(intermediate)
}
