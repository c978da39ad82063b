package security

import (
	"context"
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/binary"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/crypto/hkdf"

	"github.com/avaropoint/crunchy/internal/keycache"
	"github.com/avaropoint/crunchy/internal/uid"
)

// Platform holds the host's Ed25519 identity keypair and a derived
// symmetric key used for HMAC-SHA-512 signing.
type Platform struct {
	PublicKey  ed25519.PublicKey
	privateKey ed25519.PrivateKey
	signKey    []byte // HKDF-derived key for HMAC signing
}

// Fingerprint returns the SHA-256 hex fingerprint of the platform public key.
func (p *Platform) Fingerprint() string {
	h := sha256.Sum256(p.PublicKey)
	return hex.EncodeToString(h[:])
}

// Countersign endorses id for the given key-size class. It implements
// uid.Authority and never blocks, but honours an already-cancelled context.
func (p *Platform) Countersign(ctx context.Context, id uid.UID, keySizeBits int) (uid.Countersignature, error) {
	if err := ctx.Err(); err != nil {
		return uid.Countersignature{}, err
	}
	mac := p.mac(countersignMessage(id, keySizeBits))
	return uid.Countersignature{
		UID:       id,
		Signature: fmt.Sprintf("v1.%s.%d.%s", string(id), keySizeBits, hex.EncodeToString(mac)),
	}, nil
}

// VerifyCountersignature checks a v1 countersignature and returns the UID
// and key size it endorses.
func (p *Platform) VerifyCountersignature(sig string) (uid.UID, int, error) {
	parts := strings.Split(sig, ".")
	if len(parts) != 4 || parts[0] != "v1" {
		return "", 0, fmt.Errorf("unsupported countersignature version")
	}

	id := uid.UID(parts[1])
	bits, err := strconv.Atoi(parts[2])
	if err != nil {
		return "", 0, fmt.Errorf("malformed countersignature key size")
	}

	provided, err := hex.DecodeString(parts[3])
	if err != nil {
		return "", 0, fmt.Errorf("malformed countersignature MAC")
	}

	if !hmac.Equal(provided, p.mac(countersignMessage(id, bits))) {
		return "", 0, fmt.Errorf("invalid countersignature")
	}
	return id, bits, nil
}

// Sign returns the hex HMAC of msg. Signature tokens use it for their
// self-signature.
func (p *Platform) Sign(msg []byte) string {
	return hex.EncodeToString(p.mac(append([]byte("self-signature:"), msg...)))
}

// ContentKey derives the fixed-width key-cache key of a signature.
func ContentKey(signature string) keycache.Key {
	h := sha256.Sum256([]byte(signature))
	return keycache.Key(binary.BigEndian.Uint64(h[:8]))
}

func (p *Platform) mac(msg []byte) []byte {
	m := hmac.New(sha512.New, p.signKey)
	m.Write(msg)
	return m.Sum(nil)
}

func countersignMessage(id uid.UID, bits int) []byte {
	return []byte(fmt.Sprintf("uid-countersign:%s:%d", string(id), bits))
}

// KeyFile is the platform key file name inside the data directory.
const KeyFile = "platform.key"

// LoadOrCreatePlatform loads the platform keypair from dataDir or generates one.
func LoadOrCreatePlatform(dataDir string) (*Platform, error) {
	keyPath := filepath.Join(dataDir, KeyFile)
	if fileExists(keyPath) {
		return loadPlatformKey(keyPath)
	}
	return generatePlatformKey(keyPath)
}

// LoadPlatform loads an existing platform keypair from dataDir. A missing
// key yields an error satisfying errors.Is(err, os.ErrNotExist).
func LoadPlatform(dataDir string) (*Platform, error) {
	return loadPlatformKey(filepath.Join(dataDir, KeyFile))
}

func loadPlatformKey(path string) (*Platform, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	block, _ := pem.Decode(data)
	if block == nil || block.Type != "PRIVATE KEY" {
		return nil, fmt.Errorf("invalid platform key file")
	}

	if len(block.Bytes) != ed25519.SeedSize {
		return nil, fmt.Errorf("invalid platform key size")
	}

	return newPlatform(ed25519.NewKeyFromSeed(block.Bytes)), nil
}

func generatePlatformKey(path string) (*Platform, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, err
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return nil, err
	}

	if err := pem.Encode(f, &pem.Block{Type: "PRIVATE KEY", Bytes: priv.Seed()}); err != nil {
		f.Close() //nolint:errcheck
		return nil, err
	}
	if err := f.Close(); err != nil {
		return nil, err
	}

	return newPlatform(priv), nil
}

// NewPlatform wraps an existing private key. Tests and embedders that keep
// the key elsewhere use it instead of LoadOrCreatePlatform.
func NewPlatform(priv ed25519.PrivateKey) *Platform { return newPlatform(priv) }

func newPlatform(priv ed25519.PrivateKey) *Platform {
	// HKDF-SHA-512 keeps the HMAC key independent of the signing key.
	signKey := make([]byte, 64)
	r := hkdf.New(sha512.New, priv.Seed(), []byte("crunchy-signature-v1"), []byte("component-identity"))
	io.ReadFull(r, signKey) //nolint:errcheck

	return &Platform{
		PublicKey:  priv.Public().(ed25519.PublicKey),
		privateKey: priv,
		signKey:    signKey,
	}
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
