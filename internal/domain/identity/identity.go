package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// DIDKeyPrefix is the did:key method prefix carried by every Umbra DID.
const DIDKeyPrefix = "did:key:"

// ed25519 multicodec prefix (0xed01 varint) prepended before multibase encoding.
var ed25519Multicodec = []byte{0xed, 0x01}

var ErrInvalidDID = errors.New("invalid DID")

// Identity is the stable cryptographic identity of one process (peer or
// bridge bot). Generated once, persisted to disk, never rotated.
type Identity struct {
	DID           string `json:"did"`
	PublicKeyHex  string `json:"publicKeyHex"`
	PrivateKeyHex string `json:"privateKeyHex"`
}

// Generate creates a fresh ed25519 identity and derives its did:key DID.
func Generate() (*Identity, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate ed25519 key: %w", err)
	}
	return &Identity{
		DID:           DIDFromPublicKey(pub),
		PublicKeyHex:  hex.EncodeToString(pub),
		PrivateKeyHex: hex.EncodeToString(priv),
	}, nil
}

// DIDFromPublicKey derives the did:key string for an ed25519 public key:
// "did:key:z" + base58btc(0xed01 || pubkey).
func DIDFromPublicKey(pub ed25519.PublicKey) string {
	raw := append(append([]byte{}, ed25519Multicodec...), pub...)
	return DIDKeyPrefix + "z" + base58Encode(raw)
}

// Validate checks the DID string shape without resolving keys.
func Validate(did string) error {
	if !strings.HasPrefix(did, DIDKeyPrefix+"z") {
		return fmt.Errorf("%w: %q", ErrInvalidDID, did)
	}
	if len(did) < len(DIDKeyPrefix)+10 {
		return fmt.Errorf("%w: too short", ErrInvalidDID)
	}
	return nil
}

// identityFileName is the per-process identity file under the data dir.
const identityFileName = "bridge-identity.json"

// LoadOrGenerate reads the persisted identity from dataDir, generating and
// persisting a new one if the file does not exist.
func LoadOrGenerate(dataDir string) (*Identity, error) {
	path := filepath.Join(dataDir, identityFileName)

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		var id Identity
		if err := json.Unmarshal(data, &id); err != nil {
			return nil, fmt.Errorf("parse identity file %s: %w", path, err)
		}
		if err := Validate(id.DID); err != nil {
			return nil, fmt.Errorf("identity file %s: %w", path, err)
		}
		return &id, nil
	case os.IsNotExist(err):
		id, genErr := Generate()
		if genErr != nil {
			return nil, genErr
		}
		if err := save(path, id); err != nil {
			return nil, err
		}
		return id, nil
	default:
		return nil, fmt.Errorf("read identity file %s: %w", path, err)
	}
}

func save(path string, id *Identity) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("mkdir %s: %w", filepath.Dir(path), err)
	}
	data, err := json.MarshalIndent(id, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

const base58Alphabet = "123456789ABCDEFGHJKLMNPQRSTUVWXYZabcdefghijkmnopqrstuvwxyz"

// base58Encode implements base58btc. Small enough to keep local; no
// dependency in the stack ships it on its own.
func base58Encode(input []byte) string {
	zeros := 0
	for zeros < len(input) && input[zeros] == 0 {
		zeros++
	}

	// Each byte expands by log(256)/log(58) ~ 1.37.
	size := (len(input)-zeros)*138/100 + 1
	buf := make([]byte, size)
	high := size - 1
	for _, b := range input[zeros:] {
		carry := int(b)
		i := size - 1
		for ; i > high || carry != 0; i-- {
			carry += 256 * int(buf[i])
			buf[i] = byte(carry % 58)
			carry /= 58
		}
		high = i
	}

	start := 0
	for start < size && buf[start] == 0 {
		start++
	}

	out := make([]byte, 0, zeros+size-start)
	for i := 0; i < zeros; i++ {
		out = append(out, base58Alphabet[0])
	}
	for _, d := range buf[start:] {
		out = append(out, base58Alphabet[d])
	}
	return string(out)
}
