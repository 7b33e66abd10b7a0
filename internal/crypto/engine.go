// Package crypto implements the hybrid end-to-end encryption used for
// whispers: a fresh AES-256 key per message, wrapped with the peer's
// RSA-2048 public key under OAEP/SHA-256, with the payload sealed by
// AES-GCM. The server never sees any of this; envelopes are produced and
// opened entirely on the client side.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"hash"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/awnumar/memguard"
)

const (
	rsaKeyBits = 2048
	aesKeyLen  = 32
)

// ErrInvalidKeyFormat is returned when peer key material cannot be parsed
// as a PEM-encoded RSA public key.
var ErrInvalidKeyFormat = errors.New("invalid public key format")

// Envelope is the self-describing bundle produced by hybrid encryption. The
// iv field carries the GCM nonce; all three fields are base64.
type Envelope struct {
	EncryptedKey string `json:"encrypted_key"`
	IV           string `json:"iv"`
	Ciphertext   string `json:"ciphertext"`
}

// Engine holds one local keypair and a cache of peers' public keys. Key
// material is persisted under keysDir: <user>_private.pem, <user>_public.pem
// and <peer>_peer.pem. The private key lives in a memguard enclave and is
// only opened around operations that need it.
type Engine struct {
	keysDir  string
	username string

	private   *memguard.Enclave // PKCS#8 DER
	publicPEM []byte

	mu    sync.Mutex
	peers map[string]*rsa.PublicKey
}

// NewEngine loads the keypair for username from keysDir, generating and
// persisting a fresh one on first use. The same username always gets the
// same keypair across restarts.
func NewEngine(keysDir, username string) (*Engine, error) {
	if keysDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolve home dir: %w", err)
		}
		keysDir = filepath.Join(home, ".clichat", "keys")
	}
	if err := os.MkdirAll(keysDir, 0o700); err != nil {
		return nil, fmt.Errorf("create keys dir: %w", err)
	}
	engine := &Engine{
		keysDir:  keysDir,
		username: username,
		peers:    make(map[string]*rsa.PublicKey),
	}
	if err := engine.loadOrGenerate(); err != nil {
		return nil, err
	}
	return engine, nil
}

func (e *Engine) privatePath() string {
	return filepath.Join(e.keysDir, e.username+"_private.pem")
}

func (e *Engine) publicPath() string {
	return filepath.Join(e.keysDir, e.username+"_public.pem")
}

func (e *Engine) peerPath(username string) string {
	return filepath.Join(e.keysDir, username+"_peer.pem")
}

func (e *Engine) loadOrGenerate() error {
	privatePEM, privErr := os.ReadFile(e.privatePath())
	publicPEM, pubErr := os.ReadFile(e.publicPath())
	if privErr == nil && pubErr == nil {
		block, _ := pem.Decode(privatePEM)
		if block == nil || block.Type != "PRIVATE KEY" {
			return fmt.Errorf("parse %s: %w", e.privatePath(), ErrInvalidKeyFormat)
		}
		if _, err := x509.ParsePKCS8PrivateKey(block.Bytes); err != nil {
			return fmt.Errorf("parse private key: %w", err)
		}
		e.private = memguard.NewEnclave(block.Bytes)
		e.publicPEM = publicPEM
		return nil
	}
	return e.generate()
}

// generate creates a fresh RSA-2048 keypair and persists both halves.
func (e *Engine) generate() error {
	key, err := rsa.GenerateKey(rand.Reader, rsaKeyBits)
	if err != nil {
		return fmt.Errorf("generate keypair: %w", err)
	}
	privateDER, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return fmt.Errorf("marshal private key: %w", err)
	}
	publicDER, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		return fmt.Errorf("marshal public key: %w", err)
	}
	privatePEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: privateDER})
	publicPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: publicDER})
	if err := os.WriteFile(e.privatePath(), privatePEM, 0o600); err != nil {
		return fmt.Errorf("write private key: %w", err)
	}
	if err := os.WriteFile(e.publicPath(), publicPEM, 0o644); err != nil {
		return fmt.Errorf("write public key: %w", err)
	}
	e.private = memguard.NewEnclave(privateDER)
	e.publicPEM = publicPEM
	return nil
}

// Regenerate discards the current keypair and persists a fresh one.
func (e *Engine) Regenerate() error {
	return e.generate()
}

// PublicKeyPEM returns the local public key in PEM form, ready to send to a
// peer during key exchange.
func (e *Engine) PublicKeyPEM() []byte {
	return e.publicPEM
}

// ImportPeerKey validates peer public key material and stores it for later
// encryption, both in memory and on disk. Malformed material is rejected
// with ErrInvalidKeyFormat; only surrounding whitespace is repaired.
func (e *Engine) ImportPeerKey(username string, material []byte) error {
	trimmed := []byte(strings.TrimSpace(string(material)))
	pub, err := parsePublicKeyPEM(trimmed)
	if err != nil {
		return err
	}
	if err := os.WriteFile(e.peerPath(username), append(trimmed, '\n'), 0o644); err != nil {
		return fmt.Errorf("persist peer key: %w", err)
	}
	e.mu.Lock()
	e.peers[username] = pub
	e.mu.Unlock()
	return nil
}

// HasPeerKey reports whether a usable public key for the peer is on file.
func (e *Engine) HasPeerKey(username string) bool {
	_, ok := e.peerKey(username)
	return ok
}

// peerKey resolves a peer's public key from the cache, falling back to the
// persisted copy. Losing the on-disk copy only degrades to "no longer
// encrypted".
func (e *Engine) peerKey(username string) (*rsa.PublicKey, bool) {
	e.mu.Lock()
	if pub, ok := e.peers[username]; ok {
		e.mu.Unlock()
		return pub, true
	}
	e.mu.Unlock()

	material, err := os.ReadFile(e.peerPath(username))
	if err != nil {
		return nil, false
	}
	pub, err := parsePublicKeyPEM([]byte(strings.TrimSpace(string(material))))
	if err != nil {
		return nil, false
	}
	e.mu.Lock()
	e.peers[username] = pub
	e.mu.Unlock()
	return pub, true
}

// EncryptFor seals plaintext for the named peer. It returns ok=false when no
// peer key is on file. Every call draws a fresh symmetric key and nonce, so
// two envelopes for the same plaintext never match.
func (e *Engine) EncryptFor(plaintext, peerUsername string) (string, bool) {
	pub, ok := e.peerKey(peerUsername)
	if !ok {
		return "", false
	}
	aesKey := make([]byte, aesKeyLen)
	if _, err := io.ReadFull(rand.Reader, aesKey); err != nil {
		return "", false
	}
	wrapped, err := rsa.EncryptOAEP(newOAEPHash(), rand.Reader, pub, aesKey, nil)
	if err != nil {
		return "", false
	}
	aead, err := newAEAD(aesKey)
	if err != nil {
		return "", false
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", false
	}
	ciphertext := aead.Seal(nil, nonce, []byte(plaintext), nil)
	envelope := Envelope{
		EncryptedKey: base64.StdEncoding.EncodeToString(wrapped),
		IV:           base64.StdEncoding.EncodeToString(nonce),
		Ciphertext:   base64.StdEncoding.EncodeToString(ciphertext),
	}
	encoded, err := json.Marshal(envelope)
	if err != nil {
		return "", false
	}
	return string(encoded), true
}

// Decrypt opens an envelope with the local private key. Any structural or
// cryptographic failure, including a tampered ciphertext, degrades to
// ok=false; it never panics and never returns a wrong plaintext.
func (e *Engine) Decrypt(envelopeText string) (string, bool) {
	if e.private == nil {
		return "", false
	}
	var envelope Envelope
	if err := json.Unmarshal([]byte(envelopeText), &envelope); err != nil {
		return "", false
	}
	wrapped, err := base64.StdEncoding.DecodeString(envelope.EncryptedKey)
	if err != nil {
		return "", false
	}
	nonce, err := base64.StdEncoding.DecodeString(envelope.IV)
	if err != nil {
		return "", false
	}
	ciphertext, err := base64.StdEncoding.DecodeString(envelope.Ciphertext)
	if err != nil {
		return "", false
	}

	buf, err := e.private.Open()
	if err != nil {
		return "", false
	}
	defer buf.Destroy()
	parsed, err := x509.ParsePKCS8PrivateKey(buf.Bytes())
	if err != nil {
		return "", false
	}
	priv, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return "", false
	}

	aesKey, err := rsa.DecryptOAEP(newOAEPHash(), nil, priv, wrapped, nil)
	if err != nil {
		return "", false
	}
	aead, err := newAEAD(aesKey)
	if err != nil {
		return "", false
	}
	if len(nonce) != aead.NonceSize() {
		return "", false
	}
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", false
	}
	return string(plaintext), true
}

// IsEncryptedEnvelope sniffs whether text looks like an envelope: valid JSON
// with all three required fields. This is a display-handling hint only, not
// a security check.
func IsEncryptedEnvelope(text string) bool {
	var envelope Envelope
	if err := json.Unmarshal([]byte(text), &envelope); err != nil {
		return false
	}
	return envelope.EncryptedKey != "" && envelope.IV != "" && envelope.Ciphertext != ""
}

func parsePublicKeyPEM(material []byte) (*rsa.PublicKey, error) {
	block, _ := pem.Decode(material)
	if block == nil || block.Type != "PUBLIC KEY" {
		return nil, ErrInvalidKeyFormat
	}
	parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKeyFormat, err)
	}
	pub, ok := parsed.(*rsa.PublicKey)
	if !ok {
		return nil, ErrInvalidKeyFormat
	}
	return pub, nil
}

// newOAEPHash is the hash used for both OAEP and its MGF1.
func newOAEPHash() hash.Hash {
	return sha256.New()
}

func newAEAD(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
