// Package e2ee implements the client-side cryptographic core: X25519 key
// exchange, HKDF-SHA256 key derivation, ChaCha20-Poly1305 encryption,
// per-peer session state with rekeying, and symmetric channel keys.
//
// All operations here run on clients. The routing server never holds key
// material and never sees plaintext.
package e2ee

import (
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// hkdfInfo binds derived keys to this protocol.
const hkdfInfo = "JustIRC-E2E-Encryption"

// NonceSize is the ChaCha20-Poly1305 nonce size in bytes.
const NonceSize = chacha20poly1305.NonceSize

// KeySize is the AEAD and channel key size in bytes.
const KeySize = chacha20poly1305.KeySize

// GraceWindow bounds how many in-flight old-key messages a session will
// still decrypt after a rotation begins. Once the budget is spent, or a
// new-key message arrives, the old key is retired.
const GraceWindow = 16

// Defaults for rotation triggers.
const (
	DefaultRotationInterval  = time.Hour
	DefaultMaxMessagesPerKey = 10000
)

var (
	// ErrNoSession reports a peer without an installed session.
	ErrNoSession = errors.New("e2ee: no session for peer")

	// ErrDecryptFailure reports a tag mismatch or truncated ciphertext.
	// No partial plaintext is ever returned.
	ErrDecryptFailure = errors.New("e2ee: decrypt failure")

	// ErrNoChannelKey reports a channel without an installed key.
	ErrNoChannelKey = errors.New("e2ee: no key for channel")

	// ErrNoPendingRotation reports CompleteRotation without BeginRotation.
	ErrNoPendingRotation = errors.New("e2ee: no rotation in progress")
)

// RotationReason reports why a session needs rekeying.
type RotationReason int

const (
	RotationNone RotationReason = iota
	RotationTime
	RotationCount
)

func (r RotationReason) String() string {
	switch r {
	case RotationTime:
		return "time"
	case RotationCount:
		return "count"
	default:
		return "none"
	}
}

// Options configures rotation triggers.
type Options struct {
	// RotationInterval is the session age after which rekeying is needed.
	RotationInterval time.Duration

	// MaxMessagesPerKey is the message count after which rekeying is needed.
	MaxMessagesPerKey uint64
}

// peerSession holds the symmetric state derived from one X25519 exchange.
type peerSession struct {
	peerPub  *ecdh.PublicKey
	aead     cipher.AEAD
	counter  uint64
	firstUse time.Time

	// pending is the fresh local keypair generated by BeginRotation,
	// consumed by CompleteRotation.
	pending *ecdh.PrivateKey

	// oldAEAD keeps the previous key alive for a bounded number of
	// decrypts so in-flight messages drain after a rotation.
	oldAEAD      cipher.AEAD
	oldRemaining int
}

// Engine owns the local X25519 identity and all per-peer and per-channel
// symmetric state. The private half of the identity never leaves it.
type Engine struct {
	mu       sync.Mutex
	identity *ecdh.PrivateKey
	sessions map[string]*peerSession
	channels map[string][]byte
	opts     Options
	rand     io.Reader
	now      func() time.Time
}

// New generates a fresh identity and returns an engine with default
// rotation options.
func New() (*Engine, error) {
	return NewWithOptions(Options{})
}

// NewWithOptions generates a fresh identity with explicit options.
func NewWithOptions(opts Options) (*Engine, error) {
	priv, err := ecdh.X25519().GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("e2ee: generate identity: %w", err)
	}
	if opts.RotationInterval <= 0 {
		opts.RotationInterval = DefaultRotationInterval
	}
	if opts.MaxMessagesPerKey == 0 {
		opts.MaxMessagesPerKey = DefaultMaxMessagesPerKey
	}
	return &Engine{
		identity: priv,
		sessions: make(map[string]*peerSession),
		channels: make(map[string][]byte),
		opts:     opts,
		rand:     rand.Reader,
		now:      time.Now,
	}, nil
}

// PublicKeyB64 returns the identity public key, base64 encoded.
func (e *Engine) PublicKeyB64() string {
	return base64.StdEncoding.EncodeToString(e.identity.PublicKey().Bytes())
}

// InstallPeer computes the shared secret with a peer and derives the
// session AEAD key. Any existing session for the peer is replaced.
func (e *Engine) InstallPeer(peerID, peerPublicKeyB64 string) error {
	peerPub, err := parsePublicKeyB64(peerPublicKeyB64)
	if err != nil {
		return err
	}
	aead, err := deriveAEAD(e.identity, peerPub)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.sessions[peerID] = &peerSession{
		peerPub:  peerPub,
		aead:     aead,
		firstUse: e.now(),
	}
	return nil
}

// HasPeer reports whether a session exists for the peer.
func (e *Engine) HasPeer(peerID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.sessions[peerID]
	return ok
}

// RemovePeer destroys all session state for a peer.
func (e *Engine) RemovePeer(peerID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.sessions, peerID)
}

// Encrypt encrypts plaintext for a peer with a fresh random nonce and
// returns base64 ciphertext||tag and the base64 nonce. The session
// message counter is incremented.
func (e *Engine) Encrypt(peerID string, plaintext []byte) (ciphertextB64, nonceB64 string, err error) {
	e.mu.Lock()
	sess, ok := e.sessions[peerID]
	if !ok {
		e.mu.Unlock()
		return "", "", fmt.Errorf("%w: %s", ErrNoSession, peerID)
	}
	aead := sess.aead
	sess.counter++
	e.mu.Unlock()

	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(e.rand, nonce); err != nil {
		return "", "", fmt.Errorf("e2ee: read nonce: %w", err)
	}
	ct := aead.Seal(nil, nonce, plaintext, nil)
	return base64.StdEncoding.EncodeToString(ct), base64.StdEncoding.EncodeToString(nonce), nil
}

// Decrypt decrypts a message from a peer. During a rotation grace window
// the previous session key is tried after the current one; each old-key
// success consumes grace budget, and the old key is retired when the
// budget runs out.
func (e *Engine) Decrypt(peerID, ciphertextB64, nonceB64 string) ([]byte, error) {
	ct, nonce, err := decodePayload(ciphertextB64, nonceB64)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	sess, ok := e.sessions[peerID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoSession, peerID)
	}

	if pt, err := sess.aead.Open([]byte{}, nonce, ct, nil); err == nil {
		// A new-key message ends the grace window.
		sess.oldAEAD = nil
		sess.oldRemaining = 0
		return pt, nil
	}
	if sess.oldAEAD != nil && sess.oldRemaining > 0 {
		if pt, err := sess.oldAEAD.Open([]byte{}, nonce, ct, nil); err == nil {
			sess.oldRemaining--
			if sess.oldRemaining == 0 {
				sess.oldAEAD = nil
			}
			return pt, nil
		}
	}
	return nil, ErrDecryptFailure
}

// MessageCount returns the session's message counter.
func (e *Engine) MessageCount(peerID string) uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	if sess, ok := e.sessions[peerID]; ok {
		return sess.counter
	}
	return 0
}

func parsePublicKeyB64(keyB64 string) (*ecdh.PublicKey, error) {
	raw, err := base64.StdEncoding.DecodeString(keyB64)
	if err != nil {
		return nil, fmt.Errorf("e2ee: decode public key: %w", err)
	}
	pub, err := ecdh.X25519().NewPublicKey(raw)
	if err != nil {
		return nil, fmt.Errorf("e2ee: parse public key: %w", err)
	}
	return pub, nil
}

// deriveAEAD performs X25519 ECDH and expands the shared secret into a
// ChaCha20-Poly1305 key with HKDF-SHA256.
func deriveAEAD(priv *ecdh.PrivateKey, peerPub *ecdh.PublicKey) (cipher.AEAD, error) {
	shared, err := priv.ECDH(peerPub)
	if err != nil {
		return nil, fmt.Errorf("e2ee: ecdh: %w", err)
	}
	key := make([]byte, KeySize)
	kdf := hkdf.New(sha256.New, shared, nil, []byte(hkdfInfo))
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("e2ee: hkdf: %w", err)
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("e2ee: aead: %w", err)
	}
	return aead, nil
}

func decodePayload(ciphertextB64, nonceB64 string) (ct, nonce []byte, err error) {
	ct, err = base64.StdEncoding.DecodeString(ciphertextB64)
	if err != nil {
		return nil, nil, ErrDecryptFailure
	}
	nonce, err = base64.StdEncoding.DecodeString(nonceB64)
	if err != nil || len(nonce) != NonceSize {
		return nil, nil, ErrDecryptFailure
	}
	return ct, nonce, nil
}
