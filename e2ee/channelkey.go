package e2ee

import (
	"encoding/base64"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
)

// CreateChannelKey draws a fresh 32-byte symmetric key for a channel,
// installs it, and returns it base64 encoded for distribution to new
// members over peer sessions.
func (e *Engine) CreateChannelKey(channel string) (string, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(e.rand, key); err != nil {
		return "", fmt.Errorf("e2ee: create channel key: %w", err)
	}
	e.mu.Lock()
	e.channels[channel] = key
	e.mu.Unlock()
	return b64(key), nil
}

// InstallChannelKey stores a channel key received from another member.
func (e *Engine) InstallChannelKey(channel, keyB64 string) error {
	key, err := base64.StdEncoding.DecodeString(keyB64)
	if err != nil {
		return fmt.Errorf("e2ee: decode channel key: %w", err)
	}
	if len(key) != KeySize {
		return fmt.Errorf("e2ee: channel key must be %d bytes", KeySize)
	}
	e.mu.Lock()
	e.channels[channel] = key
	e.mu.Unlock()
	return nil
}

// HasChannelKey reports whether a key is installed for the channel.
func (e *Engine) HasChannelKey(channel string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.channels[channel]
	return ok
}

// ExportChannelKey returns the installed channel key base64 encoded, for
// re-distribution to a joining member.
func (e *Engine) ExportChannelKey(channel string) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	key, ok := e.channels[channel]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNoChannelKey, channel)
	}
	return b64(key), nil
}

// RemoveChannelKey forgets the key for a channel.
func (e *Engine) RemoveChannelKey(channel string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.channels, channel)
}

// EncryptChannel encrypts plaintext with the channel's symmetric key.
// The result mirrors the peer API: base64 ciphertext||tag and nonce.
func (e *Engine) EncryptChannel(channel string, plaintext []byte) (ciphertextB64, nonceB64 string, err error) {
	e.mu.Lock()
	key, ok := e.channels[channel]
	e.mu.Unlock()
	if !ok {
		return "", "", fmt.Errorf("%w: %s", ErrNoChannelKey, channel)
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return "", "", fmt.Errorf("e2ee: channel aead: %w", err)
	}
	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(e.rand, nonce); err != nil {
		return "", "", fmt.Errorf("e2ee: read nonce: %w", err)
	}
	ct := aead.Seal(nil, nonce, plaintext, nil)
	return b64(ct), b64(nonce), nil
}

// DecryptChannel decrypts a channel message.
func (e *Engine) DecryptChannel(channel, ciphertextB64, nonceB64 string) ([]byte, error) {
	e.mu.Lock()
	key, ok := e.channels[channel]
	e.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoChannelKey, channel)
	}
	ct, nonce, err := decodePayload(ciphertextB64, nonceB64)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("e2ee: channel aead: %w", err)
	}
	pt, err := aead.Open(nil, nonce, ct, nil)
	if err != nil {
		return nil, ErrDecryptFailure
	}
	return pt, nil
}

func b64(data []byte) string {
	return base64.StdEncoding.EncodeToString(data)
}
