package e2ee

import (
	"crypto/ecdh"
	"fmt"
)

// RotationNeeded reports whether the session with a peer should be
// rekeyed, and why. A session rotates when it has been in use for the
// rotation interval or has encrypted the configured number of messages.
func (e *Engine) RotationNeeded(peerID string) RotationReason {
	e.mu.Lock()
	defer e.mu.Unlock()
	sess, ok := e.sessions[peerID]
	if !ok {
		return RotationNone
	}
	if e.now().Sub(sess.firstUse) >= e.opts.RotationInterval {
		return RotationTime
	}
	if sess.counter >= e.opts.MaxMessagesPerKey {
		return RotationCount
	}
	return RotationNone
}

// BeginRotation generates a fresh keypair scoped to one peer and returns
// its public half for the rekey_request or rekey_response frame. The
// current session stays usable for encryption and decryption until
// CompleteRotation installs the new key.
func (e *Engine) BeginRotation(peerID string) (newPublicKeyB64 string, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	sess, ok := e.sessions[peerID]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNoSession, peerID)
	}
	priv, err := ecdh.X25519().GenerateKey(e.rand)
	if err != nil {
		return "", fmt.Errorf("e2ee: generate rotation key: %w", err)
	}
	sess.pending = priv
	return b64(priv.PublicKey().Bytes()), nil
}

// CompleteRotation derives the new session key from the pending local
// keypair and the peer's announced public key, resets the message
// counter and first-use timestamp, and keeps the old key available for
// up to GraceWindow in-flight decrypts.
func (e *Engine) CompleteRotation(peerID, remoteNewPublicKeyB64 string) error {
	peerPub, err := parsePublicKeyB64(remoteNewPublicKeyB64)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	sess, ok := e.sessions[peerID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoSession, peerID)
	}
	if sess.pending == nil {
		return ErrNoPendingRotation
	}
	aead, err := deriveAEAD(sess.pending, peerPub)
	if err != nil {
		return err
	}

	sess.oldAEAD = sess.aead
	sess.oldRemaining = GraceWindow
	sess.aead = aead
	sess.peerPub = peerPub
	sess.pending = nil
	sess.counter = 0
	sess.firstUse = e.now()
	return nil
}
