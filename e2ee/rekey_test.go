package e2ee

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// rotate runs a full rekey handshake between two engines, as the client
// does over rekey_request/rekey_response frames.
func rotate(t *testing.T, alice, bob *Engine) {
	t.Helper()
	alicePub, err := alice.BeginRotation("bob")
	require.NoError(t, err)
	bobPub, err := bob.BeginRotation("alice")
	require.NoError(t, err)
	require.NoError(t, bob.CompleteRotation("alice", alicePub))
	require.NoError(t, alice.CompleteRotation("bob", bobPub))
}

func TestRotationNeededTime(t *testing.T) {
	alice, _ := pair(t)
	assert.Equal(t, RotationNone, alice.RotationNeeded("bob"))

	base := time.Now()
	alice.now = func() time.Time { return base.Add(2 * time.Hour) }
	assert.Equal(t, RotationTime, alice.RotationNeeded("bob"))
}

func TestRotationNeededCount(t *testing.T) {
	alice, err := NewWithOptions(Options{MaxMessagesPerKey: 3})
	require.NoError(t, err)
	bob, err := New()
	require.NoError(t, err)
	require.NoError(t, alice.InstallPeer("bob", bob.PublicKeyB64()))

	for i := 0; i < 3; i++ {
		assert.Equal(t, RotationNone, alice.RotationNeeded("bob"))
		_, _, err := alice.Encrypt("bob", []byte("m"))
		require.NoError(t, err)
	}
	assert.Equal(t, RotationCount, alice.RotationNeeded("bob"))
}

func TestRotationNeededUnknownPeer(t *testing.T) {
	alice, err := New()
	require.NoError(t, err)
	assert.Equal(t, RotationNone, alice.RotationNeeded("nobody"))
}

func TestCompleteRotationResetsState(t *testing.T) {
	alice, bob := pair(t)
	for i := 0; i < 7; i++ {
		_, _, err := alice.Encrypt("bob", []byte("m"))
		require.NoError(t, err)
	}
	require.EqualValues(t, 7, alice.MessageCount("bob"))

	rotate(t, alice, bob)
	assert.EqualValues(t, 0, alice.MessageCount("bob"))

	// Both directions work with the new key.
	ct, nonce, err := alice.Encrypt("bob", []byte("new key a->b"))
	require.NoError(t, err)
	pt, err := bob.Decrypt("alice", ct, nonce)
	require.NoError(t, err)
	assert.Equal(t, []byte("new key a->b"), pt)

	ct, nonce, err = bob.Encrypt("alice", []byte("new key b->a"))
	require.NoError(t, err)
	pt, err = alice.Decrypt("bob", ct, nonce)
	require.NoError(t, err)
	assert.Equal(t, []byte("new key b->a"), pt)
}

func TestRekeyGraceWindow(t *testing.T) {
	alice, bob := pair(t)

	// Encrypt with the old key before the handshake completes on Bob's
	// side, simulating frames still in flight.
	type frame struct{ ct, nonce string }
	var inflight []frame
	for i := 0; i < 3; i++ {
		ct, nonce, err := alice.Encrypt("bob", []byte("in flight"))
		require.NoError(t, err)
		inflight = append(inflight, frame{ct, nonce})
	}

	rotate(t, alice, bob)

	// In-flight old-key frames still decrypt inside the grace window.
	for _, f := range inflight {
		pt, err := bob.Decrypt("alice", f.ct, f.nonce)
		require.NoError(t, err)
		assert.Equal(t, []byte("in flight"), pt)
	}

	// A new-key frame retires the old key entirely.
	ct, nonce, err := alice.Encrypt("bob", []byte("fresh"))
	require.NoError(t, err)
	_, err = bob.Decrypt("alice", ct, nonce)
	require.NoError(t, err)

	// Old-key material is now rejected.
	_, err = bob.Decrypt("alice", inflight[0].ct, inflight[0].nonce)
	assert.ErrorIs(t, err, ErrDecryptFailure)
}

func TestRekeyGraceWindowBudget(t *testing.T) {
	alice, bob := pair(t)

	var frames [][2]string
	for i := 0; i < GraceWindow+2; i++ {
		ct, nonce, err := alice.Encrypt("bob", []byte("old"))
		require.NoError(t, err)
		frames = append(frames, [2]string{ct, nonce})
	}

	rotate(t, alice, bob)

	for i := 0; i < GraceWindow; i++ {
		_, err := bob.Decrypt("alice", frames[i][0], frames[i][1])
		require.NoError(t, err, "grace decrypt %d", i)
	}
	// Budget exhausted: further old-key frames fail.
	_, err := bob.Decrypt("alice", frames[GraceWindow][0], frames[GraceWindow][1])
	assert.ErrorIs(t, err, ErrDecryptFailure)
}

func TestCompleteRotationWithoutBegin(t *testing.T) {
	alice, bob := pair(t)
	err := alice.CompleteRotation("bob", bob.PublicKeyB64())
	assert.ErrorIs(t, err, ErrNoPendingRotation)
}

func TestBeginRotationUnknownPeer(t *testing.T) {
	alice, err := New()
	require.NoError(t, err)
	_, err = alice.BeginRotation("nobody")
	assert.ErrorIs(t, err, ErrNoSession)
}
