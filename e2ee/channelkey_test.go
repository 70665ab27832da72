package e2ee

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChannelKeyAgreement(t *testing.T) {
	creator, err := New()
	require.NoError(t, err)

	keyB64, err := creator.CreateChannelKey("#team")
	require.NoError(t, err)

	// Every joiner installs the distributed key; all key exports are
	// byte-identical.
	var members []*Engine
	for i := 0; i < 4; i++ {
		m, err := New()
		require.NoError(t, err)
		require.NoError(t, m.InstallChannelKey("#team", keyB64))
		members = append(members, m)
	}
	for _, m := range members {
		got, err := m.ExportChannelKey("#team")
		require.NoError(t, err)
		assert.Equal(t, keyB64, got)
	}

	// A message from any member decrypts for all others.
	ct, nonce, err := members[0].EncryptChannel("#team", []byte("standup in 5"))
	require.NoError(t, err)
	for _, m := range append(members[1:], creator) {
		pt, err := m.DecryptChannel("#team", ct, nonce)
		require.NoError(t, err)
		assert.Equal(t, []byte("standup in 5"), pt)
	}
}

func TestChannelKeyMissing(t *testing.T) {
	e, err := New()
	require.NoError(t, err)

	_, _, err = e.EncryptChannel("#nope", []byte("hi"))
	assert.ErrorIs(t, err, ErrNoChannelKey)
	_, err = e.DecryptChannel("#nope", "AAAA", "AAAAAAAAAAAAAAAA")
	assert.ErrorIs(t, err, ErrNoChannelKey)
	_, err = e.ExportChannelKey("#nope")
	assert.ErrorIs(t, err, ErrNoChannelKey)
	assert.False(t, e.HasChannelKey("#nope"))
}

func TestInstallChannelKeyRejectsBadKeys(t *testing.T) {
	e, err := New()
	require.NoError(t, err)
	assert.Error(t, e.InstallChannelKey("#team", "!!!"))
	assert.Error(t, e.InstallChannelKey("#team", "c2hvcnQ="))
}

func TestRemoveChannelKey(t *testing.T) {
	e, err := New()
	require.NoError(t, err)
	_, err = e.CreateChannelKey("#team")
	require.NoError(t, err)
	require.True(t, e.HasChannelKey("#team"))

	e.RemoveChannelKey("#team")
	assert.False(t, e.HasChannelKey("#team"))
}

func TestChannelDecryptFailure(t *testing.T) {
	a, err := New()
	require.NoError(t, err)
	b, err := New()
	require.NoError(t, err)

	// Different keys for the same channel name never interoperate.
	_, err = a.CreateChannelKey("#team")
	require.NoError(t, err)
	_, err = b.CreateChannelKey("#team")
	require.NoError(t, err)

	ct, nonce, err := a.EncryptChannel("#team", []byte("secret"))
	require.NoError(t, err)
	_, err = b.DecryptChannel("#team", ct, nonce)
	assert.ErrorIs(t, err, ErrDecryptFailure)
}
