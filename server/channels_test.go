package server

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRegistry(t *testing.T) *ChannelRegistry {
	t.Helper()
	r, err := NewChannelRegistry(filepath.Join(t.TempDir(), "channels.json"), 0)
	require.NoError(t, err)
	t.Cleanup(r.Close)
	return r
}

func TestCreateChannelRequiresCreatorPassword(t *testing.T) {
	r := newTestRegistry(t)

	_, err := r.CreateOrJoin("u1", "alice", "#team", "", "")
	assert.ErrorIs(t, err, ErrCreatorPasswordRequired)

	_, err = r.CreateOrJoin("u1", "alice", "#team", "", "abc")
	assert.ErrorIs(t, err, ErrCreatorPasswordRequired)

	res, err := r.CreateOrJoin("u1", "alice", "#team", "joinpw", "creatorpw")
	require.NoError(t, err)
	assert.True(t, res.Created)
	assert.True(t, res.IsOperator)
	assert.True(t, res.Protected)
}

func TestJoinPasswordEnforcement(t *testing.T) {
	r := newTestRegistry(t)
	_, err := r.CreateOrJoin("u1", "alice", "#team", "joinpw", "creatorpw")
	require.NoError(t, err)

	res, err := r.CreateOrJoin("u2", "bob", "#team", "joinpw", "")
	require.NoError(t, err)
	assert.False(t, res.IsOperator)
	assert.Len(t, res.MemberIDs, 2)

	_, err = r.CreateOrJoin("u3", "carol", "#team", "wrong", "")
	assert.ErrorIs(t, err, ErrWrongChannelPassword)

	_, err = r.CreateOrJoin("u3", "carol", "#team", "", "")
	assert.ErrorIs(t, err, ErrWrongChannelPassword)
}

func TestPasswordlessChannelIgnoresSuppliedPassword(t *testing.T) {
	r := newTestRegistry(t)
	_, err := r.CreateOrJoin("u1", "alice", "#open", "", "creatorpw")
	require.NoError(t, err)

	res, err := r.CreateOrJoin("u2", "bob", "#open", "whatever", "")
	require.NoError(t, err)
	assert.False(t, res.IsOperator)
	assert.False(t, res.Protected)
}

func TestOperatorReclaimViaCreatorPassword(t *testing.T) {
	r := newTestRegistry(t)
	_, err := r.CreateOrJoin("u1", "alice", "#team", "joinpw", "pw1234")
	require.NoError(t, err)

	// Alice disconnects and rejoins under a new connection id.
	r.RemoveUser("u1")
	res, err := r.CreateOrJoin("u9", "alice", "#team", "joinpw", "pw1234")
	require.NoError(t, err)
	assert.True(t, res.IsOperator)

	// A wrong creator password is rejected outright.
	_, err = r.CreateOrJoin("u10", "mallory", "#team", "joinpw", "bad-pw")
	assert.ErrorIs(t, err, ErrWrongCreatorPassword)
}

func TestOpUserAndReclaim(t *testing.T) {
	r := newTestRegistry(t)
	_, err := r.CreateOrJoin("u1", "alice", "#team", "", "creatorpw")
	require.NoError(t, err)
	_, err = r.CreateOrJoin("u2", "bob", "#team", "", "")
	require.NoError(t, err)

	// Non-operator cannot op.
	err = r.OpUser("u2", "#team", "u2", "bob", "oppw1234")
	assert.ErrorIs(t, err, ErrNotOperator)

	require.NoError(t, r.OpUser("u1", "#team", "u2", "bob", "oppw1234"))
	assert.True(t, r.IsOperator("u2", "#team"))

	// Bob leaves, rejoins, and reclaims operator with the op password.
	require.NoError(t, r.Leave("u2", "#team"))
	res, err := r.CreateOrJoin("u7", "bob", "#team", "", "oppw1234")
	require.NoError(t, err)
	assert.True(t, res.IsOperator)
}

func TestSetTopicAuthorization(t *testing.T) {
	r := newTestRegistry(t)
	_, err := r.CreateOrJoin("u1", "alice", "#team", "", "creatorpw")
	require.NoError(t, err)
	_, err = r.CreateOrJoin("u2", "bob", "#team", "", "")
	require.NoError(t, err)

	assert.ErrorIs(t, r.SetTopic("u2", "#team", "nope"), ErrNotOperator)
	assert.ErrorIs(t, r.SetTopic("u3", "#team", "nope"), ErrNotInChannel)
	assert.ErrorIs(t, r.SetTopic("u1", "#missing", "nope"), ErrChannelNotFound)

	require.NoError(t, r.SetTopic("u1", "#team", "launch friday"))
	assert.Equal(t, "launch friday", r.Topic("#team"))
}

func TestKickAndTimeout(t *testing.T) {
	r := newTestRegistry(t)
	_, err := r.CreateOrJoin("u1", "alice", "#team", "", "creatorpw")
	require.NoError(t, err)
	_, err = r.CreateOrJoin("u2", "bob", "#team", "", "")
	require.NoError(t, err)

	assert.ErrorIs(t, r.Kick("u2", "#team", "u1", "alice", 0), ErrNotOperator)

	require.NoError(t, r.Kick("u1", "#team", "u2", "bob", time.Hour))
	assert.False(t, r.IsMember("u2", "#team"))

	// Kicked with timeout: rejoin is blocked until it elapses.
	_, err = r.CreateOrJoin("u2", "bob", "#team", "", "")
	assert.ErrorIs(t, err, ErrKickedFromChannel)
}

func TestBanUnban(t *testing.T) {
	r := newTestRegistry(t)
	_, err := r.CreateOrJoin("u1", "alice", "#team", "", "creatorpw")
	require.NoError(t, err)
	_, err = r.CreateOrJoin("u2", "bob", "#team", "", "")
	require.NoError(t, err)

	require.NoError(t, r.Ban("u1", "#team", "u2", "bob"))
	assert.False(t, r.IsMember("u2", "#team"))

	_, err = r.CreateOrJoin("u2", "bob", "#team", "", "")
	assert.ErrorIs(t, err, ErrBannedFromChannel)

	require.NoError(t, r.Unban("u1", "#team", "bob"))
	_, err = r.CreateOrJoin("u2", "bob", "#team", "", "")
	assert.NoError(t, err)
}

func TestChannelPersistsAcrossRestart(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "channels.json")

	r, err := NewChannelRegistry(path, 0)
	require.NoError(t, err)
	_, err = r.CreateOrJoin("u1", "alice", "#team", "joinpw", "pw1234")
	require.NoError(t, err)
	require.NoError(t, r.SetTopic("u1", "#team", "persisted topic"))
	require.NoError(t, r.Ban("u1", "#team", "", "mallory"))
	r.Close()

	// Simulated crash and restart: reload from disk.
	r2, err := NewChannelRegistry(path, 0)
	require.NoError(t, err)
	defer r2.Close()

	assert.Equal(t, 1, r2.Count())
	assert.Equal(t, "persisted topic", r2.Topic("#team"))

	// Channels survive empty: membership is runtime state, passwords
	// and bans are durable.
	_, err = r2.CreateOrJoin("u5", "mallory", "#team", "joinpw", "")
	assert.ErrorIs(t, err, ErrBannedFromChannel)

	res, err := r2.CreateOrJoin("u6", "alice", "#team", "joinpw", "pw1234")
	require.NoError(t, err)
	assert.True(t, res.IsOperator)

	_, err = r2.CreateOrJoin("u7", "bob", "#team", "wrong", "")
	assert.ErrorIs(t, err, ErrWrongChannelPassword)
}

func TestChannelLimit(t *testing.T) {
	r, err := NewChannelRegistry(filepath.Join(t.TempDir(), "channels.json"), 1)
	require.NoError(t, err)
	defer r.Close()

	_, err = r.CreateOrJoin("u1", "alice", "#one", "", "creatorpw")
	require.NoError(t, err)
	_, err = r.CreateOrJoin("u1", "alice", "#two", "", "creatorpw")
	assert.ErrorIs(t, err, ErrChannelLimitReached)
}

func TestRemoveUserKeepsOperatorPasswords(t *testing.T) {
	r := newTestRegistry(t)
	_, err := r.CreateOrJoin("u1", "alice", "#team", "", "creatorpw")
	require.NoError(t, err)
	_, err = r.CreateOrJoin("u2", "bob", "#team", "", "")
	require.NoError(t, err)
	require.NoError(t, r.OpUser("u1", "#team", "u2", "bob", "oppw1234"))

	affected := r.RemoveUser("u2")
	assert.Equal(t, []string{"#team"}, affected)
	assert.False(t, r.IsMember("u2", "#team"))

	// The stored operator password still grants operator on rejoin.
	res, err := r.CreateOrJoin("u8", "bob", "#team", "", "oppw1234")
	require.NoError(t, err)
	assert.True(t, res.IsOperator)
}
