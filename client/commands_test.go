package client_test

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/larry-lines/justIRC/client"
)

// dialBare returns a connected but unregistered client for exercising
// input parsing.
func dialBare(t *testing.T) *client.Client {
	t.Helper()
	addr := startServer(t)
	c, err := client.Dial(addr, client.Callbacks{}, client.Options{})
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

func TestHandleInputUsageErrors(t *testing.T) {
	c := dialBare(t)

	tests := []struct {
		line string
	}{
		{"/msg"},
		{"/msg bob"},
		{"/join"},
		{"/op"},
		{"/op bob"},
		{"/kick"},
		{"/ban"},
		{"/unban"},
		{"/rekey"},
		{"/image"},
		{"/image bob"},
		{"/nosuchcommand"},
	}
	for _, tt := range tests {
		assert.Error(t, c.HandleInput(tt.line), "input %q", tt.line)
	}
}

func TestHandleInputEmptyLine(t *testing.T) {
	c := dialBare(t)
	assert.NoError(t, c.HandleInput(""))
	assert.NoError(t, c.HandleInput("   "))
}

func TestHandleInputRequiresChannelContext(t *testing.T) {
	c := dialBare(t)

	// Bare text with no current channel.
	assert.Error(t, c.HandleInput("hello world"))
	// Channel-scoped commands without a channel.
	assert.Error(t, c.HandleInput("/topic new topic"))
	assert.Error(t, c.HandleInput("/kick bob"))
	assert.Error(t, c.HandleInput("/ban bob"))
	assert.Error(t, c.HandleInput("/leave"))
}

func TestHandleInputUnknownNickname(t *testing.T) {
	c := dialBare(t)
	err := c.HandleInput("/msg ghost boo")
	assert.ErrorIs(t, err, client.ErrUnknownNickname)
	err = c.HandleInput("/rekey ghost")
	assert.ErrorIs(t, err, client.ErrUnknownNickname)
}

func TestHandleInputQuit(t *testing.T) {
	c := dialBare(t)
	assert.ErrorIs(t, c.HandleInput("/quit"), client.ErrQuit)
}

func TestHandleInputValidatesMessageText(t *testing.T) {
	addr := startServer(t)

	alice := dialAndRegister(t, addr, "alice", client.Callbacks{}, client.Options{})
	bob := dialAndRegister(t, addr, "bob", client.Callbacks{}, client.Options{})
	_ = bob

	require.Eventually(t, func() bool { return len(alice.Users()) == 1 },
		5*time.Second, 10*time.Millisecond)

	long := "/msg bob "
	for i := 0; i < 5000; i++ {
		long += "x"
	}
	assert.Error(t, alice.HandleInput(long))
	assert.Error(t, alice.HandleInput(fmt.Sprintf("/msg bob bad%cbyte", 0)))
}
