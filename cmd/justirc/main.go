// Command justirc is a line-oriented JustIRC client. It registers with
// the server, then reads commands from stdin (/msg, /join, /image, ...)
// until /quit.
package main

import (
	"bufio"
	"errors"
	"fmt"
	"log/slog"
	"os"

	_ "github.com/joho/godotenv/autoload"
	"github.com/spf13/cobra"

	"github.com/larry-lines/justIRC/client"
)

var (
	serverAddr  string
	nickname    string
	username    string
	password    string
	downloadDir string
	debug       bool
)

var rootCmd = &cobra.Command{
	Use:   "justirc",
	Short: "End-to-end encrypted IRC-style chat client",
	Long: `justirc connects to a JustIRC routing server. All message content is
encrypted on this machine; the server only ever routes ciphertext.`,
	RunE: run,
}

func init() {
	rootCmd.Flags().StringVarP(&serverAddr, "server", "s", "127.0.0.1:6667", "server address (host:port)")
	rootCmd.Flags().StringVarP(&nickname, "nick", "n", "", "nickname to register (required)")
	rootCmd.Flags().StringVarP(&username, "user", "u", "", "account username (when the server requires authentication)")
	rootCmd.Flags().StringVarP(&password, "password", "p", "", "account password")
	rootCmd.Flags().StringVarP(&downloadDir, "downloads", "d", "./downloads", "directory for received files")
	rootCmd.Flags().BoolVar(&debug, "debug", false, "enable debug logging")
	rootCmd.MarkFlagRequired("nick")
}

func run(cmd *cobra.Command, args []string) error {
	level := slog.LevelWarn
	if debug {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	callbacks := client.Callbacks{
		OnPrivateMessage: func(from, text string) {
			fmt.Printf("[pm] <%s> %s\n", from, text)
		},
		OnChannelMessage: func(channel, from, text string) {
			fmt.Printf("[%s] <%s> %s\n", channel, from, text)
		},
		OnSystem: func(text string) {
			fmt.Printf("-- %s\n", text)
		},
		OnError: func(kind, text string) {
			fmt.Printf("!! %s: %s\n", kind, text)
		},
		OnUserJoined: func(u client.User) {
			fmt.Printf("-- %s is online\n", u.Nickname)
		},
		OnUserLeft: func(u client.User, channel string) {
			if channel == "" {
				fmt.Printf("-- %s went offline\n", u.Nickname)
			} else {
				fmt.Printf("-- %s left %s\n", u.Nickname, channel)
			}
		},
		OnChannelJoined: func(channel string, operator bool) {
			if operator {
				fmt.Printf("-- joined %s as operator\n", channel)
			} else {
				fmt.Printf("-- joined %s\n", channel)
			}
		},
		OnTopicChanged: func(channel, topic, setBy string) {
			fmt.Printf("-- %s set topic of %s: %s\n", setBy, channel, topic)
		},
		OnFileReceived: func(from, path string, size int64) {
			fmt.Printf("-- received file from %s: %s (%d bytes)\n", from, path, size)
		},
	}

	c, err := client.Dial(serverAddr, callbacks, client.Options{DownloadDir: downloadDir})
	if err != nil {
		return err
	}
	defer c.Close()

	if username != "" {
		if err := c.Authenticate(username, password); err != nil {
			return err
		}
	}
	if err := c.Register(nickname); err != nil {
		return err
	}

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		if err := c.HandleInput(scanner.Text()); err != nil {
			if errors.Is(err, client.ErrQuit) {
				return nil
			}
			fmt.Printf("!! %v\n", err)
		}
	}
	return scanner.Err()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
