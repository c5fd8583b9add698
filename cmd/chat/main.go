package main

import (
	"encoding/base64"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gorilla/handlers"
	"github.com/spf13/cobra"

	"github.com/npezzotti/go-chatclient/internal/auth"
	"github.com/npezzotti/go-chatclient/internal/client"
	"github.com/npezzotti/go-chatclient/internal/config"
	"github.com/npezzotti/go-chatclient/internal/stats"
)

var (
	serverURL  string
	room       string
	username   string
	token      string
	signingKey string
	debugAddr  string
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "chat",
		Short:         "Terminal client for go-chatroom",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runChat,
	}

	rootCmd.Flags().StringVar(&serverURL, "server", "ws://localhost:8000", "websocket server URL")
	rootCmd.Flags().StringVar(&room, "room", "", "room to join")
	rootCmd.Flags().StringVar(&username, "username", "", "local username (derived from --token when omitted)")
	rootCmd.Flags().StringVar(&token, "token", "", "access token for private rooms")
	rootCmd.Flags().StringVar(&signingKey, "signing-key", "", "base64 encoded key for verifying the access token")
	rootCmd.Flags().StringVar(&debugAddr, "debug-addr", "", "address for the /debug/vars endpoint, disabled when empty")
	rootCmd.MarkFlagRequired("room")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func runChat(cmd *cobra.Command, args []string) error {
	logger := log.New(os.Stderr, "[chat] ", log.LstdFlags)

	if username == "" && token != "" {
		key, err := base64.StdEncoding.DecodeString(signingKey)
		if err != nil {
			return fmt.Errorf("decode signing key: %w", err)
		}
		username, err = auth.UsernameFromToken(token, key)
		if err != nil {
			return fmt.Errorf("derive username: %w", err)
		}
	}

	cfg, err := config.NewConfig(serverURL, room, username, token)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	mux := http.NewServeMux()
	statsUpdater := stats.NewStatsUpdater(mux)
	statsUpdater.Run()
	defer statsUpdater.Stop()

	if debugAddr != "" {
		go func() {
			if err := http.ListenAndServe(debugAddr, handlers.LoggingHandler(os.Stderr, mux)); err != nil {
				logger.Println("debug server:", err)
			}
		}()
	}

	sess, err := client.NewSession(cfg, logger, statsUpdater)
	if err != nil {
		return fmt.Errorf("new session: %w", err)
	}

	ui := newTermUI(os.Stdout, sess)
	sess.Room().Subscribe(ui.onChange)
	sess.Start()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		sess.Leave()
		sess.NotifyUnload()
		sess.Shutdown()
		os.Exit(0)
	}()

	ui.inputLoop(os.Stdin)

	sess.Leave()
	sess.NotifyUnload()
	sess.Shutdown()
	return nil
}
