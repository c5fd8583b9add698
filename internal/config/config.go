package config

import (
	"fmt"
	"net/url"
	"time"
)

const (
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultReconnectDelay    = 2 * time.Second
	DefaultTypingIdle        = 2 * time.Second
)

type Config struct {
	// ServerURL is the websocket base URL, e.g. ws://localhost:8000.
	ServerURL string
	// RoomID is the slug of the room this session joins.
	RoomID string
	// Username is the local user, used for self-status derivation and
	// typing-set exclusion.
	Username string
	// Credential is an optional access token for private rooms, passed as
	// a query parameter on connect.
	Credential string

	HeartbeatInterval time.Duration
	ReconnectDelay    time.Duration
	TypingIdle        time.Duration
}

func NewConfig(serverURL, roomID, username, credential string) (*Config, error) {
	if serverURL == "" {
		return nil, fmt.Errorf("server URL cannot be empty")
	}
	if roomID == "" {
		return nil, fmt.Errorf("room id cannot be empty")
	}
	if username == "" {
		return nil, fmt.Errorf("username cannot be empty")
	}

	u, err := url.Parse(serverURL)
	if err != nil {
		return nil, fmt.Errorf("parse server URL: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, fmt.Errorf("server URL scheme must be ws or wss, got %q", u.Scheme)
	}

	return &Config{
		ServerURL:         serverURL,
		RoomID:            roomID,
		Username:          username,
		Credential:        credential,
		HeartbeatInterval: DefaultHeartbeatInterval,
		ReconnectDelay:    DefaultReconnectDelay,
		TypingIdle:        DefaultTypingIdle,
	}, nil
}
