package main

import "time"

// GlobalFlags holds persistent flags shared by every command.
type GlobalFlags struct {
	ConfigPath string
	// Remote server connection
	APIUrl     string
	APITimeout time.Duration
	User       string
	Role       string
	Token      string
}

// ServeFlags holds flags for the serve command.
type ServeFlags struct {
	ConfigPath string
	Listen     string
}

// ListFlags holds flags for the list command.
type ListFlags struct {
	ChatID string
}

// StopFlags holds flags for the stop command.
type StopFlags struct {
	DaemonID string
}

// StopChatFlags holds flags for the stop-chat command.
type StopChatFlags struct {
	ChatID string
}

// TokenFlags holds flags for the token command.
type TokenFlags struct {
	TTL time.Duration
}
