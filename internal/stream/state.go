/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package stream owns streaming-source health: the connect/reconnect state
// machine, exponential backoff, and ICY title deduplication.
package stream

import "fmt"

// StateKind tags a ConnectionState value.
type StateKind int

const (
	KindDisconnected StateKind = iota
	KindConnecting
	KindConnected
	KindReconnecting
	KindFailed
)

// ConnectionState is a tagged union over the connection lifecycle.
// Attempt is meaningful only for reconnecting, Message only for failed.
type ConnectionState struct {
	Kind    StateKind
	Attempt int
	Message string
}

// Disconnected returns the idle state.
func Disconnected() ConnectionState { return ConnectionState{Kind: KindDisconnected} }

// Connecting returns the in-progress state.
func Connecting() ConnectionState { return ConnectionState{Kind: KindConnecting} }

// Connected returns the healthy state.
func Connected() ConnectionState { return ConnectionState{Kind: KindConnected} }

// Reconnecting returns the backoff state for the given attempt number.
func Reconnecting(attempt int) ConnectionState {
	return ConnectionState{Kind: KindReconnecting, Attempt: attempt}
}

// Failed returns the terminal state with a user-facing message.
func Failed(message string) ConnectionState {
	return ConnectionState{Kind: KindFailed, Message: message}
}

// Equal implements the partial equality external code depends on for
// deduplication: reconnecting compares only Attempt, failed compares only
// Message, all other kinds compare by kind alone.
func (s ConnectionState) Equal(other ConnectionState) bool {
	if s.Kind != other.Kind {
		return false
	}
	switch s.Kind {
	case KindReconnecting:
		return s.Attempt == other.Attempt
	case KindFailed:
		return s.Message == other.Message
	default:
		return true
	}
}

// String renders the state for logs and the UI surface.
func (s ConnectionState) String() string {
	switch s.Kind {
	case KindDisconnected:
		return "disconnected"
	case KindConnecting:
		return "connecting"
	case KindConnected:
		return "connected"
	case KindReconnecting:
		return fmt.Sprintf("reconnecting(%d)", s.Attempt)
	case KindFailed:
		return fmt.Sprintf("failed(%s)", s.Message)
	default:
		return "unknown"
	}
}
