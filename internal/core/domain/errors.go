package domain

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrAgentNotFound     = errors.New("agent not found")
	ErrCommandNotFound   = errors.New("command not found")
	ErrCommandBusy       = errors.New("command of this kind already pending")
	ErrSessionNotFound   = errors.New("session not found")
	ErrSessionActive     = errors.New("session already active for agent")
	ErrSessionClosed     = errors.New("session closed")
	ErrInvalidSignal     = errors.New("invalid signal")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrRelayClosed       = errors.New("relay channel closed")
)

// SignalingError means the signaling channel could not be opened or used.
type SignalingError struct {
	Op  string
	Err error
}

func (e *SignalingError) Error() string {
	return fmt.Sprintf("signaling %s: %v", e.Op, e.Err)
}

func (e *SignalingError) Unwrap() error { return e.Err }

// NegotiationError means a session description was malformed or rejected.
type NegotiationError struct {
	Op  string
	Err error
}

func (e *NegotiationError) Error() string {
	return fmt.Sprintf("negotiation %s: %v", e.Op, e.Err)
}

func (e *NegotiationError) Unwrap() error { return e.Err }

// StoreWriteError means an insert or update was rejected by the store.
type StoreWriteError struct {
	Table Table
	Err   error
}

func (e *StoreWriteError) Error() string {
	return fmt.Sprintf("store write to %s: %v", e.Table, e.Err)
}

func (e *StoreWriteError) Unwrap() error { return e.Err }

// CommandTimeoutError is reported when no completion arrived in time.
type CommandTimeoutError struct {
	CommandID CommandID
	Kind      CommandKind
	After     time.Duration
}

func (e *CommandTimeoutError) Error() string {
	return fmt.Sprintf("command %s (%s) not completed after %s", e.CommandID, e.Kind, e.After)
}
