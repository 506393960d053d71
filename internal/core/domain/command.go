package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

type CommandID string

type CommandKind string

const (
	CommandTakeScreenshot CommandKind = "TAKE_SCREENSHOT"
	CommandRecordClip     CommandKind = "RECORD_CLIP"
	CommandStartVideo     CommandKind = "START_VIDEO"
)

// ParseCommandKind validates a wire command_type.
func ParseCommandKind(s string) (CommandKind, error) {
	switch k := CommandKind(s); k {
	case CommandTakeScreenshot, CommandRecordClip, CommandStartVideo:
		return k, nil
	default:
		return "", fmt.Errorf("unknown command type %q", s)
	}
}

type CommandStatus string

const (
	CommandPending  CommandStatus = "PENDING"
	CommandExecuted CommandStatus = "EXECUTED"
	CommandFailed   CommandStatus = "FAILED"
)

// UnmarshalJSON accepts the agent's legacy "ERROR" status as FAILED.
func (s *CommandStatus) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	switch raw {
	case "ERROR":
		*s = CommandFailed
	default:
		*s = CommandStatus(raw)
	}
	return nil
}

// Terminal reports whether no further transition is allowed.
func (s CommandStatus) Terminal() bool {
	return s == CommandExecuted || s == CommandFailed
}

// CanTransition reports whether a status change is allowed. Statuses only
// move forward from PENDING.
func (s CommandStatus) CanTransition(to CommandStatus) bool {
	return s == CommandPending && to.Terminal()
}

// Command is a row of the commands table.
type Command struct {
	ID        CommandID       `json:"id"`
	AgentID   AgentID         `json:"employee_id"`
	Kind      CommandKind     `json:"command_type"`
	Payload   json.RawMessage `json:"payload"`
	Status    CommandStatus   `json:"status"`
	CreatedAt time.Time       `json:"created_at"`
}
