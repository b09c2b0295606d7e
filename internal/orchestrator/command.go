package orchestrator

import (
	"time"

	"github.com/google/uuid"
)

// CommandAction tags what a ControlCommand asks the controller to do.
type CommandAction string

const ActionSwitchSource CommandAction = "SWITCH_SOURCE"

// ControlCommand is an immutable message addressed to one session's
// controller.
type ControlCommand struct {
	ID        string        `json:"id"`
	SessionID string        `json:"sessionId"`
	Action    CommandAction `json:"action"`
	Source    Source        `json:"sourceId"`
	IssuedAt  time.Time     `json:"issuedAt"`
}

// NewSwitchCommand builds a SWITCH_SOURCE command.
func NewSwitchCommand(sessionID string, src Source, now time.Time) ControlCommand {
	return ControlCommand{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Action:    ActionSwitchSource,
		Source:    src,
		IssuedAt:  now.UTC(),
	}
}

// Delivery is a received command plus the receipt needed to delete it.
type Delivery struct {
	Command ControlCommand
	Receipt string
}
