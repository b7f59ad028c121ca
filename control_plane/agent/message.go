package agent

import (
	"github.com/itskum47/BackForge/control_plane/action"
)

// MessageType tags an inbound message from an agent.
type MessageType string

const (
	RegisterMessage          MessageType = "REGISTER"
	StageCompleteMessage     MessageType = "STAGE_COMPLETE"
	FragmentOpenedMessage    MessageType = "FRAGMENT_OPENED"
	FragmentSucceededMessage MessageType = "FRAGMENT_SUCCEEDED"
	FragmentFailedMessage    MessageType = "FRAGMENT_FAILED"
)

// StageComplete is an agent's report that it finished the directive it
// was given for the current stage of an action.
type StageComplete struct {
	Action  action.Kind
	Success bool
	Message string
}

// Message is one decoded inbound message. Only the field matching Type
// is set.
type Message struct {
	Type          MessageType
	Registration  *Registration
	StageComplete *StageComplete
	FragmentID    string
}

// Channel carries directives from the orchestrator to one agent.
type Channel interface {
	SendPrepare(kind action.Kind, backupName, backupType string) error
	SendExecute(kind action.Kind) error
	SendPostAction(kind action.Kind) error
	SendCancel(kind action.Kind) error
	SendRegistrationAck() error
}

// Job is the part of a running action an agent reports into.
type Job interface {
	ID() string
	Action() action.Kind
	UpdateProgress(agentID string, report StageComplete)
	HandleAgentDisconnecting(agentID string)
	ReceiveNewFragment(agentID, fragmentID string) error
	FragmentSucceeded(agentID, fragmentID string) error
	FragmentFailed(agentID, fragmentID string) error
}
