package main

import (
	"encoding/json"

	"github.com/juju/errors"

	"github.com/itskum47/BackForge/control_plane/action"
	"github.com/itskum47/BackForge/control_plane/agent"
)

// Outbound frame types.
const (
	framePrepare     = "PREPARE"
	frameExecute     = "EXECUTE"
	framePostAction  = "POST_ACTION"
	frameCancel      = "CANCEL"
	frameRegisterAck = "REGISTER_ACK"
)

// inboundFrame is the JSON an agent sends over its websocket.
type inboundFrame struct {
	Type         agent.MessageType   `json:"type"`
	Registration *agent.Registration `json:"registration,omitempty"`
	Action       action.Kind         `json:"action,omitempty"`
	Success      bool                `json:"success,omitempty"`
	Message      string              `json:"message,omitempty"`
	FragmentID   string              `json:"fragment_id,omitempty"`
}

// outboundFrame is a directive sent to an agent.
type outboundFrame struct {
	Type       string      `json:"type"`
	Action     action.Kind `json:"action,omitempty"`
	BackupName string      `json:"backup_name,omitempty"`
	BackupType string      `json:"backup_type,omitempty"`
}

// decodeFrame turns one websocket text message into an agent.Message.
// Malformed frames are NotValid.
func decodeFrame(data []byte) (agent.Message, error) {
	var f inboundFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return agent.Message{}, errors.NewNotValid(err, "agent frame")
	}
	msg := agent.Message{Type: f.Type}
	switch f.Type {
	case agent.RegisterMessage:
		if f.Registration == nil {
			return agent.Message{}, errors.NotValidf("REGISTER frame without registration")
		}
		msg.Registration = f.Registration
	case agent.StageCompleteMessage:
		if err := f.Action.Validate(); err != nil {
			return agent.Message{}, errors.Annotate(err, "STAGE_COMPLETE frame")
		}
		msg.StageComplete = &agent.StageComplete{
			Action:  f.Action,
			Success: f.Success,
			Message: f.Message,
		}
	case agent.FragmentOpenedMessage, agent.FragmentSucceededMessage, agent.FragmentFailedMessage:
		if f.FragmentID == "" {
			return agent.Message{}, errors.NotValidf("%s frame without fragment id", f.Type)
		}
		msg.FragmentID = f.FragmentID
	default:
		return agent.Message{}, errors.NotValidf("frame type %q", string(f.Type))
	}
	return msg, nil
}
