package streaming

import (
	"context"

	"github.com/juju/errors"

	"github.com/itskum47/BackForge/control_plane/store"
)

// Topics published by Notifier.
const (
	TopicActionStarted = "action.started"
	TopicActionFailed  = "action.failed"
)

// ActionEvent is the payload of an action notification.
type ActionEvent struct {
	JobID           string            `json:"job_id"`
	Action          string            `json:"action"`
	BackupManagerID string            `json:"backup_manager_id"`
	BackupName      string            `json:"backup_name"`
	Stage           string            `json:"stage"`
	Progress        float64           `json:"progress"`
	AdditionalInfo  string            `json:"additional_info,omitempty"`
	AgentStatus     map[string]string `json:"agent_status"`
}

func actionEvent(rec store.JobRecord) ActionEvent {
	return ActionEvent{
		JobID:           rec.JobID,
		Action:          rec.Action,
		BackupManagerID: rec.BackupManagerID,
		BackupName:      rec.BackupName,
		Stage:           rec.Stage,
		Progress:        rec.Progress,
		AdditionalInfo:  rec.AdditionalInfo,
		AgentStatus:     rec.AgentStatus,
	}
}

// Notifier announces action start and failure through a Publisher.
type Notifier struct {
	Publisher Publisher
}

func (n Notifier) NotifyActionStarted(ctx context.Context, rec store.JobRecord) error {
	return errors.Trace(n.Publisher.Publish(ctx, TopicActionStarted, actionEvent(rec)))
}

func (n Notifier) NotifyActionFailed(ctx context.Context, rec store.JobRecord) error {
	return errors.Trace(n.Publisher.Publish(ctx, TopicActionFailed, actionEvent(rec)))
}
