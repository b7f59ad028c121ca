package store

import (
	"time"
)

// Agent connection statuses kept in AgentRecord.Status.
const (
	AgentConnected    = "connected"
	AgentDisconnected = "disconnected"
)

// JobRecord is the persisted snapshot of one action, written on every
// stage change and once more when the action ends.
type JobRecord struct {
	JobID           string            `json:"job_id" db:"job_id"`
	Action          string            `json:"action" db:"action"` // CREATE_BACKUP, RESTORE, HOUSEKEEPING
	BackupManagerID string            `json:"backup_manager_id" db:"backup_manager_id"`
	BackupName      string            `json:"backup_name" db:"backup_name"`
	BackupType      string            `json:"backup_type" db:"backup_type"`
	Stage           string            `json:"stage" db:"stage"`
	Progress        float64           `json:"progress" db:"progress"`
	Result          string            `json:"result" db:"result"` // "", SUCCESS, FAILURE
	AdditionalInfo  string            `json:"additional_info" db:"additional_info"`
	Agents          []string          `json:"agents" db:"agents"`
	AgentStatus     map[string]string `json:"agent_status" db:"agent_status"` // JSONB in Postgres
	StartedAt       time.Time         `json:"started_at" db:"started_at"`
	CompletedAt     *time.Time        `json:"completed_at,omitempty" db:"completed_at"`
	Finished        bool              `json:"finished" db:"finished"`
}

// AgentRecord is the directory entry for an agent that registered at
// least once.
type AgentRecord struct {
	AgentID       string    `json:"agent_id" db:"agent_id"`
	Scope         string    `json:"scope" db:"scope"`
	APIVersion    string    `json:"api_version" db:"api_version"`
	ProductName   string    `json:"product_name" db:"product_name"`
	ProductNumber string    `json:"product_number" db:"product_number"`
	Revision      string    `json:"revision" db:"revision"`
	Status        string    `json:"status" db:"status"` // "connected", "disconnected"
	RegisteredAt  time.Time `json:"registered_at" db:"registered_at"`
	LastSeen      time.Time `json:"last_seen" db:"last_seen"`
}

func copyJob(rec *JobRecord) *JobRecord {
	c := *rec
	c.Agents = append([]string(nil), rec.Agents...)
	if rec.AgentStatus != nil {
		c.AgentStatus = make(map[string]string, len(rec.AgentStatus))
		for k, v := range rec.AgentStatus {
			c.AgentStatus[k] = v
		}
	}
	if rec.CompletedAt != nil {
		t := *rec.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}
