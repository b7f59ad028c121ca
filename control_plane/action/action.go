// Package action holds the vocabulary shared by the agent protocol and the
// job workflow: the kinds of action an orchestrator can run and how they end.
package action

import "github.com/juju/errors"

// Kind identifies what a job does.
type Kind string

const (
	CreateBackup Kind = "CREATE_BACKUP"
	Restore      Kind = "RESTORE"
	Housekeeping Kind = "HOUSEKEEPING"
)

// Kinds lists every action kind in a stable order.
var Kinds = []Kind{CreateBackup, Restore, Housekeeping}

// Validate returns NotValid if k is not a known action kind.
func (k Kind) Validate() error {
	switch k {
	case CreateBackup, Restore, Housekeeping:
		return nil
	}
	return errors.NotValidf("action kind %q", string(k))
}

// Label is the short human form used in stage names ("Backup", "Restore", ...).
func (k Kind) Label() string {
	switch k {
	case CreateBackup:
		return "Backup"
	case Restore:
		return "Restore"
	case Housekeeping:
		return "Housekeeping"
	default:
		return "Unknown"
	}
}

// Result is the outcome of a job. It is empty while the job runs.
type Result string

const (
	NotAvailable Result = ""
	Success      Result = "SUCCESS"
	Failure      Result = "FAILURE"
)
