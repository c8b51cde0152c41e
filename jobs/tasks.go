package jobs

import (
	"encoding/json"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/authz/internal/audit"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// QueueAudit carries audit entries; it is weighted above the default queue.
	QueueAudit = "audit"
	// TaskAuditRecord persists one audit entry.
	TaskAuditRecord = "audit:record"
	// TaskGrantStates publishes assignment and grant counts per state.
	TaskGrantStates = "authz:grant-states"
)

// NewAuditRecordTask constructs an audit task. The entry ID doubles as the
// asynq task ID so a re-enqueued entry is rejected as a duplicate.
func NewAuditRecordTask(entry audit.Entry) (*asynq.Task, error) {
	data, err := json.Marshal(entry)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskAuditRecord, data, asynq.TaskID(entry.ID.String()), asynq.Queue(QueueAudit)), nil
}

// NewGrantStatesTask constructs the periodic grant-state task.
func NewGrantStatesTask() *asynq.Task {
	return asynq.NewTask(TaskGrantStates, nil, asynq.Queue(QueueDefault))
}
