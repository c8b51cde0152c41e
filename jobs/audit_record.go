package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/authz/internal/audit"
	jobmetrics "github.com/odyssey-erp/authz/internal/jobs"
)

// AuditRecordJob persists audit entries taken off the audit queue.
type AuditRecordJob struct {
	Sink    audit.Sink
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// NewAuditRecordJob wires the persist handler. sink is normally an
// audit.RepositorySink over PostgreSQL or Elasticsearch.
func NewAuditRecordJob(sink audit.Sink, logger *slog.Logger, metrics *jobmetrics.Metrics) *AuditRecordJob {
	return &AuditRecordJob{Sink: sink, Logger: logger, Metrics: metrics}
}

// Handle stores one entry. Undecodable or invalid entries are not retried;
// storage failures are, up to the task's MaxRetry.
func (j *AuditRecordJob) Handle(ctx context.Context, t *asynq.Task) (err error) {
	if j == nil || j.Sink == nil {
		return errors.New("audit record: handler not configured")
	}
	tracker := j.Metrics.Track(TaskAuditRecord)
	defer func() {
		err = tracker.End(err)
	}()

	var entry audit.Entry
	if err := json.Unmarshal(t.Payload(), &entry); err != nil {
		return fmt.Errorf("decode audit entry: %v: %w", err, asynq.SkipRetry)
	}
	if err := j.Sink.Deliver(ctx, entry); err != nil {
		if audit.IsPermanent(err) {
			return fmt.Errorf("persist audit entry %s: %v: %w", entry.ID, err, asynq.SkipRetry)
		}
		j.logger().Warn("persist audit entry",
			slog.String("entry_id", entry.ID.String()),
			slog.Any("error", err))
		return err
	}
	return nil
}

func (j *AuditRecordJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger
	}
	return slog.Default()
}
