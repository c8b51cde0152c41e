package jobs

import (
	"context"
	"errors"
	"log/slog"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/odyssey-erp/authz/internal/jobs"
	"github.com/odyssey-erp/authz/internal/rbac"
)

// GrantStateSource counts assignments and direct grants per state.
type GrantStateSource interface {
	GrantStates(ctx context.Context) (rbac.GrantStateCounts, error)
}

// GrantStatesJob exports grant lifecycle counts as gauges.
type GrantStatesJob struct {
	Source  GrantStateSource
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// NewGrantStatesJob initialises the grant-state handler.
func NewGrantStatesJob(source GrantStateSource, logger *slog.Logger, metrics *jobmetrics.Metrics) *GrantStatesJob {
	return &GrantStatesJob{Source: source, Logger: logger, Metrics: metrics}
}

var grantStates = []rbac.GrantState{rbac.GrantActive, rbac.GrantExpired, rbac.GrantRevoked}

// Handle reads the counts and sets every gauge, including zero ones.
func (j *GrantStatesJob) Handle(ctx context.Context, _ *asynq.Task) (err error) {
	if j == nil || j.Source == nil {
		return errors.New("grant states: handler not configured")
	}
	tracker := j.Metrics.Track(TaskGrantStates)
	defer func() {
		err = tracker.End(err)
	}()

	counts, err := j.Source.GrantStates(ctx)
	if err != nil {
		j.logger().Error("count grant states", slog.Any("error", err))
		return err
	}
	for _, state := range grantStates {
		j.Metrics.SetGrantStates("assignment", string(state), counts.Assignments[state])
		j.Metrics.SetGrantStates("grant", string(state), counts.Grants[state])
	}
	j.logger().Info("grant states refreshed",
		slog.Int64("active_assignments", counts.Assignments[rbac.GrantActive]),
		slog.Int64("active_grants", counts.Grants[rbac.GrantActive]))
	return nil
}

func (j *GrantStatesJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger
	}
	return slog.Default()
}
