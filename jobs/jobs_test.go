package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/authz/internal/audit"
	jobmetrics "github.com/odyssey-erp/authz/internal/jobs"
	"github.com/odyssey-erp/authz/internal/rbac"
)

type fakeEnqueuer struct {
	tasks []*asynq.Task
	opts  [][]asynq.Option
	err   error
	seen  map[string]bool
}

func (f *fakeEnqueuer) EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	if f.err != nil {
		return nil, f.err
	}
	var entry audit.Entry
	if err := json.Unmarshal(task.Payload(), &entry); err == nil {
		if f.seen == nil {
			f.seen = map[string]bool{}
		}
		if f.seen[entry.ID.String()] {
			return nil, asynq.ErrTaskIDConflict
		}
		f.seen[entry.ID.String()] = true
	}
	f.tasks = append(f.tasks, task)
	f.opts = append(f.opts, opts)
	return &asynq.TaskInfo{ID: entry.ID.String(), Queue: QueueAudit}, nil
}

func (f *fakeEnqueuer) Close() error { return nil }

type dropCounter struct {
	reasons []string
}

func (d *dropCounter) AuditDropped(reason string) { d.reasons = append(d.reasons, reason) }
func (d *dropCounter) AuditQueueDepth(int)        {}

func sampleEntry() audit.Entry {
	return audit.Entry{
		ID:         uuid.New(),
		Principal:  "u-1",
		Action:     audit.ActionCheck,
		Permission: "product.read",
		Result:     true,
		OccurredAt: time.Date(2024, 3, 15, 12, 0, 0, 0, time.UTC),
	}
}

func TestClientDeliverEnqueuesAuditTask(t *testing.T) {
	fake := &fakeEnqueuer{}
	client := &Client{client: fake, maxRetry: 8}
	entry := sampleEntry()

	require.NoError(t, client.Deliver(context.Background(), entry))
	require.Len(t, fake.tasks, 1)
	assert.Equal(t, TaskAuditRecord, fake.tasks[0].Type())
	assert.Len(t, fake.opts[0], 1)

	var decoded audit.Entry
	require.NoError(t, json.Unmarshal(fake.tasks[0].Payload(), &decoded))
	assert.Equal(t, entry.ID, decoded.ID)
	assert.Equal(t, "product.read", decoded.Permission)

	require.NoError(t, client.Deliver(context.Background(), entry), "a duplicate task ID is not a failure")
	assert.Len(t, fake.tasks, 1)
}

func TestClientDeliverPropagatesRedisErrors(t *testing.T) {
	fake := &fakeEnqueuer{err: errors.New("dial tcp: connection refused")}
	client := &Client{client: fake}
	err := client.Deliver(context.Background(), sampleEntry())
	require.Error(t, err)
	assert.False(t, audit.IsPermanent(err))
}

func TestAuditRecordJobPersistsEntry(t *testing.T) {
	repo := audit.NewMemoryRepository()
	reg := prometheus.NewRegistry()
	job := NewAuditRecordJob(audit.NewRepositorySink(repo), nil, jobmetrics.NewMetrics(reg))

	task, err := NewAuditRecordTask(sampleEntry())
	require.NoError(t, err)
	require.NoError(t, job.Handle(context.Background(), task))
	require.NoError(t, job.Handle(context.Background(), task), "redelivery is idempotent")
	assert.Equal(t, 1, repo.Len())

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.Equal(t, 2.0, metricValue(t, families, "authz_jobs_total", map[string]string{"job": TaskAuditRecord, "status": "success"}))
}

func TestAuditRecordJobSkipsRetryForBadPayloads(t *testing.T) {
	job := NewAuditRecordJob(audit.NewRepositorySink(audit.NewMemoryRepository()), nil, nil)

	err := job.Handle(context.Background(), asynq.NewTask(TaskAuditRecord, []byte("{not json")))
	require.Error(t, err)
	assert.ErrorIs(t, err, asynq.SkipRetry)

	bad := sampleEntry()
	bad.Action = "delete"
	task, err := NewAuditRecordTask(bad)
	require.NoError(t, err)
	err = job.Handle(context.Background(), task)
	require.Error(t, err)
	assert.ErrorIs(t, err, asynq.SkipRetry)
}

type failingRepo struct {
	audit.Repository
}

func (failingRepo) Append(ctx context.Context, entry audit.Entry) error {
	return errors.New("connection reset")
}

func TestAuditRecordJobRetriesStorageFailures(t *testing.T) {
	job := NewAuditRecordJob(audit.NewRepositorySink(failingRepo{}), nil, nil)
	task, err := NewAuditRecordTask(sampleEntry())
	require.NoError(t, err)
	err = job.Handle(context.Background(), task)
	require.Error(t, err)
	assert.NotErrorIs(t, err, asynq.SkipRetry)
}

func TestAuditDropHandler(t *testing.T) {
	drops := &dropCounter{}
	handler := AuditDropHandler(drops, nil)
	task, err := NewAuditRecordTask(sampleEntry())
	require.NoError(t, err)

	handler.HandleError(context.Background(), task, fmt.Errorf("bad: %w", asynq.SkipRetry))
	handler.HandleError(context.Background(), task, errors.New("transient"))
	handler.HandleError(context.Background(), NewGrantStatesTask(), fmt.Errorf("bad: %w", asynq.SkipRetry))

	assert.Equal(t, []string{audit.DropPermanent}, drops.reasons)
}

type stubGrantSource struct {
	counts rbac.GrantStateCounts
	err    error
}

func (s stubGrantSource) GrantStates(ctx context.Context) (rbac.GrantStateCounts, error) {
	return s.counts, s.err
}

func TestGrantStatesJobSetsGauges(t *testing.T) {
	reg := prometheus.NewRegistry()
	source := stubGrantSource{counts: rbac.GrantStateCounts{
		Assignments: map[rbac.GrantState]int64{rbac.GrantActive: 4, rbac.GrantExpired: 1},
		Grants:      map[rbac.GrantState]int64{rbac.GrantRevoked: 2},
	}}
	job := NewGrantStatesJob(source, nil, jobmetrics.NewMetrics(reg))
	require.NoError(t, job.Handle(context.Background(), NewGrantStatesTask()))

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.Equal(t, 4.0, metricValue(t, families, "authz_grant_rows", map[string]string{"kind": "assignment", "state": "active"}))
	assert.Equal(t, 1.0, metricValue(t, families, "authz_grant_rows", map[string]string{"kind": "assignment", "state": "expired"}))
	assert.Equal(t, 0.0, metricValue(t, families, "authz_grant_rows", map[string]string{"kind": "assignment", "state": "revoked"}))
	assert.Equal(t, 2.0, metricValue(t, families, "authz_grant_rows", map[string]string{"kind": "grant", "state": "revoked"}))
}

func TestGrantStatesJobReportsFailure(t *testing.T) {
	reg := prometheus.NewRegistry()
	job := NewGrantStatesJob(stubGrantSource{err: errors.New("db down")}, nil, jobmetrics.NewMetrics(reg))
	require.Error(t, job.Handle(context.Background(), NewGrantStatesTask()))

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.Equal(t, 1.0, metricValue(t, families, "authz_jobs_failures_total", map[string]string{"job": TaskGrantStates}))
}

func metricValue(t *testing.T, families []*dto.MetricFamily, name string, labels map[string]string) float64 {
	t.Helper()
	for _, fam := range families {
		if fam.GetName() != name {
			continue
		}
		for _, metric := range fam.GetMetric() {
			if !hasLabels(metric, labels) {
				continue
			}
			switch fam.GetType() {
			case dto.MetricType_COUNTER:
				return metric.GetCounter().GetValue()
			case dto.MetricType_GAUGE:
				return metric.GetGauge().GetValue()
			}
		}
	}
	t.Fatalf("metric %s%v not found", name, labels)
	return 0
}

func hasLabels(metric *dto.Metric, labels map[string]string) bool {
	matched := 0
	for _, pair := range metric.GetLabel() {
		if v, ok := labels[pair.GetName()]; ok && v == pair.GetValue() {
			matched++
		}
	}
	return matched == len(labels)
}
