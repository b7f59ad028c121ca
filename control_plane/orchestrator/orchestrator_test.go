package orchestrator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itskum47/BackForge/control_plane/action"
	"github.com/itskum47/BackForge/control_plane/agent"
	"github.com/itskum47/BackForge/control_plane/store"
	"github.com/itskum47/BackForge/control_plane/timeline"
)

var t0 = time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)

type recordingChannel struct {
	mu   sync.Mutex
	sent []string
	fail bool
}

func (c *recordingChannel) add(directive string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail {
		return errors.New("connection reset")
	}
	c.sent = append(c.sent, directive)
	return nil
}

func (c *recordingChannel) SendPrepare(kind action.Kind, name, typ string) error {
	return c.add("prepare")
}
func (c *recordingChannel) SendExecute(action.Kind) error    { return c.add("execute") }
func (c *recordingChannel) SendPostAction(action.Kind) error { return c.add("post-action") }
func (c *recordingChannel) SendCancel(action.Kind) error     { return c.add("cancel") }
func (c *recordingChannel) SendRegistrationAck() error       { return c.add("ack") }

func (c *recordingChannel) directives() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.sent[1:]...) // without the ack
}

type fakeNotifier struct {
	mu      sync.Mutex
	started []store.JobRecord
	failed  []store.JobRecord
	err     error
}

func (n *fakeNotifier) NotifyActionStarted(_ context.Context, rec store.JobRecord) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.started = append(n.started, rec)
	return n.err
}

func (n *fakeNotifier) NotifyActionFailed(_ context.Context, rec store.JobRecord) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.failed = append(n.failed, rec)
	return n.err
}

type fakeMetrics struct {
	mu            sync.Mutex
	stages        []string
	progress      []float64
	results       []action.Result
	notifyFailure map[string]int
}

func (m *fakeMetrics) StageChanged(_ action.Kind, _ string, stage string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stages = append(m.stages, stage)
}

func (m *fakeMetrics) Progress(_ action.Kind, _ string, progress float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.progress = append(m.progress, progress)
}

func (m *fakeMetrics) JobFinished(_ action.Kind, _ string, result action.Result) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.results = append(m.results, result)
}

func (m *fakeMetrics) NotificationFailed(event string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.notifyFailure == nil {
		m.notifyFailure = make(map[string]int)
	}
	m.notifyFailure[event]++
}

type fakeHousekeeper struct {
	mu    sync.Mutex
	calls []string
	err   error
	// block makes Execute wait for its context to end.
	block bool
}

func (h *fakeHousekeeper) Execute(ctx context.Context, bm string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls = append(h.calls, "execute:"+bm)
	if h.block {
		<-ctx.Done()
		return ctx.Err()
	}
	return h.err
}

func (h *fakeHousekeeper) PostAction(_ context.Context, bm string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls = append(h.calls, "post-action:"+bm)
	return h.err
}

type harness struct {
	t           *testing.T
	clock       *testclock.Clock
	registry    *agent.Registry
	orch        *Orchestrator
	notifier    *fakeNotifier
	metrics     *fakeMetrics
	store       *store.MemoryStore
	events      *timeline.Store
	housekeeper *fakeHousekeeper
	agents      map[string]*agent.Agent
	channels    map[string]*recordingChannel
}

func newHarness(t *testing.T) *harness {
	h := &harness{
		t:           t,
		clock:       testclock.NewClock(t0),
		registry:    agent.NewRegistry([]agent.APIVersion{agent.APIv2, agent.APIv3, agent.APIv4}, nil),
		notifier:    &fakeNotifier{},
		metrics:     &fakeMetrics{},
		store:       store.NewMemoryStore(),
		events:      timeline.NewStore(0),
		housekeeper: &fakeHousekeeper{},
		agents:      make(map[string]*agent.Agent),
		channels:    make(map[string]*recordingChannel),
	}
	orch, err := New(Config{
		Directory:   RegistryDirectory{Registry: h.registry},
		Notifier:    h.notifier,
		Metrics:     h.metrics,
		Recorder:    h.store,
		Events:      h.events,
		Housekeeper: h.housekeeper,
		Clock:       h.clock,
	})
	require.NoError(t, err)
	h.orch = orch
	return h
}

func (h *harness) connect(id string, version agent.APIVersion) *agent.Agent {
	ch := &recordingChannel{}
	a := agent.New(ch, h.registry)
	err := a.ProcessMessage(agent.Message{
		Type: agent.RegisterMessage,
		Registration: &agent.Registration{
			AgentID:    id,
			Scope:      "bm-1",
			APIVersion: version,
			SoftwareVersion: agent.SoftwareVersion{
				ProductName:    "agent",
				ProductNumber:  "APR 201 40",
				Revision:       "R1A",
				ProductionDate: "2024-01-01",
				Description:    "test agent",
				Type:           "database",
			},
		},
	})
	require.NoError(h.t, err)
	h.agents[id] = a
	h.channels[id] = ch
	return a
}

func (h *harness) report(id string, kind action.Kind, success bool) {
	err := h.agents[id].ProcessMessage(agent.Message{
		Type:          agent.StageCompleteMessage,
		StageComplete: &agent.StageComplete{Action: kind, Success: success, Message: "from " + id},
	})
	assert.NoError(h.t, err)
}

func (h *harness) backup() *Job {
	job, err := h.orch.CreateJob(context.Background(), Request{
		Action:          action.CreateBackup,
		BackupManagerID: "bm-1",
		BackupName:      "nightly",
	})
	require.NoError(h.t, err)
	return job
}

func assertNonDecreasing(t *testing.T, values []float64) {
	for i := 1; i < len(values); i++ {
		assert.GreaterOrEqual(t, values[i], values[i-1], "progress went backwards at %d: %v", i, values)
	}
}

func TestTwoAgentBackupHappyPath(t *testing.T) {
	h := newHarness(t)
	h.connect("a", agent.APIv3)
	h.connect("b", agent.APIv3)

	job := h.backup()
	assert.Equal(t, "PreparingBackup", job.StageName())
	assert.Equal(t, 0.0, job.ProgressPercentage())
	assert.Equal(t, []string{"prepare"}, h.channels["a"].directives())
	assert.Equal(t, []string{"prepare"}, h.channels["b"].directives())
	require.Len(t, h.notifier.started, 1)
	assert.Equal(t, "nightly", h.notifier.started[0].BackupName)
	assert.Equal(t, "bm-1", h.notifier.started[0].BackupType)

	var progress []float64
	progress = append(progress, job.ProgressPercentage())

	h.report("a", action.CreateBackup, true)
	assert.Equal(t, "PreparingBackup", job.StageName())
	assert.Equal(t, 0.17, job.ProgressPercentage())
	progress = append(progress, job.ProgressPercentage())

	h.report("b", action.CreateBackup, true)
	assert.Equal(t, "ExecutingBackup", job.StageName())
	assert.Equal(t, 0.33, job.ProgressPercentage())
	progress = append(progress, job.ProgressPercentage())

	h.report("a", action.CreateBackup, true)
	progress = append(progress, job.ProgressPercentage())
	h.report("b", action.CreateBackup, true)
	assert.Equal(t, "PostActionBackup", job.StageName())
	assert.Equal(t, 0.67, job.ProgressPercentage())
	progress = append(progress, job.ProgressPercentage())

	h.report("a", action.CreateBackup, true)
	progress = append(progress, job.ProgressPercentage())
	h.report("b", action.CreateBackup, true)
	progress = append(progress, job.ProgressPercentage())

	assert.Equal(t, "CompletedBackup", job.StageName())
	assert.Equal(t, 1.0, job.ProgressPercentage())
	assert.True(t, job.IsJobFinished())
	assert.True(t, job.IsStageSuccessful())
	assert.Equal(t, action.Success, job.Result())
	assertNonDecreasing(t, progress)
	assertNonDecreasing(t, h.metrics.progress)

	select {
	case <-job.Done():
	default:
		t.Fatal("job not done")
	}

	for _, id := range []string{"a", "b"} {
		assert.Equal(t, []string{"prepare", "execute", "post-action"}, h.channels[id].directives())
		assert.Equal(t, "Recognized", h.agents[id].StateName())
	}
	assert.Empty(t, h.notifier.failed)
	assert.Equal(t, []action.Result{action.Success}, h.metrics.results)
	assert.Equal(t, []string{"PreparingBackup", "ExecutingBackup", "PostActionBackup", "CompletedBackup"}, h.metrics.stages)
	assert.Empty(t, h.orch.ActiveJobs())

	rec, err := h.store.GetJob(context.Background(), job.ID())
	require.NoError(t, err)
	assert.True(t, rec.Finished)
	assert.Equal(t, "SUCCESS", rec.Result)
	assert.Equal(t, "CompletedBackup", rec.Stage)
	assert.Equal(t, map[string]string{"a": "SUCCESSFUL", "b": "SUCCESSFUL"}, rec.AgentStatus)
	require.NotNil(t, rec.CompletedAt)

	assert.NotEmpty(t, h.events.GetEvents(job.ID()))
}

func TestOneAgentFailsDuringExecution(t *testing.T) {
	h := newHarness(t)
	h.connect("a", agent.APIv3)
	h.connect("b", agent.APIv3)
	job := h.backup()

	h.report("a", action.CreateBackup, true)
	h.report("b", action.CreateBackup, true)
	require.Equal(t, "ExecutingBackup", job.StageName())
	executing := job.stage

	h.report("a", action.CreateBackup, false)
	assert.Equal(t, "ExecutingBackup", job.StageName())
	h.report("b", action.CreateBackup, true)

	assert.True(t, executing.IsStageFinished())
	assert.False(t, executing.IsStageSuccessful())
	assert.Equal(t, "FailedBackup", job.StageName())
	assert.False(t, job.IsJobFinished())
	assert.Equal(t, 0.5, job.ProgressPercentage())

	status, ok := job.AgentStatus("b")
	require.True(t, ok)
	assert.Equal(t, WaitingResult, status)
	assert.Equal(t, "Canceling", h.agents["b"].StateName())
	assert.Equal(t, []string{"prepare", "execute", "cancel"}, h.channels["b"].directives())

	// The agent that failed is not asked to cancel.
	assert.Equal(t, []string{"prepare", "execute"}, h.channels["a"].directives())
	assert.Equal(t, "Recognized", h.agents["a"].StateName())
	require.Len(t, h.notifier.failed, 1)

	h.report("b", action.CreateBackup, true)
	assert.True(t, job.IsJobFinished())
	assert.Equal(t, action.Failure, job.Result())
	assert.Equal(t, 0.5, job.ProgressPercentage())
	assert.Equal(t, "Recognized", h.agents["b"].StateName())
	assert.Contains(t, job.AdditionalInfo(), "agent a: from a")

	status, _ = job.AgentStatus("b")
	assert.Equal(t, Cancelled, status)
	require.Len(t, h.notifier.failed, 1)
	assert.Len(t, h.notifier.started, 1)
}

func TestTriggerIsIdempotent(t *testing.T) {
	h := newHarness(t)
	h.connect("a", agent.APIv3)
	job := h.backup()

	job.mu.Lock()
	job.stage.Trigger(context.Background())
	job.stage.Trigger(context.Background())
	job.mu.Unlock()

	assert.Equal(t, []string{"prepare"}, h.channels["a"].directives())
	assert.Len(t, h.notifier.started, 1)
}

func TestDisconnectCompletesStalledStage(t *testing.T) {
	h := newHarness(t)
	h.connect("a", agent.APIv3)
	h.connect("b", agent.APIv3)
	job := h.backup()
	preparing := job.stage

	h.report("a", action.CreateBackup, true)
	assert.False(t, preparing.IsStageFinished())

	h.agents["b"].HandleClosedConnection()
	assert.True(t, preparing.IsStageFinished())
	assert.False(t, preparing.IsStageSuccessful())

	assert.Equal(t, "FailedBackup", job.StageName())
	status, _ := job.AgentStatus("b")
	assert.Equal(t, Disconnected, status)
	assert.Equal(t, []string{"prepare", "cancel"}, h.channels["a"].directives())

	h.report("a", action.CreateBackup, true)
	assert.True(t, job.IsJobFinished())
	assert.Equal(t, action.Failure, job.Result())
}

func TestDisconnectAfterSuccessKeepsProgress(t *testing.T) {
	h := newHarness(t)
	h.connect("a", agent.APIv3)
	h.connect("b", agent.APIv3)
	job := h.backup()

	h.report("a", action.CreateBackup, true)
	h.report("b", action.CreateBackup, true)
	require.Equal(t, "ExecutingBackup", job.StageName())

	h.report("a", action.CreateBackup, true)
	before := job.ProgressPercentage()
	assert.Equal(t, 0.5, before)

	h.agents["a"].HandleClosedConnection()
	assert.Equal(t, "ExecutingBackup", job.StageName())
	status, _ := job.AgentStatus("a")
	assert.Equal(t, Disconnected, status)
	assert.Equal(t, before, job.ProgressPercentage())
	assert.Equal(t, before, job.Snapshot().Progress)

	h.report("b", action.CreateBackup, true)
	assert.Equal(t, "FailedBackup", job.StageName())
	assert.Equal(t, 0.67, job.ProgressPercentage())

	h.report("b", action.CreateBackup, true)
	assert.True(t, job.IsJobFinished())
	assert.Equal(t, action.Failure, job.Result())
	assert.Equal(t, 0.67, job.ProgressPercentage())
	assertNonDecreasing(t, h.metrics.progress)
}

func TestAllSucceedInvariant(t *testing.T) {
	for _, tc := range []struct {
		name    string
		outcome map[string]ProgressStatus
		success bool
	}{
		{"all succeed", map[string]ProgressStatus{"a": Successful, "b": Successful, "c": Successful}, true},
		{"one failed", map[string]ProgressStatus{"a": Successful, "b": Failed, "c": Successful}, false},
		{"one disconnected", map[string]ProgressStatus{"a": Successful, "b": Successful, "c": Disconnected}, false},
		{"one cancelled", map[string]ProgressStatus{"a": Cancelled, "b": Successful, "c": Successful}, false},
	} {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			for _, id := range []string{"a", "b", "c"} {
				h.connect(id, agent.APIv3)
			}
			job := h.backup()
			stage := job.stage
			for id, status := range tc.outcome {
				p, ok := stage.Progress(id)
				require.True(t, ok)
				p.SetStatus(status, "", t0)
			}
			assert.True(t, stage.IsStageFinished())
			assert.Equal(t, tc.success, stage.IsStageSuccessful())
		})
	}
}

func TestMismatchedReportIsIgnored(t *testing.T) {
	h := newHarness(t)
	h.connect("a", agent.APIv3)
	job := h.backup()

	h.report("a", action.Restore, true)
	status, _ := job.AgentStatus("a")
	assert.Equal(t, WaitingResult, status)
	assert.Equal(t, "PreparingBackup", job.StageName())
	assert.Equal(t, "PreparingBackup", h.agents["a"].StateName())
}

func TestLegacyAgentSkipsStages(t *testing.T) {
	h := newHarness(t)
	h.connect("old", agent.APIv2)
	h.connect("new", agent.APIv3)
	job := h.backup()

	status, _ := job.AgentStatus("old")
	assert.Equal(t, Successful, status)
	assert.Equal(t, 0.17, job.ProgressPercentage())

	h.report("new", action.CreateBackup, true)
	require.Equal(t, "ExecutingBackup", job.StageName())
	h.report("old", action.CreateBackup, true)
	h.report("new", action.CreateBackup, true)
	require.Equal(t, "PostActionBackup", job.StageName())
	h.report("new", action.CreateBackup, true)

	assert.Equal(t, action.Success, job.Result())
	assert.Equal(t, []string{"execute"}, h.channels["old"].directives())
	assert.Equal(t, []string{"prepare", "execute", "post-action"}, h.channels["new"].directives())
}

func TestLegacyOnlyJobRunsOnExecuteReport(t *testing.T) {
	h := newHarness(t)
	h.connect("old", agent.APIv2)
	job := h.backup()

	assert.Equal(t, "ExecutingBackup", job.StageName())
	h.report("old", action.CreateBackup, true)
	assert.Equal(t, "CompletedBackup", job.StageName())
	assert.Equal(t, action.Success, job.Result())
	assert.Equal(t, "Recognized", h.agents["old"].StateName())
}

func TestFragments(t *testing.T) {
	h := newHarness(t)
	a := h.connect("a", agent.APIv3)
	job := h.backup()

	// Fragments outside execution are a protocol violation.
	assert.True(t, errors.Is(job.ReceiveNewFragment("a", "f0"), errors.NotSupported))

	h.report("a", action.CreateBackup, true)
	require.Equal(t, "ExecutingBackup", job.StageName())

	require.NoError(t, a.ProcessMessage(agent.Message{Type: agent.FragmentOpenedMessage, FragmentID: "f1"}))
	require.NoError(t, a.ProcessMessage(agent.Message{Type: agent.FragmentOpenedMessage, FragmentID: "f2"}))
	require.NoError(t, a.ProcessMessage(agent.Message{Type: agent.FragmentSucceededMessage, FragmentID: "f1"}))
	err := a.ProcessMessage(agent.Message{Type: agent.FragmentSucceededMessage, FragmentID: "unknown"})
	assert.True(t, errors.Is(err, errors.NotFound))

	p, _ := job.stage.Progress("a")
	status, ok := p.FragmentStatus("f2")
	require.True(t, ok)
	assert.Equal(t, WaitingResult, status)

	// f2 never succeeded, so the success report counts as a failure.
	h.report("a", action.CreateBackup, true)
	assert.Equal(t, "FailedBackup", job.StageName())
	assert.Contains(t, job.AdditionalInfo(), "1 fragment(s) did not succeed")
	assert.True(t, job.IsJobFinished())
	assert.Equal(t, action.Failure, job.Result())
}

func TestDisconnectFailsWaitingFragments(t *testing.T) {
	h := newHarness(t)
	a := h.connect("a", agent.APIv3)
	job := h.backup()
	h.report("a", action.CreateBackup, true)
	require.NoError(t, a.ProcessMessage(agent.Message{Type: agent.FragmentOpenedMessage, FragmentID: "f1"}))
	executing := job.stage

	a.HandleClosedConnection()
	p, _ := executing.Progress("a")
	status, _ := p.FragmentStatus("f1")
	assert.Equal(t, Failed, status)
	assert.False(t, p.IsConnected())
	assert.True(t, job.IsJobFinished())
	assert.Equal(t, action.Failure, job.Result())
}

func TestFragmentsFromAgentWithoutFragmentReporting(t *testing.T) {
	h := newHarness(t)
	a := h.connect("a", agent.APIv4)
	job := h.backup()
	h.report("a", action.CreateBackup, true)
	require.Equal(t, "ExecutingBackup", job.StageName())

	err := a.ProcessMessage(agent.Message{Type: agent.FragmentOpenedMessage, FragmentID: "f1"})
	assert.True(t, errors.Is(err, errors.NotSupported))
}

func TestRestoreWorkflow(t *testing.T) {
	h := newHarness(t)
	h.connect("a", agent.APIv4)
	job, err := h.orch.CreateJob(context.Background(), Request{
		Action:          action.Restore,
		BackupManagerID: "bm-1",
		BackupName:      "nightly",
		BackupType:      "full",
	})
	require.NoError(t, err)

	assert.Equal(t, "PreparingRestore", job.StageName())
	h.report("a", action.CreateBackup, true) // cross-talk, dropped
	assert.Equal(t, "PreparingRestore", job.StageName())

	h.report("a", action.Restore, true)
	assert.Equal(t, "ExecutingRestore", job.StageName())
	h.report("a", action.Restore, true)
	assert.Equal(t, "PostActionRestore", job.StageName())
	h.report("a", action.Restore, true)
	assert.Equal(t, "CompletedRestore", job.StageName())
	assert.Equal(t, action.Success, job.Result())
	assert.Equal(t, []string{"prepare", "execute", "post-action"}, h.channels["a"].directives())
}

func TestPostActionFailureResetsWithoutCancel(t *testing.T) {
	h := newHarness(t)
	h.connect("a", agent.APIv3)
	h.connect("b", agent.APIv3)
	job := h.backup()
	for i := 0; i < 2; i++ {
		h.report("a", action.CreateBackup, true)
		h.report("b", action.CreateBackup, true)
	}
	require.Equal(t, "PostActionBackup", job.StageName())

	h.report("a", action.CreateBackup, true)
	h.report("b", action.CreateBackup, false)

	// Post action cannot be cancelled, so nobody is waited for.
	assert.True(t, job.IsJobFinished())
	assert.Equal(t, action.Failure, job.Result())
	assert.Equal(t, []string{"prepare", "execute", "post-action"}, h.channels["a"].directives())
	assert.Equal(t, "Recognized", h.agents["a"].StateName())
	assert.Equal(t, "Recognized", h.agents["b"].StateName())
	status, _ := job.AgentStatus("a")
	assert.Equal(t, Cancelled, status)
}

func TestDirectiveFailureFailsAgent(t *testing.T) {
	h := newHarness(t)
	h.connect("a", agent.APIv3)
	h.connect("b", agent.APIv3)
	h.channels["b"].fail = true

	job := h.backup()
	status, _ := job.AgentStatus("b")
	assert.Equal(t, Failed, status)
	assert.Contains(t, job.AdditionalInfo(), "connection reset")

	h.report("a", action.CreateBackup, true)
	assert.Equal(t, "FailedBackup", job.StageName())
}

func TestAbort(t *testing.T) {
	h := newHarness(t)
	h.connect("a", agent.APIv3)
	h.connect("b", agent.APIv3)
	job := h.backup()

	assert.True(t, errors.Is(h.orch.Abort("nope", ""), errors.NotFound))
	require.NoError(t, h.orch.Abort(job.ID(), "operator request"))

	assert.Equal(t, "FailedBackup", job.StageName())
	for _, id := range []string{"a", "b"} {
		assert.Equal(t, []string{"prepare", "cancel"}, h.channels[id].directives())
	}
	assert.Contains(t, job.AdditionalInfo(), "operator request")

	// A second abort is a no-op.
	require.NoError(t, h.orch.Abort(job.ID(), ""))
	assert.Equal(t, []string{"prepare", "cancel"}, h.channels["a"].directives())

	h.report("a", action.CreateBackup, true)
	h.report("b", action.CreateBackup, false)
	assert.True(t, job.IsJobFinished())
	assert.Equal(t, action.Failure, job.Result())
	status, _ := job.AgentStatus("b")
	assert.Equal(t, Failed, status)
	_, ok := h.orch.Job(job.ID())
	assert.False(t, ok)
}

func TestCancelTimeoutForcesDisconnected(t *testing.T) {
	h := newHarness(t)
	h.connect("a", agent.APIv3)
	job := h.backup()
	require.NoError(t, h.orch.Abort(job.ID(), ""))

	assert.Empty(t, job.ExpireWaitingAgents(time.Minute))
	assert.False(t, job.IsJobFinished())

	h.clock.Advance(2 * time.Minute)
	assert.Equal(t, []string{"a"}, job.ExpireWaitingAgents(time.Minute))
	assert.True(t, job.IsJobFinished())
	assert.Equal(t, action.Failure, job.Result())
	status, _ := job.AgentStatus("a")
	assert.Equal(t, Disconnected, status)
	assert.Equal(t, "Recognized", h.agents["a"].StateName())
	assert.False(t, h.agents["a"].Busy())
}

func TestAdmission(t *testing.T) {
	h := newHarness(t)
	h.connect("a", agent.APIv3)
	ctx := context.Background()

	_, err := h.orch.CreateJob(ctx, Request{Action: "DELETE", BackupManagerID: "bm-1", BackupName: "x"})
	assert.True(t, errors.Is(err, errors.NotValid))

	_, err = h.orch.CreateJob(ctx, Request{Action: action.CreateBackup, BackupManagerID: "bm-1"})
	assert.True(t, errors.Is(err, errors.NotValid), "missing backup name")

	_, err = h.orch.CreateJob(ctx, Request{Action: action.CreateBackup, BackupManagerID: "bm-empty", BackupName: "x"})
	assert.True(t, errors.Is(err, errors.NotValid), "no agents in scope")

	_, err = h.orch.CreateJob(ctx, Request{Action: action.CreateBackup, BackupManagerID: "bm-1", BackupName: "x", AgentIDs: []string{"ghost"}})
	assert.True(t, errors.Is(err, errors.NotFound))

	_, err = h.orch.CreateJob(ctx, Request{Action: action.CreateBackup, BackupManagerID: "bm-1", BackupName: "x", AgentIDs: []string{"a", "a"}})
	assert.True(t, errors.Is(err, errors.NotValid))

	_, err = h.orch.CreateJob(ctx, Request{Action: action.CreateBackup, BackupManagerID: "bm-2", BackupName: "x", AgentIDs: []string{"a"}})
	assert.True(t, errors.Is(err, errors.NotValid), "agent outside the backup manager")
	assert.Empty(t, h.channels["a"].directives())

	job := h.backup()
	_, err = h.orch.CreateJob(ctx, Request{Action: action.Restore, BackupManagerID: "bm-1", BackupName: "x"})
	assert.True(t, errors.Is(err, errors.AlreadyExists), "one action per backup manager")

	_, err = h.orch.CreateJob(ctx, Request{Action: action.Restore, BackupManagerID: "bm-2", BackupName: "x", AgentIDs: []string{"a"}})
	assert.True(t, errors.Is(err, errors.NotValid), "agent serves another backup manager")

	require.Len(t, h.orch.ActiveJobs(), 1)
	got, ok := h.orch.Job(job.ID())
	require.True(t, ok)
	assert.Same(t, job, got)

	noHousekeeper, err := New(Config{Directory: RegistryDirectory{Registry: h.registry}})
	require.NoError(t, err)
	_, err = noHousekeeper.CreateJob(ctx, Request{Action: action.Housekeeping, BackupManagerID: "bm-1"})
	assert.True(t, errors.Is(err, errors.NotSupported))

	_, err = New(Config{})
	assert.True(t, errors.Is(err, errors.NotValid))
}

func TestHousekeeping(t *testing.T) {
	h := newHarness(t)
	job, err := h.orch.CreateJob(context.Background(), Request{Action: action.Housekeeping, BackupManagerID: "bm-1"})
	require.NoError(t, err)

	assert.Equal(t, "CompletedHousekeeping", job.StageName())
	assert.Equal(t, action.Success, job.Result())
	assert.Equal(t, []string{"execute:bm-1", "post-action:bm-1"}, h.housekeeper.calls)
	assert.Equal(t, []string{"ExecutingHousekeeping", "PostActionHousekeeping", "CompletedHousekeeping"}, h.metrics.stages)
	assertNonDecreasing(t, h.metrics.progress)
}

func TestHousekeepingWithAgentsDoesNotBindThem(t *testing.T) {
	h := newHarness(t)
	h.connect("a", agent.APIv3)
	job, err := h.orch.CreateJob(context.Background(), Request{Action: action.Housekeeping, BackupManagerID: "bm-1"})
	require.NoError(t, err)

	assert.Equal(t, action.Success, job.Result())
	assert.Empty(t, h.channels["a"].directives())
	status, _ := job.AgentStatus("a")
	assert.Equal(t, Successful, status)
}

func TestHousekeepingFailure(t *testing.T) {
	h := newHarness(t)
	h.housekeeper.err = errors.New("store unavailable")
	job, err := h.orch.CreateJob(context.Background(), Request{Action: action.Housekeeping, BackupManagerID: "bm-1"})
	require.NoError(t, err)

	assert.Equal(t, "FailedHousekeeping", job.StageName())
	assert.Equal(t, action.Failure, job.Result())
	assert.Equal(t, []string{"execute:bm-1"}, h.housekeeper.calls)
	assert.Contains(t, job.AdditionalInfo(), "store unavailable")
	assert.Len(t, h.notifier.failed, 1)
}

func TestHousekeepingBoundedByCallerContext(t *testing.T) {
	h := newHarness(t)
	h.housekeeper.block = true
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	started := time.Now()
	job, err := h.orch.CreateJob(ctx, Request{Action: action.Housekeeping, BackupManagerID: "bm-1"})
	require.NoError(t, err)
	assert.Less(t, time.Since(started), 10*time.Second)

	assert.Equal(t, "FailedHousekeeping", job.StageName())
	assert.Equal(t, action.Failure, job.Result())
	assert.Contains(t, job.AdditionalInfo(), context.DeadlineExceeded.Error())
	assert.Empty(t, h.orch.ActiveJobs())
}

func TestNotificationFailureIsSwallowed(t *testing.T) {
	h := newHarness(t)
	h.notifier.err = errors.New("broker down")
	h.connect("a", agent.APIv3)
	job := h.backup()

	assert.Equal(t, "PreparingBackup", job.StageName())
	assert.Equal(t, 1, h.metrics.notifyFailure["action_started"])

	require.NoError(t, h.orch.Abort(job.ID(), ""))
	h.report("a", action.CreateBackup, true)
	assert.True(t, job.IsJobFinished())
	assert.Equal(t, 1, h.metrics.notifyFailure["action_failed"])
}

func TestReportAfterFinishIsIgnored(t *testing.T) {
	h := newHarness(t)
	h.connect("old", agent.APIv2)
	job := h.backup()
	h.report("old", action.CreateBackup, true)
	require.True(t, job.IsJobFinished())

	job.UpdateProgress("old", agent.StageComplete{Action: action.CreateBackup, Success: false})
	assert.Equal(t, action.Success, job.Result())
}

func TestStageInvariants(t *testing.T) {
	h := newHarness(t)
	h.connect("a", agent.APIv3)
	job := h.backup()
	require.NoError(t, h.orch.Abort(job.ID(), ""))

	failed := job.stage
	assert.Equal(t, PhaseFailed, failed.Phase())
	assert.Equal(t, 4, failed.Order())
	assert.Same(t, failed, failed.NextStageFailure())
	assert.PanicsWithValue(t, StageInvariantError{Stage: "FailedBackup", Op: "NextStageSuccess"}, func() {
		failed.NextStageSuccess()
	})
}

func TestConcurrentReportsAdvanceOnce(t *testing.T) {
	h := newHarness(t)
	ids := []string{"a", "b", "c", "d", "e", "f"}
	for _, id := range ids {
		h.connect(id, agent.APIv3)
	}
	job := h.backup()

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			h.report(id, action.CreateBackup, true)
		}(id)
	}
	wg.Wait()

	assert.Equal(t, "ExecutingBackup", job.StageName())
	for _, id := range ids {
		assert.Equal(t, []string{"prepare", "execute"}, h.channels[id].directives())
	}
	assert.Equal(t, []string{"PreparingBackup", "ExecutingBackup"}, h.metrics.stages)
}
