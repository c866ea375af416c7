package usecase

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"infra-agent/internal/domain"
	"infra-agent/internal/region"
	"infra-agent/internal/tracker"
)

// ---------------------------------------------------------------------------
// mocks shared with chat_test.go
// ---------------------------------------------------------------------------

type mockCompute struct {
	mu sync.Mutex

	createCalls  int
	createRegion string
	createImage  string
	createSize   string
	createTag    string
	createHandle domain.InstanceHandle
	createErr    error
	createGate   chan struct{} // when set, CreateInstance blocks until closed

	waitRunningErr error

	describeInfo domain.InstanceInfo
	describeErr  error

	findHandles []domain.InstanceHandle
	findErr     error
	findRegion  string
	findTag     string
	findStates  []string

	terminateCalls   int
	terminateHandles []domain.InstanceHandle
	terminateErr     error
	waitTermErr      error

	regions    []string
	regionsErr error

	count    int
	countErr error

	identity    domain.Identity
	identityErr error
}

func (m *mockCompute) CreateInstance(_ context.Context, regionCode, imageRef, sizeClass, nameTag string) (domain.InstanceHandle, error) {
	m.mu.Lock()
	m.createCalls++
	m.createRegion = regionCode
	m.createImage = imageRef
	m.createSize = sizeClass
	m.createTag = nameTag
	gate := m.createGate
	m.mu.Unlock()
	if gate != nil {
		<-gate
	}
	return m.createHandle, m.createErr
}

func (m *mockCompute) WaitUntilRunning(_ context.Context, _ domain.InstanceHandle) error {
	return m.waitRunningErr
}

func (m *mockCompute) DescribeInstance(_ context.Context, _ domain.InstanceHandle) (domain.InstanceInfo, error) {
	return m.describeInfo, m.describeErr
}

func (m *mockCompute) FindInstances(_ context.Context, regionCode, nameTag string, states []string) ([]domain.InstanceHandle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.findRegion = regionCode
	m.findTag = nameTag
	m.findStates = states
	return m.findHandles, m.findErr
}

func (m *mockCompute) Terminate(_ context.Context, handles []domain.InstanceHandle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.terminateCalls++
	m.terminateHandles = handles
	return m.terminateErr
}

func (m *mockCompute) WaitUntilTerminated(_ context.Context, _ []domain.InstanceHandle) error {
	return m.waitTermErr
}

func (m *mockCompute) ListRegions(_ context.Context) ([]string, error) {
	return m.regions, m.regionsErr
}

func (m *mockCompute) CountInstances(_ context.Context) (int, error) {
	return m.count, m.countErr
}

func (m *mockCompute) CallerIdentity(_ context.Context) (domain.Identity, error) {
	return m.identity, m.identityErr
}

// computeCalls is a lock-free copy of the mock's recorded calls.
type computeCalls struct {
	createCalls      int
	createRegion     string
	createImage      string
	createSize       string
	createTag        string
	findRegion       string
	findTag          string
	findStates       []string
	terminateCalls   int
	terminateHandles []domain.InstanceHandle
}

func (m *mockCompute) snapshot() computeCalls {
	m.mu.Lock()
	defer m.mu.Unlock()
	return computeCalls{
		createCalls:      m.createCalls,
		createRegion:     m.createRegion,
		createImage:      m.createImage,
		createSize:       m.createSize,
		createTag:        m.createTag,
		findRegion:       m.findRegion,
		findTag:          m.findTag,
		findStates:       m.findStates,
		terminateCalls:   m.terminateCalls,
		terminateHandles: m.terminateHandles,
	}
}

type mockRunner struct {
	mu sync.Mutex

	lookupName string
	id         int
	found      bool
	lookupErr  error

	triggeredID int
	run         domain.PipelineRun
	triggerErr  error
}

func (m *mockRunner) FindPipelineID(_ context.Context, name string) (int, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lookupName = name
	return m.id, m.found, m.lookupErr
}

func (m *mockRunner) TriggerRun(_ context.Context, id int) (domain.PipelineRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.triggeredID = id
	return m.run, m.triggerErr
}

type mockVars struct {
	mu      sync.Mutex
	written []domain.ProvisionVars
	err     error
}

func (m *mockVars) Write(vars domain.ProvisionVars) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.written = append(m.written, vars)
	return m.err
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func expectError(t *testing.T, err error, code ErrorCode, reason string) {
	t.Helper()
	var uerr *Error
	require.ErrorAs(t, err, &uerr)
	require.Equal(t, code, uerr.Code)
	require.Equal(t, reason, uerr.Reason)
}

func awaitIdle(t *testing.T, tr *tracker.Tracker) {
	t.Helper()
	require.Eventually(t, func() bool { return !tr.InProgress() }, 2*time.Second, 5*time.Millisecond)
}

func newDirectDispatcher(t *testing.T, compute *mockCompute, tr *tracker.Tracker) *Dispatcher {
	t.Helper()
	d, err := NewDispatcher(DispatcherConfig{
		Mode:      ModeDirect,
		Compute:   compute,
		Tracker:   tr,
		Catalog:   region.Default(),
		Logger:    quietLogger(),
		SizeClass: "t2.micro",
		NameTag:   "Infra-Agent-Instance",
	})
	require.NoError(t, err)
	return d
}

func newPipelineDispatcher(t *testing.T, compute *mockCompute, runner *mockRunner, vars *mockVars, tr *tracker.Tracker) *Dispatcher {
	t.Helper()
	d, err := NewDispatcher(DispatcherConfig{
		Mode:            ModePipeline,
		Compute:         compute,
		Runner:          runner,
		Vars:            vars,
		Tracker:         tr,
		Catalog:         region.Default(),
		Logger:          quietLogger(),
		PipelineName:    "Provision-EC2",
		SizeClass:       "t2.micro",
		NameTag:         "Infra-Agent-Instance",
		MonitorInterval: 10 * time.Millisecond,
	})
	require.NoError(t, err)
	return d
}

func createConfirmation(regionCode string) domain.PendingConfirmation {
	return domain.PendingConfirmation{Kind: domain.ConfirmCreate, Region: regionCode}
}

func terminateConfirmation(regionCode string) domain.PendingConfirmation {
	return domain.PendingConfirmation{Kind: domain.ConfirmTerminate, Region: regionCode, TargetName: "Infra-Agent-Instance"}
}

// ---------------------------------------------------------------------------
// constructor
// ---------------------------------------------------------------------------

func TestNewDispatcher_Validation(t *testing.T) {
	tr := tracker.New()
	compute := &mockCompute{}
	base := DispatcherConfig{
		Mode:      ModeDirect,
		Compute:   compute,
		Tracker:   tr,
		Catalog:   region.Default(),
		SizeClass: "t2.micro",
		NameTag:   "Infra-Agent-Instance",
	}

	cfg := base
	cfg.Mode = "unknown"
	_, err := NewDispatcher(cfg)
	require.Error(t, err)

	cfg = base
	cfg.Compute = nil
	_, err = NewDispatcher(cfg)
	require.Error(t, err)

	cfg = base
	cfg.Tracker = nil
	_, err = NewDispatcher(cfg)
	require.Error(t, err)

	cfg = base
	cfg.Catalog = nil
	_, err = NewDispatcher(cfg)
	require.Error(t, err)

	cfg = base
	cfg.SizeClass = " "
	_, err = NewDispatcher(cfg)
	require.Error(t, err)

	// Pipeline mode requires runner, vars writer and pipeline name.
	cfg = base
	cfg.Mode = ModePipeline
	_, err = NewDispatcher(cfg)
	require.Error(t, err)

	cfg.Runner = &mockRunner{}
	_, err = NewDispatcher(cfg)
	require.Error(t, err)

	cfg.Vars = &mockVars{}
	_, err = NewDispatcher(cfg)
	require.Error(t, err)

	cfg.PipelineName = "Provision-EC2"
	_, err = NewDispatcher(cfg)
	require.NoError(t, err)
}

// ---------------------------------------------------------------------------
// direct backend: create
// ---------------------------------------------------------------------------

func TestDispatchCreate_Direct(t *testing.T) {
	compute := &mockCompute{
		createHandle: domain.InstanceHandle{ID: "i-0abc", Region: "ap-south-1"},
		describeInfo: domain.InstanceInfo{ID: "i-0abc", PublicDNS: "ec2-1-2-3-4.compute.amazonaws.com", PrivateIP: "10.0.0.4"},
	}
	tr := tracker.New()
	d := newDirectDispatcher(t, compute, tr)

	ack, err := d.Dispatch(context.Background(), createConfirmation("ap-south-1"))
	require.NoError(t, err)
	require.Contains(t, ack, "ap-south-1")

	awaitIdle(t, tr)
	got := compute.snapshot()
	require.Equal(t, 1, got.createCalls)
	require.Equal(t, "ap-south-1", got.createRegion)
	require.Equal(t, "t2.micro", got.createSize)
	require.Equal(t, "Infra-Agent-Instance", got.createTag)
	require.NotEmpty(t, got.createImage)

	status := tr.Status()
	require.Contains(t, status, "i-0abc")
	require.Contains(t, status, "running")
	require.Contains(t, status, "10.0.0.4")
}

func TestDispatchCreate_RegionWithoutImageFailsFast(t *testing.T) {
	compute := &mockCompute{}
	tr := tracker.New()
	d := newDirectDispatcher(t, compute, tr)

	// ap-southeast-1 is resolvable but has no image configured.
	_, err := d.Dispatch(context.Background(), createConfirmation("ap-southeast-1"))
	expectError(t, err, ErrorInvalidInput, "image_not_configured")

	// Nothing was started and no state was touched.
	require.False(t, tr.InProgress())
	require.Equal(t, tracker.InitialStatus, tr.Status())
	require.Zero(t, compute.snapshot().createCalls)
}

func TestDispatchCreate_ConflictWhileInFlight(t *testing.T) {
	compute := &mockCompute{}
	tr := tracker.New()
	d := newDirectDispatcher(t, compute, tr)

	require.True(t, tr.TryAcquire("Creating EC2 instance in us-east-1..."))

	_, err := d.Dispatch(context.Background(), createConfirmation("ap-south-1"))
	expectError(t, err, ErrorConflict, "operation_in_progress")
	require.Zero(t, compute.snapshot().createCalls)

	// The holder's status is untouched by the rejected dispatch.
	require.Equal(t, "Creating EC2 instance in us-east-1...", tr.Status())
}

func TestDispatchCreate_ProviderFailureReleasesTracker(t *testing.T) {
	compute := &mockCompute{createErr: errors.New("InsufficientInstanceCapacity")}
	tr := tracker.New()
	d := newDirectDispatcher(t, compute, tr)

	_, err := d.Dispatch(context.Background(), createConfirmation("ap-south-1"))
	require.NoError(t, err)

	awaitIdle(t, tr)
	require.Contains(t, tr.Status(), "Error:")
	require.Contains(t, tr.Status(), "InsufficientInstanceCapacity")
}

func TestDispatchCreate_WaitFailureReleasesTracker(t *testing.T) {
	compute := &mockCompute{
		createHandle:   domain.InstanceHandle{ID: "i-0abc", Region: "ap-south-1"},
		waitRunningErr: errors.New("exceeded max wait time"),
	}
	tr := tracker.New()
	d := newDirectDispatcher(t, compute, tr)

	_, err := d.Dispatch(context.Background(), createConfirmation("ap-south-1"))
	require.NoError(t, err)

	awaitIdle(t, tr)
	require.Contains(t, tr.Status(), "Error:")
}

// ---------------------------------------------------------------------------
// terminate
// ---------------------------------------------------------------------------

func TestDispatchTerminate_NoneFound(t *testing.T) {
	compute := &mockCompute{}
	tr := tracker.New()
	d := newDirectDispatcher(t, compute, tr)

	ack, err := d.Dispatch(context.Background(), terminateConfirmation("ap-southeast-1"))
	require.NoError(t, err)
	require.Contains(t, ack, "ap-southeast-1")

	awaitIdle(t, tr)
	got := compute.snapshot()
	require.Zero(t, got.terminateCalls, "no termination without matches")
	require.Equal(t, "ap-southeast-1", got.findRegion)
	require.Equal(t, "Infra-Agent-Instance", got.findTag)
	require.Equal(t, []string{"running", "pending"}, got.findStates)
	require.Contains(t, tr.Status(), "No matching instances")
}

func TestDispatchTerminate_TerminatesMatches(t *testing.T) {
	handles := []domain.InstanceHandle{
		{ID: "i-1", Region: "eu-west-1"},
		{ID: "i-2", Region: "eu-west-1"},
	}
	compute := &mockCompute{findHandles: handles}
	tr := tracker.New()
	d := newDirectDispatcher(t, compute, tr)

	_, err := d.Dispatch(context.Background(), terminateConfirmation("eu-west-1"))
	require.NoError(t, err)

	awaitIdle(t, tr)
	got := compute.snapshot()
	require.Equal(t, 1, got.terminateCalls)
	require.Equal(t, handles, got.terminateHandles)
	require.Contains(t, tr.Status(), "terminated in eu-west-1")
}

func TestDispatchTerminate_LookupFailureReleasesTracker(t *testing.T) {
	compute := &mockCompute{findErr: errors.New("throttled")}
	tr := tracker.New()
	d := newDirectDispatcher(t, compute, tr)

	_, err := d.Dispatch(context.Background(), terminateConfirmation("eu-west-1"))
	require.NoError(t, err)

	awaitIdle(t, tr)
	require.Contains(t, tr.Status(), "Error:")
	require.Zero(t, compute.snapshot().terminateCalls)
}

// ---------------------------------------------------------------------------
// pipeline backend
// ---------------------------------------------------------------------------

func TestDispatchCreate_Pipeline(t *testing.T) {
	compute := &mockCompute{}
	runner := &mockRunner{id: 7, found: true, run: domain.PipelineRun{StatusCode: 201}}
	vars := &mockVars{}
	tr := tracker.New()
	d := newPipelineDispatcher(t, compute, runner, vars, tr)

	ack, err := d.Dispatch(context.Background(), createConfirmation("ap-south-1"))
	require.NoError(t, err)
	require.Contains(t, ack, "Pipeline triggered")

	require.Equal(t, "Provision-EC2", runner.lookupName)
	require.Equal(t, 7, runner.triggeredID)

	// Descriptor is rewritten before the run starts, wholesale.
	require.Len(t, vars.written, 1)
	require.Equal(t, domain.ProvisionVars{
		Region:       "ap-south-1",
		ImageID:      "resolve:ssm:/aws/service/ami-amazon-linux-latest/amzn2-ami-hvm-x86_64-gp2",
		InstanceType: "t2.micro",
	}, vars.written[0])

	// The simulated monitor declares success after the fixed interval.
	awaitIdle(t, tr)
	require.Contains(t, tr.Status(), "launched successfully in ap-south-1")
}

func TestDispatchCreate_PipelineNotFound(t *testing.T) {
	runner := &mockRunner{found: false}
	tr := tracker.New()
	d := newPipelineDispatcher(t, &mockCompute{}, runner, &mockVars{}, tr)

	_, err := d.Dispatch(context.Background(), createConfirmation("ap-south-1"))
	expectError(t, err, ErrorNotFound, "pipeline_not_found")

	require.False(t, tr.InProgress())
	require.Contains(t, tr.Status(), "not found")
}

func TestDispatchCreate_PipelineTriggerRejected(t *testing.T) {
	runner := &mockRunner{id: 7, found: true, run: domain.PipelineRun{StatusCode: 400, Body: "no agents"}}
	tr := tracker.New()
	d := newPipelineDispatcher(t, &mockCompute{}, runner, &mockVars{}, tr)

	_, err := d.Dispatch(context.Background(), createConfirmation("ap-south-1"))
	expectError(t, err, ErrorUpstream, "pipeline_trigger_rejected")
	require.False(t, tr.InProgress())
}

func TestDispatchCreate_PipelineLookupError(t *testing.T) {
	runner := &mockRunner{lookupErr: errors.New("unauthorized")}
	tr := tracker.New()
	d := newPipelineDispatcher(t, &mockCompute{}, runner, &mockVars{}, tr)

	_, err := d.Dispatch(context.Background(), createConfirmation("ap-south-1"))
	expectError(t, err, ErrorUpstream, "pipeline_lookup_error")
	require.False(t, tr.InProgress())
}

func TestDispatchCreate_PipelineVarsWriteError(t *testing.T) {
	tr := tracker.New()
	d := newPipelineDispatcher(t, &mockCompute{}, &mockRunner{id: 7, found: true}, &mockVars{err: errors.New("read-only fs")}, tr)

	_, err := d.Dispatch(context.Background(), createConfirmation("ap-south-1"))
	expectError(t, err, ErrorInternal, "vars_write_error")
	require.False(t, tr.InProgress())
}
