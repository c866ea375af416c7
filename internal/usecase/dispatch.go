package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"infra-agent/internal/domain"
	"infra-agent/internal/region"
	"infra-agent/internal/tracker"
)

// Mode selects the provisioning backend for create confirmations.
type Mode string

const (
	// ModeDirect drives the compute provider SDK from this process.
	ModeDirect Mode = "direct"
	// ModePipeline hands provisioning to a named CI pipeline, passing
	// parameters through the tfvars descriptor.
	ModePipeline Mode = "pipeline"
)

// terminate matches instances that are up or still coming up.
var liveStates = []string{"running", "pending"}

// ComputeProvider is the cloud control-plane capability the dispatcher
// consumes. internal/integrations/compute satisfies it.
type ComputeProvider interface {
	CreateInstance(ctx context.Context, regionCode, imageRef, sizeClass, nameTag string) (domain.InstanceHandle, error)
	WaitUntilRunning(ctx context.Context, handle domain.InstanceHandle) error
	DescribeInstance(ctx context.Context, handle domain.InstanceHandle) (domain.InstanceInfo, error)
	FindInstances(ctx context.Context, regionCode, nameTag string, states []string) ([]domain.InstanceHandle, error)
	Terminate(ctx context.Context, handles []domain.InstanceHandle) error
	WaitUntilTerminated(ctx context.Context, handles []domain.InstanceHandle) error
	ListRegions(ctx context.Context) ([]string, error)
	CountInstances(ctx context.Context) (int, error)
	CallerIdentity(ctx context.Context) (domain.Identity, error)
}

// PipelineRunner is the CI capability consumed in pipeline mode.
// internal/integrations/pipeline satisfies it.
type PipelineRunner interface {
	FindPipelineID(ctx context.Context, name string) (int, bool, error)
	TriggerRun(ctx context.Context, id int) (domain.PipelineRun, error)
}

// VarsWriter rewrites the provisioning parameter descriptor read by the
// pipeline. internal/tfvars satisfies it.
type VarsWriter interface {
	Write(vars domain.ProvisionVars) error
}

// DispatcherConfig carries the dispatcher's collaborators and fixed
// parameters. Runner and Vars are required only in pipeline mode.
type DispatcherConfig struct {
	Mode         Mode
	Compute      ComputeProvider
	Runner       PipelineRunner
	Vars         VarsWriter
	Tracker      *tracker.Tracker
	Catalog      *region.Catalog
	Logger       *slog.Logger
	PipelineName string
	SizeClass    string
	NameTag      string

	// MonitorInterval is how long the pipeline-mode monitor waits before
	// declaring the run complete. This is a placeholder for a real
	// status-polling or webhook signal, not a true completion check.
	MonitorInterval time.Duration
}

// Dispatcher launches confirmed mutating actions on detached background
// goroutines and reports their progress through the shared tracker.
// Completion is communicated only by mutating the tracker; there is no join
// and no cancellation once an action starts.
type Dispatcher struct {
	mode            Mode
	compute         ComputeProvider
	runner          PipelineRunner
	vars            VarsWriter
	tracker         *tracker.Tracker
	catalog         *region.Catalog
	logger          *slog.Logger
	pipelineName    string
	sizeClass       string
	nameTag         string
	monitorInterval time.Duration
}

func NewDispatcher(cfg DispatcherConfig) (*Dispatcher, error) {
	if cfg.Mode != ModeDirect && cfg.Mode != ModePipeline {
		return nil, fmt.Errorf("usecase: unknown dispatch mode %q", cfg.Mode)
	}
	if cfg.Compute == nil {
		return nil, errors.New("usecase: compute provider must not be nil")
	}
	if cfg.Tracker == nil {
		return nil, errors.New("usecase: tracker must not be nil")
	}
	if cfg.Catalog == nil {
		return nil, errors.New("usecase: region catalog must not be nil")
	}
	if cfg.Mode == ModePipeline {
		if cfg.Runner == nil {
			return nil, errors.New("usecase: pipeline runner must not be nil in pipeline mode")
		}
		if cfg.Vars == nil {
			return nil, errors.New("usecase: vars writer must not be nil in pipeline mode")
		}
		if strings.TrimSpace(cfg.PipelineName) == "" {
			return nil, errors.New("usecase: pipeline name must not be empty in pipeline mode")
		}
	}
	if strings.TrimSpace(cfg.SizeClass) == "" {
		return nil, errors.New("usecase: size class must not be empty")
	}
	if strings.TrimSpace(cfg.NameTag) == "" {
		return nil, errors.New("usecase: name tag must not be empty")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.MonitorInterval <= 0 {
		cfg.MonitorInterval = 90 * time.Second
	}
	return &Dispatcher{
		mode:            cfg.Mode,
		compute:         cfg.Compute,
		runner:          cfg.Runner,
		vars:            cfg.Vars,
		tracker:         cfg.Tracker,
		catalog:         cfg.Catalog,
		logger:          cfg.Logger,
		pipelineName:    cfg.PipelineName,
		sizeClass:       cfg.SizeClass,
		nameTag:         cfg.NameTag,
		monitorInterval: cfg.MonitorInterval,
	}, nil
}

// NameTag returns the fixed discoverable name applied to created instances
// and matched by terminations.
func (d *Dispatcher) NameTag() string {
	return d.nameTag
}

// Dispatch launches the confirmed action and returns an immediate
// acknowledgement; it never blocks on provisioning latency. A typed *Error
// is returned when nothing was started.
func (d *Dispatcher) Dispatch(ctx context.Context, pc domain.PendingConfirmation) (string, error) {
	switch pc.Kind {
	case domain.ConfirmCreate:
		return d.dispatchCreate(ctx, pc.Region)
	case domain.ConfirmTerminate:
		return d.dispatchTerminate(pc.Region, pc.TargetName)
	default:
		return "", newError(ErrorInternal, "unknown_confirmation_kind", fmt.Errorf("kind %q", pc.Kind))
	}
}

func (d *Dispatcher) dispatchCreate(ctx context.Context, regionCode string) (string, error) {
	image, ok := d.catalog.Image(regionCode)
	if !ok {
		return "", newError(ErrorInvalidInput, "image_not_configured", fmt.Errorf("no machine image configured for %s", regionCode))
	}

	if !d.tracker.TryAcquire(fmt.Sprintf("Creating EC2 instance in %s...", regionCode)) {
		return "", newError(ErrorConflict, "operation_in_progress", nil)
	}

	if d.mode == ModePipeline {
		return d.startPipelineCreate(ctx, regionCode, image)
	}

	go d.runDirectCreate(regionCode, image)
	return fmt.Sprintf("Creating an EC2 instance in %s. Send 'status' to follow progress.", regionCode), nil
}

// runDirectCreate is the detached create path. It must release the tracker
// on every exit; the deferred Release publishes whatever final status the
// path settled on.
func (d *Dispatcher) runDirectCreate(regionCode, image string) {
	ctx := context.Background()
	final := ""
	defer func() { d.tracker.Release(final) }()

	handle, err := d.compute.CreateInstance(ctx, regionCode, image, d.sizeClass, d.nameTag)
	if err != nil {
		d.logger.Error("instance creation failed", "region", regionCode, "err", err)
		final = fmt.Sprintf("Error: failed to create instance in %s: %v", regionCode, err)
		return
	}

	d.tracker.UpdateStatus(fmt.Sprintf("Launching instance %s in %s...", handle.ID, regionCode))
	if err := d.compute.WaitUntilRunning(ctx, handle); err != nil {
		d.logger.Error("instance never reached running", "instance", handle.ID, "err", err)
		final = fmt.Sprintf("Error: instance %s did not reach running state: %v", handle.ID, err)
		return
	}

	info, err := d.compute.DescribeInstance(ctx, handle)
	if err != nil {
		d.logger.Error("describe after launch failed", "instance", handle.ID, "err", err)
		final = fmt.Sprintf("Error: instance %s launched but could not be described: %v", handle.ID, err)
		return
	}

	d.logger.Info("instance running", "instance", info.ID, "region", regionCode)
	final = fmt.Sprintf("Instance %s is running in %s (public DNS %s, private IP %s).",
		info.ID, regionCode, info.PublicDNS, info.PrivateIP)
}

// startPipelineCreate runs the synchronous part of a pipeline-backed create:
// descriptor rewrite, pipeline lookup and trigger. The tracker is already
// held; every failure path must release it before returning.
func (d *Dispatcher) startPipelineCreate(ctx context.Context, regionCode, image string) (string, error) {
	if err := d.vars.Write(domain.ProvisionVars{
		Region:       regionCode,
		ImageID:      image,
		InstanceType: d.sizeClass,
	}); err != nil {
		d.tracker.Release(fmt.Sprintf("Error: could not write provisioning parameters: %v", err))
		return "", newError(ErrorInternal, "vars_write_error", err)
	}

	id, found, err := d.runner.FindPipelineID(ctx, d.pipelineName)
	if err != nil {
		d.tracker.Release(fmt.Sprintf("Error: pipeline lookup failed: %v", err))
		return "", newError(ErrorUpstream, "pipeline_lookup_error", err)
	}
	if !found {
		d.tracker.Release(fmt.Sprintf("Error: pipeline %q was not found.", d.pipelineName))
		return "", newError(ErrorNotFound, "pipeline_not_found", fmt.Errorf("pipeline %q", d.pipelineName))
	}

	run, err := d.runner.TriggerRun(ctx, id)
	if err != nil {
		d.tracker.Release(fmt.Sprintf("Error: pipeline trigger failed: %v", err))
		return "", newError(ErrorUpstream, "pipeline_trigger_error", err)
	}
	if !run.Accepted() {
		d.tracker.Release(fmt.Sprintf("Error: pipeline trigger was rejected (status %d).", run.StatusCode))
		return "", newError(ErrorUpstream, "pipeline_trigger_rejected", fmt.Errorf("status %d: %s", run.StatusCode, run.Body))
	}

	go d.monitorPipelineRun(regionCode)
	return fmt.Sprintf("Pipeline triggered to create an EC2 instance in %s. Send 'status' to follow progress.", regionCode), nil
}

// monitorPipelineRun simulates completion by waiting a fixed interval. This
// stands in for a status-polling or webhook-driven signal; the interval is a
// guess, not a real completion check.
func (d *Dispatcher) monitorPipelineRun(regionCode string) {
	time.Sleep(d.monitorInterval)
	d.logger.Info("pipeline run assumed complete", "region", regionCode)
	d.tracker.Release(fmt.Sprintf("EC2 instance launched successfully in %s.", regionCode))
}

func (d *Dispatcher) dispatchTerminate(regionCode, targetName string) (string, error) {
	if targetName == "" {
		targetName = d.nameTag
	}

	if !d.tracker.TryAcquire(fmt.Sprintf("Looking for instances to terminate in %s...", regionCode)) {
		return "", newError(ErrorConflict, "operation_in_progress", nil)
	}

	go d.runTerminate(regionCode, targetName)
	return fmt.Sprintf("Terminating EC2 instance(s) named %q in %s. Send 'status' to follow progress.", targetName, regionCode), nil
}

func (d *Dispatcher) runTerminate(regionCode, targetName string) {
	ctx := context.Background()
	final := ""
	defer func() { d.tracker.Release(final) }()

	handles, err := d.compute.FindInstances(ctx, regionCode, targetName, liveStates)
	if err != nil {
		d.logger.Error("instance lookup failed", "region", regionCode, "err", err)
		final = fmt.Sprintf("Error: could not look up instances in %s: %v", regionCode, err)
		return
	}
	if len(handles) == 0 {
		final = fmt.Sprintf("No matching instances found to terminate in %s.", regionCode)
		return
	}

	ids := make([]string, 0, len(handles))
	for _, h := range handles {
		ids = append(ids, h.ID)
	}
	d.tracker.UpdateStatus(fmt.Sprintf("Terminating instance(s) %s...", strings.Join(ids, ", ")))

	if err := d.compute.Terminate(ctx, handles); err != nil {
		d.logger.Error("termination failed", "region", regionCode, "err", err)
		final = fmt.Sprintf("Error: termination failed in %s: %v", regionCode, err)
		return
	}
	if err := d.compute.WaitUntilTerminated(ctx, handles); err != nil {
		d.logger.Error("instances never reached terminated", "region", regionCode, "err", err)
		final = fmt.Sprintf("Error: instances did not reach terminated state: %v", err)
		return
	}

	d.logger.Info("instances terminated", "region", regionCode, "count", len(handles))
	final = fmt.Sprintf("All matching instances terminated in %s.", regionCode)
}
