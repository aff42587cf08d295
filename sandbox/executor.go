package sandbox

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/isdmx/datarun/dataset"
	"github.com/isdmx/datarun/mount"
)

// Plan is a validated request with every dataset resolved and every mount
// computed. Building it needs only the host filesystem.
type Plan struct {
	Code      string
	Libraries []string
	Timeout   time.Duration
	Datasets  []mount.Plan
}

// PrimaryMountDir is the mount directory of the first dataset.
func (p *Plan) PrimaryMountDir() string {
	if p == nil || len(p.Datasets) == 0 {
		return ""
	}
	return p.Datasets[0].MountDir
}

// MountCount is the number of files staged by the plan, aliases included.
func (p *Plan) MountCount() int {
	n := 0
	for _, ds := range p.Datasets {
		n += len(ds.Mounts)
	}
	return n
}

// ExecutorConfig holds request defaults and session sizing
type ExecutorConfig struct {
	Session          SessionOptions
	DefaultTimeout   time.Duration
	MaxTimeout       time.Duration
	DefaultLibraries []string
}

// DatasetExecutor implements SandboxExecutor on top of a Provider
type DatasetExecutor struct {
	logger   *zap.Logger
	config   ExecutorConfig
	provider Provider
	resolver *dataset.Resolver
	planner  *mount.Planner
}

// NewDatasetExecutor creates a DatasetExecutor
func NewDatasetExecutor(logger *zap.Logger, config ExecutorConfig, provider Provider, resolver *dataset.Resolver, planner *mount.Planner) *DatasetExecutor {
	return &DatasetExecutor{
		logger:   logger.Named("executor"),
		config:   config,
		provider: provider,
		resolver: resolver,
		planner:  planner,
	}
}

// Prepare validates req, resolves its datasets and plans every mount.
func (e *DatasetExecutor) Prepare(req ExecuteRequest) (*Plan, error) {
	ids := mount.NormalizeIDs(req.DatasetIDs)
	if len(ids) == 0 {
		return nil, fmt.Errorf("%w: at least one dataset id is required", ErrInvalidRequest)
	}
	if strings.TrimSpace(req.Code) == "" {
		return nil, fmt.Errorf("%w: code is required", ErrInvalidRequest)
	}

	timeout := req.Timeout
	switch {
	case timeout < 0:
		return nil, fmt.Errorf("%w: timeout must not be negative", ErrInvalidRequest)
	case timeout == 0:
		timeout = e.config.DefaultTimeout
	case e.config.MaxTimeout > 0 && timeout > e.config.MaxTimeout:
		timeout = e.config.MaxTimeout
	}

	libraries := req.Libraries
	if len(libraries) == 0 {
		libraries = e.config.DefaultLibraries
	}
	for _, lib := range libraries {
		if err := ValidateLibrary(lib); err != nil {
			return nil, err
		}
	}

	plan := &Plan{
		Code:      req.Code,
		Libraries: append([]string(nil), libraries...),
		Timeout:   timeout,
	}
	for _, id := range ids {
		dir, err := e.resolver.Resolve(id)
		if err != nil {
			return nil, err
		}
		names := req.Files
		if perDataset, ok := req.DatasetFiles[id]; ok {
			names = perDataset
		}
		files, err := e.resolver.ListFiles(dir, names)
		if err != nil {
			return nil, fmt.Errorf("dataset %q: %w", id, err)
		}
		plan.Datasets = append(plan.Datasets, e.planner.Plan(id, files))
	}
	return plan, nil
}

// Execute runs plan in a fresh session. The session is closed on every
// path, including panics raised while staging or running.
func (e *DatasetExecutor) Execute(ctx context.Context, plan *Plan) (result ExecuteResult, err error) {
	if plan == nil {
		return ExecuteResult{}, fmt.Errorf("%w: nil plan", ErrInvalidRequest)
	}

	start := time.Now()
	session, err := e.provider.Open(ctx, e.config.Session)
	if err != nil {
		if !errors.Is(err, ErrProvision) {
			err = fmt.Errorf("%w: %w", ErrProvision, err)
		}
		return ExecuteResult{}, err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), teardownTimeout)
		defer cancel()
		if closeErr := session.Close(closeCtx); closeErr != nil {
			e.logger.Error("failed to tear down sandbox session", zap.Error(closeErr))
		}
	}()

	if err := e.stage(ctx, session, plan); err != nil {
		return ExecuteResult{}, err
	}

	e.logger.Debug("running code",
		zap.Int("mounts", plan.MountCount()),
		zap.Strings("libraries", plan.Libraries),
		zap.Duration("timeout", plan.Timeout))

	out, err := session.Run(ctx, plan.Code, plan.Libraries, plan.Timeout)
	if err != nil {
		return ExecuteResult{}, err
	}

	limit := e.config.Session.MaxOutputBytes
	stdout, stdoutCut := truncate(out.Stdout, limit)
	stderr, stderrCut := truncate(out.Stderr, limit)

	return ExecuteResult{
		ExitCode:         out.ExitCode,
		Stdout:           stdout,
		Stderr:           stderr,
		StdoutTruncated:  out.StdoutTruncated || stdoutCut,
		StderrTruncated:  out.StderrTruncated || stderrCut,
		DatasetMountPath: plan.PrimaryMountDir(),
		Duration:         time.Since(start),
	}, nil
}

func (e *DatasetExecutor) stage(ctx context.Context, session Session, plan *Plan) error {
	for _, ds := range plan.Datasets {
		if err := session.Mkdir(ctx, ds.MountDir); err != nil {
			return fmt.Errorf("failed to create mount dir for dataset %q: %w", ds.DatasetID, err)
		}
		for _, m := range ds.Mounts {
			if err := session.Stage(ctx, m.Source, m.Dest); err != nil {
				return fmt.Errorf("failed to stage %s for dataset %q: %w", path.Base(m.Dest), ds.DatasetID, err)
			}
		}
	}
	return nil
}
