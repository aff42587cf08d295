package sandbox

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// CLIProvider opens sessions by driving a docker-compatible CLI (docker or
// podman). Each session is a long-lived container running `sleep infinity`
// that files are copied into and code is exec'd in.
type CLIProvider struct {
	logger    *zap.Logger
	binary    string
	network   string
	cmdRunner CommandRunner
}

// CLIProviderOption defines a functional option for CLIProvider
type CLIProviderOption func(*CLIProvider)

// WithCLICommandRunner sets the CommandRunner for CLIProvider
func WithCLICommandRunner(cmdRunner CommandRunner) CLIProviderOption {
	return func(p *CLIProvider) {
		p.cmdRunner = cmdRunner
	}
}

// WithCLINetwork names the network networked sessions join. It defaults to
// the CLI's own default network, "podman" for podman and "bridge" otherwise.
func WithCLINetwork(name string) CLIProviderOption {
	return func(p *CLIProvider) {
		p.network = name
	}
}

// NewCLIProvider creates a CLIProvider for binary ("docker" or "podman")
func NewCLIProvider(logger *zap.Logger, binary string, opts ...CLIProviderOption) *CLIProvider {
	p := &CLIProvider{
		logger:  logger.Named(binary),
		binary:  binary,
		network: "bridge",
	}
	if filepath.Base(binary) == "podman" {
		p.network = "podman"
	}

	for _, opt := range opts {
		opt(p)
	}

	return p
}

// Open starts a detached container with the session's resource caps
func (p *CLIProvider) Open(ctx context.Context, opts SessionOptions) (Session, error) {
	name := "datarun-" + uuid.NewString()
	runner := p.runner(opts)

	args := []string{
		p.binary, "run",
		"--detach",
		"--name", name,
		"--workdir", opts.Workdir,
		"--memory", opts.Memory,
		"--memory-swap", opts.MemorySwap,
		"--security-opt", "no-new-privileges:true",
		"--cap-drop", "ALL",
	}
	if opts.PidsLimit > 0 {
		args = append(args, "--pids-limit", strconv.FormatInt(opts.PidsLimit, 10))
	}
	// offline sessions that install libraries stay attached until pip is done
	detach := !opts.NetworkEnabled && opts.InstallLibraries
	if opts.NetworkEnabled || detach {
		args = append(args, "--network", p.network)
	} else {
		args = append(args, "--network", "none")
	}
	args = append(args, "--entrypoint", "sleep", opts.Image, "infinity")

	out, err := runner.RunCommand(ctx, "", args)
	if err != nil || out.ExitCode != 0 {
		// a half-created container still has to go
		p.removeAfterFailure(ctx, runner, name)
		if err == nil {
			err = errors.New(strings.TrimSpace(out.Stderr))
		}
		return nil, fmt.Errorf("%w: %s run: %w", ErrProvision, p.binary, err)
	}

	hostDir, err := os.MkdirTemp("", "datarun-session-*")
	if err != nil {
		p.removeAfterFailure(ctx, runner, name)
		return nil, fmt.Errorf("%w: failed to create temp dir: %w", ErrProvision, err)
	}

	p.logger.Debug("sandbox container started", zap.String("container", name), zap.String("image", opts.Image))

	s := &cliSession{
		logger:    p.logger.With(zap.String("container", name)),
		binary:    p.binary,
		container: name,
		hostDir:   hostDir,
		opts:      opts,
		cmdRunner: runner,
	}
	if detach {
		s.attached = p.network
	}
	return s, nil
}

// removeAfterFailure force-removes a container Open gave up on. It runs even
// when ctx is done but never longer than teardownTimeout.
func (p *CLIProvider) removeAfterFailure(ctx context.Context, runner CommandRunner, name string) {
	rmCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), teardownTimeout)
	defer cancel()

	out, err := runner.RunCommand(rmCtx, "", []string{p.binary, "rm", "--force", name})
	switch {
	case err != nil:
		p.logger.Warn("failed to remove container after failed start", zap.String("container", name), zap.Error(err))
	case out.ExitCode != 0:
		p.logger.Warn("failed to remove container after failed start",
			zap.String("container", name),
			zap.Int("exit_code", out.ExitCode),
			zap.String("stderr", strings.TrimSpace(out.Stderr)))
	}
}

// runner returns the injected CommandRunner or a real one capped at the
// session's output limit.
func (p *CLIProvider) runner(opts SessionOptions) CommandRunner {
	if p.cmdRunner != nil {
		return p.cmdRunner
	}
	return RealCommandRunner{MaxOutputBytes: opts.MaxOutputBytes}
}

type cliSession struct {
	logger    *zap.Logger
	binary    string
	container string
	hostDir   string
	opts      SessionOptions
	cmdRunner CommandRunner
	// attached names the network an offline session must leave before code runs
	attached string
}

func (s *cliSession) dropNetwork(ctx context.Context) error {
	if s.attached == "" {
		return nil
	}
	argv := []string{s.binary, "network", "disconnect", "--force", s.attached, s.container}
	out, err := s.cmdRunner.RunCommand(ctx, "", argv)
	if err == nil && out.ExitCode != 0 {
		err = errors.New(strings.TrimSpace(out.Stderr))
	}
	if err != nil {
		return fmt.Errorf("%w: detach %s network: %w", ErrProvision, s.attached, err)
	}
	s.logger.Debug("sandbox container detached from network", zap.String("network", s.attached))
	s.attached = ""
	return nil
}

func (s *cliSession) exec(ctx context.Context, args ...string) error {
	argv := append([]string{s.binary, "exec", s.container}, args...)
	out, err := s.cmdRunner.RunCommand(ctx, "", argv)
	if err != nil {
		return err
	}
	if out.ExitCode != 0 {
		return fmt.Errorf("%s exited with code %d: %s", args[0], out.ExitCode, strings.TrimSpace(out.Stderr))
	}
	return nil
}

func (s *cliSession) Mkdir(ctx context.Context, dir string) error {
	return s.exec(ctx, "mkdir", "-p", dir)
}

func (s *cliSession) Stage(ctx context.Context, src, dest string) error {
	if err := s.Mkdir(ctx, path.Dir(dest)); err != nil {
		return err
	}
	out, err := s.cmdRunner.RunCommand(ctx, "", []string{s.binary, "cp", src, s.container + ":" + dest})
	if err != nil {
		return err
	}
	if out.ExitCode != 0 {
		return fmt.Errorf("%s cp exited with code %d: %s", s.binary, out.ExitCode, strings.TrimSpace(out.Stderr))
	}
	return nil
}

func (s *cliSession) Run(ctx context.Context, code string, libraries []string, timeout time.Duration) (Output, error) {
	codePath := filepath.Join(s.hostDir, CodeFileName)
	if err := os.WriteFile(codePath, []byte(code), FilePermission); err != nil {
		return Output{}, fmt.Errorf("failed to write user code: %w", err)
	}
	if err := s.Stage(ctx, codePath, path.Join(s.opts.Workdir, CodeFileName)); err != nil {
		return Output{}, fmt.Errorf("failed to stage user code: %w", err)
	}

	ctxWithTimeout, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if s.opts.InstallLibraries && len(libraries) > 0 {
		argv := append([]string{s.binary, "exec", s.container}, pipInstallArgs(PythonBinary, libraries)...)
		out, err := s.cmdRunner.RunCommand(ctxWithTimeout, "", argv)
		if ctxWithTimeout.Err() == context.DeadlineExceeded {
			return Output{}, s.killAfterTimeout(ctx, timeout)
		}
		if err != nil {
			return Output{}, fmt.Errorf("failed to install libraries: %w", err)
		}
		if out.ExitCode != 0 {
			// the install failure is the job's output
			return out, nil
		}
	}

	if err := s.dropNetwork(ctx); err != nil {
		return Output{}, err
	}

	argv := []string{s.binary, "exec", "--workdir", s.opts.Workdir, s.container, PythonBinary, CodeFileName}
	out, err := s.cmdRunner.RunCommand(ctxWithTimeout, "", argv)

	// If the context timed out, handle it explicitly
	if ctxWithTimeout.Err() == context.DeadlineExceeded {
		return Output{}, s.killAfterTimeout(ctx, timeout)
	}
	if err != nil {
		return Output{}, fmt.Errorf("failed to execute code: %w", err)
	}
	return out, nil
}

// killAfterTimeout stops everything in the container. Killing the CLI client
// alone would leave the exec'd process running.
func (s *cliSession) killAfterTimeout(ctx context.Context, timeout time.Duration) error {
	killCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), teardownTimeout)
	defer cancel()
	if _, err := s.cmdRunner.RunCommand(killCtx, "", []string{s.binary, "kill", s.container}); err != nil {
		s.logger.Warn("failed to kill container after timeout", zap.Error(err))
	}
	return fmt.Errorf("%w after %s", ErrExecutionTimeout, timeout)
}

func (s *cliSession) Close(ctx context.Context) error {
	var err error
	out, rmErr := s.cmdRunner.RunCommand(ctx, "", []string{s.binary, "rm", "--force", "--volumes", s.container})
	switch {
	case rmErr != nil:
		err = multierr.Append(err, fmt.Errorf("remove container %s: %w", s.container, rmErr))
	case out.ExitCode != 0:
		err = multierr.Append(err, fmt.Errorf("remove container %s: %s", s.container, strings.TrimSpace(out.Stderr)))
	}
	if rmErr := os.RemoveAll(s.hostDir); rmErr != nil {
		err = multierr.Append(err, fmt.Errorf("remove temp dir: %w", rmErr))
	}
	if err == nil {
		s.logger.Debug("sandbox container removed")
	}
	return err
}
