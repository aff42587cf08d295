package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/google/uuid"
	archive "github.com/moby/go-archive"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/isdmx/datarun/config"
)

// installNetwork is the Engine's default network, used while pip runs
const installNetwork = "bridge"

// DockerAPI is the subset of the Docker Engine client used by DockerProvider.
// *client.Client satisfies it.
type DockerAPI interface {
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig,
		networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerKill(ctx context.Context, containerID, signal string) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	ContainerExecCreate(ctx context.Context, containerID string, options container.ExecOptions) (container.ExecCreateResponse, error)
	ContainerExecAttach(ctx context.Context, execID string, config container.ExecAttachOptions) (types.HijackedResponse, error)
	ContainerExecInspect(ctx context.Context, execID string) (container.ExecInspect, error)
	CopyToContainer(ctx context.Context, containerID, dstPath string, content io.Reader, options container.CopyToContainerOptions) error
	NetworkDisconnect(ctx context.Context, networkID, containerID string, force bool) error
	Close() error
}

// DockerProvider opens sessions through the Docker Engine API
type DockerProvider struct {
	logger *zap.Logger
	api    DockerAPI
}

// DockerProviderOption defines a functional option for DockerProvider
type DockerProviderOption func(*DockerProvider)

// WithDockerAPI replaces the Engine client, mostly for tests
func WithDockerAPI(api DockerAPI) DockerProviderOption {
	return func(d *DockerProvider) {
		d.api = api
	}
}

// NewDockerProvider creates a DockerProvider. Without WithDockerAPI the client
// is configured from DOCKER_HOST and friends.
func NewDockerProvider(logger *zap.Logger, opts ...DockerProviderOption) (*DockerProvider, error) {
	d := &DockerProvider{logger: logger.Named("docker")}

	for _, opt := range opts {
		opt(d)
	}

	if d.api == nil {
		cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
		if err != nil {
			return nil, fmt.Errorf("failed to create docker client: %w", err)
		}
		d.api = cli
	}

	return d, nil
}

// Close releases the Engine client
func (d *DockerProvider) Close() error {
	return d.api.Close()
}

// Open creates and starts a container that idles until the session ends
func (d *DockerProvider) Open(ctx context.Context, opts SessionOptions) (Session, error) {
	memory, err := config.ParseMemory(opts.Memory)
	if err != nil {
		return nil, fmt.Errorf("%w: memory: %w", ErrProvision, err)
	}
	memorySwap, err := config.ParseMemory(opts.MemorySwap)
	if err != nil {
		return nil, fmt.Errorf("%w: memory swap: %w", ErrProvision, err)
	}

	// An offline session that installs libraries starts attached so pip can
	// reach the index, and is detached before user code runs.
	detach := !opts.NetworkEnabled && opts.InstallLibraries
	networkMode := container.NetworkMode("none")
	if opts.NetworkEnabled || detach {
		networkMode = installNetwork
	}

	hostConfig := &container.HostConfig{
		NetworkMode: networkMode,
		CapDrop:     []string{"ALL"},
		SecurityOpt: []string{"no-new-privileges:true"},
		Resources: container.Resources{
			Memory:     memory,
			MemorySwap: memorySwap,
		},
	}
	if opts.PidsLimit > 0 {
		pids := opts.PidsLimit
		hostConfig.Resources.PidsLimit = &pids
	}

	name := "datarun-" + uuid.NewString()
	resp, err := d.api.ContainerCreate(ctx, &container.Config{
		Image:           opts.Image,
		Entrypoint:      []string{"sleep"},
		Cmd:             []string{"infinity"},
		WorkingDir:      opts.Workdir,
		NetworkDisabled: networkMode.IsNone(),
		Labels:          map[string]string{"app": "datarun"},
	}, hostConfig, nil, nil, name)
	if err != nil {
		return nil, fmt.Errorf("%w: create container: %w", ErrProvision, err)
	}

	remove := func() {
		rmCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), teardownTimeout)
		defer cancel()
		if err := d.api.ContainerRemove(rmCtx, resp.ID, container.RemoveOptions{Force: true, RemoveVolumes: true}); err != nil {
			d.logger.Warn("failed to remove container after failed start", zap.String("container", name), zap.Error(err))
		}
	}

	if err := d.api.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		remove()
		return nil, fmt.Errorf("%w: start container: %w", ErrProvision, err)
	}

	hostDir, err := os.MkdirTemp("", "datarun-session-*")
	if err != nil {
		remove()
		return nil, fmt.Errorf("%w: failed to create temp dir: %w", ErrProvision, err)
	}

	d.logger.Debug("sandbox container started", zap.String("container", name), zap.String("image", opts.Image))

	return &dockerSession{
		logger:   d.logger.With(zap.String("container", name)),
		api:      d.api,
		id:       resp.ID,
		hostDir:  hostDir,
		opts:     opts,
		attached: detach,
	}, nil
}

type dockerSession struct {
	logger  *zap.Logger
	api     DockerAPI
	id      string
	hostDir string
	opts    SessionOptions
	// attached is set while an offline session is still on installNetwork
	attached bool
}

// dropNetwork detaches an offline session from installNetwork
func (s *dockerSession) dropNetwork(ctx context.Context) error {
	if !s.attached {
		return nil
	}
	if err := s.api.NetworkDisconnect(ctx, installNetwork, s.id, true); err != nil {
		return fmt.Errorf("%w: detach %s network: %w", ErrProvision, installNetwork, err)
	}
	s.attached = false
	s.logger.Debug("sandbox container detached from network", zap.String("network", installNetwork))
	return nil
}

// exec runs argv in the container and demultiplexes its output. When ctx ends
// first the attach stream is dropped and ctx's error returned.
func (s *dockerSession) exec(ctx context.Context, workdir string, argv ...string) (Output, error) {
	ex, err := s.api.ContainerExecCreate(ctx, s.id, container.ExecOptions{
		Cmd:          argv,
		WorkingDir:   workdir,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return Output{}, fmt.Errorf("exec create: %w", err)
	}

	hj, err := s.api.ContainerExecAttach(ctx, ex.ID, container.ExecAttachOptions{})
	if err != nil {
		return Output{}, fmt.Errorf("exec attach: %w", err)
	}
	defer hj.Close()

	stdout := newCappedBuffer(s.opts.MaxOutputBytes)
	stderr := newCappedBuffer(s.opts.MaxOutputBytes)
	done := make(chan error, 1)
	go func() {
		_, copyErr := stdcopy.StdCopy(stdout, stderr, hj.Reader)
		done <- copyErr
	}()

	select {
	case err := <-done:
		if err != nil {
			return Output{}, fmt.Errorf("read exec output: %w", err)
		}
	case <-ctx.Done():
		hj.Close()
		<-done
		return Output{}, ctx.Err()
	}

	insp, err := s.api.ContainerExecInspect(ctx, ex.ID)
	if err != nil {
		return Output{}, fmt.Errorf("exec inspect: %w", err)
	}

	return Output{
		ExitCode:        insp.ExitCode,
		Stdout:          stdout.String(),
		Stderr:          stderr.String(),
		StdoutTruncated: stdout.Truncated(),
		StderrTruncated: stderr.Truncated(),
	}, nil
}

func (s *dockerSession) Mkdir(ctx context.Context, dir string) error {
	out, err := s.exec(ctx, "", "mkdir", "-p", dir)
	if err != nil {
		return err
	}
	if out.ExitCode != 0 {
		return fmt.Errorf("mkdir exited with code %d: %s", out.ExitCode, strings.TrimSpace(out.Stderr))
	}
	return nil
}

// Stage streams src as a single-entry tar renamed to dest's base name and
// unpacks it in dest's directory.
func (s *dockerSession) Stage(ctx context.Context, src, dest string) error {
	destDir := path.Dir(dest)
	if err := s.Mkdir(ctx, destDir); err != nil {
		return err
	}

	base := filepath.Base(src)
	rd, err := archive.TarWithOptions(filepath.Dir(src), &archive.TarOptions{
		IncludeFiles: []string{base},
		RebaseNames:  map[string]string{base: path.Base(dest)},
	})
	if err != nil {
		return fmt.Errorf("tar %s: %w", base, err)
	}
	defer rd.Close()

	if err := s.api.CopyToContainer(ctx, s.id, destDir, rd, container.CopyToContainerOptions{}); err != nil {
		return fmt.Errorf("copy to container: %w", err)
	}
	return nil
}

func (s *dockerSession) Run(ctx context.Context, code string, libraries []string, timeout time.Duration) (Output, error) {
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
		out, err := s.exec(ctxWithTimeout, s.opts.Workdir, pipInstallArgs(PythonBinary, libraries)...)
		if errors.Is(ctxWithTimeout.Err(), context.DeadlineExceeded) {
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

	out, err := s.exec(ctxWithTimeout, s.opts.Workdir, PythonBinary, CodeFileName)
	if errors.Is(ctxWithTimeout.Err(), context.DeadlineExceeded) {
		return Output{}, s.killAfterTimeout(ctx, timeout)
	}
	if err != nil {
		return Output{}, fmt.Errorf("failed to execute code: %w", err)
	}
	return out, nil
}

func (s *dockerSession) killAfterTimeout(ctx context.Context, timeout time.Duration) error {
	killCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), teardownTimeout)
	defer cancel()
	if err := s.api.ContainerKill(killCtx, s.id, "KILL"); err != nil {
		s.logger.Warn("failed to kill container after timeout", zap.Error(err))
	}
	return fmt.Errorf("%w after %s", ErrExecutionTimeout, timeout)
}

func (s *dockerSession) Close(ctx context.Context) error {
	var err error
	if rmErr := s.api.ContainerRemove(ctx, s.id, container.RemoveOptions{Force: true, RemoveVolumes: true}); rmErr != nil {
		err = multierr.Append(err, fmt.Errorf("remove container %s: %w", s.id, rmErr))
	}
	if rmErr := os.RemoveAll(s.hostDir); rmErr != nil {
		err = multierr.Append(err, fmt.Errorf("remove temp dir: %w", rmErr))
	}
	if err == nil {
		s.logger.Debug("sandbox container removed")
	}
	return err
}
