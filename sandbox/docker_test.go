package sandbox

import (
	"archive/tar"
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/pkg/stdcopy"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"
)

type fakeExecResult struct {
	stdout string
	stderr string
	exit   int
	block  bool
}

type fakeCopy struct {
	dst   string
	files map[string]string
}

// fakeDocker implements DockerAPI in memory. Exec output is framed with
// stdcopy over a net.Pipe, like a real attach stream.
type fakeDocker struct {
	mu          sync.Mutex
	configs     []*container.Config
	hostConfigs []*container.HostConfig
	started     []string
	killed      []string
	removed     []string
	copies      []fakeCopy
	execCmds    [][]string
	execExit    map[string]int
	onExec      func(cmd []string) fakeExecResult
	// events records exec and network calls in order
	events        []string
	createErr     error
	startErr      error
	removeErr     error
	disconnectErr error
	closed        bool
}

func newFakeDocker() *fakeDocker {
	return &fakeDocker{execExit: map[string]int{}}
}

func (f *fakeDocker) ContainerCreate(_ context.Context, cfg *container.Config, hostConfig *container.HostConfig,
	_ *network.NetworkingConfig, _ *ocispec.Platform, name string,
) (container.CreateResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return container.CreateResponse{}, f.createErr
	}
	f.configs = append(f.configs, cfg)
	f.hostConfigs = append(f.hostConfigs, hostConfig)
	return container.CreateResponse{ID: "id-" + name}, nil
}

func (f *fakeDocker) ContainerStart(_ context.Context, id string, _ container.StartOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	f.started = append(f.started, id)
	return nil
}

func (f *fakeDocker) ContainerKill(_ context.Context, id, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.killed = append(f.killed, id)
	return nil
}

func (f *fakeDocker) ContainerRemove(_ context.Context, id string, _ container.RemoveOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, id)
	return f.removeErr
}

func (f *fakeDocker) ContainerExecCreate(_ context.Context, _ string, options container.ExecOptions) (container.ExecCreateResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.execCmds = append(f.execCmds, options.Cmd)
	f.events = append(f.events, "exec "+strings.Join(options.Cmd, " "))
	return container.ExecCreateResponse{ID: fmt.Sprintf("exec-%d", len(f.execCmds)-1)}, nil
}

func (f *fakeDocker) ContainerExecAttach(_ context.Context, execID string, _ container.ExecAttachOptions) (types.HijackedResponse, error) {
	f.mu.Lock()
	var idx int
	_, _ = fmt.Sscanf(execID, "exec-%d", &idx)
	cmd := f.execCmds[idx]
	result := fakeExecResult{}
	if f.onExec != nil {
		result = f.onExec(cmd)
	}
	f.execExit[execID] = result.exit
	f.mu.Unlock()

	server, clientConn := net.Pipe()
	if !result.block {
		go func() {
			defer server.Close()
			_, _ = stdcopy.NewStdWriter(server, stdcopy.Stdout).Write([]byte(result.stdout))
			_, _ = stdcopy.NewStdWriter(server, stdcopy.Stderr).Write([]byte(result.stderr))
		}()
	}
	return types.HijackedResponse{Conn: clientConn, Reader: bufio.NewReader(clientConn)}, nil
}

func (f *fakeDocker) ContainerExecInspect(_ context.Context, execID string) (container.ExecInspect, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return container.ExecInspect{ExecID: execID, ExitCode: f.execExit[execID]}, nil
}

func (f *fakeDocker) CopyToContainer(_ context.Context, _, dst string, content io.Reader, _ container.CopyToContainerOptions) error {
	files := map[string]string{}
	tr := tar.NewReader(content)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return err
		}
		data, err := io.ReadAll(tr)
		if err != nil {
			return err
		}
		files[hdr.Name] = string(data)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.copies = append(f.copies, fakeCopy{dst: dst, files: files})
	return nil
}

func (f *fakeDocker) NetworkDisconnect(_ context.Context, networkID, containerID string, force bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, fmt.Sprintf("disconnect %s %s force=%t", networkID, containerID, force))
	return f.disconnectErr
}

func (f *fakeDocker) Close() error {
	f.closed = true
	return nil
}

func openDocker(t *testing.T, api *fakeDocker, opts SessionOptions) Session {
	t.Helper()
	p, err := NewDockerProvider(zaptest.NewLogger(t), WithDockerAPI(api))
	require.NoError(t, err)
	session, err := p.Open(context.Background(), opts)
	require.NoError(t, err)
	return session
}

func TestDockerProviderOpen(t *testing.T) {
	api := newFakeDocker()
	session := openDocker(t, api, testSessionOptions())
	t.Cleanup(func() { _ = session.Close(context.Background()) })

	require.Len(t, api.configs, 1)
	cfg := api.configs[0]
	assert.Equal(t, "datarun-sandbox-runtime:latest", cfg.Image)
	assert.Equal(t, []string{"sleep"}, []string(cfg.Entrypoint))
	assert.Equal(t, []string{"infinity"}, []string(cfg.Cmd))
	assert.Equal(t, "/sandbox", cfg.WorkingDir)
	// offline but installing: attached until pip is done
	assert.False(t, cfg.NetworkDisabled)

	hc := api.hostConfigs[0]
	assert.Equal(t, container.NetworkMode("bridge"), hc.NetworkMode)
	assert.Equal(t, int64(512*1024*1024), hc.Memory)
	assert.Equal(t, int64(512*1024*1024), hc.MemorySwap)
	require.NotNil(t, hc.PidsLimit)
	assert.Equal(t, int64(64), *hc.PidsLimit)
	assert.Contains(t, []string(hc.CapDrop), "ALL")
	assert.Len(t, api.started, 1)
	assert.True(t, session.(*dockerSession).attached)
}

func TestDockerProviderOpenNetworkModes(t *testing.T) {
	tests := []struct {
		name     string
		network  bool
		install  bool
		mode     container.NetworkMode
		disabled bool
		attached bool
	}{
		{name: "OfflineNoInstall", mode: "none", disabled: true},
		{name: "OfflineInstall", install: true, mode: "bridge", attached: true},
		{name: "Networked", network: true, install: true, mode: "bridge"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api := newFakeDocker()
			opts := testSessionOptions()
			opts.NetworkEnabled = tt.network
			opts.InstallLibraries = tt.install
			session := openDocker(t, api, opts)
			t.Cleanup(func() { _ = session.Close(context.Background()) })

			assert.Equal(t, tt.mode, api.hostConfigs[0].NetworkMode)
			assert.Equal(t, tt.disabled, api.configs[0].NetworkDisabled)
			assert.Equal(t, tt.attached, session.(*dockerSession).attached)
		})
	}
}

func TestDockerProviderOpenStartFailure(t *testing.T) {
	api := newFakeDocker()
	api.startErr = errors.New("no such image")
	p, err := NewDockerProvider(zaptest.NewLogger(t), WithDockerAPI(api))
	require.NoError(t, err)

	_, err = p.Open(context.Background(), testSessionOptions())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrProvision)
	assert.Len(t, api.removed, 1, "a created but unstarted container must be removed")
}

func TestDockerProviderOpenStartFailureRemoveFails(t *testing.T) {
	api := newFakeDocker()
	api.startErr = errors.New("no such image")
	api.removeErr = errors.New("daemon unavailable")
	core, logs := observer.New(zap.WarnLevel)
	p, err := NewDockerProvider(zap.New(core), WithDockerAPI(api))
	require.NoError(t, err)

	_, err = p.Open(context.Background(), testSessionOptions())
	require.ErrorIs(t, err, ErrProvision)
	assert.Contains(t, err.Error(), "no such image")

	entries := logs.FilterMessage("failed to remove container after failed start").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "daemon unavailable", entries[0].ContextMap()["error"])
}

func TestDockerProviderOpenInvalidMemory(t *testing.T) {
	api := newFakeDocker()
	p, err := NewDockerProvider(zaptest.NewLogger(t), WithDockerAPI(api))
	require.NoError(t, err)

	opts := testSessionOptions()
	opts.Memory = "lots"
	_, err = p.Open(context.Background(), opts)
	assert.ErrorIs(t, err, ErrProvision)
	assert.Empty(t, api.configs)
}

func TestDockerSessionStage(t *testing.T) {
	src := filepath.Join(t.TempDir(), "alpha.csv")
	require.NoError(t, os.WriteFile(src, []byte("x,y\n"), 0o600))

	api := newFakeDocker()
	session := openDocker(t, api, testSessionOptions())
	t.Cleanup(func() { _ = session.Close(context.Background()) })

	require.NoError(t, session.Stage(context.Background(), src, "/sandbox/input/alpha/data.csv"))

	require.Len(t, api.execCmds, 1)
	assert.Equal(t, []string{"mkdir", "-p", "/sandbox/input/alpha"}, api.execCmds[0])
	require.Len(t, api.copies, 1)
	assert.Equal(t, "/sandbox/input/alpha", api.copies[0].dst)
	assert.Equal(t, map[string]string{"data.csv": "x,y\n"}, api.copies[0].files)
}

func TestDockerSessionRun(t *testing.T) {
	api := newFakeDocker()
	api.onExec = func(cmd []string) fakeExecResult {
		if slices.Equal(cmd, []string{PythonBinary, CodeFileName}) {
			return fakeExecResult{stdout: "hello\n", stderr: "warn\n", exit: 2}
		}
		return fakeExecResult{}
	}
	session := openDocker(t, api, testSessionOptions())
	t.Cleanup(func() { _ = session.Close(context.Background()) })

	out, err := session.Run(context.Background(), "print('hello')", []string{"numpy"}, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 2, out.ExitCode)
	assert.Equal(t, "hello\n", out.Stdout)
	assert.Equal(t, "warn\n", out.Stderr)

	require.Len(t, api.copies, 1)
	assert.Equal(t, map[string]string{CodeFileName: "print('hello')"}, api.copies[0].files)

	last := api.execCmds[len(api.execCmds)-1]
	pip := api.execCmds[len(api.execCmds)-2]
	assert.Equal(t, []string{PythonBinary, CodeFileName}, last)
	assert.Equal(t, pipInstallArgs(PythonBinary, []string{"numpy"}), pip)
}

func TestDockerSessionRunDetachesNetworkAfterInstall(t *testing.T) {
	api := newFakeDocker()
	session := openDocker(t, api, testSessionOptions())
	t.Cleanup(func() { _ = session.Close(context.Background()) })
	id := session.(*dockerSession).id

	_, err := session.Run(context.Background(), "print(1)", []string{"numpy"}, 5*time.Second)
	require.NoError(t, err)

	events := api.events[len(api.events)-3:]
	assert.Equal(t, []string{
		"exec " + strings.Join(pipInstallArgs(PythonBinary, []string{"numpy"}), " "),
		"disconnect bridge " + id + " force=true",
		"exec " + PythonBinary + " " + CodeFileName,
	}, events)
	assert.False(t, session.(*dockerSession).attached)
}

func TestDockerSessionRunInstallFailureSkipsCode(t *testing.T) {
	api := newFakeDocker()
	api.onExec = func(cmd []string) fakeExecResult {
		if slices.Contains(cmd, "pip") {
			return fakeExecResult{stderr: "No matching distribution found for nosuchlib\n", exit: 1}
		}
		return fakeExecResult{}
	}
	session := openDocker(t, api, testSessionOptions())
	t.Cleanup(func() { _ = session.Close(context.Background()) })

	out, err := session.Run(context.Background(), "print(1)", []string{"nosuchlib"}, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 1, out.ExitCode)
	assert.Contains(t, out.Stderr, "nosuchlib")
	assert.NotContains(t, api.execCmds, []string{PythonBinary, CodeFileName})
}

func TestDockerSessionRunDetachFailure(t *testing.T) {
	api := newFakeDocker()
	api.disconnectErr = errors.New("network bridge not found")
	session := openDocker(t, api, testSessionOptions())
	t.Cleanup(func() { _ = session.Close(context.Background()) })

	_, err := session.Run(context.Background(), "print(1)", nil, 5*time.Second)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrProvision)
	assert.NotContains(t, api.execCmds, []string{PythonBinary, CodeFileName}, "code must not run while attached")
}

func TestDockerSessionRunCapsOutput(t *testing.T) {
	api := newFakeDocker()
	api.onExec = func([]string) fakeExecResult {
		return fakeExecResult{stdout: "0123456789"}
	}
	opts := testSessionOptions()
	opts.MaxOutputBytes = 4
	opts.InstallLibraries = false
	session := openDocker(t, api, opts)
	t.Cleanup(func() { _ = session.Close(context.Background()) })

	out, err := session.Run(context.Background(), "print(1)", nil, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "0123", out.Stdout)
	assert.True(t, out.StdoutTruncated)
}

func TestDockerSessionRunTimeout(t *testing.T) {
	api := newFakeDocker()
	api.onExec = func(cmd []string) fakeExecResult {
		return fakeExecResult{block: slices.Contains(cmd, CodeFileName)}
	}
	opts := testSessionOptions()
	opts.InstallLibraries = false
	session := openDocker(t, api, opts)
	t.Cleanup(func() { _ = session.Close(context.Background()) })

	start := time.Now()
	_, err := session.Run(context.Background(), "while True: pass", nil, 50*time.Millisecond)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrExecutionTimeout)
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Len(t, api.killed, 1)
}

func TestDockerSessionClose(t *testing.T) {
	api := newFakeDocker()
	session := openDocker(t, api, testSessionOptions())
	hostDir := session.(*dockerSession).hostDir

	require.NoError(t, session.Close(context.Background()))
	assert.Len(t, api.removed, 1)
	_, err := os.Stat(hostDir)
	assert.True(t, os.IsNotExist(err))

	api.removeErr = errors.New("gone")
	session = openDocker(t, api, testSessionOptions())
	assert.Error(t, session.Close(context.Background()))
}
