package integration

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/isdmx/datarun/config"
	"github.com/isdmx/datarun/logger"
	"github.com/isdmx/datarun/queue"
	"github.com/isdmx/datarun/sandbox"
	"github.com/isdmx/datarun/store"
)

// The end-to-end tests run on the local backend with sh as the interpreter,
// so submitted "code" is shell.

func localConfig(t *testing.T, dataDir string) *config.Config {
	t.Helper()
	return &config.Config{
		Server: config.ServerConfig{Transport: "stdio", HTTPPort: 8080},
		Sandbox: config.SandboxConfig{
			Backend:            "local",
			Workdir:            "/sandbox",
			DataDir:            dataDir,
			MaxConcurrency:     2,
			ExecutionTimeout:   5 * time.Second,
			MaxTimeout:         10 * time.Second,
			Memory:             "512m",
			MemorySwap:         "512m",
			MaxOutputBytes:     64,
			EnableLocalBackend: true,
			LocalPython:        "sh",
		},
		Logging: config.LoggingConfig{Mode: "development", Level: "debug"},
	}
}

func writeDataset(t *testing.T, root, id string, files map[string]string) {
	t.Helper()
	dir := filepath.Join(root, id)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	for name, content := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o600))
	}
}

func newQueue(t *testing.T, cfg *config.Config) *queue.Queue {
	t.Helper()
	log := zaptest.NewLogger(t)

	provider, err := sandbox.NewProvider(log, cfg)
	require.NoError(t, err)
	executor, err := sandbox.NewExecutor(log, cfg, provider)
	require.NoError(t, err)

	q, err := queue.New(log, queue.ConfigFrom(cfg), store.New(), executor, prometheus.NewRegistry())
	require.NoError(t, err)
	require.NoError(t, q.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = q.Stop(ctx)
	})
	return q
}

func waitFinished(t *testing.T, q *queue.Queue, id string) store.Job {
	t.Helper()
	var job store.Job
	require.Eventually(t, func() bool {
		var err error
		job, err = q.Get(id)
		require.NoError(t, err)
		return job.Status.Terminal()
	}, 15*time.Second, 20*time.Millisecond)
	return job
}

func TestConfigAndLogger(t *testing.T) {
	cfg := localConfig(t, t.TempDir())

	log, err := logger.NewFromConfig(cfg)
	require.NoError(t, err)
	log.Info("integration test started")
	_ = log.Sync()

	_, err = sandbox.NewProvider(log, &config.Config{Sandbox: config.SandboxConfig{Backend: "local"}})
	assert.Error(t, err, "local backend must be explicitly enabled")
}

func TestEndToEndExecution(t *testing.T) {
	dataDir := t.TempDir()
	writeDataset(t, dataDir, "sales", map[string]string{
		"sales.csv":       "region,total\nnorth,10\n",
		"sales.meta.json": `{"rows":1}`,
		"notes.txt":       "ignore me",
	})
	writeDataset(t, dataDir, "costs", map[string]string{
		"costs.csv": "region,cost\nnorth,4\n",
	})

	q := newQueue(t, localConfig(t, dataDir))

	job, err := q.Submit(context.Background(), sandbox.ExecuteRequest{
		DatasetIDs: []string{"sales", "costs"},
		Code:       "cat input/sales/data.csv; cat costs.csv >&2; exit 3",
	})
	require.NoError(t, err)
	assert.Equal(t, store.StatusQueued, job.Status)

	job = waitFinished(t, q, job.ID)
	require.Equal(t, store.StatusSucceeded, job.Status, job.Error)

	result, err := q.Result(job.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, result.ExitCode)
	assert.Equal(t, "region,total\nnorth,10\n", result.Stdout)
	assert.Equal(t, "region,cost\nnorth,4\n", result.Stderr)
	assert.Equal(t, "/sandbox/input/sales", result.DatasetMountPath)
}

func TestEndToEndTruncation(t *testing.T) {
	dataDir := t.TempDir()
	writeDataset(t, dataDir, "big", map[string]string{"big.csv": "x\n"})
	q := newQueue(t, localConfig(t, dataDir))

	job, err := q.Submit(context.Background(), sandbox.ExecuteRequest{
		DatasetIDs: []string{"big"},
		Code:       "i=0; while [ $i -lt 100 ]; do echo 0123456789; i=$((i+1)); done",
	})
	require.NoError(t, err)
	job = waitFinished(t, q, job.ID)
	require.Equal(t, store.StatusSucceeded, job.Status, job.Error)

	result, err := q.Result(job.ID)
	require.NoError(t, err)
	assert.True(t, result.StdoutTruncated)
	assert.LessOrEqual(t, len(result.Stdout), 64)
}

func TestEndToEndTimeout(t *testing.T) {
	dataDir := t.TempDir()
	writeDataset(t, dataDir, "slow", map[string]string{"slow.csv": "x\n"})
	q := newQueue(t, localConfig(t, dataDir))

	job, err := q.Submit(context.Background(), sandbox.ExecuteRequest{
		DatasetIDs: []string{"slow"},
		Code:       "sleep 30",
		Timeout:    200 * time.Millisecond,
	})
	require.NoError(t, err)

	job = waitFinished(t, q, job.ID)
	assert.Equal(t, store.StatusFailed, job.Status)
	assert.Equal(t, store.KindExecutionTimeout, job.ErrorKind)

	_, err = q.Result(job.ID)
	var failed *store.FailedError
	require.ErrorAs(t, err, &failed)
	assert.Equal(t, store.KindExecutionTimeout, failed.Kind)
}

func TestEndToEndRejections(t *testing.T) {
	dataDir := t.TempDir()
	writeDataset(t, dataDir, "ok", map[string]string{"ok.csv": "x\n"})
	q := newQueue(t, localConfig(t, dataDir))
	ctx := context.Background()

	tests := []struct {
		name string
		ids  []string
		kind store.Kind
	}{
		{name: "Traversal", ids: []string{"../etc"}, kind: store.KindInvalidIdentifier},
		{name: "Missing", ids: []string{"absent"}, kind: store.KindNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			job, err := q.Submit(ctx, sandbox.ExecuteRequest{DatasetIDs: tt.ids, Code: "echo hi"})
			require.NoError(t, err)
			assert.Equal(t, store.StatusFailed, job.Status)
			assert.Equal(t, tt.kind, job.ErrorKind)
			assert.Nil(t, job.StartedAt)
			assert.NotContains(t, job.Error, dataDir)
		})
	}

	_, err := q.Submit(ctx, sandbox.ExecuteRequest{DatasetIDs: []string{"ok"}})
	assert.ErrorIs(t, err, sandbox.ErrInvalidRequest)
}
