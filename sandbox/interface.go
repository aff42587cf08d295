package sandbox

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os/exec"
	"regexp"
	"time"
)

// Sandbox errors, returned wrapped with detail.
var (
	// ErrProvision means the isolated runtime could not be started.
	ErrProvision = errors.New("sandbox provisioning failed")
	// ErrExecutionTimeout means the code was still running at its deadline
	// and the runtime was killed.
	ErrExecutionTimeout = errors.New("execution timed out")
	// ErrInvalidRequest is a structural problem with an ExecuteRequest.
	ErrInvalidRequest = errors.New("invalid execute request")
)

// ExecuteRequest represents one job's execution parameters
type ExecuteRequest struct {
	DatasetIDs []string `json:"dataset_ids"`
	Code       string   `json:"code"`
	// Files limits every dataset to the named files.
	Files []string `json:"files,omitempty"`
	// DatasetFiles overrides Files for individual datasets.
	DatasetFiles map[string][]string `json:"dataset_files,omitempty"`
	Libraries    []string            `json:"libraries,omitempty"`
	Timeout      time.Duration       `json:"timeout,omitempty"`
}

// ExecuteResult represents the result of code execution
type ExecuteResult struct {
	ExitCode         int           `json:"exit_code"`
	Stdout           string        `json:"stdout"`
	Stderr           string        `json:"stderr"`
	StdoutTruncated  bool          `json:"stdout_truncated"`
	StderrTruncated  bool          `json:"stderr_truncated"`
	DatasetMountPath string        `json:"dataset_dir"`
	Duration         time.Duration `json:"duration"`
}

// SandboxExecutor prepares and runs jobs. Prepare never touches a sandbox;
// Execute owns exactly one session for the lifetime of the call.
type SandboxExecutor interface {
	Prepare(req ExecuteRequest) (*Plan, error)
	Execute(ctx context.Context, plan *Plan) (ExecuteResult, error)
}

// SessionOptions fix the resources of a session for its whole lifetime.
type SessionOptions struct {
	Image            string
	Workdir          string
	Memory           string
	MemorySwap       string
	PidsLimit        int64
	NetworkEnabled   bool
	MaxOutputBytes   int
	InstallLibraries bool
}

// Session is one isolated runtime serving exactly one job.
type Session interface {
	// Mkdir ensures an absolute directory exists inside the runtime.
	Mkdir(ctx context.Context, dir string) error
	// Stage copies a host file to an absolute path inside the runtime,
	// creating parent directories.
	Stage(ctx context.Context, src, dest string) error
	// Run installs libraries and executes code. Past timeout the runtime is
	// killed and an error wrapping ErrExecutionTimeout is returned.
	Run(ctx context.Context, code string, libraries []string, timeout time.Duration) (Output, error)
	// Close releases every resource held by the session.
	Close(ctx context.Context) error
}

// Provider opens sessions on one backend.
type Provider interface {
	Open(ctx context.Context, opts SessionOptions) (Session, error)
}

// Output is captured process output.
type Output struct {
	ExitCode        int
	Stdout          string
	Stderr          string
	StdoutTruncated bool
	StderrTruncated bool
}

// CommandRunner defines an interface for executing system commands
type CommandRunner interface {
	RunCommand(ctx context.Context, dir string, args []string) (Output, error)
}

// RealCommandRunner implements CommandRunner using actual exec commands.
// Captured streams are capped at MaxOutputBytes when it is positive.
type RealCommandRunner struct {
	MaxOutputBytes int
}

// RunCommand executes the given command with arguments in dir
func (r RealCommandRunner) RunCommand(ctx context.Context, dir string, args []string) (Output, error) {
	if len(args) < 1 {
		return Output{}, fmt.Errorf("no command provided")
	}

	cmd := exec.CommandContext(ctx, args[0], args[1:]...) //nolint:gosec // Safe as this is controlled input
	cmd.Dir = dir
	cmd.WaitDelay = commandWaitDelay

	stdout := newCappedBuffer(r.MaxOutputBytes)
	stderr := newCappedBuffer(r.MaxOutputBytes)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	err := cmd.Run()

	out := Output{
		Stdout:          stdout.String(),
		Stderr:          stderr.String(),
		StdoutTruncated: stdout.Truncated(),
		StderrTruncated: stderr.Truncated(),
	}
	if err != nil {
		var exitError *exec.ExitError
		if errors.As(err, &exitError) {
			out.ExitCode = exitError.ExitCode()
			return out, nil
		}
		return out, err
	}
	return out, nil
}

// Python runtime constants
const (
	CodeFileName = "main.py"
	PythonBinary = "python"
)

// File permission and size constants
const (
	DirPermission  = 0o755
	FilePermission = 0o644
	BytesPerKB     = 1024
)

const (
	commandWaitDelay = 2 * time.Second
	teardownTimeout  = 30 * time.Second
)

var libraryPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._\-\[\],<>=!~]*$`)

// ValidateLibrary rejects names that could be read as pip options or shell.
func ValidateLibrary(name string) error {
	if !libraryPattern.MatchString(name) {
		return fmt.Errorf("%w: library %q", ErrInvalidRequest, name)
	}
	return nil
}

// maxTimeoutSeconds is the largest whole-second count a time.Duration holds.
const maxTimeoutSeconds = float64(math.MaxInt64 / int64(time.Second))

// TimeoutFromSeconds converts a caller-supplied number of seconds into a
// timeout. Values beyond the range of time.Duration saturate so the executor
// clamps them to its maximum; NaN and infinities are rejected.
func TimeoutFromSeconds(secs float64) (time.Duration, error) {
	switch {
	case math.IsNaN(secs) || math.IsInf(secs, 0):
		return 0, fmt.Errorf("%w: timeout must be a finite number of seconds", ErrInvalidRequest)
	case secs >= maxTimeoutSeconds:
		return time.Duration(math.MaxInt64), nil
	case secs <= -maxTimeoutSeconds:
		return time.Duration(math.MinInt64), nil
	}
	return time.Duration(secs * float64(time.Second)), nil
}

// pipInstallArgs returns the argv that installs libraries with the sandbox
// python.
func pipInstallArgs(python string, libraries []string) []string {
	args := []string{python, "-m", "pip", "install", "--quiet", "--disable-pip-version-check", "--no-input"}
	return append(args, libraries...)
}
