package sandbox

import (
	"context"
	"math"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// MockCommandRunner implements CommandRunner for testing. Results are keyed by
// the space-joined argv. A hook returning non-nil overrides the lookup.
type MockCommandRunner struct {
	mu             sync.Mutex
	calls          [][]string
	dirs           []string
	commandResults map[string]mockResult
	defaultResult  mockResult
	hook           func(ctx context.Context, args []string) *mockResult
}

type mockResult struct {
	out Output
	err error
}

func (m *MockCommandRunner) RunCommand(ctx context.Context, dir string, args []string) (Output, error) {
	m.mu.Lock()
	m.calls = append(m.calls, append([]string(nil), args...))
	m.dirs = append(m.dirs, dir)
	hook := m.hook
	m.mu.Unlock()

	if hook != nil {
		if result := hook(ctx, args); result != nil {
			return result.out, result.err
		}
	}
	if result, exists := m.commandResults[strings.Join(args, " ")]; exists {
		return result.out, result.err
	}
	return m.defaultResult.out, m.defaultResult.err
}

func (m *MockCommandRunner) Calls() [][]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([][]string(nil), m.calls...)
}

// subcommands returns argv[1] of every call, e.g. run, exec, cp, rm.
func (m *MockCommandRunner) subcommands() []string {
	var out []string
	for _, c := range m.Calls() {
		if len(c) > 1 {
			out = append(out, c[1])
		}
	}
	return out
}

func TestValidateLibrary(t *testing.T) {
	valid := []string{"numpy", "pandas==2.2.0", "scikit-learn>=1.3", "requests[socks]", "py3.pkg_name", "tz~=2024.1"}
	for _, name := range valid {
		t.Run(name, func(t *testing.T) {
			assert.NoError(t, ValidateLibrary(name))
		})
	}

	invalid := []string{"", "-r", "--index-url=http://evil", "numpy; rm -rf /", "a b", "$(whoami)", "pkg|cat"}
	for _, name := range invalid {
		t.Run("Invalid_"+name, func(t *testing.T) {
			err := ValidateLibrary(name)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidRequest)
		})
	}
}

func TestTimeoutFromSeconds(t *testing.T) {
	tests := []struct {
		name    string
		secs    float64
		want    time.Duration
		wantErr bool
	}{
		{name: "Fractional", secs: 2.5, want: 2500 * time.Millisecond},
		{name: "Negative", secs: -1, want: -time.Second},
		{name: "JustBelowLimit", secs: 9e9, want: 9e9 * time.Second},
		{name: "Huge", secs: 1e10, want: time.Duration(math.MaxInt64)},
		{name: "HugeNegative", secs: -1e300, want: time.Duration(math.MinInt64)},
		{name: "NaN", secs: math.NaN(), wantErr: true},
		{name: "Inf", secs: math.Inf(1), wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := TimeoutFromSeconds(tt.secs)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidRequest)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestPipInstallArgs(t *testing.T) {
	args := pipInstallArgs("python", []string{"numpy", "pandas"})
	assert.Equal(t, []string{
		"python", "-m", "pip", "install", "--quiet", "--disable-pip-version-check", "--no-input",
		"numpy", "pandas",
	}, args)
}

func TestRealCommandRunner(t *testing.T) {
	ctx := context.Background()

	t.Run("NoCommand", func(t *testing.T) {
		_, err := RealCommandRunner{}.RunCommand(ctx, "", nil)
		require.Error(t, err)
	})

	t.Run("ExitCodeIsNotAnError", func(t *testing.T) {
		out, err := RealCommandRunner{}.RunCommand(ctx, "", []string{"sh", "-c", "echo out; echo err >&2; exit 3"})
		require.NoError(t, err)
		assert.Equal(t, 3, out.ExitCode)
		assert.Equal(t, "out\n", out.Stdout)
		assert.Equal(t, "err\n", out.Stderr)
	})

	t.Run("WorkingDirectory", func(t *testing.T) {
		dir := t.TempDir()
		out, err := RealCommandRunner{}.RunCommand(ctx, dir, []string{"pwd"})
		require.NoError(t, err)
		assert.Contains(t, out.Stdout, dir)
	})

	t.Run("OutputIsCapped", func(t *testing.T) {
		out, err := RealCommandRunner{MaxOutputBytes: 4}.RunCommand(ctx, "", []string{"sh", "-c", "printf 0123456789"})
		require.NoError(t, err)
		assert.Equal(t, "0123", out.Stdout)
		assert.True(t, out.StdoutTruncated)
		assert.False(t, out.StderrTruncated)
	})

	t.Run("MissingBinary", func(t *testing.T) {
		_, err := RealCommandRunner{}.RunCommand(ctx, "", []string{"datarun-no-such-binary"})
		require.Error(t, err)
	})
}
