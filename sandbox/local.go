package sandbox

import (
	"context"
	"fmt"
	"os"
	"path"
	"time"

	"github.com/spf13/afero"
	"go.uber.org/zap"
)

// LocalProvider runs code as a host process inside a throwaway directory tree.
// Sandbox paths such as /sandbox/input/<id> are rooted under that directory.
// There is no isolation and no memory cap: development only.
type LocalProvider struct {
	logger    *zap.Logger
	python    string
	cmdRunner CommandRunner
}

// LocalProviderOption defines a functional option for LocalProvider
type LocalProviderOption func(*LocalProvider)

// WithLocalCommandRunner sets the CommandRunner for LocalProvider
func WithLocalCommandRunner(cmdRunner CommandRunner) LocalProviderOption {
	return func(l *LocalProvider) {
		l.cmdRunner = cmdRunner
	}
}

// NewLocalProvider creates a LocalProvider that runs code with python
func NewLocalProvider(logger *zap.Logger, python string, opts ...LocalProviderOption) *LocalProvider {
	l := &LocalProvider{
		logger: logger.Named("local"),
		python: python,
	}

	for _, opt := range opts {
		opt(l)
	}

	l.logger.Warn("local sandbox backend enabled: code runs on the host without isolation or memory limits")
	return l
}

// Open creates the session's private root directory
func (l *LocalProvider) Open(_ context.Context, opts SessionOptions) (Session, error) {
	root, err := os.MkdirTemp("", "datarun-local-*")
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create session root: %w", ErrProvision, err)
	}

	fs, ok := afero.NewBasePathFs(afero.NewOsFs(), root).(*afero.BasePathFs)
	if !ok {
		_ = os.RemoveAll(root)
		return nil, fmt.Errorf("%w: unexpected filesystem type", ErrProvision)
	}

	if err := fs.MkdirAll(opts.Workdir, DirPermission); err != nil {
		_ = os.RemoveAll(root)
		return nil, fmt.Errorf("%w: failed to create workdir: %w", ErrProvision, err)
	}

	runner := l.cmdRunner
	if runner == nil {
		runner = RealCommandRunner{MaxOutputBytes: opts.MaxOutputBytes}
	}

	l.logger.Debug("local session opened", zap.String("root", root))

	return &localSession{
		logger:    l.logger.With(zap.String("root", root)),
		python:    l.python,
		root:      root,
		fs:        fs,
		opts:      opts,
		cmdRunner: runner,
	}, nil
}

type localSession struct {
	logger    *zap.Logger
	python    string
	root      string
	fs        *afero.BasePathFs
	opts      SessionOptions
	cmdRunner CommandRunner
}

func (s *localSession) Mkdir(_ context.Context, dir string) error {
	return s.fs.MkdirAll(dir, DirPermission)
}

func (s *localSession) Stage(_ context.Context, src, dest string) error {
	f, err := os.Open(src) //nolint:gosec // src comes from the dataset resolver
	if err != nil {
		return err
	}
	defer f.Close()

	if err := s.fs.MkdirAll(path.Dir(dest), DirPermission); err != nil {
		return err
	}
	return afero.WriteReader(s.fs, dest, f)
}

func (s *localSession) Run(ctx context.Context, code string, libraries []string, timeout time.Duration) (Output, error) {
	codePath := path.Join(s.opts.Workdir, CodeFileName)
	if err := afero.WriteFile(s.fs, codePath, []byte(code), FilePermission); err != nil {
		return Output{}, fmt.Errorf("failed to write user code: %w", err)
	}

	dir, err := s.fs.RealPath(s.opts.Workdir)
	if err != nil {
		return Output{}, fmt.Errorf("failed to resolve workdir: %w", err)
	}

	if len(libraries) > 0 {
		// the host interpreter is used as is
		s.logger.Debug("skipping library installation on local backend", zap.Strings("libraries", libraries))
	}

	ctxWithTimeout, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	out, err := s.cmdRunner.RunCommand(ctxWithTimeout, dir, []string{s.python, CodeFileName})
	if ctxWithTimeout.Err() == context.DeadlineExceeded {
		return Output{}, fmt.Errorf("%w after %s", ErrExecutionTimeout, timeout)
	}
	if err != nil {
		return Output{}, fmt.Errorf("failed to execute code: %w", err)
	}
	return out, nil
}

func (s *localSession) Close(_ context.Context) error {
	if err := os.RemoveAll(s.root); err != nil {
		return fmt.Errorf("remove session root: %w", err)
	}
	s.logger.Debug("local session removed")
	return nil
}
