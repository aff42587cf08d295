package sandbox

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/isdmx/datarun/config"
	"github.com/isdmx/datarun/dataset"
	"github.com/isdmx/datarun/mount"
)

// NewProvider creates the session provider for cfg.Sandbox.Backend
func NewProvider(logger *zap.Logger, cfg *config.Config) (Provider, error) {
	switch cfg.Sandbox.Backend {
	case "docker":
		return NewDockerProvider(logger)
	case "docker-cli":
		return NewCLIProvider(logger, "docker"), nil
	case "podman":
		return NewCLIProvider(logger, "podman"), nil
	case "local":
		if !cfg.Sandbox.EnableLocalBackend {
			return nil, fmt.Errorf("local backend is disabled")
		}
		return NewLocalProvider(logger, cfg.Sandbox.LocalPython), nil
	default:
		return nil, fmt.Errorf("unsupported backend: %s", cfg.Sandbox.Backend)
	}
}

// NewExecutor creates a DatasetExecutor over provider, rooted at the
// configured data directory
func NewExecutor(logger *zap.Logger, cfg *config.Config, provider Provider) (*DatasetExecutor, error) {
	if provider == nil {
		return nil, fmt.Errorf("nil provider")
	}

	sc := cfg.Sandbox
	executorConfig := ExecutorConfig{
		Session: SessionOptions{
			Image:            sc.Image,
			Workdir:          sc.Workdir,
			Memory:           sc.Memory,
			MemorySwap:       sc.MemorySwap,
			PidsLimit:        sc.PidsLimit,
			NetworkEnabled:   sc.NetworkEnabled,
			MaxOutputBytes:   sc.MaxOutputBytes,
			InstallLibraries: sc.Backend != "local",
		},
		DefaultTimeout:   cfg.GetTimeout(),
		MaxTimeout:       sc.MaxTimeout,
		DefaultLibraries: sc.DefaultLibraries,
	}

	return NewDatasetExecutor(logger, executorConfig,
		provider,
		dataset.NewResolver(sc.DataDir),
		mount.NewPlanner(sc.Workdir),
	), nil
}
