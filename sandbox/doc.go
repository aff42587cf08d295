// Package sandbox runs user code against datasets in isolated sessions.
//
// A DatasetExecutor turns an ExecuteRequest into a Plan (datasets resolved,
// mounts computed) without touching any runtime, then executes the plan in
// exactly one Session obtained from a Provider. The session is torn down on
// every exit path.
//
// Providers:
//
//   - DockerProvider talks to the Docker Engine API.
//   - CLIProvider drives the docker or podman command line.
//   - LocalProvider runs a host interpreter in a temp tree (development only).
//
// Usage:
//
//	provider, err := sandbox.NewProvider(logger, cfg)
//	executor, err := sandbox.NewExecutor(logger, cfg, provider)
//	plan, err := executor.Prepare(sandbox.ExecuteRequest{
//	    DatasetIDs: []string{"sales"},
//	    Code:       "import pandas as pd; print(pd.read_csv('data.csv').shape)",
//	})
//	result, err := executor.Execute(ctx, plan)
package sandbox
