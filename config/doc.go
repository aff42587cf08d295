// Package config provides application configuration management.
//
// The config package handles loading and validation of the application's
// configuration from YAML files and DATARUN_* environment variables. It covers
// the intake transports, sandbox limits (memory, swap, timeouts, output cap),
// the dataset root, the worker pool size and job retention.
//
// Usage:
//
//	cfg, err := config.New()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Printf("Sandbox backend: %s\n", cfg.Sandbox.Backend)
package config
