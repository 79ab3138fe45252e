// Package config handles loading and validating the Insteon bridge
// configuration.
//
// This package manages:
//   - Loading configuration from YAML files
//   - Overriding with INSTEON_* environment variables
//   - Validation of required fields, reporting every problem at once
//   - Conversion into the send engine, modem link and device registry settings
//
// Security Considerations:
//   - Passwords and tokens should be set via environment variables
//   - The config file should have restricted permissions (0600)
//   - Config.String masks secrets so the loaded config can be logged
//
// Usage:
//
//	cfg, err := config.Load("configs/config.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	engine := plm.NewEngine(plm.EngineOptions{Config: cfg.EngineConfig()})
package config
