// Package config handles loading and validating Keyrelay configuration.
//
// This package manages:
//   - Loading configuration from YAML files
//   - Overriding with environment variables (KEYRELAY_*)
//   - Validation of required fields and cross-section constraints
//
// Sensitive values (MQTT password, InfluxDB token) should be set via
// environment variables rather than committed to the config file.
//
// Usage:
//
//	cfg, err := config.Load("configs/config.yaml")
//	if err != nil {
//	    return err
//	}
//	fmt.Println(cfg.WebSocket.Path)
package config
