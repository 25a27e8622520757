// Package config handles loading and validating the Fossibot controller
// configuration.
//
// This package manages:
//   - Loading configuration from YAML files
//   - Overriding with environment variables
//   - Validation of required fields
//   - Default value handling
//
// Security Considerations:
//   - The account password should be set via FOSSIBOT_ACCOUNT_PASSWORD
//   - The config file should have restricted permissions (0600)
//
// Durations are configured as whole seconds and read through the Get*
// helpers.
//
// Usage:
//
//	cfg, err := config.Load("configs/fossibot.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(cfg.Polling.Interval)
package config
