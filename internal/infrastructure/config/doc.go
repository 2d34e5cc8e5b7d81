// Package config handles loading and validating presence engine configuration.
//
// This package manages:
//   - Loading configuration from an optional YAML file
//   - Overriding with PRESENCE_* environment variables
//   - Validation of required fields, intervals and TLS material
//   - Default value handling
//
// Security Considerations:
//   - Broker certificates and keys are referenced by path, never inlined
//   - Missing or unreadable certificates are fatal before any connection attempt
//   - Passwords and tokens should be set via environment variables
//
// Usage:
//
//	cfg, err := config.Load(os.Getenv("PRESENCE_CONFIG"))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(cfg.MQTT.Topic)
package config
