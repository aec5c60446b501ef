package config

import "strings"

// ValidationError collects every configuration issue found, rather
// than failing on the first one, mirroring the donor's
// ConfigValidationError.
type ValidationError struct {
	Issues []string
}

func (e *ValidationError) Error() string {
	return "config validation failed:\n- " + strings.Join(e.Issues, "\n- ")
}

func validateConfig(cfg *Config) error {
	if cfg == nil {
		return nil
	}

	var issues []string

	switch strings.ToLower(strings.TrimSpace(cfg.Database.Driver)) {
	case "", "memory", "postgres", "sqlite":
	default:
		issues = append(issues, `database.driver must be "", "memory", "postgres", or "sqlite"`)
	}
	if cfg.Database.Driver != "" && strings.ToLower(cfg.Database.Driver) != "memory" && strings.TrimSpace(cfg.Database.DSN) == "" {
		issues = append(issues, "database.dsn is required when database.driver is set")
	}
	if cfg.Database.MaxConnections < 0 {
		issues = append(issues, "database.max_connections must be >= 0")
	}

	if cfg.Shell.MaxOutputBytes < 0 {
		issues = append(issues, "shell.max_output_bytes must be >= 0")
	}
	if cfg.Shell.CommandTimeout < 0 {
		issues = append(issues, "shell.command_timeout must be >= 0")
	}
	if cfg.Shell.SessionIdleExpiry < 0 {
		issues = append(issues, "shell.session_idle_expiry must be >= 0")
	}

	if cfg.Bus.HighPriorityBuffer < 0 {
		issues = append(issues, "bus.high_priority_buffer must be >= 0")
	}
	if cfg.Bus.LowPriorityBuffer < 0 {
		issues = append(issues, "bus.low_priority_buffer must be >= 0")
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Logging.Level)) {
	case "debug", "info", "warn", "error":
	default:
		issues = append(issues, `logging.level must be "debug", "info", "warn", or "error"`)
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Logging.Format)) {
	case "json", "text":
	default:
		issues = append(issues, `logging.format must be "json" or "text"`)
	}

	if cfg.Tracing.Enabled && strings.TrimSpace(cfg.Tracing.Endpoint) == "" {
		issues = append(issues, "tracing.endpoint is required when tracing is enabled")
	}
	if cfg.Tracing.SamplingRate < 0 || cfg.Tracing.SamplingRate > 1 {
		issues = append(issues, "tracing.sampling_rate must be between 0 and 1")
	}

	if len(issues) > 0 {
		return &ValidationError{Issues: issues}
	}
	return nil
}
