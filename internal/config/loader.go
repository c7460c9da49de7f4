package config

import (
	"fmt"
	"math/big"
	"os"
	"reflect"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Load reads configuration from environment variables.
// It applies defaults for unset values and validates the result.
// Returns an error if required values are missing or validation fails.
func Load() (*Config, error) {
	cfg := &Config{}

	if err := loadStruct(reflect.ValueOf(cfg).Elem()); err != nil {
		return nil, fmt.Errorf("config load: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// loadStruct recursively populates struct fields from environment variables.
func loadStruct(v reflect.Value) error {
	t := v.Type()

	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		fieldVal := v.Field(i)

		// Skip unexported fields
		if !fieldVal.CanSet() {
			continue
		}

		// Recurse into nested structs
		if field.Type.Kind() == reflect.Struct && field.Type != reflect.TypeOf(time.Time{}) {
			if err := loadStruct(fieldVal); err != nil {
				return err
			}
			continue
		}

		// Get tags
		envName := field.Tag.Get("env")
		envAlt := field.Tag.Get("envAlt")
		defaultVal := field.Tag.Get("default")
		required := field.Tag.Get("required") == "true"

		if envName == "" {
			continue
		}

		// Try primary env var, then alternate
		value := os.Getenv(envName)
		if value == "" && envAlt != "" {
			value = os.Getenv(envAlt)
		}

		// Apply default if not set
		if value == "" {
			if required {
				return fmt.Errorf("required environment variable %s is not set", envName)
			}
			value = defaultVal
		}

		if value == "" {
			continue
		}

		// Set the field value
		if err := setField(fieldVal, value); err != nil {
			return fmt.Errorf("invalid value for %s=%q: %w", envName, value, err)
		}
	}

	return nil
}

// setField sets a reflect.Value from a string based on its type.
func setField(field reflect.Value, value string) error {
	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int64:
		// Handle time.Duration specially
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return fmt.Errorf("invalid duration: %w", err)
			}
			field.Set(reflect.ValueOf(d))
		} else {
			i, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return fmt.Errorf("invalid integer: %w", err)
			}
			field.SetInt(i)
		}

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("invalid boolean: %w", err)
		}
		field.SetBool(b)

	case reflect.Slice:
		if field.Type().Elem().Kind() == reflect.String {
			// Split comma-separated values, trim whitespace
			parts := strings.Split(value, ",")
			result := make([]string, 0, len(parts))
			for _, p := range parts {
				p = strings.TrimSpace(p)
				if p != "" {
					result = append(result, p)
				}
			}
			field.Set(reflect.ValueOf(result))
		} else {
			return fmt.Errorf("unsupported slice type: %s", field.Type().Elem().Kind())
		}

	default:
		return fmt.Errorf("unsupported field type: %s", field.Kind())
	}

	return nil
}

// Validate checks that the configuration is valid.
// Returns an error describing all validation failures.
func (c *Config) Validate() error {
	var errs []string

	// Database validation
	if c.NeedsDatabase() && c.Database.URL == "" {
		errs = append(errs, "DATABASE_URL is required when a postgres backend is selected")
	}
	if c.Database.MaxConns < c.Database.MinConns {
		errs = append(errs, fmt.Sprintf("DB_MAX_CONNS (%d) must be >= DB_MIN_CONNS (%d)",
			c.Database.MaxConns, c.Database.MinConns))
	}
	if c.Database.MaxConns <= 0 {
		errs = append(errs, "DB_MAX_CONNS must be positive")
	}
	if c.Database.MinConns < 0 {
		errs = append(errs, "DB_MIN_CONNS must be non-negative")
	}

	// Server validation
	if c.Server.Enabled && (c.Server.Port <= 0 || c.Server.Port > 65535) {
		errs = append(errs, fmt.Sprintf("SERVER_PORT (%d) must be 1-65535", c.Server.Port))
	}
	if c.Server.ReadTimeout < 0 {
		errs = append(errs, "SERVER_READ_TIMEOUT must be non-negative")
	}
	if c.Server.ShutdownTimeout <= 0 {
		errs = append(errs, "SERVER_SHUTDOWN_TIMEOUT must be positive")
	}

	// Pipeline validation
	p := c.Pipeline
	if p.Mode != ModeOnce && p.Mode != ModeScheduled {
		errs = append(errs, fmt.Sprintf("PIPELINE_MODE (%q) must be one of: once, scheduled", p.Mode))
	}
	if p.SourceDir == "" {
		errs = append(errs, "PIPELINE_SOURCE_DIR is required")
	}
	if _, err := regexp.Compile(p.FilePattern); err != nil {
		errs = append(errs, fmt.Sprintf("PIPELINE_FILE_PATTERN is not a valid regular expression: %v", err))
	}
	if p.Mode == ModeScheduled && p.ScheduleInterval <= 0 {
		errs = append(errs, "PIPELINE_SCHEDULE_INTERVAL must be positive in scheduled mode")
	}
	if p.ReadWorkers <= 0 {
		errs = append(errs, "PIPELINE_READ_WORKERS must be positive")
	}
	if p.MaxFileSize <= 0 {
		errs = append(errs, "PIPELINE_MAX_FILE_SIZE must be positive")
	}
	for name, d := range map[string]time.Duration{
		"PIPELINE_EXTRACT_TIMEOUT":   p.ExtractTimeout,
		"PIPELINE_TRANSFORM_TIMEOUT": p.TransformTimeout,
		"PIPELINE_LOAD_TIMEOUT":      p.LoadTimeout,
		"PIPELINE_COMMIT_TIMEOUT":    p.CommitTimeout,
	} {
		if d <= 0 {
			errs = append(errs, name+" must be positive")
		}
	}
	if p.LoadMaxAttempts <= 0 {
		errs = append(errs, "PIPELINE_LOAD_MAX_ATTEMPTS must be positive")
	}
	if p.LoadInitialBackoff <= 0 || p.LoadMaxBackoff < p.LoadInitialBackoff {
		errs = append(errs, "PIPELINE_LOAD_INITIAL_BACKOFF must be positive and not exceed PIPELINE_LOAD_MAX_BACKOFF")
	}
	if p.StoreBackend != BackendPostgres && p.StoreBackend != BackendMemory {
		errs = append(errs, fmt.Sprintf("PIPELINE_STORE_BACKEND (%q) must be one of: postgres, memory", p.StoreBackend))
	}

	// Quality validation
	q := c.Quality
	if _, err := regexp.Compile(q.StoreIDPattern); err != nil {
		errs = append(errs, fmt.Sprintf("QUALITY_STORE_ID_PATTERN is not a valid regular expression: %v", err))
	}
	if _, err := regexp.Compile(q.ProductIDPattern); err != nil {
		errs = append(errs, fmt.Sprintf("QUALITY_PRODUCT_ID_PATTERN is not a valid regular expression: %v", err))
	}
	if q.MaxQuantity < 0 {
		errs = append(errs, "QUALITY_MAX_QUANTITY must be non-negative")
	}
	if r, ok := new(big.Rat).SetString(q.MaxUnitPrice); !ok || r.Sign() < 0 {
		errs = append(errs, fmt.Sprintf("QUALITY_MAX_UNIT_PRICE (%q) must be a non-negative decimal", q.MaxUnitPrice))
	}
	if q.MaxCustomerAge <= 0 {
		errs = append(errs, "QUALITY_MAX_CUSTOMER_AGE must be positive")
	}

	// Metadata validation
	switch c.Metadata.Backend {
	case BackendFile:
		if c.Metadata.Path == "" {
			errs = append(errs, "METADATA_PATH is required for the file backend")
		}
	case BackendPostgres:
	default:
		errs = append(errs, fmt.Sprintf("METADATA_BACKEND (%q) must be one of: file, postgres", c.Metadata.Backend))
	}
	if c.Metadata.LockStaleAfter <= 0 {
		errs = append(errs, "METADATA_LOCK_STALE_AFTER must be positive")
	} else if c.Metadata.Backend == BackendFile {
		if budget := c.Pipeline.RunBudget(); budget >= c.Metadata.LockStaleAfter {
			errs = append(errs, fmt.Sprintf("METADATA_LOCK_STALE_AFTER (%s) must exceed the worst-case run time (%s)",
				c.Metadata.LockStaleAfter, budget))
		}
	}

	// Security validation
	if c.Security.RequireAPIKey && len(c.Security.APIKeys) == 0 {
		errs = append(errs, "REQUIRE_API_KEY is true but API_KEYS is empty; configure at least one API key or disable auth")
	}

	// Logging validation
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.Logging.Level)] {
		errs = append(errs, fmt.Sprintf("LOG_LEVEL (%q) must be one of: debug, info, warn, error", c.Logging.Level))
	}

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[strings.ToLower(c.Logging.Format)] {
		errs = append(errs, fmt.Sprintf("LOG_FORMAT (%q) must be one of: text, json", c.Logging.Format))
	}

	if len(errs) > 0 {
		sort.Strings(errs)
		return fmt.Errorf("validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}

	return nil
}

// String returns a safe string representation of the config for logging.
// Sensitive values like database URLs are masked.
func (c *Config) String() string {
	var b strings.Builder
	b.WriteString("Config{")
	b.WriteString(fmt.Sprintf("Server: {Enabled: %v, Host: %q, Port: %d}, ", c.Server.Enabled, c.Server.Host, c.Server.Port))
	dbURL := ""
	if c.Database.URL != "" {
		dbURL = "[MASKED]"
	}
	b.WriteString(fmt.Sprintf("Database: {URL: %s, MaxConns: %d, MinConns: %d}, ",
		dbURL, c.Database.MaxConns, c.Database.MinConns))
	b.WriteString(fmt.Sprintf("Pipeline: {Mode: %q, SourceDir: %q, Workers: %d, Store: %q, LoadMaxAttempts: %d}, ",
		c.Pipeline.Mode, c.Pipeline.SourceDir, c.Pipeline.ReadWorkers, c.Pipeline.StoreBackend, c.Pipeline.LoadMaxAttempts))
	b.WriteString(fmt.Sprintf("Metadata: {Backend: %q, Path: %q}, ", c.Metadata.Backend, c.Metadata.Path))
	b.WriteString(fmt.Sprintf("Security: {RequireAPIKey: %v, APIKeys: %d configured}, ",
		c.Security.RequireAPIKey, len(c.Security.APIKeys)))
	b.WriteString(fmt.Sprintf("Logging: {Level: %q, Format: %q}",
		c.Logging.Level, c.Logging.Format))
	b.WriteString("}")
	return b.String()
}
