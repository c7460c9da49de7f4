package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/test")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 8080 {
		t.Errorf("Server.Port = %d, want %d", cfg.Server.Port, 8080)
	}
	if cfg.Pipeline.Mode != ModeScheduled {
		t.Errorf("Pipeline.Mode = %q, want %q", cfg.Pipeline.Mode, ModeScheduled)
	}
	if cfg.Pipeline.ReadWorkers != 4 {
		t.Errorf("Pipeline.ReadWorkers = %d, want %d", cfg.Pipeline.ReadWorkers, 4)
	}
	if cfg.Pipeline.LoadMaxAttempts != 5 {
		t.Errorf("Pipeline.LoadMaxAttempts = %d, want %d", cfg.Pipeline.LoadMaxAttempts, 5)
	}
	if cfg.Quality.MaxQuantity != 100 {
		t.Errorf("Quality.MaxQuantity = %d, want %d", cfg.Quality.MaxQuantity, 100)
	}
	if cfg.Quality.MaxUnitPrice != "1000" {
		t.Errorf("Quality.MaxUnitPrice = %q, want %q", cfg.Quality.MaxUnitPrice, "1000")
	}
	if cfg.Metadata.Backend != BackendFile {
		t.Errorf("Metadata.Backend = %q, want %q", cfg.Metadata.Backend, BackendFile)
	}
	if !strings.HasPrefix(cfg.Pipeline.FilePattern, `^sales_(\d{4}`) {
		t.Errorf("Pipeline.FilePattern = %q, escape sequences not decoded", cfg.Pipeline.FilePattern)
	}
}

func TestLoad_OverrideDefaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/test")
	t.Setenv("PIPELINE_MODE", "once")
	t.Setenv("PIPELINE_READ_WORKERS", "8")
	t.Setenv("PIPELINE_LOAD_TIMEOUT", "90s")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("API_KEYS", " k1, ,k2 ")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Pipeline.Mode != ModeOnce {
		t.Errorf("Pipeline.Mode = %q, want %q", cfg.Pipeline.Mode, ModeOnce)
	}
	if cfg.Pipeline.ReadWorkers != 8 {
		t.Errorf("Pipeline.ReadWorkers = %d, want %d", cfg.Pipeline.ReadWorkers, 8)
	}
	if cfg.Pipeline.LoadTimeout != 90*time.Second {
		t.Errorf("Pipeline.LoadTimeout = %v, want %v", cfg.Pipeline.LoadTimeout, 90*time.Second)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("Logging.Level = %q, want %q", cfg.Logging.Level, "debug")
	}
	if len(cfg.Security.APIKeys) != 2 || cfg.Security.APIKeys[0] != "k1" || cfg.Security.APIKeys[1] != "k2" {
		t.Errorf("Security.APIKeys = %q, want [k1 k2]", cfg.Security.APIKeys)
	}
}

func TestLoad_AltEnvVar(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("DB_URL", "postgres://localhost/alttest")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Database.URL != "postgres://localhost/alttest" {
		t.Errorf("Database.URL = %q, want %q", cfg.Database.URL, "postgres://localhost/alttest")
	}
}

func TestLoad_DatabaseURLOnlyRequiredForPostgres(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("DB_URL", "")

	if _, err := Load(); err == nil {
		t.Fatal("Load() expected error for missing DATABASE_URL with postgres store")
	}

	t.Setenv("PIPELINE_STORE_BACKEND", "memory")
	t.Setenv("METADATA_BACKEND", "file")
	if _, err := Load(); err != nil {
		t.Fatalf("Load() with memory store error = %v", err)
	}
}

func TestLoad_InvalidDuration(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/test")
	t.Setenv("PIPELINE_EXTRACT_TIMEOUT", "soon")

	if _, err := Load(); err == nil {
		t.Fatal("Load() expected error for invalid duration")
	}
}

func validConfig() *Config {
	return &Config{
		Server:   ServerConfig{Enabled: true, Port: 8080, ShutdownTimeout: time.Second},
		Database: DatabaseConfig{URL: "postgres://localhost/test", MaxConns: 10, MinConns: 2},
		Pipeline: PipelineConfig{
			Mode:               ModeScheduled,
			SourceDir:          "data",
			FilePattern:        `^sales_.*\.csv$`,
			ScheduleInterval:   time.Hour,
			ReadWorkers:        2,
			MaxFileSize:        1 << 20,
			ExtractTimeout:     time.Minute,
			TransformTimeout:   time.Minute,
			LoadTimeout:        time.Minute,
			CommitTimeout:      time.Second,
			LoadMaxAttempts:    3,
			LoadInitialBackoff: time.Second,
			LoadMaxBackoff:     time.Minute,
			StoreBackend:       BackendPostgres,
		},
		Quality: QualityConfig{
			StoreIDPattern:   `^S\d+$`,
			ProductIDPattern: `^P\d+$`,
			MaxQuantity:      100,
			MaxUnitPrice:     "1000",
			MaxCustomerAge:   120,
		},
		Metadata: MetadataConfig{Backend: BackendFile, Path: "meta.json", LockStaleAfter: time.Hour},
		Logging:  LoggingConfig{Level: "info", Format: "text"},
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"invalid port", func(c *Config) { c.Server.Port = 99999 }, "SERVER_PORT"},
		{"port ignored when server disabled", func(c *Config) { c.Server.Enabled = false; c.Server.Port = 0 }, ""},
		{"unknown mode", func(c *Config) { c.Pipeline.Mode = "daily" }, "PIPELINE_MODE"},
		{"bad file pattern", func(c *Config) { c.Pipeline.FilePattern = "([" }, "PIPELINE_FILE_PATTERN"},
		{"zero workers", func(c *Config) { c.Pipeline.ReadWorkers = 0 }, "PIPELINE_READ_WORKERS"},
		{"zero load timeout", func(c *Config) { c.Pipeline.LoadTimeout = 0 }, "PIPELINE_LOAD_TIMEOUT"},
		{"backoff inverted", func(c *Config) { c.Pipeline.LoadMaxBackoff = time.Millisecond }, "PIPELINE_LOAD_INITIAL_BACKOFF"},
		{"unknown store", func(c *Config) { c.Pipeline.StoreBackend = "sqlite" }, "PIPELINE_STORE_BACKEND"},
		{"bad unit price bound", func(c *Config) { c.Quality.MaxUnitPrice = "lots" }, "QUALITY_MAX_UNIT_PRICE"},
		{"unknown metadata backend", func(c *Config) { c.Metadata.Backend = "s3" }, "METADATA_BACKEND"},
		{"postgres metadata without url", func(c *Config) {
			c.Pipeline.StoreBackend = BackendMemory
			c.Metadata.Backend = BackendPostgres
			c.Database.URL = ""
		}, "DATABASE_URL"},
		{"lock reclaimed before a run can finish", func(c *Config) { c.Metadata.LockStaleAfter = 5 * time.Minute }, "METADATA_LOCK_STALE_AFTER"},
		{"stale threshold ignored for postgres metadata", func(c *Config) {
			c.Metadata.Backend = BackendPostgres
			c.Metadata.LockStaleAfter = time.Minute
		}, ""},
		{"api key required but none set", func(c *Config) { c.Security.RequireAPIKey = true }, "API_KEYS"},
		{"api key required and set", func(c *Config) {
			c.Security.RequireAPIKey = true
			c.Security.APIKeys = []string{"k1"}
		}, ""},
		{"bad log level", func(c *Config) { c.Logging.Level = "verbose" }, "LOG_LEVEL"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() error = %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("Validate() expected error mentioning %s", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want mention of %s", err, tt.wantErr)
			}
		})
	}
}

func TestValidate_CollectsAllErrors(t *testing.T) {
	cfg := validConfig()
	cfg.Pipeline.ReadWorkers = 0
	cfg.Logging.Format = "xml"

	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate() expected error")
	}
	for _, want := range []string{"PIPELINE_READ_WORKERS", "LOG_FORMAT"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("Validate() error missing %s: %v", want, err)
		}
	}
}

func TestString_MasksDatabaseURL(t *testing.T) {
	cfg := validConfig()
	cfg.Database.URL = "postgres://user:secret@db/sales"

	s := cfg.String()
	if strings.Contains(s, "secret") {
		t.Errorf("String() leaked credentials: %s", s)
	}
	if !strings.Contains(s, "[MASKED]") {
		t.Errorf("String() = %s, want masked URL", s)
	}
}

func TestRunBudget(t *testing.T) {
	p := validConfig().Pipeline
	// extract 1m + transform 1m + 3 loads of 1m + 2 backoffs of 1m + commit 1s
	want := 7*time.Minute + time.Second
	if got := p.RunBudget(); got != want {
		t.Errorf("RunBudget() = %s, want %s", got, want)
	}
}

func TestDefaults_LockOutlastsRun(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/test")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Pipeline.RunBudget() >= cfg.Metadata.LockStaleAfter {
		t.Errorf("default run budget %s reaches lock threshold %s", cfg.Pipeline.RunBudget(), cfg.Metadata.LockStaleAfter)
	}
}

func TestServerAddr(t *testing.T) {
	c := ServerConfig{Host: "127.0.0.1", Port: 9090}
	if got := c.Addr(); got != "127.0.0.1:9090" {
		t.Errorf("Addr() = %q, want %q", got, "127.0.0.1:9090")
	}
}
