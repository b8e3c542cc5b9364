// Package config loads the pipeline definition and the ambient service
// settings that wrap it.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"

	"github.com/couchcryptid/sentryd/internal/pipeline"
)

// StageConfig describes one entry in the pipeline: the name of the module
// to instantiate, its log level override, and its freeform option block.
// Options is decoded generically (map[string]any) because each module owns
// its own schema; the registry hands Options to the module's constructor
// unparsed.
type StageConfig struct {
	Module   string         `yaml:"module"`
	LogLevel string         `yaml:"loglevel"`
	Options  map[string]any `yaml:"options"`
}

// Config is the top-level document: the pipeline stage list plus the
// ambient settings that wrap it. Ambient settings double as environment
// overrides, the same way the base service reads its connection settings.
type Config struct {
	Pipeline []StageConfig `yaml:"pipeline"`

	LogLevel        string        `yaml:"loglevel"`
	LogFormat       string        `yaml:"logformat"`
	HTTPAddr        string        `yaml:"http_addr"`
	ShutdownTimeout time.Duration `yaml:"-"`
}

// Load reads and parses the document at path, then layers environment
// overrides on top of it. It returns a *pipeline.UserError for anything
// wrong with the document itself (missing file, bad YAML, empty pipeline)
// so that callers can map it to the user-error exit code.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, pipeline.NewUserError("reading config %s: %v", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, pipeline.NewUserError("parsing config %s: %v", path, err)
	}

	cfg.LogLevel = envOrDefault("SENTRYD_LOG_LEVEL", nonEmpty(cfg.LogLevel, "info"))
	cfg.LogFormat = envOrDefault("SENTRYD_LOG_FORMAT", nonEmpty(cfg.LogFormat, "json"))
	cfg.HTTPAddr = envOrDefault("SENTRYD_HTTP_ADDR", nonEmpty(cfg.HTTPAddr, ":8080"))

	shutdownStr := envOrDefault("SENTRYD_SHUTDOWN_TIMEOUT", "10s")
	shutdownTimeout, err := time.ParseDuration(shutdownStr)
	if err != nil || shutdownTimeout <= 0 {
		return nil, pipeline.NewUserError("invalid SENTRYD_SHUTDOWN_TIMEOUT %q", shutdownStr)
	}
	cfg.ShutdownTimeout = shutdownTimeout

	if len(cfg.Pipeline) < 2 {
		return nil, pipeline.NewUserError("config %s: pipeline must declare at least a source and a sink", path)
	}
	for i, stage := range cfg.Pipeline {
		if stage.Module == "" {
			return nil, pipeline.NewUserError("config %s: pipeline[%d] is missing a module name", path, i)
		}
	}

	return &cfg, nil
}

// ValidateOptions checks opts against schema, a JSON Schema document
// describing a module's option block. It returns a *pipeline.UserError
// naming the module and the offending field on the first failure.
func ValidateOptions(module string, schema string, opts map[string]any) error {
	if schema == "" {
		return nil
	}

	schemaLoader := gojsonschema.NewStringLoader(schema)
	docLoader := gojsonschema.NewGoLoader(opts)

	result, err := gojsonschema.Validate(schemaLoader, docLoader)
	if err != nil {
		return pipeline.NewUserError("%s: invalid options: %v", module, err)
	}
	if !result.Valid() {
		errs := result.Errors()
		if len(errs) == 0 {
			return pipeline.NewUserError("%s: invalid options", module)
		}
		return pipeline.NewUserError("%s: invalid options: %s", module, formatSchemaError(errs[0]))
	}
	return nil
}

func formatSchemaError(e gojsonschema.ResultError) string {
	if field := e.Field(); field != "" && field != "(root)" {
		return fmt.Sprintf("%s: %s", field, e.Description())
	}
	return e.Description()
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func nonEmpty(v, fallback string) string {
	if v != "" {
		return v
	}
	return fallback
}
