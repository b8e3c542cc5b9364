// Package registry wires every built-in source, filter, and sink module's
// typed Options into pipeline.Registry's generic
// map[string]any-in-YAML constructor shape.
//
// The original gave each pipeline entry in the YAML document a "module"
// name and imported that name as a Python module at startup
// (SentryModule.py's schema_validate ran against the importer's own
// per-module jsonschema document). Go has no import-by-string; Register
// below is the equivalent static table, built once in cmd/sentryd and
// handed to pipeline.Registry so config.StageConfig.Module resolves the
// same way the original's module name did.
package registry

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/mitchellh/mapstructure"

	"github.com/couchcryptid/sentryd/internal/config"
	"github.com/couchcryptid/sentryd/internal/datasource"
	"github.com/couchcryptid/sentryd/internal/observability"
	"github.com/couchcryptid/sentryd/internal/pipeline"
	"github.com/couchcryptid/sentryd/internal/sink/alertkafka"
	"github.com/couchcryptid/sentryd/internal/source/historical"
	"github.com/couchcryptid/sentryd/internal/source/realtime"
	"github.com/couchcryptid/sentryd/internal/stage/aggsum"
	"github.com/couchcryptid/sentryd/internal/stage/movingstat"
)

// Register adds every built-in module to r under the name its YAML
// "module" field is expected to carry.
func Register(r *pipeline.Registry) {
	r.RegisterSource("historical", newHistorical)
	r.RegisterSource("realtime", newRealtime)
	r.RegisterFilter("aggsum", newAggSum)
	r.RegisterFilter("movingstat", newMovingStat)
	r.RegisterSink("alertkafka", newAlertKafka)
}

// decode validates opts against schema — the module's own JSON Schema,
// the Go rendition of the original's per-module schema_validate(instance,
// schema, name) call in each Python module's __init__ — then fills dst
// from opts with mapstructure's weakly-typed mode, since a YAML document
// gives every number as either int or float64 and this package's Options
// structs are typed int64/float64. mapstructure's ErrorUnused catches any
// unknown key the schema's own additionalProperties:false missed.
func decode(module, schema string, opts map[string]any, dst any) error {
	if err := config.ValidateOptions(module, schema, opts); err != nil {
		return err
	}

	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Metadata:         nil,
		Result:           dst,
		WeaklyTypedInput: true,
		ErrorUnused:      true,
	})
	if err != nil {
		return pipeline.NewUserError("%s: building options decoder: %v", module, err)
	}
	if err := dec.Decode(opts); err != nil {
		return pipeline.NewUserError("%s: invalid options: %v", module, err)
	}
	return nil
}

// parseTimeUTC converts a 'YYYY-mm-dd [HH:MM[:SS]]' string (UTC) to a Unix
// timestamp, the Go rendition of sentry.py's strtimegm: try the three
// accepted layouts in order of decreasing precision.
func parseTimeUTC(s string) (int64, error) {
	for _, layout := range []string{"2006-01-02 15:04:05", "2006-01-02 15:04", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.Unix(), nil
		}
	}
	return 0, fmt.Errorf("invalid date %q; expected 'YYYY-mm-dd [HH:MM[:SS]]'", s)
}

type historicalConfig struct {
	Expression    string         `mapstructure:"expression"`
	StartTime     string         `mapstructure:"starttime"`
	EndTime       string         `mapstructure:"endtime"`
	BatchDuration int64          `mapstructure:"batchduration"`
	URL           string         `mapstructure:"url"`
	QueryParams   map[string]any `mapstructure:"queryparams"`
	IgnoreNull    bool           `mapstructure:"ignorenull"`
}

func newHistorical(opts map[string]any, logger *slog.Logger, _ *observability.Metrics) (pipeline.Source, error) {
	var cfg historicalConfig
	if err := decode("historical", historical.Schema, opts, &cfg); err != nil {
		return nil, err
	}
	if cfg.Expression == "" {
		return nil, pipeline.NewUserError("historical: expression is required")
	}
	if cfg.StartTime == "" {
		return nil, pipeline.NewUserError("historical: starttime is required")
	}
	from, err := parseTimeUTC(cfg.StartTime)
	if err != nil {
		return nil, pipeline.NewUserError("historical: starttime: %v", err)
	}
	var until int64
	if cfg.EndTime != "" {
		until, err = parseTimeUTC(cfg.EndTime)
		if err != nil {
			return nil, pipeline.NewUserError("historical: endtime: %v", err)
		}
	}

	query := map[string]any{}
	for k, v := range cfg.QueryParams {
		query[k] = v
	}
	query["expression"] = cfg.Expression

	reader, err := historical.New(historical.Options{
		URL:           cfg.URL,
		Query:         query,
		From:          from,
		Until:         until,
		BatchDuration: cfg.BatchDuration,
		IgnoreNull:    cfg.IgnoreNull,
	})
	if err != nil {
		return nil, err
	}
	return datasource.New("historical", reader, logger), nil
}

type realtimeConfig struct {
	Expressions   []string `mapstructure:"expressions"`
	Interval      int64    `mapstructure:"interval"`
	Timeout       int64    `mapstructure:"timeout"`
	Brokers       []string `mapstructure:"brokers"`
	ConsumerGroup string   `mapstructure:"consumergroup"`
	TopicPrefix   string   `mapstructure:"topicprefix"`
	ChannelName   string   `mapstructure:"channelname"`
}

func newRealtime(opts map[string]any, logger *slog.Logger, metrics *observability.Metrics) (pipeline.Source, error) {
	var cfg realtimeConfig
	if err := decode("realtime", realtime.Schema, opts, &cfg); err != nil {
		return nil, err
	}

	reader, err := realtime.New(realtime.Options{
		Expressions:   cfg.Expressions,
		Interval:      cfg.Interval,
		Timeout:       cfg.Timeout,
		Brokers:       cfg.Brokers,
		ConsumerGroup: cfg.ConsumerGroup,
		TopicPrefix:   cfg.TopicPrefix,
		ChannelName:   cfg.ChannelName,
		Metrics:       metrics,
	})
	if err != nil {
		return nil, err
	}
	return datasource.New("realtime", reader, logger), nil
}

type aggsumConfig struct {
	Expression  string `mapstructure:"expression"`
	GroupSize   int    `mapstructure:"groupsize"`
	Timeout     int64  `mapstructure:"timeout"`
	DropPartial bool   `mapstructure:"droppartial"`
}

func newAggSum(opts map[string]any, logger *slog.Logger, _ *observability.Metrics) (pipeline.Filter, error) {
	var cfg aggsumConfig
	if err := decode("aggsum", aggsum.Schema, opts, &cfg); err != nil {
		return nil, err
	}
	return aggsum.New("aggsum", aggsum.Options{
		Match:       cfg.Expression,
		GroupSize:   cfg.GroupSize,
		Timeout:     cfg.Timeout,
		DropPartial: cfg.DropPartial,
	}, logger)
}

type inpaintingConfig struct {
	Min         *float64 `mapstructure:"min"`
	Max         *float64 `mapstructure:"max"`
	MaxDuration int64    `mapstructure:"maxduration"`
}

type movingstatConfig struct {
	Type       []any             `mapstructure:"type"`
	History    int64             `mapstructure:"history"`
	Warmup     int64             `mapstructure:"warmup"`
	Inpainting *inpaintingConfig `mapstructure:"inpainting"`
}

// statFromType parses the "type: [name, ...params]" option into a Kind
// plus its quantile parameters: ["mean"] selects the mean; ["min"],
// ["max"], ["median"], and ["quantile", k, q] all select nearest-rank
// quantiles at k/q = 0/1, 1/1, 1/2, and the given k/q respectively.
func statFromType(t []any) (movingstat.Kind, int, int, error) {
	if len(t) == 0 {
		return 0, 0, 0, fmt.Errorf("type is required")
	}
	name, ok := t[0].(string)
	if !ok {
		return 0, 0, 0, fmt.Errorf("type[0] must be a statistic name")
	}
	switch name {
	case "mean":
		return movingstat.Mean, 0, 0, nil
	case "min":
		return movingstat.Quantile, 0, 1, nil
	case "max":
		return movingstat.Quantile, 1, 1, nil
	case "median":
		return movingstat.Quantile, 1, 2, nil
	case "quantile":
		if len(t) != 3 {
			return 0, 0, 0, fmt.Errorf(`"quantile" requires exactly k and q`)
		}
		k, err := toInt(t[1])
		if err != nil {
			return 0, 0, 0, fmt.Errorf("quantile k: %v", err)
		}
		q, err := toInt(t[2])
		if err != nil {
			return 0, 0, 0, fmt.Errorf("quantile q: %v", err)
		}
		return movingstat.Quantile, k, q, nil
	default:
		return 0, 0, 0, fmt.Errorf("unknown statistic %q", name)
	}
}

func toInt(v any) (int, error) {
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case float64:
		return int(n), nil
	default:
		return 0, fmt.Errorf("expected a number, got %T", v)
	}
}

func newMovingStat(opts map[string]any, logger *slog.Logger, _ *observability.Metrics) (pipeline.Filter, error) {
	var cfg movingstatConfig
	if err := decode("movingstat", movingstat.Schema, opts, &cfg); err != nil {
		return nil, err
	}
	stat, k, q, err := statFromType(cfg.Type)
	if err != nil {
		return nil, pipeline.NewUserError("movingstat: %v", err)
	}

	modOpts := movingstat.Options{
		History:   cfg.History,
		Warmup:    cfg.Warmup,
		Stat:      stat,
		QuantileK: k,
		QuantileQ: q,
	}
	if cfg.Inpainting != nil {
		modOpts.InpaintMin = cfg.Inpainting.Min
		modOpts.InpaintMax = cfg.Inpainting.Max
		modOpts.InpaintMaxDuration = cfg.Inpainting.MaxDuration
	}

	return movingstat.New("movingstat", modOpts, logger)
}

type alertkafkaConfig struct {
	FQID        string   `mapstructure:"fqid"`
	Name        string   `mapstructure:"name"`
	Min         *float64 `mapstructure:"min"`
	Max         *float64 `mapstructure:"max"`
	MinDuration *int64   `mapstructure:"minduration"`
	Method      string   `mapstructure:"method"`
	Brokers     []string `mapstructure:"brokers"`
	Topic       string   `mapstructure:"topic"`
	Disable     bool     `mapstructure:"disable"`
}

func newAlertKafka(opts map[string]any, logger *slog.Logger, metrics *observability.Metrics) (pipeline.Sink, error) {
	var cfg alertkafkaConfig
	if err := decode("alertkafka", alertkafka.Schema, opts, &cfg); err != nil {
		return nil, err
	}
	return alertkafka.New("alertkafka", alertkafka.Options{
		FQID:        cfg.FQID,
		Name:        cfg.Name,
		Min:         cfg.Min,
		Max:         cfg.Max,
		MinDuration: cfg.MinDuration,
		Method:      cfg.Method,
		Brokers:     cfg.Brokers,
		Topic:       cfg.Topic,
		Disable:     cfg.Disable,
	}, logger, metrics)
}
