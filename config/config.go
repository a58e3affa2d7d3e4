// Package config loads the TOML settings shared by the codex commands.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pelletier/go-toml/v2"
	"github.com/poiesic/codex/ai"
	"github.com/poiesic/codex/graph"
	"github.com/poiesic/codex/reembed"
	"github.com/poiesic/codex/search"
)

// ErrInvalidConfig is returned when a loaded configuration fails validation.
var ErrInvalidConfig = errors.New("invalid configuration")

type StorageConfig struct {
	Path               string `toml:"path" validate:"required_without=InMemory"`
	InMemory           bool   `toml:"in_memory"`
	MaxConflictRetries int    `toml:"max_conflict_retries" validate:"gte=1"`
}

type AIConfig struct {
	Mock               bool   `toml:"mock"`
	EmbeddingHost      string `toml:"embedding_host" validate:"required_unless=Mock true"`
	ExtractorHost      string `toml:"extractor_host" validate:"required_unless=Mock true"`
	EmbeddingModel     string `toml:"embedding_model" validate:"required_unless=Mock true"`
	ExtractorModel     string `toml:"extractor_model" validate:"required_unless=Mock true"`
	APIToken           string `toml:"api_token"`
	MaxEntities        int    `toml:"max_entities" validate:"gte=1,lte=200"`
	EmbeddingCacheSize int    `toml:"embedding_cache_size" validate:"gte=0"`
}

type SearchConfig struct {
	RRFConstant         float64  `toml:"rrf_constant" validate:"gt=0"`
	CandidateMultiplier int      `toml:"candidate_multiplier" validate:"gte=1"`
	Budget              Duration `toml:"budget" validate:"gte=0"`
}

type GraphConfig struct {
	AnchorLimit     int      `toml:"anchor_limit" validate:"gte=1"`
	DefaultMaxHops  int      `toml:"default_max_hops" validate:"gte=1"`
	MaxFanout       int      `toml:"max_fanout" validate:"gte=0"`
	MaxExpansions   int      `toml:"max_expansions" validate:"gte=1"`
	BoostOverride   float64  `toml:"boost_override" validate:"gtfield=BoostDependency"`
	BoostDependency float64  `toml:"boost_dependency" validate:"gt=1"`
	PoolSize        int      `toml:"pool_size" validate:"gte=0"`
	Budget          Duration `toml:"budget" validate:"gte=0"`
}

type IngestConfig struct {
	PoolSize int `toml:"pool_size" validate:"gte=1"`
}

type ServerConfig struct {
	Addr         string   `toml:"addr" validate:"required"`
	ReadTimeout  Duration `toml:"read_timeout" validate:"gte=0"`
	WriteTimeout Duration `toml:"write_timeout" validate:"gte=0"`
	MaxBodyBytes int64    `toml:"max_body_bytes" validate:"gte=1024"`
}

type MaintenanceConfig struct {
	BatchSize      int      `toml:"batch_size" validate:"gte=1"`
	ReportInterval int      `toml:"report_interval" validate:"gte=1"`
	MaxRetries     int      `toml:"max_retries" validate:"gte=1"`
	RetryDelay     Duration `toml:"retry_delay" validate:"gte=0"`
}

// Config is the complete codex configuration.
type Config struct {
	LogLevel    string            `toml:"log_level" validate:"oneof=debug info warn error"`
	Storage     StorageConfig     `toml:"storage"`
	AI          AIConfig          `toml:"ai"`
	Search      SearchConfig      `toml:"search"`
	Graph       GraphConfig       `toml:"graph"`
	Ingest      IngestConfig      `toml:"ingest"`
	Server      ServerConfig      `toml:"server"`
	Maintenance MaintenanceConfig `toml:"maintenance"`
}

// Default returns the built-in configuration.
func Default() *Config {
	aiDefaults := ai.DefaultConfig()
	maint := reembed.DefaultConfig()
	return &Config{
		LogLevel: "info",
		Storage: StorageConfig{
			Path:               "codex.db",
			MaxConflictRetries: 16,
		},
		AI: AIConfig{
			EmbeddingHost:      aiDefaults.EmbeddingHost,
			ExtractorHost:      aiDefaults.ExtractorHost,
			EmbeddingModel:     aiDefaults.EmbeddingModel,
			ExtractorModel:     aiDefaults.ExtractorModel,
			APIToken:           aiDefaults.APIToken,
			MaxEntities:        aiDefaults.MaxEntities,
			EmbeddingCacheSize: aiDefaults.EmbeddingCacheSize,
		},
		Search: SearchConfig{
			RRFConstant:         search.DefaultRRFConstant,
			CandidateMultiplier: search.DefaultCandidateMultiplier,
			Budget:              Duration(search.DefaultBudget),
		},
		Graph: GraphConfig{
			AnchorLimit:     graph.DefaultAnchorLimit,
			DefaultMaxHops:  graph.DefaultMaxHops,
			MaxExpansions:   graph.DefaultMaxExpansions,
			BoostOverride:   graph.DefaultBoostOverride,
			BoostDependency: graph.DefaultBoostDependency,
			Budget:          Duration(graph.DefaultBudget),
		},
		Ingest: IngestConfig{
			PoolSize: 4,
		},
		Server: ServerConfig{
			Addr:         ":8080",
			ReadTimeout:  Duration(10 * time.Second),
			WriteTimeout: Duration(30 * time.Second),
			MaxBodyBytes: 8 << 20,
		},
		Maintenance: MaintenanceConfig{
			BatchSize:      maint.BatchSize,
			ReportInterval: maint.ReportInterval,
			MaxRetries:     maint.MaxRetries,
			RetryDelay:     Duration(maint.RetryDelay),
		},
	}
}

// Load reads a TOML file over the defaults and validates the result.
// Keys absent from the file keep their default values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file '%s': %w", path, err)
	}
	return Parse(data)
}

// Parse decodes TOML over the defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	decoder := toml.NewDecoder(bytes.NewReader(data)).DisallowUnknownFields()
	if err := decoder.Decode(cfg); err != nil {
		var strict *toml.StrictMissingError
		if errors.As(err, &strict) {
			return nil, fmt.Errorf("%w: %s", ErrInvalidConfig, strict.String())
		}
		return nil, fmt.Errorf("failed to parse TOML: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name, _, _ := strings.Cut(field.Tag.Get("toml"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Validate checks every field constraint and reports all violations at once.
func (c *Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return err
	}

	msgs := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		msgs = append(msgs, describe(fe))
	}
	return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(msgs, "; "))
}

func describe(fe validator.FieldError) string {
	field := strings.TrimPrefix(fe.Namespace(), "Config.")
	switch fe.Tag() {
	case "gtfield":
		return fmt.Sprintf("%s must be greater than %s", field, fe.Param())
	case "required", "required_without", "required_unless":
		return fmt.Sprintf("%s is required", field)
	case "oneof":
		return fmt.Sprintf("%s must be one of [%s]", field, fe.Param())
	default:
		return fmt.Sprintf("%s failed %s=%s (got %v)", field, fe.Tag(), fe.Param(), fe.Value())
	}
}

// AIConfig converts the AI section into provider settings.
func (c *Config) AIConfig() *ai.Config {
	return ai.NewConfig(
		ai.WithEmbeddingHost(c.AI.EmbeddingHost),
		ai.WithExtractorHost(c.AI.ExtractorHost),
		ai.WithEmbeddingModel(c.AI.EmbeddingModel),
		ai.WithExtractorModel(c.AI.ExtractorModel),
		ai.WithAPIToken(c.AI.APIToken),
		ai.WithMaxEntities(c.AI.MaxEntities),
		ai.WithEmbeddingCacheSize(c.AI.EmbeddingCacheSize),
	)
}

// RankerOptions converts the search section into ranker options.
func (c *Config) RankerOptions() []search.Option {
	return []search.Option{
		search.WithRRFConstant(c.Search.RRFConstant),
		search.WithCandidateMultiplier(c.Search.CandidateMultiplier),
		search.WithBudget(c.Search.Budget.Std()),
	}
}

// ExpanderOptions converts the graph section into expander options.
func (c *Config) ExpanderOptions() []graph.Option {
	opts := []graph.Option{
		graph.WithAnchorLimit(c.Graph.AnchorLimit),
		graph.WithDefaultMaxHops(c.Graph.DefaultMaxHops),
		graph.WithMaxFanout(c.Graph.MaxFanout),
		graph.WithMaxExpansions(c.Graph.MaxExpansions),
		graph.WithBoosts(c.Graph.BoostOverride, c.Graph.BoostDependency),
		graph.WithBudget(c.Graph.Budget.Std()),
	}
	if c.Graph.PoolSize > 0 {
		opts = append(opts, graph.WithPoolSize(c.Graph.PoolSize))
	}
	return opts
}

// ReembedConfig converts the maintenance section into job settings.
func (c *Config) ReembedConfig() *reembed.Config {
	return &reembed.Config{
		BatchSize:      c.Maintenance.BatchSize,
		ReportInterval: c.Maintenance.ReportInterval,
		MaxRetries:     c.Maintenance.MaxRetries,
		RetryDelay:     c.Maintenance.RetryDelay.Std(),
	}
}
