package cli

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/mark3labs/oas2mcp/internal/engine"
	"github.com/mark3labs/oas2mcp/internal/transport"
)

var errUnknownField = errors.New("unknown field")

// bearerTokenEnv is consulted when no bearer token is configured.
const bearerTokenEnv = "OAS2MCP_BEARER_TOKEN"

// Config captures every input of serve, call and routes after merging
// defaults, config file values, and CLI overrides.
type Config struct {
	Input       string
	BaseURL     string
	Timeout     time.Duration
	RateLimit   float64
	RateBurst   int
	Headers     map[string]string
	BearerToken string
	Strategy    engine.Strategy
	Strategies  map[string]engine.Strategy
	IncludeTags []string
	ExcludeTags []string
	Strict      bool
	Watch       bool
	Resources   bool
	MetricsAddr string
	ConfigPath  string
	Verbose     bool
}

func defaultConfig() Config {
	return Config{
		Timeout:  transport.DefaultTimeout,
		Strategy: engine.StrategyManual,
	}
}

// addInputFlags registers the flags every spec-consuming command shares.
func addInputFlags(flags *pflag.FlagSet) {
	flags.String("input", "", "Path or URL to the Swagger/OpenAPI document")
	flags.String("base-url", "", "Upstream base URL (defaults to the first server in the spec)")
	flags.StringSlice("include-tags", nil, "Only include operations with these tags")
	flags.StringSlice("exclude-tags", nil, "Exclude operations with these tags")
}

// addInvokeFlags registers the flags of commands that send requests.
func addInvokeFlags(flags *pflag.FlagSet) {
	flags.Duration("timeout", 0, "Per-request timeout (e.g. 10s)")
	flags.Float64("rate-limit", 0, "Maximum requests per second to the upstream (0 disables)")
	flags.Int("rate-burst", 0, "Burst size for --rate-limit")
	flags.StringToString("header", nil, "Static header sent with every request (Name=value)")
	flags.String("bearer-token", "", "Bearer token for the Authorization header (or "+bearerTokenEnv+")")
	flags.String("strategy", "", "Request building strategy (manual|compiled)")
	flags.Bool("strict", false, "Validate arguments against the tool input schema before sending")
}

func resolveConfig(cmd *cobra.Command) (*Config, error) {
	cfg := defaultConfig()

	configPath, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, err
	}
	configPath = strings.TrimSpace(configPath)
	if configPath != "" {
		cfg.ConfigPath = configPath
		if err := applyConfigFromFile(&cfg, configPath); err != nil {
			return nil, err
		}
	}

	if err := applyFlagOverrides(cmd.Flags(), &cfg); err != nil {
		return nil, err
	}

	cfg.normalize()
	if err := cfg.validate(cmd.Name()); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyFlagOverrides(flags *pflag.FlagSet, cfg *Config) error {
	var err error
	str := func(name string, dst *string) {
		if err == nil && flags.Changed(name) {
			var v string
			v, err = flags.GetString(name)
			*dst = strings.TrimSpace(v)
		}
	}
	boolean := func(name string, dst *bool) {
		if err == nil && flags.Changed(name) {
			*dst, err = flags.GetBool(name)
		}
	}
	tags := func(name string, dst *[]string) {
		if err == nil && flags.Changed(name) {
			var v []string
			v, err = flags.GetStringSlice(name)
			*dst = sanitizeTags(v)
		}
	}

	str("input", &cfg.Input)
	str("base-url", &cfg.BaseURL)
	str("bearer-token", &cfg.BearerToken)
	str("metrics-addr", &cfg.MetricsAddr)
	tags("include-tags", &cfg.IncludeTags)
	tags("exclude-tags", &cfg.ExcludeTags)
	boolean("strict", &cfg.Strict)
	boolean("watch", &cfg.Watch)
	boolean("resources", &cfg.Resources)
	boolean("verbose", &cfg.Verbose)
	if err != nil {
		return err
	}

	if flags.Changed("timeout") {
		if cfg.Timeout, err = flags.GetDuration("timeout"); err != nil {
			return err
		}
	}
	if flags.Changed("rate-limit") {
		if cfg.RateLimit, err = flags.GetFloat64("rate-limit"); err != nil {
			return err
		}
	}
	if flags.Changed("rate-burst") {
		if cfg.RateBurst, err = flags.GetInt("rate-burst"); err != nil {
			return err
		}
	}
	if flags.Changed("header") {
		h, err := flags.GetStringToString("header")
		if err != nil {
			return err
		}
		if cfg.Headers == nil {
			cfg.Headers = map[string]string{}
		}
		for k, v := range h {
			cfg.Headers[k] = v
		}
	}
	if flags.Changed("strategy") {
		v, err := flags.GetString("strategy")
		if err != nil {
			return err
		}
		s, err := engine.ParseStrategy(v)
		if err != nil {
			return newUsageError(err.Error())
		}
		cfg.Strategy = s
	}
	return nil
}

func (c *Config) normalize() {
	c.Input = strings.TrimSpace(c.Input)
	c.BaseURL = strings.TrimSpace(c.BaseURL)
	c.MetricsAddr = strings.TrimSpace(c.MetricsAddr)
	c.IncludeTags = sanitizeTags(c.IncludeTags)
	c.ExcludeTags = sanitizeTags(c.ExcludeTags)
	if c.BearerToken == "" {
		c.BearerToken = strings.TrimSpace(os.Getenv(bearerTokenEnv))
	}
	if c.Strategy == "" {
		c.Strategy = engine.StrategyManual
	}
}

func (c *Config) validate(command string) error {
	if c.Input == "" {
		return newUsageError(fmt.Sprintf("%s: --input is required (set via flag or config file)", command))
	}
	if overlap := intersect(c.IncludeTags, c.ExcludeTags); len(overlap) > 0 {
		return newUsageError(fmt.Sprintf("%s: include/exclude tags overlap: %s", command, strings.Join(overlap, ", ")))
	}
	if c.Timeout < 0 {
		return newUsageError(fmt.Sprintf("%s: timeout must not be negative", command))
	}
	if c.RateLimit < 0 || c.RateBurst < 0 {
		return newUsageError(fmt.Sprintf("%s: rate limit and burst must not be negative", command))
	}
	if c.Watch && (strings.HasPrefix(c.Input, "http://") || strings.HasPrefix(c.Input, "https://")) {
		return newUsageError(fmt.Sprintf("%s: --watch needs a local spec file", command))
	}
	return nil
}

func applyConfigFromFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return newUsageError(fmt.Sprintf("read config file %q: %v", path, err))
	}

	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return newUsageError(fmt.Sprintf("parse config file %q: %v", path, err))
	}

	for key, value := range raw {
		if err := applyConfigField(cfg, normalizeKey(key), value); err != nil {
			if errors.Is(err, errUnknownField) {
				return newUsageError(fmt.Sprintf("config file %q: unknown field %q", path, key))
			}
			return newUsageError(fmt.Sprintf("config field %q: %v", key, err))
		}
	}
	return nil
}

func applyConfigField(cfg *Config, key string, value any) (err error) {
	switch key {
	case "input":
		cfg.Input, err = valueAsString(value)
	case "baseurl":
		cfg.BaseURL, err = valueAsString(value)
	case "timeout":
		cfg.Timeout, err = valueAsDuration(value)
	case "ratelimit":
		cfg.RateLimit, err = valueAsFloat(value)
	case "rateburst":
		var f float64
		f, err = valueAsFloat(value)
		cfg.RateBurst = int(f)
	case "headers":
		cfg.Headers, err = valueAsStringMap(value)
	case "bearertoken":
		cfg.BearerToken, err = valueAsString(value)
	case "strategy":
		var s string
		if s, err = valueAsString(value); err == nil && s != "" {
			cfg.Strategy, err = engine.ParseStrategy(s)
		}
	case "strategies":
		var m map[string]string
		if m, err = valueAsStringMap(value); err != nil {
			return err
		}
		cfg.Strategies = make(map[string]engine.Strategy, len(m))
		for op, s := range m {
			parsed, perr := engine.ParseStrategy(s)
			if perr != nil {
				return fmt.Errorf("operation %s: %w", op, perr)
			}
			cfg.Strategies[op] = parsed
		}
	case "includetags":
		var list []string
		list, err = valueAsStringSlice(value)
		cfg.IncludeTags = sanitizeTags(list)
	case "excludetags":
		var list []string
		list, err = valueAsStringSlice(value)
		cfg.ExcludeTags = sanitizeTags(list)
	case "strict":
		cfg.Strict, err = valueAsBool(value)
	case "watch":
		cfg.Watch, err = valueAsBool(value)
	case "resources":
		cfg.Resources, err = valueAsBool(value)
	case "metricsaddr":
		cfg.MetricsAddr, err = valueAsString(value)
	case "verbose":
		cfg.Verbose, err = valueAsBool(value)
	default:
		return errUnknownField
	}
	return err
}

func normalizeKey(raw string) string {
	lowered := strings.ToLower(strings.TrimSpace(raw))
	lowered = strings.ReplaceAll(lowered, "-", "")
	lowered = strings.ReplaceAll(lowered, "_", "")
	return lowered
}

func valueAsString(v any) (string, error) {
	switch val := v.(type) {
	case string:
		return strings.TrimSpace(val), nil
	case nil:
		return "", nil
	default:
		return "", fmt.Errorf("expected string, got %T", v)
	}
}

func valueAsStringSlice(v any) ([]string, error) {
	switch val := v.(type) {
	case nil:
		return nil, nil
	case string:
		if strings.TrimSpace(val) == "" {
			return nil, nil
		}
		return splitAndTrim(val), nil
	case []any:
		items := make([]string, 0, len(val))
		for idx, elem := range val {
			str, err := valueAsString(elem)
			if err != nil {
				return nil, fmt.Errorf("element %d: %w", idx, err)
			}
			if str != "" {
				items = append(items, str)
			}
		}
		return items, nil
	default:
		return nil, fmt.Errorf("expected string or list, got %T", v)
	}
}

func valueAsStringMap(v any) (map[string]string, error) {
	switch val := v.(type) {
	case nil:
		return nil, nil
	case map[string]any:
		out := make(map[string]string, len(val))
		for k, elem := range val {
			switch e := elem.(type) {
			case string:
				out[k] = e
			case int, float64, bool:
				out[k] = fmt.Sprint(e)
			default:
				return nil, fmt.Errorf("key %s: expected scalar, got %T", k, elem)
			}
		}
		return out, nil
	default:
		return nil, fmt.Errorf("expected mapping, got %T", v)
	}
}

func valueAsBool(v any) (bool, error) {
	switch val := v.(type) {
	case bool:
		return val, nil
	case string:
		trimmed := strings.ToLower(strings.TrimSpace(val))
		switch trimmed {
		case "true", "t", "1", "yes", "y":
			return true, nil
		case "false", "f", "0", "no", "n":
			return false, nil
		case "":
			return false, nil
		default:
			return false, fmt.Errorf("invalid boolean value %q", val)
		}
	case nil:
		return false, nil
	default:
		return false, fmt.Errorf("expected boolean, got %T", v)
	}
}

func valueAsFloat(v any) (float64, error) {
	switch val := v.(type) {
	case int:
		return float64(val), nil
	case float64:
		return val, nil
	case string:
		if strings.TrimSpace(val) == "" {
			return 0, nil
		}
		f, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
		if err != nil {
			return 0, fmt.Errorf("invalid number %q", val)
		}
		return f, nil
	case nil:
		return 0, nil
	default:
		return 0, fmt.Errorf("expected number, got %T", v)
	}
}

// valueAsDuration accepts Go duration strings or a number of seconds.
func valueAsDuration(v any) (time.Duration, error) {
	switch val := v.(type) {
	case string:
		if strings.TrimSpace(val) == "" {
			return 0, nil
		}
		d, err := time.ParseDuration(strings.TrimSpace(val))
		if err != nil {
			return 0, fmt.Errorf("invalid duration %q", val)
		}
		return d, nil
	case int:
		return time.Duration(val) * time.Second, nil
	case float64:
		return time.Duration(val * float64(time.Second)), nil
	case nil:
		return 0, nil
	default:
		return 0, fmt.Errorf("expected duration, got %T", v)
	}
}

func splitAndTrim(csv string) []string {
	parts := strings.Split(csv, ",")
	cleaned := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			cleaned = append(cleaned, trimmed)
		}
	}
	return cleaned
}

func sanitizeTags(tags []string) []string {
	if len(tags) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(tags))
	result := make([]string, 0, len(tags))
	for _, tag := range tags {
		trimmed := strings.TrimSpace(tag)
		if trimmed == "" {
			continue
		}
		if _, exists := seen[trimmed]; exists {
			continue
		}
		seen[trimmed] = struct{}{}
		result = append(result, trimmed)
	}
	if len(result) == 0 {
		return nil
	}
	return result
}

func intersect(a, b []string) []string {
	if len(a) == 0 || len(b) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(a))
	for _, item := range a {
		set[item] = struct{}{}
	}
	var result []string
	for _, item := range b {
		if _, ok := set[item]; ok {
			result = append(result, item)
		}
	}
	return result
}
