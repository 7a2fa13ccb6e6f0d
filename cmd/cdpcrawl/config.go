package main

import (
	"bytes"
	"encoding/json"
	"time"

	"github.com/mstoykov/envconfig"
	"github.com/spf13/pflag"
	"gopkg.in/guregu/null.v3"
)

// NullDuration is a time.Duration that may be unset.
type NullDuration struct {
	time.Duration
	Valid bool
}

// NewNullDuration creates a NullDuration.
func NewNullDuration(d time.Duration, valid bool) NullDuration {
	return NullDuration{d, valid}
}

// NullDurationFrom returns a valid NullDuration.
func NullDurationFrom(d time.Duration) NullDuration {
	return NullDuration{d, true}
}

// UnmarshalText parses a duration such as "15s". An empty value is unset.
func (d *NullDuration) UnmarshalText(data []byte) error {
	if len(data) == 0 {
		*d = NullDuration{}
		return nil
	}
	v, err := time.ParseDuration(string(data))
	if err != nil {
		return err
	}
	*d = NullDurationFrom(v)
	return nil
}

// UnmarshalJSON accepts a duration string or null.
func (d *NullDuration) UnmarshalJSON(data []byte) error {
	if bytes.Equal(data, []byte(`null`)) {
		*d = NullDuration{}
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	return d.UnmarshalText([]byte(s))
}

// MarshalJSON encodes the duration as a string, or null when unset.
func (d NullDuration) MarshalJSON() ([]byte, error) {
	if !d.Valid {
		return []byte(`null`), nil
	}
	return json.Marshal(d.Duration.String())
}

// Config is the cdpcrawl configuration. Values are layered: defaults, then
// CDP_* environment variables, then command line flags.
type Config struct {
	DebuggerURL null.String  `json:"debuggerURL" envconfig:"CDP_DEBUGGER_URL"`
	Timeout     NullDuration `json:"timeout" envconfig:"CDP_TIMEOUT"`
	Linger      NullDuration `json:"linger" envconfig:"CDP_LINGER"`
	Expression  null.String  `json:"expression" envconfig:"CDP_EXPRESSION"`
	LogLevel    null.String  `json:"logLevel" envconfig:"CDP_LOG_LEVEL"`
	NoColor     null.Bool    `json:"noColor" envconfig:"CDP_NO_COLOR"`
}

// gaAnonymizeIPExpression reads the anonymizeIp field of the first
// analytics.js tracker.
const gaAnonymizeIPExpression = "ga.getAll()[0].get('anonymizeIp')"

// NewConfig returns the default configuration.
func NewConfig() Config {
	return Config{
		DebuggerURL: null.NewString("http://127.0.0.1:9222", false),
		Timeout:     NewNullDuration(15*time.Second, false),
		Linger:      NewNullDuration(10*time.Second, false),
		Expression:  null.NewString("document.title", false),
		LogLevel:    null.NewString("info", false),
		NoColor:     null.NewBool(false, false),
	}
}

// Apply returns c with every valid value of cfg applied over it.
func (c Config) Apply(cfg Config) Config {
	if cfg.DebuggerURL.Valid {
		c.DebuggerURL = cfg.DebuggerURL
	}
	if cfg.Timeout.Valid {
		c.Timeout = cfg.Timeout
	}
	if cfg.Linger.Valid {
		c.Linger = cfg.Linger
	}
	if cfg.Expression.Valid {
		c.Expression = cfg.Expression
	}
	if cfg.LogLevel.Valid {
		c.LogLevel = cfg.LogLevel
	}
	if cfg.NoColor.Valid {
		c.NoColor = cfg.NoColor
	}
	return c
}

func configFlagSet() *pflag.FlagSet {
	flags := pflag.NewFlagSet("", pflag.ContinueOnError)
	flags.SortFlags = false
	def := NewConfig()
	flags.String("debugger-url", def.DebuggerURL.String, "browser remote debugging `url`")
	flags.Duration("timeout", def.Timeout.Duration, "per-call timeout, also bounds the wait for the load event")
	flags.Duration("linger", def.Linger.Duration, "time to keep collecting requests after the page loaded")
	flags.String("expression", def.Expression.String, "JavaScript `expression` to evaluate once the page settled, such as "+gaAnonymizeIPExpression)
	flags.String("log-level", def.LogLevel.String, "log `level` (debug logs protocol traffic)")
	flags.Bool("no-color", def.NoColor.Bool, "disable colored output")
	return flags
}

func getNullString(flags *pflag.FlagSet, key string) null.String {
	v, err := flags.GetString(key)
	if err != nil {
		panic(err)
	}
	return null.NewString(v, flags.Changed(key))
}

func getNullBool(flags *pflag.FlagSet, key string) null.Bool {
	v, err := flags.GetBool(key)
	if err != nil {
		panic(err)
	}
	return null.NewBool(v, flags.Changed(key))
}

func getNullDuration(flags *pflag.FlagSet, key string) NullDuration {
	v, err := flags.GetDuration(key)
	if err != nil {
		panic(err)
	}
	return NewNullDuration(v, flags.Changed(key))
}

func configFromFlags(flags *pflag.FlagSet) Config {
	return Config{
		DebuggerURL: getNullString(flags, "debugger-url"),
		Timeout:     getNullDuration(flags, "timeout"),
		Linger:      getNullDuration(flags, "linger"),
		Expression:  getNullString(flags, "expression"),
		LogLevel:    getNullString(flags, "log-level"),
		NoColor:     getNullBool(flags, "no-color"),
	}
}

func configFromEnv(lookupEnv func(string) (string, bool)) (Config, error) {
	var conf Config
	if err := envconfig.Process("", &conf, lookupEnv); err != nil {
		return conf, err
	}
	return conf, nil
}

// getConsolidatedConfig layers the defaults, the environment and the
// flags, in that order.
func getConsolidatedConfig(flags *pflag.FlagSet, lookupEnv func(string) (string, bool)) (Config, error) {
	env, err := configFromEnv(lookupEnv)
	if err != nil {
		return Config{}, err
	}
	return NewConfig().Apply(env).Apply(configFromFlags(flags)), nil
}
