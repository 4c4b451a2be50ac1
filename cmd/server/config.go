package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/neobase-ai/neobase-web-ui/internal/session"
	"gopkg.in/yaml.v3"
)

type config struct {
	Port      string          `yaml:"port"`
	APIURL    string          `yaml:"apiURL"`
	Token     string          `yaml:"token"`
	LogLevel  string          `yaml:"logLevel"`
	StorePath string          `yaml:"storePath"`
	Stream    streamConfig    `yaml:"stream"`
	Animation animationConfig `yaml:"animation"`
	Results   resultsConfig   `yaml:"results"`
	History   historyConfig   `yaml:"history"`
}

type streamConfig struct {
	// Grace is waited between closing a stream and opening the next one.
	Grace duration `yaml:"grace"`
	// Retry is waited before reconnecting a failed stream.
	Retry duration `yaml:"retry"`
}

type animationConfig struct {
	StepDelay        duration `yaml:"stepDelay"`
	WordDelay        duration `yaml:"wordDelay"`
	QueryWordDelay   duration `yaml:"queryWordDelay"`
	CancelWordDelay  duration `yaml:"cancelWordDelay"`
	CancelWordJitter duration `yaml:"cancelWordJitter"`
}

type resultsConfig struct {
	PageSize     int      `yaml:"pageSize"`
	QueryTimeout duration `yaml:"queryTimeout"`
}

type historyConfig struct {
	PageSize int `yaml:"pageSize"`
}

// duration is a time.Duration written in YAML as a string such as "50ms".
type duration time.Duration

func (d *duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = duration(parsed)
	return nil
}

func defaultConfig() config {
	return config{
		Port:     "8080",
		LogLevel: "info",
		Stream: streamConfig{
			Grace: duration(100 * time.Millisecond),
			Retry: duration(3 * time.Second),
		},
		Animation: animationConfig{
			StepDelay:        duration(500 * time.Millisecond),
			WordDelay:        duration(50 * time.Millisecond),
			QueryWordDelay:   duration(40 * time.Millisecond),
			CancelWordDelay:  duration(15 * time.Millisecond),
			CancelWordJitter: duration(15 * time.Millisecond),
		},
		Results: resultsConfig{
			PageSize:     25,
			QueryTimeout: duration(5 * time.Minute),
		},
		History: historyConfig{
			PageSize: 20,
		},
	}
}

// loadConfig reads the config file at path on top of the defaults. A missing file is not an error, the
// backend can be given through NEOBASE_API_URL and NEOBASE_TOKEN alone.
func loadConfig(path string) (config, error) {
	cfg := defaultConfig()

	f, err := os.Open(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return config{}, fmt.Errorf("error opening config file: %w", err)
	default:
		defer f.Close()
		if err := decodeConfig(f, &cfg); err != nil {
			return config{}, err
		}
	}

	if cfg.APIURL == "" {
		cfg.APIURL = os.Getenv("NEOBASE_API_URL")
	}
	if cfg.Token == "" {
		cfg.Token = os.Getenv("NEOBASE_TOKEN")
	}

	if err := cfg.validate(); err != nil {
		return config{}, err
	}
	return cfg, nil
}

func decodeConfig(r io.Reader, cfg *config) error {
	if err := yaml.NewDecoder(r).Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("error decoding config file: %w", err)
	}
	return nil
}

func (c config) validate() error {
	if c.APIURL == "" {
		return fmt.Errorf("apiURL is required")
	}
	if c.Port == "" {
		return fmt.Errorf("port is required")
	}
	if c.Results.PageSize <= 0 {
		return fmt.Errorf("results.pageSize must be positive")
	}
	if c.History.PageSize <= 0 {
		return fmt.Errorf("history.pageSize must be positive")
	}
	if c.Results.QueryTimeout <= 0 {
		return fmt.Errorf("results.queryTimeout must be positive")
	}
	if _, err := c.level(); err != nil {
		return err
	}
	return nil
}

func (c config) level() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("invalid logLevel %q: %w", c.LogLevel, err)
	}
	return level, nil
}

func (c config) session() session.Config {
	return session.Config{
		StepDelay:        time.Duration(c.Animation.StepDelay),
		WordDelay:        time.Duration(c.Animation.WordDelay),
		QueryWordDelay:   time.Duration(c.Animation.QueryWordDelay),
		CancelWordDelay:  time.Duration(c.Animation.CancelWordDelay),
		CancelWordJitter: time.Duration(c.Animation.CancelWordJitter),
		PageSize:         c.Results.PageSize,
		HistoryPageSize:  c.History.PageSize,
		QueryTimeout:     time.Duration(c.Results.QueryTimeout),
	}
}
