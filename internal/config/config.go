package config

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/andreasstove999/cash-dispenser-go/internal/dispenser"
)

type Config struct {
	HTTPAddr      string
	DatabaseDSN   string
	RunMigrations bool
	RabbitURL     string

	ATMID            string
	LogLevel         string
	PublishEnveloped bool
	ShutdownTimeout  time.Duration

	// Cassettes is ordered by descending note value.
	Cassettes []dispenser.Denomination
}

var DefaultCassettes = []dispenser.Denomination{
	{NoteValue: 1000, Count: 10},
	{NoteValue: 500, Count: 10},
	{NoteValue: 100, Count: 10},
}

func Load() (Config, error) {
	cfg := Config{
		HTTPAddr:         env("HTTP_ADDR", ":8084"),
		DatabaseDSN:      os.Getenv("DATABASE_DSN"),
		RunMigrations:    envBool("RUN_MIGRATIONS", true),
		RabbitURL:        os.Getenv("RABBITMQ_URL"),
		ATMID:            env("ATM_ID", "atm-1"),
		LogLevel:         env("LOG_LEVEL", "info"),
		PublishEnveloped: envBool("PUBLISH_ENVELOPED_EVENTS", true),
		ShutdownTimeout:  parseDuration(env("SHUTDOWN_TIMEOUT", "10s"), 10*time.Second),
	}

	var (
		cassettes []dispenser.Denomination
		err       error
	)
	switch {
	case os.Getenv("CASSETTES_FILE") != "":
		cassettes, err = LoadCassettesFile(os.Getenv("CASSETTES_FILE"))
	case os.Getenv("CASSETTES") != "":
		cassettes, err = ParseCassettes(os.Getenv("CASSETTES"))
	default:
		cassettes = append([]dispenser.Denomination(nil), DefaultCassettes...)
	}
	if err != nil {
		return Config{}, err
	}
	cfg.Cassettes = cassettes

	return cfg, nil
}

type cassetteFile struct {
	Cassettes []dispenser.Denomination `yaml:"cassettes"`
}

// LoadCassettesFile reads a YAML file of the form
//
//	cassettes:
//	  - note: 1000
//	    count: 10
func LoadCassettesFile(path string) ([]dispenser.Denomination, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read cassettes file: %w", err)
	}

	var f cassetteFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse cassettes file %s: %w", path, err)
	}
	return normalize(f.Cassettes)
}

// ParseCassettes parses "1000:10,500:10,100:10".
func ParseCassettes(v string) ([]dispenser.Denomination, error) {
	var out []dispenser.Denomination
	for _, part := range strings.Split(v, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		note, count, ok := strings.Cut(part, ":")
		if !ok {
			return nil, fmt.Errorf("cassette %q: want note:count", part)
		}
		n, err := strconv.Atoi(strings.TrimSpace(note))
		if err != nil {
			return nil, fmt.Errorf("cassette %q: note: %w", part, err)
		}
		c, err := strconv.Atoi(strings.TrimSpace(count))
		if err != nil {
			return nil, fmt.Errorf("cassette %q: count: %w", part, err)
		}
		out = append(out, dispenser.Denomination{NoteValue: n, Count: c})
	}
	return normalize(out)
}

func normalize(cassettes []dispenser.Denomination) ([]dispenser.Denomination, error) {
	if len(cassettes) == 0 {
		return nil, fmt.Errorf("no cassettes configured")
	}

	out := append([]dispenser.Denomination(nil), cassettes...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].NoteValue > out[j].NoteValue })

	for i, c := range out {
		if c.NoteValue <= 0 {
			return nil, fmt.Errorf("cassette note must be positive, got %d", c.NoteValue)
		}
		if c.Count < 0 {
			return nil, fmt.Errorf("cassette %d: negative count %d", c.NoteValue, c.Count)
		}
		if i > 0 && out[i-1].NoteValue == c.NoteValue {
			return nil, fmt.Errorf("duplicate cassette note %d", c.NoteValue)
		}
	}
	return out, nil
}

func env(key, fallback string) string {
	if v := os.Getenv(key); strings.TrimSpace(v) != "" {
		return v
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func parseDuration(v string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
