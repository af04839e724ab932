package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/dustin/go-humanize"
	"github.com/joho/godotenv"

	silentsupply "github.com/silentsupply/silentsupply/sdk/golang"
)

const requestTimeout = 15 * time.Second

// envOverrides are read from the process environment, after an optional
// .env file in the working directory has been loaded into it.
type envOverrides struct {
	BaseURL  string `env:"SILENTSUPPLY_BASE_URL"`
	Token    string `env:"SILENTSUPPLY_TOKEN"`
	LogLevel string `env:"SILENTSUPPLY_LOG_LEVEL"`
}

// settings is the effective configuration: flags over environment over the
// config file.
type settings struct {
	cfg      *Config
	baseURL  string
	token    string
	logLevel slog.Level
}

func loadSettings() (*settings, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("cannot load .env: %w", err)
	}
	ov, err := env.ParseAs[envOverrides]()
	if err != nil {
		return nil, fmt.Errorf("invalid environment: %w", err)
	}

	level, err := parseLevel(firstNonEmpty(flagLogLevel, ov.LogLevel, cfg.Default.LogLevel))
	if err != nil {
		return nil, err
	}
	return &settings{
		cfg:      cfg,
		baseURL:  firstNonEmpty(flagBaseURL, ov.BaseURL, cfg.Default.BaseURL),
		token:    firstNonEmpty(ov.Token, cfg.Auth.Token),
		logLevel: level,
	}, nil
}

// parseLevel accepts slog level names. Empty means warn.
func parseLevel(s string) (slog.Level, error) {
	if s == "" {
		return slog.LevelWarn, nil
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("invalid log level %q (valid: debug, info, warn, error)", s)
	}
	return level, nil
}

func (s *settings) logger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: s.logLevel}))
}

// client builds an API client. With authenticated set it fails unless a
// usable token is configured.
func (s *settings) client(authenticated bool) (*silentsupply.Client, error) {
	opts := []silentsupply.ClientOption{silentsupply.WithLogger(s.logger())}
	if s.baseURL != "" {
		opts = append(opts, silentsupply.WithBaseURL(s.baseURL))
	}
	if s.token != "" {
		opts = append(opts, silentsupply.WithToken(s.token))
	}
	client := silentsupply.NewClient(opts...)

	if authenticated {
		if !client.Session().Authenticated() {
			return nil, errors.New("not logged in. Run 'silentsupply login <email>' first")
		}
		if client.Session().Expired() {
			return nil, errors.New("session expired. Run 'silentsupply login <email>' again")
		}
	}
	return client, nil
}

// authedClient is the common prologue of commands that call the API.
func authedClient() (*silentsupply.Client, error) {
	s, err := loadSettings()
	if err != nil {
		return nil, err
	}
	return s.client(true)
}

func requestContext(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, requestTimeout)
}

func parseID(s, what string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid %s id %q", what, s)
	}
	return id, nil
}

// relTime renders a server timestamp relative to now.
func relTime(ts string) string {
	t := silentsupply.ParseTimestamp(ts)
	if t.IsZero() {
		return ts
	}
	return humanize.Time(t)
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode output: %w", err)
	}
	fmt.Println(string(data))
	return nil
}

func printMessage(m silentsupply.Message) {
	fmt.Printf("[%s] %s: %s\n", relTime(m.CreatedAt), valueOrDefault(m.SenderCompanyName, "#"+strconv.FormatInt(m.SenderCompanyID, 10)), m.Content)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
