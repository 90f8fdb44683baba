package config

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Runtime holds server process settings read from the environment.
type Runtime struct {
	Addr             string        `env:"CONTROLROOM_ADDR" envDefault:"127.0.0.1:8080"`
	BasePath         string        `env:"CONTROLROOM_BASE_PATH" envDefault:"/v0"`
	JWTSecret        string        `env:"CONTROLROOM_JWT_SECRET"`
	AllowActorHeader bool          `env:"CONTROLROOM_ALLOW_ACTOR_HEADER" envDefault:"false"`
	BudgetPoll       time.Duration `env:"CONTROLROOM_BUDGET_POLL" envDefault:"5s"`
	WebhookInterval  time.Duration `env:"CONTROLROOM_WEBHOOK_INTERVAL" envDefault:"2s"`
	RunnerTimeout    time.Duration `env:"CONTROLROOM_RUNNER_CONNECT_TIMEOUT" envDefault:"10s"`
	LogLevel         string        `env:"CONTROLROOM_LOG_LEVEL" envDefault:"info"`
	LogFormat        string        `env:"CONTROLROOM_LOG_FORMAT" envDefault:"text"`
}

// LoadRuntime parses Runtime from the process environment.
func LoadRuntime() (Runtime, error) {
	return ParseRuntime(nil)
}

// ParseRuntime parses Runtime from the given variables, or from the process
// environment when environ is nil.
func ParseRuntime(environ map[string]string) (Runtime, error) {
	var rt Runtime
	opts := env.Options{}
	if environ != nil {
		opts.Environment = environ
	}
	if err := env.ParseWithOptions(&rt, opts); err != nil {
		return Runtime{}, fmt.Errorf("parse environment: %w", err)
	}
	if rt.BudgetPoll <= 0 {
		return Runtime{}, fmt.Errorf("CONTROLROOM_BUDGET_POLL must be positive")
	}
	if rt.WebhookInterval <= 0 {
		return Runtime{}, fmt.Errorf("CONTROLROOM_WEBHOOK_INTERVAL must be positive")
	}
	switch rt.LogFormat {
	case "text", "json":
	default:
		return Runtime{}, fmt.Errorf("CONTROLROOM_LOG_FORMAT must be text or json")
	}
	return rt, nil
}

// Logger builds the process logger from LogLevel and LogFormat.
func (rt Runtime) Logger(w io.Writer) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(rt.LogLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if rt.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
