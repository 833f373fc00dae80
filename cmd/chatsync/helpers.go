package main

import (
	"errors"
	"fmt"
	"os"
	"strings"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/Prismer-AI/chatsync"
)

var codec = jsoniter.ConfigCompatibleWithStandardLibrary

// env bundles what every networked command needs.
type env struct {
	cfg     *Config
	log     *zap.Logger
	gateway *chatsync.HTTPGateway
}

// loadEnv reads the config and builds the logger and gateway.
func loadEnv() (*env, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.Default.BaseURL == "" || cfg.Auth.Token == "" || cfg.Auth.UserID == "" {
		return nil, errors.New("not configured: run 'chatsync init <base-url> <user-id> <token>' first")
	}
	log, err := newLogger(cfg.Log.Level)
	if err != nil {
		return nil, err
	}
	gw := chatsync.NewHTTPGateway(cfg.Default.BaseURL, cfg.Auth.Token, chatsync.WithGatewayLogger(log))
	return &env{cfg: cfg, log: log, gateway: gw}, nil
}

func (e *env) session() *chatsync.Session {
	name := e.cfg.Auth.UserName
	if name == "" {
		name = e.cfg.Auth.UserID
	}
	return chatsync.NewSession(e.gateway, e.cfg.Auth.UserID, name, &chatsync.Options{Logger: e.log})
}

func (e *env) close() {
	_ = e.log.Sync()
}

func parseLevel(level string) (zapcore.Level, error) {
	if level == "" {
		return zapcore.WarnLevel, nil
	}
	l, err := zapcore.ParseLevel(strings.ToLower(level))
	if err != nil {
		return 0, fmt.Errorf("invalid log level %q (valid: debug, info, warn, error)", level)
	}
	return l, nil
}

// newLogger writes human-readable logs at debug level and JSON otherwise,
// always to stderr so stdout stays machine-readable.
func newLogger(level string) (*zap.Logger, error) {
	l, err := parseLevel(level)
	if err != nil {
		return nil, err
	}
	var cfg zap.Config
	if l == zapcore.DebugLevel {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
		cfg.Level = zap.NewAtomicLevelAt(l)
	}
	cfg.OutputPaths = []string{"stderr"}
	cfg.ErrorOutputPaths = []string{"stderr"}
	return cfg.Build()
}

func printJSON(v any) error {
	data, err := codec.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode output: %w", err)
	}
	fmt.Fprintln(os.Stdout, string(data))
	return nil
}

// maskKey shows the first 6 and last 4 characters of a secret.
func maskKey(key string) string {
	if len(key) <= 12 {
		return strings.Repeat("*", len(key))
	}
	return key[:6] + "..." + key[len(key)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}

func statusLabel(e chatsync.Entry) string {
	if e.Status == chatsync.StatusFailed && e.FailureReason != "" {
		return "failed: " + e.FailureReason
	}
	return e.Status.String()
}
