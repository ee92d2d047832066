package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
)

type Config struct {
	AppEnv   string
	LogLevel slog.Level
	Debug    bool

	Host     string
	Port     int
	HTTPAddr string

	// StaticDir is the absolute path of the directory holding the dashboard page.
	StaticDir string

	// JournalPath is the append-only JSONL file every stored reading goes to.
	JournalPath string

	// ArchiveEnabled turns on the SQLite reading archive and /api/readings.
	ArchiveEnabled        bool
	SQLiteDriver          string
	SQLiteDSN             string
	SQLitePath            string
	SQLiteMaxOpenConns    int
	SQLiteMaxIdleConns    int
	SQLiteConnMaxLifetime time.Duration

	MQTTEnabled  bool
	MQTTBroker   string
	MQTTPort     int
	MQTTClientID string
	MQTTTopic    string
}

// Load reads an optional .env file, then the environment, then applies
// command-line overrides from args (without the program name).
func Load(args []string) (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}
	cfg, err := LoadFromEnv()
	if err != nil {
		return Config{}, err
	}
	if err := cfg.applyFlags(args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func LoadFromEnv() (Config, error) {
	appEnv := strings.TrimSpace(os.Getenv("APP_ENV"))
	if appEnv == "" {
		appEnv = "dev"
	}
	switch appEnv {
	case "dev", "prod":
	default:
		return Config{}, fmt.Errorf("invalid APP_ENV %q (allowed: dev, prod)", appEnv)
	}

	debug, err := envBool("DEBUG", false)
	if err != nil {
		return Config{}, err
	}

	logLevelStr := strings.TrimSpace(os.Getenv("LOG_LEVEL"))
	if logLevelStr == "" {
		logLevelStr = "info"
	}
	level, err := parseLogLevel(logLevelStr)
	if err != nil {
		return Config{}, err
	}
	if debug {
		level = slog.LevelDebug
	}

	host := envString("HOST", "0.0.0.0")
	port, err := envInt("PORT", 5000)
	if err != nil {
		return Config{}, err
	}
	if port <= 0 || port > 65535 {
		return Config{}, fmt.Errorf("invalid PORT %d (allowed: 1-65535)", port)
	}
	httpAddr := strings.TrimSpace(os.Getenv("HTTP_ADDR"))
	if httpAddr == "" {
		httpAddr = net.JoinHostPort(host, strconv.Itoa(port))
	}

	staticDir, err := filepath.Abs(envString("STATIC_DIR", "static"))
	if err != nil {
		return Config{}, fmt.Errorf("STATIC_DIR %q: %w", os.Getenv("STATIC_DIR"), err)
	}

	archiveEnabled, err := envBool("ARCHIVE_ENABLED", false)
	if err != nil {
		return Config{}, err
	}
	maxOpenConns, err := envInt("DB_MAX_OPEN_CONNS", 1)
	if err != nil {
		return Config{}, err
	}
	maxIdleConns, err := envInt("DB_MAX_IDLE_CONNS", 1)
	if err != nil {
		return Config{}, err
	}
	connMaxLifetimeStr := envString("DB_CONN_MAX_LIFETIME", "0s")
	connMaxLifetime, err := time.ParseDuration(connMaxLifetimeStr)
	if err != nil {
		return Config{}, fmt.Errorf("invalid DB_CONN_MAX_LIFETIME %q: %w", connMaxLifetimeStr, err)
	}

	mqttEnabled, err := envBool("MQTT_ENABLED", false)
	if err != nil {
		return Config{}, err
	}
	mqttPort, err := envInt("MQTT_PORT", 1883)
	if err != nil {
		return Config{}, err
	}

	return Config{
		AppEnv:                appEnv,
		LogLevel:              level,
		Debug:                 debug,
		Host:                  host,
		Port:                  port,
		HTTPAddr:              httpAddr,
		StaticDir:             staticDir,
		JournalPath:           envString("JOURNAL_PATH", "telemetry_log.jsonl"),
		ArchiveEnabled:        archiveEnabled,
		SQLiteDriver:          envString("SQLITE_DRIVER", "sqlite3"),
		SQLiteDSN:             strings.TrimSpace(os.Getenv("SQLITE_DSN")),
		SQLitePath:            envString("SQLITE_PATH", "data/healthsense.db"),
		SQLiteMaxOpenConns:    maxOpenConns,
		SQLiteMaxIdleConns:    maxIdleConns,
		SQLiteConnMaxLifetime: connMaxLifetime,
		MQTTEnabled:           mqttEnabled,
		MQTTBroker:            envString("MQTT_BROKER", "localhost"),
		MQTTPort:              mqttPort,
		MQTTClientID:          envString("MQTT_CLIENT_ID", "healthsense-server"),
		MQTTTopic:             envString("MQTT_TOPIC", "healthsense/telemetry"),
	}, nil
}

// applyFlags overrides fields for every flag explicitly set in args.
func (c *Config) applyFlags(args []string) error {
	flags := pflag.NewFlagSet("healthsense-server", pflag.ContinueOnError)
	host := flags.String("host", c.Host, "interface to listen on")
	port := flags.IntP("port", "p", c.Port, "port to listen on")
	debug := flags.Bool("debug", c.Debug, "enable debug logging")
	journal := flags.String("journal", c.JournalPath, "path of the telemetry journal file")
	staticDir := flags.String("static-dir", c.StaticDir, "directory holding the dashboard page")
	if err := flags.Parse(args); err != nil {
		return err
	}

	if flags.Changed("host") || flags.Changed("port") {
		if *port <= 0 || *port > 65535 {
			return fmt.Errorf("invalid --port %d (allowed: 1-65535)", *port)
		}
		c.Host = *host
		c.Port = *port
		c.HTTPAddr = net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
	}
	if flags.Changed("debug") {
		c.Debug = *debug
		if c.Debug {
			c.LogLevel = slog.LevelDebug
		}
	}
	if flags.Changed("journal") {
		c.JournalPath = strings.TrimSpace(*journal)
	}
	if flags.Changed("static-dir") {
		abs, err := filepath.Abs(*staticDir)
		if err != nil {
			return fmt.Errorf("--static-dir %q: %w", *staticDir, err)
		}
		c.StaticDir = abs
	}
	return nil
}

func parseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid LOG_LEVEL %q (allowed: debug, info, warn, error)", s)
	}
}

func envString(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func envInt(key string, def int) (int, error) {
	s := strings.TrimSpace(os.Getenv(key))
	if s == "" {
		return def, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, s, err)
	}
	return n, nil
}

func envBool(key string, def bool) (bool, error) {
	s := strings.TrimSpace(os.Getenv(key))
	if s == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(s)
	if err != nil {
		return false, fmt.Errorf("invalid %s %q (expected true or false)", key, s)
	}
	return b, nil
}
