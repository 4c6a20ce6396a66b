package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/opd-ai/echomesh"
	"github.com/opd-ai/echomesh/handshake"
	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config is the merged configuration from file, environment and flags.
type Config struct {
	Host             string        `mapstructure:"host"`
	Port             uint16        `mapstructure:"port"`
	Seed             string        `mapstructure:"seed"`
	Seeds            []string      `mapstructure:"seeds"`
	Greeting         string        `mapstructure:"greeting"`
	Listen           string        `mapstructure:"listen"`
	Advertise        string        `mapstructure:"advertise"`
	Welcome          string        `mapstructure:"welcome"`
	DialTimeout      time.Duration `mapstructure:"dial_timeout"`
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"`
	WriteTimeout     time.Duration `mapstructure:"write_timeout"`
	Log              LogConfig     `mapstructure:"log"`
}

// LogConfig controls logrus output.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

var errHelp = errors.New("help requested")

func setConfigDefaults(v *viper.Viper) {
	v.SetDefault("host", echomesh.DefaultHost)
	v.SetDefault("port", echomesh.DefaultPort)
	v.SetDefault("greeting", handshake.GreetingText)
	v.SetDefault("listen", "")
	v.SetDefault("advertise", "")
	v.SetDefault("welcome", echomesh.DefaultWelcome)
	v.SetDefault("dial_timeout", "10s")
	v.SetDefault("handshake_timeout", "15s")
	v.SetDefault("write_timeout", "5s")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.file", "")
}

func newFlagSet(command string) *pflag.FlagSet {
	fs := pflag.NewFlagSet(command, pflag.ContinueOnError)
	fs.String("config", "", "Path to config file")
	fs.Uint16("port", echomesh.DefaultPort, "Listener port")
	fs.Duration("handshake-timeout", 15*time.Second, "Time allowed for the handshake")
	fs.Duration("write-timeout", 5*time.Second, "Time allowed for one line write")
	fs.String("log-level", "info", "Log level (debug, info, warn, error)")
	fs.String("log-format", "text", "Log format (text, json)")
	fs.String("log-file", "", "Log file path (default: stderr)")

	switch command {
	case "connect":
		fs.String("host", echomesh.DefaultHost, "Listener address")
		fs.String("seed", "", "Shared seed (prompted when empty)")
		fs.Duration("dial-timeout", 10*time.Second, "Time allowed to connect")
		fs.String("greeting", handshake.GreetingText, "Plaintext greeting sent before the challenge")
	case "listen":
		fs.StringSlice("seed", nil, "Accepted shared seed, repeatable (prompted when empty)")
		fs.String("listen", "", "Bind address (default: all interfaces)")
		fs.String("advertise", "", "Address to tag messages with (default: local address)")
		fs.String("welcome", echomesh.DefaultWelcome, "Plaintext welcome sent to each peer")
	}
	return fs
}

var flagKeys = map[string]string{
	"host":              "host",
	"port":              "port",
	"greeting":          "greeting",
	"listen":            "listen",
	"advertise":         "advertise",
	"welcome":           "welcome",
	"dial-timeout":      "dial_timeout",
	"handshake-timeout": "handshake_timeout",
	"write-timeout":     "write_timeout",
	"log-level":         "log.level",
	"log-format":        "log.format",
	"log-file":          "log.file",
}

func bindFlags(v *viper.Viper, fs *pflag.FlagSet, command string) error {
	for name, key := range flagKeys {
		if f := fs.Lookup(name); f != nil {
			if err := v.BindPFlag(key, f); err != nil {
				return err
			}
		}
	}

	seedKey := "seed"
	if command == "listen" {
		seedKey = "seeds"
	}
	return v.BindPFlag(seedKey, fs.Lookup("seed"))
}

// loadConfig merges echomesh.yaml, ECHOMESH_* variables and flags, in
// increasing order of precedence.
func loadConfig(command string, args []string) (*Config, error) {
	v := viper.New()

	v.SetConfigName("echomesh")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("$HOME/.echomesh")

	v.SetEnvPrefix("ECHOMESH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setConfigDefaults(v)

	fs := newFlagSet(command)
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil, errHelp
		}
		return nil, err
	}
	if err := bindFlags(v, fs, command); err != nil {
		return nil, fmt.Errorf("bind flags: %w", err)
	}
	if path, _ := fs.GetString("config"); path != "" {
		v.SetConfigFile(path)
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		logrus.WithField("function", "loadConfig").Debug("No config file found, using defaults and environment")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &cfg, nil
}

func validateConfig(command string, cfg *Config) error {
	if cfg.Port == 0 {
		return fmt.Errorf("invalid port: must be between 1 and 65535")
	}
	if command == "connect" && cfg.Host == "" {
		return fmt.Errorf("host cannot be empty")
	}
	if command == "connect" && cfg.Greeting == "" {
		return fmt.Errorf("greeting cannot be empty")
	}
	if cfg.DialTimeout < 0 || cfg.HandshakeTimeout < 0 || cfg.WriteTimeout < 0 {
		return fmt.Errorf("timeouts cannot be negative")
	}
	switch cfg.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("unknown log format %q", cfg.Log.Format)
	}
	return nil
}

// setupLogging applies the log config to the standard logrus logger. The
// returned closer releases the log file, if any.
func setupLogging(cfg LogConfig) (io.Closer, error) {
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	logrus.SetLevel(level)

	if cfg.Format == "json" {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	if cfg.File == "" {
		logrus.SetOutput(os.Stderr)
		return nopCloser{}, nil
	}

	f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	logrus.SetOutput(f)
	return f, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

func (c *Config) sessionOptions() *echomesh.Options {
	opts := echomesh.NewOptions()
	opts.Seed = c.Seed
	opts.Host = c.Host
	opts.Port = c.Port
	if c.Greeting != "" {
		opts.Greeting = c.Greeting
	}
	opts.DialTimeout = c.DialTimeout
	opts.HandshakeTimeout = c.HandshakeTimeout
	opts.WriteTimeout = c.WriteTimeout
	return opts
}

func (c *Config) serverOptions() *echomesh.ServerOptions {
	opts := echomesh.NewServerOptions()
	opts.Seeds = c.Seeds
	opts.ListenHost = c.Listen
	opts.Port = c.Port
	opts.AdvertiseAddr = c.Advertise
	opts.Welcome = c.Welcome
	opts.HandshakeTimeout = c.HandshakeTimeout
	opts.WriteTimeout = c.WriteTimeout
	return opts
}
