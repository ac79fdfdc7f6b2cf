package main

import (
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/pior/bloomd"
)

const (
	RotationSchema = "rotate" // zap sink schema for log files rotated by lumberjack

	_envPrefix = "BLOOMD"

	_defaultServer              = "localhost"
	_defaultTimeout             = 5 * time.Second
	_defaultLogLevel            = "WARN"
	_defaultLogRotateMaxSize    = 64
	_defaultLogRotateMaxAge     = 30
	_defaultLogRotateMaxBackups = 0
	_defaultLogRotateLocalTime  = false
	_defaultLogRotateCompress   = false
)

// Config is the configuration of the command line client.
// Sources, by precedence: flags, BLOOMD_* environment variables, config file, defaults.
type Config struct {
	Servers  []string
	Timeout  time.Duration
	Attempts int
	Log      Log
}

// Log configures the client logger. Logs go to stderr unless File is set.
type Log struct {
	Level  string
	File   string
	Rotate Rotate
}

// Rotate is the subset of lumberjack.Logger settings exposed to users.
type Rotate struct {
	MaxSize    int // megabytes
	MaxAge     int // days
	MaxBackups int
	LocalTime  bool
	Compress   bool
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.SetEnvPrefix(_envPrefix)
	v.AutomaticEnv()
	return v
}

func configure(v *viper.Viper, fs *pflag.FlagSet) {
	fs.StringSlice("servers", []string{_defaultServer}, "filter servers, each host or host:port")
	fs.Duration("timeout", _defaultTimeout, "timeout of each connect, write and read (0 disables it)")
	fs.Int("attempts", bloomd.DefaultAttempts, "tries per command on transient network faults")
	_ = v.BindPFlag("servers", fs.Lookup("servers"))
	_ = v.BindPFlag("timeout", fs.Lookup("timeout"))
	_ = v.BindPFlag("attempts", fs.Lookup("attempts"))

	fs.String("log-level", _defaultLogLevel, "the minimum enabled logging level")
	fs.String("log-file", "", "write logs to this file, rotated, instead of stderr")
	fs.Int("log-rotate-max-size", _defaultLogRotateMaxSize, "maximum size in megabytes of the log file before it gets rotated")
	fs.Int("log-rotate-max-age", _defaultLogRotateMaxAge, "maximum number of days to retain old log files")
	fs.Int("log-rotate-max-backups", _defaultLogRotateMaxBackups, "maximum number of old log files to retain, 0 retains all")
	fs.Bool("log-rotate-local-time", _defaultLogRotateLocalTime, "use local time instead of UTC in backup file names")
	fs.Bool("log-rotate-compress", _defaultLogRotateCompress, "gzip rotated log files")
	_ = v.BindPFlag("log.level", fs.Lookup("log-level"))
	_ = v.BindPFlag("log.file", fs.Lookup("log-file"))
	_ = v.BindPFlag("log.rotate.maxSize", fs.Lookup("log-rotate-max-size"))
	_ = v.BindPFlag("log.rotate.maxAge", fs.Lookup("log-rotate-max-age"))
	_ = v.BindPFlag("log.rotate.maxBackups", fs.Lookup("log-rotate-max-backups"))
	_ = v.BindPFlag("log.rotate.localTime", fs.Lookup("log-rotate-local-time"))
	_ = v.BindPFlag("log.rotate.compress", fs.Lookup("log-rotate-compress"))
}

// loadConfig reads the optional config file and merges every source into a Config.
func loadConfig(v *viper.Viper, configFile string) (*Config, error) {
	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrap(err, "read configuration file")
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, errors.Wrap(err, "unmarshal configuration")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the values the library would otherwise silently default.
func (c *Config) Validate() error {
	if len(c.Servers) == 0 {
		return errors.New("at least one server is required")
	}
	if c.Timeout < 0 {
		return errors.Errorf("invalid timeout %s", c.Timeout)
	}
	if c.Attempts < 1 {
		return errors.Errorf("invalid attempts %d", c.Attempts)
	}
	return nil
}

// Client creates the filter client described by the configuration.
func (c *Config) Client(logger *zap.Logger) (*bloomd.Client, error) {
	return bloomd.NewClient(c.Servers, bloomd.Config{
		Timeout:  c.Timeout,
		Attempts: c.Attempts,
		Logger:   logger,
	})
}

// Logger builds the zap logger described by the configuration.
func (l *Log) Logger() (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	zc.Encoding = "console"
	zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	zc.EncoderConfig.EncodeDuration = zapcore.StringDurationEncoder

	level, err := zapcore.ParseLevel(l.Level)
	if err != nil {
		return nil, errors.Wrap(err, "parse log level")
	}
	zc.Level = zap.NewAtomicLevelAt(level)

	if l.File != "" {
		if err := l.setupRotation(); err != nil {
			return nil, errors.Wrap(err, "setup rotation")
		}
		path, err := filepath.Abs(l.File)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid log file path `%s`", l.File)
		}
		zc.OutputPaths = []string{fmt.Sprintf("%s:%s", RotationSchema, path)}
		zc.ErrorOutputPaths = []string{"stderr"}
	}

	logger, err := zc.Build()
	if err != nil {
		return nil, errors.Wrap(err, "build logger")
	}
	return logger, nil
}

type rotation struct {
	lumberjack.Logger
}

// Sync implements zap.Sink. The remaining methods are implemented
// by the embedded *lumberjack.Logger.
func (*rotation) Sync() error {
	return nil
}

var (
	_rotationOnce sync.Once
	_rotationErr  error
)

// setupRotation registers the rotation sink. The schema is process wide, so the
// first configuration registered wins.
func (l *Log) setupRotation() error {
	rotate := l.Rotate
	_rotationOnce.Do(func() {
		_rotationErr = zap.RegisterSink(RotationSchema, func(u *url.URL) (zap.Sink, error) {
			return &rotation{lumberjack.Logger{
				Filename:   u.Path,
				MaxSize:    rotate.MaxSize,
				MaxAge:     rotate.MaxAge,
				MaxBackups: rotate.MaxBackups,
				LocalTime:  rotate.LocalTime,
				Compress:   rotate.Compress,
			}}, nil
		})
	})
	return errors.Wrap(_rotationErr, "register sink")
}
