// This package defines a common config struct which can be used by any subsystem within the inbox.
package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

type Config struct {
	Debug                 bool
	RootDir               string
	LoggingPrefix         string
	TaskTimeout           time.Duration
	DecryptTimeout        time.Duration
	WrapperRecencySlackMs int64
	LegacyGroupsReadOnly  bool
	ReadReceipts          bool
	TypingIndicators      bool
	MaxMessageBodyChars   int
	MaxAttachments        int
	IncomingQueueSize     int
	NotifyFlushInterval   time.Duration
	CallOfferTTL          time.Duration
	CommunityClockSkew    time.Duration
	MaxDeferredAttempts   int
	writer                io.Writer
}

func (c Config) Logger(source string) *zap.SugaredLogger {
	var p string
	if source == "" {
		p = c.LoggingPrefix
	} else {
		p = fmt.Sprintf("%s:%s", c.LoggingPrefix, source)
	}

	level := zapcore.InfoLevel
	if c.Debug {
		level = zapcore.DebugLevel
	}
	opts := []zap.Option{
		zap.Fields(zap.String("source", p)),
	}

	de := zap.NewDevelopmentEncoderConfig()
	fileEncoder := zapcore.NewJSONEncoder(de)
	consoleEncoder := zapcore.NewConsoleEncoder(de)
	core := zapcore.NewTee(
		zapcore.NewCore(fileEncoder, zapcore.AddSync(c.writer), level),
		zapcore.NewCore(consoleEncoder, zapcore.AddSync(os.Stdout), level),
	)
	return zap.New(core, opts...).Sugar()
}

type Option func(*Config)

func WithDebug(d bool) Option {
	return func(c *Config) {
		c.Debug = d
	}
}

func WithRootDir(d string) Option {
	return func(c *Config) {
		c.RootDir = d
	}
}

func WithLoggingPrefix(p string) Option {
	return func(c *Config) {
		c.LoggingPrefix = p
	}
}

func WithTaskTimeout(d time.Duration) Option {
	return func(c *Config) {
		c.TaskTimeout = d
	}
}

func WithDecryptTimeout(d time.Duration) Option {
	return func(c *Config) {
		c.DecryptTimeout = d
	}
}

// WithWrapperRecencySlackMs sets how far before a config wrapper's last processed
// timestamp an incoming message may be and still count as newer than the wrapper.
func WithWrapperRecencySlackMs(n int64) Option {
	return func(c *Config) {
		c.WrapperRecencySlackMs = n
	}
}

// WithLegacyGroupsReadOnly makes legacy closed groups refuse new group creation.
func WithLegacyGroupsReadOnly(b bool) Option {
	return func(c *Config) {
		c.LegacyGroupsReadOnly = b
	}
}

func WithReadReceipts(b bool) Option {
	return func(c *Config) {
		c.ReadReceipts = b
	}
}

func WithTypingIndicators(b bool) Option {
	return func(c *Config) {
		c.TypingIndicators = b
	}
}

func WithMaxMessageBodyChars(n int) Option {
	return func(c *Config) {
		c.MaxMessageBodyChars = n
	}
}

func WithIncomingQueueSize(n int) Option {
	return func(c *Config) {
		c.IncomingQueueSize = n
	}
}

func WithNotifyFlushInterval(d time.Duration) Option {
	return func(c *Config) {
		c.NotifyFlushInterval = d
	}
}

func WithCallOfferTTL(d time.Duration) Option {
	return func(c *Config) {
		c.CallOfferTTL = d
	}
}

func WithMaxDeferredAttempts(n int) Option {
	return func(c *Config) {
		c.MaxDeferredAttempts = n
	}
}

func NewConfig(opts ...Option) *Config {
	c := &Config{
		Debug:                 os.Getenv("DEBUG") == "1",
		RootDir:               ".",
		LoggingPrefix:         "",
		TaskTimeout:           3 * time.Minute,
		DecryptTimeout:        time.Minute,
		WrapperRecencySlackMs: 2 * 60 * 1000,
		LegacyGroupsReadOnly:  false,
		ReadReceipts:          true,
		TypingIndicators:      true,
		MaxMessageBodyChars:   2000,
		MaxAttachments:        32,
		IncomingQueueSize:     100,
		NotifyFlushInterval:   200 * time.Millisecond,
		CallOfferTTL:          5 * time.Minute,
		CommunityClockSkew:    6 * time.Hour,
		MaxDeferredAttempts:   10,

		writer: nil,
	}
	for _, o := range opts {
		o(c)
	}

	writer := &lumberjack.Logger{
		Filename:   filepath.Join(c.RootDir, "out.log"),
		MaxSize:    500, // megabytes
		MaxBackups: 3,
		MaxAge:     28, // days
		Compress:   true,
	}
	c.writer = writer
	return c
}
