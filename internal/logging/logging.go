// Package logging builds the logrus entry shared by the classifier bot.
//
// Every entry carries service and env. Components derive per-event loggers
// with Enrich, which adds the Telegram user and chat ids and the trace id the
// router assigns to each handled event, so one conversation step can be
// followed across the transport, router and store logs. Password text, image
// bytes and credential hashes are masked by a hook regardless of which
// component sets them.
package logging

import (
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"tg_classifier_bot/internal/config"
)

const serviceName = "tg-classifier-bot"

var baseLogger *logrus.Entry

// Context names the conversation an entry belongs to. Zero fields are skipped.
type Context struct {
	UserID  int64
	ChatID  int64
	TraceID string
	Event   string
}

// Fields is a shorthand alias for structured log fields.
type Fields = logrus.Fields

// Setup replaces the shared logger with one built from LOG_LEVEL and APP_ENV.
// Development gets readable text output, everything else JSON.
func Setup(cfg config.Config) (*logrus.Entry, error) {
	level, err := parseLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}

	baseLogger = newBase(level, cfg.AppEnv)
	return baseLogger, nil
}

// Logger returns the shared entry. Before Setup it is an info level JSON
// logger, so configuration errors at boot are still reported.
func Logger() *logrus.Entry {
	if baseLogger == nil {
		baseLogger = newBase(logrus.InfoLevel, config.DefaultAppEnv)
	}
	return baseLogger
}

// Enrich attaches the non-zero fields of ctx to entry. A nil entry falls back
// to Logger.
func Enrich(entry *logrus.Entry, ctx Context) *logrus.Entry {
	if entry == nil {
		entry = Logger()
	}
	fields := logrus.Fields{}

	if ctx.UserID != 0 {
		fields["user_id"] = ctx.UserID
	}
	if ctx.ChatID != 0 {
		fields["chat_id"] = ctx.ChatID
	}
	if id := strings.TrimSpace(ctx.TraceID); id != "" {
		fields["trace_id"] = id
	}
	if ev := strings.TrimSpace(ctx.Event); ev != "" {
		fields["event"] = ev
	}

	if len(fields) == 0 {
		return entry
	}
	return entry.WithFields(fields)
}

// Info and Error log through the shared entry. main uses them before any
// component logger exists.
func Info(msg string, fields logrus.Fields) {
	Logger().WithFields(fields).Info(msg)
}

func Error(msg string, fields logrus.Fields) {
	Logger().WithFields(fields).Error(msg)
}

func newBase(level logrus.Level, appEnv string) *logrus.Entry {
	logger := logrus.New()
	logger.SetLevel(level)
	logger.SetFormatter(formatterForEnv(appEnv))
	logger.AddHook(redactHook{})

	return logger.WithFields(logrus.Fields{
		"service": serviceName,
		"env":     appEnv,
	})
}

func formatterForEnv(appEnv string) logrus.Formatter {
	fieldMap := logrus.FieldMap{
		logrus.FieldKeyTime:  "ts",
		logrus.FieldKeyMsg:   "msg",
		logrus.FieldKeyLevel: "level",
	}

	if appEnv == config.EnvDevelopment {
		return &logrus.TextFormatter{
			FullTimestamp:          true,
			TimestampFormat:        time.RFC3339Nano,
			FieldMap:               fieldMap,
			DisableLevelTruncation: true,
		}
	}

	return &logrus.JSONFormatter{
		TimestampFormat: time.RFC3339Nano,
		FieldMap:        fieldMap,
	}
}

func parseLevel(value string) (logrus.Level, error) {
	level, err := logrus.ParseLevel(strings.ToLower(strings.TrimSpace(value)))
	if err != nil {
		return logrus.InfoLevel, fmt.Errorf("invalid log level %q: %w", value, err)
	}

	return level, nil
}

// sensitiveKeys never reach log output, whatever component sets them.
var sensitiveKeys = map[string]struct{}{
	"secret":          {},
	"password":        {},
	"text":            {},
	"token":           {},
	"credential_hash": {},
	"image":           {},
}

// redactHook masks sensitive fields before formatting.
type redactHook struct{}

func (redactHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (redactHook) Fire(entry *logrus.Entry) error {
	for key := range entry.Data {
		if _, ok := sensitiveKeys[strings.ToLower(key)]; ok {
			entry.Data[key] = "[redacted]"
		}
	}
	return nil
}

// resetLogger clears the cached logger; used in tests.
func resetLogger() {
	baseLogger = nil
}
