// Package logging adapts zerolog to the powersync.Logger interface, the
// same shape and sampling approach the rest of the codebase's ambient
// stack uses for structured logging.
package logging

import (
	"fmt"
	"os"
	"strconv"

	"github.com/rs/zerolog"
)

// ZeroLogger is a zerolog-backed implementation of powersync.Logger.
type ZeroLogger struct {
	logger  zerolog.Logger
	sampler zerolog.Sampler
	sampled zerolog.Logger
}

// New creates a ZeroLogger writing structured JSON to stderr with
// timestamps. If POWERSYNC_LOG_SAMPLE_N is set to an integer > 1, Warn/Error
// calls are randomly sampled at that rate to avoid log floods from
// per-row events (e.g. TOAST merges, oversized rows).
func New() *ZeroLogger {
	l := zerolog.New(os.Stderr).With().Timestamp().Logger()
	var samp zerolog.Sampler
	if v := os.Getenv("POWERSYNC_LOG_SAMPLE_N"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 1 {
			samp = zerolog.RandomSampler(n)
		}
	}
	var sampled zerolog.Logger
	if samp != nil {
		sampled = l.Sample(samp)
	}
	return &ZeroLogger{logger: l, sampler: samp, sampled: sampled}
}

// NewLevel creates a ZeroLogger at the given minimum zerolog level
// ("debug", "info", "warn", "error"); unknown values fall back to info.
func NewLevel(level string) *ZeroLogger {
	l := New()
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	l.logger = l.logger.Level(lvl)
	return l
}

func (l *ZeroLogger) log(event *zerolog.Event, msg string, keysAndValues ...interface{}) {
	for i := 0; i < len(keysAndValues); i += 2 {
		key := fmt.Sprintf("%v", keysAndValues[i])
		if i+1 < len(keysAndValues) {
			event.Interface(key, keysAndValues[i+1])
		} else {
			event.Interface(key, nil)
		}
	}
	event.Msg(msg)
}

func (l *ZeroLogger) Debug(msg string, kv ...interface{}) { l.log(l.logger.Debug(), msg, kv...) }
func (l *ZeroLogger) Info(msg string, kv ...interface{})  { l.log(l.logger.Info(), msg, kv...) }

func (l *ZeroLogger) Warn(msg string, kv ...interface{}) {
	if l.sampler != nil {
		l.log(l.sampled.Warn(), msg, kv...)
		return
	}
	l.log(l.logger.Warn(), msg, kv...)
}

func (l *ZeroLogger) Error(msg string, kv ...interface{}) {
	if l.sampler != nil {
		l.log(l.sampled.Error(), msg, kv...)
		return
	}
	l.log(l.logger.Error(), msg, kv...)
}

// With returns a child logger with a persistent field attached to every
// subsequent entry (e.g. connection_id, group_id).
func (l *ZeroLogger) With(key string, value interface{}) *ZeroLogger {
	return &ZeroLogger{
		logger:  l.logger.With().Interface(key, value).Logger(),
		sampler: l.sampler,
		sampled: l.sampled,
	}
}
