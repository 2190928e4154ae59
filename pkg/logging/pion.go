package logging

import (
	"fmt"

	"github.com/pion/logging"
	"github.com/rs/zerolog"
)

// PionFactory routes pion's internal logging through zerolog.
// Scopes below Level are dropped.
type PionFactory struct {
	Logger zerolog.Logger
	Level  zerolog.Level
}

// NewPionFactory logs pion scopes at warn and above
func NewPionFactory(logger zerolog.Logger) *PionFactory {
	return &PionFactory{Logger: logger, Level: zerolog.WarnLevel}
}

func (f *PionFactory) NewLogger(scope string) logging.LeveledLogger {
	l := f.Logger.With().Str("component", "pion").Str("scope", scope).Logger()
	if f.Level > l.GetLevel() {
		l = l.Level(f.Level)
	}
	return pionLogger{l}
}

type pionLogger struct {
	log zerolog.Logger
}

func (p pionLogger) Trace(msg string) { p.log.Trace().Msg(msg) }
func (p pionLogger) Tracef(format string, args ...interface{}) {
	p.log.Trace().Msg(fmt.Sprintf(format, args...))
}
func (p pionLogger) Debug(msg string) { p.log.Debug().Msg(msg) }
func (p pionLogger) Debugf(format string, args ...interface{}) {
	p.log.Debug().Msg(fmt.Sprintf(format, args...))
}
func (p pionLogger) Info(msg string) { p.log.Info().Msg(msg) }
func (p pionLogger) Infof(format string, args ...interface{}) {
	p.log.Info().Msg(fmt.Sprintf(format, args...))
}
func (p pionLogger) Warn(msg string) { p.log.Warn().Msg(msg) }
func (p pionLogger) Warnf(format string, args ...interface{}) {
	p.log.Warn().Msg(fmt.Sprintf(format, args...))
}
func (p pionLogger) Error(msg string) { p.log.Error().Msg(msg) }
func (p pionLogger) Errorf(format string, args ...interface{}) {
	p.log.Error().Msg(fmt.Sprintf(format, args...))
}
