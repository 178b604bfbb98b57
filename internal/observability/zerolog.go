package observability

import (
	"io"
	"strings"

	"github.com/rs/zerolog"
)

// ZerologLogger adapts a zerolog.Logger to the Logger interface.
type ZerologLogger struct {
	log zerolog.Logger
}

// NewZerologLogger constructs a structured logger writing to w at the given level.
func NewZerologLogger(w io.Writer, level string) *ZerologLogger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	logger := zerolog.New(w).Level(lvl).With().Timestamp().Logger()
	return &ZerologLogger{log: logger}
}

func (z *ZerologLogger) Debug(msg string, fields ...Field) { z.emit(z.log.Debug(), msg, fields) }
func (z *ZerologLogger) Info(msg string, fields ...Field)  { z.emit(z.log.Info(), msg, fields) }
func (z *ZerologLogger) Warn(msg string, fields ...Field)  { z.emit(z.log.Warn(), msg, fields) }
func (z *ZerologLogger) Error(msg string, fields ...Field) { z.emit(z.log.Error(), msg, fields) }

func (z *ZerologLogger) emit(evt *zerolog.Event, msg string, fields []Field) {
	for _, f := range fields {
		if f.Key == "" {
			continue
		}
		evt = evt.Interface(f.Key, f.Value)
	}
	evt.Msg(msg)
}
