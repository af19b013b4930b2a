package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const serviceName = "skim"

func New(environment, level string) (zerolog.Logger, error) {
	return NewWithWriter(os.Stdout, environment, level)
}

// NewWithWriter builds the process logger on top of out. Local environments get
// human-readable console output, everything else emits JSON lines.
func NewWithWriter(out io.Writer, environment, level string) (zerolog.Logger, error) {
	parsedLevel, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil {
		return zerolog.Logger{}, fmt.Errorf("parse LOG_LEVEL=%q: %w", level, err)
	}
	if out == nil {
		out = os.Stdout
	}

	writer := out
	if strings.EqualFold(strings.TrimSpace(environment), "local") {
		writer = zerolog.ConsoleWriter{
			Out:        out,
			TimeFormat: time.RFC3339,
		}
	}

	logger := zerolog.New(writer).
		Level(parsedLevel).
		With().
		Timestamp().
		Str("service", serviceName).
		Logger()

	return logger, nil
}
