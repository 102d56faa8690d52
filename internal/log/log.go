package log

import (
	"context"
	"fmt"
	"os"

	"github.com/hashicorp/go-hclog"
)

var logger hclog.Logger

// Init sets up the root application logger. The level comes from LOG_LEVEL
// (defaults to info).
func Init() {
	logger = hclog.New(&hclog.LoggerOptions{
		Name:  "procflow",
		Level: hclog.LevelFromString(levelFromEnv()),
	})
	hclog.SetDefault(logger)
}

func levelFromEnv() string {
	level := os.Getenv("LOG_LEVEL")
	if level == "" {
		return "info"
	}
	return level
}

func root() hclog.Logger {
	if logger == nil {
		Init()
	}
	return logger
}

func Debug(format string, args ...any) {
	root().Debug(fmt.Sprintf(format, args...))
}

func Info(format string, args ...any) {
	root().Info(fmt.Sprintf(format, args...))
}

func Infof(ctx context.Context, format string, args ...any) {
	root().Info(fmt.Sprintf(format, args...))
}

func Error(format string, args ...any) {
	root().Error(fmt.Sprintf(format, args...))
}
