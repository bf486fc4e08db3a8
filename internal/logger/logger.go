package logger

import (
	"fmt"
	"io"
	"os"
	"path"
	"runtime"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

var (
	mu           sync.Mutex
	globalLogger *logrus.Logger
)

// Initialize configures the global logger. Unknown levels fall back to info,
// any format other than "text" produces JSON.
func Initialize(level, format string) *logrus.Logger {
	mu.Lock()
	defer mu.Unlock()

	if globalLogger == nil {
		globalLogger = logrus.New()
		globalLogger.SetOutput(os.Stdout)
		globalLogger.SetReportCaller(true)
	}
	configure(globalLogger, level, format)
	return globalLogger
}

// Get returns the global logger instance, initializing it from LOG_LEVEL and
// LOG_FORMAT if nothing configured it yet.
func Get() *logrus.Logger {
	mu.Lock()
	l := globalLogger
	mu.Unlock()
	if l == nil {
		return Initialize(os.Getenv("LOG_LEVEL"), os.Getenv("LOG_FORMAT"))
	}
	return l
}

// WithModule creates a new entry with module name
func WithModule(moduleName string) *logrus.Entry {
	return Get().WithField("module", moduleName)
}

// SetOutput redirects the global logger, mostly for tests.
func SetOutput(w io.Writer) {
	Get().SetOutput(w)
}

func configure(l *logrus.Logger, level, format string) {
	lvl, err := logrus.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil {
		lvl = logrus.InfoLevel
	}
	l.SetLevel(lvl)

	if strings.ToLower(format) == "text" {
		l.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:    true,
			ForceColors:      true,
			CallerPrettyfier: callerPrettyfier,
		})
		return
	}
	l.SetFormatter(&logrus.JSONFormatter{
		TimestampFormat:  "2006-01-02T15:04:05.000Z07:00",
		CallerPrettyfier: callerPrettyfier,
	})
}

func callerPrettyfier(f *runtime.Frame) (string, string) {
	filename := path.Base(f.File)
	return fmt.Sprintf("%s()", f.Function), fmt.Sprintf("%s:%d", filename, f.Line)
}
