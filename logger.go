package dylibmitm

import (
	"sync"

	"go.uber.org/zap"

	"github.com/sliverarmory/dylibmitm/emit"
	"github.com/sliverarmory/dylibmitm/override"
	"github.com/sliverarmory/dylibmitm/plan"
	"github.com/sliverarmory/dylibmitm/slots"
)

var (
	logger     *zap.Logger
	loggerOnce sync.Once
)

// Logger returns the package logger. It uses a no-op logger by default.
func Logger() *zap.Logger {
	loggerOnce.Do(func() {
		if logger == nil {
			logger = zap.NewNop()
		}
	})
	return logger
}

// SetLogger configures the logger of this package and of every pipeline
// stage. It must be called before Generate, Verify or Probe.
func SetLogger(l *zap.Logger) {
	logger = l
	plan.SetLogger(l.Named("plan"))
	slots.SetLogger(l.Named("slots"))
	override.SetLogger(l.Named("override"))
	emit.SetLogger(l.Named("emit"))
}
