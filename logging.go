package librarius

import "go.uber.org/zap"

// Logger wraps a *zap.SugaredLogger, defaulting to a no-op logger so the
// library stays silent unless a caller opts in via Builder.Logger. This
// mirrors the teacher's own diagnostic call sites (bufmgr.go's Close and
// PoolAudit) as structured calls; the store logs root installation
// (Infow) and a failed abort (Warnw), and nothing else.
type Logger struct {
	s *zap.SugaredLogger
}

func newNopLogger() *Logger { return &Logger{s: zap.NewNop().Sugar()} }

// NewLogger wraps an existing zap logger for use with Builder.Logger.
func NewLogger(l *zap.Logger) *Logger { return &Logger{s: l.Sugar()} }

func (l *Logger) Infow(msg string, kv ...interface{})  { l.s.Infow(msg, kv...) }
func (l *Logger) Warnw(msg string, kv ...interface{})  { l.s.Warnw(msg, kv...) }
func (l *Logger) Errorw(msg string, kv ...interface{}) { l.s.Errorw(msg, kv...) }
