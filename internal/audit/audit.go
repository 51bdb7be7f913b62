package audit

import (
	"time"

	"go.uber.org/zap"
)

type Level string

const (
	LevelInfo   Level = "info"
	LevelWarn   Level = "warn"
	LevelError  Level = "error"
	LevelAction Level = "action"
)

type Event struct {
	Time       time.Time
	Level      Level
	Action     string
	EntityType string
	EntityID   string
	Details    map[string]any
}

// Sink records engine events. Implementations are fire-and-forget: Log must
// never block the control loop, whatever the backend is doing.
type Sink interface {
	Log(event Event)
}

type nopSink struct{}

func (nopSink) Log(Event) {}

func NewNop() Sink { return nopSink{} }

type zapSink struct {
	log *zap.Logger
}

func NewZap(log *zap.Logger) Sink {
	if log == nil {
		log = zap.NewNop()
	}
	return &zapSink{log: log}
}

func (s *zapSink) Log(event Event) {
	fields := []zap.Field{
		zap.String("action", event.Action),
		zap.String("entity_type", event.EntityType),
		zap.String("entity_id", event.EntityID),
	}
	if len(event.Details) > 0 {
		fields = append(fields, zap.Any("details", event.Details))
	}
	switch event.Level {
	case LevelWarn:
		s.log.Warn("audit", fields...)
	case LevelError:
		s.log.Error("audit", fields...)
	default:
		s.log.Info("audit", fields...)
	}
}

type fanout struct {
	sinks []Sink
}

// NewFanout logs every event to each sink in order.
func NewFanout(sinks ...Sink) Sink {
	kept := make([]Sink, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			kept = append(kept, s)
		}
	}
	return &fanout{sinks: kept}
}

func (f *fanout) Log(event Event) {
	if event.Time.IsZero() {
		event.Time = time.Now().UTC()
	}
	for _, s := range f.sinks {
		s.Log(event)
	}
}
