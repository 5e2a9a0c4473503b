package events

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"stemflow/internal/logging"
)

type logHandler struct {
	hub   *Hub
	level slog.Leveler
	attrs []slog.Attr
}

// NewLogHandler returns a slog handler that publishes records at or above
// level onto hub as TypeLog events. Combine it with logging.TeeLogger to
// mirror an existing logger.
func NewLogHandler(hub *Hub, level slog.Leveler) slog.Handler {
	if level == nil {
		level = slog.LevelInfo
	}
	return &logHandler{hub: hub, level: level}
}

func (h *logHandler) Enabled(_ context.Context, level slog.Level) bool {
	return h.hub != nil && level >= h.level.Level()
}

func (h *logHandler) Handle(_ context.Context, record slog.Record) error {
	h.hub.Publish(eventFromRecord(record, h.attrs))
	return nil
}

func (h *logHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	next = append(next, h.attrs...)
	next = append(next, attrs...)
	return &logHandler{hub: h.hub, level: h.level, attrs: next}
}

func (h *logHandler) WithGroup(string) slog.Handler {
	return h
}

func eventFromRecord(record slog.Record, preAttrs []slog.Attr) Event {
	evt := Event{
		Timestamp: record.Time.UTC(),
		Type:      TypeLog,
		Level:     strings.ToUpper(record.Level.String()),
		Message:   strings.TrimSpace(record.Message),
	}
	process := func(attr slog.Attr) {
		key := strings.TrimSpace(attr.Key)
		if key == "" {
			return
		}
		value := attrString(attr.Value)
		switch key {
		case logging.FieldComponent:
			evt.Component = value
		case logging.FieldTaskID:
			evt.TaskID = value
		case logging.FieldTaskName:
			evt.TaskName = value
		case logging.FieldSessionID:
			evt.SessionID = value
		case logging.FieldStage:
			evt.Stage = value
		default:
			if evt.Fields == nil {
				evt.Fields = make(map[string]string)
			}
			evt.Fields[key] = value
		}
	}
	for _, attr := range preAttrs {
		process(attr)
	}
	record.Attrs(func(attr slog.Attr) bool {
		process(attr)
		return true
	})
	return evt
}

func attrString(v slog.Value) string {
	v = v.Resolve()
	switch v.Kind() {
	case slog.KindString:
		return v.String()
	case slog.KindAny:
		if err, ok := v.Any().(error); ok {
			return err.Error()
		}
		return fmt.Sprint(v.Any())
	default:
		return v.String()
	}
}
