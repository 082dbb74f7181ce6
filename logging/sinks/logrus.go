package sinks

import (
	"context"

	"github.com/sirupsen/logrus"

	"lanesim/logging"
)

// Logrus forwards events to a logrus logger, mapping severities onto logrus
// levels and event fields onto logrus fields.
type Logrus struct {
	logger *logrus.Logger
}

func NewLogrus(logger *logrus.Logger) *Logrus {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Logrus{logger: logger}
}

func (s *Logrus) Write(event logging.Event) error {
	fields := logrus.Fields{
		"frame": event.Frame,
		"actor": formatEntity(event.Actor),
	}
	if event.Category != "" {
		fields["category"] = event.Category
	}
	if event.TraceID != "" {
		fields["trace"] = event.TraceID
	}
	if event.Payload != nil {
		fields["payload"] = event.Payload
	}
	for k, v := range event.Extra {
		if _, taken := fields[k]; !taken {
			fields[k] = v
		}
	}
	entry := s.logger.WithFields(fields)
	if !event.Time.IsZero() {
		entry = entry.WithTime(event.Time)
	}
	entry.Log(logrusLevel(event.Severity), string(event.Type))
	return nil
}

func (s *Logrus) Close(context.Context) error {
	return nil
}

func logrusLevel(sev logging.Severity) logrus.Level {
	switch sev {
	case logging.SeverityDebug:
		return logrus.DebugLevel
	case logging.SeverityWarn:
		return logrus.WarnLevel
	case logging.SeverityError:
		return logrus.ErrorLevel
	default:
		return logrus.InfoLevel
	}
}
