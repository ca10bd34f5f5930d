package main

import (
	"fmt"
	"os"

	"go.uber.org/zap"

	"wireit/internal/events"
)

// terminalSubscriber is the CLI's own event consumer: it writes captured
// script output straight through to the real stdout/stderr and logs
// info/success/failure events via zap, the way the teacher wires a
// zap.Logger through its command layer.
type terminalSubscriber struct {
	logger *zap.Logger
}

func newTerminalSubscriber(logger *zap.Logger) *terminalSubscriber {
	return &terminalSubscriber{logger: logger}
}

func (s *terminalSubscriber) Handle(ev events.Event) {
	switch ev.Kind {
	case events.KindOutput:
		if ev.Stream == events.Stderr {
			os.Stderr.Write(ev.Chunk)
		} else {
			os.Stdout.Write(ev.Chunk)
		}
	case events.KindInfo:
		s.logger.Info(ev.Detail, zap.String("ref", ev.Ref.String()))
	case events.KindSuccess:
		s.logger.Debug(fmt.Sprintf("success: %s", ev.SuccessReason), zap.String("ref", ev.Ref.String()))
	case events.KindFailure:
		s.logger.Error(fmt.Sprintf("failure: %s", ev.FailureReason), zap.String("ref", ev.Ref.String()), zap.String("detail", ev.FailurePayload))
	}
}
