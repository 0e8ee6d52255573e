package logging

import (
	"log/slog"
	"time"
)

func StepID(id string) slog.Attr {
	return slog.String("step_id", id)
}

func ExecutionID(id string) slog.Attr {
	return slog.String("execution_id", id)
}

func WorkflowID(id string) slog.Attr {
	return slog.String("workflow_id", id)
}

func Provider(name string) slog.Attr {
	return slog.String("provider", name)
}

func Attempt(n int) slog.Attr {
	return slog.Int("attempt", n)
}

func Duration(d time.Duration) slog.Attr {
	return slog.Duration("duration", d)
}

func Error(err error) slog.Attr {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return slog.String("error", msg)
}
