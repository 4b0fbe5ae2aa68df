package logging

import (
	"io"
	"os"
	"time"

	"github.com/charmbracelet/log"
)

// ConsoleLogOptions holds configuration for console logging.
type ConsoleLogOptions struct {
	Level           log.Level
	Formatter       log.Formatter
	ReportTimestamp bool
	ReportCaller    bool
	Prefix          string
	Output          io.Writer
}

// ConsoleLogWriter renders events as leveled, human-readable lines using
// charmbracelet/log.
type ConsoleLogWriter struct {
	logger *log.Logger
}

// NewLogger builds a charmbracelet logger from opts. Workers use it directly.
func NewLogger(opts ConsoleLogOptions) *log.Logger {
	out := opts.Output
	if out == nil {
		out = os.Stderr
	}
	return log.NewWithOptions(out, log.Options{
		Level:           opts.Level,
		Formatter:       opts.Formatter,
		ReportTimestamp: opts.ReportTimestamp,
		ReportCaller:    opts.ReportCaller,
		Prefix:          opts.Prefix,
		TimeFormat:      time.TimeOnly,
	})
}

// NewConsoleLogWriter creates a console log writer with the given options.
func NewConsoleLogWriter(opts ConsoleLogOptions) *ConsoleLogWriter {
	return &ConsoleLogWriter{logger: NewLogger(opts)}
}

// NewConsoleLogWriterWithLogger wraps an existing logger.
func NewConsoleLogWriterWithLogger(logger *log.Logger) *ConsoleLogWriter {
	return &ConsoleLogWriter{logger: logger}
}

// NewConsoleLogWriterFromConfig creates a ConsoleLogWriter from string
// configuration values as they appear in TOML or the environment.
func NewConsoleLogWriterFromConfig(w io.Writer, level, format string, timestamps, caller bool) *ConsoleLogWriter {
	return NewConsoleLogWriter(ConsoleLogOptions{
		Level:           ParseLogLevel(level),
		Formatter:       ParseLogFormatter(format),
		ReportTimestamp: timestamps,
		ReportCaller:    caller,
		Prefix:          "procpool",
		Output:          w,
	})
}

// Write logs one event. Harvests of failed or abnormal workers are warnings;
// polls are debug noise.
func (c *ConsoleLogWriter) Write(event LogEvent) error {
	msg := formatMessage(event)
	fields := extractFields(event)

	switch event.Type {
	case EventSpawnError, EventCollectError:
		c.logger.Error(msg, fields...)
	case EventHarvest:
		if event.Outcome == OutcomeSuccess {
			c.logger.Info(msg, fields...)
		} else {
			c.logger.Warn(msg, fields...)
		}
	case EventDispatch, EventReport, EventBlock:
		c.logger.Info(msg, fields...)
	default:
		c.logger.Debug(msg, fields...)
	}
	return nil
}

func extractFields(event LogEvent) []any {
	var fields []any
	if event.Index != 0 {
		fields = append(fields, "index", event.Index)
	}
	if event.ExecID != "" {
		fields = append(fields, "exec_id", event.ExecID)
	}
	if event.Outcome != "" {
		fields = append(fields, "outcome", event.Outcome)
	}
	if event.ExitCode != 0 {
		fields = append(fields, "exit_code", event.ExitCode)
	}
	if event.Cause != "" {
		fields = append(fields, "cause", event.Cause)
	}
	if event.Attempt != 0 {
		fields = append(fields, "attempt", event.Attempt)
	}
	if event.Type == EventPoll {
		fields = append(fields, "running", event.Running)
	}
	if event.DurationMS != 0 {
		fields = append(fields, "duration", time.Duration(event.DurationMS)*time.Millisecond)
	}
	if c := event.Counts; c != nil {
		fields = append(fields,
			"dispatched", c.Dispatched,
			"succeeded", c.Succeeded,
			"failed", c.Failed,
		)
		if c.Unharvested > 0 {
			fields = append(fields, "unharvested", c.Unharvested)
		}
		if c.NotDispatched > 0 {
			fields = append(fields, "not_dispatched", c.NotDispatched)
		}
	}
	return fields
}

func formatMessage(event LogEvent) string {
	if event.Content != "" && event.Type != EventHarvest {
		return event.Content
	}
	switch event.Type {
	case EventDispatch:
		return "Worker dispatched"
	case EventHarvest:
		switch event.Outcome {
		case OutcomeSuccess:
			return "Worker succeeded"
		case OutcomeAbnormal:
			return "Worker terminated abnormally"
		default:
			return "Worker failed"
		}
	case EventPoll:
		return "Polled worker"
	case EventBlock:
		return "Polls exhausted, blocking"
	case EventSpawnError:
		return "Spawn failed"
	case EventCollectError:
		return "Collection failed"
	case EventReport:
		return "Batch finished"
	default:
		return event.Type
	}
}

// ParseLogLevel parses a string log level. Unknown values map to info.
func ParseLogLevel(level string) log.Level {
	switch level {
	case "debug":
		return log.DebugLevel
	case "info":
		return log.InfoLevel
	case "warn", "warning":
		return log.WarnLevel
	case "error":
		return log.ErrorLevel
	case "fatal":
		return log.FatalLevel
	default:
		return log.InfoLevel
	}
}

// ParseLogFormatter parses a formatter name. Unknown values map to text.
func ParseLogFormatter(format string) log.Formatter {
	switch format {
	case "json":
		return log.JSONFormatter
	case "logfmt":
		return log.LogfmtFormatter
	default:
		return log.TextFormatter
	}
}
