// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

package avd

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/log/global"
)

var avdLogger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
	Level: slog.LevelInfo,
}))

// SetLogger replaces the structured event logger.
func SetLogger(l *slog.Logger) {
	if l != nil {
		avdLogger = l
	}
}

func logEvent(env Env, message string, fields ...any) {
	now := time.Now().UTC()
	baseFields := []any{"timestamp_ns", now.UnixNano()}
	if env.CorrelationID != "" {
		baseFields = append(baseFields, "correlation_id", env.CorrelationID)
	}
	allFields := append(baseFields, fields...)
	avdLogger.Info(message, allFields...)
	emitOTelLog(env, now, message, allFields)
}

// emitOTelLog mirrors an event to the global OpenTelemetry logger provider,
// which is a no-op until the host application installs one.
func emitOTelLog(env Env, ts time.Time, message string, fields []any) {
	var record otellog.Record
	record.SetTimestamp(ts)
	record.SetSeverity(otellog.SeverityInfo)
	record.SetBody(otellog.StringValue(message))
	for i := 0; i+1 < len(fields); i += 2 {
		key, ok := fields[i].(string)
		if !ok {
			continue
		}
		record.AddAttributes(otelLogAttr(key, fields[i+1]))
	}
	global.GetLoggerProvider().Logger("emuctl").Emit(env.context(), record)
}

func otelLogAttr(key string, value any) otellog.KeyValue {
	switch v := value.(type) {
	case string:
		return otellog.String(key, v)
	case int:
		return otellog.Int(key, v)
	case int64:
		return otellog.Int64(key, v)
	case bool:
		return otellog.Bool(key, v)
	case time.Duration:
		return otellog.String(key, v.String())
	default:
		return otellog.String(key, fmt.Sprint(v))
	}
}

type lineLogWriter struct {
	env    Env
	fields []any
	buffer []byte
	msg    string
}

func (writer *lineLogWriter) Write(payload []byte) (int, error) {
	writer.buffer = append(writer.buffer, payload...)
	for {
		newlineIndex := bytes.IndexByte(writer.buffer, '\n')
		if newlineIndex == -1 {
			break
		}
		line := strings.TrimSpace(string(writer.buffer[:newlineIndex]))
		writer.buffer = writer.buffer[newlineIndex+1:]
		if line != "" {
			logEvent(writer.env, writer.msg, append(writer.fields, "line", line)...)
		}
	}
	return len(payload), nil
}

func newLineLogWriterWithMessage(env Env, message string, fields ...any) io.Writer {
	return &lineLogWriter{
		env:    env,
		fields: fields,
		msg:    message,
	}
}

func newCommandLogWriter(env Env, command string, args []string) io.Writer {
	fields := []any{"command", command, "stream", "stderr"}
	if len(args) > 0 {
		fields = append(fields, "args", strings.Join(args, " "))
	}
	return newLineLogWriterWithMessage(env, "command stderr", fields...)
}
