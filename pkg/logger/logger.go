package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
)

// New returns the JSON logger used by the API process. local and dev log at
// debug level.
func New(appEnv string) *slog.Logger {
	return NewWriter(appEnv, os.Stdout)
}

// NewWriter is New writing to w. flowctl logs to stderr so stdout stays
// machine readable.
func NewWriter(appEnv string, w io.Writer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: Level(appEnv)}))
}

func Level(appEnv string) slog.Level {
	switch appEnv {
	case "local", "dev":
		return slog.LevelDebug
	default:
		return slog.LevelInfo
	}
}

type ctxKey struct{}

// With stores a logger in context.
func With(ctx context.Context, l *slog.Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, l)
}

// From gets a logger from context, falling back to slog.Default().
func From(ctx context.Context) *slog.Logger {
	if v := ctx.Value(ctxKey{}); v != nil {
		if l, ok := v.(*slog.Logger); ok && l != nil {
			return l
		}
	}
	return slog.Default()
}

// Session returns l annotated with the identifiers every call log line
// carries. Empty values are skipped.
func Session(l *slog.Logger, callID, providerCallID, workflowID, versionID string) *slog.Logger {
	attrs := make([]any, 0, 8)
	for _, kv := range [][2]string{
		{"call_id", callID},
		{"provider_call_id", providerCallID},
		{"workflow_id", workflowID},
		{"version_id", versionID},
	} {
		if kv[1] != "" {
			attrs = append(attrs, kv[0], kv[1])
		}
	}
	if len(attrs) == 0 {
		return l
	}
	return l.With(attrs...)
}
