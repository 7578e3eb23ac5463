package logging_test

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kstapd/kstapd/internal/logging"
)

func TestFilteringHandler_Enabled(t *testing.T) {
	spec := &logging.Spec{
		BaseLevel: logging.LevelWarn,
		Components: map[string]logging.Level{
			"dwarfctx": logging.LevelDebug,
			"relay":    logging.LevelTrace,
		},
	}

	var buf bytes.Buffer
	inner := slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: logging.LevelTrace.ToSlog()})
	handler := logging.NewFilteringHandler(inner, spec)

	assert.False(t, handler.Enabled(context.Background(), slog.LevelDebug))
	assert.False(t, handler.Enabled(context.Background(), slog.LevelInfo))
	assert.True(t, handler.Enabled(context.Background(), slog.LevelWarn))
	assert.True(t, handler.Enabled(context.Background(), slog.LevelError))

	dwarfHandler := handler.WithAttrs([]slog.Attr{slog.String("component", "dwarfctx")})
	assert.True(t, dwarfHandler.Enabled(context.Background(), slog.LevelDebug))
	assert.True(t, dwarfHandler.Enabled(context.Background(), slog.LevelInfo))
	assert.True(t, dwarfHandler.Enabled(context.Background(), slog.LevelWarn))
	assert.False(t, dwarfHandler.Enabled(context.Background(), logging.LevelTrace.ToSlog()))

	relayHandler := handler.WithAttrs([]slog.Attr{slog.String("component", "relay")})
	assert.True(t, relayHandler.Enabled(context.Background(), logging.LevelTrace.ToSlog()))
	assert.True(t, relayHandler.Enabled(context.Background(), slog.LevelDebug))
}

func TestFilteringHandler_Handle(t *testing.T) {
	spec := &logging.Spec{
		BaseLevel: logging.LevelWarn,
		Components: map[string]logging.Level{
			"relay": logging.LevelDebug,
		},
	}

	var buf bytes.Buffer
	inner := slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: logging.LevelTrace.ToSlog()})
	handler := logging.NewFilteringHandler(inner, spec)

	ctx := context.Background()

	buf.Reset()
	r := slog.NewRecord(testTime(), slog.LevelDebug, "debug message", 0)
	err := handler.Handle(ctx, r)
	require.NoError(t, err)
	assert.Empty(t, buf.String())

	buf.Reset()
	r = slog.NewRecord(testTime(), slog.LevelWarn, "warn message", 0)
	err = handler.Handle(ctx, r)
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "warn message")

	relayHandler := handler.WithAttrs([]slog.Attr{slog.String("component", "relay")})
	buf.Reset()
	r = slog.NewRecord(testTime(), slog.LevelDebug, "relay debug", 0)
	err = relayHandler.Handle(ctx, r)
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "relay debug")
}

func TestFilteringHandler_WithGroup(t *testing.T) {
	spec := &logging.Spec{
		BaseLevel: logging.LevelInfo,
		Components: map[string]logging.Level{
			"relay": logging.LevelDebug,
		},
	}

	var buf bytes.Buffer
	inner := slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: logging.LevelTrace.ToSlog()})
	handler := logging.NewFilteringHandler(inner, spec)

	relayHandler := handler.WithAttrs([]slog.Attr{slog.String("component", "relay")})
	groupHandler := relayHandler.WithGroup("cpu0")

	assert.True(t, groupHandler.Enabled(context.Background(), slog.LevelDebug))
}

func TestFilteringHandler_Integration(t *testing.T) {
	spec, err := logging.ParseSpec("warn,dwarfctx=debug,relay=trace")
	require.NoError(t, err)

	var buf bytes.Buffer
	logger, err := logging.New(logging.Options{
		CLISpec: spec.String(),
		Output:  &buf,
	})
	require.NoError(t, err)

	buf.Reset()
	logger.Debug("root debug")
	assert.Empty(t, buf.String())

	buf.Reset()
	logger.Warn("root warn")
	assert.Contains(t, buf.String(), "root warn")

	dwarfLogger := logger.With("component", "dwarfctx")

	buf.Reset()
	dwarfLogger.Debug("dwarfctx debug")
	assert.Contains(t, buf.String(), "dwarfctx debug")

	buf.Reset()
	dwarfLogger.Info("dwarfctx info")
	assert.Contains(t, buf.String(), "dwarfctx info")

	relayLogger := logger.With("component", "relay")

	buf.Reset()
	relayLogger.Log(context.Background(), logging.LevelTrace.ToSlog(), "relay trace")
	assert.Contains(t, buf.String(), "relay trace")

	emitLogger := logger.With("component", "emit")

	buf.Reset()
	emitLogger.Debug("emit debug")
	assert.Empty(t, buf.String())

	buf.Reset()
	emitLogger.Warn("emit warn")
	assert.Contains(t, buf.String(), "emit warn")
}

func TestNew_Precedence(t *testing.T) {
	tests := []struct {
		name      string
		opts      logging.Options
		wantLevel logging.Level
	}{
		{
			name:      "cli takes precedence over env",
			opts:      logging.Options{CLISpec: "error", EnvSpec: "debug", ConfigSpec: "info"},
			wantLevel: logging.LevelError,
		},
		{
			name:      "env takes precedence over config",
			opts:      logging.Options{EnvSpec: "debug", ConfigSpec: "info"},
			wantLevel: logging.LevelDebug,
		},
		{
			name:      "config used when nothing else specified",
			opts:      logging.Options{ConfigSpec: "warn"},
			wantLevel: logging.LevelWarn,
		},
		{
			name:      "default is info",
			opts:      logging.Options{},
			wantLevel: logging.LevelInfo,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			tt.opts.Output = &buf

			logger, err := logging.New(tt.opts)
			require.NoError(t, err)

			ctx := context.Background()

			buf.Reset()
			logger.Log(ctx, tt.wantLevel.ToSlog(), "test message")
			assert.NotEmpty(t, buf.String(), "expected level %s should be logged", tt.wantLevel)

			if tt.wantLevel > logging.LevelTrace {
				belowLevel := logging.Level(int(tt.wantLevel) - 4)
				buf.Reset()
				logger.Log(ctx, belowLevel.ToSlog(), "test message below")
				assert.Empty(t, buf.String(), "level %s below %s should not be logged", belowLevel, tt.wantLevel)
			}
		})
	}
}

func TestNew_InvalidSpec(t *testing.T) {
	_, err := logging.New(logging.Options{CLISpec: "invalid"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid log spec")
}

func TestParseFormat(t *testing.T) {
	tests := []struct {
		input   string
		want    logging.Format
		wantErr bool
	}{
		{"text", logging.FormatText, false},
		{"json", logging.FormatJSON, false},
		{"TEXT", logging.FormatText, false},
		{"JSON", logging.FormatJSON, false},
		{"", logging.FormatText, false},
		{"invalid", logging.FormatText, true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := logging.ParseFormat(tt.input)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNew_JSONFormat(t *testing.T) {
	var buf bytes.Buffer
	logger, err := logging.New(logging.Options{
		CLISpec: "info",
		Format:  logging.FormatJSON,
		Output:  &buf,
	})
	require.NoError(t, err)

	logger.Info("test message", "key", "value")
	output := buf.String()

	assert.True(t, strings.HasPrefix(output, "{"))
	assert.Contains(t, output, `"msg":"test message"`)
	assert.Contains(t, output, `"key":"value"`)
}

func testTime() time.Time {
	return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
}
