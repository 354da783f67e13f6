package decorator

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/architeacher/svc-messaging/internal/config"
	"github.com/architeacher/svc-messaging/internal/infrastructure"
)

type DoThingCommand struct {
	Fail bool
}

type doThingHandler struct{}

func (doThingHandler) Handle(_ context.Context, cmd DoThingCommand) (string, error) {
	if cmd.Fail {
		return "", errors.New("boom")
	}

	return "done", nil
}

type MockMetricsClient struct {
	mock.Mock
}

func (m *MockMetricsClient) Inc(key string, value int) {
	m.Called(key, value)
}

func TestApplyCommandDecorators(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name       string
		cmd        DoThingCommand
		metricKey  string
		expectErr  bool
		expectSpan bool
	}{
		{name: "success", cmd: DoThingCommand{}, metricKey: "commands.dothingcommand.success"},
		{name: "failure", cmd: DoThingCommand{Fail: true}, metricKey: "commands.dothingcommand.failure", expectErr: true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			recorder := tracetest.NewSpanRecorder()
			provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))

			metrics := &MockMetricsClient{}
			metrics.On("Inc", tc.metricKey, 1).Once()

			var buf bytes.Buffer
			logger := infrastructure.NewWithWriter(config.LoggingConfig{Level: "debug"}, &buf)

			handler := ApplyCommandDecorators[DoThingCommand, string](doThingHandler{}, logger, provider, metrics)

			result, err := handler.Handle(t.Context(), tc.cmd)
			if tc.expectErr {
				require.Error(t, err)
				assert.Empty(t, result)
			} else {
				require.NoError(t, err)
				assert.Equal(t, "done", result)
			}

			metrics.AssertExpectations(t)

			spans := recorder.Ended()
			require.Len(t, spans, 1)
			assert.Equal(t, "DoThingCommand", spans[0].Name())

			assert.Contains(t, buf.String(), `"command":"DoThingCommand"`)
		})
	}
}
