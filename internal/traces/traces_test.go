package traces

import (
	"context"
	"errors"
	"testing"

	"github.com/mbd888/arbiter/internal/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestInit_NoEndpointIsNoop(t *testing.T) {
	shutdown, err := Init(context.Background(), "", "test", logging.Discard())
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}

func TestEnd_RecordsError(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	op := func() (err error) {
		_, span := StartSpan(context.Background(), "dispute.Escalate", DisputeID("dsp_1"))
		defer End(span, &err)
		return errors.New("invalid state")
	}
	_ = op()

	spans := rec.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "dispute.Escalate", spans[0].Name())
	assert.Equal(t, codes.Error, spans[0].Status().Code)
}
