package rtp

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func sampleReport() TelemetryEvent {
	return TelemetryEvent{
		Name:      EventRTCPReceiverReport,
		SessionID: "call-1",
		Time:      time.Unix(1700000000, 0),
		Fields: map[string]interface{}{
			FieldSSRC:         uint32(0x1234),
			FieldFractionLost: 0.5,
			FieldJitter:       0.002,
			FieldRTT:          40.0,
		},
	}
}

func TestLogSink(t *testing.T) {
	logger, hook := logtest.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)

	sink := NewLogSink(logrus.NewEntry(logger))
	sink.Emit(sampleReport())

	entry := hook.LastEntry()
	require.NotNil(t, entry)
	assert.Equal(t, logrus.DebugLevel, entry.Level)
	assert.Equal(t, EventRTCPReceiverReport, entry.Data["event"])
	assert.Equal(t, "call-1", entry.Data["session"])
	assert.Equal(t, uint32(0x1234), entry.Data[FieldSSRC])

	// Уровень ниже порога не пишется
	hook.Reset()
	logger.SetLevel(logrus.InfoLevel)
	sink.Emit(sampleReport())
	assert.Empty(t, hook.AllEntries())

	sink.Level = logrus.InfoLevel
	sink.Emit(sampleReport())
	assert.Len(t, hook.AllEntries(), 1)
}

func TestPrometheusSink(t *testing.T) {
	rx := reportsTotal.WithLabelValues(EventRTCPReceiverReport, "rx")
	tx := reportsTotal.WithLabelValues(EventRTCPSent, "tx")
	beforeRx := testutil.ToFloat64(rx)
	beforeTx := testutil.ToFloat64(tx)

	var sink PrometheusSink
	sink.Emit(sampleReport())
	sink.Emit(TelemetryEvent{Name: EventRTCPSent})
	sink.Emit(TelemetryEvent{Name: EventNATLearned})

	assert.Equal(t, beforeRx+1, testutil.ToFloat64(rx))
	assert.Equal(t, beforeTx+1, testutil.ToFloat64(tx))
	assert.Equal(t, 1, testutil.CollectAndCount(reportRTTSeconds))
}

func TestTraceSink(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	defer provider.Shutdown(context.Background())

	_, span := provider.Tracer("mediacore/rtp").Start(context.Background(), "call")
	sink := TraceSink{Span: span}
	sink.Emit(sampleReport())
	sink.Emit(TelemetryEvent{Name: EventRTCPBye, Fields: map[string]interface{}{FieldReason: "bye"}})
	span.End()

	// Завершенный span не принимает события
	sink.Emit(sampleReport())

	ended := recorder.Ended()
	require.Len(t, ended, 1)
	events := ended[0].Events()
	require.Len(t, events, 2)

	report := events[0]
	assert.Equal(t, EventRTCPReceiverReport, report.Name)
	assert.Equal(t, time.Unix(1700000000, 0), report.Time)
	attrs := attribute.NewSet(report.Attributes...)
	v, ok := attrs.Value("session")
	require.True(t, ok)
	assert.Equal(t, "call-1", v.AsString())
	v, ok = attrs.Value(FieldSSRC)
	require.True(t, ok)
	assert.Equal(t, int64(0x1234), v.AsInt64())
	v, ok = attrs.Value(FieldRTT)
	require.True(t, ok)
	assert.Equal(t, 40.0, v.AsFloat64())

	assert.Equal(t, EventRTCPBye, events[1].Name)

	// Пустой span игнорируется
	TraceSink{}.Emit(sampleReport())
}

func TestToAttribute(t *testing.T) {
	tests := []struct {
		value interface{}
		want  attribute.KeyValue
	}{
		{"text", attribute.String("k", "text")},
		{true, attribute.Bool("k", true)},
		{7, attribute.Int("k", 7)},
		{int64(-3), attribute.Int64("k", -3)},
		{uint8(5), attribute.Int64("k", 5)},
		{uint16(65535), attribute.Int64("k", 65535)},
		{uint32(0xffffffff), attribute.Int64("k", 0xffffffff)},
		{0.25, attribute.Float64("k", 0.25)},
		{time.Second, attribute.String("k", "1s")},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, toAttribute("k", tt.value), "%T", tt.value)
	}
}

func TestMultiSink(t *testing.T) {
	var first, second []string
	sink := MultiSink{
		EventSinkFunc(func(ev TelemetryEvent) { first = append(first, ev.Name) }),
		nil,
		EventSinkFunc(func(ev TelemetryEvent) { second = append(second, ev.Name) }),
	}

	sink.Emit(TelemetryEvent{Name: EventNATLearned})
	assert.Equal(t, []string{EventNATLearned}, first)
	assert.Equal(t, []string{EventNATLearned}, second)
}
