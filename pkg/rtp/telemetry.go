package rtp

import (
	"fmt"
	"sort"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Имена событий телеметрии
const (
	EventRTCPSenderReport   = "rtcp.sender_report"
	EventRTCPReceiverReport = "rtcp.receiver_report"
	EventRTCPSourceDesc     = "rtcp.source_description"
	EventRTCPBye            = "rtcp.bye"
	EventRTCPSent           = "rtcp.sent"
	EventNATLearned         = "rtp.nat_learned"
	EventDTMFDropped        = "rtp.dtmf_dropped"
)

// Имена полей событий телеметрии
const (
	FieldSSRC            = "ssrc"
	FieldReportedSSRC    = "reported_ssrc"
	FieldFractionLost    = "fraction_lost"
	FieldPacketsLost     = "packets_lost"
	FieldHighestSequence = "highest_sequence"
	FieldSequenceCycles  = "sequence_cycles"
	FieldJitter          = "ia_jitter"
	FieldLastSR          = "last_sr"
	FieldDLSR            = "dlsr"
	FieldRTT             = "rtt_ms"
	FieldSentNTP         = "sent_ntp"
	FieldSentRTP         = "sent_rtp"
	FieldSentPackets     = "sent_packets"
	FieldSentOctets      = "sent_octets"
	FieldCNAME           = "cname"
	FieldReason          = "reason"
	FieldPeer            = "peer"
)

// TelemetryEvent именованное событие наблюдаемости.
// Значения отчетов не возвращаются вызывающему, а уходят в приемники.
type TelemetryEvent struct {
	Name      string
	SessionID string
	Time      time.Time
	Fields    map[string]interface{}
}

// EventSink приемник событий телеметрии
type EventSink interface {
	Emit(ev TelemetryEvent)
}

// EventSinkFunc адаптер функции к EventSink
type EventSinkFunc func(ev TelemetryEvent)

// Emit вызывает функцию
func (f EventSinkFunc) Emit(ev TelemetryEvent) { f(ev) }

// MultiSink рассылает событие нескольким приемникам
type MultiSink []EventSink

// Emit отправляет событие всем приемникам
func (m MultiSink) Emit(ev TelemetryEvent) {
	for _, s := range m {
		if s != nil {
			s.Emit(ev)
		}
	}
}

// LogSink пишет события в лог
type LogSink struct {
	Logger *logrus.Entry
	Level  logrus.Level
}

// NewLogSink создает приемник, пишущий события на уровне Debug
func NewLogSink(logger *logrus.Entry) *LogSink {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &LogSink{Logger: logger, Level: logrus.DebugLevel}
}

// Emit пишет событие с полями
func (s *LogSink) Emit(ev TelemetryEvent) {
	entry := s.Logger.WithFields(logrus.Fields(ev.Fields)).WithField("event", ev.Name)
	if ev.SessionID != "" {
		entry = entry.WithField("session", ev.SessionID)
	}
	entry.Log(s.Level, "Телеметрия RTP")
}

// PrometheusSink переносит значения отчетов в метрики
type PrometheusSink struct{}

// Emit обновляет гистограммы по полям события
func (PrometheusSink) Emit(ev TelemetryEvent) {
	switch ev.Name {
	case EventRTCPSenderReport, EventRTCPReceiverReport:
		reportsTotal.WithLabelValues(ev.Name, "rx").Inc()
		if v, ok := ev.Fields[FieldFractionLost].(float64); ok {
			reportFractionLost.Observe(v)
		}
		if v, ok := ev.Fields[FieldJitter].(float64); ok {
			reportJitterSeconds.Observe(v)
		}
		if v, ok := ev.Fields[FieldRTT].(float64); ok && v >= 0 {
			reportRTTSeconds.Observe(v / 1000)
		}
	case EventRTCPSent:
		reportsTotal.WithLabelValues(ev.Name, "tx").Inc()
	case EventRTCPBye, EventRTCPSourceDesc:
		reportsTotal.WithLabelValues(ev.Name, "rx").Inc()
	}
}

// TraceSink добавляет события к span звонка
type TraceSink struct {
	Span trace.Span
}

// Emit добавляет событие к span
func (s TraceSink) Emit(ev TelemetryEvent) {
	if s.Span == nil || !s.Span.IsRecording() {
		return
	}
	attrs := make([]attribute.KeyValue, 0, len(ev.Fields)+1)
	if ev.SessionID != "" {
		attrs = append(attrs, attribute.String("session", ev.SessionID))
	}
	keys := make([]string, 0, len(ev.Fields))
	for k := range ev.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		attrs = append(attrs, toAttribute(k, ev.Fields[k]))
	}

	opts := []trace.EventOption{trace.WithAttributes(attrs...)}
	if !ev.Time.IsZero() {
		opts = append(opts, trace.WithTimestamp(ev.Time))
	}
	s.Span.AddEvent(ev.Name, opts...)
}

func toAttribute(key string, v interface{}) attribute.KeyValue {
	switch val := v.(type) {
	case string:
		return attribute.String(key, val)
	case bool:
		return attribute.Bool(key, val)
	case int:
		return attribute.Int(key, val)
	case int32:
		return attribute.Int64(key, int64(val))
	case int64:
		return attribute.Int64(key, val)
	case uint8:
		return attribute.Int64(key, int64(val))
	case uint16:
		return attribute.Int64(key, int64(val))
	case uint32:
		return attribute.Int64(key, int64(val))
	case uint64:
		return attribute.Int64(key, int64(val))
	case float64:
		return attribute.Float64(key, val)
	default:
		return attribute.String(key, fmt.Sprint(val))
	}
}
