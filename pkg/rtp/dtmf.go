package rtp

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	// EventPayloadSize размер полезной нагрузки telephone-event (RFC 4733)
	EventPayloadSize = 4

	// DTMFSlack допуск 40 мс между пакетами одной цифры в единицах 8 кГц
	DTMFSlack = 320
	// DTMFReorderWindow насколько ранее начала может прийти переупорядоченный пакет
	DTMFReorderWindow = 10000
	// DTMFSeqWindow в пределах какого окна номер пакета считается "впереди"
	DTMFSeqWindow = 1000
	// DefaultDTMFTimeout через сколько отсчетов незавершенная цифра закрывается
	DefaultDTMFTimeout = 3000

	// EventHookFlash код события hook flash
	EventHookFlash = 16
)

// DigitToEvent переводит символ DTMF в код события RFC 4733.
// Поддерживаются 0-9, '*', '#', A-D (в любом регистре) и 'X' (flash).
func DigitToEvent(r rune) (uint8, bool) {
	switch {
	case r >= '0' && r <= '9':
		return uint8(r - '0'), true
	case r == '*':
		return 10, true
	case r == '#':
		return 11, true
	case r >= 'A' && r <= 'D':
		return uint8(r-'A') + 12, true
	case r >= 'a' && r <= 'd':
		return uint8(r-'a') + 12, true
	case r == 'X' || r == 'x' || r == '!':
		return EventHookFlash, true
	default:
		return 0, false
	}
}

// EventToDigit переводит код события в символ
func EventToDigit(ev uint8) (rune, bool) {
	switch {
	case ev < 10:
		return rune('0' + ev), true
	case ev == 10:
		return '*', true
	case ev == 11:
		return '#', true
	case ev < 16:
		return rune('A' + ev - 12), true
	case ev == EventHookFlash:
		return 'X', true
	default:
		return 0, false
	}
}

// EventPayload полезная нагрузка telephone-event:
// event(8) | E(1) | R(1) | volume(6) | duration(16)
type EventPayload struct {
	Event    uint8
	End      bool
	Volume   uint8
	Duration uint16
}

// Marshal сериализует событие в 4 байта
func (p EventPayload) Marshal() []byte {
	buf := make([]byte, EventPayloadSize)
	buf[0] = p.Event
	buf[1] = p.Volume & 0x3f
	if p.End {
		buf[1] |= 0x80
	}
	binary.BigEndian.PutUint16(buf[2:], p.Duration)
	return buf
}

// ParseEventPayload разбирает полезную нагрузку telephone-event
func ParseEventPayload(buf []byte) (EventPayload, error) {
	if len(buf) < EventPayloadSize {
		return EventPayload{}, newError(ErrTruncated, "", nil, map[string]interface{}{"length": len(buf)})
	}
	return EventPayload{
		Event:    buf[0],
		End:      buf[1]&0x80 != 0,
		Volume:   buf[1] & 0x3f,
		Duration: binary.BigEndian.Uint16(buf[2:4]),
	}, nil
}

// DigitEvent завершенное нажатие, восстановленное из потока
type DigitEvent struct {
	Digit   rune
	StartTS uint32
	// Samples длительность в единицах RTP часов
	Samples uint32
}

// Duration переводит длительность в time.Duration
func (e DigitEvent) Duration(clockRate int) time.Duration {
	if clockRate <= 0 {
		clockRate = 8000
	}
	return time.Duration(e.Samples) * time.Second / time.Duration(clockRate)
}

// Frame возвращает фрейм приложения для события
func (e DigitEvent) Frame(clockRate int) *Frame {
	return &Frame{
		Type:      FrameDTMFEnd,
		Digit:     e.Digit,
		Duration:  e.Duration(clockRate),
		Samples:   int(e.Samples),
		Timestamp: e.StartTS,
	}
}

// seqAhead сообщает, что seq новее last с учетом переполнения
func seqAhead(seq, last uint16) bool {
	diff := seq - last
	return diff != 0 && diff < DTMFSeqWindow
}

// EventReconstructor собирает пакеты событий в отдельные нажатия.
//
// Одно нажатие передается серией пакетов с общей меткой времени начала
// и растущей длительностью, завершается тремя пакетами с флагом E.
// Восстановитель допускает отправителей с дрожащими или стоящими на
// месте метками и переупорядоченные пакеты.
//
// Очередь результатов вмещает одно событие. Вызывающий обязан
// забирать его через Next до подачи следующих пакетов: событие,
// завершенное при занятой очереди, отбрасывается с диагностикой.
// Не потокобезопасен, защищается блокировкой сессии.
type EventReconstructor struct {
	logger *logrus.Entry

	active   bool
	digit    rune
	startTS  uint32
	duration uint32
	lastSeq  uint16

	// последнее завершенное нажатие, чтобы отбрасывать повторные
	// пакеты окончания
	doneValid bool
	doneDigit rune
	doneTS    uint32

	queued  *DigitEvent
	dropped uint64
}

// NewEventReconstructor создает восстановитель событий
func NewEventReconstructor(logger *logrus.Entry) *EventReconstructor {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &EventReconstructor{logger: logger}
}

// sameOccurrence проверяет, относится ли пакет к текущему нажатию
func (r *EventReconstructor) sameOccurrence(digit rune, ts uint32) bool {
	if !r.active || digit != r.digit {
		return false
	}
	if ts == r.startTS {
		return true
	}
	d := int32(ts - r.startTS)
	if d > 0 {
		return uint32(d) <= r.duration+DTMFSlack
	}
	return -d <= DTMFReorderWindow
}

// Process обрабатывает пакет telephone-event
func (r *EventReconstructor) Process(payload []byte, seq uint16, ts uint32) error {
	p, err := ParseEventPayload(payload)
	if err != nil {
		return err
	}
	digit, ok := EventToDigit(p.Event)
	if !ok {
		r.logger.WithField("event", p.Event).Debug("Игнорируем неизвестное событие")
		return nil
	}

	if !r.active && r.doneValid && digit == r.doneDigit && ts == r.doneTS {
		// Повторные пакеты окончания уже выданного нажатия
		return nil
	}

	if !r.sameOccurrence(digit, ts) {
		r.flush()
		r.active = true
		r.digit = digit
		r.startTS = ts
		r.duration = uint32(p.Duration)
		r.lastSeq = seq
	} else if seqAhead(seq, r.lastSeq) {
		newDuration := ts + uint32(p.Duration) - r.startTS
		if newDuration > r.duration {
			r.duration = newDuration
		}
		r.lastSeq = seq
	} else if d := int32(r.startTS - ts); d > 0 {
		// переупорядоченный ранний пакет сдвигает начало назад
		r.duration += uint32(d)
		r.startTS = ts
	}

	if p.End && r.queued == nil {
		r.flush()
	}
	return nil
}

// ProcessCisco обрабатывает Cisco DTMF: символ в младших 5 битах
// 32-битного слова, без флага окончания. Нажатие закрывается сменой
// символа или таймаутом (Expire).
func (r *EventReconstructor) ProcessCisco(payload []byte, seq uint16, ts uint32) error {
	if len(payload) < 4 {
		return newError(ErrTruncated, "", nil, map[string]interface{}{"length": len(payload)})
	}
	word := binary.BigEndian.Uint32(payload)
	digit, ok := EventToDigit(uint8(word & 0x1f))
	if !ok {
		return nil
	}

	if r.active && digit != r.digit {
		r.flush()
	}
	if !r.active {
		r.active = true
		r.digit = digit
		r.startTS = ts
		r.duration = 0
	} else if d := int32(ts - r.startTS); d > 0 && uint32(d) > r.duration {
		r.duration = uint32(d)
	}
	r.lastSeq = seq
	return nil
}

// Expire закрывает нажатие, пакеты окончания которого так и не пришли,
// когда метка времени аудио ушла за start + duration + timeout.
// Возвращает true, если появилось событие для выдачи.
func (r *EventReconstructor) Expire(ts uint32, timeout uint32) bool {
	if !r.active {
		return false
	}
	deadline := r.startTS + r.duration + timeout
	if int32(ts-deadline) > 0 {
		r.logger.WithFields(logrus.Fields{
			"digit":    string(r.digit),
			"start_ts": r.startTS,
		}).Debug("DTMF цифра закрыта по таймауту")
		r.flush()
	}
	return r.queued != nil
}

// flush переносит текущее нажатие в очередь
func (r *EventReconstructor) flush() {
	if !r.active {
		return
	}
	ev := DigitEvent{Digit: r.digit, StartTS: r.startTS, Samples: r.duration}
	r.active = false
	r.doneValid = true
	r.doneDigit = r.digit
	r.doneTS = r.startTS

	if r.queued != nil {
		r.dropped++
		r.logger.WithFields(logrus.Fields{
			"digit":   string(ev.Digit),
			"pending": string(r.queued.Digit),
		}).Warn("DTMF событие отброшено: предыдущее еще не забрано")
		return
	}
	r.queued = &ev
}

// Pending сообщает, что в очереди есть событие
func (r *EventReconstructor) Pending() bool {
	return r.queued != nil
}

// Next забирает событие из очереди
func (r *EventReconstructor) Next() (DigitEvent, bool) {
	if r.queued == nil {
		return DigitEvent{}, false
	}
	ev := *r.queued
	r.queued = nil
	return ev, true
}

// Active сообщает, что нажатие еще не завершено
func (r *EventReconstructor) Active() bool {
	return r.active
}

// DroppedEvents количество событий, потерянных из-за занятой очереди
func (r *EventReconstructor) DroppedEvents() uint64 {
	return r.dropped
}

// Reset сбрасывает состояние
func (r *EventReconstructor) Reset() {
	*r = EventReconstructor{logger: r.logger, dropped: r.dropped}
}

// String для отладки
func (r *EventReconstructor) String() string {
	if !r.active {
		return "idle"
	}
	return fmt.Sprintf("%c start=%d dur=%d", r.digit, r.startTS, r.duration)
}
