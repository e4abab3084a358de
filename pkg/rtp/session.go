package rtp

import (
	"crypto/rand"
	"encoding/binary"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const (
	// MaxTimestampSkew допуск в отсчетах, в пределах которого метка
	// времени привязывается к предсказанной
	MaxTimestampSkew = 640
	// MaxVideoTimestampSkew тот же допуск для видео (90 кГц)
	MaxVideoTimestampSkew = 7200

	// dtmfMuteWindow сколько после принятой DTMF цифры входящий голос заменяется шумом
	dtmfMuteWindow = 500 * time.Millisecond

	// seqCycle шаг счетчика циклов номера последовательности
	seqCycle = 1 << 16
)

// NATState состояние обучения адреса удаленной стороны
type NATState int

const (
	// NATInactive адрес еще не подтвержден входящим трафиком
	NATInactive NATState = iota
	// NATInactiveNoWarn как NATInactive, но ошибка отправки уже залогирована
	NATInactiveNoWarn
	// NATActive адрес выучен по входящему пакету
	NATActive
)

func (s NATState) String() string {
	switch s {
	case NATInactive:
		return "inactive"
	case NATInactiveNoWarn:
		return "inactive-nowarn"
	case NATActive:
		return "active"
	default:
		return "unknown"
	}
}

// FrameHandler получает фреймы, порожденные вне Read
// (например, DTMF, закрытый по таймауту)
type FrameHandler func(f *Frame)

// SessionConfig параметры создания сессии
type SessionConfig struct {
	// Transport медиа транспорт (обязателен)
	Transport Transport
	// Control транспорт канала управления (RTCP), опционально
	Control Transport

	Logger  *logrus.Entry
	Sink    EventSink
	Handler FrameHandler
	Secure  SecureContext
	Capture *Capture

	// NAT, StrictDTMF и DTMFTimeout по умолчанию берутся из CurrentConfig
	NAT         *bool
	StrictDTMF  *bool
	DTMFTimeout uint32

	// Ptime длительность исходящего пакета в мс, 0 означает значение кодека
	Ptime int
}

// pendingPhase фаза исходящего события
type pendingPhase int

const (
	phaseStart pendingPhase = iota
	phaseContinue
	phaseEnding
)

// pendingEvent исходящая DTMF цифра. В полете не более одной.
type pendingEvent struct {
	digit    rune
	event    uint8
	pt       uint8
	startTS  uint32
	evTS     uint32 // метка последнего пакета в строгом режиме
	duration uint32
	phase    pendingPhase
	endCount uint8 // сколько пакетов окончания осталось отправить (3 → 0)
}

// Stats счетчики сессии
type Stats struct {
	TxPackets uint32
	TxOctets  uint32
	RxPackets uint32
	RxOctets  uint32

	RemoteSSRC uint32
	// BaseSeq первый принятый номер последовательности
	BaseSeq uint16
	// LastRxSeq последний принятый номер последовательности
	LastRxSeq uint16
	// Cycles количество переполнений номера, умноженное на 65536
	Cycles uint32
	// Jitter межпакетный джиттер в секундах (RFC 3550)
	Jitter float64

	LastTxTS   uint32
	LastTxTime time.Time
	TxRate     int

	DroppedDTMF uint64
}

// ExtendedHighestSeq расширенный наибольший номер последовательности
func (st Stats) ExtendedHighestSeq() uint32 {
	return st.Cycles + uint32(st.LastRxSeq)
}

// Session медиа поток одного плеча звонка.
//
// Write и Read вызываются синхронно из цикла ввода-вывода звонка. Контроллер
// моста обращается к сессии из своей горутины, поэтому все разделяемое
// состояние (таблица кодеков, исходящее событие, адреса, мост, NAT)
// защищено мьютексом сессии и доступно только через методы.
type Session struct {
	mu sync.Mutex

	id     string
	logger *logrus.Entry
	sink   EventSink

	transport Transport
	control   Transport
	secure    SecureContext
	capture   *Capture
	handler   FrameHandler
	clock     func() time.Time

	registry *PayloadRegistry
	dtmf     *EventReconstructor
	smoother *Smoother
	ptime    int

	// исходящее направление
	ssrc         uint32
	seq          uint16
	lastTS       uint32
	lastDigitTS  uint32
	lastVideoTS  uint32
	txCore       time.Time
	lastTxFormat Codec
	setMarker    bool
	pending      *pendingEvent
	strictDTMF   bool

	// входящее направление
	rxSSRC       uint32
	rxSSRCValid  bool
	rxSeqValid   bool
	lastRxSeq    uint16
	lastRxTS     uint32
	lastRxFormat Codec
	lastEventSeq uint16
	eventSeqOK   bool
	rxCore       time.Time
	drxCore      time.Time
	seedRxTS     uint32
	rxTransit    float64
	rxJitter     float64
	dtmfMute     time.Time
	dtmfTimeout  uint32

	nat      bool
	natState NATState

	bridged       *Session
	p2pNeedDTMF   bool
	p2pSentMarker atomic.Bool

	stats  Stats
	closed bool
}

// generateRandom32 генерирует криптографически случайное 32-битное значение
func generateRandom32() uint32 {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return uint32(time.Now().UnixNano())
	}
	return binary.BigEndian.Uint32(b[:])
}

// NewSession создает сессию поверх транспорта
func NewSession(cfg SessionConfig) (*Session, error) {
	if cfg.Transport == nil {
		return nil, newError(ErrInvalidConfig, "", nil, map[string]interface{}{"reason": "транспорт обязателен"})
	}

	global := CurrentConfig()
	id := uuid.NewString()

	logger := cfg.Logger
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	logger = logger.WithFields(logrus.Fields{
		"component": "rtp",
		"session":   id,
	})

	s := &Session{
		id:          id,
		logger:      logger,
		sink:        cfg.Sink,
		transport:   cfg.Transport,
		control:     cfg.Control,
		secure:      cfg.Secure,
		capture:     cfg.Capture,
		handler:     cfg.Handler,
		clock:       time.Now,
		registry:    NewPayloadRegistry(),
		ptime:       cfg.Ptime,
		ssrc:        generateRandom32(),
		seq:         uint16(generateRandom32()),
		lastTS:      generateRandom32(),
		nat:         global.NAT,
		strictDTMF:  global.StrictDTMF,
		dtmfTimeout: global.DTMFTimeout,
	}
	s.lastDigitTS = s.lastTS
	s.dtmf = NewEventReconstructor(logger)

	if cfg.NAT != nil {
		s.nat = *cfg.NAT
	}
	if cfg.StrictDTMF != nil {
		s.strictDTMF = *cfg.StrictDTMF
	}
	if cfg.DTMFTimeout != 0 {
		s.dtmfTimeout = cfg.DTMFTimeout
	}
	if s.dtmfTimeout == 0 {
		s.dtmfTimeout = DefaultDTMFTimeout
	}
	return s, nil
}

// ID уникальный идентификатор сессии
func (s *Session) ID() string {
	return s.id
}

// SSRC идентификатор исходящего потока
func (s *Session) SSRC() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ssrc
}

// Registry таблица payload type сессии
func (s *Session) Registry() *PayloadRegistry {
	return s.registry
}

// Peer адрес удаленной стороны
func (s *Session) Peer() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transport.Peer()
}

// SetPeer задает адрес удаленной стороны. Канал управления
// перенаправляется на порт + 1. nil останавливает отправку.
func (s *Session) SetPeer(addr net.Addr) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setPeerLocked(addr)
}

func (s *Session) setPeerLocked(addr net.Addr) {
	s.transport.SetPeer(addr)
	if s.control != nil {
		if addr == nil {
			s.control.SetPeer(nil)
		} else if ctl := controlAddr(addr); ctl != nil {
			s.control.SetPeer(ctl)
		}
	}
	// новый адрес означает новый входящий поток
	s.rxSeqValid = false
	s.rxSSRCValid = false
	s.eventSeqOK = false
}

// ControlPeer адрес канала управления
func (s *Session) ControlPeer() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.control == nil {
		return nil
	}
	return s.control.Peer()
}

// ControlTransport транспорт канала управления
func (s *Session) ControlTransport() Transport {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.control
}

// SetTransport заменяет медиа транспорт без пересоздания сессии
func (s *Session) SetTransport(t Transport) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transport = t
}

// LocalAddr локальный адрес медиа транспорта
func (s *Session) LocalAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transport.LocalAddr()
}

// SetNAT включает режим обучения адреса
func (s *Session) SetNAT(on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nat = on
	if sym, ok := s.transport.(interface{ SetSymmetric(bool) }); ok {
		sym.SetSymmetric(on)
	}
	if !on {
		s.natState = NATInactive
	}
}

// NATState состояние обучения адреса
func (s *Session) NATState() NATState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.natState
}

// NATActive сообщает, что адрес выучен по входящему трафику
func (s *Session) NATActive() bool {
	return s.NATState() == NATActive
}

// NATPending сообщает, что включен NAT режим и адрес еще не выучен
func (s *Session) NATPending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nat && s.natState != NATActive
}

// SetStrictDTMF включает режим подавления аудио во время DTMF
func (s *Session) SetStrictDTMF(on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.strictDTMF = on
}

// SetPtime задает длительность исходящего пакета в мс
func (s *Session) SetPtime(ms int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ptime = ms
	s.smoother = nil
}

// SetMarker принудительно ставит marker бит следующему пакету
func (s *Session) SetMarker() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setMarker = true
}

// SetFrameHandler задает получателя фреймов, порожденных вне Read
func (s *Session) SetFrameHandler(h FrameHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handler = h
}

// SetSecureContext включает защищенный транспорт
func (s *Session) SetSecureContext(c SecureContext) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.secure = c
}

// SecureContext возвращает контекст защищенного транспорта
func (s *Session) SecureContext() SecureContext {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.secure
}

// SetSink задает приемник телеметрии
func (s *Session) SetSink(sink EventSink) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sink = sink
}

// SetBridged включает пересылку входящих пакетов напрямую в peer.
// needDTMF оставляет telephone-event пакеты для обработки в сессии.
// nil выключает пересылку.
func (s *Session) SetBridged(peer *Session, needDTMF bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bridged = peer
	s.p2pNeedDTMF = needDTMF
	s.p2pSentMarker.Store(false)
}

// Bridged возвращает сессию, в которую идет пересылка
func (s *Session) Bridged() *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bridged
}

// Codec последний кодек входящего потока
func (s *Session) Codec() Codec {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastRxFormat
}

// TxCodec последний кодек исходящего потока
func (s *Session) TxCodec() Codec {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastTxFormat
}

// HasDTMF сообщает, согласован ли RFC 4733 с удаленной стороной
func (s *Session) HasDTMF() bool {
	_, events := s.registry.Codecs()
	return events&EventDTMF != 0
}

// Stats возвращает копию счетчиков
func (s *Session) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stats
	st.Jitter = s.rxJitter
	st.LastTxTS = s.lastTS
	st.LastTxTime = s.txCore
	st.TxRate = s.lastTxFormat.ClockRate()
	st.DroppedDTMF = s.dtmf.DroppedEvents()
	return st
}

// Close закрывает сессию и ее транспорты
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.bridged = nil
	var err error
	if s.control != nil {
		err = s.control.Close()
	}
	if cerr := s.transport.Close(); cerr != nil {
		err = cerr
	}
	return err
}

// emit отправляет событие телеметрии
func (s *Session) emit(name string, fields map[string]interface{}) {
	if s.sink == nil {
		return
	}
	s.sink.Emit(TelemetryEvent{
		Name:      name,
		SessionID: s.id,
		Time:      s.clock(),
		Fields:    fields,
	})
}
