package rtp

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pion/rtcp"
	"github.com/sirupsen/logrus"
)

// ntpEpochOffset секунды между эпохой NTP (1900) и Unix (1970)
const ntpEpochOffset = 2208988800

// toNTP переводит время в 64-битный NTP формат
func toNTP(t time.Time) uint64 {
	secs := uint64(t.Unix()) + ntpEpochOffset
	frac := (uint64(t.Nanosecond()) << 32) / uint64(time.Second)
	return secs<<32 | frac
}

// ntpMiddle средние 32 бита NTP времени (формат LSR/DLSR)
func ntpMiddle(ntp uint64) uint32 {
	return uint32(ntp >> 16)
}

// computeRTT время кругового обхода в миллисекундах по RFC 3550 6.4.1:
// now - LSR - DLSR в единицах 1/65536 с. Отрицательное значение означает,
// что отчет некорректен или LSR не было.
func computeRTT(now time.Time, lsr, dlsr uint32) float64 {
	if lsr == 0 {
		return -1
	}
	a := ntpMiddle(toNTP(now))
	rtt := int32(a - lsr - dlsr)
	if rtt < 0 {
		return -1
	}
	return float64(rtt) * 1000 / 65536
}

// statsSource то, что отчетам нужно от медиа сессии
type statsSource interface {
	ID() string
	SSRC() uint32
	Stats() Stats
	ControlTransport() Transport
	SecureContext() SecureContext
}

// Reporter канал управления сессии: разбирает входящие отчеты в
// события телеметрии и формирует исходящие SR/RR с SDES CNAME.
type Reporter struct {
	mu      sync.Mutex
	source  statsSource
	sink    EventSink
	logger  *logrus.Entry
	cname   string
	clock   func() time.Time
	running bool

	// последний полученный SR для LSR/DLSR
	lastSR     uint32
	lastSRTime time.Time

	// состояние для расчета доли потерь за интервал
	expectedPrior uint32
	receivedPrior uint32
	lastTxPackets uint32

	sentReports uint64
}

// NewReporter создает канал управления для сессии
func NewReporter(s *Session, sink EventSink, logger *logrus.Entry) *Reporter {
	return newReporter(s, sink, logger)
}

func newReporter(src statsSource, sink EventSink, logger *logrus.Entry) *Reporter {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	cname := CurrentConfig().CNAME
	if cname == "" {
		cname = src.ID()
	}
	return &Reporter{
		source: src,
		sink:   sink,
		logger: logger.WithFields(logrus.Fields{"component": "rtcp", "session": src.ID()}),
		cname:  cname,
		clock:  time.Now,
	}
}

// SetCNAME задает CNAME для SDES
func (r *Reporter) SetCNAME(cname string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cname = cname
}

func (r *Reporter) emit(name string, fields map[string]interface{}) {
	if r.sink == nil {
		return
	}
	r.sink.Emit(TelemetryEvent{
		Name:      name,
		SessionID: r.source.ID(),
		Time:      r.clock(),
		Fields:    fields,
	})
}

// HandlePacket разбирает составной RTCP пакет и отправляет события
func (r *Reporter) HandlePacket(buf []byte) error {
	if sc, ok := r.source.SecureContext().(ControlSecureContext); ok && sc != nil {
		plain, err := sc.UnprotectControl(buf)
		if err != nil {
			return newError(ErrSecure, r.source.ID(), err, nil)
		}
		buf = plain
	}

	packets, err := rtcp.Unmarshal(buf)
	if err != nil {
		droppedTotal.WithLabelValues("rtcp").Inc()
		return fmt.Errorf("ошибка разбора RTCP: %w", err)
	}

	now := r.clock()
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, p := range packets {
		switch pkt := p.(type) {
		case *rtcp.SenderReport:
			r.lastSR = ntpMiddle(pkt.NTPTime)
			r.lastSRTime = now
			fields := map[string]interface{}{
				FieldSSRC:        pkt.SSRC,
				FieldSentNTP:     pkt.NTPTime,
				FieldSentRTP:     pkt.RTPTime,
				FieldSentPackets: pkt.PacketCount,
				FieldSentOctets:  pkt.OctetCount,
			}
			if len(pkt.Reports) > 0 {
				r.reportFields(fields, pkt.Reports[0], now)
			}
			r.emit(EventRTCPSenderReport, fields)

		case *rtcp.ReceiverReport:
			for _, rep := range pkt.Reports {
				fields := map[string]interface{}{FieldSSRC: pkt.SSRC}
				r.reportFields(fields, rep, now)
				r.emit(EventRTCPReceiverReport, fields)
			}
			if len(pkt.Reports) == 0 {
				r.emit(EventRTCPReceiverReport, map[string]interface{}{FieldSSRC: pkt.SSRC})
			}

		case *rtcp.SourceDescription:
			for _, chunk := range pkt.Chunks {
				for _, item := range chunk.Items {
					if item.Type == rtcp.SDESCNAME {
						r.emit(EventRTCPSourceDesc, map[string]interface{}{
							FieldSSRC:  chunk.Source,
							FieldCNAME: item.Text,
						})
					}
				}
			}

		case *rtcp.Goodbye:
			for _, ssrc := range pkt.Sources {
				r.emit(EventRTCPBye, map[string]interface{}{
					FieldSSRC:   ssrc,
					FieldReason: pkt.Reason,
				})
			}

		default:
			r.logger.WithField("type", fmt.Sprintf("%T", p)).Trace("Необработанный RTCP пакет")
		}
	}
	return nil
}

// reportFields заполняет поля блока отчета о приеме
func (r *Reporter) reportFields(fields map[string]interface{}, rep rtcp.ReceptionReport, now time.Time) {
	rate := r.source.Stats().TxRate
	if rate <= 0 {
		rate = 8000
	}
	fields[FieldReportedSSRC] = rep.SSRC
	fields[FieldFractionLost] = float64(rep.FractionLost) / 256
	fields[FieldPacketsLost] = rep.TotalLost
	fields[FieldHighestSequence] = rep.LastSequenceNumber & 0xffff
	fields[FieldSequenceCycles] = rep.LastSequenceNumber >> 16
	fields[FieldJitter] = float64(rep.Jitter) / float64(rate)
	fields[FieldLastSR] = rep.LastSenderReport
	fields[FieldDLSR] = float64(rep.Delay) / 65536
	fields[FieldRTT] = computeRTT(now, rep.LastSenderReport, rep.Delay)
}

// buildReceptionReport блок отчета о входящем потоке
func (r *Reporter) buildReceptionReport(st Stats, now time.Time) (rtcp.ReceptionReport, bool) {
	if st.RxPackets == 0 {
		return rtcp.ReceptionReport{}, false
	}
	extended := st.ExtendedHighestSeq()
	expected := extended - uint32(st.BaseSeq) + 1
	lost := int64(expected) - int64(st.RxPackets)
	if lost < 0 {
		lost = 0
	}

	expectedInterval := expected - r.expectedPrior
	receivedInterval := st.RxPackets - r.receivedPrior
	r.expectedPrior = expected
	r.receivedPrior = st.RxPackets

	var fraction uint8
	if lostInterval := int64(expectedInterval) - int64(receivedInterval); expectedInterval > 0 && lostInterval > 0 {
		fraction = uint8((lostInterval << 8) / int64(expectedInterval))
	}

	var dlsr uint32
	if !r.lastSRTime.IsZero() {
		dlsr = uint32(now.Sub(r.lastSRTime).Seconds() * 65536)
	}

	rate := st.TxRate
	if rate <= 0 {
		rate = 8000
	}
	return rtcp.ReceptionReport{
		SSRC:               st.RemoteSSRC,
		FractionLost:       fraction,
		TotalLost:          uint32(lost) & 0xffffff,
		LastSequenceNumber: extended,
		Jitter:             uint32(st.Jitter * float64(rate)),
		LastSenderReport:   r.lastSR,
		Delay:              dlsr,
	}, true
}

// BuildReport формирует составной пакет: SR, если с прошлого отчета
// отправлялись пакеты, иначе RR, и SDES с CNAME
func (r *Reporter) BuildReport() ([]byte, error) {
	st := r.source.Stats()
	ssrc := r.source.SSRC()
	now := r.clock()

	r.mu.Lock()
	defer r.mu.Unlock()

	var reports []rtcp.ReceptionReport
	if rep, ok := r.buildReceptionReport(st, now); ok {
		reports = append(reports, rep)
	}

	var first rtcp.Packet
	if st.TxPackets != r.lastTxPackets {
		r.lastTxPackets = st.TxPackets
		rtpTS := st.LastTxTS
		if !st.LastTxTime.IsZero() && st.TxRate > 0 {
			rtpTS += uint32(now.Sub(st.LastTxTime).Seconds() * float64(st.TxRate))
		}
		first = &rtcp.SenderReport{
			SSRC:        ssrc,
			NTPTime:     toNTP(now),
			RTPTime:     rtpTS,
			PacketCount: st.TxPackets,
			OctetCount:  st.TxOctets,
			Reports:     reports,
		}
	} else {
		first = &rtcp.ReceiverReport{SSRC: ssrc, Reports: reports}
	}

	sdes := &rtcp.SourceDescription{
		Chunks: []rtcp.SourceDescriptionChunk{{
			Source: ssrc,
			Items:  []rtcp.SourceDescriptionItem{{Type: rtcp.SDESCNAME, Text: r.cname}},
		}},
	}
	return rtcp.Marshal([]rtcp.Packet{first, sdes})
}

// BuildBye формирует BYE с причиной
func (r *Reporter) BuildBye(reason string) ([]byte, error) {
	return rtcp.Marshal([]rtcp.Packet{&rtcp.Goodbye{
		Sources: []uint32{r.source.SSRC()},
		Reason:  reason,
	}})
}

// send защищает и отправляет пакет канала управления
func (r *Reporter) send(data []byte, kind string) error {
	transport := r.source.ControlTransport()
	if transport == nil || transport.Peer() == nil {
		return nil
	}
	if sc, ok := r.source.SecureContext().(ControlSecureContext); ok && sc != nil {
		protected, err := sc.ProtectControl(data)
		if err != nil {
			return newError(ErrSecure, r.source.ID(), err, nil)
		}
		data = protected
	}
	if _, err := transport.Send(data); err != nil {
		return newError(ErrTransport, r.source.ID(), err, map[string]interface{}{"rtcp": kind})
	}
	r.mu.Lock()
	r.sentReports++
	r.mu.Unlock()
	r.emit(EventRTCPSent, map[string]interface{}{FieldReason: kind})
	return nil
}

// SendReport отправляет очередной отчет
func (r *Reporter) SendReport() error {
	data, err := r.BuildReport()
	if err != nil {
		return fmt.Errorf("ошибка сборки RTCP отчета: %w", err)
	}
	return r.send(data, "report")
}

// SendBye отправляет BYE
func (r *Reporter) SendBye(reason string) error {
	data, err := r.BuildBye(reason)
	if err != nil {
		return fmt.Errorf("ошибка сборки RTCP BYE: %w", err)
	}
	return r.send(data, "bye")
}

// Run читает входящие отчеты и периодически отправляет свои, пока не
// отменен контекст или не закрыт транспорт. При выходе отправляется BYE.
func (r *Reporter) Run(ctx context.Context) error {
	transport := r.source.ControlTransport()
	if transport == nil {
		return fmt.Errorf("у сессии нет канала управления")
	}

	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return fmt.Errorf("канал управления уже запущен")
	}
	r.running = true
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		r.running = false
		r.mu.Unlock()
	}()

	interval := CurrentConfig().RTCPInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	next := r.clock().Add(interval)
	buf := make([]byte, MaxPacketSize)

	for {
		select {
		case <-ctx.Done():
			if err := r.SendBye("session closed"); err != nil {
				r.logger.WithError(err).Debug("Не удалось отправить RTCP BYE")
			}
			return ctx.Err()
		default:
		}

		n, _, err := transport.Recv(buf)
		switch {
		case err == nil:
			if herr := r.HandlePacket(buf[:n]); herr != nil {
				r.logger.WithError(herr).Debug("Некорректный RTCP пакет")
			}
		case errors.Is(err, ErrWouldBlock):
		case errors.Is(err, ErrSessionClosed):
			return nil
		default:
			r.logger.WithError(err).Debug("Ошибка чтения RTCP")
		}

		if now := r.clock(); !now.Before(next) {
			next = now.Add(interval)
			if err := r.SendReport(); err != nil {
				r.logger.WithError(err).Debug("Не удалось отправить RTCP отчет")
			}
		}
	}
}
