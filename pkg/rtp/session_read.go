package rtp

import (
	"encoding/binary"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
)

// Read читает и обрабатывает один входящий пакет.
//
// Возвращает nil фрейм, если пакет отброшен, переслан в мост, поглощен
// восстановителем событий или данных пока нет. Ошибка возвращается
// только для отказа транспорта или защищенного контекста.
func (s *Session) Read() (*Frame, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrSessionClosed
	}
	transport := s.transport
	s.mu.Unlock()

	buf := make([]byte, MaxPacketSize+HeaderSize)
	n, changed, err := transport.Recv(buf)
	if err != nil {
		if errors.Is(err, ErrWouldBlock) {
			return nil, nil
		}
		return nil, err
	}
	return s.HandlePacket(buf[:n], changed)
}

// HandlePacket обрабатывает уже прочитанный пакет
func (s *Session) HandlePacket(buf []byte, peerChanged bool) (*Frame, error) {
	if len(buf) < HeaderSize {
		s.drop("short", nil)
		return nil, nil
	}
	if peekVersion(buf) == 0 {
		// версия 0 похожа на STUN, обработка за пределами движка
		s.drop("stun", nil)
		return nil, nil
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrSessionClosed
	}
	if s.secure != nil {
		plain, err := s.secure.Unprotect(buf)
		if err != nil {
			s.mu.Unlock()
			s.logger.WithError(err).Debug("Ошибка снятия защиты RTP пакета")
			return nil, newError(ErrSecure, s.id, err, nil)
		}
		buf = plain
	}
	if peerChanged && s.nat {
		s.learnPeerLocked()
	}
	if s.capture != nil {
		s.capture.Packet(s.transport.Peer(), s.transport.LocalAddr(), buf)
	}
	bridged, needDTMF := s.bridged, s.p2pNeedDTMF
	s.mu.Unlock()

	if bridged != nil && s.relay(bridged, buf, needDTMF) {
		return nil, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.processLocked(buf)
}

// learnPeerLocked принимает адрес, с которого пришел пакет
func (s *Session) learnPeerLocked() {
	peer := s.transport.Peer()
	if s.natState != NATActive {
		s.logger.WithField("peer", addrString(peer)).Debug("RTP NAT: получен звук от удаленной стороны, отправляем на новый адрес")
	}
	s.natState = NATActive
	s.rxSeqValid = false
	s.eventSeqOK = false
	if s.control != nil {
		if ctl := controlAddr(peer); ctl != nil {
			s.control.SetPeer(ctl)
		}
	}
	natLearnedTotal.Inc()
	s.emit(EventNATLearned, map[string]interface{}{FieldPeer: addrString(peer)})
}

// processLocked разбирает пакет и превращает его во фрейм
func (s *Session) processLocked(buf []byte) (*Frame, error) {
	pkt, err := ParsePacket(buf)
	if err != nil {
		reason := "malformed"
		if errors.Is(err, ErrBadVersion) {
			reason = "version"
		}
		s.drop(reason, err)
		return nil, nil
	}
	h := pkt.Header
	marker := h.Marker

	if s.rxSSRCValid && h.SSRC != s.rxSSRC {
		s.logger.WithFields(logrus.Fields{
			"old_ssrc": s.rxSSRC,
			"new_ssrc": h.SSRC,
		}).Debug("Сменился SSRC, ставим marker")
		marker = true
		s.eventSeqOK = false
	}
	s.rxSSRC = h.SSRC
	s.rxSSRCValid = true
	s.stats.RemoteSSRC = h.SSRC

	if !s.rxSeqValid {
		s.stats.BaseSeq = h.SequenceNumber
		s.rxSeqValid = true
	} else if int(s.lastRxSeq)-int(h.SequenceNumber) > 100 {
		// отправитель прошел через переполнение, допускаем переупорядочивание
		s.stats.Cycles += seqCycle
	}
	s.lastRxSeq = h.SequenceNumber
	s.stats.LastRxSeq = h.SequenceNumber
	s.stats.RxPackets++
	s.stats.RxOctets += uint32(len(pkt.Payload))
	packetsTotal.WithLabelValues("rx").Inc()
	octetsTotal.WithLabelValues("rx").Add(float64(len(pkt.Payload)))

	entry := s.registry.Lookup(h.PayloadType)
	if !entry.IsCodec {
		return s.processEventLocked(entry, pkt)
	}

	codec := entry.Codec()
	s.lastRxFormat = codec

	f := &Frame{
		Codec:     codec,
		Data:      append([]byte(nil), pkt.Payload...),
		Seq:       h.SequenceNumber,
		Timestamp: h.Timestamp,
		Marker:    marker,
	}

	if codec.IsVideo() {
		f.Type = FrameVideo
		f.Delivery = s.calcRxStampLocked(h.Timestamp, codec)
		s.lastRxTS = h.Timestamp
		return f, nil
	}

	f.Type = FrameVoice
	f.Samples = Samples(codec, f.Data)
	f.Delivery = s.calcRxStampLocked(h.Timestamp, codec)
	if codec == CodecSLINEAR {
		f.Data = swapSamples(f.Data)
	}
	s.lastRxTS = h.Timestamp

	if s.dtmf.Expire(h.Timestamp, s.dtmfTimeout) {
		ev, _ := s.dtmf.Next()
		df := ev.Frame(8000)
		dtmfEventsTotal.WithLabelValues("rx").Inc()
		if s.handler == nil {
			// без обработчика событие важнее одного голосового пакета
			return df, nil
		}
		s.handler(df)
	}

	if !s.dtmfMute.IsZero() && s.clock().Before(s.dtmfMute) {
		return &Frame{
			Type:      FrameCNG,
			Codec:     codec,
			Samples:   f.Samples,
			Delivery:  f.Delivery,
			Seq:       f.Seq,
			Timestamp: f.Timestamp,
			Level:     0x7f,
		}, nil
	}
	return f, nil
}

// processEventLocked обрабатывает не-кодековые payload
func (s *Session) processEventLocked(entry PayloadEntry, pkt *Packet) (*Frame, error) {
	seq := pkt.Header.SequenceNumber
	ts := pkt.Header.Timestamp

	switch entry.Code {
	case EventDTMF, EventCiscoDTMF:
		if s.eventSeqOK && eventSeqStale(seq, s.lastEventSeq) {
			s.drop("event_stale", nil)
			return nil, nil
		}
		// переупорядоченные пакеты не сдвигают номер назад,
		// их разбирает восстановитель
		if !s.eventSeqOK || int16(seq-s.lastEventSeq) > 0 {
			s.lastEventSeq = seq
			s.eventSeqOK = true
		}

		var err error
		if entry.Code == EventDTMF {
			err = s.dtmf.Process(pkt.Payload, seq, ts)
		} else {
			err = s.dtmf.ProcessCisco(pkt.Payload, seq, ts)
		}
		if err != nil {
			s.drop("event", err)
			return nil, nil
		}
		return s.nextDigitLocked(), nil

	case EventCN:
		return s.processCNLocked(pkt), nil

	default:
		s.logger.WithFields(logrus.Fields{
			"payload_type": pkt.Header.PayloadType,
			"peer":         addrString(s.transport.Peer()),
		}).Info("Получен неизвестный RTP кодек")
		s.drop("unknown_codec", nil)
		return nil, nil
	}
}

// eventSeqStale пакет события отстает от последнего принятого больше,
// чем на окно переупорядочивания
func eventSeqStale(seq, last uint16) bool {
	return int16(last-seq) >= DTMFSeqWindow
}

// nextDigitLocked забирает восстановленную цифру
func (s *Session) nextDigitLocked() *Frame {
	if dropped := s.dtmf.DroppedEvents(); dropped > s.stats.DroppedDTMF {
		dtmfDroppedTotal.Add(float64(dropped - s.stats.DroppedDTMF))
		s.stats.DroppedDTMF = dropped
		s.emit(EventDTMFDropped, map[string]interface{}{FieldReason: "queue_full"})
	}
	ev, ok := s.dtmf.Next()
	if !ok {
		return nil
	}
	s.dtmfMute = s.clock().Add(dtmfMuteWindow)
	dtmfEventsTotal.WithLabelValues("rx").Inc()
	s.logger.WithFields(logrus.Fields{
		"digit":    string(ev.Digit),
		"duration": ev.Samples,
	}).Debug("Получена DTMF цифра")
	return ev.Frame(8000)
}

// processCNLocked разбирает пакет комфортного шума (RFC 3389)
func (s *Session) processCNLocked(pkt *Packet) *Frame {
	f := &Frame{
		Type:      FrameCNG,
		Codec:     s.lastRxFormat,
		Seq:       pkt.Header.SequenceNumber,
		Timestamp: pkt.Header.Timestamp,
	}
	if len(pkt.Payload) > 0 {
		f.Level = int(pkt.Payload[0] & 0x7f)
		f.Data = append([]byte(nil), pkt.Payload[1:]...)
	}
	return f
}

// calcRxStampLocked вычисляет время доставки входящего пакета и
// обновляет межпакетный джиттер (RFC 3550, 6.4.1)
func (s *Session) calcRxStampLocked(ts uint32, codec Codec) time.Time {
	rate := float64(codec.ClockRate())
	now := s.clock()

	if s.rxCore.IsZero() {
		s.seedRxTS = ts
		s.rxCore = now.Truncate(100 * time.Microsecond)
		s.drxCore = now
	}

	elapsed := time.Duration(float64(ts-s.seedRxTS) / rate * float64(time.Second))
	delivery := s.rxCore.Add(elapsed)

	transit := now.Sub(s.drxCore).Seconds() - float64(ts-s.seedRxTS)/rate
	d := transit - s.rxTransit
	s.rxTransit = transit
	if d < 0 {
		d = -d
	}
	s.rxJitter += (d - s.rxJitter) / 16
	return delivery
}

// relay пересылает пакет в сессию моста, подменяя payload type на
// согласованный у той стороны. false означает, что пакет должен
// пройти обычную обработку.
func (s *Session) relay(bridged *Session, buf []byte, needDTMF bool) bool {
	if len(buf) < HeaderSize || peekVersion(buf) != Version {
		return false
	}
	word := binary.BigEndian.Uint32(buf[0:4])
	pt := uint8((word >> 16) & 0x7f)
	mark := word&(1<<23) != 0

	entry := s.registry.Lookup(pt)
	if needDTMF && !entry.IsCodec && entry.Code == EventDTMF {
		return false
	}
	if !bridged.registry.Negotiated(entry) {
		// формат не согласован с той стороной, мост должен разорваться
		return false
	}
	bridgedPT, ok := bridged.registry.LookupCode(entry.IsCodec, entry.Code)
	if !ok {
		return false
	}
	if !s.p2pSentMarker.Swap(true) {
		mark = true
	}

	word &= 0xff80ffff
	word |= uint32(bridgedPT) << 16
	if mark {
		word |= 1 << 23
	}
	out := append([]byte(nil), buf...)
	binary.BigEndian.PutUint32(out[0:4], word)
	bridged.sendRaw(out)
	return true
}

// sendRaw отправляет готовый пакет, пришедший через мост
func (s *Session) sendRaw(data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.transport.Peer() == nil {
		return
	}
	if _, err := s.transport.Send(data); err != nil {
		if !s.nat || s.natState == NATActive {
			s.logger.WithError(err).Debug("Ошибка пересылки RTP пакета через мост")
		} else if s.natState == NATInactive {
			s.logger.Debug("RTP NAT: не удается переслать на приватный адрес, ждем пакетов от удаленной стороны")
			s.natState = NATInactiveNoWarn
		}
		transportErrorsTotal.WithLabelValues("true").Inc()
		return
	}
	s.stats.TxPackets++
	if len(data) > HeaderSize {
		s.stats.TxOctets += uint32(len(data) - HeaderSize)
	}
	packetsTotal.WithLabelValues("tx").Inc()
}

// drop учитывает отброшенный пакет
func (s *Session) drop(reason string, err error) {
	droppedTotal.WithLabelValues(reason).Inc()
	if err != nil {
		s.logger.WithError(err).WithField("reason", reason).Trace("Пакет отброшен")
	}
}
