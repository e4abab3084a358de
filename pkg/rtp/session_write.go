package rtp

import (
	"time"

	"github.com/sirupsen/logrus"
)

const (
	// dtmfInitialDuration длительность первого пакета цифры в отсчетах
	dtmfInitialDuration = 160
	// dtmfEndPackets количество пакетов окончания цифры
	dtmfEndPackets = 3
	// dtmfVolume громкость исходящих событий, -10 dBm0
	dtmfVolume = 10
)

// Write отправляет голосовой или видео фрейм.
//
// Без адреса удаленной стороны и для пустого фрейма ничего не делает.
// Голос проходит через пакетизатор кодека, метка времени вычисляется
// по времени доставки фрейма или по часам.
func (s *Session) Write(f *Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrSessionClosed
	}
	if s.transport.Peer() == nil {
		return nil
	}
	if f == nil || len(f.Data) == 0 {
		return nil
	}
	if f.Type != FrameVoice && f.Type != FrameVideo {
		s.logger.WithField("frame_type", f.Type.String()).Warn("Нельзя отправить фрейм этого типа через RTP")
		return ErrUnsupportedFrame
	}

	pt, ok := s.registry.LookupCode(true, int(f.Codec))
	if !ok {
		s.logger.WithField("codec", f.Codec.String()).Warn("Нет payload type для кодека")
		return newError(ErrNoPayloadMapping, s.id, nil, map[string]interface{}{"codec": f.Codec.String()})
	}

	if s.lastTxFormat != f.Codec {
		s.logger.WithFields(logrus.Fields{
			"from": s.lastTxFormat.String(),
			"to":   f.Codec.String(),
		}).Debug("Смена исходящего кодека")
		s.lastTxFormat = f.Codec
		s.smoother = nil
	}

	if f.Type == FrameVideo {
		return s.sendFrame(f, pt)
	}

	if s.smoother == nil {
		size, flags := SmootherSize(f.Codec, s.ptime)
		if size == 0 {
			return s.sendFrame(f, pt)
		}
		s.smoother = NewSmoother(size, flags)
	}

	if err := s.smoother.Feed(f); err != nil {
		s.logger.WithError(err).WithField("codec", f.Codec.String()).Warn("Пакетизатор отверг фрейм")
		return err
	}
	for out := s.smoother.Read(); out != nil; out = s.smoother.Read() {
		if err := s.sendFrame(out, pt); err != nil {
			return err
		}
	}
	return nil
}

// calcTxStamp возвращает миллисекунды с предыдущего пакета.
// Начало отсчета округляется до 20 мс.
func (s *Session) calcTxStamp(delivery time.Time) uint32 {
	if s.txCore.IsZero() {
		s.txCore = s.clock().Truncate(20 * time.Millisecond)
	}
	t := delivery
	if t.IsZero() {
		t = s.clock()
	}
	ms := t.Sub(s.txCore).Milliseconds()
	if ms < 0 {
		ms = 0
	}
	s.txCore = t
	return uint32(ms)
}

func absDiff(a, b uint32) uint32 {
	d := int32(a - b)
	if d < 0 {
		return uint32(-d)
	}
	return uint32(d)
}

// sendFrame вычисляет метку времени и отправляет один пакет фрейма
func (s *Session) sendFrame(f *Frame, pt uint8) error {
	ms := s.calcTxStamp(f.Delivery)
	rate := uint32(f.Codec.ClockRate())
	mark := false

	switch f.Type {
	case FrameVoice:
		pred := s.lastTS + uint32(rtpSamples(f.Codec, f.Samples))
		s.lastTS += ms * rate / 1000
		if f.Delivery.IsZero() {
			if absDiff(s.lastTS, pred) < MaxTimestampSkew {
				s.lastTS = pred
			} else {
				s.logger.WithFields(logrus.Fields{
					"diff": absDiff(s.lastTS, pred),
					"ms":   ms,
				}).Debug("Разрыв метки времени, ставим marker")
				mark = true
			}
		}
	case FrameVideo:
		mark = f.Marker
		pred := s.lastVideoTS + uint32(f.Samples)
		s.lastTS += ms * rate / 1000
		if f.Delivery.IsZero() {
			if absDiff(s.lastTS, pred) < MaxVideoTimestampSkew {
				s.lastTS = pred
				s.lastVideoTS += uint32(f.Samples)
			} else {
				s.lastVideoTS = s.lastTS
			}
		}
	}

	if s.setMarker {
		mark = true
		s.setMarker = false
	}
	if int32(s.lastTS-s.lastDigitTS) > 0 {
		s.lastDigitTS = s.lastTS
	}

	if f.Type == FrameVoice && s.pending != nil {
		if err := s.advancePending(f); err != nil {
			return err
		}
		if s.strictDTMF && s.pending != nil {
			// аудио подавляется до окончания цифры
			return nil
		}
	}

	return s.sendPacket(pt, mark, s.lastTS, f.Data)
}

// sendPacket собирает, защищает и отправляет пакет.
// Номер последовательности растет даже при ошибке отправки.
func (s *Session) sendPacket(pt uint8, marker bool, ts uint32, payload []byte) error {
	seq := s.seq
	s.seq++

	data, err := MarshalPacket(buildHeader(pt, seq, ts, s.ssrc, marker), payload)
	if err != nil {
		return newError(ErrTruncated, s.id, err, nil)
	}
	if s.secure != nil {
		data, err = s.secure.Protect(data)
		if err != nil {
			s.logger.WithError(err).Warn("Ошибка защиты RTP пакета")
			return newError(ErrSecure, s.id, err, nil)
		}
	}

	peer := s.transport.Peer()
	if s.capture != nil {
		s.capture.Packet(s.transport.LocalAddr(), peer, data)
	}

	n, err := s.transport.Send(data)
	if err != nil {
		return s.transportError(seq, err)
	}

	s.stats.TxPackets++
	if n > HeaderSize {
		s.stats.TxOctets += uint32(n - HeaderSize)
	}
	packetsTotal.WithLabelValues("tx").Inc()
	octetsTotal.WithLabelValues("tx").Add(float64(len(payload)))
	return nil
}

// transportError логирует ошибку отправки. Пока NAT обучение не
// завершено, ошибка логируется один раз и дальше подавляется.
func (s *Session) transportError(seq uint16, err error) error {
	fields := logrus.Fields{
		"seq":  seq,
		"peer": addrString(s.transport.Peer()),
	}
	if !s.nat || s.natState == NATActive {
		transportErrorsTotal.WithLabelValues("false").Inc()
		s.logger.WithError(err).WithFields(fields).Debug("Ошибка передачи RTP пакета")
		return newError(ErrTransport, s.id, err, map[string]interface{}{"seq": seq})
	}

	transportErrorsTotal.WithLabelValues("true").Inc()
	if s.natState == NATInactive {
		s.logger.WithFields(fields).Debug("RTP NAT: не удается отправить на приватный адрес, ждем пакетов от удаленной стороны")
		s.natState = NATInactiveNoWarn
	}
	return nil
}

// SendDigitBegin начинает передачу DTMF цифры.
// Одновременно передается не более одной цифры.
func (s *Session) SendDigitBegin(digit rune) error {
	event, ok := DigitToEvent(digit)
	if !ok {
		s.logger.WithField("digit", string(digit)).Warn("Недопустимый DTMF символ")
		return newError(ErrInvalidDigit, s.id, nil, map[string]interface{}{"digit": string(digit)})
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrSessionClosed
	}
	if s.transport.Peer() == nil {
		return nil
	}

	if s.pending != nil && s.pending.phase == phaseEnding {
		// добиваем пакеты окончания предыдущей цифры
		if err := s.sendEndPackets(); err != nil {
			return err
		}
	}
	if s.pending != nil {
		s.logger.WithFields(logrus.Fields{
			"digit":   string(digit),
			"pending": string(s.pending.digit),
		}).Warn("DTMF цифра не отправлена: предыдущая еще передается")
		return newError(ErrDigitInProgress, s.id, nil, map[string]interface{}{"digit": string(digit)})
	}

	pt, ok := s.registry.LookupCode(false, EventDTMF)
	if !ok {
		return newError(ErrNoPayloadMapping, s.id, nil, map[string]interface{}{"event": "telephone-event"})
	}

	base := s.lastTS
	if int32(s.lastDigitTS-base) > 0 {
		base = s.lastDigitTS
	}
	ev := &pendingEvent{
		digit:    digit,
		event:    event,
		pt:       pt,
		startTS:  base + dtmfInitialDuration,
		duration: dtmfInitialDuration,
		phase:    phaseStart,
	}
	ev.evTS = ev.startTS
	s.pending = ev

	payload := EventPayload{Event: event, Volume: dtmfVolume, Duration: uint16(ev.duration)}.Marshal()
	err := s.sendPacket(pt, true, ev.startTS, payload)
	ev.phase = phaseContinue
	dtmfEventsTotal.WithLabelValues("tx").Inc()
	return err
}

// advancePending отправляет пакет продолжения текущей цифры перед
// аудио пакетом той же длительности, либо добивает пакеты окончания
func (s *Session) advancePending(f *Frame) error {
	ev := s.pending
	if ev.phase == phaseEnding {
		return s.sendEndPackets()
	}

	step := uint32(rtpSamples(f.Codec, f.Samples))
	if step == 0 {
		step = dtmfInitialDuration
	}
	ev.duration += step
	ts := ev.startTS
	if s.strictDTMF {
		ev.evTS += step
		ts = ev.evTS
	}
	payload := EventPayload{Event: ev.event, Volume: dtmfVolume, Duration: uint16(clampDuration(ev.duration))}.Marshal()
	return s.sendPacket(ev.pt, false, ts, payload)
}

// SendDigitEnd завершает передачу цифры: отправляются три пакета
// окончания. Пакеты, которые не удалось отправить, досылаются при
// следующих вызовах Write.
func (s *Session) SendDigitEnd(digit rune, duration time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrSessionClosed
	}
	ev := s.pending
	if ev == nil {
		return ErrNoDigitInProgress
	}
	if ev.phase != phaseEnding {
		if ev.digit != digit {
			s.logger.WithFields(logrus.Fields{
				"digit":   string(digit),
				"pending": string(ev.digit),
			}).Debug("Окончание другой DTMF цифры, завершаем текущую")
		}
		if want := uint32(duration.Seconds() * 8000); want > ev.duration {
			ev.duration = want
		}
		ev.phase = phaseEnding
		ev.endCount = dtmfEndPackets
	}
	return s.sendEndPackets()
}

// sendEndPackets отправляет оставшиеся пакеты окончания
func (s *Session) sendEndPackets() error {
	ev := s.pending
	payload := EventPayload{Event: ev.event, End: true, Volume: dtmfVolume, Duration: uint16(clampDuration(ev.duration))}.Marshal()
	for ev.endCount > 0 {
		ts := ev.startTS
		if s.strictDTMF {
			ev.evTS++
			ts = ev.evTS
		}
		if err := s.sendPacket(ev.pt, false, ts, payload); err != nil {
			return err
		}
		ev.endCount--
	}

	end := ev.startTS + ev.duration
	if s.strictDTMF && int32(ev.evTS-end) > 0 {
		end = ev.evTS
	}
	s.lastDigitTS = end
	s.pending = nil
	return nil
}

// SendDigit отправляет цифру целиком
func (s *Session) SendDigit(digit rune, duration time.Duration) error {
	if err := s.SendDigitBegin(digit); err != nil {
		return err
	}
	return s.SendDigitEnd(digit, duration)
}

// DigitInProgress сообщает, что цифра еще передается
func (s *Session) DigitInProgress() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending != nil
}

// SendCNG отправляет пакет комфортного шума (RFC 3389).
// level уровень в -dBov (0..127).
func (s *Session) SendCNG(level int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrSessionClosed
	}
	if s.transport.Peer() == nil {
		return nil
	}
	pt, ok := s.registry.LookupCode(false, EventCN)
	if !ok {
		return newError(ErrNoPayloadMapping, s.id, nil, map[string]interface{}{"event": "CN"})
	}

	ms := s.calcTxStamp(time.Time{})
	s.lastTS += ms * uint32(s.lastTxFormat.ClockRate()) / 1000
	return s.sendPacket(pt, true, s.lastTS, []byte{byte(level & 0x7f)})
}

func clampDuration(d uint32) uint32 {
	if d > 0xffff {
		return 0xffff
	}
	return d
}

func addrString(a interface{ String() string }) string {
	if a == nil {
		return ""
	}
	return a.String()
}
