package rtp

import (
	"github.com/pion/rtp"
)

const (
	// HeaderSize размер фиксированной части RTP заголовка (RFC 3550)
	HeaderSize = 12
	// Version единственная поддерживаемая версия RTP
	Version = 2
	// MaxPacketSize ограничение размера пакета (MTU)
	MaxPacketSize = 1500
)

// Packet разобранный RTP пакет. Payload указывает в исходный буфер и
// уже не содержит padding.
type Packet struct {
	Header  rtp.Header
	Payload []byte
}

// peekVersion возвращает поле версии первого байта
func peekVersion(buf []byte) uint8 {
	if len(buf) == 0 {
		return 0
	}
	return buf[0] >> 6
}

// ParsePacket разбирает RTP пакет.
//
// Разбор заголовка выполняет pion/rtp, поверх него проверяются версия,
// длина CSRC списка и расширения, padding. Некорректный пакет
// возвращает ErrPacketTooShort, ErrBadVersion или ErrTruncated.
func ParsePacket(buf []byte) (*Packet, error) {
	if len(buf) < HeaderSize {
		return nil, ErrPacketTooShort
	}
	if v := peekVersion(buf); v != Version {
		return nil, newError(ErrBadVersion, "", nil, map[string]interface{}{"version": v})
	}

	p := &Packet{}
	n, err := p.Header.Unmarshal(buf)
	if err != nil {
		return nil, newError(ErrTruncated, "", err, nil)
	}
	if n > len(buf) {
		return nil, ErrTruncated
	}
	payload := buf[n:]

	if p.Header.Padding {
		if len(payload) == 0 {
			return nil, ErrTruncated
		}
		pad := int(payload[len(payload)-1])
		if pad == 0 || pad > len(payload) {
			return nil, ErrTruncated
		}
		payload = payload[:len(payload)-pad]
		p.Header.Padding = false
	}
	p.Payload = payload
	return p, nil
}

// MarshalPacket собирает RTP пакет из заголовка и полезной нагрузки
func MarshalPacket(h rtp.Header, payload []byte) ([]byte, error) {
	h.Version = Version
	h.Padding = false
	pkt := rtp.Packet{Header: h, Payload: payload}
	return pkt.Marshal()
}

// buildHeader заголовок исходящего пакета без CSRC и расширений
func buildHeader(pt uint8, seq uint16, ts, ssrc uint32, marker bool) rtp.Header {
	return rtp.Header{
		Version:        Version,
		Marker:         marker,
		PayloadType:    pt,
		SequenceNumber: seq,
		Timestamp:      ts,
		SSRC:           ssrc,
	}
}
