package rtp

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pion/sdp/v3"
)

// ApplySDP заполняет реестр из описания медиа потока SDP.
//
// Таблица очищается, затем каждый формат из m= строки привязывается
// через статическую таблицу, а rtpmap атрибуты переопределяют привязку
// по MIME подтипу. Неизвестные rtpmap пропускаются.
func (r *PayloadRegistry) ApplySDP(md *sdp.MediaDescription) error {
	if md == nil {
		return fmt.Errorf("пустое описание медиа")
	}

	r.Clear()

	for _, format := range md.MediaName.Formats {
		pt, err := strconv.Atoi(format)
		if err != nil || pt < 0 || pt >= MaxPayloadTypes {
			continue
		}
		r.SetPayload(uint8(pt))
	}

	for _, attr := range md.Attributes {
		if attr.Key != "rtpmap" {
			continue
		}
		pt, subtype, ok := parseRtpmap(attr.Value)
		if !ok {
			continue
		}
		// Неизвестный подтип оставляет статическую привязку
		_ = r.SetMimeType(pt, md.MediaName.Media, subtype)
	}
	return nil
}

// parseRtpmap разбирает значение "101 telephone-event/8000"
func parseRtpmap(value string) (uint8, string, bool) {
	parts := strings.SplitN(strings.TrimSpace(value), " ", 2)
	if len(parts) != 2 {
		return 0, "", false
	}
	pt, err := strconv.Atoi(parts[0])
	if err != nil || pt < 0 || pt >= MaxPayloadTypes {
		return 0, "", false
	}
	encoding := strings.SplitN(parts[1], "/", 2)
	if encoding[0] == "" {
		return 0, "", false
	}
	return uint8(pt), encoding[0], true
}

// AppendSDP добавляет в описание медиа форматы для кодеков и событий,
// используя payload type из реестра
func (r *PayloadRegistry) AppendSDP(md *sdp.MediaDescription, codecs Codec, events int) {
	for bit := Codec(1); bit != 0; bit <<= 1 {
		if codecs&bit == 0 {
			continue
		}
		pt, ok := r.LookupCode(true, int(bit))
		if !ok {
			continue
		}
		md.WithCodec(pt, MimeSubtype(true, int(bit)), uint32(bit.ClockRate()), 0, "")
	}

	for _, ev := range []int{EventDTMF, EventCiscoDTMF, EventCN} {
		if events&ev == 0 {
			continue
		}
		pt, ok := r.LookupCode(false, ev)
		if !ok {
			continue
		}
		fmtp := ""
		if ev == EventDTMF {
			fmtp = "0-16"
		}
		md.WithCodec(pt, MimeSubtype(false, ev), 8000, 0, fmtp)
	}
}
