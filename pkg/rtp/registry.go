package rtp

import (
	"strings"
	"sync"
)

// MaxPayloadTypes количество возможных 7-битных payload type
const MaxPayloadTypes = 128

// PayloadEntry описывает, что означает payload type на проводе.
// IsCodec различает медиа кодеки (Code содержит Codec) и события
// внутри потока (Code содержит Event*). Нулевое значение означает
// отсутствие привязки.
type PayloadEntry struct {
	IsCodec bool
	Code    int
}

// Codec возвращает кодек записи или 0 для не-кодековых записей
func (e PayloadEntry) Codec() Codec {
	if !e.IsCodec {
		return 0
	}
	return Codec(e.Code)
}

// Known сообщает, что запись указывает на кодек или событие
func (e PayloadEntry) Known() bool {
	return e.Code != 0
}

func codecEntry(c Codec) PayloadEntry { return PayloadEntry{IsCodec: true, Code: int(c)} }
func eventEntry(e int) PayloadEntry   { return PayloadEntry{IsCodec: false, Code: e} }

// staticPayloads общеизвестные привязки RFC 3551 и распространенные
// динамические значения. Таблица только для чтения.
var staticPayloads = [MaxPayloadTypes]PayloadEntry{
	0:   codecEntry(CodecULAW),
	2:   codecEntry(CodecG726),
	3:   codecEntry(CodecGSM),
	4:   codecEntry(CodecG723),
	5:   codecEntry(CodecADPCM), // 8 кГц
	6:   codecEntry(CodecADPCM), // 16 кГц
	7:   codecEntry(CodecLPC10),
	8:   codecEntry(CodecALAW),
	9:   codecEntry(CodecG722),
	10:  codecEntry(CodecSLINEAR), // стерео
	11:  codecEntry(CodecSLINEAR), // моно
	13:  eventEntry(EventCN),
	16:  codecEntry(CodecADPCM), // 11.025 кГц
	17:  codecEntry(CodecADPCM), // 22.050 кГц
	18:  codecEntry(CodecG729A),
	19:  eventEntry(EventCN), // устаревшее значение CN
	26:  codecEntry(CodecJPEG),
	31:  codecEntry(CodecH261),
	34:  codecEntry(CodecH263),
	97:  codecEntry(CodecILBC),
	98:  codecEntry(CodecH263P),
	99:  codecEntry(CodecH264),
	101: eventEntry(EventDTMF),
	110: codecEntry(CodecSPEEX),
	111: codecEntry(CodecG726),
	112: codecEntry(CodecG726AAL2),
	121: eventEntry(EventCiscoDTMF),
}

// StaticPayload возвращает общеизвестную привязку payload type
func StaticPayload(pt uint8) PayloadEntry {
	if int(pt) >= MaxPayloadTypes {
		return PayloadEntry{}
	}
	return staticPayloads[pt]
}

// mimeEntry описывает соответствие MIME подтипа записи реестра
type mimeEntry struct {
	entry   PayloadEntry
	media   string
	subtype string
}

var mimeTypes = []mimeEntry{
	{codecEntry(CodecG723), "audio", "G723"},
	{codecEntry(CodecGSM), "audio", "GSM"},
	{codecEntry(CodecULAW), "audio", "PCMU"},
	{codecEntry(CodecULAW), "audio", "G711U"},
	{codecEntry(CodecALAW), "audio", "PCMA"},
	{codecEntry(CodecALAW), "audio", "G711A"},
	{codecEntry(CodecG726), "audio", "G726-32"},
	{codecEntry(CodecADPCM), "audio", "DVI4"},
	{codecEntry(CodecSLINEAR), "audio", "L16"},
	{codecEntry(CodecLPC10), "audio", "LPC"},
	{codecEntry(CodecG729A), "audio", "G729"},
	{codecEntry(CodecG729A), "audio", "G729A"},
	{codecEntry(CodecSPEEX), "audio", "speex"},
	{codecEntry(CodecILBC), "audio", "iLBC"},
	{codecEntry(CodecG722), "audio", "G722"},
	{codecEntry(CodecG726AAL2), "audio", "AAL2-G726-32"},
	{eventEntry(EventDTMF), "audio", "telephone-event"},
	{eventEntry(EventCiscoDTMF), "audio", "cisco-telephone-event"},
	{eventEntry(EventCN), "audio", "CN"},
	{codecEntry(CodecJPEG), "video", "JPEG"},
	{codecEntry(CodecPNG), "video", "PNG"},
	{codecEntry(CodecH261), "video", "H261"},
	{codecEntry(CodecH263), "video", "H263"},
	{codecEntry(CodecH263P), "video", "H263-1998"},
	{codecEntry(CodecH263P), "video", "H263-2000"},
	{codecEntry(CodecH264), "video", "H264"},
}

// MimeSubtype возвращает MIME подтип для кодека или события
func MimeSubtype(isCodec bool, code int) string {
	for _, m := range mimeTypes {
		if m.entry.IsCodec == isCodec && m.entry.Code == code {
			return m.subtype
		}
	}
	return ""
}

// MimeMedia возвращает тип медиа ("audio"/"video") для записи
func MimeMedia(isCodec bool, code int) string {
	for _, m := range mimeTypes {
		if m.entry.IsCodec == isCodec && m.entry.Code == code {
			return m.media
		}
	}
	return ""
}

// PayloadRegistry таблица payload type одной сессии.
//
// Сессионная таблица заполняется из статической и меняется в ходе
// согласования SDP. Обратный поиск (кодек → payload type) кэширует
// последний результат, поэтому кэш сбрасывается при любом изменении
// таблицы. Реестр защищен собственным мьютексом: обратный поиск
// модифицирует кэш даже при чтении.
type PayloadRegistry struct {
	mu      sync.Mutex
	current [MaxPayloadTypes]PayloadEntry

	cacheValid bool
	cacheKey   PayloadEntry
	cachePT    uint8
}

// NewPayloadRegistry создает реестр, заполненный статическими привязками
func NewPayloadRegistry() *PayloadRegistry {
	r := &PayloadRegistry{}
	r.current = staticPayloads
	return r
}

// Lookup возвращает привязку payload type: сначала сессионная таблица,
// для номеров без привязки в сессии статическая таблица
func (r *PayloadRegistry) Lookup(pt uint8) PayloadEntry {
	if int(pt) >= MaxPayloadTypes {
		return PayloadEntry{}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if e := r.current[pt]; e.Known() {
		return e
	}
	return staticPayloads[pt]
}

// Negotiated сообщает, что запись явно привязана в сессионной таблице
func (r *PayloadRegistry) Negotiated(entry PayloadEntry) bool {
	if !entry.Known() {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.current {
		if e == entry {
			return true
		}
	}
	return false
}

// LookupCode ищет payload type для кодека или события.
// Порядок: кэш, сессионная таблица, статическая таблица.
func (r *PayloadRegistry) LookupCode(isCodec bool, code int) (uint8, bool) {
	key := PayloadEntry{IsCodec: isCodec, Code: code}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cacheValid && r.cacheKey == key {
		return r.cachePT, true
	}

	for pt := 0; pt < MaxPayloadTypes; pt++ {
		if r.current[pt] == key {
			r.remember(key, uint8(pt))
			return uint8(pt), true
		}
	}

	// Статическая таблица используется как запасной вариант для кодеков,
	// которые удаленная сторона не объявила явно
	for pt := 0; pt < MaxPayloadTypes; pt++ {
		if staticPayloads[pt] == key && !r.current[pt].Known() {
			r.remember(key, uint8(pt))
			return uint8(pt), true
		}
	}
	return 0, false
}

func (r *PayloadRegistry) remember(key PayloadEntry, pt uint8) {
	r.cacheValid = true
	r.cacheKey = key
	r.cachePT = pt
}

// SetPayload копирует статическую привязку pt в сессионную таблицу.
// Используется для форматов из m= строки без rtpmap.
func (r *PayloadRegistry) SetPayload(pt uint8) {
	if int(pt) >= MaxPayloadTypes {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if staticPayloads[pt].Known() {
		r.current[pt] = staticPayloads[pt]
		r.cacheValid = false
	}
}

// SetMimeType привязывает pt к кодеку, названному MIME подтипом.
// Неизвестный подтип возвращает ErrUnknownMimeType, запись не меняется.
func (r *PayloadRegistry) SetMimeType(pt uint8, media, subtype string) error {
	if int(pt) >= MaxPayloadTypes {
		return ErrUnknownMimeType
	}
	for _, m := range mimeTypes {
		if !strings.EqualFold(m.subtype, subtype) {
			continue
		}
		if media != "" && !strings.EqualFold(m.media, media) {
			continue
		}
		r.mu.Lock()
		r.current[pt] = m.entry
		r.cacheValid = false
		r.mu.Unlock()
		return nil
	}
	return newError(ErrUnknownMimeType, "", nil, map[string]interface{}{
		"payload_type": pt,
		"media":        media,
		"subtype":      subtype,
	})
}

// Set явно привязывает pt к записи
func (r *PayloadRegistry) Set(pt uint8, entry PayloadEntry) {
	if int(pt) >= MaxPayloadTypes {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.current[pt] = entry
	r.cacheValid = false
}

// Unset удаляет привязку pt из сессионной таблицы
func (r *PayloadRegistry) Unset(pt uint8) {
	if int(pt) >= MaxPayloadTypes {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.current[pt] = PayloadEntry{}
	r.cacheValid = false
}

// Clear удаляет все привязки. Применяется перед разбором ответа SDP,
// когда сессия должна знать только объявленные форматы.
func (r *PayloadRegistry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.current = [MaxPayloadTypes]PayloadEntry{}
	r.cacheValid = false
}

// Reset восстанавливает статические привязки
func (r *PayloadRegistry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.current = staticPayloads
	r.cacheValid = false
}

// Codecs возвращает маску согласованных кодеков и маску событий
func (r *PayloadRegistry) Codecs() (codecs Codec, events int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.current {
		if !e.Known() {
			continue
		}
		if e.IsCodec {
			codecs |= Codec(e.Code)
		} else {
			events |= e.Code
		}
	}
	return codecs, events
}

// CopyFrom копирует таблицу другого реестра
func (r *PayloadRegistry) CopyFrom(src *PayloadRegistry) {
	if r == src {
		return
	}
	src.mu.Lock()
	table := src.current
	src.mu.Unlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	r.current = table
	r.cacheValid = false
}
