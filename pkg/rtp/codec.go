package rtp

import (
	"strings"
)

// Codec битовая маска медиа формата. Одна сессия может договориться о
// нескольких кодеках одновременно, поэтому множества кодеков
// представляются объединением битов.
type Codec uint32

// Аудио кодеки занимают младшие 16 бит
const (
	CodecG723 Codec = 1 << iota
	CodecGSM
	CodecULAW
	CodecALAW
	CodecG726AAL2
	CodecADPCM
	CodecSLINEAR
	CodecLPC10
	CodecG729A
	CodecSPEEX
	CodecILBC
	CodecG726
	CodecG722
)

// Видео кодеки занимают биты начиная с 16-го
const (
	CodecJPEG Codec = 1 << (16 + iota)
	CodecPNG
	CodecH261
	CodecH263
	CodecH263P
	CodecH264
)

const (
	// AudioMask выделяет аудио часть маски кодеков
	AudioMask Codec = 0xFFFF
	// VideoMask выделяет видео часть маски кодеков
	VideoMask Codec = 0xFFFF0000
)

// Коды не-кодековых payload (события внутри медиа потока)
const (
	EventDTMF      = 1 << 0 // RFC 2833/4733 telephone-event
	EventCN        = 1 << 1 // Comfort noise
	EventCiscoDTMF = 1 << 2 // Cisco DTMF в одном 32-битном слове
)

// SmootherFlags задает особенности пакетизации кодека
type SmootherFlags int

const (
	// SmootherBigEndian данные в сети идут в big-endian, локально в порядке хоста
	SmootherBigEndian SmootherFlags = 1 << iota
	// SmootherG729 особая обработка VAD фреймов G.729
	SmootherG729
)

// codecInfo описывает параметры кадрирования кодека.
// frameBytes байт соответствуют incMs миллисекундам звука.
type codecInfo struct {
	name       string
	mime       string
	clockRate  int // частота RTP часов
	sampleRate int // частота дискретизации для подсчета длительности
	frameBytes int
	minMs      int
	maxMs      int
	incMs      int
	defMs      int
	flags      SmootherFlags
}

var codecTable = map[Codec]codecInfo{
	CodecG723:     {"g723", "G723", 8000, 8000, 20, 30, 300, 30, 30, 0},
	CodecGSM:      {"gsm", "GSM", 8000, 8000, 33, 20, 300, 20, 20, 0},
	CodecULAW:     {"ulaw", "PCMU", 8000, 8000, 80, 10, 150, 10, 20, 0},
	CodecALAW:     {"alaw", "PCMA", 8000, 8000, 80, 10, 150, 10, 20, 0},
	CodecG726AAL2: {"g726aal2", "AAL2-G726-32", 8000, 8000, 40, 10, 300, 10, 20, 0},
	CodecADPCM:    {"adpcm", "DVI4", 8000, 8000, 40, 10, 300, 10, 20, 0},
	CodecSLINEAR:  {"slin", "L16", 8000, 8000, 160, 10, 70, 10, 20, SmootherBigEndian},
	CodecLPC10:    {"lpc10", "LPC", 8000, 8000, 7, 20, 20, 20, 20, 0},
	CodecG729A:    {"g729", "G729", 8000, 8000, 10, 10, 230, 10, 20, SmootherG729},
	CodecSPEEX:    {"speex", "speex", 8000, 8000, 10, 10, 60, 10, 20, 0},
	CodecILBC:     {"ilbc", "iLBC", 8000, 8000, 50, 30, 30, 30, 30, 0},
	CodecG726:     {"g726", "G726-32", 8000, 8000, 40, 10, 300, 10, 20, 0},
	CodecG722:     {"g722", "G722", 8000, 16000, 80, 10, 150, 10, 20, 0},
	CodecJPEG:     {name: "jpeg", mime: "JPEG", clockRate: 90000, sampleRate: 90000},
	CodecPNG:      {name: "png", mime: "PNG", clockRate: 90000, sampleRate: 90000},
	CodecH261:     {name: "h261", mime: "H261", clockRate: 90000, sampleRate: 90000},
	CodecH263:     {name: "h263", mime: "H263", clockRate: 90000, sampleRate: 90000},
	CodecH263P:    {name: "h263p", mime: "H263-1998", clockRate: 90000, sampleRate: 90000},
	CodecH264:     {name: "h264", mime: "H264", clockRate: 90000, sampleRate: 90000},
}

// String возвращает короткое имя кодека
func (c Codec) String() string {
	if info, ok := codecTable[c]; ok {
		return info.name
	}
	if c == 0 {
		return "none"
	}
	var names []string
	for bit := Codec(1); bit != 0 && bit <= c; bit <<= 1 {
		if c&bit == 0 {
			continue
		}
		if info, ok := codecTable[bit]; ok {
			names = append(names, info.name)
		}
	}
	if len(names) == 0 {
		return "unknown"
	}
	return strings.Join(names, "|")
}

// IsAudio сообщает, относится ли кодек к аудио
func (c Codec) IsAudio() bool {
	return c != 0 && c&AudioMask == c
}

// IsVideo сообщает, относится ли кодек к видео
func (c Codec) IsVideo() bool {
	return c != 0 && c&VideoMask == c
}

// ClockRate возвращает частоту RTP часов кодека.
// Для G.722 частота RTP часов 8000 при дискретизации 16000 (RFC 3551).
func (c Codec) ClockRate() int {
	if info, ok := codecTable[c]; ok {
		return info.clockRate
	}
	return 8000
}

// SampleRate возвращает частоту дискретизации
func (c Codec) SampleRate() int {
	if info, ok := codecTable[c]; ok {
		return info.sampleRate
	}
	return 8000
}

// First возвращает младший кодек из маски
func (c Codec) First() Codec {
	return c & -c
}

// SmootherSize возвращает размер исходящего пакета в байтах для
// длительности ms. Ноль означает, что кодек не пакетизируется.
func SmootherSize(c Codec, ms int) (int, SmootherFlags) {
	info, ok := codecTable[c]
	if !ok || info.frameBytes == 0 {
		return 0, 0
	}
	if ms <= 0 {
		ms = info.defMs
	}
	if ms < info.minMs {
		ms = info.minMs
	}
	if ms > info.maxMs {
		ms = info.maxMs
	}
	// Длительность кратна шагу кодека
	if rem := ms % info.incMs; rem != 0 {
		ms -= rem
	}
	return info.frameBytes * ms / info.incMs, info.flags
}

// DefaultPtime возвращает длительность пакета по умолчанию в миллисекундах
func DefaultPtime(c Codec) int {
	return codecTable[c].defMs
}

// Samples считает количество отсчетов в полезной нагрузке кодека.
// Для видео возвращается 0: видео штампуется по времени доставки.
func Samples(c Codec, data []byte) int {
	switch c {
	case CodecG723:
		return g723Samples(data)
	case CodecGSM:
		return 160 * (len(data) / 33)
	case CodecILBC:
		return 240 * (len(data) / 50)
	case CodecG729A:
		return len(data) * 8
	case CodecULAW, CodecALAW:
		return len(data)
	case CodecG722:
		// 4 бита на отсчет при 16 кГц
		return len(data) * 2
	case CodecG726, CodecG726AAL2, CodecADPCM:
		return len(data) * 2
	case CodecSLINEAR:
		return len(data) / 2
	case CodecLPC10:
		samples := 22 * 8
		if len(data) > 7 {
			samples += int(data[7]&0x1) * 8
		}
		return samples
	case CodecSPEEX:
		return speexSamples(data)
	default:
		return 0
	}
}

// rtpSamples переводит отсчеты в единицы RTP часов
func rtpSamples(c Codec, samples int) int {
	if c == CodecG722 {
		return samples / 2
	}
	return samples
}

// g723Len возвращает длину G.723.1 фрейма по двум младшим битам заголовка
func g723Len(b byte) int {
	switch b & 0x3 {
	case 0: // 6.3 кбит/с
		return 24
	case 1: // 5.3 кбит/с
		return 20
	case 2: // SID
		return 4
	default:
		return -1
	}
}

func g723Samples(data []byte) int {
	samples := 0
	for pos := 0; pos < len(data); {
		n := g723Len(data[pos])
		if n <= 0 {
			break
		}
		samples += 240
		pos += n
	}
	return samples
}

// getBits извлекает n (1..8) бит начиная с бита bit
func getBits(data []byte, n, bit int) byte {
	if n <= 0 || n > 8 {
		return 0
	}
	idx := bit / 8
	rem := 8 - bit%8
	if idx >= len(data) {
		return 0
	}
	var v byte
	if rem < n {
		v = data[idx] << uint(n-rem)
		if idx+1 < len(data) {
			v |= data[idx+1] >> uint(8-n+rem)
		}
	} else {
		v = data[idx] >> uint(rem-n)
	}
	return v & (0xff >> uint(8-n))
}

var (
	speexWBSubModeBits = [8]int{0, 36, 112, 192, 352, 0, 0, 0}
	speexSubModeBits   = [16]int{5, 43, 119, 160, 220, 300, 364, 492, 79, 0, 0, 0, 0, 0, 0, 0}
	speexInBandBits    = [16]int{1, 1, 4, 4, 4, 4, 4, 4, 8, 8, 16, 16, 32, 32, 64, 64}
)

// speexWideband пропускает до двух широкополосных слоев и возвращает
// число пропущенных бит, либо -1 для поврежденного фрейма
func speexWideband(data []byte, bit int) int {
	total := len(data) * 8
	off := bit
	for layer := 0; layer < 2; layer++ {
		if total-off < 5 || getBits(data, 1, off) == 0 {
			return off - bit
		}
		off += speexWBSubModeBits[getBits(data, 3, off+1)]
	}
	if total-off >= 5 && getBits(data, 1, off) != 0 {
		return -1
	}
	return off - bit
}

func speexSamples(data []byte) int {
	total := len(data) * 8
	bit, count := 0, 0
	for total-bit >= 5 {
		off := speexWideband(data, bit)
		if off < 0 {
			break
		}
		bit += off
		if total-bit < 5 {
			break
		}
		c := getBits(data, 5, bit)
		bit += 5
		switch {
		case c == 15: // терминатор
			return count
		case c == 14: // in-band сигнал
			c = getBits(data, 4, bit)
			bit += 4 + speexInBandBits[c]
		case c == 13: // пользовательское in-band сообщение
			c = getBits(data, 5, bit)
			bit += 5 + int(c)*8
		case c > 8:
			return count
		default:
			bit += speexSubModeBits[c] - 5
			count += 160
		}
	}
	return count
}
