package rtp

import (
	"time"
)

// SmootherCapacity максимальный объем буфера пакетизатора в байтах
const SmootherCapacity = 8000

// Smoother накапливает голосовые фреймы произвольного размера и
// выдает пакеты фиксированной длины, сохраняя порядок отсчетов.
//
// Результат не зависит от разбиения входного потока: N байт, поданных
// любыми кусками, дают одну и ту же последовательность пакетов.
// Фрейм ровно размером с пакет, пришедший в пустой буфер, выдается
// следующим Read без копирования в буфер.
type Smoother struct {
	size  int
	flags SmootherFlags

	codec          Codec
	samplesPerByte float64

	buf      []byte
	delivery time.Time

	// opt фрейм для выдачи в обход буфера
	opt *Frame
}

// NewSmoother создает пакетизатор с размером пакета size байт
func NewSmoother(size int, flags SmootherFlags) *Smoother {
	return &Smoother{
		size:  size,
		flags: flags,
		buf:   make([]byte, 0, SmootherCapacity),
	}
}

// Reset очищает пакетизатор и задает новый размер пакета
func (s *Smoother) Reset(size int) {
	s.size = size
	s.codec = 0
	s.samplesPerByte = 0
	s.buf = s.buf[:0]
	s.delivery = time.Time{}
	s.opt = nil
}

// Size размер выходного пакета
func (s *Smoother) Size() int { return s.size }

// Len количество накопленных байт
func (s *Smoother) Len() int { return len(s.buf) }

// Codec кодек, для которого работает пакетизатор
func (s *Smoother) Codec() Codec { return s.codec }

// Flags флаги пакетизатора
func (s *Smoother) Flags() SmootherFlags { return s.flags }

// Feed добавляет голосовой фрейм
func (s *Smoother) Feed(f *Frame) error {
	if f == nil || f.Type != FrameVoice {
		return ErrUnsupportedFrame
	}
	if s.codec == 0 {
		s.codec = f.Codec
		if len(f.Data) > 0 {
			s.samplesPerByte = float64(f.Samples) / float64(len(f.Data))
		}
	} else if s.codec != f.Codec {
		return ErrSmootherFormat
	}
	if len(s.buf)+len(f.Data) > SmootherCapacity {
		return ErrSmootherFull
	}

	g729 := s.flags&SmootherG729 != 0
	swap := s.flags&SmootherBigEndian != 0

	if (len(f.Data) == s.size || (g729 && len(f.Data) < 10)) && s.opt == nil && len(s.buf) == 0 {
		opt := *f
		if swap {
			opt.Data = swapSamples(f.Data)
		}
		s.opt = &opt
		return nil
	}

	if g729 && len(s.buf)%10 != 0 {
		// За VAD фреймом в буфере ничего не дописываем
		return nil
	}

	// Пустая сторона сбрасывает время доставки
	if len(s.buf) == 0 || f.Delivery.IsZero() || s.delivery.IsZero() {
		s.delivery = f.Delivery
	}
	if swap {
		s.buf = append(s.buf, swapSamples(f.Data)...)
	} else {
		s.buf = append(s.buf, f.Data...)
	}
	return nil
}

// Read возвращает очередной пакет или nil, если данных недостаточно
func (s *Smoother) Read() *Frame {
	if s.opt != nil {
		opt := s.opt
		s.opt = nil
		return opt
	}

	if len(s.buf) == 0 {
		return nil
	}
	if len(s.buf) < s.size {
		// G.729 VAD хвост уходит сразу
		if s.flags&SmootherG729 == 0 || len(s.buf)%10 == 0 {
			return nil
		}
	}

	n := s.size
	if n > len(s.buf) || n <= 0 {
		n = len(s.buf)
	}
	out := &Frame{
		Type:     FrameVoice,
		Codec:    s.codec,
		Data:     append([]byte(nil), s.buf[:n]...),
		Samples:  int(float64(n) * s.samplesPerByte),
		Delivery: s.delivery,
	}

	rest := copy(s.buf, s.buf[n:])
	s.buf = s.buf[:rest]
	if rest > 0 && !s.delivery.IsZero() {
		s.delivery = s.delivery.Add(samplesToDuration(out.Samples, s.codec.SampleRate()))
	}
	return out
}

// samplesToDuration переводит отсчеты в длительность
func samplesToDuration(samples, rate int) time.Duration {
	if rate <= 0 {
		rate = 8000
	}
	return time.Duration(samples) * time.Second / time.Duration(rate)
}

// swapSamples меняет порядок байт в 16-битных отсчетах
func swapSamples(data []byte) []byte {
	out := make([]byte, len(data))
	for i := 0; i+1 < len(data); i += 2 {
		out[i], out[i+1] = data[i+1], data[i]
	}
	if len(data)%2 == 1 {
		out[len(data)-1] = data[len(data)-1]
	}
	return out
}
