package rtp

import (
	"time"
)

// FrameType тип фрейма приложения
type FrameType int

const (
	// FrameNull пустой фрейм: пакет обработан, но выдавать нечего
	FrameNull FrameType = iota
	FrameVoice
	FrameVideo
	// FrameDTMFBegin начало DTMF цифры (исходящее направление)
	FrameDTMFBegin
	// FrameDTMFEnd завершенная DTMF цифра с длительностью
	FrameDTMFEnd
	// FrameCNG комфортный шум, Level содержит уровень в -dBov
	FrameCNG
	FrameControl
)

func (t FrameType) String() string {
	switch t {
	case FrameNull:
		return "null"
	case FrameVoice:
		return "voice"
	case FrameVideo:
		return "video"
	case FrameDTMFBegin:
		return "dtmf-begin"
	case FrameDTMFEnd:
		return "dtmf-end"
	case FrameCNG:
		return "cng"
	case FrameControl:
		return "control"
	default:
		return "unknown"
	}
}

// ControlType подтип управляющего фрейма
type ControlType int

const (
	ControlNone ControlType = iota
	ControlHangup
	ControlRinging
	ControlAnswer
	ControlBusy
	ControlHold
	ControlUnhold
	ControlVidUpdate
	ControlSrcUpdate
)

func (c ControlType) String() string {
	switch c {
	case ControlHangup:
		return "hangup"
	case ControlRinging:
		return "ringing"
	case ControlAnswer:
		return "answer"
	case ControlBusy:
		return "busy"
	case ControlHold:
		return "hold"
	case ControlUnhold:
		return "unhold"
	case ControlVidUpdate:
		return "vidupdate"
	case ControlSrcUpdate:
		return "srcupdate"
	default:
		return "none"
	}
}

// Frame единица обмена между сессией и приложением
type Frame struct {
	Type  FrameType
	Codec Codec
	Data  []byte

	// Samples количество отсчетов в Data
	Samples int
	// Delivery момент воспроизведения. Нулевое значение означает,
	// что время берется по часам при отправке.
	Delivery time.Time

	Seq       uint16
	Timestamp uint32
	Marker    bool

	// DTMF
	Digit    rune
	Duration time.Duration

	// Level уровень комфортного шума
	Level   int
	Control ControlType
}

// NewVoiceFrame создает голосовой фрейм и считает отсчеты
func NewVoiceFrame(codec Codec, data []byte) *Frame {
	return &Frame{
		Type:    FrameVoice,
		Codec:   codec,
		Data:    data,
		Samples: Samples(codec, data),
	}
}

// NewControlFrame создает управляющий фрейм
func NewControlFrame(c ControlType) *Frame {
	return &Frame{Type: FrameControl, Control: c}
}

// IsNull сообщает, что фрейм не несет данных
func (f *Frame) IsNull() bool {
	return f == nil || f.Type == FrameNull
}

// Clone копирует фрейм вместе с данными
func (f *Frame) Clone() *Frame {
	if f == nil {
		return nil
	}
	c := *f
	if f.Data != nil {
		c.Data = append([]byte(nil), f.Data...)
	}
	return &c
}
