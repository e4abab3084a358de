package rtp

import (
	"fmt"
)

// ErrorCode определяет типизированные коды ошибок медиа движка.
// Позволяет классифицировать ошибки по категориям и сравнивать их через errors.Is.
type ErrorCode int

const (
	// Ошибки разбора пакетов
	ErrorCodePacketTooShort ErrorCode = iota + 1000
	ErrorCodeBadVersion
	ErrorCodeTruncated

	// Ошибки исходящего пути
	ErrorCodeUnsupportedFrame
	ErrorCodeNoPayloadMapping
	ErrorCodeTransport
	ErrorCodeSecure
	ErrorCodeSessionClosed

	// Ошибки DTMF
	ErrorCodeDigitInProgress
	ErrorCodeNoDigitInProgress
	ErrorCodeInvalidDigit

	// Ошибки пакетизатора
	ErrorCodeSmootherFull
	ErrorCodeSmootherFormat

	// Ошибки реестра и ресурсов
	ErrorCodeUnknownMimeType
	ErrorCodeNoPortAvailable
	ErrorCodeInvalidConfig
)

// String возвращает строковое представление кода ошибки
func (code ErrorCode) String() string {
	switch code {
	case ErrorCodePacketTooShort:
		return "PacketTooShort"
	case ErrorCodeBadVersion:
		return "BadVersion"
	case ErrorCodeTruncated:
		return "Truncated"
	case ErrorCodeUnsupportedFrame:
		return "UnsupportedFrame"
	case ErrorCodeNoPayloadMapping:
		return "NoPayloadMapping"
	case ErrorCodeTransport:
		return "Transport"
	case ErrorCodeSecure:
		return "Secure"
	case ErrorCodeSessionClosed:
		return "SessionClosed"
	case ErrorCodeDigitInProgress:
		return "DigitInProgress"
	case ErrorCodeNoDigitInProgress:
		return "NoDigitInProgress"
	case ErrorCodeInvalidDigit:
		return "InvalidDigit"
	case ErrorCodeSmootherFull:
		return "SmootherFull"
	case ErrorCodeSmootherFormat:
		return "SmootherFormat"
	case ErrorCodeUnknownMimeType:
		return "UnknownMimeType"
	case ErrorCodeNoPortAvailable:
		return "NoPortAvailable"
	case ErrorCodeInvalidConfig:
		return "InvalidConfig"
	default:
		return fmt.Sprintf("Unknown(%d)", int(code))
	}
}

// MediaError базовая структура ошибок медиа движка.
// Предоставляет расширенную информацию об ошибке включая:
//   - Типизированный код ошибки
//   - Контекстную информацию (параметры пакета, состояние сессии)
//   - Возможность обертывания других ошибок
//   - Идентификатор сессии для сопоставления с логами
type MediaError struct {
	Code      ErrorCode
	Message   string
	SessionID string
	Context   map[string]interface{}
	Wrapped   error
}

// Error реализует интерфейс error, возвращая форматированное сообщение об ошибке.
func (e *MediaError) Error() string {
	msg := e.Message
	if e.Wrapped != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Wrapped)
	}
	if e.SessionID != "" {
		return fmt.Sprintf("[rtp:%s] сессия %s: %s", e.Code, e.SessionID, msg)
	}
	return fmt.Sprintf("[rtp:%s] %s", e.Code, msg)
}

// Unwrap возвращает обернутую ошибку, поддерживая errors.Unwrap.
func (e *MediaError) Unwrap() error {
	return e.Wrapped
}

// Is поддерживает errors.Is, позволяя сравнивать ошибки по коду.
func (e *MediaError) Is(target error) bool {
	if t, ok := target.(*MediaError); ok {
		return e.Code == t.Code
	}
	return false
}

// GetContext возвращает значение из контекста ошибки по ключу.
func (e *MediaError) GetContext(key string) interface{} {
	if e.Context == nil {
		return nil
	}
	return e.Context[key]
}

// Базовые ошибки пакета. Сравниваются через errors.Is по коду,
// поэтому обернутые экземпляры с тем же кодом тоже совпадают.
var (
	ErrPacketTooShort    = &MediaError{Code: ErrorCodePacketTooShort, Message: "пакет короче RTP заголовка"}
	ErrBadVersion        = &MediaError{Code: ErrorCodeBadVersion, Message: "неподдерживаемая версия RTP"}
	ErrTruncated         = &MediaError{Code: ErrorCodeTruncated, Message: "пакет обрезан"}
	ErrUnsupportedFrame  = &MediaError{Code: ErrorCodeUnsupportedFrame, Message: "тип фрейма не поддерживается для отправки"}
	ErrNoPayloadMapping  = &MediaError{Code: ErrorCodeNoPayloadMapping, Message: "нет payload type для кодека"}
	ErrTransport         = &MediaError{Code: ErrorCodeTransport, Message: "ошибка транспорта"}
	ErrSecure            = &MediaError{Code: ErrorCodeSecure, Message: "ошибка защищенного транспорта"}
	ErrSessionClosed     = &MediaError{Code: ErrorCodeSessionClosed, Message: "сессия закрыта"}
	ErrDigitInProgress   = &MediaError{Code: ErrorCodeDigitInProgress, Message: "уже передается другая DTMF цифра"}
	ErrNoDigitInProgress = &MediaError{Code: ErrorCodeNoDigitInProgress, Message: "нет передаваемой DTMF цифры"}
	ErrInvalidDigit      = &MediaError{Code: ErrorCodeInvalidDigit, Message: "недопустимый DTMF символ"}
	ErrSmootherFull      = &MediaError{Code: ErrorCodeSmootherFull, Message: "буфер пакетизатора переполнен"}
	ErrSmootherFormat    = &MediaError{Code: ErrorCodeSmootherFormat, Message: "формат фрейма не совпадает с форматом пакетизатора"}
	ErrUnknownMimeType   = &MediaError{Code: ErrorCodeUnknownMimeType, Message: "неизвестный MIME тип"}
	ErrNoPortAvailable   = &MediaError{Code: ErrorCodeNoPortAvailable, Message: "нет свободных портов в диапазоне"}
	ErrInvalidConfig     = &MediaError{Code: ErrorCodeInvalidConfig, Message: "некорректная конфигурация"}
)

// newError создает ошибку с кодом базовой ошибки и дополнительной информацией
func newError(base *MediaError, sessionID string, wrapped error, context map[string]interface{}) *MediaError {
	return &MediaError{
		Code:      base.Code,
		Message:   base.Message,
		SessionID: sessionID,
		Context:   context,
		Wrapped:   wrapped,
	}
}
