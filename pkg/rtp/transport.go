package rtp

import (
	"errors"
	"fmt"
	"net"
	"strings"
)

// ErrWouldBlock транспорт сейчас не имеет данных для чтения
var ErrWouldBlock = errors.New("rtp: нет данных для чтения")

// Transport датаграммный транспорт одной сессии.
//
// Сессия не знает, как устроен сокет и как определяется NAT: транспорт
// сообщает в Recv, что адрес отправителя изменился, а сессия решает,
// принимать ли его. Реализация должна допускать вызовы из разных
// горутин.
type Transport interface {
	// Send отправляет датаграмму текущему адресу удаленной стороны
	Send(b []byte) (int, error)

	// Recv читает датаграмму в buf. peerChanged сообщает, что пакет
	// пришел с нового адреса и адрес удаленной стороны обновлен.
	// Отсутствие данных возвращает ErrWouldBlock.
	Recv(buf []byte) (n int, peerChanged bool, err error)

	// Peer возвращает адрес удаленной стороны
	Peer() net.Addr

	// SetPeer задает адрес удаленной стороны, nil отключает отправку
	SetPeer(addr net.Addr)

	// LocalAddr возвращает локальный адрес
	LocalAddr() net.Addr

	// Close закрывает транспорт
	Close() error
}

// NetworkErrorType определяет типы сетевых ошибок
type NetworkErrorType int

const (
	ErrorTypeTemporary  NetworkErrorType = iota // Временная ошибка (повтор возможен)
	ErrorTypePermanent                          // Постоянная ошибка
	ErrorTypeTimeout                            // Таймаут (нормальное поведение)
	ErrorTypeConnection                         // Проблемы соединения
	ErrorTypeUnknown                            // Неклассифицированная ошибка
)

func (t NetworkErrorType) String() string {
	switch t {
	case ErrorTypeTemporary:
		return "temporary"
	case ErrorTypePermanent:
		return "permanent"
	case ErrorTypeTimeout:
		return "timeout"
	case ErrorTypeConnection:
		return "connection"
	default:
		return "unknown"
	}
}

// ClassifiedError обертка для сетевых ошибок с классификацией
type ClassifiedError struct {
	Type      NetworkErrorType
	Operation string
	Err       error
	Retryable bool
}

func (e *ClassifiedError) Error() string {
	return fmt.Sprintf("%s: %v (type: %s, retryable: %t)", e.Operation, e.Err, e.Type, e.Retryable)
}

func (e *ClassifiedError) Unwrap() error {
	return e.Err
}

// classifyNetworkError анализирует сетевую ошибку и возвращает классифицированную версию
func classifyNetworkError(operation string, err error) error {
	if err == nil {
		return nil
	}

	classified := &ClassifiedError{
		Operation: operation,
		Err:       err,
		Type:      ErrorTypeUnknown,
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		classified.Type = ErrorTypeTimeout
		classified.Retryable = true
		return classified
	}

	switch msg := err.Error(); {
	case containsAny(msg, "connection refused", "connection reset", "network is unreachable",
		"host is unreachable", "no route to host"):
		classified.Type = ErrorTypeConnection
		classified.Retryable = true
	case containsAny(msg, "use of closed network connection", "address already in use",
		"permission denied", "invalid argument"):
		classified.Type = ErrorTypePermanent
	case containsAny(msg, "resource temporarily unavailable", "no buffer space available"):
		classified.Type = ErrorTypeTemporary
		classified.Retryable = true
	}
	return classified
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// IsTimeout сообщает, что ошибка является таймаутом чтения
func IsTimeout(err error) bool {
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Type == ErrorTypeTimeout
	}
	return false
}

// sameAddr сравнивает адреса по строковому представлению
func sameAddr(a, b net.Addr) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Network() == b.Network() && a.String() == b.String()
}

// controlAddr адрес RTCP: тот же IP, порт + 1
func controlAddr(addr net.Addr) net.Addr {
	udp, ok := addr.(*net.UDPAddr)
	if !ok || udp == nil {
		return nil
	}
	return &net.UDPAddr{IP: udp.IP, Port: udp.Port + 1, Zone: udp.Zone}
}
