package rtp

import (
	"fmt"
	"time"
)

// Общие константы настройки UDP сокетов
const (
	// DefaultBufferSize размер буфера чтения (MTU Ethernet)
	DefaultBufferSize = 1500

	// DefaultReceiveTimeout таймаут одного чтения.
	// После него Recv возвращает ErrWouldBlock.
	DefaultReceiveTimeout = 100 * time.Millisecond

	// VoiceOptimizedRecvBuffer размер буфера получения сокета.
	// 64KB хватает на ~3 секунды G.711 пакетами по 20ms.
	VoiceOptimizedRecvBuffer = 65535
	// VoiceOptimizedSendBuffer размер буфера отправки сокета
	VoiceOptimizedSendBuffer = 65535

	// DSCP значения для QoS согласно RFC 4594
	DSCPExpeditedForwarding = 46 // EF для интерактивного аудио
	DSCPAssuredForwarding   = 34 // AF41 для видео
	DSCPBestEffort          = 0
)

// UDPConfig конфигурация UDP транспорта
type UDPConfig struct {
	LocalAddr  string // Локальный адрес для привязки
	RemoteAddr string // Начальный адрес удаленной стороны (опционально)
	BufferSize int

	// Symmetric включает обучение адреса по входящим пакетам
	Symmetric bool

	ReusePort      bool
	DSCP           int
	BindToDevice   string
	ReceiveTimeout time.Duration
}

// ApplyDefaults применяет значения по умолчанию
func (c *UDPConfig) ApplyDefaults() {
	if c.BufferSize == 0 {
		c.BufferSize = DefaultBufferSize
	}
	if c.ReceiveTimeout == 0 {
		c.ReceiveTimeout = DefaultReceiveTimeout
	}
}

// Validate проверяет корректность конфигурации
func (c *UDPConfig) Validate() error {
	if c.LocalAddr == "" {
		return fmt.Errorf("локальный адрес обязателен")
	}
	if c.BufferSize < 0 {
		return fmt.Errorf("размер буфера не может быть отрицательным")
	}
	if c.DSCP < 0 || c.DSCP > 63 {
		return fmt.Errorf("DSCP должен быть в диапазоне 0-63")
	}
	return nil
}

// applySockOptForVoice применяет системные настройки сокета до bind
func applySockOptForVoice(fd uintptr, config UDPConfig) error {
	intFd := int(fd)

	if config.DSCP > 0 {
		if err := setSockOptDSCP(intFd, config.DSCP); err != nil {
			return fmt.Errorf("ошибка установки DSCP: %w", err)
		}
	}
	if config.ReusePort {
		if err := setSockOptReusePort(intFd); err != nil {
			return fmt.Errorf("ошибка установки SO_REUSEPORT: %w", err)
		}
	}
	if config.BindToDevice != "" {
		if err := setSockOptBindToDevice(intFd, config.BindToDevice); err != nil {
			return fmt.Errorf("ошибка привязки к устройству %s: %w", config.BindToDevice, err)
		}
	}
	setSockOptPriority(intFd)
	return nil
}
