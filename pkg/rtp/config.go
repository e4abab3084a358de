package rtp

import (
	"fmt"
	"sync/atomic"
	"time"
)

// Config глобальные параметры медиа движка.
// Задаются при старте через Configure и читаются без блокировок.
type Config struct {
	// Диапазон UDP портов для RTP (RTCP занимает порт + 1)
	PortStart int
	PortEnd   int

	// DTMFTimeout через сколько отсчетов закрывается цифра без пакетов окончания
	DTMFTimeout uint32
	// StrictDTMF подавляет аудио во время передачи цифры
	StrictDTMF bool
	// NAT включает симметричное обучение адреса удаленной стороны
	NAT bool

	// DebugAddress ограничивает отладочный вывод пакетов одним адресом
	// ("ip" или "ip:port"). Пустая строка отключает отладку.
	DebugAddress string
	// CaptureFile путь pcap файла для отладочного дампа
	CaptureFile string

	// RTCPInterval период отправки отчетов
	RTCPInterval time.Duration
	// CNAME для SDES, пустое значение генерируется
	CNAME string
}

// DefaultConfig возвращает конфигурацию по умолчанию
func DefaultConfig() Config {
	return Config{
		PortStart:    5000,
		PortEnd:      31000,
		DTMFTimeout:  DefaultDTMFTimeout,
		RTCPInterval: 5 * time.Second,
	}
}

// Validate проверяет корректность конфигурации
func (c Config) Validate() error {
	if c.PortStart <= 0 || c.PortEnd > 65535 {
		return newError(ErrInvalidConfig, "", fmt.Errorf("диапазон портов %d-%d вне допустимых значений", c.PortStart, c.PortEnd), nil)
	}
	if c.PortEnd-c.PortStart < 2 {
		return newError(ErrInvalidConfig, "", fmt.Errorf("диапазон портов %d-%d слишком мал", c.PortStart, c.PortEnd), nil)
	}
	if c.RTCPInterval < 0 {
		return newError(ErrInvalidConfig, "", fmt.Errorf("отрицательный интервал RTCP"), nil)
	}
	return nil
}

var globalConfig atomic.Pointer[Config]

func init() {
	cfg := DefaultConfig()
	globalConfig.Store(&cfg)
}

// Configure устанавливает глобальную конфигурацию движка
func Configure(cfg Config) error {
	if cfg.DTMFTimeout == 0 {
		cfg.DTMFTimeout = DefaultDTMFTimeout
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	globalConfig.Store(&cfg)
	return nil
}

// CurrentConfig возвращает действующую конфигурацию
func CurrentConfig() Config {
	return *globalConfig.Load()
}
