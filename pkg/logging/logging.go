// Package logging настраивает корневой logrus логгер медиа движка
// и адаптирует его для библиотек pion.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Форматы вывода
const (
	FormatText = "text"
	FormatJSON = "json"
)

// Config параметры логирования
type Config struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	// File путь файла журнала, пустая строка означает stderr
	File       string `mapstructure:"file"`
	MaxSize    int    `mapstructure:"max_size"`    // мегабайты
	MaxBackups int    `mapstructure:"max_backups"` // количество архивов
	MaxAge     int    `mapstructure:"max_age"`     // дни
	Compress   bool   `mapstructure:"compress"`
}

// DefaultConfig возвращает конфигурацию по умолчанию
func DefaultConfig() Config {
	return Config{
		Level:      "info",
		Format:     FormatText,
		MaxSize:    100,
		MaxBackups: 5,
		MaxAge:     30,
	}
}

// Validate проверяет конфигурацию
func (c Config) Validate() error {
	if _, err := logrus.ParseLevel(c.Level); err != nil {
		return fmt.Errorf("неизвестный уровень логирования %q: %w", c.Level, err)
	}
	switch strings.ToLower(c.Format) {
	case FormatText, FormatJSON:
	default:
		return fmt.Errorf("неизвестный формат логирования %q", c.Format)
	}
	if c.MaxSize < 0 || c.MaxBackups < 0 || c.MaxAge < 0 {
		return fmt.Errorf("параметры ротации не могут быть отрицательными")
	}
	return nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// New создает логгер по конфигурации. Возвращаемый Closer закрывает
// файл журнала и должен быть вызван при завершении.
func New(config Config) (*logrus.Logger, io.Closer, error) {
	if err := config.Validate(); err != nil {
		return nil, nil, err
	}

	logger := logrus.New()
	level, _ := logrus.ParseLevel(config.Level)
	logger.SetLevel(level)

	if strings.ToLower(config.Format) == FormatJSON {
		logger.SetFormatter(&logrus.JSONFormatter{TimestampFormat: "2006-01-02T15:04:05.000Z07:00"})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: "2006-01-02 15:04:05.000"})
	}

	if config.File == "" {
		logger.SetOutput(os.Stderr)
		return logger, nopCloser{}, nil
	}

	writer := &lumberjack.Logger{
		Filename:   config.File,
		MaxSize:    config.MaxSize,
		MaxBackups: config.MaxBackups,
		MaxAge:     config.MaxAge,
		Compress:   config.Compress,
	}
	logger.SetOutput(writer)
	return logger, writer, nil
}

// Component возвращает запись логгера с полем component
func Component(logger *logrus.Logger, name string) *logrus.Entry {
	return logger.WithField("component", name)
}
