// Package config загружает конфигурацию медиа движка из файла и
// переменных окружения.
package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/arzzra/mediacore/pkg/bridge"
	"github.com/arzzra/mediacore/pkg/logging"
	"github.com/arzzra/mediacore/pkg/rtp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// EnvPrefix префикс переменных окружения (MEDIACORE_RTP_PORT_START)
const EnvPrefix = "MEDIACORE"

// Config конфигурация медиа движка
type Config struct {
	RTP     RTPConfig      `mapstructure:"rtp"`
	Log     logging.Config `mapstructure:"log"`
	Metrics MetricsConfig  `mapstructure:"metrics"`
	Bridge  BridgeConfig   `mapstructure:"bridge"`
}

// RTPConfig параметры RTP
type RTPConfig struct {
	PortStart    int           `mapstructure:"port_start"`
	PortEnd      int           `mapstructure:"port_end"`
	DTMFTimeout  uint32        `mapstructure:"dtmf_timeout"`
	StrictDTMF   bool          `mapstructure:"strict_dtmf"`
	NAT          bool          `mapstructure:"nat"`
	DebugAddress string        `mapstructure:"debug_address"`
	CaptureFile  string        `mapstructure:"capture_file"`
	RTCPInterval time.Duration `mapstructure:"rtcp_interval"`
	CNAME        string        `mapstructure:"cname"`
}

// MetricsConfig HTTP эндпоинт метрик
type MetricsConfig struct {
	// Listen адрес, пустая строка отключает эндпоинт
	Listen string `mapstructure:"listen"`
	Path   string `mapstructure:"path"`
}

// BridgeConfig параметры моста
type BridgeConfig struct {
	PollInterval  time.Duration `mapstructure:"poll_interval"`
	RetryInterval time.Duration `mapstructure:"retry_interval"`
	// Timeout ограничение длительности моста, 0 без ограничения
	Timeout       time.Duration `mapstructure:"timeout"`
}

// Default возвращает конфигурацию по умолчанию
func Default() *Config {
	engine := rtp.DefaultConfig()
	return &Config{
		RTP: RTPConfig{
			PortStart:    engine.PortStart,
			PortEnd:      engine.PortEnd,
			DTMFTimeout:  engine.DTMFTimeout,
			RTCPInterval: engine.RTCPInterval,
		},
		Log:     logging.DefaultConfig(),
		Metrics: MetricsConfig{Path: "/metrics"},
		Bridge: BridgeConfig{
			PollInterval:  bridge.DefaultConfig().PollInterval,
			RetryInterval: bridge.DefaultConfig().RetryInterval,
		},
	}
}

// setDefaults регистрирует все ключи, иначе переменные окружения
// без значения в файле не попадут в Unmarshal
func setDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("rtp.port_start", d.RTP.PortStart)
	v.SetDefault("rtp.port_end", d.RTP.PortEnd)
	v.SetDefault("rtp.dtmf_timeout", d.RTP.DTMFTimeout)
	v.SetDefault("rtp.strict_dtmf", d.RTP.StrictDTMF)
	v.SetDefault("rtp.nat", d.RTP.NAT)
	v.SetDefault("rtp.debug_address", d.RTP.DebugAddress)
	v.SetDefault("rtp.capture_file", d.RTP.CaptureFile)
	v.SetDefault("rtp.rtcp_interval", d.RTP.RTCPInterval)
	v.SetDefault("rtp.cname", d.RTP.CNAME)

	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
	v.SetDefault("log.file", d.Log.File)
	v.SetDefault("log.max_size", d.Log.MaxSize)
	v.SetDefault("log.max_backups", d.Log.MaxBackups)
	v.SetDefault("log.max_age", d.Log.MaxAge)
	v.SetDefault("log.compress", d.Log.Compress)

	v.SetDefault("metrics.listen", d.Metrics.Listen)
	v.SetDefault("metrics.path", d.Metrics.Path)

	v.SetDefault("bridge.poll_interval", d.Bridge.PollInterval)
	v.SetDefault("bridge.retry_interval", d.Bridge.RetryInterval)
	v.SetDefault("bridge.timeout", d.Bridge.Timeout)
}

// Load читает конфигурацию из файла path и переменных окружения.
// Пустой path означает только значения по умолчанию и окружение.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))

	if path != "" {
		dir := filepath.Dir(path)
		filename := filepath.Base(path)
		fileExt := filepath.Ext(filename)

		v.SetConfigName(strings.TrimSuffix(filename, fileExt))
		v.SetConfigType(strings.TrimPrefix(fileExt, "."))
		v.AddConfigPath(dir)

		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("не удалось прочитать файл конфигурации %s: %w", path, err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("не удалось разобрать конфигурацию: %w", err)
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// Validate проверяет конфигурацию
func (c *Config) Validate() error {
	if err := c.Engine().Validate(); err != nil {
		return err
	}
	if err := c.Log.Validate(); err != nil {
		return err
	}
	if c.Bridge.PollInterval <= 0 {
		return fmt.Errorf("bridge.poll_interval должен быть положительным")
	}
	if c.Bridge.RetryInterval <= 0 {
		return fmt.Errorf("bridge.retry_interval должен быть положительным")
	}
	if c.Bridge.Timeout < 0 {
		return fmt.Errorf("bridge.timeout не может быть отрицательным")
	}
	if c.Metrics.Listen != "" && !strings.HasPrefix(c.Metrics.Path, "/") {
		return fmt.Errorf("metrics.path должен начинаться с '/'")
	}
	return nil
}

// Engine конфигурация для rtp.Configure
func (c *Config) Engine() rtp.Config {
	return rtp.Config{
		PortStart:    c.RTP.PortStart,
		PortEnd:      c.RTP.PortEnd,
		DTMFTimeout:  c.RTP.DTMFTimeout,
		StrictDTMF:   c.RTP.StrictDTMF,
		NAT:          c.RTP.NAT,
		DebugAddress: c.RTP.DebugAddress,
		CaptureFile:  c.RTP.CaptureFile,
		RTCPInterval: c.RTP.RTCPInterval,
		CNAME:        c.RTP.CNAME,
	}
}

// Controller конфигурация контроллера моста
func (c *Config) Controller(logger *logrus.Entry) bridge.Config {
	return bridge.Config{
		PollInterval:  c.Bridge.PollInterval,
		RetryInterval: c.Bridge.RetryInterval,
		Logger:        logger,
	}
}
