package logging

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(c *Config)
		wantErr bool
	}{
		{"по умолчанию", func(c *Config) {}, false},
		{"json", func(c *Config) { c.Format = "JSON" }, false},
		{"неизвестный уровень", func(c *Config) { c.Level = "loud" }, true},
		{"неизвестный формат", func(c *Config) { c.Format = "xml" }, true},
		{"отрицательная ротация", func(c *Config) { c.MaxAge = -1 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(&cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestNew(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Level = "debug"
	cfg.Format = FormatJSON

	logger, closer, err := New(cfg)
	require.NoError(t, err)
	defer closer.Close()

	assert.Equal(t, logrus.DebugLevel, logger.GetLevel())
	assert.IsType(t, &logrus.JSONFormatter{}, logger.Formatter)

	_, _, err = New(Config{Level: "nope", Format: FormatText})
	assert.Error(t, err)
}

func TestNewFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mediacore.log")
	cfg := DefaultConfig()
	cfg.File = path

	logger, closer, err := New(cfg)
	require.NoError(t, err)

	Component(logger, "rtp").WithField("session", "abc").Info("Сессия создана")
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "Сессия создана")
	assert.Contains(t, string(data), "component=rtp")
}

func TestPionFactory(t *testing.T) {
	logger, hook := logtest.NewNullLogger()
	logger.SetLevel(logrus.TraceLevel)

	l := NewPionFactory(logger).NewLogger("dtls")
	l.Debugf("handshake %d", 1)
	l.Warn("retransmit")
	l.Trace("flight")

	require.Len(t, hook.AllEntries(), 3)
	first := hook.AllEntries()[0]
	assert.Equal(t, "handshake 1", first.Message)
	assert.Equal(t, logrus.DebugLevel, first.Level)
	assert.Equal(t, "dtls", first.Data["scope"])
	assert.Equal(t, logrus.WarnLevel, hook.AllEntries()[1].Level)
	assert.Equal(t, logrus.TraceLevel, hook.LastEntry().Level)
}
