package rtp

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(c *Config)
		wantErr bool
	}{
		{name: "по умолчанию", modify: func(c *Config) {}},
		{name: "нулевой старт", modify: func(c *Config) { c.PortStart = 0 }, wantErr: true},
		{name: "конец больше 65535", modify: func(c *Config) { c.PortEnd = 70000 }, wantErr: true},
		{name: "узкий диапазон", modify: func(c *Config) { c.PortStart, c.PortEnd = 10000, 10001 }, wantErr: true},
		{name: "отрицательный интервал", modify: func(c *Config) { c.RTCPInterval = -time.Second }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(&cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidConfig)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestConfigure(t *testing.T) {
	t.Cleanup(func() { _ = Configure(DefaultConfig()) })

	cfg := DefaultConfig()
	cfg.DTMFTimeout = 0
	cfg.StrictDTMF = true
	cfg.NAT = true
	require.NoError(t, Configure(cfg))

	current := CurrentConfig()
	assert.Equal(t, uint32(DefaultDTMFTimeout), current.DTMFTimeout)
	assert.True(t, current.StrictDTMF)

	// Сессия наследует глобальные значения
	s, err := NewSession(SessionConfig{Transport: NewMockTransport(), Logger: testLogger()})
	require.NoError(t, err)
	assert.True(t, s.NATPending(), "NAT включен, адрес еще не выучен")

	bad := DefaultConfig()
	bad.PortEnd = 1
	assert.Error(t, Configure(bad))
	assert.True(t, CurrentConfig().NAT, "некорректная конфигурация не применяется")
}

func TestMediaError(t *testing.T) {
	cause := errors.New("connection refused")
	err := newError(ErrTransport, "sess-1", cause, map[string]interface{}{"peer": "10.0.0.1:5004"})

	assert.ErrorIs(t, err, ErrTransport)
	assert.ErrorIs(t, err, cause)
	assert.NotErrorIs(t, err, ErrSecure)
	assert.Equal(t, "10.0.0.1:5004", err.GetContext("peer"))
	assert.Nil(t, err.GetContext("missing"))
	assert.Equal(t, "[rtp:Transport] сессия sess-1: ошибка транспорта: connection refused", err.Error())

	wrapped := fmt.Errorf("запись: %w", err)
	var me *MediaError
	require.True(t, errors.As(wrapped, &me))
	assert.Equal(t, ErrorCodeTransport, me.Code)

	assert.Equal(t, "[rtp:SessionClosed] сессия закрыта", ErrSessionClosed.Error())
	assert.Equal(t, "Unknown(1)", ErrorCode(1).String())
}
