package rtp

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/pion/dtls/v2"
	"github.com/pion/logging"
	"github.com/pion/srtp/v2"
)

var dtlsLoggerFactory atomic.Pointer[logging.LoggerFactory]

// SetLoggerFactory задает фабрику логгеров для DTLS рукопожатий,
// в которых вызывающий не указал свою
func SetLoggerFactory(factory logging.LoggerFactory) {
	if factory == nil {
		dtlsLoggerFactory.Store(nil)
		return
	}
	dtlsLoggerFactory.Store(&factory)
}

// SRTPProvider провайдер защищенного транспорта на pion/srtp
type SRTPProvider struct {
	// ReplayWindow размер окна защиты от повторов, 0 отключает защиту
	ReplayWindow uint
}

// NewSRTPProvider создает SRTP провайдер
func NewSRTPProvider() *SRTPProvider {
	return &SRTPProvider{ReplayWindow: 64}
}

// Name имя провайдера
func (p *SRTPProvider) Name() string {
	return "srtp"
}

// srtpProfile сопоставляет имя профиля SDP crypto атрибута и профиль pion
func srtpProfile(name string) (srtp.ProtectionProfile, error) {
	switch strings.ToUpper(name) {
	case "", "AES_CM_128_HMAC_SHA1_80", "SRTP_AES128_CM_HMAC_SHA1_80":
		return srtp.ProtectionProfileAes128CmHmacSha1_80, nil
	case "AES_CM_128_HMAC_SHA1_32", "SRTP_AES128_CM_HMAC_SHA1_32":
		return srtp.ProtectionProfileAes128CmHmacSha1_32, nil
	case "AEAD_AES_128_GCM", "SRTP_AEAD_AES_128_GCM":
		return srtp.ProtectionProfileAeadAes128Gcm, nil
	default:
		return 0, fmt.Errorf("неподдерживаемый профиль SRTP: %s", name)
	}
}

// NewContext создает пару SRTP контекстов: локальный для отправки и
// удаленный для приема
func (p *SRTPProvider) NewContext(params SecureParams) (SecureContext, error) {
	profile, err := srtpProfile(params.Profile)
	if err != nil {
		return nil, err
	}

	var opts []srtp.ContextOption
	if p.ReplayWindow > 0 {
		opts = append(opts, srtp.SRTPReplayProtection(p.ReplayWindow), srtp.SRTCPReplayProtection(p.ReplayWindow))
	}

	local, err := srtp.CreateContext(params.LocalMasterKey, params.LocalMasterSalt, profile)
	if err != nil {
		return nil, fmt.Errorf("ошибка создания локального SRTP контекста: %w", err)
	}
	remote, err := srtp.CreateContext(params.RemoteMasterKey, params.RemoteMasterSalt, profile, opts...)
	if err != nil {
		return nil, fmt.Errorf("ошибка создания удаленного SRTP контекста: %w", err)
	}
	return &srtpContext{local: local, remote: remote}, nil
}

// srtpContext контексты pion не потокобезопасны, доступ сериализуется
type srtpContext struct {
	mu     sync.Mutex
	local  *srtp.Context
	remote *srtp.Context
}

func (c *srtpContext) Protect(packet []byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.local.EncryptRTP(nil, packet, nil)
}

func (c *srtpContext) Unprotect(packet []byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remote.DecryptRTP(nil, packet, nil)
}

func (c *srtpContext) ProtectControl(packet []byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.local.EncryptRTCP(nil, packet, nil)
}

func (c *srtpContext) UnprotectControl(packet []byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remote.DecryptRTCP(nil, packet, nil)
}

// SecureParamsFromDTLS извлекает ключи SRTP из завершенного DTLS
// соединения (RFC 5764)
func SecureParamsFromDTLS(conn *dtls.Conn, isClient bool) (SecureParams, error) {
	selected, ok := conn.SelectedSRTPProtectionProfile()
	if !ok {
		return SecureParams{}, fmt.Errorf("DTLS соединение не согласовало профиль SRTP")
	}
	state := conn.ConnectionState()
	return secureParamsFromExporter(&state, srtp.ProtectionProfile(selected), isClient)
}

func secureParamsFromExporter(exporter srtp.KeyingMaterialExporter, profile srtp.ProtectionProfile, isClient bool) (SecureParams, error) {
	cfg := &srtp.Config{Profile: profile}
	if err := cfg.ExtractSessionKeysFromDTLS(exporter, isClient); err != nil {
		return SecureParams{}, fmt.Errorf("ошибка извлечения ключей SRTP: %w", err)
	}
	return SecureParams{
		Profile:          profileName(profile),
		LocalMasterKey:   cfg.Keys.LocalMasterKey,
		LocalMasterSalt:  cfg.Keys.LocalMasterSalt,
		RemoteMasterKey:  cfg.Keys.RemoteMasterKey,
		RemoteMasterSalt: cfg.Keys.RemoteMasterSalt,
	}, nil
}

func profileName(p srtp.ProtectionProfile) string {
	switch p {
	case srtp.ProtectionProfileAes128CmHmacSha1_32:
		return "AES_CM_128_HMAC_SHA1_32"
	case srtp.ProtectionProfileAeadAes128Gcm:
		return "AEAD_AES_128_GCM"
	default:
		return "AES_CM_128_HMAC_SHA1_80"
	}
}

// DTLSHandshake выполняет DTLS-SRTP рукопожатие поверх соединенного
// сокета и возвращает ключевой материал. Соединение DTLS остается
// открытым у вызывающего для закрытия после завершения звонка.
func DTLSHandshake(ctx context.Context, conn net.Conn, config *dtls.Config, isClient bool) (*dtls.Conn, SecureParams, error) {
	if len(config.SRTPProtectionProfiles) == 0 {
		config.SRTPProtectionProfiles = []dtls.SRTPProtectionProfile{
			dtls.SRTP_AEAD_AES_128_GCM,
			dtls.SRTP_AES128_CM_HMAC_SHA1_80,
		}
	}
	if config.LoggerFactory == nil {
		if factory := dtlsLoggerFactory.Load(); factory != nil {
			config.LoggerFactory = *factory
		}
	}

	var (
		dconn *dtls.Conn
		err   error
	)
	if isClient {
		dconn, err = dtls.ClientWithContext(ctx, conn, config)
	} else {
		dconn, err = dtls.ServerWithContext(ctx, conn, config)
	}
	if err != nil {
		return nil, SecureParams{}, fmt.Errorf("ошибка DTLS рукопожатия: %w", err)
	}

	params, err := SecureParamsFromDTLS(dconn, isClient)
	if err != nil {
		dconn.Close()
		return nil, SecureParams{}, err
	}
	return dconn, params, nil
}
