package rtp

import (
	"sync/atomic"
)

// SecureContext защищает и снимает защиту с RTP пакетов одной сессии.
// Ошибка прерывает обработку только этого пакета.
type SecureContext interface {
	Protect(packet []byte) ([]byte, error)
	Unprotect(packet []byte) ([]byte, error)
}

// ControlSecureContext дополнительно защищает пакеты канала управления
type ControlSecureContext interface {
	SecureContext
	ProtectControl(packet []byte) ([]byte, error)
	UnprotectControl(packet []byte) ([]byte, error)
}

// SecureParams ключевой материал сессии
type SecureParams struct {
	// Profile имя профиля защиты, например "AES_CM_128_HMAC_SHA1_80"
	Profile string

	LocalMasterKey   []byte
	LocalMasterSalt  []byte
	RemoteMasterKey  []byte
	RemoteMasterSalt []byte
}

// SecureProvider создает защищенные контексты.
// Регистрируется на уровне процесса, без провайдера сессии работают
// с открытым RTP.
type SecureProvider interface {
	Name() string
	NewContext(params SecureParams) (SecureContext, error)
}

type providerHolder struct {
	provider SecureProvider
}

var secureProvider atomic.Pointer[providerHolder]

// RegisterSecureProvider регистрирует провайдер защищенного транспорта.
// nil снимает регистрацию.
func RegisterSecureProvider(p SecureProvider) {
	if p == nil {
		secureProvider.Store(nil)
		return
	}
	secureProvider.Store(&providerHolder{provider: p})
}

// RegisteredSecureProvider возвращает зарегистрированный провайдер или nil
func RegisteredSecureProvider() SecureProvider {
	h := secureProvider.Load()
	if h == nil {
		return nil
	}
	return h.provider
}

// NewSecureContext создает контекст через зарегистрированный провайдер.
// Без провайдера возвращает nil контекст и nil ошибку.
func NewSecureContext(params SecureParams) (SecureContext, error) {
	p := RegisteredSecureProvider()
	if p == nil {
		return nil, nil
	}
	ctx, err := p.NewContext(params)
	if err != nil {
		return nil, newError(ErrSecure, "", err, map[string]interface{}{"provider": p.Name()})
	}
	return ctx, nil
}
