package rtp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"syscall"
	"time"
)

// UDPTransport реализует Transport поверх UDP сокета.
//
// При включенном Symmetric адрес удаленной стороны переучивается по
// каждому пакету с нового адреса. Без него адрес запоминается только
// с первого пакета, если не был задан заранее.
type UDPTransport struct {
	conn   *net.UDPConn
	config UDPConfig

	mutex  sync.RWMutex
	peer   *net.UDPAddr
	closed bool
}

// NewUDPTransport создает UDP транспорт
func NewUDPTransport(config UDPConfig) (*UDPTransport, error) {
	config.ApplyDefaults()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("некорректная конфигурация UDP: %w", err)
	}

	lc := net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			var sockErr error
			err := c.Control(func(fd uintptr) {
				sockErr = applySockOptForVoice(fd, config)
			})
			if err != nil {
				return err
			}
			return sockErr
		},
	}

	pc, err := lc.ListenPacket(context.Background(), "udp", config.LocalAddr)
	if err != nil {
		return nil, fmt.Errorf("ошибка создания UDP соединения: %w", err)
	}
	conn := pc.(*net.UDPConn)
	_ = conn.SetReadBuffer(VoiceOptimizedRecvBuffer)
	_ = conn.SetWriteBuffer(VoiceOptimizedSendBuffer)

	t := &UDPTransport{conn: conn, config: config}

	if config.RemoteAddr != "" {
		remote, err := net.ResolveUDPAddr("udp", config.RemoteAddr)
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("ошибка разрешения удаленного адреса: %w", err)
		}
		t.peer = remote
	}
	return t, nil
}

// Send отправляет датаграмму удаленной стороне
func (t *UDPTransport) Send(b []byte) (int, error) {
	t.mutex.RLock()
	closed := t.closed
	peer := t.peer
	t.mutex.RUnlock()

	if closed {
		return 0, ErrSessionClosed
	}
	if peer == nil {
		return 0, fmt.Errorf("удаленный адрес не установлен")
	}

	n, err := t.conn.WriteToUDP(b, peer)
	if err != nil {
		return n, classifyNetworkError("UDP write", err)
	}
	return n, nil
}

// Recv читает одну датаграмму с коротким таймаутом
func (t *UDPTransport) Recv(buf []byte) (int, bool, error) {
	t.mutex.RLock()
	closed := t.closed
	t.mutex.RUnlock()
	if closed {
		return 0, false, ErrSessionClosed
	}

	_ = t.conn.SetReadDeadline(time.Now().Add(t.config.ReceiveTimeout))
	n, addr, err := t.conn.ReadFromUDP(buf)
	if err != nil {
		if errors.Is(err, net.ErrClosed) {
			return 0, false, ErrSessionClosed
		}
		classified := classifyNetworkError("UDP read", err)
		if IsTimeout(classified) {
			return 0, false, ErrWouldBlock
		}
		return 0, false, classified
	}

	changed := false
	t.mutex.Lock()
	if t.peer == nil || (t.config.Symmetric && !sameAddr(t.peer, addr)) {
		t.peer = addr
		changed = true
	}
	t.mutex.Unlock()

	return n, changed, nil
}

// Peer возвращает адрес удаленной стороны
func (t *UDPTransport) Peer() net.Addr {
	t.mutex.RLock()
	defer t.mutex.RUnlock()
	if t.peer == nil {
		return nil
	}
	return t.peer
}

// SetPeer задает адрес удаленной стороны
func (t *UDPTransport) SetPeer(addr net.Addr) {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	if addr == nil {
		t.peer = nil
		return
	}
	if udp, ok := addr.(*net.UDPAddr); ok {
		t.peer = udp
		return
	}
	if udp, err := net.ResolveUDPAddr("udp", addr.String()); err == nil {
		t.peer = udp
	}
}

// SetSymmetric включает или выключает обучение адреса
func (t *UDPTransport) SetSymmetric(on bool) {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	t.config.Symmetric = on
}

// LocalAddr возвращает локальный адрес
func (t *UDPTransport) LocalAddr() net.Addr {
	return t.conn.LocalAddr()
}

// Close закрывает транспорт
func (t *UDPTransport) Close() error {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	return t.conn.Close()
}
