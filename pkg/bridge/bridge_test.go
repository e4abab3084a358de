package bridge

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/arzzra/mediacore/pkg/rtp"
	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// === ВСПОМОГАТЕЛЬНЫЕ ТИПЫ ===

// stubTransport транспорт без сети для сессий в тестах моста
type stubTransport struct {
	mu    sync.Mutex
	peer  net.Addr
	local net.Addr
	sent  [][]byte
}

func (st *stubTransport) Send(b []byte) (int, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.sent = append(st.sent, append([]byte(nil), b...))
	return len(b), nil
}

func (st *stubTransport) Recv(buf []byte) (int, bool, error) {
	return 0, false, rtp.ErrWouldBlock
}

func (st *stubTransport) Peer() net.Addr {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.peer
}

func (st *stubTransport) SetPeer(addr net.Addr) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.peer = addr
}

func (st *stubTransport) LocalAddr() net.Addr { return st.local }

func (st *stubTransport) Close() error { return nil }

// identitySecure защищенный контекст, не меняющий пакеты
type identitySecure struct{}

func (identitySecure) Protect(b []byte) ([]byte, error)   { return b, nil }
func (identitySecure) Unprotect(b []byte) ([]byte, error) { return b, nil }

// mockLeg плечо с ручным управлением для тестов контроллера
type mockLeg struct {
	name   string
	frames chan *rtp.Frame

	mu          sync.Mutex
	info        MediaInfo
	codecs      rtp.Codec
	digits      bool
	targets     []*Target
	written     []*rtp.Frame
	indications []rtp.ControlType

	generation atomic.Uint64
	hungUp     atomic.Bool
}

func testLogger() *logrus.Entry {
	logger, _ := logtest.NewNullLogger()
	return logrus.NewEntry(logger)
}

func udpAddr(t *testing.T, s string) *net.UDPAddr {
	t.Helper()
	addr, err := net.ResolveUDPAddr("udp", s)
	require.NoError(t, err)
	return addr
}

func newStubSession(t *testing.T, peer string) *rtp.Session {
	t.Helper()
	tr := &stubTransport{local: udpAddr(t, "127.0.0.1:5004")}
	if peer != "" {
		tr.peer = udpAddr(t, peer)
	}
	nat := false
	s, err := rtp.NewSession(rtp.SessionConfig{Transport: tr, Logger: testLogger(), NAT: &nat})
	require.NoError(t, err)
	return s
}

func newMockLeg(t *testing.T, name, peer string) *mockLeg {
	return &mockLeg{
		name:   name,
		frames: make(chan *rtp.Frame, 16),
		info:   MediaInfo{Capability: CapabilityTryNative, Audio: newStubSession(t, peer)},
		codecs: rtp.CodecULAW | rtp.CodecALAW,
	}
}

func (m *mockLeg) Name() string { return m.name }

func (m *mockLeg) MediaInfo() MediaInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.info
}

func (m *mockLeg) SetPeer(target *Target) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.targets = append(m.targets, target)
	return nil
}

func (m *mockLeg) Codecs() rtp.Codec {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.codecs
}

func (m *mockLeg) Frames() <-chan *rtp.Frame { return m.frames }

func (m *mockLeg) Write(f *rtp.Frame) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.written = append(m.written, f)
	return nil
}

func (m *mockLeg) Indicate(c rtp.ControlType) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.indications = append(m.indications, c)
	return nil
}

func (m *mockLeg) Generation() uint64  { return m.generation.Load() }
func (m *mockLeg) HungUp() bool        { return m.hungUp.Load() }
func (m *mockLeg) CanSendDigits() bool { return m.digits }

// lastTarget последний вызов SetPeer. Второе значение false, если вызовов не было.
func (m *mockLeg) lastTarget() (*Target, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.targets) == 0 {
		return nil, false
	}
	return m.targets[len(m.targets)-1], true
}

func (m *mockLeg) setPeerCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.targets)
}

func (m *mockLeg) Written() []*rtp.Frame {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*rtp.Frame(nil), m.written...)
}

func (m *mockLeg) Indications() []rtp.ControlType {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]rtp.ControlType(nil), m.indications...)
}

type runResult struct {
	out Outcome
	err error
}

func runAsync(ctx context.Context, c *Controller, leg0, leg1 Leg, flags Flags, timeout time.Duration) <-chan runResult {
	done := make(chan runResult, 1)
	go func() {
		out, err := c.Run(ctx, leg0, leg1, flags, timeout)
		done <- runResult{out, err}
	}()
	return done
}

func waitResult(t *testing.T, done <-chan runResult) runResult {
	t.Helper()
	select {
	case r := <-done:
		return r
	case <-time.After(3 * time.Second):
		t.Fatal("мост не завершился")
		return runResult{}
	}
}

func newTestController() *Controller {
	return NewController(Config{PollInterval: 5 * time.Millisecond, Logger: testLogger()})
}

func waitBridged(t *testing.T, c *Controller) {
	t.Helper()
	require.Eventually(t, func() bool { return c.State() == StateBridged }, 2*time.Second, time.Millisecond)
}

// === ПРОВЕРКА УСЛОВИЙ МОСТА ===

func TestControllerPreconditions(t *testing.T) {
	tests := []struct {
		name   string
		modify func(t *testing.T, leg0, leg1 *mockLeg)
		want   Result
	}{
		{
			name:   "мост запрещен",
			modify: func(t *testing.T, leg0, leg1 *mockLeg) { leg1.info.Capability = CapabilityForbid },
			want:   ResultFailedNoWarn,
		},
		{
			name:   "нет медиа",
			modify: func(t *testing.T, leg0, leg1 *mockLeg) { leg0.info.Capability = CapabilityNone },
			want:   ResultFailed,
		},
		{
			name:   "нет аудио сессии",
			modify: func(t *testing.T, leg0, leg1 *mockLeg) { leg0.info.Audio = nil },
			want:   ResultFailed,
		},
		{
			name: "видео только у одного плеча",
			modify: func(t *testing.T, leg0, leg1 *mockLeg) {
				leg0.info.Video = newStubSession(t, "10.0.0.1:4002")
			},
			want: ResultFailed,
		},
		{
			name: "защищенный транспорт",
			modify: func(t *testing.T, leg0, leg1 *mockLeg) {
				leg1.info.Audio.SetSecureContext(identitySecure{})
			},
			want: ResultFailedNoWarn,
		},
		{
			name:   "разный способ передачи DTMF",
			modify: func(t *testing.T, leg0, leg1 *mockLeg) { leg0.digits = true },
			want:   ResultFailedNoWarn,
		},
		{
			name:   "нет общих кодеков",
			modify: func(t *testing.T, leg0, leg1 *mockLeg) { leg1.codecs = rtp.CodecG729A | rtp.CodecH264 },
			want:   ResultFailedNoWarn,
		},
		{
			name:   "адрес не выучен",
			modify: func(t *testing.T, leg0, leg1 *mockLeg) { leg1.info.Audio.SetPeer(nil) },
			want:   ResultFailed,
		},
		{
			name: "пересылка с разными кодеками",
			modify: func(t *testing.T, leg0, leg1 *mockLeg) {
				leg0.info.Capability = CapabilityTryPartial
				leg1.codecs = rtp.CodecULAW
			},
			want: ResultFailedNoWarn,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			leg0 := newMockLeg(t, "leg0", "10.0.0.1:4000")
			leg1 := newMockLeg(t, "leg1", "10.0.0.2:6000")
			tt.modify(t, leg0, leg1)

			c := newTestController()
			out, err := c.Run(context.Background(), leg0, leg1, 0, time.Second)
			require.NoError(t, err)
			assert.Equal(t, tt.want, out.Result)
			assert.Nil(t, out.Frame)
			assert.Equal(t, StateUnbridged, c.State())
			assert.Zero(t, leg0.setPeerCalls(), "медиа не перенаправлялось")
			assert.Zero(t, leg1.setPeerCalls())
		})
	}
}

// === НАТИВНЫЙ МОСТ ===

func TestNativeBridgeRedirects(t *testing.T) {
	leg0 := newMockLeg(t, "leg0", "10.0.0.1:4000")
	leg1 := newMockLeg(t, "leg1", "10.0.0.2:6000")

	c := newTestController()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := runAsync(ctx, c, leg0, leg1, 0, 0)
	waitBridged(t, c)

	// Каждое плечо направлено на удаленную сторону другого
	t0, ok := leg0.lastTarget()
	require.True(t, ok)
	assert.Equal(t, "10.0.0.2:6000", t0.Audio.String())
	assert.Equal(t, rtp.CodecULAW|rtp.CodecALAW, t0.Codecs)
	t1, ok := leg1.lastTarget()
	require.True(t, ok)
	assert.Equal(t, "10.0.0.1:4000", t1.Audio.String())

	// Смена адреса второго плеча доходит до первого за одну итерацию
	leg1.info.Audio.SetPeer(udpAddr(t, "10.0.0.3:7000"))
	require.Eventually(t, func() bool {
		target, _ := leg0.lastTarget()
		return target != nil && target.Audio.String() == "10.0.0.3:7000"
	}, time.Second, time.Millisecond)

	calls := leg1.setPeerCalls()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, calls, leg1.setPeerCalls(), "без изменений повторного перенаправления нет")

	cancel()
	r := waitResult(t, done)
	assert.ErrorIs(t, r.err, context.Canceled)
	assert.Equal(t, StateUnbridged, c.State())

	// При выходе медиа возвращается в сессии плеч
	target, _ := leg0.lastTarget()
	assert.Nil(t, target)
	target, _ = leg1.lastTarget()
	assert.Nil(t, target)
}

func TestNativeBridgeTimeout(t *testing.T) {
	leg0 := newMockLeg(t, "leg0", "10.0.0.1:4000")
	leg1 := newMockLeg(t, "leg1", "10.0.0.2:6000")

	c := newTestController()
	started := time.Now()
	out, err := c.Run(context.Background(), leg0, leg1, 0, 50*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, ResultRetry, out.Result)
	assert.GreaterOrEqual(t, time.Since(started), 50*time.Millisecond)
	assert.Equal(t, StateUnbridged, c.State())

	target, ok := leg0.lastTarget()
	require.True(t, ok)
	assert.Nil(t, target)
}

func TestNativeBridgeDTMF(t *testing.T) {
	leg0 := newMockLeg(t, "leg0", "10.0.0.1:4000")
	leg1 := newMockLeg(t, "leg1", "10.0.0.2:6000")

	c := newTestController()
	done := runAsync(context.Background(), c, leg0, leg1, FlagDTMF0, 0)
	waitBridged(t, c)

	// Цифра второго плеча не запрошена и передается дальше
	leg1.frames <- &rtp.Frame{Type: rtp.FrameDTMFEnd, Digit: '5', Duration: 100 * time.Millisecond}
	require.Eventually(t, func() bool { return len(leg0.Written()) == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, '5', leg0.Written()[0].Digit)

	// Цифра первого плеча завершает мост
	digit := &rtp.Frame{Type: rtp.FrameDTMFEnd, Digit: '#'}
	leg0.frames <- digit
	r := waitResult(t, done)
	require.NoError(t, r.err)
	assert.Equal(t, ResultComplete, r.out.Result)
	assert.Same(t, digit, r.out.Frame)
	assert.Same(t, leg0, r.out.Leg)
	assert.Empty(t, leg1.Written())
}

func TestNativeBridgeForwardsMedia(t *testing.T) {
	leg0 := newMockLeg(t, "leg0", "10.0.0.1:4000")
	leg1 := newMockLeg(t, "leg1", "10.0.0.2:6000")

	c := newTestController()
	ctx, cancel := context.WithCancel(context.Background())
	done := runAsync(ctx, c, leg0, leg1, 0, 0)
	waitBridged(t, c)

	voice := rtp.NewVoiceFrame(rtp.CodecULAW, make([]byte, 160))
	leg0.frames <- voice
	leg1.frames <- &rtp.Frame{Type: rtp.FrameCNG, Level: 40}
	require.Eventually(t, func() bool {
		return len(leg1.Written()) == 1 && len(leg0.Written()) == 1
	}, time.Second, time.Millisecond)
	assert.Same(t, voice, leg1.Written()[0])
	assert.Equal(t, rtp.FrameCNG, leg0.Written()[0].Type)

	cancel()
	waitResult(t, done)
}

func TestNativeBridgeHold(t *testing.T) {
	leg0 := newMockLeg(t, "leg0", "10.0.0.1:4000")
	leg1 := newMockLeg(t, "leg1", "10.0.0.2:6000")

	c := newTestController()
	done := runAsync(context.Background(), c, leg0, leg1, 0, 0)
	waitBridged(t, c)

	// Удержание: вторая сторона возвращается к нам
	leg0.frames <- rtp.NewControlFrame(rtp.ControlHold)
	require.Eventually(t, func() bool {
		target, _ := leg1.lastTarget()
		return target == nil && len(leg1.Indications()) == 1
	}, time.Second, time.Millisecond)
	assert.Equal(t, rtp.ControlHold, leg1.Indications()[0])

	// Снятие с удержания: снова напрямую
	leg0.frames <- rtp.NewControlFrame(rtp.ControlUnhold)
	require.Eventually(t, func() bool {
		target, _ := leg1.lastTarget()
		return target != nil && len(leg1.Indications()) == 2
	}, time.Second, time.Millisecond)
	target, _ := leg1.lastTarget()
	assert.Equal(t, "10.0.0.1:4000", target.Audio.String())

	leg1.frames <- rtp.NewControlFrame(rtp.ControlVidUpdate)
	require.Eventually(t, func() bool { return len(leg0.Indications()) == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, rtp.ControlVidUpdate, leg0.Indications()[0])

	// Остальные управляющие фреймы завершают мост
	answer := rtp.NewControlFrame(rtp.ControlAnswer)
	leg1.frames <- answer
	r := waitResult(t, done)
	require.NoError(t, r.err)
	assert.Equal(t, ResultComplete, r.out.Result)
	assert.Same(t, answer, r.out.Frame)
	assert.Same(t, leg1, r.out.Leg)
}

func TestBridgeTermination(t *testing.T) {
	tests := []struct {
		name     string
		trigger  func(leg0, leg1 *mockLeg)
		want     Result
		wantLeg1 bool
	}{
		{
			name:     "закрытый канал фреймов",
			trigger:  func(leg0, leg1 *mockLeg) { close(leg1.frames) },
			want:     ResultComplete,
			wantLeg1: true,
		},
		{
			name:    "отбой",
			trigger: func(leg0, leg1 *mockLeg) { leg0.hungUp.Store(true) },
			want:    ResultComplete,
		},
		{
			name:    "смена владельца",
			trigger: func(leg0, leg1 *mockLeg) { leg0.generation.Add(1) },
			want:    ResultRetry,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			leg0 := newMockLeg(t, "leg0", "10.0.0.1:4000")
			leg1 := newMockLeg(t, "leg1", "10.0.0.2:6000")

			c := newTestController()
			done := runAsync(context.Background(), c, leg0, leg1, 0, 0)
			waitBridged(t, c)

			tt.trigger(leg0, leg1)
			r := waitResult(t, done)
			require.NoError(t, r.err)
			assert.Equal(t, tt.want, r.out.Result)
			assert.Nil(t, r.out.Frame)
			if tt.wantLeg1 {
				assert.Same(t, leg1, r.out.Leg)
			}
			assert.Equal(t, StateUnbridged, c.State())
		})
	}
}

func TestBridgeGenerationChangeKeepsReassignedLeg(t *testing.T) {
	leg0 := newMockLeg(t, "leg0", "10.0.0.1:4000")
	leg1 := newMockLeg(t, "leg1", "10.0.0.2:6000")

	c := newTestController()
	done := runAsync(context.Background(), c, leg0, leg1, 0, 0)
	waitBridged(t, c)

	calls := leg0.setPeerCalls()
	leg0.generation.Add(1)
	r := waitResult(t, done)
	assert.Equal(t, ResultRetry, r.out.Result)

	// Новый владелец плеча сам решает, куда идет медиа
	assert.Equal(t, calls, leg0.setPeerCalls())
	target, _ := leg1.lastTarget()
	assert.Nil(t, target)
}

func TestControllerBusy(t *testing.T) {
	leg0 := newMockLeg(t, "leg0", "10.0.0.1:4000")
	leg1 := newMockLeg(t, "leg1", "10.0.0.2:6000")

	c := newTestController()
	ctx, cancel := context.WithCancel(context.Background())
	done := runAsync(ctx, c, leg0, leg1, 0, 0)
	waitBridged(t, c)

	_, err := c.Run(context.Background(), leg0, leg1, 0, 0)
	assert.ErrorIs(t, err, ErrBusy)

	cancel()
	waitResult(t, done)

	// После выхода контроллер снова доступен
	out, err := c.Run(context.Background(), leg0, leg1, 0, 10*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, ResultRetry, out.Result)
}

// === ПЕРЕСЫЛКА ПАКЕТОВ ===

func TestPartialBridge(t *testing.T) {
	leg0 := newMockLeg(t, "leg0", "10.0.0.1:4000")
	leg1 := newMockLeg(t, "leg1", "10.0.0.2:6000")
	leg0.info.Capability = CapabilityTryPartial

	c := newTestController()
	ctx, cancel := context.WithCancel(context.Background())
	done := runAsync(ctx, c, leg0, leg1, 0, 0)
	waitBridged(t, c)

	s0, s1 := leg0.info.Audio, leg1.info.Audio
	assert.Same(t, s1, s0.Bridged())
	assert.Same(t, s0, s1.Bridged())
	assert.Zero(t, leg0.setPeerCalls(), "удаленные стороны не перенаправляются")

	// Фреймы, не прошедшие пересылкой, передаются через плечо
	voice := rtp.NewVoiceFrame(rtp.CodecULAW, make([]byte, 160))
	leg0.frames <- voice
	require.Eventually(t, func() bool { return len(leg1.Written()) == 1 }, time.Second, time.Millisecond)

	cancel()
	r := waitResult(t, done)
	assert.ErrorIs(t, r.err, context.Canceled)
	assert.Nil(t, s0.Bridged())
	assert.Nil(t, s1.Bridged())
}

func TestPartialBridgeForDTMF(t *testing.T) {
	// Цифры запрошены у плеча с пакетами событий: только пересылка пакетов
	leg0 := newMockLeg(t, "leg0", "10.0.0.1:4000")
	leg1 := newMockLeg(t, "leg1", "10.0.0.2:6000")
	leg0.digits, leg1.digits = true, true

	c := newTestController()
	done := runAsync(context.Background(), c, leg0, leg1, FlagDTMF1, 0)
	waitBridged(t, c)
	assert.Same(t, leg0.info.Audio, leg1.info.Audio.Bridged())
	assert.Zero(t, leg1.setPeerCalls())

	leg1.frames <- &rtp.Frame{Type: rtp.FrameDTMFBegin, Digit: '1'}
	r := waitResult(t, done)
	assert.Equal(t, ResultComplete, r.out.Result)
	assert.Equal(t, '1', r.out.Frame.Digit)
	assert.Nil(t, leg0.info.Audio.Bridged())
}

func TestResultStrings(t *testing.T) {
	assert.Equal(t, "complete", ResultComplete.String())
	assert.Equal(t, "failed-nowarn", ResultFailedNoWarn.String())
	assert.Equal(t, "retry", ResultRetry.String())
	assert.Equal(t, "native", CapabilityTryNative.String())
	assert.Equal(t, "none", CapabilityNone.String())
}
