package bridge

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/arzzra/mediacore/pkg/rtp"
	"github.com/sirupsen/logrus"
)

// ErrNoRedirect плечо не умеет перенаправлять медиа удаленной стороны
var ErrNoRedirect = errors.New("плечо не поддерживает перенаправление медиа")

// Redirector просит удаленную сторону слать медиа в target
// (например, повторным INVITE). nil target возвращает медиа в сессию.
type Redirector func(target *Target) error

// SessionLegConfig параметры плеча поверх сессии
type SessionLegConfig struct {
	Name  string
	Audio *rtp.Session
	Video *rtp.Session
	// Codecs кодеки плеча, 0 означает кодеки из таблицы сессии
	Codecs rtp.Codec
	// Redirect включает нативный мост, без него доступна только пересылка пакетов
	Redirect Redirector
	// Forbid запрещает мост для этого плеча
	Forbid bool
	// OnIndicate получает индикации, переданные плечу
	OnIndicate func(c rtp.ControlType)
	Logger     *logrus.Entry

	// QueueSize размер очереди входящих фреймов
	QueueSize int
	// IdleInterval пауза цикла чтения, когда сессия ничего не вернула
	IdleInterval time.Duration
}

// SessionLeg реализует Leg поверх сессий звонка. Цикл чтения работает
// в своей горутине и кладет фреймы в очередь Frames.
type SessionLeg struct {
	config SessionLegConfig
	logger *logrus.Entry
	frames chan *rtp.Frame

	mu     sync.Mutex
	target *Target

	generation atomic.Uint64
	hungUp     atomic.Bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSessionLeg создает плечо. Цикл чтения запускается Start.
func NewSessionLeg(config SessionLegConfig) (*SessionLeg, error) {
	if config.Audio == nil {
		return nil, errors.New("аудио сессия обязательна")
	}
	if config.QueueSize <= 0 {
		config.QueueSize = 64
	}
	if config.IdleInterval <= 0 {
		config.IdleInterval = 2 * time.Millisecond
	}
	logger := config.Logger
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	l := &SessionLeg{
		config: config,
		logger: logger.WithFields(logrus.Fields{"component": "bridge", "leg": config.Name}),
		frames: make(chan *rtp.Frame, config.QueueSize),
	}
	// цифры, закрытые по таймауту, приходят вне Read
	config.Audio.SetFrameHandler(func(f *rtp.Frame) { l.deliver(context.Background(), f) })
	return l, nil
}

// Start запускает цикл чтения сессий
func (l *SessionLeg) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	l.wg.Add(1)
	go l.pump(ctx, l.config.Audio)
	if l.config.Video != nil {
		l.wg.Add(1)
		go l.pump(ctx, l.config.Video)
	}
}

// Stop останавливает цикл чтения и ждет его завершения
func (l *SessionLeg) Stop() {
	if l.cancel != nil {
		l.cancel()
	}
	l.wg.Wait()
}

func (l *SessionLeg) pump(ctx context.Context, s *rtp.Session) {
	defer l.wg.Done()

	idle := time.NewTimer(l.config.IdleInterval)
	defer idle.Stop()

	for ctx.Err() == nil {
		f, err := s.Read()
		if err != nil {
			if errors.Is(err, rtp.ErrSessionClosed) {
				l.Hangup()
				return
			}
			l.logger.WithError(err).Debug("Ошибка чтения медиа")
		}
		if err != nil || f.IsNull() {
			idle.Reset(l.config.IdleInterval)
			select {
			case <-ctx.Done():
				return
			case <-idle.C:
			}
			continue
		}
		l.deliver(ctx, f)
	}
}

// deliver кладет фрейм в очередь. Переполненная очередь отбрасывает голос,
// но ждет для остальных фреймов.
func (l *SessionLeg) deliver(ctx context.Context, f *rtp.Frame) {
	if f.Type == rtp.FrameVoice || f.Type == rtp.FrameVideo || f.Type == rtp.FrameCNG {
		select {
		case l.frames <- f:
		default:
			l.logger.Trace("Очередь фреймов заполнена, фрейм отброшен")
		}
		return
	}
	select {
	case l.frames <- f:
	case <-ctx.Done():
	}
}

// Inject кладет фрейм сигнализации (удержание, отбой) в очередь плеча
func (l *SessionLeg) Inject(f *rtp.Frame) {
	l.deliver(context.Background(), f)
}

// Hangup отмечает плечо завершенным
func (l *SessionLeg) Hangup() {
	if l.hungUp.CompareAndSwap(false, true) {
		l.logger.Debug("Плечо завершено")
	}
}

// Reassign отмечает смену владельца плеча
func (l *SessionLeg) Reassign() {
	l.generation.Add(1)
}

// Name имя плеча
func (l *SessionLeg) Name() string {
	return l.config.Name
}

// MediaInfo сессии и возможности плеча
func (l *SessionLeg) MediaInfo() MediaInfo {
	info := MediaInfo{Audio: l.config.Audio, Video: l.config.Video}
	switch {
	case l.config.Forbid:
		info.Capability = CapabilityForbid
	case l.config.Redirect != nil:
		info.Capability = CapabilityTryNative
	default:
		info.Capability = CapabilityTryPartial
	}
	return info
}

// SetPeer перенаправляет медиа удаленной стороны
func (l *SessionLeg) SetPeer(target *Target) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.config.Redirect == nil {
		return ErrNoRedirect
	}
	if err := l.config.Redirect(target); err != nil {
		return err
	}
	l.target = target
	return nil
}

// Target текущее перенаправление, nil когда медиа идет через сессию
func (l *SessionLeg) Target() *Target {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.target
}

// Codecs кодеки плеча
func (l *SessionLeg) Codecs() rtp.Codec {
	if l.config.Codecs != 0 {
		return l.config.Codecs
	}
	codecs, _ := l.config.Audio.Registry().Codecs()
	if l.config.Video != nil {
		video, _ := l.config.Video.Registry().Codecs()
		codecs |= video & rtp.VideoMask
	}
	return codecs
}

// Frames очередь входящих фреймов
func (l *SessionLeg) Frames() <-chan *rtp.Frame {
	return l.frames
}

// Write отправляет фрейм удаленной стороне плеча
func (l *SessionLeg) Write(f *rtp.Frame) error {
	switch f.Type {
	case rtp.FrameVideo:
		if l.config.Video == nil {
			return nil
		}
		return l.config.Video.Write(f)
	case rtp.FrameDTMFBegin:
		return l.config.Audio.SendDigitBegin(f.Digit)
	case rtp.FrameDTMFEnd:
		if !l.config.Audio.DigitInProgress() {
			return l.config.Audio.SendDigit(f.Digit, f.Duration)
		}
		return l.config.Audio.SendDigitEnd(f.Digit, f.Duration)
	case rtp.FrameCNG:
		return l.config.Audio.SendCNG(f.Level)
	case rtp.FrameControl:
		return l.Indicate(f.Control)
	default:
		return l.config.Audio.Write(f)
	}
}

// Indicate передает индикацию сигнализации плеча
func (l *SessionLeg) Indicate(c rtp.ControlType) error {
	if c == rtp.ControlSrcUpdate {
		l.config.Audio.SetMarker()
	}
	if l.config.OnIndicate != nil {
		l.config.OnIndicate(c)
	}
	return nil
}

// Generation поколение владельца плеча
func (l *SessionLeg) Generation() uint64 {
	return l.generation.Load()
}

// HungUp сообщает, что плечо завершено
func (l *SessionLeg) HungUp() bool {
	return l.hungUp.Load()
}

// CanSendDigits плечо согласовало telephone-event
func (l *SessionLeg) CanSendDigits() bool {
	return l.config.Audio.HasDTMF()
}
