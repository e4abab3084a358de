package bridge

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/arzzra/mediacore/pkg/rtp"
	"github.com/looplab/fsm"
	"github.com/sirupsen/logrus"
)

// Result итог работы моста
type Result int

const (
	// ResultComplete мост завершен фреймом, который должен обработать вызывающий
	ResultComplete Result = iota
	// ResultFailed мост невозможен, вызывающий переходит на обычную пересылку
	ResultFailed
	// ResultFailedNoWarn мост невозможен по ожидаемой причине, без предупреждения
	ResultFailedNoWarn
	// ResultRetry мост прерван, попытку можно повторить
	ResultRetry
)

func (r Result) String() string {
	switch r {
	case ResultComplete:
		return "complete"
	case ResultFailed:
		return "failed"
	case ResultFailedNoWarn:
		return "failed-nowarn"
	case ResultRetry:
		return "retry"
	default:
		return "unknown"
	}
}

// Flags параметры моста
type Flags uint8

const (
	// FlagDTMF0 цифры первого плеча нужны вызывающему
	FlagDTMF0 Flags = 1 << iota
	// FlagDTMF1 цифры второго плеча нужны вызывающему
	FlagDTMF1
)

func (f Flags) wantsDTMF(leg int) bool {
	if leg == 0 {
		return f&FlagDTMF0 != 0
	}
	return f&FlagDTMF1 != 0
}

// Capability что плечо умеет в обход приложения
type Capability int

const (
	// CapabilityNone у плеча нет медиа сессии
	CapabilityNone Capability = iota
	// CapabilityForbid мост запрещен настройками плеча
	CapabilityForbid
	// CapabilityTryPartial только пересылка пакетов между сессиями
	CapabilityTryPartial
	// CapabilityTryNative медиа может идти напрямую между сторонами
	CapabilityTryNative
)

func (c Capability) String() string {
	switch c {
	case CapabilityForbid:
		return "forbid"
	case CapabilityTryPartial:
		return "partial"
	case CapabilityTryNative:
		return "native"
	default:
		return "none"
	}
}

// MediaInfo медиа сессии плеча
type MediaInfo struct {
	Capability Capability
	Audio      *rtp.Session
	// Video опционально
	Video *rtp.Session
}

// Target куда удаленная сторона плеча должна слать медиа в нативном мосте
type Target struct {
	Audio     net.Addr
	Video     net.Addr
	Codecs    rtp.Codec
	NATActive bool
}

// Leg плечо звонка. Реализация принадлежит вызывающему, контроллер
// работает с ним как с непрозрачным объектом.
type Leg interface {
	Name() string
	MediaInfo() MediaInfo
	// SetPeer направляет медиа удаленной стороны плеча в target.
	// nil возвращает медиа в сессию плеча.
	SetPeer(target *Target) error
	Codecs() rtp.Codec
	// Frames канал входящих фреймов плеча. Закрытый канал означает отбой.
	Frames() <-chan *rtp.Frame
	Write(f *rtp.Frame) error
	Indicate(c rtp.ControlType) error
	// Generation меняется, когда плечо переходит к другому владельцу
	Generation() uint64
	HungUp() bool
	// CanSendDigits плечо передает DTMF пакетами событий (RFC 4733)
	CanSendDigits() bool
}

// Outcome результат Run
type Outcome struct {
	Result Result
	// Frame фрейм, завершивший мост, или nil
	Frame *rtp.Frame
	// Leg плечо, от которого пришел Frame
	Leg Leg
}

// ErrBusy контроллер уже ведет мост
var ErrBusy = errors.New("мост уже установлен")

// Состояния моста
const (
	StateUnbridged  = "unbridged"
	StateAttempting = "attempting"
	StateBridged    = "bridged"
)

const (
	eventAttempt   = "attempt"
	eventEstablish = "establish"
	eventAbort     = "abort"
	eventTeardown  = "teardown"
)

// Config параметры контроллера
type Config struct {
	// PollInterval как часто перечитываются адреса и кодеки плеч
	PollInterval time.Duration
	// RetryInterval через сколько Relay повторяет неудавшийся мост
	RetryInterval time.Duration
	Logger        *logrus.Entry
}

// DefaultConfig возвращает конфигурацию по умолчанию
func DefaultConfig() Config {
	return Config{PollInterval: 100 * time.Millisecond, RetryInterval: time.Second}
}

// Controller ведет нативный мост между двумя плечами.
//
// Мост никогда не повторяется автоматически: любой выход из Run
// возвращает плечи к обычной пересылке, и решение о новой попытке
// принимает вызывающий.
type Controller struct {
	config  Config
	logger  *logrus.Entry
	machine *fsm.FSM
}

// NewController создает контроллер моста
func NewController(config Config) *Controller {
	if config.PollInterval <= 0 {
		config.PollInterval = DefaultConfig().PollInterval
	}
	if config.RetryInterval <= 0 {
		config.RetryInterval = DefaultConfig().RetryInterval
	}
	logger := config.Logger
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	c := &Controller{
		config: config,
		logger: logger.WithField("component", "bridge"),
	}
	c.initStateMachine()
	return c
}

// initStateMachine инициализирует конечный автомат моста
func (c *Controller) initStateMachine() {
	c.machine = fsm.NewFSM(
		StateUnbridged,
		fsm.Events{
			// Проверка условий и перенаправление медиа
			{Name: eventAttempt, Src: []string{StateUnbridged}, Dst: StateAttempting},
			// Плечи перенаправлены, работает цикл моста
			{Name: eventEstablish, Src: []string{StateAttempting}, Dst: StateBridged},
			// Условия не выполнены
			{Name: eventAbort, Src: []string{StateAttempting}, Dst: StateUnbridged},
			// Возврат к обычной пересылке
			{Name: eventTeardown, Src: []string{StateBridged}, Dst: StateUnbridged},
		},
		fsm.Callbacks{
			"enter_state": func(ctx context.Context, e *fsm.Event) {
				c.logger.WithFields(logrus.Fields{
					"from":  e.Src,
					"to":    e.Dst,
					"event": e.Event,
				}).Debug("Смена состояния моста")
			},
		},
	)
}

// State текущее состояние моста
func (c *Controller) State() string {
	return c.machine.Current()
}

// Run пытается установить мост между leg0 и leg1 и ведет его до
// завершения. timeout ограничивает время работы моста, 0 без ограничения.
func (c *Controller) Run(ctx context.Context, leg0, leg1 Leg, flags Flags, timeout time.Duration) (Outcome, error) {
	if err := c.machine.Event(ctx, eventAttempt); err != nil {
		return Outcome{Result: ResultFailed}, fmt.Errorf("%w: %v", ErrBusy, err)
	}
	legs := [2]Leg{leg0, leg1}
	logger := c.logger.WithFields(logrus.Fields{"leg0": leg0.Name(), "leg1": leg1.Name()})

	mode, result := c.check(legs, flags, logger)
	if mode == nil {
		_ = c.machine.Event(context.WithoutCancel(ctx), eventAbort)
		attemptsTotal.WithLabelValues("none", result.String()).Inc()
		return Outcome{Result: result}, nil
	}

	started := time.Now()
	out, err := c.loop(ctx, legs, flags, timeout, mode, logger)
	attemptsTotal.WithLabelValues(mode.name(), out.Result.String()).Inc()
	durationSeconds.WithLabelValues(mode.name()).Observe(time.Since(started).Seconds())
	return out, err
}

// check проверяет условия моста и выбирает режим.
// nil режим означает, что мост невозможен, с результатом для вызывающего.
func (c *Controller) check(legs [2]Leg, flags Flags, logger *logrus.Entry) (bridgeMode, Result) {
	var infos [2]MediaInfo
	for i, leg := range legs {
		infos[i] = leg.MediaInfo()
		switch {
		case infos[i].Capability == CapabilityForbid:
			return nil, ResultFailedNoWarn
		case infos[i].Capability == CapabilityNone || infos[i].Audio == nil:
			return nil, ResultFailed
		}
	}

	if (infos[0].Video == nil) != (infos[1].Video == nil) {
		logger.Debug("Видео есть только у одного плеча, мост невозможен")
		return nil, ResultFailed
	}
	for _, info := range infos {
		if info.Audio.SecureContext() != nil || (info.Video != nil && info.Video.SecureContext() != nil) {
			logger.Debug("Защищенный транспорт несовместим с обходом, мост невозможен")
			return nil, ResultFailedNoWarn
		}
	}
	if legs[0].CanSendDigits() != legs[1].CanSendDigits() {
		logger.Debug("Плечи передают DTMF разными способами, мост невозможен")
		return nil, ResultFailedNoWarn
	}

	codecs0, codecs1 := legs[0].Codecs(), legs[1].Codecs()
	if codecs0&codecs1&rtp.AudioMask == 0 {
		logger.WithFields(logrus.Fields{
			"codecs0": codecs0.String(),
			"codecs1": codecs1.String(),
		}).Debug("Нет общих кодеков, could not bridge")
		return nil, ResultFailedNoWarn
	}
	for i, info := range infos {
		if info.Audio.Peer() == nil {
			logger.WithField("leg", legs[i].Name()).Debug("Адрес удаленной стороны еще не известен")
			return nil, ResultFailed
		}
	}

	partial := infos[0].Capability == CapabilityTryPartial || infos[1].Capability == CapabilityTryPartial
	for i, leg := range legs {
		// цифры нужны вызывающему, а идут пакетами: пакеты должны проходить через сессию
		if flags.wantsDTMF(i) && leg.CanSendDigits() {
			partial = true
		}
	}
	if partial {
		if codecs0 != codecs1 {
			logger.Debug("Пересылка пакетов требует одинаковых кодеков")
			return nil, ResultFailedNoWarn
		}
		return newPartialBridge(legs, infos, flags), ResultComplete
	}
	return newNativeBridge(legs, logger), ResultComplete
}

// loop устанавливает мост и обслуживает его до выхода
func (c *Controller) loop(ctx context.Context, legs [2]Leg, flags Flags, timeout time.Duration, mode bridgeMode, logger *logrus.Entry) (Outcome, error) {
	gens := [2]uint64{legs[0].Generation(), legs[1].Generation()}

	mode.setup()
	if err := c.machine.Event(ctx, eventEstablish); err != nil {
		mode.teardown(gens)
		_ = c.machine.Event(context.WithoutCancel(ctx), eventAbort)
		return Outcome{Result: ResultFailed}, err
	}
	activeBridges.WithLabelValues(mode.name()).Inc()
	logger.WithField("mode", mode.name()).Debug("Мост установлен")

	defer func() {
		mode.teardown(gens)
		activeBridges.WithLabelValues(mode.name()).Dec()
		_ = c.machine.Event(context.WithoutCancel(ctx), eventTeardown)
	}()

	ticker := time.NewTicker(c.config.PollInterval)
	defer ticker.Stop()

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	for {
		if legs[0].Generation() != gens[0] || legs[1].Generation() != gens[1] {
			logger.Debug("Плечо сменило владельца, выходим из моста")
			return Outcome{Result: ResultRetry}, nil
		}
		for _, leg := range legs {
			if leg.HungUp() {
				return Outcome{Result: ResultComplete, Leg: leg}, nil
			}
		}
		mode.refresh()

		var (
			f   *rtp.Frame
			ok  bool
			who int
		)
		select {
		case <-ctx.Done():
			return Outcome{Result: ResultFailed}, ctx.Err()
		case <-expired:
			logger.Debug("Истекло время моста")
			return Outcome{Result: ResultRetry}, nil
		case <-ticker.C:
			continue
		case f, ok = <-legs[0].Frames():
			who = 0
		case f, ok = <-legs[1].Frames():
			who = 1
		}

		if !ok || f == nil {
			return Outcome{Result: ResultComplete, Leg: legs[who]}, nil
		}
		other := legs[1-who]

		switch f.Type {
		case rtp.FrameDTMFBegin, rtp.FrameDTMFEnd:
			if flags.wantsDTMF(who) {
				return Outcome{Result: ResultComplete, Frame: f, Leg: legs[who]}, nil
			}
		case rtp.FrameControl:
			switch f.Control {
			case rtp.ControlHold:
				mode.hold(who)
			case rtp.ControlUnhold:
				mode.unhold(who)
			case rtp.ControlVidUpdate:
			default:
				return Outcome{Result: ResultComplete, Frame: f, Leg: legs[who]}, nil
			}
			if err := other.Indicate(f.Control); err != nil {
				logger.WithError(err).WithField("control", f.Control.String()).Debug("Ошибка передачи индикации")
			}
			continue
		}

		if err := other.Write(f); err != nil {
			logger.WithError(err).WithField("leg", other.Name()).Debug("Ошибка записи фрейма в плечо")
		}
	}
}
