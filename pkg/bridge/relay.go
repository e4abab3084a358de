package bridge

import (
	"context"
	"time"

	"github.com/arzzra/mediacore/pkg/rtp"
	"github.com/sirupsen/logrus"
)

// Relay ведет звонок между двумя плечами до отбоя или отмены ctx.
// Пока мост невозможен, фреймы пересылаются здесь же, а попытка моста
// повторяется каждые RetryInterval. timeout передается в Run.
func (c *Controller) Relay(ctx context.Context, leg0, leg1 Leg, timeout time.Duration) error {
	legs := [2]Leg{leg0, leg1}
	logger := c.logger.WithFields(logrus.Fields{"leg0": leg0.Name(), "leg1": leg1.Name()})

	for {
		out, err := c.Run(ctx, leg0, leg1, 0, timeout)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			return err
		}

		switch out.Result {
		case ResultComplete:
			if out.Frame == nil || isHangup(out.Frame) {
				logger.Debug("Звонок завершен")
				return nil
			}
			c.dispatch(out.Frame, otherLeg(legs, out.Leg), logger)
		case ResultRetry:
		case ResultFailed, ResultFailedNoWarn:
			if out.Result == ResultFailed {
				logger.Warn("Мост невозможен, фреймы пересылаются приложением")
			}
			if c.forward(ctx, legs, logger) {
				return nil
			}
		}
	}
}

func isHangup(f *rtp.Frame) bool {
	return f.Type == rtp.FrameControl && f.Control == rtp.ControlHangup
}

func otherLeg(legs [2]Leg, leg Leg) Leg {
	if leg == legs[0] {
		return legs[1]
	}
	return legs[0]
}

// dispatch передает фрейм плечу to
func (c *Controller) dispatch(f *rtp.Frame, to Leg, logger *logrus.Entry) {
	var err error
	if f.Type == rtp.FrameControl {
		err = to.Indicate(f.Control)
	} else {
		err = to.Write(f)
	}
	if err != nil {
		logger.WithError(err).WithField("leg", to.Name()).Debug("Ошибка передачи фрейма")
	}
}

// forward пересылает фреймы между плечами до следующей попытки моста.
// true означает, что звонок завершен.
func (c *Controller) forward(ctx context.Context, legs [2]Leg, logger *logrus.Entry) bool {
	retry := time.NewTimer(c.config.RetryInterval)
	defer retry.Stop()
	ticker := time.NewTicker(c.config.PollInterval)
	defer ticker.Stop()

	for {
		var (
			f   *rtp.Frame
			ok  bool
			who int
		)
		select {
		case <-ctx.Done():
			return true
		case <-retry.C:
			return false
		case <-ticker.C:
			if legs[0].HungUp() || legs[1].HungUp() {
				return true
			}
			continue
		case f, ok = <-legs[0].Frames():
			who = 0
		case f, ok = <-legs[1].Frames():
			who = 1
		}
		if !ok || f == nil || isHangup(f) {
			return true
		}
		c.dispatch(f, legs[1-who], logger)
	}
}
