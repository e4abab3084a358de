package bridge

import (
	"context"
	"testing"
	"time"

	"github.com/arzzra/mediacore/pkg/rtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func relayAsync(ctx context.Context, c *Controller, leg0, leg1 Leg) <-chan error {
	done := make(chan error, 1)
	go func() { done <- c.Relay(ctx, leg0, leg1, 0) }()
	return done
}

func waitRelay(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(3 * time.Second):
		t.Fatal("Relay не завершился")
		return nil
	}
}

func TestRelayHangup(t *testing.T) {
	leg0 := newMockLeg(t, "leg0", "10.0.0.1:4000")
	leg1 := newMockLeg(t, "leg1", "10.0.0.2:6000")

	c := newTestController()
	done := relayAsync(context.Background(), c, leg0, leg1)
	waitBridged(t, c)

	// Ответ завершает мост, передается второму плечу, мост восстанавливается
	leg0.frames <- rtp.NewControlFrame(rtp.ControlAnswer)
	require.Eventually(t, func() bool {
		return len(leg1.Indications()) == 1
	}, 2*time.Second, time.Millisecond)
	assert.Equal(t, rtp.ControlAnswer, leg1.Indications()[0])
	waitBridged(t, c)

	leg1.frames <- rtp.NewControlFrame(rtp.ControlHangup)
	assert.NoError(t, waitRelay(t, done))
	assert.Equal(t, StateUnbridged, c.State())
}

func TestRelayFallbackForwarding(t *testing.T) {
	leg0 := newMockLeg(t, "leg0", "10.0.0.1:4000")
	leg1 := newMockLeg(t, "leg1", "10.0.0.2:6000")
	leg0.info.Capability = CapabilityForbid

	c := newTestController()
	done := relayAsync(context.Background(), c, leg0, leg1)

	voice := rtp.NewVoiceFrame(rtp.CodecULAW, make([]byte, 160))
	leg0.frames <- voice
	leg1.frames <- rtp.NewControlFrame(rtp.ControlRinging)

	require.Eventually(t, func() bool {
		return len(leg1.Written()) == 1 && len(leg0.Indications()) == 1
	}, 2*time.Second, time.Millisecond)
	assert.Same(t, voice, leg1.Written()[0])
	assert.Equal(t, rtp.ControlRinging, leg0.Indications()[0])
	assert.Equal(t, StateUnbridged, c.State(), "мост запрещен, пересылает приложение")

	close(leg0.frames)
	assert.NoError(t, waitRelay(t, done))
}

func TestRelayRetriesBridge(t *testing.T) {
	leg0 := newMockLeg(t, "leg0", "10.0.0.1:4000")
	// адрес второй стороны еще не известен
	leg1 := newMockLeg(t, "leg1", "")

	c := NewController(Config{PollInterval: 5 * time.Millisecond, RetryInterval: 20 * time.Millisecond, Logger: testLogger()})
	ctx, cancel := context.WithCancel(context.Background())
	done := relayAsync(ctx, c, leg0, leg1)

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, StateUnbridged, c.State())

	leg1.info.Audio.SetPeer(udpAddr(t, "10.0.0.2:6000"))
	waitBridged(t, c)

	cancel()
	assert.NoError(t, waitRelay(t, done))
	target, _ := leg0.lastTarget()
	assert.Nil(t, target, "после отмены медиа возвращено в сессию")
}
