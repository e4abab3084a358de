package bridge

import (
	"net"

	"github.com/arzzra/mediacore/pkg/rtp"
	"github.com/sirupsen/logrus"
)

// bridgeMode способ соединения медиа двух плеч
type bridgeMode interface {
	name() string
	setup()
	// refresh вызывается на каждой итерации цикла
	refresh()
	// hold плечо who ушло на удержание
	hold(who int)
	unhold(who int)
	// teardown возвращает обычную пересылку плечам, не сменившим владельца
	teardown(gens [2]uint64)
}

// endpoints снимок адресов и кодеков плеча
type endpoints struct {
	audio  string
	video  string
	codecs rtp.Codec
}

func addrString(a net.Addr) string {
	if a == nil {
		return ""
	}
	return a.String()
}

// targetOf куда направлять медиа, чтобы оно шло в сторону leg
func targetOf(leg Leg) (*Target, endpoints) {
	info := leg.MediaInfo()
	t := &Target{Codecs: leg.Codecs()}
	if info.Audio != nil {
		t.Audio = info.Audio.Peer()
		t.NATActive = info.Audio.NATActive()
	}
	if info.Video != nil {
		t.Video = info.Video.Peer()
	}
	return t, endpoints{audio: addrString(t.Audio), video: addrString(t.Video), codecs: t.Codecs}
}

// nativeBridge медиа идет напрямую между удаленными сторонами
type nativeBridge struct {
	legs   [2]Leg
	logger *logrus.Entry
	snap   [2]endpoints
	held   [2]bool
}

func newNativeBridge(legs [2]Leg, logger *logrus.Entry) *nativeBridge {
	return &nativeBridge{legs: legs, logger: logger}
}

func (n *nativeBridge) name() string { return "native" }

// point направляет плечо i на удаленную сторону другого плеча
func (n *nativeBridge) point(i int) {
	target, snap := targetOf(n.legs[1-i])
	if err := n.legs[i].SetPeer(target); err != nil {
		n.logger.WithError(err).Warnf("Плечо '%s' не смогло направить медиа на '%s'", n.legs[i].Name(), n.legs[1-i].Name())
	}
	n.snap[1-i] = snap
}

func (n *nativeBridge) setup() {
	n.point(0)
	n.point(1)
}

func (n *nativeBridge) refresh() {
	for i, leg := range n.legs {
		_, current := targetOf(leg)
		if current == n.snap[i] {
			continue
		}
		n.logger.WithFields(logrus.Fields{
			"leg":    leg.Name(),
			"audio":  current.audio,
			"video":  current.video,
			"codecs": current.codecs.String(),
		}).Debug("Плечо сменило адрес или кодеки, перенаправляем")
		if n.held[1-i] {
			n.snap[i] = current
			continue
		}
		n.point(1 - i)
	}
}

func (n *nativeBridge) hold(who int) {
	// вторая сторона возвращается к нам, чтобы услышать музыку удержания
	other := 1 - who
	n.held[other] = true
	if err := n.legs[other].SetPeer(nil); err != nil {
		n.logger.WithError(err).WithField("leg", n.legs[other].Name()).Debug("Ошибка возврата медиа при удержании")
	}
}

func (n *nativeBridge) unhold(who int) {
	other := 1 - who
	n.held[other] = false
	n.point(other)
}

func (n *nativeBridge) teardown(gens [2]uint64) {
	for i, leg := range n.legs {
		if leg.Generation() != gens[i] {
			continue
		}
		if err := leg.SetPeer(nil); err != nil {
			n.logger.WithError(err).WithField("leg", leg.Name()).Warn("Ошибка возврата медиа плеча")
		}
	}
}

// partialBridge сессии пересылают пакеты друг другу без декодирования
type partialBridge struct {
	audio [2]*rtp.Session
	video [2]*rtp.Session
	flags Flags
}

func newPartialBridge(legs [2]Leg, infos [2]MediaInfo, flags Flags) *partialBridge {
	return &partialBridge{
		audio: [2]*rtp.Session{infos[0].Audio, infos[1].Audio},
		video: [2]*rtp.Session{infos[0].Video, infos[1].Video},
		flags: flags,
	}
}

func (p *partialBridge) name() string { return "partial" }

func (p *partialBridge) setup() {
	for i := range p.audio {
		p.audio[i].SetBridged(p.audio[1-i], p.flags.wantsDTMF(i))
		if p.video[i] != nil && p.video[1-i] != nil {
			p.video[i].SetBridged(p.video[1-i], false)
		}
	}
}

func (p *partialBridge) refresh() {}

func (p *partialBridge) hold(int) {}

func (p *partialBridge) unhold(int) {}

func (p *partialBridge) teardown([2]uint64) {
	for i := range p.audio {
		p.audio[i].SetBridged(nil, false)
		if p.video[i] != nil {
			p.video[i].SetBridged(nil, false)
		}
	}
}
