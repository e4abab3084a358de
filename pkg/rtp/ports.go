package rtp

import (
	"math/rand"
	"net"
	"strconv"
)

// ListenPair открывает пару транспортов RTP/RTCP на четном порту из
// настроенного диапазона. Поиск начинается со случайного порта и идет
// по кругу, пока не найдется свободная пара.
func ListenPair(host string, base UDPConfig) (*UDPTransport, *UDPTransport, error) {
	cfg := CurrentConfig()
	start, end := cfg.PortStart, cfg.PortEnd
	if start%2 != 0 {
		start++
	}
	span := (end - start) / 2
	if span <= 0 {
		return nil, nil, ErrNoPortAvailable
	}

	first := start + 2*rand.Intn(span)
	port := first
	for {
		rtpCfg := base
		rtpCfg.LocalAddr = net.JoinHostPort(host, strconv.Itoa(port))
		media, err := NewUDPTransport(rtpCfg)
		if err == nil {
			ctlCfg := base
			ctlCfg.LocalAddr = net.JoinHostPort(host, strconv.Itoa(port+1))
			ctl, err := NewUDPTransport(ctlCfg)
			if err == nil {
				return media, ctl, nil
			}
			media.Close()
		}

		port += 2
		if port >= end {
			port = start
		}
		if port == first {
			return nil, nil, ErrNoPortAvailable
		}
	}
}
