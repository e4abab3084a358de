package rtp

import (
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

// Capture пишет RTP трафик сессий в pcap для отладки.
//
// Пакеты заворачиваются в синтетические IP/UDP заголовки с реальными
// адресами сторон, поэтому файл открывается в Wireshark как обычный
// RTP поток. Фильтр по адресу повторяет отладку "rtp debug ip".
type Capture struct {
	mu     sync.Mutex
	writer *pcapgo.Writer
	filter *net.UDPAddr
	ipID   uint16
	now    func() time.Time
}

// NewCapture создает дамп в w. filter "ip" или "ip:port" ограничивает
// запись пакетами этого адреса, пустая строка пишет все.
func NewCapture(w io.Writer, filter string) (*Capture, error) {
	c := &Capture{writer: pcapgo.NewWriter(w), now: time.Now}
	if filter != "" {
		addr, err := parseDebugAddr(filter)
		if err != nil {
			return nil, err
		}
		c.filter = addr
	}
	if err := c.writer.WriteFileHeader(65536, layers.LinkTypeRaw); err != nil {
		return nil, fmt.Errorf("ошибка записи заголовка pcap: %w", err)
	}
	return c, nil
}

func parseDebugAddr(s string) (*net.UDPAddr, error) {
	if ip := net.ParseIP(s); ip != nil {
		return &net.UDPAddr{IP: ip}, nil
	}
	addr, err := net.ResolveUDPAddr("udp", s)
	if err != nil {
		return nil, fmt.Errorf("некорректный адрес отладки %q: %w", s, err)
	}
	return addr, nil
}

// matches проверяет адрес по фильтру. Нулевой порт фильтра
// совпадает с любым портом.
func (c *Capture) matches(a *net.UDPAddr) bool {
	if c.filter == nil {
		return true
	}
	if a == nil || !c.filter.IP.Equal(a.IP) {
		return false
	}
	return c.filter.Port == 0 || c.filter.Port == a.Port
}

// Packet записывает датаграмму от src к dst
func (c *Capture) Packet(src, dst net.Addr, payload []byte) {
	if c == nil {
		return
	}
	from, _ := src.(*net.UDPAddr)
	to, _ := dst.(*net.UDPAddr)
	if from == nil || to == nil {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.matches(from) && !c.matches(to) {
		return
	}

	udp := &layers.UDP{
		SrcPort: layers.UDPPort(from.Port),
		DstPort: layers.UDPPort(to.Port),
	}
	var network gopacket.SerializableLayer
	if from.IP.To4() != nil && to.IP.To4() != nil {
		c.ipID++
		ip := &layers.IPv4{
			Version:  4,
			IHL:      5,
			TTL:      64,
			Id:       c.ipID,
			Protocol: layers.IPProtocolUDP,
			SrcIP:    from.IP.To4(),
			DstIP:    to.IP.To4(),
		}
		_ = udp.SetNetworkLayerForChecksum(ip)
		network = ip
	} else {
		ip := &layers.IPv6{
			Version:    6,
			HopLimit:   64,
			NextHeader: layers.IPProtocolUDP,
			SrcIP:      from.IP.To16(),
			DstIP:      to.IP.To16(),
		}
		_ = udp.SetNetworkLayerForChecksum(ip)
		network = ip
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, network, udp, gopacket.Payload(payload)); err != nil {
		return
	}
	data := buf.Bytes()
	ci := gopacket.CaptureInfo{
		Timestamp:     c.now(),
		CaptureLength: len(data),
		Length:        len(data),
	}
	_ = c.writer.WritePacket(ci, data)
}
