package probe

import (
	"context"
	"fmt"
	"net"
	"os"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
)

const (
	protocolICMP   = 1
	protocolICMPv6 = 58

	defaultEchoTimeout = time.Second
)

var echoSeq atomic.Uint32

// ICMPProber sends a single ICMP echo request and waits for the reply.
//
// It uses unprivileged datagram ICMP sockets ("udp4"/"udp6") and falls back
// to raw sockets when Privileged is set. When neither can be opened the probe
// reports ErrProbeUnavailable.
type ICMPProber struct {
	Timeout    time.Duration
	Privileged bool
}

// NewICMPProber creates an ICMP prober with the given reply timeout.
func NewICMPProber(timeout time.Duration) *ICMPProber {
	if timeout <= 0 {
		timeout = defaultEchoTimeout
	}
	return &ICMPProber{Timeout: timeout}
}

// Probe resolves host and sends one echo request to the first address.
func (p *ICMPProber) Probe(ctx context.Context, host string) (bool, error) {
	addrs, err := net.DefaultResolver.LookupIPAddr(ctx, StripPort(host))
	if err != nil || len(addrs) == 0 {
		return false, fmt.Errorf("%w: resolve %s: %v", ErrProbeUnavailable, host, err)
	}
	ip := addrs[0].IP

	network, listenAddr, proto := "udp4", "0.0.0.0", protocolICMP
	var reqType, replyType icmp.Type = ipv4.ICMPTypeEcho, ipv4.ICMPTypeEchoReply
	if ip.To4() == nil {
		network, listenAddr, proto = "udp6", "::", protocolICMPv6
		reqType, replyType = ipv6.ICMPTypeEchoRequest, ipv6.ICMPTypeEchoReply
	}
	if p.Privileged {
		if proto == protocolICMP {
			network = "ip4:icmp"
		} else {
			network = "ip6:ipv6-icmp"
		}
	}

	conn, err := icmp.ListenPacket(network, listenAddr)
	if err != nil {
		return false, fmt.Errorf("%w: listen %s: %v", ErrProbeUnavailable, network, err)
	}
	defer conn.Close()

	seq := int(echoSeq.Add(1) & 0xffff)
	msg := icmp.Message{
		Type: reqType,
		Code: 0,
		Body: &icmp.Echo{
			ID:   os.Getpid() & 0xffff,
			Seq:  seq,
			Data: []byte("bspterm-probe"),
		},
	}
	wb, err := msg.Marshal(nil)
	if err != nil {
		return false, fmt.Errorf("%w: marshal echo: %v", ErrProbeUnavailable, err)
	}

	var dst net.Addr = &net.UDPAddr{IP: ip}
	if p.Privileged {
		dst = &net.IPAddr{IP: ip}
	}

	timeout := p.Timeout
	if timeout <= 0 {
		timeout = defaultEchoTimeout
	}
	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return false, fmt.Errorf("%w: set deadline: %v", ErrProbeUnavailable, err)
	}

	if _, err := conn.WriteTo(wb, dst); err != nil {
		// Send failures such as "network unreachable" are a real answer.
		log.Debug().Err(err).Str("host", host).Msg("ICMP echo send failed")
		return false, nil
	}

	rb := make([]byte, 1500)
	for {
		n, _, err := conn.ReadFrom(rb)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				return false, nil
			}
			return false, fmt.Errorf("%w: read: %v", ErrProbeUnavailable, err)
		}

		reply, err := icmp.ParseMessage(proto, rb[:n])
		if err != nil {
			continue
		}
		if reply.Type != replyType {
			continue
		}
		if echo, ok := reply.Body.(*icmp.Echo); ok && echo.Seq == seq {
			return true, nil
		}
	}
}

var _ Prober = (*ICMPProber)(nil)
