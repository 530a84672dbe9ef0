package echo

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/tinyrange/dtprobe/internal/hw"
	"github.com/tinyrange/dtprobe/internal/sim"
	"github.com/tinyrange/dtprobe/internal/virtio"

	"gvisor.dev/gvisor/pkg/buffer"
	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/adapters/gonet"
	"gvisor.dev/gvisor/pkg/tcpip/header"
	"gvisor.dev/gvisor/pkg/tcpip/link/channel"
	"gvisor.dev/gvisor/pkg/tcpip/link/ethernet"
	"gvisor.dev/gvisor/pkg/tcpip/network/arp"
	"gvisor.dev/gvisor/pkg/tcpip/network/ipv4"
	"gvisor.dev/gvisor/pkg/tcpip/stack"
	"gvisor.dev/gvisor/pkg/tcpip/transport/tcp"
)

const netBase = 0x10001000

// peer is a second gvisor stack wired to the other end of the simulated
// net device.
type peer struct {
	stack *stack.Stack
	ep    *channel.Endpoint
}

func newPeer(t *testing.T, m *sim.Machine) *peer {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())

	mac := net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x02}
	ep := channel.New(256, 1500+header.EthernetMinimumSize, tcpip.LinkAddress(string(mac)))
	s := stack.New(stack.Options{
		NetworkProtocols:   []stack.NetworkProtocolFactory{ipv4.NewProtocol, arp.NewProtocol},
		TransportProtocols: []stack.TransportProtocolFactory{tcp.NewProtocol},
	})
	if err := s.CreateNIC(1, ethernet.New(ep)); err != nil {
		t.Fatalf("peer CreateNIC: %v", err)
	}
	peerAddr, _ := parseAddr4("10.0.2.2")
	if err := s.AddProtocolAddress(1, tcpip.ProtocolAddress{
		Protocol:          ipv4.ProtocolNumber,
		AddressWithPrefix: tcpip.AddressWithPrefix{Address: peerAddr, PrefixLen: 24},
	}, stack.AddressProperties{}); err != nil {
		t.Fatalf("peer AddProtocolAddress: %v", err)
	}
	s.SetRouteTable([]tcpip.Route{{Destination: header.IPv4EmptySubnet, NIC: 1}})

	// device -> peer
	if err := m.SetNetPeer(netBase, func(frame []byte) {
		pkt := stack.NewPacketBuffer(stack.PacketBufferOptions{
			Payload: buffer.MakeWithData(append([]byte(nil), frame...)),
		})
		ep.InjectInbound(0, pkt)
		pkt.DecRef()
	}); err != nil {
		t.Fatalf("SetNetPeer: %v", err)
	}

	// peer -> device
	go func() {
		for {
			pkt := ep.ReadContext(ctx)
			if pkt == nil {
				return
			}
			frame := append([]byte(nil), pkt.ToView().AsSlice()...)
			pkt.DecRef()
			_ = m.InjectFrame(netBase, frame)
		}
	}()

	t.Cleanup(func() {
		cancel()
		ep.Close()
		s.Close()
		s.Wait()
	})
	return &peer{stack: s, ep: ep}
}

func newNetDevice(t *testing.T) (*sim.Machine, *virtio.Net) {
	t.Helper()
	m, err := sim.New(sim.Config{Devices: []sim.DeviceConfig{{Kind: sim.KindNet, Base: netBase}}})
	if err != nil {
		t.Fatalf("sim.New: %v", err)
	}
	t.Cleanup(func() { m.Close() })
	env := m.Env(hw.SystemClock{})
	region, err := env.Mapper.Map(netBase, 0x1000)
	if err != nil {
		t.Fatalf("Map: %v", err)
	}
	tr, err := virtio.NewMMIOTransport(region)
	if err != nil {
		t.Fatalf("NewMMIOTransport: %v", err)
	}
	dev, err := virtio.NewNet(tr, env.Allocator)
	if err != nil {
		t.Fatalf("NewNet: %v", err)
	}
	return m, dev
}

func TestServeEchoesOneConnection(t *testing.T) {
	m, dev := newNetDevice(t)
	p := newPeer(t, m)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	errc := make(chan error, 1)
	go func() {
		errc <- Serve(ctx, dev, Config{Connections: 1}, log, hw.SystemClock{})
	}()

	serverAddr, _ := parseAddr4("10.0.2.15")
	conn, err := gonet.DialContextTCP(ctx, p.stack, tcpip.FullAddress{NIC: 1, Addr: serverAddr, Port: 5555}, ipv4.ProtocolNumber)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}

	msg := []byte("hello from the other side")
	if _, err := conn.Write(msg); err != nil {
		t.Fatalf("write: %v", err)
	}
	got := make([]byte, len(msg))
	if _, err := io.ReadFull(conn, got); err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(got, msg) {
		t.Fatalf("echo = %q, want %q", got, msg)
	}
	conn.Close()

	select {
	case err := <-errc:
		if err != nil {
			t.Fatalf("Serve: %v", err)
		}
	case <-ctx.Done():
		t.Fatalf("Serve did not return after the connection closed")
	}
}

func TestServeStopsOnCancel(t *testing.T) {
	_, dev := newNetDevice(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Serve(ctx, dev, Config{}, slog.New(slog.NewTextHandler(io.Discard, nil)), &hw.InstantClock{})
	if err != context.Canceled {
		t.Fatalf("Serve err = %v, want context.Canceled", err)
	}
}

func TestNewRejectsBadConfig(t *testing.T) {
	_, dev := newNetDevice(t)
	for _, cfg := range []Config{
		{Address: "not-an-ip"},
		{Address: "fe80::1"},
		{MTU: 4000},
		{Address: "10.0.0.1", Gateway: "bogus"},
	} {
		if _, err := New(dev, cfg, nil, nil); err == nil {
			t.Fatalf("New(%+v) succeeded", cfg)
		}
	}
}
