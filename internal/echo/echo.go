// Package echo runs a TCP echo service on a polled virtio-net device using
// the gvisor network stack.
package echo

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/netip"
	"sync"

	"github.com/tinyrange/dtprobe/internal/hw"
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

const nicID tcpip.NICID = 1

// Device is the polled network device the service drives.
type Device interface {
	MACAddress() net.HardwareAddr
	Receive() (*virtio.RxBuffer, error)
	Send(frame []byte) error
	RecycleRxBuffer(b *virtio.RxBuffer) error
}

// Config describes the service's address and lifetime.
type Config struct {
	Address   string `yaml:"address"`
	PrefixLen int    `yaml:"prefixLen"`
	Gateway   string `yaml:"gateway,omitempty"`
	Port      uint16 `yaml:"port"`
	MTU       uint32 `yaml:"mtu"`
	// Connections is the number of connections served before Serve
	// returns. Zero serves until the context is done.
	Connections int `yaml:"connections"`
}

// DefaultConfig matches the QEMU user network guest address.
func DefaultConfig() Config {
	return Config{
		Address:     "10.0.2.15",
		PrefixLen:   24,
		Gateway:     "10.0.2.2",
		Port:        5555,
		MTU:         1500,
		Connections: 1,
	}
}

func (c *Config) normalize() {
	def := DefaultConfig()
	if c.Address == "" {
		c.Address = def.Address
		if c.Gateway == "" {
			c.Gateway = def.Gateway
		}
	}
	if c.PrefixLen == 0 {
		c.PrefixLen = def.PrefixLen
	}
	if c.Port == 0 {
		c.Port = def.Port
	}
	if c.MTU == 0 {
		c.MTU = def.MTU
	}
}

func parseAddr4(s string) (tcpip.Address, error) {
	a, err := netip.ParseAddr(s)
	if err != nil {
		return tcpip.Address{}, err
	}
	if !a.Is4() {
		return tcpip.Address{}, fmt.Errorf("%s is not an IPv4 address", s)
	}
	return tcpip.AddrFrom4(a.As4()), nil
}

// Server is an echo service bound to one device.
type Server struct {
	cfg   Config
	dev   Device
	log   *slog.Logger
	clock hw.Clock

	ep    *channel.Endpoint
	stack *stack.Stack
	addr  tcpip.Address
}

// New builds the network stack for dev. Nothing is sent until Serve.
func New(dev Device, cfg Config, log *slog.Logger, clock hw.Clock) (*Server, error) {
	cfg.normalize()
	if log == nil {
		log = slog.Default()
	}
	if clock == nil {
		clock = hw.SystemClock{}
	}
	if int(cfg.MTU)+header.EthernetMinimumSize+virtio.NetHdrSize > virtio.NetBufferLen {
		return nil, fmt.Errorf("echo: mtu %d does not fit a %d byte device buffer", cfg.MTU, virtio.NetBufferLen)
	}
	addr, err := parseAddr4(cfg.Address)
	if err != nil {
		return nil, fmt.Errorf("echo: address: %w", err)
	}

	mac := dev.MACAddress()
	ep := channel.New(256, cfg.MTU+header.EthernetMinimumSize, tcpip.LinkAddress(string(mac)))
	s := stack.New(stack.Options{
		NetworkProtocols:   []stack.NetworkProtocolFactory{ipv4.NewProtocol, arp.NewProtocol},
		TransportProtocols: []stack.TransportProtocolFactory{tcp.NewProtocol},
	})
	srv := &Server{cfg: cfg, dev: dev, log: log, clock: clock, ep: ep, stack: s, addr: addr}

	if tcpErr := s.CreateNIC(nicID, ethernet.New(ep)); tcpErr != nil {
		srv.Close()
		return nil, fmt.Errorf("echo: create nic: %v", tcpErr)
	}
	if tcpErr := s.AddProtocolAddress(nicID, tcpip.ProtocolAddress{
		Protocol: ipv4.ProtocolNumber,
		AddressWithPrefix: tcpip.AddressWithPrefix{
			Address:   addr,
			PrefixLen: cfg.PrefixLen,
		},
	}, stack.AddressProperties{}); tcpErr != nil {
		srv.Close()
		return nil, fmt.Errorf("echo: add address: %v", tcpErr)
	}

	route := tcpip.Route{Destination: header.IPv4EmptySubnet, NIC: nicID}
	if cfg.Gateway != "" {
		gw, err := parseAddr4(cfg.Gateway)
		if err != nil {
			srv.Close()
			return nil, fmt.Errorf("echo: gateway: %w", err)
		}
		route.Gateway = gw
		s.SetRouteTable([]tcpip.Route{
			{Destination: addrSubnet(addr, cfg.PrefixLen), NIC: nicID},
			route,
		})
	} else {
		s.SetRouteTable([]tcpip.Route{route})
	}
	return srv, nil
}

func addrSubnet(addr tcpip.Address, prefixLen int) tcpip.Subnet {
	return tcpip.AddressWithPrefix{Address: addr, PrefixLen: prefixLen}.Subnet()
}

// Close tears the stack down.
func (s *Server) Close() {
	s.ep.Close()
	s.stack.Close()
	s.stack.Wait()
}

// Serve accepts connections on the configured port and echoes what they
// send. The device is only touched from the calling goroutine.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := gonet.ListenTCP(s.stack, tcpip.FullAddress{NIC: nicID, Addr: s.addr, Port: s.cfg.Port}, ipv4.ProtocolNumber)
	if err != nil {
		return fmt.Errorf("echo: listen: %w", err)
	}
	s.log.Info("echo: listening", "addr", s.cfg.Address, "port", s.cfg.Port, "mac", s.dev.MACAddress().String())

	done := make(chan struct{})
	acceptErr := make(chan error, 1)
	var wg sync.WaitGroup
	go func() {
		served := 0
		for s.cfg.Connections == 0 || served < s.cfg.Connections {
			conn, err := ln.Accept()
			if err != nil {
				acceptErr <- err
				return
			}
			served++
			wg.Add(1)
			go func() {
				defer wg.Done()
				s.handle(conn)
			}()
		}
		wg.Wait()
		close(done)
	}()
	defer ln.Close()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-done:
			// Let the final segments of the last connection out.
			_, err := s.pump()
			return err
		case err := <-acceptErr:
			return fmt.Errorf("echo: accept: %w", err)
		default:
		}
		moved, err := s.pump()
		if err != nil {
			return err
		}
		if !moved {
			s.clock.Yield()
		}
	}
}

func (s *Server) handle(conn net.Conn) {
	defer conn.Close()
	n, err := io.Copy(conn, conn)
	if err != nil && !errors.Is(err, net.ErrClosed) {
		s.log.Warn("echo: connection error", "remote", conn.RemoteAddr(), "err", err)
	}
	s.log.Info("echo: connection closed", "remote", conn.RemoteAddr(), "bytes", n)
}

// pump moves at most one received frame into the stack and every queued
// outbound frame onto the device.
func (s *Server) pump() (bool, error) {
	moved := false
	buf, err := s.dev.Receive()
	switch {
	case err == nil:
		frame := append([]byte(nil), buf.Packet()...)
		if err := s.dev.RecycleRxBuffer(buf); err != nil {
			return false, fmt.Errorf("echo: recycle rx buffer: %w", err)
		}
		pkt := stack.NewPacketBuffer(stack.PacketBufferOptions{Payload: buffer.MakeWithData(frame)})
		s.ep.InjectInbound(0, pkt)
		pkt.DecRef()
		moved = true
	case errors.Is(err, virtio.ErrNotReady):
	default:
		return false, fmt.Errorf("echo: receive: %w", err)
	}

	for {
		pkt := s.ep.Read()
		if pkt == nil {
			break
		}
		frame := append([]byte(nil), pkt.ToView().AsSlice()...)
		pkt.DecRef()
		if err := s.dev.Send(frame); err != nil {
			return false, fmt.Errorf("echo: send: %w", err)
		}
		moved = true
	}
	return moved, nil
}

// Serve runs an echo service on dev until cfg.Connections connections have
// been served or ctx is done.
func Serve(ctx context.Context, dev Device, cfg Config, log *slog.Logger, clock hw.Clock) error {
	srv, err := New(dev, cfg, log, clock)
	if err != nil {
		return err
	}
	defer srv.Close()
	return srv.Serve(ctx)
}
