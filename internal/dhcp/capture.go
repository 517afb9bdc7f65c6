// Package dhcp passively watches DHCP traffic and feeds presence events into
// the ingestor. It is an alternative to routers pushing events over HTTP.
//
// Only server replies and client releases are interesting:
//   - DHCPACK carries the lease (yiaddr), the client MAC (chaddr) and usually
//     the hostname in option 12. It becomes an "assigned" event.
//   - DHCPRELEASE carries the released address in ciaddr. It becomes a
//     "released" event.
//
// Everything else is ignored.
package dhcp

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcap"
	"golang.org/x/time/rate"

	"github.com/mosiko1234/heimdal/presence/internal/device"
	"github.com/mosiko1234/heimdal/presence/internal/logger"
)

// BPFFilter restricts capture to DHCP server and client ports.
const BPFFilter = "udp and (port 67 or port 68)"

const (
	snapshotLen = 1600
	// DHCP is low volume; anything beyond this is a storm and gets shed.
	maxPacketsPerSecond = 200
)

// Handler consumes decoded events.
type Handler interface {
	Handle(ctx context.Context, ev device.Event) (*device.Device, error)
}

// Capture reads DHCP frames from a network interface.
type Capture struct {
	iface   string
	handler Handler
	limiter *rate.Limiter
	handle  *pcap.Handle
	logger  *logger.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewCapture prepares a capture on iface. Nothing is opened until Start.
func NewCapture(iface string, handler Handler) (*Capture, error) {
	if iface == "" {
		return nil, fmt.Errorf("capture interface is required")
	}
	if handler == nil {
		return nil, fmt.Errorf("event handler is required")
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Capture{
		iface:   iface,
		handler: handler,
		limiter: rate.NewLimiter(rate.Limit(maxPacketsPerSecond), maxPacketsPerSecond),
		logger:  logger.NewComponentLogger("DHCP"),
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

// Name returns the component name
func (c *Capture) Name() string {
	return "DHCP Capture"
}

// Start opens the interface and begins decoding.
func (c *Capture) Start() error {
	handle, err := pcap.OpenLive(c.iface, snapshotLen, false, pcap.BlockForever)
	if err != nil {
		return fmt.Errorf("failed to open interface %s: %w", c.iface, err)
	}
	if err := handle.SetBPFFilter(BPFFilter); err != nil {
		handle.Close()
		return fmt.Errorf("failed to set BPF filter: %w", err)
	}
	c.handle = handle
	c.logger.Info("Started DHCP capture on %s with filter: %s", c.iface, BPFFilter)

	source := gopacket.NewPacketSource(handle, handle.LinkType())
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.Run(c.ctx, source.Packets())
	}()
	return nil
}

// Stop closes the interface and waits for the decode loop.
func (c *Capture) Stop() error {
	c.cancel()
	if c.handle != nil {
		c.handle.Close()
	}
	c.wg.Wait()
	c.logger.Info("Stopped")
	return nil
}

// Run decodes packets until ctx is done or packets is closed.
func (c *Capture) Run(ctx context.Context, packets <-chan gopacket.Packet) {
	for {
		select {
		case <-ctx.Done():
			return
		case packet, ok := <-packets:
			if !ok {
				return
			}
			if packet == nil || !c.limiter.Allow() {
				continue
			}
			c.process(ctx, packet)
		}
	}
}

func (c *Capture) process(ctx context.Context, packet gopacket.Packet) {
	ev, ok := EventFromPacket(packet)
	if !ok {
		return
	}
	if _, err := c.handler.Handle(ctx, ev); err != nil {
		c.logger.Warn("Dropped %s event for %s: %v", ev.Action, ev.MAC, err)
	}
}

// EventFromPacket converts a DHCPACK or DHCPRELEASE packet into an event.
// The bool is false for every other packet.
func EventFromPacket(packet gopacket.Packet) (device.Event, bool) {
	layer := packet.Layer(layers.LayerTypeDHCPv4)
	if layer == nil {
		return device.Event{}, false
	}
	msg, ok := layer.(*layers.DHCPv4)
	if !ok {
		return device.Event{}, false
	}
	return EventFromDHCP(msg)
}

// EventFromDHCP is EventFromPacket for an already decoded DHCP layer.
func EventFromDHCP(msg *layers.DHCPv4) (device.Event, bool) {
	if len(msg.ClientHWAddr) != 6 {
		return device.Event{}, false
	}

	var (
		msgType  layers.DHCPMsgType
		hostname string
	)
	for _, opt := range msg.Options {
		switch opt.Type {
		case layers.DHCPOptMessageType:
			if len(opt.Data) == 1 {
				msgType = layers.DHCPMsgType(opt.Data[0])
			}
		case layers.DHCPOptHostname:
			hostname = string(opt.Data)
		}
	}

	switch msgType {
	case layers.DHCPMsgTypeAck:
		ip := msg.YourClientIP
		if isUnspecified(ip) {
			// ACK to DHCPINFORM leaves yiaddr empty.
			ip = msg.ClientIP
		}
		return device.Event{
			Action: device.ActionAssigned,
			MAC:    msg.ClientHWAddr.String(),
			IP:     ipString(ip),
			Host:   hostname,
		}, true
	case layers.DHCPMsgTypeRelease:
		return device.Event{
			Action: device.ActionReleased,
			MAC:    msg.ClientHWAddr.String(),
			IP:     ipString(msg.ClientIP),
			Host:   hostname,
		}, true
	default:
		return device.Event{}, false
	}
}

func isUnspecified(ip net.IP) bool {
	return ip == nil || ip.IsUnspecified()
}

func ipString(ip net.IP) string {
	if isUnspecified(ip) {
		return ""
	}
	return ip.String()
}
