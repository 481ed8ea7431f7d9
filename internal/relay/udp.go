package relay

import (
	"context"
	"errors"
	"fmt"
	"net"

	"relaycloak/internal/protocol"
	"relaycloak/internal/resolver"
)

// udpSent implements spec.md's udp_sent: try to decode one frame out of
// udpDataBuf, advancing it past the consumed prefix on success, and
// destroying the session if an incomplete frame grows past MaxBufLength.
func (s *Session) udpSent(ctx context.Context) error {
	for {
		frame, consumed, err := protocol.DecodeUDPFrame(s.udpDataBuf)
		if err != nil {
			if errors.Is(err, protocol.ErrFrameIncomplete) {
				if len(s.udpDataBuf) > MaxBufLength {
					return fmt.Errorf("relay: %w", ErrUDPFrameOversize)
				}
				return nil
			}
			return fmt.Errorf("relay: decode UDP frame: %w", err)
		}

		s.udpDataBuf = append([]byte(nil), s.udpDataBuf[consumed:]...)
		s.udpTarget = frame.Address

		if err := s.relayUDPFrame(ctx, frame); err != nil {
			return err
		}
	}
}

// relayUDPFrame resolves the frame's destination, opens the UDP socket on
// first use, and sends the payload onward — the "resolve async, pick an
// endpoint, open/bind if needed, send" sequence of spec.md's udp_sent.
func (s *Session) relayUDPFrame(ctx context.Context, frame protocol.Frame) error {
	endpoints, err := s.resolver.Resolve(ctx, frame.Address.Host)
	if err != nil {
		return fmt.Errorf("relay: resolve UDP target %s: %w", frame.Address.Host, err)
	}
	if s.cfg.TCP.PreferIPv4 {
		endpoints = resolver.PreferIPv4(endpoints)
	}
	if len(endpoints) == 0 {
		return fmt.Errorf("relay: resolve UDP target %s: %w", frame.Address.Host, resolver.ErrNoResults)
	}
	target := &net.UDPAddr{IP: endpoints[0].AsSlice(), Port: int(frame.Address.Port)}

	if s.udpConn == nil {
		network := "udp4"
		if endpoints[0].Is6() && !endpoints[0].Is4In6() {
			network = "udp6"
		}
		conn, err := net.ListenUDP(network, nil)
		if err != nil {
			return fmt.Errorf("relay: open UDP socket: %w", err)
		}
		s.udpConn = conn
		s.group.Go(func() error {
			err := s.pumpUDPRead(ctx)
			s.destroy(ctx, false)
			return err
		})
	}

	s.sentLen.Add(uint64(len(frame.Payload)))
	if _, err := s.udpConn.WriteToUDP(frame.Payload, target); err != nil {
		return fmt.Errorf("relay: send UDP datagram to %s: %w", target, err)
	}
	return nil
}

// pumpUDPRead implements udp_recv: relay datagrams arriving on the
// session's UDP socket back to the client, encoded as protocol frames.
func (s *Session) pumpUDPRead(ctx context.Context) error {
	buf := make([]byte, inboundBufferSize)
	for {
		if s.currentState() != stateUDPForward {
			return nil
		}

		n, from, err := s.udpConn.ReadFromUDP(buf)
		if err != nil {
			return fmt.Errorf("relay: UDP read: %w", err)
		}
		payload := append([]byte(nil), buf[:n]...)
		s.recvLen.Add(uint64(len(payload)))

		addr := protocol.Address{
			Type: addressTypeForIP(from.IP),
			Host: from.IP.String(),
			Port: uint16(from.Port),
		}
		encoded := protocol.EncodeUDPFrame(addr, payload)

		if s.flow.IsUsingPipeline() {
			done := make(chan error, 1)
			s.pl.SessionWriteData(s.stream, encoded, func(err error) { done <- err })
			select {
			case err := <-done:
				if err != nil {
					return fmt.Errorf("relay: pipeline write UDP frame: %w", err)
				}
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}

		if _, err := s.conn.Write(encoded); err != nil {
			return fmt.Errorf("relay: write UDP frame inbound: %w", err)
		}
	}
}

func addressTypeForIP(ip net.IP) protocol.AddressType {
	if ip4 := ip.To4(); ip4 != nil {
		return protocol.AddressIPv4
	}
	return protocol.AddressIPv6
}
