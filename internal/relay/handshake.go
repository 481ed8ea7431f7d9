package relay

import (
	"context"
	"fmt"

	"relaycloak/internal/protocol"
	"relaycloak/internal/resolver"
)

// handleHandshakeFrame implements the HANDSHAKE-state in_recv logic of
// spec.md §4.6: parse the initial frame, authenticate, decide the real
// request versus the fallback-origin redirect, and either move into
// UDP_FORWARD or dial the TCP target and move into FORWARD.
func (s *Session) handleHandshakeFrame(ctx context.Context, buf []byte) error {
	req, parseErr := protocol.Parse(buf)
	valid := parseErr == nil

	var fallbackPayload []byte
	if valid {
		if identity, hit := s.cfg.Password[req.Password]; hit {
			s.identity = identity
		} else if s.authenticator.Authenticate(ctx, req.Password) {
			s.authPassword = req.Password
			s.identity = req.Password
			if len(req.Password) >= 7 {
				s.log.Printf("session %d: authenticated dynamically, password prefix %s", s.id, req.Password[:7])
			}
		} else {
			valid = false
			s.log.Printf("session %d: unknown password, falling back to disguise origin", s.id)
		}
	}

	var queryHost string
	var queryPort uint16
	if valid {
		queryHost = req.Address.Host
		queryPort = req.Address.Port
	} else {
		fallbackPayload = buf
		queryHost = s.cfg.RemoteAddr
		queryPort = uint16(s.cfg.RemotePort)
		if s.negotiatedALPN != "" {
			if override, ok := s.cfg.SSL.ALPNPortOverride[s.negotiatedALPN]; ok {
				queryPort = uint16(override)
			}
		}
	}
	s.log.Printf("session %d: requested connection to %s:%d", s.id, queryHost, queryPort)

	if valid && req.Command == protocol.CmdUDPAssociate {
		s.setState(stateUDPForward)
		s.udpDataBuf = append(s.udpDataBuf, req.Payload...)
		return s.udpSent(ctx)
	}

	var writeFirst []byte
	if valid {
		writeFirst = req.Payload
	} else {
		writeFirst = fallbackPayload
	}

	endpoints, err := s.resolver.Resolve(ctx, queryHost)
	if err != nil {
		return fmt.Errorf("relay: resolve %s: %w", queryHost, err)
	}
	if s.cfg.TCP.PreferIPv4 {
		endpoints = resolver.PreferIPv4(endpoints)
	}

	var dial DialFunc
	if !valid {
		dial = s.fallbackDial
	}
	outConn, err := s.dialUpstream(ctx, queryHost, endpoints, queryPort, dial)
	if err != nil {
		return err
	}
	s.outConn = outConn
	s.setState(stateForward)

	if len(writeFirst) > 0 {
		s.sentLen.Add(uint64(len(writeFirst)))
		if _, err := outConn.Write(writeFirst); err != nil {
			return fmt.Errorf("relay: write initial payload upstream: %w", err)
		}
	}
	return nil
}
