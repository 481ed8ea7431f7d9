// Package protocol implements the wire format the relay speaks once a
// client's TLS stream has been decrypted: an address codec shared by the
// request header and the UDP framing layer, the request header itself, and
// the UDP datagram framing.
package protocol

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"

	"golang.org/x/net/idna"
)

// AddressType tags the encoding used for Address.Host, following the
// SOCKS5 convention this protocol reuses.
type AddressType byte

const (
	AddressIPv4   AddressType = 0x01
	AddressDomain AddressType = 0x03
	AddressIPv6   AddressType = 0x04
)

// ErrUnsupportedAddressType is returned when a byte on the wire doesn't map
// to a known AddressType.
var ErrUnsupportedAddressType = errors.New("protocol: unsupported address type")

// Address is a decoded (type, host, port) triple. Host is always the
// textual form (dotted-quad, bracket-free IPv6, or domain name), never the
// raw wire bytes.
type Address struct {
	Type AddressType
	Host string
	Port uint16
}

// String renders the address as host:port, suitable for net.Dial and logs.
func (a Address) String() string {
	return net.JoinHostPort(a.Host, strconv.Itoa(int(a.Port)))
}

// Encode serializes the address in the on-wire format: a 1-byte type tag,
// then 4/1+N/16 bytes of host, then a 2-byte big-endian port.
func (a Address) Encode() []byte {
	var body []byte
	switch a.Type {
	case AddressIPv4:
		ip := net.ParseIP(a.Host).To4()
		body = make([]byte, 0, 1+4+2)
		body = append(body, byte(AddressIPv4))
		body = append(body, ip...)
	case AddressIPv6:
		ip := net.ParseIP(a.Host).To16()
		body = make([]byte, 0, 1+16+2)
		body = append(body, byte(AddressIPv6))
		body = append(body, ip...)
	default: // AddressDomain
		host := []byte(a.Host)
		body = make([]byte, 0, 1+1+len(host)+2)
		body = append(body, byte(AddressDomain))
		body = append(body, byte(len(host)))
		body = append(body, host...)
	}
	portBytes := [2]byte{}
	binary.BigEndian.PutUint16(portBytes[:], a.Port)
	return append(body, portBytes[:]...)
}

// ParseAddress reads one encoded Address off r, returning the number of
// bytes consumed. It is used both by the request parser (reading off a
// buffered handshake frame) and by the UDP frame codec (reading off a
// datagram payload wrapped in a bytes.Reader).
func ParseAddress(r *bufio.Reader) (Address, int, error) {
	typeByte, err := r.ReadByte()
	if err != nil {
		return Address{}, 0, fmt.Errorf("protocol: read address type: %w", err)
	}

	consumed := 1
	var host string
	switch AddressType(typeByte) {
	case AddressIPv4:
		buf := make([]byte, 4)
		if _, err := io.ReadFull(r, buf); err != nil {
			return Address{}, consumed, fmt.Errorf("protocol: read ipv4 host: %w", err)
		}
		consumed += 4
		host = net.IP(buf).String()
	case AddressIPv6:
		buf := make([]byte, 16)
		if _, err := io.ReadFull(r, buf); err != nil {
			return Address{}, consumed, fmt.Errorf("protocol: read ipv6 host: %w", err)
		}
		consumed += 16
		host = net.IP(buf).String()
	case AddressDomain:
		length, err := r.ReadByte()
		if err != nil {
			return Address{}, consumed, fmt.Errorf("protocol: read domain length: %w", err)
		}
		consumed++
		buf := make([]byte, length)
		if _, err := io.ReadFull(r, buf); err != nil {
			return Address{}, consumed, fmt.Errorf("protocol: read domain host: %w", err)
		}
		consumed += int(length)
		host = normalizeDomain(string(buf))
	default:
		return Address{}, consumed, ErrUnsupportedAddressType
	}

	portBuf := make([]byte, 2)
	if _, err := io.ReadFull(r, portBuf); err != nil {
		return Address{}, consumed, fmt.Errorf("protocol: read port: %w", err)
	}
	consumed += 2

	return Address{
		Type: AddressType(typeByte),
		Host: host,
		Port: binary.BigEndian.Uint16(portBuf),
	}, consumed, nil
}

// normalizeDomain converts an internationalized domain name to its ASCII
// (punycode) form before it ever reaches the resolver, so CONNECT targets
// carrying a Unicode hostname resolve identically to their ASCII form. An
// already-ASCII name comes back case-folded to lowercase. A domain that
// fails IDNA validation is passed through unchanged — resolution will fail
// on its own if it's bad.
func normalizeDomain(host string) string {
	ascii, err := idna.Lookup.ToASCII(host)
	if err != nil {
		return host
	}
	return ascii
}
