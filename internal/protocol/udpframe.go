package protocol

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// ErrFrameIncomplete means buf does not yet hold a full UDP frame; the
// caller should wait for more bytes rather than treating this as failure.
var ErrFrameIncomplete = errors.New("protocol: incomplete UDP frame")

// Frame is one length-prefixed UDP datagram multiplexed over the TLS
// stream during UDP_FORWARD: address | length (2 bytes BE) | CRLF | payload.
type Frame struct {
	Address Address
	Payload []byte
}

// DecodeUDPFrame attempts to decode one Frame from the front of buf,
// returning the number of bytes consumed. If buf holds less than a full
// frame, it returns ErrFrameIncomplete (wrapped) and the caller must
// supply more bytes before retrying — decoding never consumes a partial
// frame.
func DecodeUDPFrame(buf []byte) (Frame, int, error) {
	r := bufio.NewReader(bytes.NewReader(buf))

	addr, addrLen, err := ParseAddress(r)
	if err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return Frame{}, 0, fmt.Errorf("%w: %v", ErrFrameIncomplete, err)
		}
		return Frame{}, 0, fmt.Errorf("protocol: malformed UDP frame address: %w", err)
	}

	lengthBuf := make([]byte, 2)
	if _, err := io.ReadFull(r, lengthBuf); err != nil {
		return Frame{}, 0, fmt.Errorf("%w: reading length: %v", ErrFrameIncomplete, err)
	}
	length := binary.BigEndian.Uint16(lengthBuf)

	crlf := make([]byte, 2)
	if _, err := io.ReadFull(r, crlf); err != nil {
		return Frame{}, 0, fmt.Errorf("%w: reading CRLF: %v", ErrFrameIncomplete, err)
	}
	if crlf[0] != '\r' || crlf[1] != '\n' {
		return Frame{}, 0, fmt.Errorf("protocol: malformed UDP frame CRLF")
	}

	headerLen := addrLen + 2 + 2
	total := headerLen + int(length)
	if len(buf) < total {
		return Frame{}, 0, fmt.Errorf("%w: have %d want %d", ErrFrameIncomplete, len(buf), total)
	}

	payload := make([]byte, length)
	copy(payload, buf[headerLen:total])

	return Frame{Address: addr, Payload: payload}, total, nil
}

// EncodeUDPFrame renders a Frame destined for addr carrying payload.
func EncodeUDPFrame(addr Address, payload []byte) []byte {
	lengthBuf := [2]byte{}
	binary.BigEndian.PutUint16(lengthBuf[:], uint16(len(payload)))

	buf := make([]byte, 0, 24+2+2+len(payload))
	buf = append(buf, addr.Encode()...)
	buf = append(buf, lengthBuf[:]...)
	buf = append(buf, '\r', '\n')
	buf = append(buf, payload...)
	return buf
}
