package oob

// Wire format. Every message on an OOB socket starts with a fixed
// 36-byte big-endian header:
//
//	[8 origin][8 destination][1 type][3 reserved][4 tag][4 seq][8 payload bytes]
//
// Identities are packed as namespace<<32 | rank. Reserved bytes are
// written as zero and ignored on read.
//
// Handshake payload (type IDENT):
//
//	[2-byte ack flag: 1 = ACK, 0 = NACK][version bytes][NUL]
//
// The dialer sends IDENT first; the acceptor reads it and answers with
// its own IDENT. A PROBE header is answered with a header-only echo
// (origin and destination swapped) and the socket is closed.

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"net"
)

// HeaderSize is the encoded size of Header.
const HeaderSize = 36

// maxIdentPayload bounds the handshake payload. Version strings are short.
const maxIdentPayload = 256

// MsgType identifies the kind of frame.
type MsgType uint8

const (
	MsgIdent MsgType = 1
	MsgProbe MsgType = 2
	MsgData  MsgType = 3
)

func (m MsgType) String() string {
	switch m {
	case MsgIdent:
		return "ident"
	case MsgProbe:
		return "probe"
	case MsgData:
		return "data"
	}
	return fmt.Sprintf("msgtype(%d)", uint8(m))
}

const (
	ackNack uint16 = 0
	ackAck  uint16 = 1
)

// Header is the fixed prefix of every frame.
type Header struct {
	Origin       Identity
	Dst          Identity
	Type         MsgType
	Tag          uint32
	SeqNum       uint32
	PayloadBytes uint64
}

// MarshalBinary encodes h into its 36-byte wire form.
func (h Header) MarshalBinary() ([]byte, error) {
	b := make([]byte, HeaderSize)
	h.put(b)
	return b, nil
}

// UnmarshalBinary decodes a 36-byte wire header.
func (h *Header) UnmarshalBinary(b []byte) error {
	if len(b) < HeaderSize {
		return fmt.Errorf("oob: short header (%d bytes)", len(b))
	}
	h.Origin = unpackIdentity(binary.BigEndian.Uint64(b[0:8]))
	h.Dst = unpackIdentity(binary.BigEndian.Uint64(b[8:16]))
	h.Type = MsgType(b[16])
	h.Tag = binary.BigEndian.Uint32(b[20:24])
	h.SeqNum = binary.BigEndian.Uint32(b[24:28])
	h.PayloadBytes = binary.BigEndian.Uint64(b[28:36])
	return nil
}

func (h Header) put(b []byte) {
	binary.BigEndian.PutUint64(b[0:8], h.Origin.pack())
	binary.BigEndian.PutUint64(b[8:16], h.Dst.pack())
	b[16] = byte(h.Type)
	b[17], b[18], b[19] = 0, 0, 0
	binary.BigEndian.PutUint32(b[20:24], h.Tag)
	binary.BigEndian.PutUint32(b[24:28], h.SeqNum)
	binary.BigEndian.PutUint64(b[28:36], h.PayloadBytes)
}

// echo returns the header-only reply to a probe.
func (h Header) echo() Header {
	return Header{Origin: h.Dst, Dst: h.Origin, Type: h.Type, Tag: h.Tag, SeqNum: h.SeqNum}
}

func readHeader(r io.Reader) (Header, error) {
	var buf [HeaderSize]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return Header{}, err
	}
	var h Header
	err := h.UnmarshalBinary(buf[:])
	return h, err
}

// writeFrame writes header and payload with a single vectored write.
func writeFrame(w io.Writer, h Header, payload []byte) error {
	var hb [HeaderSize]byte
	h.PayloadBytes = uint64(len(payload))
	h.put(hb[:])
	if len(payload) == 0 {
		_, err := w.Write(hb[:])
		return err
	}
	bufs := net.Buffers{hb[:], payload}
	_, err := bufs.WriteTo(w)
	return err
}

// readFrame reads one header and its payload. Payloads larger than
// maxPayload are rejected without being read.
func readFrame(r io.Reader, maxPayload uint64) (Header, []byte, error) {
	h, err := readHeader(r)
	if err != nil {
		return Header{}, nil, err
	}
	if maxPayload > 0 && h.PayloadBytes > maxPayload {
		return h, nil, fmt.Errorf("%w: %d bytes from %s", ErrOversizedMessage, h.PayloadBytes, h.Origin)
	}
	if h.PayloadBytes == 0 {
		return h, nil, nil
	}
	payload := make([]byte, h.PayloadBytes)
	if _, err := io.ReadFull(r, payload); err != nil {
		return h, nil, fmt.Errorf("oob: incomplete frame: %w", err)
	}
	return h, payload, nil
}

func encodeIdent(ack bool, version string) []byte {
	buf := make([]byte, 2+len(version)+1)
	flag := ackNack
	if ack {
		flag = ackAck
	}
	binary.BigEndian.PutUint16(buf[:2], flag)
	copy(buf[2:], version)
	return buf
}

func decodeIdent(b []byte) (ack bool, version string, err error) {
	if len(b) < 3 {
		return false, "", fmt.Errorf("oob: handshake payload too short (%d bytes)", len(b))
	}
	flag := binary.BigEndian.Uint16(b[:2])
	if flag != ackAck && flag != ackNack {
		return false, "", fmt.Errorf("oob: handshake: invalid ack flag %d", flag)
	}
	v := b[2:]
	nul := bytes.IndexByte(v, 0)
	if nul < 0 {
		return false, "", fmt.Errorf("oob: handshake: version not terminated")
	}
	return flag == ackAck, string(v[:nul]), nil
}

func writeIdent(w io.Writer, self, dst Identity, ack bool, version string) error {
	return writeFrame(w, Header{Origin: self, Dst: dst, Type: MsgIdent}, encodeIdent(ack, version))
}

// readIdent reads a handshake frame. A PROBE header is returned with
// empty version and no payload read.
func readIdent(r io.Reader) (h Header, ack bool, version string, err error) {
	h, err = readHeader(r)
	if err != nil {
		return h, false, "", err
	}
	switch h.Type {
	case MsgProbe:
		return h, false, "", nil
	case MsgIdent:
	default:
		return h, false, "", fmt.Errorf("oob: handshake: unexpected %s frame from %s", h.Type, h.Origin)
	}
	if h.PayloadBytes > maxIdentPayload {
		return h, false, "", fmt.Errorf("oob: handshake payload too large (%d bytes)", h.PayloadBytes)
	}
	payload := make([]byte, h.PayloadBytes)
	if _, err := io.ReadFull(r, payload); err != nil {
		return h, false, "", fmt.Errorf("oob: handshake read: %w", err)
	}
	ack, version, err = decodeIdent(payload)
	return h, ack, version, err
}
