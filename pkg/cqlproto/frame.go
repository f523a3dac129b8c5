// Package cqlproto implements the framing layer of the CQL native
// protocol, versions 1 through 3. It only goes as deep as a connection
// needs: header encode/decode, the handshake and request bodies, and
// enough of RESULT and ERROR to route responses.
package cqlproto

import (
	"encoding/binary"
	"strconv"

	"github.com/pkg/errors"
)

// Version is a CQL native protocol version.
type Version byte

const (
	Version1 Version = 1
	Version2 Version = 2
	Version3 Version = 3
)

// Valid reports whether v is a protocol version this package speaks.
func (v Version) Valid() bool {
	return v >= Version1 && v <= Version3
}

func (v Version) String() string { return strconv.Itoa(int(v)) }

// Set implements flag.Value.
func (v *Version) Set(s string) error {
	n, err := strconv.Atoi(s)
	if err != nil {
		return errors.Wrap(err, "cqlproto: protocol version")
	}
	if !Version(n).Valid() {
		return errors.Errorf("cqlproto: unsupported protocol version %d", n)
	}
	*v = Version(n)
	return nil
}

// MaxStreams returns the size of the stream-id space for v. Stream ids
// are signed 8-bit up to protocol v2 and signed 16-bit from v3 on, so
// only the non-negative half is usable for requests.
func MaxStreams(v Version) int {
	if v >= Version3 {
		return 32768
	}
	return 128
}

// HeaderSize returns the encoded frame-header length for v. The 16-bit
// stream id of v3 widens the header by one byte.
func HeaderSize(v Version) int {
	if v >= Version3 {
		return 9
	}
	return 8
}

// Opcode identifies the kind of a frame.
type Opcode byte

const (
	OpError        Opcode = 0x00
	OpStartup      Opcode = 0x01
	OpReady        Opcode = 0x02
	OpAuthenticate Opcode = 0x03
	OpCredentials  Opcode = 0x04
	OpOptions      Opcode = 0x05
	OpSupported    Opcode = 0x06
	OpQuery        Opcode = 0x07
	OpResult       Opcode = 0x08
	OpPrepare      Opcode = 0x09
	OpExecute      Opcode = 0x0A
	OpRegister     Opcode = 0x0B
	OpEvent        Opcode = 0x0C
)

func (o Opcode) String() string {
	switch o {
	case OpError:
		return "ERROR"
	case OpStartup:
		return "STARTUP"
	case OpReady:
		return "READY"
	case OpAuthenticate:
		return "AUTHENTICATE"
	case OpCredentials:
		return "CREDENTIALS"
	case OpOptions:
		return "OPTIONS"
	case OpSupported:
		return "SUPPORTED"
	case OpQuery:
		return "QUERY"
	case OpResult:
		return "RESULT"
	case OpPrepare:
		return "PREPARE"
	case OpExecute:
		return "EXECUTE"
	case OpRegister:
		return "REGISTER"
	case OpEvent:
		return "EVENT"
	}
	return "UNKNOWN"
}

const (
	// FlagCompressed marks a frame whose body is compressed with the
	// compressor negotiated at STARTUP.
	FlagCompressed byte = 0x01

	directionResponse byte = 0x80
	versionMask       byte = 0x7F
)

// Header is a decoded frame header.
type Header struct {
	Version  Version
	Response bool
	Flags    byte
	Stream   int
	Opcode   Opcode
	Length   uint32
}

// AppendHeader encodes h onto dst and returns the extended slice.
func AppendHeader(dst []byte, h Header) ([]byte, error) {
	if !h.Version.Valid() {
		return nil, errors.Errorf("cqlproto: unsupported protocol version %d", h.Version)
	}
	if h.Stream < 0 || h.Stream >= MaxStreams(h.Version) {
		return nil, errors.Errorf("cqlproto: stream %d out of range for protocol v%d", h.Stream, h.Version)
	}

	b := byte(h.Version)
	if h.Response {
		b |= directionResponse
	}
	dst = append(dst, b, h.Flags)
	if h.Version >= Version3 {
		dst = append(dst, byte(h.Stream>>8), byte(h.Stream))
	} else {
		dst = append(dst, byte(h.Stream))
	}
	dst = append(dst, byte(h.Opcode))
	return binary.BigEndian.AppendUint32(dst, h.Length), nil
}

// DecodeHeader decodes a header from buf. buf must hold exactly
// HeaderSize(version) bytes; the version is taken from the first byte.
func DecodeHeader(buf []byte) (Header, error) {
	if len(buf) < 1 {
		return Header{}, errors.New("cqlproto: empty frame header")
	}
	v := Version(buf[0] & versionMask)
	if !v.Valid() {
		return Header{}, errors.Errorf("cqlproto: unsupported protocol version %d", v)
	}
	if len(buf) != HeaderSize(v) {
		return Header{}, errors.Errorf("cqlproto: header is %d bytes, want %d for protocol v%d", len(buf), HeaderSize(v), v)
	}

	h := Header{
		Version:  v,
		Response: buf[0]&directionResponse != 0,
		Flags:    buf[1],
	}
	if v >= Version3 {
		h.Stream = int(int16(binary.BigEndian.Uint16(buf[2:4])))
		h.Opcode = Opcode(buf[4])
		h.Length = binary.BigEndian.Uint32(buf[5:9])
	} else {
		h.Stream = int(int8(buf[2]))
		h.Opcode = Opcode(buf[3])
		h.Length = binary.BigEndian.Uint32(buf[4:8])
	}
	return h, nil
}
