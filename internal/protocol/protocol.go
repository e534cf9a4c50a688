package protocol

import (
	"encoding/binary"
	"fmt"
	"strings"

	"tftpd/internal/errors"
)

// Wire limits
const (
	BlockSize     = 512 // Data payload of every block but the last
	HeaderSize    = 4   // Opcode + block number
	MaxPacketSize = HeaderSize + BlockSize
	MaxStringSize = 63 // Filename, mode and error message, NUL excluded
	ModeOctet     = "octet"
)

// Opcode identifies the packet kind on the wire
type Opcode uint16

// Packet operation codes
const (
	OpRRQ   Opcode = 1 // Read request
	OpWRQ   Opcode = 2 // Write request
	OpData  Opcode = 3 // Data block
	OpAck   Opcode = 4 // Acknowledgment
	OpError Opcode = 5 // Error
)

func (o Opcode) String() string {
	switch o {
	case OpRRQ:
		return "RRQ"
	case OpWRQ:
		return "WRQ"
	case OpData:
		return "DATA"
	case OpAck:
		return "ACK"
	case OpError:
		return "ERROR"
	default:
		return fmt.Sprintf("OPCODE(%d)", uint16(o))
	}
}

// ErrorCode is the code carried by an ERROR packet
type ErrorCode uint16

// Error codes
const (
	CodeUndefined         ErrorCode = 0
	CodeFileNotFound      ErrorCode = 1
	CodeAccessViolation   ErrorCode = 2
	CodeDiskFull          ErrorCode = 3
	CodeIllegalOption     ErrorCode = 4
	CodeUnknownTransferID ErrorCode = 5
	CodeFileExists        ErrorCode = 6
	CodeUnknownUser       ErrorCode = 7
)

// Packet is one decoded datagram. The concrete type selects the opcode.
type Packet interface {
	Opcode() Opcode
}

// ReadRequest asks the server to send a file
type ReadRequest struct {
	Filename string
	Mode     string
}

// WriteRequest asks the server to receive a file
type WriteRequest struct {
	Filename string
	Mode     string
}

// Data carries one block of file content
type Data struct {
	Block   uint16
	Payload []byte
}

// Ack acknowledges a data block (block 0 acknowledges a write request)
type Ack struct {
	Block uint16
}

// Error aborts a transfer
type Error struct {
	Code    ErrorCode
	Message string
}

func (ReadRequest) Opcode() Opcode  { return OpRRQ }
func (WriteRequest) Opcode() Opcode { return OpWRQ }
func (Data) Opcode() Opcode         { return OpData }
func (Ack) Opcode() Opcode          { return OpAck }
func (Error) Opcode() Opcode        { return OpError }

// Final reports whether d is the last block of a transfer
func (d Data) Final() bool {
	return len(d.Payload) < BlockSize
}

// Encode serializes a packet into a new datagram buffer
func Encode(p Packet) ([]byte, error) {
	buf := make([]byte, 2, MaxPacketSize)

	switch pkt := p.(type) {
	case ReadRequest:
		binary.BigEndian.PutUint16(buf, uint16(OpRRQ))
		buf = appendString(buf, pkt.Filename)
		buf = appendString(buf, pkt.Mode)
	case WriteRequest:
		binary.BigEndian.PutUint16(buf, uint16(OpWRQ))
		buf = appendString(buf, pkt.Filename)
		buf = appendString(buf, pkt.Mode)
	case Data:
		if len(pkt.Payload) > BlockSize {
			return nil, errors.NewProtocolError("encode_data",
				fmt.Sprintf("payload of %d bytes", len(pkt.Payload)), errors.ErrPayloadTooLarge)
		}
		binary.BigEndian.PutUint16(buf, uint16(OpData))
		buf = binary.BigEndian.AppendUint16(buf, pkt.Block)
		buf = append(buf, pkt.Payload...)
	case Ack:
		binary.BigEndian.PutUint16(buf, uint16(OpAck))
		buf = binary.BigEndian.AppendUint16(buf, pkt.Block)
	case Error:
		binary.BigEndian.PutUint16(buf, uint16(OpError))
		buf = binary.BigEndian.AppendUint16(buf, uint16(pkt.Code))
		buf = appendString(buf, pkt.Message)
	default:
		return nil, errors.NewProtocolError("encode", fmt.Sprintf("packet type %T", p), errors.ErrUnknownOpcode)
	}

	return buf, nil
}

// Parse decodes a whole datagram, opcode included
func Parse(datagram []byte) (Packet, error) {
	if len(datagram) < 2 {
		return nil, errors.NewProtocolError("parse", "opcode missing", errors.ErrTruncatedPacket)
	}
	return Decode(Opcode(binary.BigEndian.Uint16(datagram)), datagram[2:])
}

// Decode builds the packet for opcode from the bytes that follow it
func Decode(op Opcode, payload []byte) (Packet, error) {
	switch op {
	case OpRRQ, OpWRQ:
		name, rest := readString(payload)
		mode, _ := readString(rest)
		if op == OpRRQ {
			return ReadRequest{Filename: name, Mode: mode}, nil
		}
		return WriteRequest{Filename: name, Mode: mode}, nil

	case OpData:
		if len(payload) < 2 {
			return nil, errors.NewProtocolError("decode_data", "block number missing", errors.ErrTruncatedPacket)
		}
		body := payload[2:]
		if len(body) > BlockSize {
			return nil, errors.NewProtocolError("decode_data",
				fmt.Sprintf("payload of %d bytes", len(body)), errors.ErrPayloadTooLarge)
		}
		// Copy so the caller may reuse its receive buffer
		data := make([]byte, len(body))
		copy(data, body)
		return Data{Block: binary.BigEndian.Uint16(payload), Payload: data}, nil

	case OpAck:
		if len(payload) < 2 {
			return nil, errors.NewProtocolError("decode_ack", "block number missing", errors.ErrTruncatedPacket)
		}
		return Ack{Block: binary.BigEndian.Uint16(payload)}, nil

	case OpError:
		if len(payload) < 2 {
			return nil, errors.NewProtocolError("decode_error", "error code missing", errors.ErrTruncatedPacket)
		}
		msg, _ := readString(payload[2:])
		return Error{Code: ErrorCode(binary.BigEndian.Uint16(payload)), Message: msg}, nil

	default:
		return nil, errors.NewProtocolError("decode", op.String(), errors.ErrUnknownOpcode)
	}
}

// IsOctet reports whether mode names the binary transfer mode
func IsOctet(mode string) bool {
	return strings.EqualFold(mode, ModeOctet)
}

// appendString writes s clipped to MaxStringSize, then the NUL terminator
func appendString(buf []byte, s string) []byte {
	if len(s) > MaxStringSize {
		s = s[:MaxStringSize]
	}
	buf = append(buf, s...)
	return append(buf, 0)
}

// readString reads up to the next NUL or the end of b. A missing terminator is
// not an error.
func readString(b []byte) (string, []byte) {
	for i, c := range b {
		if c == 0 {
			return string(b[:i]), b[i+1:]
		}
	}
	return string(b), nil
}
