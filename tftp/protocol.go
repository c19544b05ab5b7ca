/*************************************************************************
 * Copyright 2025 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package tftp

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
)

const (
	// DefaultBlockSize is used when the client does not negotiate one.
	DefaultBlockSize = 512

	// MaxBlockNumber is the highest possible block number. Beyond it the
	// block counter wraps or the transfer fails.
	MaxBlockNumber = 65535

	// MaxBlockSize is the largest block size a client may request.
	MaxBlockSize = 65464

	// MaxRequestPacketSize bounds the size of any packet a client sends.
	MaxRequestPacketSize = 512

	// MinBlockSize is the smallest block size a client may request.
	MinBlockSize = 8

	// MinTimeout and MaxTimeout bound the timeout interval option
	// (RFC 2349).
	MinTimeout = 1
	MaxTimeout = 255

	OptionBlockSize    = `blksize`
	OptionTimeout      = `timeout`
	OptionTransferSize = `tsize`
)

// Opcode identifies the type of a TFTP packet.
type Opcode uint16

const (
	OpReadRequest  Opcode = 1
	OpWriteRequest Opcode = 2
	OpData         Opcode = 3
	OpAck          Opcode = 4
	OpError        Opcode = 5
	OpOptionsAck   Opcode = 6
)

func (o Opcode) Valid() bool {
	return o >= OpReadRequest && o <= OpOptionsAck
}

func (o Opcode) String() string {
	switch o {
	case OpReadRequest:
		return `RRQ`
	case OpWriteRequest:
		return `WRQ`
	case OpData:
		return `DATA`
	case OpAck:
		return `ACK`
	case OpError:
		return `ERROR`
	case OpOptionsAck:
		return `OACK`
	}
	return fmt.Sprintf("UNKNOWN(%d)", uint16(o))
}

// OpcodeFromBytes extracts the opcode from the start of a packet. Packets
// shorter than two bytes and unknown opcodes are errors.
func OpcodeFromBytes(data []byte) (Opcode, error) {
	if len(data) < 2 {
		return 0, errors.New("packet is too short for an opcode")
	}
	o := Opcode(binary.BigEndian.Uint16(data))
	if !o.Valid() {
		return 0, fmt.Errorf("opcode %d is not recognized", uint16(o))
	}
	return o, nil
}

// ErrorCode identifies the kind of error in a TFTP ERROR packet.
type ErrorCode uint16

const (
	ErrNotDefined        ErrorCode = 0
	ErrFileNotFound      ErrorCode = 1
	ErrAccessViolation   ErrorCode = 2
	ErrDiskFull          ErrorCode = 3
	ErrIllegalOperation  ErrorCode = 4
	ErrUnknownTransferID ErrorCode = 5
	ErrFileAlreadyExists ErrorCode = 6
	ErrNoSuchUser        ErrorCode = 7
)

func (e ErrorCode) Valid() bool {
	return e <= ErrNoSuchUser
}

func (e ErrorCode) String() string {
	switch e {
	case ErrNotDefined:
		return `NOT_DEFINED`
	case ErrFileNotFound:
		return `FILE_NOT_FOUND`
	case ErrAccessViolation:
		return `ACCESS_VIOLATION`
	case ErrDiskFull:
		return `DISK_FULL`
	case ErrIllegalOperation:
		return `ILLEGAL_OPERATION`
	case ErrUnknownTransferID:
		return `UNKNOWN_TRANSFER_ID`
	case ErrFileAlreadyExists:
		return `FILE_ALREADY_EXISTS`
	case ErrNoSuchUser:
		return `NO_SUCH_USER`
	}
	return fmt.Sprintf("UNKNOWN(%d)", uint16(e))
}

// ErrorCodeFromBytes extracts an error code from a packet at the given
// offset. Unknown codes are an error; they must not be confused with
// opcodes, the two value spaces are distinct.
func ErrorCodeFromBytes(data []byte, offset int) (ErrorCode, error) {
	if len(data) < offset+2 {
		return 0, errors.New("packet is too short for an error code")
	}
	e := ErrorCode(binary.BigEndian.Uint16(data[offset:]))
	if !e.Valid() {
		return 0, fmt.Errorf("error code %d is not recognized", uint16(e))
	}
	return e, nil
}

// TransferMode is the transfer mode requested by a client.
type TransferMode int

const (
	ModeNetascii TransferMode = 1
	ModeOctet    TransferMode = 2
	ModeMail     TransferMode = 3
)

func TransferModeFromString(mode string) (TransferMode, error) {
	switch strings.ToLower(mode) {
	case `netascii`:
		return ModeNetascii, nil
	case `octet`:
		return ModeOctet, nil
	case `mail`:
		return ModeMail, nil
	}
	return 0, fmt.Errorf("unsupported transfer mode: %s", mode)
}

func (m TransferMode) String() string {
	switch m {
	case ModeNetascii:
		return `netascii`
	case ModeOctet:
		return `octet`
	case ModeMail:
		return `mail`
	}
	return `unknown`
}

// Option is one negotiated option. Options keep their request order so the
// OACK echoes them in a stable order.
type Option struct {
	Name  string
	Value string
}

// DataPacket creates a DATA packet for the given block number and payload.
func DataPacket(blockNumber uint16, data []byte) []byte {
	p := make([]byte, 4+len(data))
	binary.BigEndian.PutUint16(p, uint16(OpData))
	binary.BigEndian.PutUint16(p[2:], blockNumber)
	copy(p[4:], data)
	return p
}

// ErrorPacket creates an ERROR packet with the given code and message.
func ErrorPacket(code ErrorCode, message string) []byte {
	p := make([]byte, 4+len(message)+1)
	binary.BigEndian.PutUint16(p, uint16(OpError))
	binary.BigEndian.PutUint16(p[2:], uint16(code))
	copy(p[4:], message)
	return p
}

// OptionsAckPacket creates an OACK packet acknowledging the given options.
// The options list must not be empty.
func OptionsAckPacket(options []Option) ([]byte, error) {
	if len(options) == 0 {
		return nil, errors.New("the options list must not be empty")
	}
	size := 2
	for _, o := range options {
		size += len(o.Name) + len(o.Value) + 2
	}
	p := make([]byte, 2, size)
	binary.BigEndian.PutUint16(p, uint16(OpOptionsAck))
	for _, o := range options {
		p = append(p, o.Name...)
		p = append(p, 0)
		p = append(p, o.Value...)
		p = append(p, 0)
	}
	return p, nil
}

// DecodeAck decodes an ACK packet and returns the acknowledged block
// number.
func DecodeAck(data []byte) (uint16, error) {
	o, err := OpcodeFromBytes(data)
	if err != nil {
		return 0, err
	}
	if o != OpAck {
		return 0, errors.New("data does not represent an ACK (wrong opcode)")
	}
	if len(data) != 4 {
		return 0, errors.New("packet does not have the right size for an ACK")
	}
	return binary.BigEndian.Uint16(data[2:]), nil
}

// DecodeError decodes an ERROR packet. It does not fail on malformed
// packets; it reconstructs as much as possible. When the code cannot be
// decoded, ok is false. A message that cannot be decoded becomes the empty
// string.
func DecodeError(data []byte) (code ErrorCode, ok bool, message string) {
	if len(data) < 4 {
		return
	}
	if c, err := ErrorCodeFromBytes(data, 2); err == nil {
		code = c
		ok = true
	}
	rest := data[4:]
	for i := range rest {
		if rest[i] == 0 {
			rest = rest[:i]
			break
		}
	}
	message = string(rest)
	return
}

// DecodeReadRequest decodes an RRQ packet into the requested filename, the
// transfer mode, and the option list.
func DecodeReadRequest(data []byte) (filename string, mode TransferMode, options []Option, err error) {
	var o Opcode
	if o, err = OpcodeFromBytes(data); err != nil {
		return
	}
	if o != OpReadRequest {
		err = errors.New("data does not represent a read request (wrong opcode)")
		return
	}
	parts := strings.Split(string(data[2:]), "\x00")
	// At least three parts must be present: the filename, the transfer
	// mode, and an empty part caused by the terminating null byte.
	if len(parts) < 3 {
		err = errors.New("read request is not well-formed")
		return
	}
	filename = parts[0]
	if mode, err = TransferModeFromString(parts[1]); err != nil {
		return
	}
	next := 2
	// Each option adds a name part and a value part before the trailing
	// empty part.
	for next <= len(parts)-3 {
		options = append(options, Option{
			Name:  parts[next],
			Value: parts[next+1],
		})
		next += 2
	}
	if next != len(parts)-1 || len(parts[next]) != 0 {
		err = errors.New("read request is not well-formed")
		options = nil
		return
	}
	return
}
