/*************************************************************************
 * Copyright 2025 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package tftp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDataPacket(t *testing.T) {
	p := DataPacket(258, []byte(`payload`))
	assert.Equal(t, []byte{0, 3, 1, 2}, p[:4])
	assert.Equal(t, []byte(`payload`), p[4:])

	// An empty payload is a valid end-of-file marker.
	p = DataPacket(1, nil)
	assert.Equal(t, []byte{0, 3, 0, 1}, p)
}

func TestErrorPacket(t *testing.T) {
	p := ErrorPacket(ErrFileNotFound, `no such file`)
	assert.Equal(t, []byte{0, 5, 0, 1}, p[:4])
	assert.Equal(t, `no such file`, string(p[4:len(p)-1]))
	assert.Equal(t, byte(0), p[len(p)-1])
}

func TestOptionsAckPacket(t *testing.T) {
	p, err := OptionsAckPacket([]Option{
		{Name: `blksize`, Value: `1024`},
		{Name: `timeout`, Value: `5`},
	})
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 6}, p[:2])
	assert.Equal(t, "blksize\x001024\x00timeout\x005\x00", string(p[2:]))

	_, err = OptionsAckPacket(nil)
	assert.Error(t, err)
}

func TestDecodeAck(t *testing.T) {
	block, err := DecodeAck([]byte{0, 4, 0x12, 0x34})
	require.NoError(t, err)
	assert.Equal(t, uint16(0x1234), block)

	_, err = DecodeAck([]byte{0, 3, 0, 1})
	assert.Error(t, err)
	_, err = DecodeAck([]byte{0, 4, 0, 1, 99})
	assert.Error(t, err)
	_, err = DecodeAck([]byte{0})
	assert.Error(t, err)
}

func TestDecodeError(t *testing.T) {
	code, ok, message := DecodeError(ErrorPacket(ErrAccessViolation, `denied`))
	assert.True(t, ok)
	assert.Equal(t, ErrAccessViolation, code)
	assert.Equal(t, `denied`, message)

	// Unknown codes are reconstructed as far as possible.
	code, ok, message = DecodeError([]byte{0, 5, 0, 99, 'x', 0})
	assert.False(t, ok)
	assert.Equal(t, `x`, message)

	_, ok, message = DecodeError([]byte{0, 5})
	assert.False(t, ok)
	assert.Equal(t, ``, message)
}

func TestDecodeReadRequest(t *testing.T) {
	req := []byte{0, 1}
	req = append(req, "boot/pxelinux.0\x00octet\x00"...)
	filename, mode, options, err := DecodeReadRequest(req)
	require.NoError(t, err)
	assert.Equal(t, `boot/pxelinux.0`, filename)
	assert.Equal(t, ModeOctet, mode)
	assert.Empty(t, options)
}

func TestDecodeReadRequestWithOptions(t *testing.T) {
	req := []byte{0, 1}
	req = append(req, "file\x00NETASCII\x00blksize\x001024\x00tsize\x000\x00"...)
	filename, mode, options, err := DecodeReadRequest(req)
	require.NoError(t, err)
	assert.Equal(t, `file`, filename)
	assert.Equal(t, ModeNetascii, mode)
	assert.Equal(t, []Option{
		{Name: `blksize`, Value: `1024`},
		{Name: `tsize`, Value: `0`},
	}, options)
}

func TestDecodeReadRequestMalformed(t *testing.T) {
	// Wrong opcode
	_, _, _, err := DecodeReadRequest([]byte{0, 4, 0, 0})
	assert.Error(t, err)
	// Missing terminator after the mode
	req := []byte{0, 1}
	req = append(req, "file\x00octet"...)
	_, _, _, err = DecodeReadRequest(req)
	assert.Error(t, err)
	// Option name without a value
	req = []byte{0, 1}
	req = append(req, "file\x00octet\x00blksize\x00"...)
	_, _, _, err = DecodeReadRequest(req)
	assert.Error(t, err)
	// Unknown transfer mode
	req = []byte{0, 1}
	req = append(req, "file\x00sparse\x00"...)
	_, _, _, err = DecodeReadRequest(req)
	assert.Error(t, err)
}

func TestOpcodeAndErrorCodeAreDistinct(t *testing.T) {
	// Value 6 is OACK as an opcode but FILE_ALREADY_EXISTS as an error
	// code; the decoders must never be interchangeable.
	o, err := OpcodeFromBytes([]byte{0, 6})
	require.NoError(t, err)
	assert.Equal(t, OpOptionsAck, o)
	e, err := ErrorCodeFromBytes([]byte{0, 6}, 0)
	require.NoError(t, err)
	assert.Equal(t, ErrFileAlreadyExists, e)

	// Opcode 7 is invalid while error code 7 is NO_SUCH_USER.
	_, err = OpcodeFromBytes([]byte{0, 7})
	assert.Error(t, err)
	e, err = ErrorCodeFromBytes([]byte{0, 7}, 0)
	require.NoError(t, err)
	assert.Equal(t, ErrNoSuchUser, e)

	// Error code 8 is invalid even though it would fit the old opcode
	// range check in neither direction.
	_, err = ErrorCodeFromBytes([]byte{0, 8}, 0)
	assert.Error(t, err)
}
