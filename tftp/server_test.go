/*************************************************************************
 * Copyright 2025 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package tftp

import (
	"bytes"
	"encoding/binary"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gravwell/vinegar/log"
)

// mapHandler serves fixed in-memory content by filename.
type mapHandler struct {
	files map[string]string
}

func (h *mapHandler) PrepareContext(filename string) interface{} {
	return nil
}

func (h *mapHandler) CanHandle(filename string, _ interface{}) bool {
	_, ok := h.files[filename]
	return ok
}

func (h *mapHandler) Handle(filename string, _ *net.UDPAddr, _ interface{}) (io.ReadCloser, error) {
	content, ok := h.files[filename]
	if !ok {
		return nil, &Error{Code: ErrFileNotFound}
	}
	return newLenReader(content), nil
}

// lenReader is a string reader that reports its remaining length, so the
// transfer size option can be answered.
type lenReader struct {
	*strings.Reader
}

func newLenReader(s string) *lenReader {
	return &lenReader{Reader: strings.NewReader(s)}
}

func (*lenReader) Close() error {
	return nil
}

func startTestServer(t *testing.T, files map[string]string, cfg Config, extra ...RequestHandler) *Server {
	t.Helper()
	cfg.BindAddress = `127.0.0.1`
	handlers := append([]RequestHandler{&mapHandler{files: files}}, extra...)
	srv := NewServer(handlers, cfg, log.NewDiscardLogger())
	require.NoError(t, srv.Start())
	t.Cleanup(srv.Stop)
	return srv
}

// testClient drives a transfer from the client side.
type testClient struct {
	t       *testing.T
	conn    *net.UDPConn
	srvAddr *net.UDPAddr
	// transfer address learned from the first server packet
	peer *net.UDPAddr
}

func newTestClient(t *testing.T, srv *Server) *testClient {
	t.Helper()
	conn, err := net.ListenUDP(`udp`, &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	t.Cleanup(func() {
		conn.Close()
	})
	return &testClient{
		t:       t,
		conn:    conn,
		srvAddr: srv.Addr(),
	}
}

func (c *testClient) sendReadRequest(filename, mode string, options ...string) {
	c.t.Helper()
	req := []byte{0, byte(OpReadRequest)}
	req = append(req, filename...)
	req = append(req, 0)
	req = append(req, mode...)
	req = append(req, 0)
	for _, o := range options {
		req = append(req, o...)
		req = append(req, 0)
	}
	_, err := c.conn.WriteToUDP(req, c.srvAddr)
	require.NoError(c.t, err)
}

func (c *testClient) receive() []byte {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	buf := make([]byte, 65536)
	n, addr, err := c.conn.ReadFromUDP(buf)
	require.NoError(c.t, err)
	if c.peer == nil {
		// The first reply establishes the transfer ID.
		assert.NotEqual(c.t, c.srvAddr.Port, addr.Port)
		c.peer = addr
	} else {
		assert.Equal(c.t, c.peer.Port, addr.Port)
	}
	return buf[:n]
}

func (c *testClient) sendAck(block uint16) {
	c.t.Helper()
	ack := make([]byte, 4)
	binary.BigEndian.PutUint16(ack, uint16(OpAck))
	binary.BigEndian.PutUint16(ack[2:], block)
	_, err := c.conn.WriteToUDP(ack, c.peer)
	require.NoError(c.t, err)
}

// expectData asserts that the next packet is DATA with the given block
// number and returns the payload.
func (c *testClient) expectData(block uint16) []byte {
	c.t.Helper()
	p := c.receive()
	require.GreaterOrEqual(c.t, len(p), 4)
	require.Equal(c.t, uint16(OpData), binary.BigEndian.Uint16(p))
	require.Equal(c.t, block, binary.BigEndian.Uint16(p[2:]))
	return p[4:]
}

// download runs a complete transfer without options and returns the
// received content.
func (c *testClient) download(filename, mode string) []byte {
	c.t.Helper()
	c.sendReadRequest(filename, mode)
	var content []byte
	block := uint16(1)
	for {
		payload := c.expectData(block)
		content = append(content, payload...)
		c.sendAck(block)
		if len(payload) < DefaultBlockSize {
			return content
		}
		block++
	}
}

func TestSimpleOctetTransfer(t *testing.T) {
	content := strings.Repeat(`x`, 700)
	srv := startTestServer(t, map[string]string{`file.bin`: content}, Config{})
	c := newTestClient(t, srv)
	assert.Equal(t, content, string(c.download(`file.bin`, `octet`)))
}

func TestExactMultipleSendsEmptyFinalBlock(t *testing.T) {
	// A file of exactly N blocks ends with an empty DATA packet, N+1
	// packets in total.
	content := strings.Repeat(`y`, 2*DefaultBlockSize)
	srv := startTestServer(t, map[string]string{`file.bin`: content}, Config{})
	c := newTestClient(t, srv)
	c.sendReadRequest(`file.bin`, `octet`)
	assert.Len(t, c.expectData(1), DefaultBlockSize)
	c.sendAck(1)
	assert.Len(t, c.expectData(2), DefaultBlockSize)
	c.sendAck(2)
	assert.Len(t, c.expectData(3), 0)
	c.sendAck(3)
}

func TestNetasciiTransfer(t *testing.T) {
	srv := startTestServer(t, map[string]string{`file.txt`: "line1\nline2\n"}, Config{})
	c := newTestClient(t, srv)
	assert.Equal(t, "line1\r\nline2\r\n", string(c.download(`file.txt`, `netascii`)))
}

func TestOptionNegotiation(t *testing.T) {
	// RRQ with blksize=1024, timeout=5, tsize=0 for a 3000-byte file
	// yields OACK blksize=1024, timeout=5, tsize=3000 followed by DATA
	// blocks of 1024, 1024, and 952 bytes.
	content := strings.Repeat(`z`, 3000)
	srv := startTestServer(t, map[string]string{`big.bin`: content}, Config{})
	c := newTestClient(t, srv)
	c.sendReadRequest(`big.bin`, `octet`, `blksize`, `1024`, `timeout`, `5`, `tsize`, `0`)

	oack := c.receive()
	require.Equal(t, uint16(OpOptionsAck), binary.BigEndian.Uint16(oack))
	assert.Equal(t, "blksize\x001024\x00timeout\x005\x00tsize\x003000\x00", string(oack[2:]))

	c.sendAck(0)
	assert.Len(t, c.expectData(1), 1024)
	c.sendAck(1)
	assert.Len(t, c.expectData(2), 1024)
	c.sendAck(2)
	assert.Len(t, c.expectData(3), 952)
	c.sendAck(3)
}

func TestTransferSizeDroppedInNetascii(t *testing.T) {
	srv := startTestServer(t, map[string]string{`f.txt`: "abc\n"}, Config{})
	c := newTestClient(t, srv)
	c.sendReadRequest(`f.txt`, `netascii`, `blksize`, `1024`, `tsize`, `0`)
	oack := c.receive()
	require.Equal(t, uint16(OpOptionsAck), binary.BigEndian.Uint16(oack))
	assert.NotContains(t, string(oack), `tsize`)
	c.sendAck(0)
	assert.Equal(t, "abc\r\n", string(c.expectData(1)))
	c.sendAck(1)
}

func TestOversizedBlockSizeFallsBack(t *testing.T) {
	// Requesting a block size above the server maximum drops the option
	// entirely, the transfer uses the default block size.
	srv := startTestServer(t, map[string]string{`f.bin`: `data`}, Config{MaxBlockSize: 1024})
	c := newTestClient(t, srv)
	c.sendReadRequest(`f.bin`, `octet`, `blksize`, `4096`)
	p := c.receive()
	assert.Equal(t, uint16(OpData), binary.BigEndian.Uint16(p))
	c.sendAck(1)
}

func TestUnknownFile(t *testing.T) {
	srv := startTestServer(t, map[string]string{}, Config{})
	c := newTestClient(t, srv)
	c.sendReadRequest(`missing.bin`, `octet`)
	p := c.receive2(srv)
	require.Equal(t, uint16(OpError), binary.BigEndian.Uint16(p))
	assert.Equal(t, uint16(ErrFileNotFound), binary.BigEndian.Uint16(p[2:]))
}

// receive2 reads a packet that is expected to come from the main server
// port, not from a transfer socket.
func (c *testClient) receive2(srv *Server) []byte {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	buf := make([]byte, 65536)
	n, addr, err := c.conn.ReadFromUDP(buf)
	require.NoError(c.t, err)
	assert.Equal(c.t, srv.Addr().Port, addr.Port)
	return buf[:n]
}

func TestWriteRequestRefused(t *testing.T) {
	srv := startTestServer(t, map[string]string{}, Config{})
	c := newTestClient(t, srv)
	req := []byte{0, byte(OpWriteRequest)}
	req = append(req, "file\x00octet\x00"...)
	_, err := c.conn.WriteToUDP(req, c.srvAddr)
	require.NoError(t, err)
	p := c.receive2(srv)
	require.Equal(t, uint16(OpError), binary.BigEndian.Uint16(p))
	assert.Equal(t, uint16(ErrAccessViolation), binary.BigEndian.Uint16(p[2:]))
}

func TestNonRequestOpcodeAnswered(t *testing.T) {
	srv := startTestServer(t, map[string]string{}, Config{})
	c := newTestClient(t, srv)
	ack := []byte{0, byte(OpAck), 0, 0}
	_, err := c.conn.WriteToUDP(ack, c.srvAddr)
	require.NoError(t, err)
	p := c.receive2(srv)
	require.Equal(t, uint16(OpError), binary.BigEndian.Uint16(p))
	assert.Equal(t, uint16(ErrIllegalOperation), binary.BigEndian.Uint16(p[2:]))
}

func TestRetransmitOnTimeout(t *testing.T) {
	srv := startTestServer(t, map[string]string{`f.bin`: `data`}, Config{
		DefaultTimeout: time.Second,
		MaxRetries:     2,
	})
	c := newTestClient(t, srv)
	c.sendReadRequest(`f.bin`, `octet`)
	// Without any ACK the same DATA arrives max_retries+1 times, then
	// the transfer is dropped.
	for i := 0; i < 3; i++ {
		payload := c.expectData(1)
		assert.Equal(t, `data`, string(payload))
	}
	require.NoError(t, c.conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	buf := make([]byte, 1024)
	_, _, err := c.conn.ReadFromUDP(buf)
	nerr, ok := err.(net.Error)
	require.True(t, ok)
	assert.True(t, nerr.Timeout())
}

func TestStaleAckIsIgnored(t *testing.T) {
	content := strings.Repeat(`q`, DefaultBlockSize+10)
	srv := startTestServer(t, map[string]string{`f.bin`: content}, Config{
		DefaultTimeout: time.Second,
	})
	c := newTestClient(t, srv)
	c.sendReadRequest(`f.bin`, `octet`)
	c.expectData(1)
	c.sendAck(1)
	c.expectData(2)
	// An ACK for an old block does not advance the transfer; the server
	// keeps waiting and retransmits block 2 on timeout.
	c.sendAck(1)
	p := c.expectData(2)
	assert.Len(t, p, 10)
	c.sendAck(2)
}

func TestForeignSourceGetsUnknownTID(t *testing.T) {
	content := strings.Repeat(`w`, DefaultBlockSize+1)
	srv := startTestServer(t, map[string]string{`f.bin`: content}, Config{
		DefaultTimeout: 2 * time.Second,
	})
	c := newTestClient(t, srv)
	c.sendReadRequest(`f.bin`, `octet`)
	c.expectData(1)

	// A different socket sends an ACK to the transfer port and is told
	// about the unknown transfer ID, while the real transfer continues.
	intruder, err := net.ListenUDP(`udp`, &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer intruder.Close()
	ack := []byte{0, byte(OpAck), 0, 1}
	_, err = intruder.WriteToUDP(ack, c.peer)
	require.NoError(t, err)
	require.NoError(t, intruder.SetReadDeadline(time.Now().Add(5*time.Second)))
	buf := make([]byte, 1024)
	n, _, err := intruder.ReadFromUDP(buf)
	require.NoError(t, err)
	require.GreaterOrEqual(t, n, 4)
	assert.Equal(t, uint16(OpError), binary.BigEndian.Uint16(buf))
	assert.Equal(t, uint16(ErrUnknownTransferID), binary.BigEndian.Uint16(buf[2:]))

	c.sendAck(1)
	c.expectData(2)
	c.sendAck(2)
}

func TestClientErrorAbortsTransfer(t *testing.T) {
	content := strings.Repeat(`e`, 2*DefaultBlockSize)
	srv := startTestServer(t, map[string]string{`f.bin`: content}, Config{
		DefaultTimeout: time.Second,
		MaxRetries:     1,
	})
	c := newTestClient(t, srv)
	c.sendReadRequest(`f.bin`, `octet`)
	c.expectData(1)
	errPacket := ErrorPacket(ErrNotDefined, `client gave up`)
	_, err := c.conn.WriteToUDP(errPacket, c.peer)
	require.NoError(t, err)
	// The server aborts silently; nothing else arrives.
	require.NoError(t, c.conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	buf := make([]byte, 1024)
	_, _, rerr := c.conn.ReadFromUDP(buf)
	nerr, ok := rerr.(net.Error)
	require.True(t, ok)
	assert.True(t, nerr.Timeout())
}

func TestBlockCounterWrap(t *testing.T) {
	if testing.Short() {
		t.Skip(`long transfer`)
	}
	// With blksize 8 the counter reaches its limit after 512 KiB; with
	// the default wrap value the block after 65535 is 0.
	content := strings.Repeat(`b`, (MaxBlockNumber+2)*8)
	srv := startTestServer(t, map[string]string{`huge.bin`: content}, Config{})
	c := newTestClient(t, srv)
	c.sendReadRequest(`huge.bin`, `octet`, `blksize`, `8`)
	oack := c.receive()
	require.Equal(t, uint16(OpOptionsAck), binary.BigEndian.Uint16(oack))
	c.sendAck(0)
	for block := 1; block <= MaxBlockNumber; block++ {
		c.expectData(uint16(block))
		c.sendAck(uint16(block))
	}
	// The counter wraps to 0.
	c.expectData(0)
	c.sendAck(0)
	c.expectData(1)
	c.sendAck(1)
	// The final, empty block signals end-of-file.
	assert.Len(t, c.expectData(2), 0)
	c.sendAck(2)
}

func TestBlockCounterOverflowAborts(t *testing.T) {
	if testing.Short() {
		t.Skip(`long transfer`)
	}
	content := strings.Repeat(`b`, (MaxBlockNumber+2)*8)
	srv := startTestServer(t, map[string]string{`huge.bin`: content}, Config{WrapDisabled: true})
	c := newTestClient(t, srv)
	c.sendReadRequest(`huge.bin`, `octet`, `blksize`, `8`)
	oack := c.receive()
	require.Equal(t, uint16(OpOptionsAck), binary.BigEndian.Uint16(oack))
	c.sendAck(0)
	for block := 1; block <= MaxBlockNumber; block++ {
		c.expectData(uint16(block))
		c.sendAck(uint16(block))
	}
	// Instead of wrapping, the server reports an error and aborts.
	p := c.receive()
	require.Equal(t, uint16(OpError), binary.BigEndian.Uint16(p))
	assert.Equal(t, uint16(ErrNotDefined), binary.BigEndian.Uint16(p[2:]))
}

func TestHandlerErrorCode(t *testing.T) {
	srv := startTestServer(t, map[string]string{}, Config{}, &refusingHandler{})
	c := newTestClient(t, srv)
	c.sendReadRequest(`secret.bin`, `octet`)
	p := c.receive()
	require.Equal(t, uint16(OpError), binary.BigEndian.Uint16(p))
	assert.Equal(t, uint16(ErrAccessViolation), binary.BigEndian.Uint16(p[2:]))
}

type refusingHandler struct{}

func (*refusingHandler) PrepareContext(string) interface{} {
	return nil
}

func (*refusingHandler) CanHandle(filename string, _ interface{}) bool {
	return filename == `secret.bin`
}

func (*refusingHandler) Handle(string, *net.UDPAddr, interface{}) (io.ReadCloser, error) {
	return nil, &Error{Code: ErrAccessViolation, Message: `permission denied`}
}

func TestStreamSize(t *testing.T) {
	size, ok := streamSize(io.NopCloser(bytes.NewReader(make([]byte, 42))))
	// NopCloser hides the length.
	assert.False(t, ok)
	_ = size

	rc := struct {
		io.ReadCloser
	}{}
	_, ok = streamSize(rc)
	assert.False(t, ok)

	lr := &readCloserWithLen{Reader: bytes.NewReader(make([]byte, 42))}
	size, ok = streamSize(lr)
	assert.True(t, ok)
	assert.EqualValues(t, 42, size)
}

type readCloserWithLen struct {
	*bytes.Reader
}

func (*readCloserWithLen) Close() error {
	return nil
}

func TestDualUseOfMainPortAfterTransfer(t *testing.T) {
	// Two clients on separate sockets run sequential transfers through the
	// same server port independently.
	srv := startTestServer(t, map[string]string{`a`: `one`, `b`: `two`}, Config{})
	c1 := newTestClient(t, srv)
	assert.Equal(t, `one`, string(c1.download(`a`, `octet`)))
	c2 := newTestClient(t, srv)
	assert.Equal(t, `two`, string(c2.download(`b`, `octet`)))
}
