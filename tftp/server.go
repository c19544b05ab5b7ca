/*************************************************************************
 * Copyright 2025 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package tftp implements a read-only TFTP server (RFC 1350) with support
// for the block-size option (RFC 2348), the timeout interval option
// (RFC 2349), and the transfer size option. The server can serve arbitrary
// resources, not just files on the file system: request handlers produce
// the streams that are transferred.
//
// The listener accepts read requests on the well-known port; every
// accepted request is served by its own goroutine on its own ephemeral UDP
// socket, which together with the client address forms the transfer ID.
package tftp

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"regexp"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gravwell/vinegar/log"
	"github.com/gravwell/vinegar/utils"
)

const (
	DefaultBindAddress = `::`
	DefaultBindPort    = 69

	defaultTimeoutSeconds = 10
	defaultMaxTimeout     = 30
	defaultMaxRetries     = 3
)

// rePositiveInt verifies that an option that must be a positive integer
// was specified correctly.
var rePositiveInt = regexp.MustCompile(`^[1-9][0-9]*$`)

// Error is returned by request handlers to signal a failure that shall be
// reported to the client with a specific error code.
type Error struct {
	Code    ErrorCode
	Message string
}

func (e *Error) Error() string {
	if e.Message == `` {
		return e.Code.String()
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// RequestHandler serves read requests. PrepareContext is called once per
// request before CanHandle; the returned context is passed to CanHandle
// and Handle so that shared processing of the filename only happens once.
// The server only spawns a transfer socket and goroutine for handlers
// whose CanHandle returned true.
type RequestHandler interface {
	PrepareContext(filename string) interface{}
	CanHandle(filename string, ctx interface{}) bool
	// Handle returns the stream transferred to the client. Returning a
	// *tftp.Error controls the error code sent to the client; any other
	// error maps to NOT_DEFINED.
	Handle(filename string, clientAddr *net.UDPAddr, ctx interface{}) (io.ReadCloser, error)
}

// Config holds the server settings. The zero value is usable, every field
// falls back to its default and out-of-range values are silently clamped
// to the valid range, matching the behavior for configuration files that
// specify extreme values.
type Config struct {
	BindAddress string
	BindPort    int
	// DefaultTimeout is used when the client does not negotiate one.
	DefaultTimeout time.Duration
	// MaxTimeout caps the timeout interval a client may request.
	MaxTimeout time.Duration
	// MaxRetries is the number of resends of the same packet before a
	// transfer is aborted.
	MaxRetries int
	// MaxBlockSize caps the block size a client may request.
	MaxBlockSize int
	// BlockCounterWrap is the value the block counter wraps to after
	// reaching 65535, 0 or 1. Disabling the wrap (WrapDisabled) aborts
	// transfers that would overflow.
	BlockCounterWrap int
	WrapDisabled     bool
}

func (c Config) normalized() Config {
	if c.BindAddress == `` {
		c.BindAddress = DefaultBindAddress
	}
	// A zero port binds an ephemeral port; the well-known port 69 comes
	// from the configuration loader.
	if c.MaxTimeout == 0 {
		c.MaxTimeout = defaultMaxTimeout * time.Second
	}
	if c.MaxTimeout < MinTimeout*time.Second {
		c.MaxTimeout = MinTimeout * time.Second
	} else if c.MaxTimeout > MaxTimeout*time.Second {
		c.MaxTimeout = MaxTimeout * time.Second
	}
	if c.DefaultTimeout == 0 {
		c.DefaultTimeout = defaultTimeoutSeconds * time.Second
	}
	if c.DefaultTimeout < MinTimeout*time.Second {
		c.DefaultTimeout = MinTimeout * time.Second
	} else if c.DefaultTimeout > c.MaxTimeout {
		c.DefaultTimeout = c.MaxTimeout
	}
	if c.MaxRetries < 1 {
		c.MaxRetries = defaultMaxRetries
	}
	if c.MaxBlockSize == 0 {
		c.MaxBlockSize = MaxBlockSize
	}
	if c.MaxBlockSize < DefaultBlockSize {
		c.MaxBlockSize = DefaultBlockSize
	} else if c.MaxBlockSize > MaxBlockSize {
		c.MaxBlockSize = MaxBlockSize
	}
	if c.BlockCounterWrap != 0 && c.BlockCounterWrap != 1 {
		c.BlockCounterWrap = 0
	}
	return c
}

// Server is the TFTP server. Start binds the socket and spawns the
// listener goroutine; Stop shuts the listener down. In-flight transfers
// are not interrupted by Stop, they finish or time out on their own.
type Server struct {
	cfg      Config
	handlers []RequestHandler
	lg       *log.Logger

	mtx     sync.Mutex
	conn    *net.UDPConn
	quit    chan struct{}
	done    chan struct{}
	running bool
}

// NewServer creates a TFTP server. The server socket is not bound until
// Start is called.
func NewServer(handlers []RequestHandler, cfg Config, lg *log.Logger) *Server {
	if lg == nil {
		lg = log.NewDiscardLogger()
	}
	return &Server{
		cfg:      cfg.normalized(),
		handlers: handlers,
		lg:       lg,
	}
}

// Start binds the server socket and starts processing requests. Starting
// a running server does nothing.
func (s *Server) Start() error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if s.running {
		return nil
	}
	ip := net.ParseIP(s.cfg.BindAddress)
	if ip == nil {
		return fmt.Errorf("invalid bind address %q", s.cfg.BindAddress)
	}
	conn, err := net.ListenUDP(`udp`, &net.UDPAddr{IP: ip, Port: s.cfg.BindPort})
	if err != nil {
		return err
	}
	s.conn = conn
	s.quit = make(chan struct{})
	s.done = make(chan struct{})
	s.running = true
	s.lg.Info("TFTP server is listening", log.KV("address", utils.HostPortString(s.cfg.BindAddress, s.cfg.BindPort)))
	go s.run()
	return nil
}

// Stop shuts the listener down. Transfers in flight keep their own
// sockets and finish independently.
func (s *Server) Stop() {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if !s.running {
		return
	}
	close(s.quit)
	s.conn.Close()
	<-s.done
	s.running = false
	s.lg.Info("TFTP server has been shutdown")
}

// Addr returns the bound listener address, nil while the server is not
// running.
func (s *Server) Addr() *net.UDPAddr {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if !s.running {
		return nil
	}
	addr, _ := s.conn.LocalAddr().(*net.UDPAddr)
	return addr
}

func (s *Server) run() {
	defer close(s.done)
	buf := make([]byte, MaxRequestPacketSize)
	for {
		n, addr, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-s.quit:
				return
			default:
			}
			s.lg.Error("request processing failed", log.KVErr(err))
			continue
		}
		req := make([]byte, n)
		copy(req, buf[:n])
		s.processRequest(req, addr)
	}
}

func (s *Server) processRequest(req []byte, addr *net.UDPAddr) {
	// RFC 1350 does not specify what happens when an invalid packet
	// arrives on the request port. Most implementations ignore packets
	// with an unknown opcode, so this server does the same.
	opcode, err := OpcodeFromBytes(req)
	if err != nil {
		s.lg.Debug("invalid request", log.KV("client", addr.String()), log.KVErr(err))
		return
	}
	switch opcode {
	case OpReadRequest:
		s.processReadRequest(req, addr)
	case OpWriteRequest:
		s.lg.Error("received write request, but this server only supports read requests",
			log.KV("client", addr.String()))
		s.sendTo(ErrorPacket(ErrAccessViolation, `Write requests are not allowed by this server.`), addr)
	default:
		s.lg.Debug("request with non-request opcode",
			log.KV("client", addr.String()), log.KV("opcode", opcode))
		s.sendTo(ErrorPacket(ErrIllegalOperation, `Only read or write requests are allowed on this port.`), addr)
	}
}

func (s *Server) processReadRequest(req []byte, addr *net.UDPAddr) {
	filename, mode, options, err := DecodeReadRequest(req)
	if err != nil {
		// A request that cannot be decoded is a client error, not a
		// server error.
		s.lg.Info("decoding read request failed",
			log.KV("client", addr.String()), log.KVErr(err))
		s.sendTo(ErrorPacket(ErrIllegalOperation, `Malformed read request.`), addr)
		return
	}
	if mode == ModeMail {
		s.lg.Info("read request with unsupported transfer mode mail",
			log.KV("client", addr.String()))
		s.sendTo(ErrorPacket(ErrIllegalOperation, `Transfer mode mail is not allowed for read requests.`), addr)
		return
	}
	for _, handler := range s.handlers {
		ctx := handler.PrepareContext(filename)
		if handler.CanHandle(filename, ctx) {
			s.lg.Info("handling read request",
				log.KV("file", filename),
				log.KV("client", addr.String()),
				log.KV("mode", mode))
			t := newReadTransfer(s, filename, mode, options, addr, handler, ctx)
			go t.run()
			return
		}
	}
	s.lg.Info("no handler can fulfill read request",
		log.KV("file", filename), log.KV("client", addr.String()))
	s.sendTo(ErrorPacket(ErrFileNotFound, `The requested file does not exist.`), addr)
}

func (s *Server) sendTo(data []byte, addr *net.UDPAddr) {
	if _, err := s.conn.WriteToUDP(data, addr); err != nil {
		s.lg.Debug("sending packet failed",
			log.KV("client", addr.String()), log.KVErr(err))
	}
}

// Control-flow results of a transfer; each one selects the log line and
// the packet (if any) that concludes the connection.
var (
	errTransferTimeout = errors.New("transfer timed out")
	errBlockOverflow   = errors.New("block counter overflow")
)

type clientError struct {
	code    ErrorCode
	codeOK  bool
	message string
}

func (e *clientError) Error() string {
	switch {
	case e.codeOK && e.message != ``:
		return fmt.Sprintf("error code %d: %s", e.code, e.message)
	case e.codeOK:
		return fmt.Sprintf("error code %d", e.code)
	case e.message != ``:
		return "error code unknown: " + e.message
	}
	return "unknown error"
}

type invalidPacketError struct {
	message string
}

func (e *invalidPacketError) Error() string {
	return e.message
}

// readTransfer is the connection created for one read request. It owns an
// ephemeral UDP socket and the stream returned by the handler, and
// releases both on every exit path.
type readTransfer struct {
	srv      *Server
	lg       *log.KVLogger
	filename string
	netascii bool
	options  []Option
	client   *net.UDPAddr
	handler  RequestHandler
	ctx      interface{}

	conn      *net.UDPConn
	reader    blockReader
	blockSize int
	timeout   time.Duration
	deadline  time.Time
}

func newReadTransfer(srv *Server, filename string, mode TransferMode, requested []Option, client *net.UDPAddr, handler RequestHandler, ctx interface{}) *readTransfer {
	t := &readTransfer{
		srv:      srv,
		filename: filename,
		netascii: mode == ModeNetascii,
		client:   client,
		handler:  handler,
		ctx:      ctx,
		timeout:  srv.cfg.DefaultTimeout,
	}
	t.lg = log.NewLoggerWithKV(srv.lg,
		log.KV("transfer", uuid.New().String()),
		log.KV("file", filename),
		log.KV("client", client.String()))
	t.negotiate(requested)
	return t
}

// negotiate filters the client options down to the supported set and
// derives the block size and timeout for the transfer.
func (t *readTransfer) negotiate(requested []Option) {
	t.blockSize = DefaultBlockSize
	var blockSizeOpt, timeoutOpt, tsizeOpt *Option
	for i := range requested {
		name := toLowerASCII(requested[i].Name)
		switch name {
		case OptionBlockSize:
			blockSizeOpt = &requested[i]
		case OptionTimeout:
			timeoutOpt = &requested[i]
		case OptionTransferSize:
			tsizeOpt = &requested[i]
		}
	}
	// For the block size the server may use any value between 8 bytes and
	// its configured maximum; a request outside the range is not
	// acknowledged and the default applies.
	if blockSizeOpt != nil && rePositiveInt.MatchString(blockSizeOpt.Value) {
		if requestedSize, err := strconv.Atoi(blockSizeOpt.Value); err == nil &&
			requestedSize >= MinBlockSize && requestedSize <= t.srv.cfg.MaxBlockSize {
			t.blockSize = requestedSize
			t.options = append(t.options, Option{Name: OptionBlockSize, Value: strconv.Itoa(requestedSize)})
		}
	}
	// The timeout may only be echoed exactly or dropped, the protocol
	// does not allow sending a different value back.
	if timeoutOpt != nil && rePositiveInt.MatchString(timeoutOpt.Value) {
		if requestedTimeout, err := strconv.Atoi(timeoutOpt.Value); err == nil &&
			requestedTimeout >= MinTimeout && time.Duration(requestedTimeout)*time.Second <= t.srv.cfg.MaxTimeout {
			t.timeout = time.Duration(requestedTimeout) * time.Second
			t.options = append(t.options, Option{Name: OptionTimeout, Value: strconv.Itoa(requestedTimeout)})
		}
	}
	// The client has to send a transfer size of 0 with a read request;
	// the actual size is filled in later when the stream is known.
	if tsizeOpt != nil && tsizeOpt.Value == `0` {
		t.options = append(t.options, Option{Name: OptionTransferSize, Value: ``})
	}
}

func toLowerASCII(s string) string {
	b := []byte(s)
	for i := range b {
		if b[i] >= 'A' && b[i] <= 'Z' {
			b[i] += 'a' - 'A'
		}
	}
	return string(b)
}

func (t *readTransfer) run() {
	conn, err := net.ListenUDP(`udp`, &net.UDPAddr{IP: net.IPv6zero, Port: 0})
	if err != nil {
		t.lg.Error("error creating socket for read request", log.KVErr(err))
		return
	}
	t.conn = conn
	defer t.conn.Close()
	file, err := t.handler.Handle(t.filename, t.client, t.ctx)
	if err != nil {
		var terr *Error
		if errors.As(err, &terr) {
			// A handler error is not necessarily a server problem.
			t.lg.Info("request handler signalled an error",
				log.KV("code", terr.Code), log.KV("message", terr.Message))
			t.sendError(terr.Code, terr.Message)
		} else {
			t.lg.Error("request handler failed", log.KVErr(err))
			t.sendError(ErrNotDefined, `An internal error occurred while trying to fulfill the request.`)
		}
		return
	}
	defer file.Close()
	t.resolveTransferSize(file)
	if t.netascii {
		t.reader = newNetasciiReader(file)
	} else {
		t.reader = newOctetReader(file)
	}
	t.processTransfer()
}

// resolveTransferSize fills in or drops the tsize option. The size is only
// reported for octet transfers whose stream can report a length; in
// netascii mode the line-break conversion changes the size, so the option
// is dropped, consistent with other TFTP servers.
func (t *readTransfer) resolveTransferSize(file io.ReadCloser) {
	idx := -1
	for i := range t.options {
		if t.options[i].Name == OptionTransferSize {
			idx = i
			break
		}
	}
	if idx < 0 {
		return
	}
	if !t.netascii {
		if size, ok := streamSize(file); ok {
			t.options[idx].Value = strconv.FormatInt(size, 10)
			return
		}
	}
	t.options = append(t.options[:idx], t.options[idx+1:]...)
}

// streamSize reports the remaining length of a stream when it can be
// determined, for in-memory buffers and regular files.
func streamSize(rc io.ReadCloser) (int64, bool) {
	type lengther interface {
		Len() int
	}
	if l, ok := rc.(lengther); ok {
		return int64(l.Len()), true
	}
	if f, ok := rc.(*os.File); ok {
		fi, err := f.Stat()
		if err != nil || !fi.Mode().IsRegular() {
			return 0, false
		}
		offset, err := f.Seek(0, io.SeekCurrent)
		if err != nil {
			return 0, false
		}
		return fi.Size() - offset, true
	}
	return 0, false
}

func (t *readTransfer) processTransfer() {
	var err error
	if len(t.options) > 0 {
		err = t.sendOptionsAck()
	}
	if err == nil {
		err = t.sendData()
	}
	switch {
	case err == nil:
		t.lg.Debug("transfer complete")
	case errors.Is(err, errTransferTimeout):
		t.lg.Info("request timed out")
	case errors.Is(err, errBlockOverflow):
		t.lg.Error("transfer aborted due to the block counter reaching its limit")
		t.sendError(ErrNotDefined, `File is too large to complete the transfer.`)
	default:
		var cerr *clientError
		var perr *invalidPacketError
		if errors.As(err, &cerr) {
			t.lg.Info("transfer aborted due to a client error", log.KVErr(cerr))
		} else if errors.As(err, &perr) {
			t.lg.Info("transfer aborted due to an invalid client packet", log.KVErr(perr))
			t.sendError(ErrNotDefined, perr.message)
		} else {
			t.lg.Error("transfer failed", log.KVErr(err))
			t.sendError(ErrNotDefined, `An internal error occurred while trying to fulfill the request.`)
		}
	}
}

// nextBlockNumber advances the block counter, wrapping or failing at the
// 16-bit limit.
func (t *readTransfer) nextBlockNumber(blockNumber uint16) (uint16, error) {
	if blockNumber == MaxBlockNumber {
		if t.srv.cfg.WrapDisabled {
			return 0, errBlockOverflow
		}
		return uint16(t.srv.cfg.BlockCounterWrap), nil
	}
	return blockNumber + 1, nil
}

func (t *readTransfer) sendData() error {
	var blockNumber uint16
	var err error
	data, err := t.reader.ReadBlock(t.blockSize)
	if err != nil {
		return err
	}
	for len(data) == t.blockSize {
		if blockNumber, err = t.nextBlockNumber(blockNumber); err != nil {
			return err
		}
		if err = t.sendDataBlock(blockNumber, data); err != nil {
			return err
		}
		if data, err = t.reader.ReadBlock(t.blockSize); err != nil {
			return err
		}
	}
	// The last block signals end-of-file through its short length; when
	// the stream size is an exact multiple of the block size, that last
	// block is empty.
	if blockNumber, err = t.nextBlockNumber(blockNumber); err != nil {
		return err
	}
	return t.sendDataBlock(blockNumber, data)
}

// sendDataBlock transmits one DATA packet and waits for its ACK,
// retransmitting up to MaxRetries times. Every attempt gets a fresh
// absolute deadline so a slow client cannot stretch a transfer
// indefinitely.
func (t *readTransfer) sendDataBlock(blockNumber uint16, data []byte) error {
	packet := DataPacket(blockNumber, data)
	triesLeft := t.srv.cfg.MaxRetries + 1
	for triesLeft > 0 {
		t.resetDeadline()
		t.lg.Debug("sending DATA",
			log.KV("block", blockNumber), log.KV("bytes", len(data)))
		if err := t.send(packet); err != nil {
			return err
		}
		for {
			ackBlockNumber, err := t.receiveAck()
			if err != nil {
				if errors.Is(err, errTransferTimeout) {
					triesLeft--
					break
				}
				return err
			}
			// The acknowledged block number has to match; stale ACKs for
			// earlier blocks are ignored.
			if ackBlockNumber == blockNumber {
				return nil
			}
		}
	}
	return errTransferTimeout
}

func (t *readTransfer) sendOptionsAck() error {
	packet, err := OptionsAckPacket(t.options)
	if err != nil {
		return err
	}
	triesLeft := t.srv.cfg.MaxRetries + 1
	for triesLeft > 0 {
		t.resetDeadline()
		t.lg.Debug("sending OACK", log.KV("options", fmt.Sprintf("%v", t.options)))
		if err = t.send(packet); err != nil {
			return err
		}
		for {
			blockNumber, err := t.receiveAck()
			if err != nil {
				if errors.Is(err, errTransferTimeout) {
					triesLeft--
					break
				}
				return err
			}
			// The handshake ends when the client acknowledges the OACK
			// with block number zero.
			if blockNumber == 0 {
				return nil
			}
		}
	}
	return errTransferTimeout
}

func (t *readTransfer) resetDeadline() {
	t.deadline = time.Now().Add(t.timeout)
}

func (t *readTransfer) send(data []byte) error {
	_, err := t.conn.WriteToUDP(data, t.client)
	return err
}

// receive waits for a packet from the transfer's client. Packets from any
// other source are answered with UNKNOWN_TRANSFER_ID and do not interrupt
// the wait.
func (t *readTransfer) receive() ([]byte, error) {
	buf := make([]byte, MaxRequestPacketSize)
	for {
		if err := t.conn.SetReadDeadline(t.deadlineOrMinimum()); err != nil {
			return nil, err
		}
		n, addr, err := t.conn.ReadFromUDP(buf)
		if err != nil {
			if nerr, ok := err.(net.Error); ok && nerr.Timeout() {
				return nil, errTransferTimeout
			}
			return nil, err
		}
		if !sameClient(addr, t.client) {
			t.lg.Debug("received unexpected packet on transfer socket",
				log.KV("from", addr.String()))
			t.conn.WriteToUDP(ErrorPacket(ErrUnknownTransferID,
				`This port is associated with a different client connection.`), addr)
			continue
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		return data, nil
	}
}

// deadlineOrMinimum returns the absolute deadline, or a minimal one when
// it already passed. A zero deadline would switch the socket into
// non-blocking behavior, which is not what we want.
func (t *readTransfer) deadlineOrMinimum() time.Time {
	now := time.Now()
	if t.deadline.After(now) {
		return t.deadline
	}
	return now.Add(time.Millisecond)
}

func (t *readTransfer) receiveAck() (uint16, error) {
	data, err := t.receive()
	if err != nil {
		return 0, err
	}
	opcode, err := OpcodeFromBytes(data)
	if err != nil {
		return 0, &invalidPacketError{message: `Received packet with invalid opcode.`}
	}
	switch opcode {
	case OpAck:
		blockNumber, err := DecodeAck(data)
		if err != nil {
			return 0, &invalidPacketError{message: `Received malformed ACK packet.`}
		}
		t.lg.Debug("received ACK", log.KV("block", blockNumber))
		return blockNumber, nil
	case OpError:
		code, ok, message := DecodeError(data)
		return 0, &clientError{
			code:    code,
			codeOK:  ok,
			message: message,
		}
	}
	return 0, &invalidPacketError{message: fmt.Sprintf("Received unexpected %s packet.", opcode)}
}

func (t *readTransfer) sendError(code ErrorCode, message string) {
	// Errors are sent with a fresh deadline, best effort.
	t.resetDeadline()
	if err := t.send(ErrorPacket(code, message)); err != nil {
		t.lg.Debug("sending error packet failed", log.KVErr(err))
	}
}

func sameClient(a, b *net.UDPAddr) bool {
	return a.Port == b.Port && a.IP.Equal(b.IP)
}
