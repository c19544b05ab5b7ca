/*************************************************************************
 * Copyright 2025 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package httpserver provides the HTTP side of the provisioning server.
// Like the TFTP server it dispatches requests to an ordered list of
// request handlers: the first handler whose CanHandle accepts the path
// wins. Handlers serve arbitrary resources, not just files.
package httpserver

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/netutil"

	"github.com/gravwell/vinegar/log"
	"github.com/gravwell/vinegar/utils"
)

const (
	DefaultBindAddress = `::`
	DefaultBindPort    = 80

	shutdownGrace = 5 * time.Second
)

// RequestInfo describes one request as seen by a handler.
type RequestInfo struct {
	// Path is the raw request path including the query string, not URL
	// decoded.
	Path    string
	Method  string
	Headers http.Header
	// ClientAddress is the client IP with any IPv4-in-IPv6 mapping
	// removed.
	ClientAddress string
}

// Response is what a handler produces. A nil Body and no headers together
// with a status of 400 or above make the server generate a plain error
// page. Headers may be nil.
type Response struct {
	Status  int
	Headers map[string]string
	Body    io.ReadCloser
}

// RequestHandler serves HTTP requests. PrepareContext is called once per
// request before CanHandle; the returned context is passed to CanHandle
// and Handle so that shared processing of the path only happens once.
// CanHandle must decide based on the path alone; a handler that later
// cannot serve the request (e.g. because of the method) signals that
// through its response status.
type RequestHandler interface {
	PrepareContext(path string) interface{}
	CanHandle(path string, ctx interface{}) bool
	Handle(ri *RequestInfo, body io.Reader, ctx interface{}) (Response, error)
}

// Config holds the server settings. The zero value binds to the default
// wildcard address and port.
type Config struct {
	BindAddress string
	BindPort    int
	// MaxConnections caps concurrently accepted connections, 0 means
	// unlimited.
	MaxConnections int
}

// Server is the HTTP server. Start binds the socket, Stop shuts the
// server down gracefully.
type Server struct {
	cfg      Config
	handlers []RequestHandler
	lg       *log.Logger

	mtx     sync.Mutex
	srv     *http.Server
	ln      net.Listener
	running bool
}

// NewServer creates an HTTP server. The socket is not bound until Start
// is called.
func NewServer(handlers []RequestHandler, cfg Config, lg *log.Logger) *Server {
	if cfg.BindAddress == `` {
		cfg.BindAddress = DefaultBindAddress
	}
	// A zero port binds an ephemeral port; the well-known port 80 comes
	// from the configuration loader.
	if lg == nil {
		lg = log.NewDiscardLogger()
	}
	return &Server{
		cfg:      cfg,
		handlers: handlers,
		lg:       lg,
	}
}

// Start binds the server socket and starts serving requests. Starting a
// running server does nothing.
func (s *Server) Start() error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if s.running {
		return nil
	}
	addr := utils.HostPortString(s.cfg.BindAddress, s.cfg.BindPort)
	ln, err := net.Listen(`tcp`, addr)
	if err != nil {
		return err
	}
	if s.cfg.MaxConnections > 0 {
		ln = netutil.LimitListener(ln, s.cfg.MaxConnections)
	}
	s.srv = &http.Server{
		Handler: http.HandlerFunc(s.dispatch),
	}
	s.ln = ln
	s.running = true
	s.lg.Info("HTTP server is listening", log.KV("address", addr))
	go func() {
		if serr := s.srv.Serve(ln); serr != nil && serr != http.ErrServerClosed {
			s.lg.Error("HTTP server failed", log.KVErr(serr))
		}
	}()
	return nil
}

// Stop shuts the server down, letting in-flight requests complete within
// the grace period.
func (s *Server) Stop() {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if !s.running {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := s.srv.Shutdown(ctx); err != nil {
		s.srv.Close()
	}
	s.running = false
	s.lg.Info("HTTP server has been shutdown")
}

// Addr returns the bound listener address, nil while the server is not
// running.
func (s *Server) Addr() net.Addr {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if !s.running {
		return nil
	}
	return s.ln.Addr()
}

func (s *Server) dispatch(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet, http.MethodHead, http.MethodPost, http.MethodPut, http.MethodDelete:
	default:
		http.Error(w, `Unsupported method.`, http.StatusNotImplemented)
		return
	}
	path := r.RequestURI
	// No sane HTTP client ever sends a path that does not start with a
	// slash or contains a null byte, raw or percent-encoded.
	if !strings.HasPrefix(path, `/`) || strings.Contains(path, "\x00") || strings.Contains(path, `%00`) {
		http.Error(w, `Bad request.`, http.StatusBadRequest)
		return
	}
	clientAddress := r.RemoteAddr
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		clientAddress = host
	}
	clientAddress = utils.IPv6AddressUnwrap(clientAddress)
	ri := &RequestInfo{
		Path:          path,
		Method:        r.Method,
		Headers:       r.Header,
		ClientAddress: clientAddress,
	}
	for _, handler := range s.handlers {
		ctx := handler.PrepareContext(path)
		if !handler.CanHandle(path, ctx) {
			continue
		}
		resp, err := handler.Handle(ri, r.Body, ctx)
		if err != nil {
			s.lg.Error("request handler failed",
				log.KV("method", r.Method),
				log.KV("path", path),
				log.KV("client", clientAddress),
				log.KVErr(err))
			http.Error(w, `Internal server error.`, http.StatusInternalServerError)
			return
		}
		s.writeResponse(w, ri, resp)
		return
	}
	s.logRequest(ri, http.StatusNotFound)
	http.Error(w, `Not found.`, http.StatusNotFound)
}

func (s *Server) writeResponse(w http.ResponseWriter, ri *RequestInfo, resp Response) {
	if resp.Status == 0 {
		resp.Status = http.StatusOK
	}
	s.logRequest(ri, resp.Status)
	if resp.Status >= 400 && len(resp.Headers) == 0 && resp.Body == nil {
		http.Error(w, http.StatusText(resp.Status), resp.Status)
		return
	}
	for name, value := range resp.Headers {
		w.Header().Set(name, value)
	}
	w.WriteHeader(resp.Status)
	if resp.Body != nil {
		defer resp.Body.Close()
		if _, err := io.Copy(w, resp.Body); err != nil {
			// The response already started, all that is left is dropping
			// the connection.
			s.lg.Debug("writing response body failed",
				log.KV("path", ri.Path), log.KVErr(err))
		}
	}
}

func (s *Server) logRequest(ri *RequestInfo, status int) {
	s.lg.Info("processed HTTP request",
		log.KV("request", fmt.Sprintf("%s %s", ri.Method, ri.Path)),
		log.KV("client", ri.ClientAddress),
		log.KV("status", status))
}
