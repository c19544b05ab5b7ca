/*************************************************************************
 * Copyright 2025 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package server wires the configuration file into running HTTP and TFTP
// servers: it builds the data-source chain, creates the request handlers,
// injects the data source where wanted, and manages startup and shutdown.
package server

import (
	"errors"
	"fmt"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/gravwell/vinegar/datasource"
	"github.com/gravwell/vinegar/handler"
	"github.com/gravwell/vinegar/httpserver"
	"github.com/gravwell/vinegar/log"
	"github.com/gravwell/vinegar/odict"
	"github.com/gravwell/vinegar/tftp"

	// Data sources and request handlers register themselves by name.
	_ "github.com/gravwell/vinegar/datasource/sqlite"
	_ "github.com/gravwell/vinegar/datasource/textfile"
	_ "github.com/gravwell/vinegar/datasource/yamltarget"
)

const (
	DefaultConfigPath = `/etc/vinegar/vinegar-server.yaml`
)

// Config is the parsed configuration file. The per-source and per-handler
// blocks stay generic, the factories interpret them.
type Config struct {
	raw *odict.Map
}

// ReadConfig loads and parses the configuration file.
func ReadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseConfig(data)
}

// ParseConfig parses configuration data. An empty document yields a
// configuration with all defaults.
func ParseConfig(data []byte) (*Config, error) {
	raw, err := odict.DecodeYAMLMap(data)
	if err != nil {
		return nil, err
	}
	if raw == nil {
		raw = odict.NewMap()
	}
	return &Config{raw: raw}, nil
}

// LoggingLevel returns the configured logging level name, INFO when
// unset.
func (c *Config) LoggingLevel() (string, error) {
	level, err := c.raw.GetString(`logging_level`, `INFO`)
	if err != nil {
		return ``, err
	}
	if _, err = log.LevelFromString(level); err != nil {
		return ``, fmt.Errorf("invalid logging_level %q", level)
	}
	return level, nil
}

// LoggingFile returns the configured log file path, empty when logging
// goes to stderr only.
func (c *Config) LoggingFile() (string, error) {
	return c.raw.GetString(`logging_config_file`, ``)
}

// Server combines the HTTP and the TFTP server built from one
// configuration.
type Server struct {
	lg   *log.Logger
	http *httpserver.Server
	tftp *tftp.Server
}

// New builds a server from the configuration: the composite data source,
// the request handlers of both protocols, and the two listeners.
func New(cfg *Config, lg *log.Logger) (*Server, error) {
	if lg == nil {
		lg = log.NewDiscardLogger()
	}
	source, err := buildDataSource(cfg.raw, lg)
	if err != nil {
		return nil, err
	}
	httpSrv, err := buildHTTPServer(cfg.raw, source, lg)
	if err != nil {
		return nil, err
	}
	tftpSrv, err := buildTFTPServer(cfg.raw, source, lg)
	if err != nil {
		return nil, err
	}
	return &Server{
		lg:   lg,
		http: httpSrv,
		tftp: tftpSrv,
	}, nil
}

// Start starts both servers. When one of them fails to bind, the other is
// stopped again.
func (s *Server) Start() error {
	var g errgroup.Group
	g.Go(s.http.Start)
	g.Go(s.tftp.Start)
	if err := g.Wait(); err != nil {
		s.Stop()
		return err
	}
	return nil
}

// Stop shuts both servers down.
func (s *Server) Stop() {
	s.http.Stop()
	s.tftp.Stop()
}

func buildDataSource(raw *odict.Map, lg *log.Logger) (datasource.DataSource, error) {
	var sources []datasource.DataSource
	if v, ok := raw.Get(`data_sources`); ok && v != nil {
		list, ok := v.([]interface{})
		if !ok {
			return nil, fmt.Errorf("expected a list for the data_sources key, got %T", v)
		}
		for _, item := range list {
			sourceConfig, ok := item.(*odict.Map)
			if !ok {
				return nil, fmt.Errorf("expected a mapping for the items in the data_sources list, got %T", item)
			}
			name, err := sourceConfig.GetString(`name`, ``)
			if err != nil {
				return nil, err
			} else if name == `` {
				return nil, errors.New("data source configuration must have a name")
			}
			source, err := datasource.New(name, sourceConfig, lg)
			if err != nil {
				return nil, fmt.Errorf("data source %s: %w", name, err)
			}
			sources = append(sources, source)
		}
	}
	mergeLists, err := raw.GetBool(`data_sources_merge_lists`, false)
	if err != nil {
		return nil, err
	}
	mergeSets, err := raw.GetBool(`data_sources_merge_sets`, true)
	if err != nil {
		return nil, err
	}
	return datasource.Composite(sources, mergeLists, mergeSets), nil
}

func buildHTTPServer(raw *odict.Map, source datasource.DataSource, lg *log.Logger) (*httpserver.Server, error) {
	httpRaw, err := raw.GetMap(`http`)
	if err != nil {
		return nil, err
	}
	if httpRaw == nil {
		httpRaw = odict.NewMap()
	}
	var cfg httpserver.Config
	if cfg.BindAddress, err = httpRaw.GetString(`bind_address`, httpserver.DefaultBindAddress); err != nil {
		return nil, err
	}
	if cfg.BindPort, err = httpRaw.GetInt(`bind_port`, httpserver.DefaultBindPort); err != nil {
		return nil, err
	}
	if cfg.MaxConnections, err = httpRaw.GetInt(`max_connections`, 0); err != nil {
		return nil, err
	}
	handlers, err := buildHTTPHandlers(httpRaw, source, lg)
	if err != nil {
		return nil, err
	}
	return httpserver.NewServer(handlers, cfg, lg), nil
}

func buildHTTPHandlers(httpRaw *odict.Map, source datasource.DataSource, lg *log.Logger) ([]httpserver.RequestHandler, error) {
	var handlers []httpserver.RequestHandler
	v, ok := httpRaw.Get(`request_handlers`)
	if !ok || v == nil {
		return nil, nil
	}
	list, ok := v.([]interface{})
	if !ok {
		return nil, fmt.Errorf("expected a list for the http:request_handlers key, got %T", v)
	}
	for _, item := range list {
		handlerConfig, ok := item.(*odict.Map)
		if !ok {
			return nil, fmt.Errorf("expected a mapping for the items in the request_handlers list, got %T", item)
		}
		name, err := handlerConfig.GetString(`name`, ``)
		if err != nil {
			return nil, err
		} else if name == `` {
			return nil, errors.New("request handler configuration must specify a name")
		}
		h, err := handler.NewHTTP(name, handlerConfig, lg)
		if err != nil {
			return nil, fmt.Errorf("http request handler %s: %w", name, err)
		}
		datasource.InjectDataSource(h, source)
		handlers = append(handlers, h)
	}
	return handlers, nil
}

func buildTFTPServer(raw *odict.Map, source datasource.DataSource, lg *log.Logger) (*tftp.Server, error) {
	tftpRaw, err := raw.GetMap(`tftp`)
	if err != nil {
		return nil, err
	}
	if tftpRaw == nil {
		tftpRaw = odict.NewMap()
	}
	var cfg tftp.Config
	if cfg.BindAddress, err = tftpRaw.GetString(`bind_address`, tftp.DefaultBindAddress); err != nil {
		return nil, err
	}
	if cfg.BindPort, err = tftpRaw.GetInt(`bind_port`, tftp.DefaultBindPort); err != nil {
		return nil, err
	}
	if cfg.DefaultTimeout, err = getSeconds(tftpRaw, `default_timeout`, 10*time.Second); err != nil {
		return nil, err
	}
	if cfg.MaxTimeout, err = getSeconds(tftpRaw, `max_timeout`, 30*time.Second); err != nil {
		return nil, err
	}
	if cfg.MaxRetries, err = tftpRaw.GetInt(`max_retries`, 3); err != nil {
		return nil, err
	}
	if cfg.MaxBlockSize, err = tftpRaw.GetInt(`max_block_size`, tftp.MaxBlockSize); err != nil {
		return nil, err
	}
	// An explicit null disables the block counter wrap; large transfers
	// then fail instead of reusing block numbers.
	if v, ok := tftpRaw.Get(`block_counter_wrap_value`); ok && v == nil {
		cfg.WrapDisabled = true
	} else if cfg.BlockCounterWrap, err = tftpRaw.GetInt(`block_counter_wrap_value`, 0); err != nil {
		return nil, err
	} else if cfg.BlockCounterWrap != 0 && cfg.BlockCounterWrap != 1 {
		return nil, fmt.Errorf("invalid block_counter_wrap_value %d, must be 0, 1, or null", cfg.BlockCounterWrap)
	}
	handlers, err := buildTFTPHandlers(tftpRaw, source, lg)
	if err != nil {
		return nil, err
	}
	return tftp.NewServer(handlers, cfg, lg), nil
}

func buildTFTPHandlers(tftpRaw *odict.Map, source datasource.DataSource, lg *log.Logger) ([]tftp.RequestHandler, error) {
	var handlers []tftp.RequestHandler
	v, ok := tftpRaw.Get(`request_handlers`)
	if !ok || v == nil {
		return nil, nil
	}
	list, ok := v.([]interface{})
	if !ok {
		return nil, fmt.Errorf("expected a list for the tftp:request_handlers key, got %T", v)
	}
	for _, item := range list {
		handlerConfig, ok := item.(*odict.Map)
		if !ok {
			return nil, fmt.Errorf("expected a mapping for the items in the request_handlers list, got %T", item)
		}
		name, err := handlerConfig.GetString(`name`, ``)
		if err != nil {
			return nil, err
		} else if name == `` {
			return nil, errors.New("request handler configuration must specify a name")
		}
		h, err := handler.NewTFTP(name, handlerConfig, lg)
		if err != nil {
			return nil, fmt.Errorf("tftp request handler %s: %w", name, err)
		}
		datasource.InjectDataSource(h, source)
		handlers = append(handlers, h)
	}
	return handlers, nil
}

// getSeconds reads a duration option given in seconds, integral or
// fractional.
func getSeconds(m *odict.Map, key string, def time.Duration) (time.Duration, error) {
	v, ok := m.Get(key)
	if !ok || v == nil {
		return def, nil
	}
	switch n := v.(type) {
	case int:
		return time.Duration(n) * time.Second, nil
	case int64:
		return time.Duration(n) * time.Second, nil
	case uint64:
		return time.Duration(n) * time.Second, nil
	case float64:
		return time.Duration(n * float64(time.Second)), nil
	}
	return 0, fmt.Errorf("option %s: expected a number of seconds, got %T", key, v)
}
