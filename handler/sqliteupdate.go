/*************************************************************************
 * Copyright 2025 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package handler

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/goccy/go-json"

	"github.com/gravwell/vinegar/datasource"
	"github.com/gravwell/vinegar/httpserver"
	"github.com/gravwell/vinegar/log"
	"github.com/gravwell/vinegar/odict"
	"github.com/gravwell/vinegar/sqlitestore"
	"github.com/gravwell/vinegar/utils"
)

const (
	SQLiteUpdateHandlerName = `sqlite_update`

	actionDeleteData   = `delete_data`
	actionDeleteValue  = `delete_value`
	actionSetValue     = `set_value`
	actionSetJSONBody  = `set_json_value_from_request_body`
	actionSetTextBody  = `set_text_value_from_request_body`
	maxUpdateBodyBytes = 1024 * 1024
)

func init() {
	RegisterHTTP(SQLiteUpdateHandlerName, NewSQLiteUpdateHandler)
}

// SQLiteUpdateHandler is a POST-only endpoint that mutates the SQLite data
// store for the system named by the request path. Access can be limited to
// clients whose IP address appears in a per-system allowlist, a static
// list, or the union of both.
type SQLiteUpdateHandler struct {
	lg               *log.Logger
	requestPath      string
	action           string
	key              string
	value            interface{}
	clientAddressKey string
	clientAddresses  []string
	dataSource       datasource.DataSource
	store            *sqlitestore.Store
}

// updateContext is the per-request context shared between CanHandle and
// Handle.
type updateContext struct {
	matches  bool
	systemID string
}

// NewSQLiteUpdateHandler creates a sqlite_update request handler from its
// configuration block.
func NewSQLiteUpdateHandler(config *odict.Map, lg *log.Logger) (httpserver.RequestHandler, error) {
	h := &SQLiteUpdateHandler{
		lg: lg,
	}
	var err error
	if h.requestPath, err = config.GetString(`request_path`, ``); err != nil {
		return nil, err
	}
	if !strings.HasPrefix(h.requestPath, `/`) {
		return nil, fmt.Errorf("invalid request path %q: the request path must start with a \"/\"", h.requestPath)
	}
	// The request path is a prefix; everything after its trailing slash
	// is the system ID.
	if !strings.HasSuffix(h.requestPath, `/`) {
		h.requestPath += `/`
	}
	if h.action, err = config.GetString(`action`, ``); err != nil {
		return nil, err
	}
	switch h.action {
	case actionDeleteData, actionDeleteValue, actionSetValue, actionSetJSONBody, actionSetTextBody:
	default:
		return nil, fmt.Errorf("invalid action %q, action must be one of \"delete_data\", \"delete_value\", \"set_value\", \"set_json_value_from_request_body\", \"set_text_value_from_request_body\"", h.action)
	}
	if h.action != actionDeleteData {
		if h.key, err = config.GetString(`key`, ``); err != nil {
			return nil, err
		}
		if h.key == `` {
			return nil, fmt.Errorf("the key configuration option is mandatory for action %q", h.action)
		}
	}
	if h.action == actionSetValue {
		var ok bool
		if h.value, ok = config.Get(`value`); !ok {
			return nil, errors.New("the value configuration option is mandatory for action \"set_value\"")
		}
	}
	if h.clientAddressKey, err = config.GetString(`client_address_key`, ``); err != nil {
		return nil, err
	}
	if raw, ok := config.Get(`client_address_list`); ok && raw != nil {
		list, ok := raw.([]interface{})
		if !ok {
			return nil, fmt.Errorf("option client_address_list: expected a list, got %T", raw)
		}
		for _, item := range list {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("option client_address_list: expected strings, got %T", item)
			}
			h.clientAddresses = append(h.clientAddresses, s)
		}
	}
	dbFile, err := config.GetString(`db_file`, ``)
	if err != nil {
		return nil, err
	} else if dbFile == `` {
		return nil, errors.New("the db_file configuration option is mandatory")
	}
	if h.store, err = sqlitestore.Open(dbFile); err != nil {
		return nil, err
	}
	return h, nil
}

// SetDataSource injects the data source used for the per-system
// allowlist.
func (h *SQLiteUpdateHandler) SetDataSource(source datasource.DataSource) {
	h.dataSource = source
}

// Close closes the backing data store. Mainly useful for tests that
// rapidly create and discard handlers.
func (h *SQLiteUpdateHandler) Close() error {
	return h.store.Close()
}

func (h *SQLiteUpdateHandler) PrepareContext(path string) interface{} {
	ctx := &updateContext{}
	if strings.Contains(path, "\x00") || strings.Contains(path, `%00`) {
		return ctx
	}
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	if decoded, err := url.PathUnescape(path); err == nil {
		path = decoded
	}
	if strings.HasPrefix(path, h.requestPath) {
		systemID := path[len(h.requestPath):]
		if systemID != `` {
			ctx.matches = true
			ctx.systemID = systemID
		}
	}
	return ctx
}

func (h *SQLiteUpdateHandler) CanHandle(_ string, ctx interface{}) bool {
	uc, ok := ctx.(*updateContext)
	return ok && uc.matches
}

func (h *SQLiteUpdateHandler) Handle(ri *httpserver.RequestInfo, body io.Reader, ctx interface{}) (httpserver.Response, error) {
	uc, ok := ctx.(*updateContext)
	if !ok {
		return httpserver.Response{Status: http.StatusInternalServerError}, errors.New("invalid request context")
	}
	// Updates change state, so only POST is allowed; GET semantics demand
	// idempotence.
	if ri.Method != http.MethodPost {
		return httpserver.Response{Status: http.StatusMethodNotAllowed}, nil
	}
	allowed, err := h.clientAllowed(uc.systemID, ri.ClientAddress)
	if err != nil {
		return httpserver.Response{}, err
	}
	if !allowed {
		return httpserver.Response{Status: http.StatusForbidden}, nil
	}
	switch h.action {
	case actionDeleteData:
		err = h.store.DeleteData(uc.systemID)
	case actionDeleteValue:
		err = h.store.DeleteValue(uc.systemID, h.key)
	case actionSetValue:
		err = h.store.SetValue(uc.systemID, h.key, h.value)
	case actionSetJSONBody:
		raw, berr := h.readBody(ri, body)
		if berr != nil {
			return httpserver.Response{Status: http.StatusBadRequest}, nil
		}
		var value interface{}
		if jerr := json.Unmarshal(raw, &value); jerr != nil {
			return httpserver.Response{Status: http.StatusBadRequest}, nil
		}
		err = h.store.SetValue(uc.systemID, h.key, value)
	case actionSetTextBody:
		raw, berr := h.readBody(ri, body)
		if berr != nil || !utf8.Valid(raw) {
			return httpserver.Response{Status: http.StatusBadRequest}, nil
		}
		err = h.store.SetValue(uc.systemID, h.key, string(raw))
	default:
		err = fmt.Errorf("unimplemented action: %s", h.action)
	}
	if err != nil {
		return httpserver.Response{}, err
	}
	// The reply is not empty because curl considers an empty reply an
	// error.
	return httpserver.Response{
		Status: http.StatusOK,
		Headers: map[string]string{
			`Content-Type`: contentTypeText,
		},
		Body: newMemoryFile([]byte("success\n")),
	}, nil
}

func (h *SQLiteUpdateHandler) readBody(ri *httpserver.RequestInfo, body io.Reader) ([]byte, error) {
	length := 0
	if cl := ri.Headers.Get(`Content-Length`); cl != `` {
		v, err := strconv.Atoi(cl)
		if err != nil || v < 0 {
			return nil, errors.New("invalid Content-Length")
		}
		length = v
	}
	if length > maxUpdateBodyBytes {
		return nil, errors.New("request body too large")
	}
	raw := make([]byte, length)
	if _, err := io.ReadFull(body, raw); err != nil {
		return nil, err
	}
	return raw, nil
}

// clientAllowed evaluates the access restrictions. Without any configured
// restriction every client is allowed. The per-system allowlist from the
// data tree and the static list combine by union.
func (h *SQLiteUpdateHandler) clientAllowed(systemID, clientAddress string) (bool, error) {
	if h.clientAddressKey == `` && len(h.clientAddresses) == 0 {
		return true, nil
	}
	var expected []string
	if h.clientAddressKey != `` {
		if h.dataSource == nil {
			return false, errors.New("client_address_key is set but no data source is available")
		}
		data, _, err := h.dataSource.GetData(systemID, odict.NewMap(), ``)
		if err != nil {
			return false, err
		}
		value := utils.NewSmartLookup(data).Get(h.clientAddressKey)
		switch v := value.(type) {
		case nil:
		case string:
			expected = append(expected, v)
		case []interface{}:
			for _, item := range v {
				if s, ok := item.(string); ok {
					expected = append(expected, s)
				}
			}
		case *odict.Set:
			for _, item := range v.Values() {
				if s, ok := item.(string); ok {
					expected = append(expected, s)
				}
			}
		}
	}
	expected = append(expected, h.clientAddresses...)
	return utils.ContainsIPAddress(expected, clientAddress), nil
}
