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
	"io/fs"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/gravwell/vinegar/datasource"
	"github.com/gravwell/vinegar/httpserver"
	"github.com/gravwell/vinegar/log"
	"github.com/gravwell/vinegar/odict"
	"github.com/gravwell/vinegar/template"
	"github.com/gravwell/vinegar/tftp"
	"github.com/gravwell/vinegar/transform"
	"github.com/gravwell/vinegar/utils"
)

const (
	FileHandlerName = `file`

	// SystemIDLookupKey makes the transformed lookup value the system ID
	// instead of resolving it through the data source.
	SystemIDLookupKey = `:system_id:`

	defaultPlaceholder = `...`

	actionError    = `error`
	actionIgnore   = `ignore`
	actionWarn     = `warn`
	actionNotFound = `not_found`
	actionContinue = `continue`

	contentTypeBinary = `application/octet-stream`
	contentTypeText   = `text/plain; charset=UTF-8`
)

func init() {
	RegisterHTTP(FileHandlerName, NewHTTPFileHandler)
	RegisterTFTP(FileHandlerName, NewTFTPFileHandler)
}

// fileHandlerBase carries the behavior shared by the HTTP and TFTP file
// handlers: request-path matching, lookup-value extraction, data-source
// queries, and producing the response stream.
type fileHandlerBase struct {
	lg                    *log.Logger
	dataSource            datasource.DataSource
	dataSourceErrorAction string
	lookupNoResultAction  string
	file                  string
	rootDir               string
	engine                template.Engine

	lookupKey          string
	lookupTransform    transform.Chain
	extractLookupValue bool
	prefixSegments     []string
	placeholderPrefix  string
	placeholderSuffix  string
	suffixSegments     []string
}

// matchContext is the per-request context shared between CanHandle and
// Handle.
type matchContext struct {
	matches        bool
	extraPath      string
	lookupRawValue string
}

func newFileHandlerBase(config *odict.Map, lg *log.Logger) (*fileHandlerBase, error) {
	b := &fileHandlerBase{
		lg: lg,
	}
	var err error
	if b.dataSourceErrorAction, err = config.GetString(`data_source_error_action`, actionError); err != nil {
		return nil, err
	}
	switch b.dataSourceErrorAction {
	case actionError, actionIgnore, actionWarn:
	default:
		return nil, fmt.Errorf("invalid data_source_error_action %q, action must be one of \"error\", \"ignore\", \"warn\"", b.dataSourceErrorAction)
	}
	if b.lookupNoResultAction, err = config.GetString(`lookup_no_result_action`, actionNotFound); err != nil {
		return nil, err
	}
	switch b.lookupNoResultAction {
	case actionContinue, actionNotFound:
	default:
		return nil, fmt.Errorf("invalid lookup_no_result_action %q, action must be one of \"continue\", \"not_found\"", b.lookupNoResultAction)
	}
	if b.file, err = config.GetString(`file`, ``); err != nil {
		return nil, err
	}
	if b.rootDir, err = config.GetString(`root_dir`, ``); err != nil {
		return nil, err
	}
	if b.file == `` && b.rootDir == `` {
		return nil, errors.New("either the file or the root_dir configuration option needs to be set")
	}
	if b.file != `` && b.rootDir != `` {
		return nil, errors.New("only one of the file and the root_dir configuration options must be set")
	}
	engineName, err := config.GetString(`template`, ``)
	if err != nil {
		return nil, err
	}
	if engineName != `` {
		engineConfig, err := config.GetMap(`template_config`)
		if err != nil {
			return nil, err
		}
		if b.engine, err = template.GetEngine(engineName, engineConfig); err != nil {
			return nil, err
		}
	}
	if err = b.initRequestPath(config); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *fileHandlerBase) initRequestPath(config *odict.Map) error {
	requestPath, err := config.GetString(`request_path`, ``)
	if err != nil {
		return err
	}
	if requestPath == `` {
		return errors.New("the request_path configuration option is mandatory")
	}
	if !strings.HasPrefix(requestPath, `/`) {
		return fmt.Errorf("invalid request path %q: the request path must start with a \"/\"", requestPath)
	}
	if requestPath != `/` && strings.HasSuffix(requestPath, `/`) {
		return fmt.Errorf("invalid request path %q: the request path must not end with a \"/\"", requestPath)
	}
	// The special request path "/" becomes the empty string, so the
	// leading "/" of an actual request turns into the extra path.
	if requestPath == `/` {
		requestPath = ``
	}
	if b.lookupKey, err = config.GetString(`lookup_key`, ``); err != nil {
		return err
	}
	placeholder, err := config.GetString(`lookup_value_placeholder`, defaultPlaceholder)
	if err != nil {
		return err
	}
	chainRaw, _ := config.Get(`lookup_value_transform`)
	if b.lookupTransform, err = transform.ParseChain(chainRaw); err != nil {
		return err
	}
	if b.lookupKey == `` {
		b.prefixSegments = strings.Split(requestPath, `/`)
		return nil
	}
	// With a lookup key, exactly one placeholder in exactly one segment
	// marks where the lookup value appears.
	b.extractLookupValue = true
	segments := strings.Split(requestPath, `/`)
	placeholderIndex := -1
	for i, segment := range segments {
		if strings.Contains(segment, placeholder) {
			if placeholderIndex >= 0 {
				return fmt.Errorf("request path %q contains placeholder %q more than once", requestPath, placeholder)
			}
			placeholderIndex = i
		}
	}
	if placeholderIndex < 0 {
		return fmt.Errorf("request path %q does not contain placeholder %q", requestPath, placeholder)
	}
	parts := strings.Split(segments[placeholderIndex], placeholder)
	if len(parts) > 2 {
		return fmt.Errorf("request path %q contains placeholder %q more than once", requestPath, placeholder)
	}
	b.prefixSegments = segments[:placeholderIndex]
	b.placeholderPrefix = parts[0]
	b.placeholderSuffix = parts[1]
	b.suffixSegments = segments[placeholderIndex+1:]
	return nil
}

func (b *fileHandlerBase) canHandle(ctx interface{}) bool {
	mc, ok := ctx.(*matchContext)
	return ok && mc.matches
}

// prepareContext runs the request-path matching algorithm: URL-decode
// once, match the configured prefix segments, extract the lookup value
// from the placeholder segment, match the suffix segments, and treat any
// remaining segments as the extra path.
func (b *fileHandlerBase) prepareContext(requestPath string) *matchContext {
	ctx := &matchContext{}
	// A null byte, raw or URL encoded, never matches.
	if strings.Contains(requestPath, "\x00") || strings.Contains(requestPath, `%00`) {
		return ctx
	}
	path := requestPath
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	if decoded, err := url.PathUnescape(path); err == nil {
		path = decoded
	}
	if strings.Contains(path, "\x00") {
		return ctx
	}
	// Special case: both the configured and the actual request path are
	// "/" and the handler serves a single file. The generic logic would
	// fail on it because the actual path produces two empty segments.
	if path == `/` && len(b.prefixSegments) == 1 && b.prefixSegments[0] == `` &&
		!b.extractLookupValue && b.file != `` {
		ctx.matches = true
		return ctx
	}
	segments := strings.Split(path, `/`)
	if len(segments) < len(b.prefixSegments) {
		return ctx
	}
	for i, expected := range b.prefixSegments {
		if expected != segments[i] {
			return ctx
		}
	}
	segments = segments[len(b.prefixSegments):]
	if b.extractLookupValue {
		if len(segments) == 0 {
			return ctx
		}
		valueSegment := segments[0]
		if !strings.HasPrefix(valueSegment, b.placeholderPrefix) ||
			!strings.HasSuffix(valueSegment, b.placeholderSuffix) {
			return ctx
		}
		segments = segments[1:]
		if len(segments) < len(b.suffixSegments) {
			return ctx
		}
		for i, expected := range b.suffixSegments {
			if expected != segments[i] {
				return ctx
			}
		}
		segments = segments[len(b.suffixSegments):]
		rawValue := valueSegment[len(b.placeholderPrefix):]
		if b.placeholderSuffix != `` {
			if len(rawValue) < len(b.placeholderSuffix) {
				return ctx
			}
			rawValue = rawValue[:len(rawValue)-len(b.placeholderSuffix)]
		}
		// An empty lookup value is not a match.
		if rawValue == `` {
			return ctx
		}
		ctx.lookupRawValue = rawValue
	}
	if len(segments) > 0 {
		// In file mode there must not be any extra path segments.
		if b.file != `` {
			return ctx
		}
		ctx.extraPath = `/` + strings.Join(segments, `/`)
	} else if b.rootDir != `` {
		// In directory mode the extra path names the file to serve,
		// without it there is nothing to serve.
		return ctx
	}
	ctx.matches = true
	return ctx
}

var (
	errHandlerNotFound  = errors.New("requested file does not exist")
	errHandlerForbidden = errors.New("access to the requested file is forbidden")
)

// handle produces the response stream. It returns the stream together
// with the path of the served file; a nil stream with errHandlerNotFound
// or errHandlerForbidden selects the protocol error to send.
func (b *fileHandlerBase) handle(ctx *matchContext) (io.ReadCloser, string, error) {
	var file string
	if b.rootDir != `` {
		file = translatePath(b.rootDir, ctx.extraPath)
		if file == `` {
			return nil, ``, errHandlerNotFound
		}
	} else {
		file = b.file
	}
	var systemID string
	var haveSystemID bool
	var data *odict.Map
	var haveData bool
	if b.extractLookupValue {
		lookupValue, err := b.lookupTransform.ApplyChain(ctx.lookupRawValue)
		if err != nil {
			return nil, ``, err
		}
		if b.lookupKey == SystemIDLookupKey {
			// The transformed value is the system ID itself.
			if s, ok := lookupValue.(string); ok {
				systemID = s
			} else {
				systemID = fmt.Sprintf("%v", lookupValue)
			}
			haveSystemID = systemID != ``
		} else {
			systemID, haveSystemID, err = b.findSystem(b.lookupKey, lookupValue)
			if err != nil {
				return nil, ``, err
			}
		}
		if !haveSystemID {
			if b.lookupNoResultAction == actionNotFound {
				return nil, ``, errHandlerNotFound
			}
		} else if b.engine != nil {
			// Without a template engine the data would never be used, so
			// it is not even retrieved.
			if data, haveData, err = b.systemData(systemID); err != nil {
				return nil, ``, err
			}
		}
	}
	if b.engine == nil {
		f, err := os.Open(file)
		if err != nil {
			return nil, file, mapFileError(err)
		}
		if fi, serr := f.Stat(); serr == nil && fi.IsDir() {
			f.Close()
			return nil, file, errHandlerNotFound
		}
		return f, file, nil
	}
	// Rendering results are not cached: the same file is rarely requested
	// repeatedly for the same system.
	tctx := template.Context{}
	if haveSystemID {
		tctx.ID = systemID
	}
	if haveData {
		tctx.Data = utils.NewSmartLookup(data)
	}
	rendered, err := b.engine.Render(file, tctx)
	if err != nil {
		return nil, file, mapFileError(err)
	}
	return newMemoryFile([]byte(rendered)), file, nil
}

func (b *fileHandlerBase) findSystem(lookupKey string, lookupValue interface{}) (string, bool, error) {
	if b.dataSource == nil {
		return ``, false, nil
	}
	systemID, err := b.dataSource.FindSystem(lookupKey, lookupValue)
	if err != nil {
		if b.dataSourceErrorAction == actionError {
			return ``, false, err
		}
		if b.dataSourceErrorAction == actionWarn {
			b.lg.Warn("data source lookup failed, treated as no result",
				log.KV("lookupkey", lookupKey), log.KVErr(err))
		}
		return ``, false, nil
	}
	return systemID, systemID != ``, nil
}

func (b *fileHandlerBase) systemData(systemID string) (*odict.Map, bool, error) {
	if b.dataSource == nil {
		return nil, false, nil
	}
	data, _, err := b.dataSource.GetData(systemID, odict.NewMap(), ``)
	if err != nil {
		if b.dataSourceErrorAction == actionError {
			return nil, false, err
		}
		if b.dataSourceErrorAction == actionWarn {
			b.lg.Warn("retrieving system data failed, continuing without data",
				log.KV("systemid", systemID), log.KVErr(err))
		}
		return nil, false, nil
	}
	return data, true, nil
}

func mapFileError(err error) error {
	switch {
	case errors.Is(err, fs.ErrNotExist), errors.Is(err, template.ErrTemplateNotFound):
		return errHandlerNotFound
	case errors.Is(err, fs.ErrPermission):
		return errHandlerForbidden
	}
	return err
}

// translatePath maps the extra path of a request onto a file below the
// root directory. Anything that smells like path traversal resolves to
// nothing: dot and dot-dot segments, backslashes (on all platforms), and
// percent-encoded separators, dots, or nulls that would only become
// dangerous if decoded a second time.
func translatePath(rootDir, extraPath string) string {
	if strings.Contains(extraPath, "\x00") {
		return ``
	}
	lower := strings.ToLower(extraPath)
	for _, encoded := range []string{`%2f`, `%5c`, `%2e`, `%00`, `%25`} {
		if strings.Contains(lower, encoded) {
			return ``
		}
	}
	if strings.Contains(extraPath, `\`) {
		return ``
	}
	if extraPath == `` || strings.HasSuffix(extraPath, `/`) {
		return ``
	}
	segments := strings.Split(extraPath, `/`)
	cleaned := make([]string, 0, len(segments))
	for _, segment := range segments {
		if segment == `` {
			continue
		}
		if segment == `.` || segment == `..` {
			return ``
		}
		cleaned = append(cleaned, segment)
	}
	if len(cleaned) == 0 {
		return ``
	}
	fsPath := filepath.Join(append([]string{rootDir}, cleaned...)...)
	fsPath = filepath.Clean(fsPath)
	// Redundant with the checks above, but cheap to keep.
	if !strings.HasPrefix(fsPath, filepath.Clean(rootDir)) {
		return ``
	}
	return fsPath
}

// HTTPFileHandler serves files over HTTP, optionally rendered through a
// template engine and parameterized by system identity.
type HTTPFileHandler struct {
	*fileHandlerBase
	contentType    string
	contentTypeMap *odict.Map
}

// NewHTTPFileHandler creates the HTTP flavor of the file handler.
func NewHTTPFileHandler(config *odict.Map, lg *log.Logger) (httpserver.RequestHandler, error) {
	base, err := newFileHandlerBase(config, lg)
	if err != nil {
		return nil, err
	}
	h := &HTTPFileHandler{
		fileHandlerBase: base,
	}
	if h.contentType, err = config.GetString(`content_type`, ``); err != nil {
		return nil, err
	}
	if h.contentType == `` {
		if base.engine != nil {
			h.contentType = contentTypeText
		} else {
			h.contentType = contentTypeBinary
		}
	}
	if h.contentTypeMap, err = config.GetMap(`content_type_map`); err != nil {
		return nil, err
	}
	if h.contentTypeMap != nil && h.contentTypeMap.Len() > 0 && base.file != `` {
		return nil, errors.New("the content_type_map must be empty when operating in file mode")
	}
	return h, nil
}

// SetDataSource injects the data source used for lookups.
func (h *HTTPFileHandler) SetDataSource(source datasource.DataSource) {
	h.dataSource = source
}

func (h *HTTPFileHandler) PrepareContext(path string) interface{} {
	return h.prepareContext(path)
}

func (h *HTTPFileHandler) CanHandle(_ string, ctx interface{}) bool {
	return h.canHandle(ctx)
}

func (h *HTTPFileHandler) Handle(ri *httpserver.RequestInfo, _ io.Reader, ctx interface{}) (httpserver.Response, error) {
	mc, ok := ctx.(*matchContext)
	if !ok {
		return httpserver.Response{Status: http.StatusInternalServerError}, errors.New("invalid request context")
	}
	if ri.Method != http.MethodGet && ri.Method != http.MethodHead {
		return httpserver.Response{Status: http.StatusMethodNotAllowed}, nil
	}
	body, filePath, err := h.handle(mc)
	if err != nil {
		switch {
		case errors.Is(err, errHandlerNotFound):
			return httpserver.Response{Status: http.StatusNotFound}, nil
		case errors.Is(err, errHandlerForbidden):
			return httpserver.Response{Status: http.StatusForbidden}, nil
		}
		return httpserver.Response{}, err
	}
	headers := map[string]string{
		`Content-Type`: h.resolveContentType(filePath),
	}
	if ri.Method == http.MethodHead {
		body.Close()
		body = nil
	}
	return httpserver.Response{
		Status:  http.StatusOK,
		Headers: headers,
		Body:    body,
	}, nil
}

// resolveContentType picks the Content-Type in directory mode: exact file
// name first, then the extension, then the configured default. In file
// mode the configured default is used directly.
func (h *HTTPFileHandler) resolveContentType(filePath string) string {
	if h.rootDir == `` || h.contentTypeMap == nil {
		return h.contentType
	}
	basename := filepath.Base(filePath)
	if v, ok := h.contentTypeMap.Get(basename); ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	if i := strings.LastIndexByte(basename, '.'); i >= 0 {
		if v, ok := h.contentTypeMap.Get(basename[i:]); ok {
			if s, ok := v.(string); ok {
				return s
			}
		}
	}
	return h.contentType
}

// TFTPFileHandler serves files over TFTP, optionally rendered through a
// template engine and parameterized by system identity.
type TFTPFileHandler struct {
	*fileHandlerBase
}

// NewTFTPFileHandler creates the TFTP flavor of the file handler.
func NewTFTPFileHandler(config *odict.Map, lg *log.Logger) (tftp.RequestHandler, error) {
	base, err := newFileHandlerBase(config, lg)
	if err != nil {
		return nil, err
	}
	// TFTP has no notion of an index file; together with the automatic
	// leading slash, a "/" request path in file mode would match requests
	// with an empty filename.
	requestPath, _ := config.GetString(`request_path`, ``)
	if requestPath == `/` && base.file != `` {
		return nil, errors.New("a request path of \"/\" cannot be used in file mode")
	}
	return &TFTPFileHandler{
		fileHandlerBase: base,
	}, nil
}

// SetDataSource injects the data source used for lookups.
func (h *TFTPFileHandler) SetDataSource(source datasource.DataSource) {
	h.dataSource = source
}

// rewriteFilename adds the leading slash TFTP requests may omit.
func rewriteFilename(filename string) string {
	if strings.HasPrefix(filename, `/`) || strings.HasPrefix(filename, `%2f`) {
		return filename
	}
	return `/` + filename
}

func (h *TFTPFileHandler) PrepareContext(filename string) interface{} {
	return h.prepareContext(rewriteFilename(filename))
}

func (h *TFTPFileHandler) CanHandle(_ string, ctx interface{}) bool {
	return h.canHandle(ctx)
}

func (h *TFTPFileHandler) Handle(_ string, _ *net.UDPAddr, ctx interface{}) (io.ReadCloser, error) {
	mc, ok := ctx.(*matchContext)
	if !ok {
		return nil, errors.New("invalid request context")
	}
	body, _, err := h.handle(mc)
	if err != nil {
		switch {
		case errors.Is(err, errHandlerNotFound):
			return nil, &tftp.Error{Code: tftp.ErrFileNotFound}
		case errors.Is(err, errHandlerForbidden):
			return nil, &tftp.Error{Code: tftp.ErrAccessViolation}
		}
		return nil, err
	}
	return body, nil
}
