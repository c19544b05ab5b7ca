/*************************************************************************
 * Copyright 2025 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package template

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/open2b/scriggo"
	"github.com/open2b/scriggo/native"

	"github.com/gravwell/vinegar/odict"
	"github.com/gravwell/vinegar/transform"
	"github.com/gravwell/vinegar/utils"
)

const templateCacheSize = 128

func init() {
	Register(`scriggo`, NewScriggoEngine)
	// The unqualified engine name resolves to the builtin engine.
	Register(`default`, NewScriggoEngine)
}

// ScriggoEngine renders template files with the scriggo template language.
// Compiled templates are cached together with the versions of every file
// that contributed to the build, so a change to a template or one of its
// included files always triggers a rebuild.
type ScriggoEngine struct {
	rootDir      string
	cacheEnabled bool
	cache        *lru.Cache[string, *compiledTemplate]
	globals      native.Declarations
}

type compiledTemplate struct {
	tpl *scriggo.Template
	// sources maps every file read during the build to its version at
	// build time.
	sources map[string]string
}

// NewScriggoEngine creates the builtin template engine.
//
// Supported configuration options: cache_enabled (default true), root_dir
// (template names resolve against it when set), and
// provide_transform_functions (default true, exposes the transform helper
// to template code).
func NewScriggoEngine(config *odict.Map) (Engine, error) {
	cacheEnabled, err := config.GetBool(`cache_enabled`, true)
	if err != nil {
		return nil, err
	}
	rootDir, err := config.GetString(`root_dir`, ``)
	if err != nil {
		return nil, err
	}
	provideTransform, err := config.GetBool(`provide_transform_functions`, true)
	if err != nil {
		return nil, err
	}
	if rootDir != `` {
		if rootDir, err = filepath.Abs(rootDir); err != nil {
			return nil, err
		}
	}
	e := &ScriggoEngine{
		rootDir:      rootDir,
		cacheEnabled: cacheEnabled,
	}
	e.cache, _ = lru.New[string, *compiledTemplate](templateCacheSize)
	e.globals = native.Declarations{
		`id`:   (*string)(nil),
		`data`: (**utils.SmartLookup)(nil),
	}
	if provideTransform {
		e.globals[`transform`] = transformHelper
	}
	return e, nil
}

// transformHelper exposes the transformation functions to template code:
// transform("string.to_upper", value). Extra arguments become positional
// arguments of the transformation. Failures abort the render.
func transformHelper(name string, value interface{}, args ...interface{}) interface{} {
	r, err := transform.Apply(name, value, transform.NewArgs(args, nil))
	if err != nil {
		panic(err)
	}
	return r
}

func (e *ScriggoEngine) Render(path string, ctx Context) (string, error) {
	name, err := e.resolve(path)
	if err != nil {
		return ``, err
	}
	tpl, err := e.compiled(name)
	if err != nil {
		return ``, err
	}
	vars := map[string]interface{}{
		`id`:   ctx.ID,
		`data`: ctx.Data,
	}
	var out strings.Builder
	if err = tpl.tpl.Run(&out, vars, nil); err != nil {
		return ``, &RenderError{Path: path, Err: err}
	}
	return out.String(), nil
}

// resolve turns the template path into the absolute file path used as the
// cache key.
func (e *ScriggoEngine) resolve(path string) (string, error) {
	if e.rootDir != `` && !filepath.IsAbs(path) {
		path = filepath.Join(e.rootDir, path)
	}
	return filepath.Abs(path)
}

func (e *ScriggoEngine) compiled(name string) (*compiledTemplate, error) {
	if e.cacheEnabled {
		if entry, ok := e.cache.Get(name); ok && entry.current() {
			return entry, nil
		}
	}
	entry, err := e.build(name)
	if err != nil {
		return nil, err
	}
	if e.cacheEnabled {
		e.cache.Add(name, entry)
	}
	return entry, nil
}

func (e *ScriggoEngine) build(name string) (*compiledTemplate, error) {
	fsys := &recordingFS{
		sources: make(map[string]string),
	}
	opts := scriggo.BuildOptions{
		Globals: e.globals,
	}
	// The scriggo fs.FS contract wants slash-separated paths without a
	// leading separator.
	fsName := strings.TrimPrefix(filepath.ToSlash(name), `/`)
	tpl, err := scriggo.BuildTemplate(fsys, fsName, &opts)
	if err != nil {
		switch {
		case errors.Is(err, fs.ErrNotExist):
			return nil, fmt.Errorf("%w: %s", ErrTemplateNotFound, name)
		case errors.Is(err, fs.ErrPermission):
			return nil, fmt.Errorf("template %s: %w", name, fs.ErrPermission)
		}
		return nil, &RenderError{Path: name, Err: err}
	}
	return &compiledTemplate{
		tpl:     tpl,
		sources: fsys.snapshot(),
	}, nil
}

// current reports whether every file that contributed to the build still
// has its build-time version.
func (ct *compiledTemplate) current() bool {
	for path, version := range ct.sources {
		if utils.VersionForFile(path) != version {
			return false
		}
	}
	return true
}

// recordingFS exposes the host file system rooted at "/" and records the
// version of every file it serves, so the template cache can later check
// whether any contributing file has changed. All files are treated as text
// templates regardless of their extension.
type recordingFS struct {
	mtx     sync.Mutex
	sources map[string]string
}

func (r *recordingFS) Open(name string) (fs.File, error) {
	path := string(filepath.Separator) + filepath.FromSlash(name)
	r.mtx.Lock()
	if _, ok := r.sources[path]; !ok {
		r.sources[path] = utils.VersionForFile(path)
	}
	r.mtx.Unlock()
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	// A directory is treated like a missing template, consistent with the
	// file handler rejecting trailing-slash paths.
	if fi, serr := f.Stat(); serr == nil && fi.IsDir() {
		f.Close()
		return nil, &fs.PathError{Op: `open`, Path: name, Err: fs.ErrNotExist}
	}
	return f, nil
}

func (r *recordingFS) Format(name string) (scriggo.Format, error) {
	return scriggo.FormatText, nil
}

func (r *recordingFS) snapshot() map[string]string {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	m := make(map[string]string, len(r.sources))
	for k, v := range r.sources {
		m[k] = v
	}
	return m
}
