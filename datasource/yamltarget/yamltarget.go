/*************************************************************************
 * Copyright 2025 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package yamltarget provides the pattern-targeting YAML data source. A
// top.yaml file in the root directory maps pattern expressions to lists of
// data files; the files matching a system are rendered through the
// template engine, parsed, and deep-merged into the system's configuration
// tree. Files can pull in further files through an include key.
//
// Because systems are identified by patterns, this source cannot answer
// reverse lookups, FindSystem always reports no match.
package yamltarget

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/gravwell/vinegar/datasource"
	"github.com/gravwell/vinegar/log"
	"github.com/gravwell/vinegar/matcher"
	"github.com/gravwell/vinegar/odict"
	"github.com/gravwell/vinegar/template"
	"github.com/gravwell/vinegar/utils"
)

const SourceName = `yaml_target`

const (
	topFileName     = `top.yaml`
	includeKey      = `include`
	defaultCacheLen = 64
)

var (
	ErrEmptyTop      = errors.New("top file is empty")
	ErrRecursionLoop = errors.New("recursion loop detected")
)

func init() {
	datasource.Register(SourceName, NewSource)
}

// Source is the YAML targeting data source.
type Source struct {
	lg            *log.Logger
	rootDir       string
	topFile       string
	allowEmptyTop bool
	mergeLists    bool
	mergeSets     bool
	engine        template.Engine
	cache         *lru.Cache[string, *cacheEntry]
}

type cacheEntry struct {
	data             *odict.Map
	dataVersion      string
	precedingVersion string
	sources          *sourceSet
}

// sourceSet records the files that contributed to a compiled tree together
// with their versions, preserving the order in which they were recorded.
type sourceSet struct {
	order    []string
	versions map[string]string
}

func newSourceSet() *sourceSet {
	return &sourceSet{
		versions: make(map[string]string),
	}
}

// add records the current version of a file. If the file was recorded
// before with a different version, it changed while the tree was being
// compiled; the stored version is poisoned so the next validity check
// fails and forces a rebuild.
func (ss *sourceSet) add(path string) {
	version := utils.VersionForFile(path)
	if existing, ok := ss.versions[path]; ok {
		if existing != version {
			ss.versions[path] = ``
		}
		return
	}
	ss.versions[path] = version
	ss.order = append(ss.order, path)
}

func (ss *sourceSet) current() bool {
	for _, path := range ss.order {
		if utils.VersionForFile(path) != ss.versions[path] {
			return false
		}
	}
	return true
}

func (ss *sourceSet) versionList() []string {
	r := make([]string, 0, len(ss.order))
	for _, path := range ss.order {
		r = append(r, ss.versions[path])
	}
	return r
}

// NewSource creates a YAML targeting data source from its configuration
// block.
func NewSource(config *odict.Map, lg *log.Logger) (datasource.DataSource, error) {
	s := &Source{
		lg: lg,
	}
	rootDir, err := config.GetString(`root_dir`, ``)
	if err != nil {
		return nil, err
	} else if rootDir == `` {
		return nil, errors.New("the root_dir configuration option is mandatory")
	}
	if s.rootDir, err = filepath.Abs(rootDir); err != nil {
		return nil, err
	}
	s.topFile = filepath.Join(s.rootDir, topFileName)
	if s.allowEmptyTop, err = config.GetBool(`allow_empty_top`, false); err != nil {
		return nil, err
	}
	if s.mergeLists, err = config.GetBool(`merge_lists`, false); err != nil {
		return nil, err
	}
	if s.mergeSets, err = config.GetBool(`merge_sets`, true); err != nil {
		return nil, err
	}
	cacheSize, err := config.GetInt(`cache_size`, defaultCacheLen)
	if err != nil {
		return nil, err
	}
	if cacheSize > 0 {
		s.cache, _ = lru.New[string, *cacheEntry](cacheSize)
	}
	engineName, err := config.GetString(`template`, `scriggo`)
	if err != nil {
		return nil, err
	}
	// An explicit null disables templating entirely.
	if v, ok := config.Get(`template`); ok && v == nil {
		engineName = ``
	}
	if engineName != `` {
		engineConfig, err := config.GetMap(`template_config`)
		if err != nil {
			return nil, err
		}
		if s.engine, err = template.GetEngine(engineName, engineConfig); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// FindSystem always reports no match, patterns cannot be inverted.
func (s *Source) FindSystem(string, interface{}) (string, error) {
	return ``, nil
}

func (s *Source) GetData(systemID string, precedingData *odict.Map, precedingDataVersion string) (*odict.Map, string, error) {
	if s.cache != nil {
		if entry, ok := s.cache.Get(systemID); ok {
			if entry.precedingVersion == precedingDataVersion && entry.sources.current() {
				return entry.data, entry.dataVersion, nil
			}
		}
	}
	sources := newSourceSet()
	data, err := s.compileData(sources, systemID, precedingData)
	if err != nil {
		return nil, ``, err
	}
	// The result depends on the preceding data and on every file that was
	// read, so the version aggregates all of them.
	dataVersion := utils.AggregateVersion(append([]string{precedingDataVersion}, sources.versionList()...))
	if s.cache != nil {
		s.cache.Add(systemID, &cacheEntry{
			data:             data,
			dataVersion:      dataVersion,
			precedingVersion: precedingDataVersion,
			sources:          sources,
		})
	}
	return data, dataVersion, nil
}

func (s *Source) compileData(sources *sourceSet, systemID string, precedingData *odict.Map) (*odict.Map, error) {
	sources.add(s.topFile)
	dataFiles, err := s.processTop(systemID, precedingData)
	if err != nil {
		return nil, err
	}
	return s.processDataFiles(sources, []string{`top file`}, dataFiles, systemID, precedingData)
}

func (s *Source) processTop(systemID string, precedingData *odict.Map) ([]interface{}, error) {
	if _, err := os.Stat(s.topFile); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("could not find %s in %s: %w", topFileName, s.rootDir, fs.ErrNotExist)
		}
		return nil, err
	}
	topYaml, err := s.render(s.topFile, systemID, precedingData)
	if err != nil {
		return nil, fmt.Errorf("error processing top file: %w", err)
	}
	topData, err := odict.DecodeYAMLMap([]byte(topYaml))
	if err != nil {
		return nil, fmt.Errorf("error processing top file: %w", err)
	}
	if topData == nil {
		// An empty top file is most likely an error, but template code may
		// produce it on purpose, so it can be allowed via the
		// allow_empty_top option.
		if s.allowEmptyTop {
			return nil, nil
		}
		return nil, ErrEmptyTop
	}
	var dataFiles []interface{}
	var topErr error
	topData.Range(func(targetExpression string, value interface{}) bool {
		fileList, ok := value.([]interface{})
		if !ok {
			topErr = fmt.Errorf("malformed file list in %s: found an object of type %T where a list was expected", s.topFile, value)
			return false
		}
		matches, err := matcher.Match(systemID, targetExpression, false)
		if err != nil {
			topErr = fmt.Errorf("invalid target expression in %s: %w", s.topFile, err)
			return false
		}
		if matches {
			dataFiles = append(dataFiles, fileList...)
		}
		return true
	})
	if topErr != nil {
		return nil, topErr
	}
	return dataFiles, nil
}

// resolveFile translates a dotted file name like a.b.c into a path below
// the root directory, probing root/a/b/c.yaml first and
// root/a/b/c/init.yaml second.
func (s *Source) resolveFile(fileName, parentFile string) (string, error) {
	path := s.rootDir
	for _, segment := range strings.Split(fileName, `.`) {
		path = filepath.Join(path, segment)
	}
	yamlPath := path + `.yaml`
	if _, err := os.Stat(yamlPath); err == nil {
		return yamlPath, nil
	}
	initPath := filepath.Join(path, `init.yaml`)
	if _, err := os.Stat(initPath); err == nil {
		return initPath, nil
	}
	return ``, fmt.Errorf("file %s included by %s could not be found: %w", fileName, parentFile, fs.ErrNotExist)
}

func (s *Source) processDataFiles(sources *sourceSet, parentFiles []string, fileList interface{}, systemID string, precedingData *odict.Map) (*odict.Map, error) {
	parentFile := parentFiles[len(parentFiles)-1]
	list, ok := fileList.([]interface{})
	if !ok {
		return nil, fmt.Errorf("malformed file list in %s: found an object of type %T where a list was expected", parentFile, fileList)
	}
	type resolvedFile struct {
		name string
		path string
	}
	resolved := make([]resolvedFile, 0, len(list))
	for _, item := range list {
		fileName, ok := item.(string)
		if !ok {
			return nil, fmt.Errorf("malformed file list in %s: found an object of type %T where a string was expected", parentFile, item)
		}
		path, err := s.resolveFile(fileName, parentFile)
		if err != nil {
			return nil, err
		}
		resolved = append(resolved, resolvedFile{name: fileName, path: path})
	}
	data := odict.NewMap()
	for _, rf := range resolved {
		fileData, err := s.processDataFile(sources, parentFiles, rf.name, rf.path, systemID, precedingData)
		if err != nil {
			return nil, err
		}
		if data, err = datasource.MergeTrees(data, fileData, s.mergeLists, s.mergeSets); err != nil {
			return nil, err
		}
	}
	return data, nil
}

func (s *Source) processDataFile(sources *sourceSet, parentFiles []string, fileName, filePath, systemID string, precedingData *odict.Map) (*odict.Map, error) {
	for i, parent := range parentFiles {
		if parent == fileName {
			links := append(append([]string{}, parentFiles[i:]...), fileName)
			chain := strings.Join(links, ` -> `)
			return nil, fmt.Errorf("%w in file %s: the file is included by itself through the following chain: %s", ErrRecursionLoop, fileName, chain)
		}
	}
	sources.add(filePath)
	fileYaml, err := s.render(filePath, systemID, precedingData)
	if err != nil {
		return nil, fmt.Errorf("error processing data file %s: %w", fileName, err)
	}
	fileData, err := odict.DecodeYAMLMap([]byte(fileYaml))
	if err != nil {
		return nil, fmt.Errorf("error processing data file %s: %w", fileName, err)
	}
	if fileData == nil {
		return nil, fmt.Errorf("file %s does not contain a dictionary as its top structure", fileName)
	}
	if !fileData.Has(includeKey) {
		return fileData, nil
	}
	// When the includes come first, the rest of the file simply overrides
	// the included data.
	if fileData.Keys()[0] == includeKey {
		includeFiles, _ := fileData.Get(includeKey)
		includeData, err := s.processDataFiles(sources, append(parentFiles, fileName), includeFiles, systemID, precedingData)
		if err != nil {
			return nil, err
		}
		fileData.Delete(includeKey)
		return datasource.MergeTrees(includeData, fileData, s.mergeLists, s.mergeSets)
	}
	// Otherwise the file is split around the include key: included data
	// overrides the keys before it but not the keys after it.
	dataBefore := odict.NewMap()
	dataAfter := odict.NewMap()
	beforeInclude := true
	var splitErr error
	fileData.Range(func(key string, value interface{}) bool {
		if key == includeKey {
			includeData, err := s.processDataFiles(sources, append(parentFiles, fileName), value, systemID, precedingData)
			if err != nil {
				splitErr = err
				return false
			}
			if dataBefore, err = datasource.MergeTrees(dataBefore, includeData, s.mergeLists, s.mergeSets); err != nil {
				splitErr = err
				return false
			}
			beforeInclude = false
		} else if beforeInclude {
			dataBefore.Set(key, value)
		} else {
			dataAfter.Set(key, value)
		}
		return true
	})
	if splitErr != nil {
		return nil, splitErr
	}
	return datasource.MergeTrees(dataBefore, dataAfter, s.mergeLists, s.mergeSets)
}

func (s *Source) render(path, systemID string, precedingData *odict.Map) (string, error) {
	if s.engine == nil {
		content, err := os.ReadFile(path)
		if err != nil {
			return ``, err
		}
		return string(content), nil
	}
	return s.engine.Render(path, template.Context{
		ID:   systemID,
		Data: utils.NewSmartLookup(precedingData),
	})
}
