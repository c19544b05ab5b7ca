/*************************************************************************
 * Copyright 2025 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package textfile provides a data source backed by a line-oriented text
// file whose format is described by a regular expression. Capture groups
// of the expression are mapped to the system ID and to data-tree entries,
// optionally running through transformation chains. Because every line
// belongs to exactly one system, this source supports reverse lookups and
// is the natural root of a data-source chain.
package textfile

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"sync"

	"github.com/gravwell/vinegar/datasource"
	"github.com/gravwell/vinegar/log"
	"github.com/gravwell/vinegar/odict"
	"github.com/gravwell/vinegar/transform"
	"github.com/gravwell/vinegar/utils"
)

const SourceName = `text_file`

const (
	actionWarn   = `warn`
	actionError  = `error`
	actionIgnore = `ignore`
)

var (
	ErrLineMismatch      = errors.New("line does not match the specified format")
	ErrDuplicateSystemID = errors.New("duplicate system ID")
	ErrMissingSystemID   = errors.New("line does not specify a system ID")
)

func init() {
	datasource.Register(SourceName, NewSource)
}

// variableConfig describes how one piece of data is extracted from a line.
type variableConfig struct {
	// key split at colons, defines the nesting in the data tree
	keyPath []string
	// joined key, used for the lookup indexes
	key string
	// capture group name; empty when a numeric group is used
	groupName string
	// capture group index; -1 when a named group is used
	groupIndex int
	chain      transform.Chain
	// transform a missing capture, most transforms cannot handle it
	transformNone bool
	// keep a nil value in the data tree
	useNone bool
}

type indexKey struct {
	key   string
	value interface{}
}

type unhashableEntry struct {
	systemID string
	value    interface{}
}

// Source is the text-file data source.
type Source struct {
	lg             *log.Logger
	file           string
	re             *regexp.Regexp
	reIgnore       *regexp.Regexp
	systemIDConfig *variableConfig
	variables      []*variableConfig
	cacheEnabled   bool
	duplicateIDAct string
	mismatchAct    string
	findFirstMatch bool

	// mtx guards everything below
	mtx            sync.Mutex
	fileVersion    string
	systemData     map[string]*odict.Map
	systemVersion  map[string]string
	index          map[indexKey][]string
	unhashableIdx  map[string][]unhashableEntry
}

// NewSource creates a text-file data source from its configuration block.
func NewSource(config *odict.Map, lg *log.Logger) (datasource.DataSource, error) {
	s := &Source{
		lg:            lg,
		systemData:    make(map[string]*odict.Map),
		systemVersion: make(map[string]string),
		index:         make(map[indexKey][]string),
		unhashableIdx: make(map[string][]unhashableEntry),
	}
	var err error
	if s.file, err = config.GetString(`file`, ``); err != nil {
		return nil, err
	} else if s.file == `` {
		return nil, errors.New("the file configuration option is mandatory")
	}
	reText, err := config.GetString(`regular_expression`, ``)
	if err != nil {
		return nil, err
	} else if reText == `` {
		return nil, errors.New("the regular_expression configuration option is mandatory")
	}
	// The expression must match the full line.
	if s.re, err = regexp.Compile(`^(?:` + reText + `)$`); err != nil {
		return nil, fmt.Errorf("invalid regular_expression: %w", err)
	}
	reIgnoreText, err := config.GetString(`regular_expression_ignore`, ``)
	if err != nil {
		return nil, err
	}
	if reIgnoreText != `` {
		if s.reIgnore, err = regexp.Compile(`^(?:` + reIgnoreText + `)$`); err != nil {
			return nil, fmt.Errorf("invalid regular_expression_ignore: %w", err)
		}
	}
	if s.cacheEnabled, err = config.GetBool(`cache_enabled`, true); err != nil {
		return nil, err
	}
	if s.duplicateIDAct, err = config.GetString(`duplicate_system_id_action`, actionWarn); err != nil {
		return nil, err
	}
	if !validAction(s.duplicateIDAct) {
		return nil, fmt.Errorf("invalid value %q for option duplicate_system_id_action, allowed values are \"error\", \"ignore\" and \"warn\"", s.duplicateIDAct)
	}
	if s.mismatchAct, err = config.GetString(`mismatch_action`, actionWarn); err != nil {
		return nil, err
	}
	if !validAction(s.mismatchAct) {
		return nil, fmt.Errorf("invalid value %q for option mismatch_action, allowed values are \"error\", \"ignore\" and \"warn\"", s.mismatchAct)
	}
	if s.findFirstMatch, err = config.GetBool(`find_first_match`, false); err != nil {
		return nil, err
	}
	systemIDRaw, err := config.GetMap(`system_id`)
	if err != nil {
		return nil, err
	} else if systemIDRaw == nil {
		return nil, errors.New("the system_id configuration option is mandatory")
	}
	if s.systemIDConfig, err = s.parseVariableConfig(`system_id`, systemIDRaw); err != nil {
		return nil, err
	}
	variablesRaw, err := config.GetMap(`variables`)
	if err != nil {
		return nil, err
	} else if variablesRaw == nil {
		return nil, errors.New("the variables configuration option is mandatory")
	}
	var varErr error
	variablesRaw.Range(func(key string, value interface{}) bool {
		varRaw, ok := value.(*odict.Map)
		if !ok {
			varErr = fmt.Errorf("variable %s: expected a mapping, got %T", key, value)
			return false
		}
		var vc *variableConfig
		if vc, varErr = s.parseVariableConfig(key, varRaw); varErr != nil {
			return false
		}
		s.variables = append(s.variables, vc)
		return true
	})
	if varErr != nil {
		return nil, varErr
	}
	return s, nil
}

func validAction(a string) bool {
	return a == actionWarn || a == actionError || a == actionIgnore
}

func (s *Source) parseVariableConfig(key string, raw *odict.Map) (*variableConfig, error) {
	vc := &variableConfig{
		key:        key,
		keyPath:    strings.Split(key, `:`),
		groupIndex: -1,
	}
	source, ok := raw.Get(`source`)
	if !ok {
		return nil, fmt.Errorf("variable %s: the source option is mandatory", key)
	}
	switch src := source.(type) {
	case string:
		vc.groupName = src
	case int:
		vc.groupIndex = src
	case int64:
		vc.groupIndex = int(src)
	case uint64:
		vc.groupIndex = int(src)
	default:
		return nil, fmt.Errorf("variable %s: the source option must be a group name or index, got %T", key, source)
	}
	if vc.groupName != `` {
		if s.re.SubexpIndex(vc.groupName) < 0 {
			return nil, fmt.Errorf("variable %s: regular expression has no group named %q", key, vc.groupName)
		}
	} else if vc.groupIndex < 0 || vc.groupIndex > s.re.NumSubexp() {
		return nil, fmt.Errorf("variable %s: regular expression has no group %d", key, vc.groupIndex)
	}
	chainRaw, _ := raw.Get(`transform`)
	chain, err := transform.ParseChain(chainRaw)
	if err != nil {
		return nil, fmt.Errorf("variable %s: %w", key, err)
	}
	vc.chain = chain
	if vc.transformNone, err = raw.GetBool(`transform_none_value`, false); err != nil {
		return nil, fmt.Errorf("variable %s: %w", key, err)
	}
	if vc.useNone, err = raw.GetBool(`use_none_value`, false); err != nil {
		return nil, fmt.Errorf("variable %s: %w", key, err)
	}
	return vc, nil
}

func (s *Source) FindSystem(lookupKey string, lookupValue interface{}) (string, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if err := s.updateData(); err != nil {
		return ``, err
	}
	var systems []string
	if hashable(lookupValue) {
		systems = s.index[indexKey{key: lookupKey, value: lookupValue}]
	} else {
		for _, entry := range s.unhashableIdx[lookupKey] {
			if valuesEqual(entry.value, lookupValue) {
				systems = append(systems, entry.systemID)
			}
		}
	}
	if len(systems) == 0 {
		return ``, nil
	}
	if len(systems) == 1 || s.findFirstMatch {
		return systems[0], nil
	}
	return ``, nil
}

func (s *Source) GetData(systemID string, _ *odict.Map, _ string) (*odict.Map, string, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if err := s.updateData(); err != nil {
		return nil, ``, err
	}
	data, ok := s.systemData[systemID]
	if !ok {
		return odict.NewMap(), ``, nil
	}
	return data, s.systemVersion[systemID], nil
}

// updateData re-reads the file when its version changed. The caller must
// hold the lock.
func (s *Source) updateData() error {
	currentVersion := utils.VersionForFile(s.file)
	if s.cacheEnabled && s.fileVersion != `` && currentVersion == s.fileVersion {
		return nil
	}
	// Reset before parsing so a failed read is retried on the next call.
	s.fileVersion = ``
	s.systemData = make(map[string]*odict.Map)
	s.systemVersion = make(map[string]string)
	s.index = make(map[indexKey][]string)
	s.unhashableIdx = make(map[string][]unhashableEntry)
	f, err := os.Open(s.file)
	if err != nil {
		return err
	}
	defer f.Close()
	systemLineNo := make(map[string]int)
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimRight(scanner.Text(), "\r\n")
		if s.reIgnore != nil && s.reIgnore.MatchString(line) {
			continue
		}
		match := s.re.FindStringSubmatch(line)
		if match == nil {
			switch s.mismatchAct {
			case actionError:
				return fmt.Errorf("error while parsing file %s line %d: %q: %w", s.file, lineNo, line, ErrLineMismatch)
			case actionWarn:
				s.lg.Warn("line does not match the specified format",
					log.KV("file", s.file), log.KV("line", lineNo))
			}
			continue
		}
		if err = s.processLine(line, lineNo, match, systemLineNo); err != nil {
			return err
		}
	}
	if err = scanner.Err(); err != nil {
		return err
	}
	if s.cacheEnabled {
		s.fileVersion = currentVersion
	}
	return nil
}

func (s *Source) processLine(line string, lineNo int, match []string, systemLineNo map[string]int) error {
	idValue, err := s.extractVariable(s.systemIDConfig, match, false)
	if err != nil {
		return fmt.Errorf("error while parsing file %s line %d: %w", s.file, lineNo, err)
	}
	systemID, ok := idValue.(string)
	if !ok || systemID == `` {
		return fmt.Errorf("error while parsing file %s line %d: %w", s.file, lineNo, ErrMissingSystemID)
	}
	if firstLine, dup := systemLineNo[systemID]; dup {
		switch s.duplicateIDAct {
		case actionError:
			return fmt.Errorf("error while parsing file %s line %d: %w: %q is already specified in line %d",
				s.file, lineNo, ErrDuplicateSystemID, systemID, firstLine)
		case actionWarn:
			s.lg.Warn("duplicate system ID, ignoring line",
				log.KV("file", s.file), log.KV("line", lineNo),
				log.KV("systemid", systemID), log.KV("firstline", firstLine))
		}
		return nil
	}
	data := odict.NewMap()
	for _, vc := range s.variables {
		value, err := s.extractVariable(vc, match, true)
		if err != nil {
			return fmt.Errorf("error while parsing file %s line %d: %w", s.file, lineNo, err)
		}
		if value == nil && !vc.useNone {
			continue
		}
		target := data
		for _, component := range vc.keyPath[:len(vc.keyPath)-1] {
			next, ok := target.Get(component)
			if !ok {
				nm := odict.NewMap()
				target.Set(component, nm)
				target = nm
				continue
			}
			nm, ok := next.(*odict.Map)
			if !ok {
				return fmt.Errorf("error while parsing file %s line %d: variable key %s collides with a scalar value", s.file, lineNo, vc.key)
			}
			target = nm
		}
		target.Set(vc.keyPath[len(vc.keyPath)-1], value)
		if hashable(value) {
			ik := indexKey{key: vc.key, value: value}
			s.index[ik] = append(s.index[ik], systemID)
		} else {
			s.unhashableIdx[vc.key] = append(s.unhashableIdx[vc.key], unhashableEntry{
				systemID: systemID,
				value:    value,
			})
		}
	}
	s.systemData[systemID] = data
	s.systemVersion[systemID] = utils.VersionForString(line)
	systemLineNo[systemID] = lineNo
	return nil
}

// extractVariable pulls the configured capture group out of the match and
// runs the transformation chain. A nil result for a non-optional variable
// is an error.
func (s *Source) extractVariable(vc *variableConfig, match []string, optional bool) (interface{}, error) {
	var value interface{}
	var captured bool
	if vc.groupName != `` {
		idx := s.re.SubexpIndex(vc.groupName)
		if idx >= 0 && idx < len(match) {
			// An unmatched optional group captures the empty string in
			// FindStringSubmatch, there is no distinction from a present
			// empty capture, so empty means absent here.
			if match[idx] != `` {
				value = match[idx]
				captured = true
			}
		}
	} else if vc.groupIndex >= 0 && vc.groupIndex < len(match) {
		if match[vc.groupIndex] != `` {
			value = match[vc.groupIndex]
			captured = true
		}
	}
	if !captured {
		if !optional && !vc.transformNone {
			return nil, fmt.Errorf("regular expression group for %s has no value", vc.key)
		}
		if !vc.transformNone {
			return nil, nil
		}
	}
	value, err := vc.chain.ApplyChain(value)
	if err != nil {
		return nil, err
	}
	if value == nil && !optional {
		return nil, fmt.Errorf("regular expression group for %s has no value", vc.key)
	}
	return value, nil
}

// hashable reports whether a value can be used directly as part of a map
// key. Containers go through the linear fallback index instead.
func hashable(v interface{}) bool {
	switch v.(type) {
	case nil, bool, int, int64, uint64, float64, string:
		return true
	}
	return false
}

func valuesEqual(a, b interface{}) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	switch av := a.(type) {
	case []interface{}:
		bv, ok := b.([]interface{})
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !valuesEqual(av[i], bv[i]) {
				return false
			}
		}
		return true
	case *odict.Map:
		bv, ok := b.(*odict.Map)
		if !ok || av.Len() != bv.Len() {
			return false
		}
		equal := true
		av.Range(func(k string, v interface{}) bool {
			ov, ok := bv.Get(k)
			if !ok || !valuesEqual(v, ov) {
				equal = false
				return false
			}
			return true
		})
		return equal
	}
	return a == b
}
