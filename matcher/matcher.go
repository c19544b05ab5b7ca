/*************************************************************************
 * Copyright 2025 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package matcher implements the expression language used to target
// systems. An expression combines shell-style glob patterns with the
// logical operators "and", "or", and "not", optionally grouped with
// parentheses.
//
// Examples:
//
//	abc.example.com              matches exactly abc.example.com
//	*.example.com                matches abc.example.com
//	*.example.com or *.example.net
//	*.example.com and not abc.*
//	(*.example.com or *.example.net) and not abc.*
//
// "not" binds tighter than "and", which binds tighter than "or". Both
// binary operators are left-associative. Evaluation short-circuits.
package matcher

import (
	"errors"
	"fmt"
	"strings"

	"github.com/gobwas/glob"
	lru "github.com/hashicorp/golang-lru/v2"
)

const expressionCacheSize = 256

var (
	ErrParse = errors.New("invalid pattern expression")
)

type expression interface {
	matches(name string) bool
}

// Matcher is a compiled pattern expression. Matchers are safe for
// concurrent use.
type Matcher struct {
	expr    expression
	pattern string
}

type cacheKey struct {
	pattern       string
	caseSensitive bool
}

var expressionCache *lru.Cache[cacheKey, expression]

func init() {
	// The cache constructor only fails for non-positive sizes.
	expressionCache, _ = lru.New[cacheKey, expression](expressionCacheSize)
}

// New compiles a pattern expression into a Matcher. The compiled form is
// cached, so compiling the same expression repeatedly is cheap.
func New(pattern string, caseSensitive bool) (*Matcher, error) {
	expr, err := compileCached(pattern, caseSensitive)
	if err != nil {
		return nil, err
	}
	return &Matcher{
		expr:    expr,
		pattern: pattern,
	}, nil
}

// Matches tells whether the specified name matches the pattern.
func (m *Matcher) Matches(name string) bool {
	return m.expr.matches(name)
}

func (m *Matcher) String() string {
	return m.pattern
}

// Match tells whether pattern matches name. Compiled patterns are cached by
// (pattern, caseSensitive), so repeated use of the same expression does not
// recompile it.
func Match(name, pattern string, caseSensitive bool) (bool, error) {
	expr, err := compileCached(pattern, caseSensitive)
	if err != nil {
		return false, err
	}
	return expr.matches(name), nil
}

func compileCached(pattern string, caseSensitive bool) (expression, error) {
	key := cacheKey{pattern: pattern, caseSensitive: caseSensitive}
	if expr, ok := expressionCache.Get(key); ok {
		return expr, nil
	}
	expr, err := compile(pattern, caseSensitive)
	if err != nil {
		return nil, err
	}
	expressionCache.Add(key, expr)
	return expr, nil
}

func compile(pattern string, caseSensitive bool) (expression, error) {
	tokens := tokenize(pattern)
	p := &parser{tokens: tokens, caseSensitive: caseSensitive}
	expr, err := p.parseOr()
	if err != nil {
		return nil, fmt.Errorf("%w: cannot parse %q: %v", ErrParse, pattern, err)
	}
	if len(p.tokens) != 0 {
		return nil, fmt.Errorf("%w: cannot parse %q: unexpected token %q", ErrParse, pattern, p.tokens[0])
	}
	return expr, nil
}

// tokenize splits an expression into tokens. Tokens are separated by
// whitespace, but parentheses are always tokens of their own, even when not
// surrounded by whitespace.
func tokenize(pattern string) (tokens []string) {
	for _, field := range strings.Fields(pattern) {
		var partial strings.Builder
		for _, r := range field {
			if r == '(' || r == ')' {
				if partial.Len() > 0 {
					tokens = append(tokens, partial.String())
					partial.Reset()
				}
				tokens = append(tokens, string(r))
			} else {
				partial.WriteRune(r)
			}
		}
		if partial.Len() > 0 {
			tokens = append(tokens, partial.String())
		}
	}
	return
}

type parser struct {
	tokens        []string
	caseSensitive bool
}

func (p *parser) peek() (string, bool) {
	if len(p.tokens) == 0 {
		return ``, false
	}
	return p.tokens[0], true
}

func (p *parser) next() (string, bool) {
	if len(p.tokens) == 0 {
		return ``, false
	}
	t := p.tokens[0]
	p.tokens = p.tokens[1:]
	return t, true
}

func (p *parser) parseOr() (expression, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for {
		t, ok := p.peek()
		if !ok || t != `or` {
			return left, nil
		}
		p.next()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = &orExpression{left: left, right: right}
	}
}

func (p *parser) parseAnd() (expression, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for {
		t, ok := p.peek()
		if !ok || t != `and` {
			return left, nil
		}
		p.next()
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		left = &andExpression{left: left, right: right}
	}
}

func (p *parser) parseUnary() (expression, error) {
	t, ok := p.next()
	if !ok {
		return nil, errors.New("found empty string where an expression was expected")
	}
	switch t {
	case `(`:
		expr, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		closing, ok := p.next()
		if !ok || closing != `)` {
			return nil, errors.New("unbalanced parentheses")
		}
		return expr, nil
	case `)`:
		return nil, errors.New("unbalanced parentheses")
	case `not`:
		expr, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &notExpression{expr: expr}, nil
	case `and`, `or`:
		return nil, fmt.Errorf("found %q where \"(\", \"not\" or a pattern was expected", t)
	}
	return p.compilePattern(t)
}

func (p *parser) compilePattern(pattern string) (expression, error) {
	if !p.caseSensitive {
		pattern = strings.ToLower(pattern)
	}
	g, err := glob.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid pattern %q: %v", pattern, err)
	}
	return &patternExpression{
		glob:          g,
		caseSensitive: p.caseSensitive,
	}, nil
}

type andExpression struct {
	left, right expression
}

func (e *andExpression) matches(name string) bool {
	if !e.left.matches(name) {
		return false
	}
	return e.right.matches(name)
}

type orExpression struct {
	left, right expression
}

func (e *orExpression) matches(name string) bool {
	if e.left.matches(name) {
		return true
	}
	return e.right.matches(name)
}

type notExpression struct {
	expr expression
}

func (e *notExpression) matches(name string) bool {
	return !e.expr.matches(name)
}

type patternExpression struct {
	glob          glob.Glob
	caseSensitive bool
}

func (e *patternExpression) matches(name string) bool {
	if !e.caseSensitive {
		name = strings.ToLower(name)
	}
	return e.glob.Match(name)
}
