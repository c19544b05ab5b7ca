/*************************************************************************
 * Copyright 2025 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package transform

import (
	"errors"
	"fmt"
	"strings"
)

func init() {
	Register(`string.to_upper`, stringToUpper)
	Register(`string.to_lower`, stringToLower)
	Register(`string.add_prefix`, stringAddPrefix)
	Register(`string.add_suffix`, stringAddSuffix)
	Register(`string.to_str`, stringToStr)
}

func stringToUpper(value interface{}, _ Args) (interface{}, error) {
	s, err := stringValue(value)
	if err != nil {
		return nil, err
	}
	return strings.ToUpper(s), nil
}

func stringToLower(value interface{}, _ Args) (interface{}, error) {
	s, err := stringValue(value)
	if err != nil {
		return nil, err
	}
	return strings.ToLower(s), nil
}

func stringAddPrefix(value interface{}, args Args) (interface{}, error) {
	s, err := stringValue(value)
	if err != nil {
		return nil, err
	}
	prefix, err := args.String(0, `prefix`, ``)
	if err != nil {
		return nil, err
	}
	if _, ok := args.lookup(0, `prefix`); !ok {
		return nil, errors.New("missing prefix argument")
	}
	return prefix + s, nil
}

func stringAddSuffix(value interface{}, args Args) (interface{}, error) {
	s, err := stringValue(value)
	if err != nil {
		return nil, err
	}
	suffix, err := args.String(0, `suffix`, ``)
	if err != nil {
		return nil, err
	}
	if _, ok := args.lookup(0, `suffix`); !ok {
		return nil, errors.New("missing suffix argument")
	}
	return s + suffix, nil
}

func stringToStr(value interface{}, _ Args) (interface{}, error) {
	switch v := value.(type) {
	case string:
		return v, nil
	case nil:
		return ``, nil
	}
	return fmt.Sprintf("%v", value), nil
}
