/*************************************************************************
 * Copyright 2025 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package transform

import (
	"fmt"
	"strconv"
	"strings"
)

func init() {
	Register(`misc.to_int`, miscToInt)
}

// miscToInt converts the value to an integer. Malformed values are
// returned unchanged unless raise_error_if_malformed is set.
func miscToInt(value interface{}, args Args) (interface{}, error) {
	raiseError, err := args.Bool(0, `raise_error_if_malformed`, false)
	if err != nil {
		return nil, err
	}
	switch v := value.(type) {
	case int:
		return v, nil
	case int64:
		return int(v), nil
	case uint64:
		return int(v), nil
	case float64:
		return int(v), nil
	case bool:
		if v {
			return 1, nil
		}
		return 0, nil
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			if raiseError {
				return nil, fmt.Errorf("cannot convert %q to an integer", v)
			}
			return v, nil
		}
		return n, nil
	}
	if raiseError {
		return nil, fmt.Errorf("cannot convert value of type %T to an integer", value)
	}
	return value, nil
}
