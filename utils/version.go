/*************************************************************************
 * Copyright 2025 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package utils

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"syscall"

	"github.com/minio/highwayhash"
)

// The hash key is fixed, version strings only need to be stable within a
// process lifetime and accidental-collision resistant.
var versionHashKey = []byte(`vinegar-version-hash-key-0000001`)

// VersionForFile returns a version string for a file path. The version is
// derived from the path and the file's ctime, mtime, device, inode, and
// size, so it changes whenever the file is replaced or rewritten. If the
// file cannot be stat'ed, the version encodes the failure category so that
// a missing file versions differently from an unreadable one.
func VersionForFile(path string) string {
	fi, err := os.Stat(path)
	if err != nil {
		return VersionForString(fmt.Sprintf("file_path=%s,exception=%s", path, statErrorCategory(err)))
	}
	var ctime int64
	var dev, ino uint64
	if st, ok := fi.Sys().(*syscall.Stat_t); ok {
		ctime = st.Ctim.Sec*1000000000 + st.Ctim.Nsec
		dev = uint64(st.Dev)
		ino = st.Ino
	}
	info := fmt.Sprintf("file_path=%s,ctime=%d,mtime=%d,dev=%d,ino=%d,size=%d",
		path, ctime, fi.ModTime().UnixNano(), dev, ino, fi.Size())
	return VersionForString(info)
}

// VersionForString returns a version string for arbitrary string content.
func VersionForString(s string) string {
	sum := highwayhash.Sum128([]byte(s), versionHashKey)
	return hex.EncodeToString(sum[:])
}

// AggregateVersion combines several version strings into one. Order is
// significant.
func AggregateVersion(versions []string) string {
	return VersionForString(strings.Join(versions, `|`))
}

func statErrorCategory(err error) string {
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return `not-exists`
	case errors.Is(err, fs.ErrPermission):
		return `permission`
	}
	return `other`
}
