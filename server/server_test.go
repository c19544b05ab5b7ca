/*************************************************************************
 * Copyright 2025 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package server

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gravwell/vinegar/log"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

func testConfigYAML(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	hostsFile := filepath.Join(dir, `hosts.txt`)
	writeFile(t, hostsFile, "02:00:00:00:00:01;192.168.0.1;system1\n")
	bootDir := filepath.Join(dir, `boot`)
	writeFile(t, filepath.Join(bootDir, `pxelinux.cfg`), "DEFAULT install\n")
	targetDir := filepath.Join(dir, `targets`)
	writeFile(t, filepath.Join(targetDir, `top.yaml`), "'*':\n    - common\n")
	writeFile(t, filepath.Join(targetDir, `common.yaml`), "role: generic\n")
	dbFile := filepath.Join(dir, `state.db`)

	return fmt.Sprintf(`
logging_level: ERROR
data_sources:
    - name: text_file
      file: %s
      regular_expression: '(?P<mac>[^;]+);(?P<ip>[^;]+);(?P<hostname>.+)'
      system_id:
          source: hostname
          transform:
              - string.to_lower
      variables:
          'net:mac_addr':
              source: mac
              transform:
                  - mac_address.normalize
          'net:ipv4_addr':
              source: ip
              transform:
                  - ipv4_address.normalize
    - name: yaml_target
      root_dir: %s
      template: null
data_sources_merge_lists: false
data_sources_merge_sets: true
http:
    bind_address: 127.0.0.1
    bind_port: 0
    request_handlers:
        - name: file
          request_path: /boot
          root_dir: %s
        - name: sqlite_update
          request_path: /reset
          action: set_value
          key: boot
          value: local
          db_file: %s
        - name: sqlite_update
          request_path: /acl-reset
          action: delete_data
          client_address_key: 'net:ipv4_addr'
          db_file: %s
tftp:
    bind_address: 127.0.0.1
    bind_port: 0
    default_timeout: 2
    max_retries: 2
    request_handlers:
        - name: file
          request_path: /boot
          root_dir: %s
`, hostsFile, targetDir, bootDir, dbFile, dbFile, bootDir)
}

func TestParseConfig(t *testing.T) {
	cfg, err := ParseConfig([]byte(testConfigYAML(t)))
	require.NoError(t, err)
	level, err := cfg.LoggingLevel()
	require.NoError(t, err)
	assert.Equal(t, `ERROR`, level)
}

func TestParseConfigEmpty(t *testing.T) {
	cfg, err := ParseConfig(nil)
	require.NoError(t, err)
	level, err := cfg.LoggingLevel()
	require.NoError(t, err)
	assert.Equal(t, `INFO`, level)
}

func TestParseConfigInvalid(t *testing.T) {
	cfg, err := ParseConfig([]byte("logging_level: LOUD\n"))
	require.NoError(t, err)
	_, err = cfg.LoggingLevel()
	assert.Error(t, err)

	_, err = ParseConfig([]byte("- a\n- list\n"))
	assert.Error(t, err)
}

func TestUnknownDataSource(t *testing.T) {
	cfg, err := ParseConfig([]byte("data_sources:\n    - name: bogus\n"))
	require.NoError(t, err)
	_, err = New(cfg, log.NewDiscardLogger())
	assert.Error(t, err)
}

func TestUnknownRequestHandler(t *testing.T) {
	cfg, err := ParseConfig([]byte("http:\n    request_handlers:\n        - name: bogus\n"))
	require.NoError(t, err)
	_, err = New(cfg, log.NewDiscardLogger())
	assert.Error(t, err)
}

func TestEndToEnd(t *testing.T) {
	cfg, err := ParseConfig([]byte(testConfigYAML(t)))
	require.NoError(t, err)
	srv, err := New(cfg, log.NewDiscardLogger())
	require.NoError(t, err)
	require.NoError(t, srv.Start())
	defer srv.Stop()

	// The HTTP file handler serves the boot directory.
	resp, err := http.Get(`http://` + srv.http.Addr().String() + `/boot/pxelinux.cfg`)
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "DEFAULT install\n", string(body))

	// The sqlite_update handler refuses non-POST requests.
	resp, err = http.Get(`http://` + srv.http.Addr().String() + `/reset/system1`)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
	resp, err = http.Post(`http://`+srv.http.Addr().String()+`/reset/system1`, `text/plain`, nil)
	require.NoError(t, err)
	body, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "success\n", string(body))

	// The ACL-restricted handler denies clients that are not in the
	// system's address list (system1 only allows 192.168.0.1, the test
	// client connects from 127.0.0.1).
	resp, err = http.Post(`http://`+srv.http.Addr().String()+`/acl-reset/system1`, `text/plain`, nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	// The TFTP file handler serves the same directory.
	conn, err := net.ListenUDP(`udp`, &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer conn.Close()
	req := []byte{0, 1}
	req = append(req, "boot/pxelinux.cfg\x00octet\x00"...)
	_, err = conn.WriteToUDP(req, srv.tftp.Addr())
	require.NoError(t, err)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	buf := make([]byte, 2048)
	n, addr, err := conn.ReadFromUDP(buf)
	require.NoError(t, err)
	require.GreaterOrEqual(t, n, 4)
	assert.Equal(t, uint16(3), binary.BigEndian.Uint16(buf))
	assert.Equal(t, uint16(1), binary.BigEndian.Uint16(buf[2:]))
	assert.Equal(t, "DEFAULT install\n", string(buf[4:n]))
	ack := []byte{0, 4, 0, 1}
	_, err = conn.WriteToUDP(ack, addr)
	require.NoError(t, err)
}
