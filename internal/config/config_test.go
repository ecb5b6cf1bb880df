package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestParseYAML(t *testing.T) {
	data := []byte(`
http_port: 8080
https_port: 8443
email: ops@example.test
cert_dir: ./testcerts
idle_timeout: 15s
max_connections: 50
sites:
  - domain: Example.Test
    backend: 127.0.0.1:9001
    tls: off
  - domain: ws.test
    backend: 127.0.0.1:9002
    tls: auto
    websocket: true
`)
	snap, err := Parse(data)
	require.NoError(t, err)
	require.Equal(t, "8080", snap.HTTPPort)
	require.Equal(t, "8443", snap.HTTPSPort)
	require.Equal(t, 15*time.Second, snap.IdleTimeout)
	require.Equal(t, 50, snap.MaxConns)
	require.Len(t, snap.Sites, 2)

	require.Equal(t, "example.test", snap.Sites[0].Domain)
	require.Equal(t, TLSOff, snap.Sites[0].TLS)
	require.False(t, snap.Sites[0].WebSocket)

	require.Equal(t, "ws.test", snap.Sites[1].Domain)
	require.Equal(t, TLSAuto, snap.Sites[1].TLS)
	require.True(t, snap.Sites[1].WebSocket)
}

func TestParseJSONFallback(t *testing.T) {
	data := []byte(`{"http_port": 80, "sites": [{"domain": "a.test", "backend": "127.0.0.1:1", "tls": "manual"}]}`)
	snap, err := Parse(data)
	require.NoError(t, err)
	require.Equal(t, "80", snap.HTTPPort)
	require.Equal(t, TLSManual, snap.Sites[0].TLS)
}

func TestParseDefaults(t *testing.T) {
	snap, err := Parse([]byte(`sites: []`))
	require.NoError(t, err)
	require.Equal(t, defaultHTTPPort, snap.HTTPPort)
	require.Equal(t, defaultHTTPSPort, snap.HTTPSPort)
	require.Equal(t, defaultIdleTimeout, snap.IdleTimeout)
	require.Equal(t, defaultMaxConns, snap.MaxConns)
}

func TestParseRejectsDuplicateDomain(t *testing.T) {
	data := []byte(`
sites:
  - domain: dup.test
    backend: 127.0.0.1:1
  - domain: DUP.test
    backend: 127.0.0.1:2
`)
	_, err := Parse(data)
	require.Error(t, err)
}

func TestParseRejectsMissingDomain(t *testing.T) {
	_, err := Parse([]byte(`sites: [{backend: "127.0.0.1:1"}]`))
	require.Error(t, err)
}

func TestParseInvalidDuration(t *testing.T) {
	_, err := Parse([]byte(`idle_timeout: "not-a-duration"`))
	require.Error(t, err)
}
