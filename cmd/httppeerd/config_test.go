package main

import (
	"flag"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func parse(t *testing.T, args ...string) (Config, error) {
	t.Helper()
	var c Config
	fs := flag.NewFlagSet("httppeerd", flag.ContinueOnError)
	registerFlags(fs, &c)
	err := loadConfig(fs, args, &c)
	return c, err
}

func TestConfigDefaults(t *testing.T) {
	c, err := parse(t)
	require.NoError(t, err)
	require.Equal(t, "0.0.0.0:20443", c.ListenAddr)
	require.Equal(t, uint32(0x80000000), c.NetworkID)
	require.Equal(t, uint64(256), c.NumClients)
	require.Equal(t, 15*time.Second, c.IdleTimeout)
	_, err = uuid.Parse(c.NodeID)
	require.NoError(t, err, "node id defaults to a uuid")

	opts := c.connectionOptions()
	require.Nil(t, opts.Limiter)
	require.Equal(t, c.MaxClientsPerHost, opts.MaxClientsPerHost)
}

func TestConfigFlags(t *testing.T) {
	c, err := parse(t,
		"-listen", "127.0.0.1:30443",
		"-network-id", "0x00000001",
		"-bootstrap", "http://10.0.0.1:20443, http://10.0.0.2:20443",
		"-connect-rate", "3",
		"-node-id", "node-a",
	)
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1:30443", c.listenAddr().String())
	require.Equal(t, uint32(1), c.NetworkID)
	require.Equal(t, []string{"http://10.0.0.1:20443", "http://10.0.0.2:20443"}, c.Bootstrap)
	require.Equal(t, "node-a", c.NodeID)
	require.NotNil(t, c.connectionOptions().Limiter)
}

func TestConfigFileAndEnvironment(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
listen_addr: 127.0.0.1:31443
num_clients: 12
idle_timeout: 90s
redis_addr: file:6379
bootstrap:
  - http://10.0.0.1:20443
  - http://10.0.0.2:20443
`), 0o600))
	t.Setenv("PEERHTTP_REDIS_ADDR", "env:6379")

	c, err := parse(t, "-config", path, "-num-clients", "20")
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1:31443", c.ListenAddr)
	require.Equal(t, 90*time.Second, c.IdleTimeout)
	require.Equal(t, uint64(20), c.NumClients, "explicit flags win over the file")
	require.Equal(t, "env:6379", c.RedisAddr, "environment wins over the file")
	require.Len(t, c.Bootstrap, 2)
}

func TestConfigRejectsBadValues(t *testing.T) {
	_, err := parse(t, "-listen", ":20443")
	require.Error(t, err)

	_, err = parse(t, "-num-clients", "0")
	require.Error(t, err)

	_, err = parse(t, "-network-id", "0x1ffffffff")
	require.Error(t, err)

	_, err = parse(t, "-config", filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}
