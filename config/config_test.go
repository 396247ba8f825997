package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultsMatchDocumentedValues(t *testing.T) {
	d := Defaults()
	require.Equal(t, uint16(64), d.Window)
	require.Equal(t, int64(10), d.Timeout)
	require.Equal(t, uint8(24), d.ReadSize)
	require.Equal(t, 200, d.TxBufSize)
	require.Equal(t, 200, d.RxBufSize)
	require.Equal(t, 5, d.NSend)
	require.Equal(t, 5, d.NRecv)
	require.Equal(t, 10, d.EPCBufSize)
	require.Equal(t, 4, d.EPCRefreshPeriod)
}

func TestLoadOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "wtp.yaml")
	require.NoError(t, os.WriteFile(path, []byte("window: 128\nn_send: 8\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, uint16(128), cfg.Window)
	require.Equal(t, 8, cfg.NSend)
	// Untouched fields keep their defaults.
	require.Equal(t, int64(10), cfg.Timeout)
	require.Equal(t, uint8(24), cfg.ReadSize)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestEndpointTranslation(t *testing.T) {
	cfg := Defaults()
	ep := cfg.Endpoint()
	require.Equal(t, cfg.Window, ep.Window)
	require.Equal(t, cfg.Timeout, ep.Timeout)
	require.Equal(t, cfg.ReadSize, ep.ReadSize)
	require.Equal(t, cfg.TxBufSize, ep.PktBufSize)
	require.Equal(t, cfg.RxBufSize, ep.RxMsgDataSize)
	require.Equal(t, cfg.NSend, ep.MaxFragments)
	require.Equal(t, cfg.NSend, ep.MaxMsgs) // also sizes the send callback queue
	require.Equal(t, cfg.NRecv, ep.MaxRxMsgInfo) // also sizes the recv callback queue
	require.Equal(t, cfg.EPCRefreshPeriod, ep.EPCRefreshPeriod)
}
