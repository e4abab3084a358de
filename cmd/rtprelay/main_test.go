package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDTLSCheck(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	profile, err := dtlsCheck(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, profile)
}

func TestValidateCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mediacore.yaml")
	require.NoError(t, os.WriteFile(path, []byte("rtp:\n  port_start: 12000\n  port_end: 12100\n"), 0o644))
	t.Setenv("MEDIACORE_RTP_NAT", "true")

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"validate", "-c", path})
	require.NoError(t, Execute())

	assert.Contains(t, out.String(), "VALID: ports 12000-12100")
	assert.Contains(t, out.String(), "nat=true")

	rootCmd.SetArgs([]string{"validate", "-c", filepath.Join(t.TempDir(), "missing.yaml")})
	assert.Error(t, Execute())
}
