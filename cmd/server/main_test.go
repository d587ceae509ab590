package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "loyalty.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestTiersCommand_PrintsDefaultLadder(t *testing.T) {
	cfg := writeConfig(t, "store:\n  driver: memory\nlog:\n  level: error\n")

	out, err := run(t, "tiers", "--config", cfg)
	require.NoError(t, err)
	assert.Contains(t, out, "new_member")
	assert.Contains(t, out, "platinum")
}

func TestAuditCommand_EmptySQLiteIsConsistent(t *testing.T) {
	cfg := writeConfig(t, "log:\n  level: error\n")
	db := filepath.Join(t.TempDir(), "audit.db")

	out, err := run(t, "audit", "--config", cfg, "--db", db)
	require.NoError(t, err)
	assert.Contains(t, out, "all members consistent")
}

func TestLoad_RejectsBadConfig(t *testing.T) {
	cfg := writeConfig(t, "store:\n  driver: redis\n")

	_, err := run(t, "tiers", "--config", cfg)
	assert.ErrorContains(t, err, "store.driver")
}
