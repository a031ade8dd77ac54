package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/tubesort/internal/config"
	"github.com/banshee-data/tubesort/internal/monitoring"
	"github.com/banshee-data/tubesort/internal/scanner"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tubesort.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	t.Cleanup(func() { rootCmd.SetArgs(nil) })
	err := rootCmd.Execute()
	return out.String(), err
}

func TestMigrateCommands(t *testing.T) {
	monitoring.SetLogger(nil)
	dbPath := filepath.Join(t.TempDir(), "state.db")
	cfgPath := writeConfig(t, "server:\n  state_db: "+dbPath+"\n")

	out, err := execute(t, "--config", cfgPath, "migrate", "up")
	require.NoError(t, err)
	assert.Contains(t, out, "(dirty: false)")
	assert.NotContains(t, out, "schema version 0 ")

	out, err = execute(t, "--config", cfgPath, "migrate", "down")
	require.NoError(t, err)
	assert.Contains(t, out, "rolled back")

	out, err = execute(t, "--config", cfgPath, "migrate", "version")
	require.NoError(t, err)
	assert.Contains(t, out, "schema version 0 (dirty: false)")

	_, err = execute(t, "--config", cfgPath, "migrate", "force", "one")
	assert.Error(t, err)
}

func TestOpenDevicesDevMode(t *testing.T) {
	monitoring.SetLogger(nil)
	dev := true
	cfg := config.Default()
	cfg.Dev = &dev

	d, err := openDevices(cfg)
	require.NoError(t, err)
	t.Cleanup(d.Close)

	assert.Nil(t, d.armMux)
	assert.IsType(t, &scanner.SimDevice{}, d.scanner)
	require.NotNil(t, d.classifierSim)

	class, err := d.classifier.Classify(context.Background(), "SIM000001")
	require.NoError(t, err)
	assert.NotEmpty(t, class)
}

func TestOpenDevicesRejectsUnknownTransport(t *testing.T) {
	monitoring.SetLogger(nil)
	transport := "carrier-pigeon"
	cfg := config.Default()
	cfg.Arm.Transport = &transport

	_, err := openDevices(cfg)
	assert.ErrorContains(t, err, "open arm")
}
