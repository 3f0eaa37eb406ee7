package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func configWithSeed(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	seed := writeFile(t, dir, "seed.yaml", `
categories:
  - name: Uncategorized
    system: true
  - name: Phishing
feeds:
  - name: lab
    url: https://feeds.example/list.txt
    source_type: TEXT
    fetch_interval_minutes: 60
`)
	return writeFile(t, dir, "config.yaml", `
logging:
  level: error
pipeline:
  max_retries: 3
  crawl_timeout: 5m
  analyze_timeout: 5m
bootstrap:
  seed_path: `+seed+`
`)
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestSeedCommand(t *testing.T) {
	out, err := run(t, "seed", "--config", configWithSeed(t))
	require.NoError(t, err)
	assert.Contains(t, out, "created 2 categories, 1 feeds, 0 policies")
}

func TestMigrateRequiresDSN(t *testing.T) {
	_, err := run(t, "migrate", "--config", configWithSeed(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database.dsn")
}

func TestMissingRequiredConfig(t *testing.T) {
	path := writeFile(t, t.TempDir(), "config.yaml", "server:\n  port: 8080\n")
	_, err := run(t, "seed", "--config", path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pipeline.max_retries")
}
