package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"keyfleet/pkg/auth"
	"keyfleet/pkg/store"
)

const inventoryYAML = `
nodes:
  - name: fra-1
    host: fra-1.example.net
    group: eu
    api_url: https://10.0.0.5:2053/panel
    capacity: 500
    active: true
    settings:
      username: admin
      password: secret
      inbound_id: 3
      connection_settings:
        sni: www.example.com
        pbk: pubkey
        sid: ab12
  - name: nyc-1
    host: nyc-1.example.net
    api_url: https://10.0.1.5:2053
    capacity: 200
    settings_json: '{"username":"root","password":"pw","inbound_id":1,"connection_settings":{"port":8443}}'
`

func executeCommand(t *testing.T, args ...string) (string, error) {
	t.Helper()
	buf := new(bytes.Buffer)
	rootCmd.SetOut(buf)
	rootCmd.SetErr(buf)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return buf.String(), err
}

// isolate runs the test in an empty directory so no .env is picked up.
func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Chdir(dir)
	t.Setenv("LOG_LEVEL", "error")
	return dir
}

func TestParseInventory(t *testing.T) {
	nodes, err := parseInventory(strings.NewReader(inventoryYAML))
	require.NoError(t, err)
	require.Len(t, nodes, 2)

	fra := nodes[0]
	assert.Equal(t, "eu", fra.GroupName())
	assert.Equal(t, 3, fra.Settings.InboundID)
	assert.Equal(t, 443, fra.Settings.Connection.Port)
	assert.Equal(t, "xtls-rprx-vision", fra.Settings.Connection.Flow)
	assert.Equal(t, "pubkey", fra.Settings.Connection.PublicKey)
	assert.True(t, fra.Active)

	nyc := nodes[1]
	assert.Equal(t, "default", nyc.GroupName())
	assert.Equal(t, "root", nyc.Settings.Username)
	assert.Equal(t, 8443, nyc.Settings.Connection.Port)
	assert.Equal(t, "chrome", nyc.Settings.Connection.Fingerprint)
	assert.False(t, nyc.Active)
}

func TestParseInventoryRejectsBadNodes(t *testing.T) {
	cases := map[string]string{
		"missing password": `
nodes:
  - name: a
    host: a.example.net
    api_url: https://a:1
    capacity: 1
    settings: {username: u, inbound_id: 1}
`,
		"bad settings json": `
nodes:
  - name: a
    host: a.example.net
    api_url: https://a:1
    capacity: 1
    settings_json: '{'
`,
		"unknown field": `
nodes:
  - name: a
    hots: a.example.net
`,
		"no capacity": `
nodes:
  - name: a
    host: a.example.net
    api_url: https://a:1
    settings: {username: u, password: p, inbound_id: 1}
`,
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := parseInventory(strings.NewReader(doc))
			assert.Error(t, err)
		})
	}
}

func TestParseInventoryEmpty(t *testing.T) {
	nodes, err := parseInventory(strings.NewReader(""))
	require.NoError(t, err)
	assert.Empty(t, nodes)
}

func TestSeedNodesUpsertsByName(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	nodes, err := parseInventory(strings.NewReader(inventoryYAML))
	require.NoError(t, err)

	first, err := seedNodes(ctx, st, nodes)
	require.NoError(t, err)
	require.Len(t, first, 2)

	nodes[0].Capacity = 900
	second, err := seedNodes(ctx, st, nodes)
	require.NoError(t, err)
	assert.Equal(t, first[0].ID, second[0].ID)

	all, err := st.ListNodes(ctx, false)
	require.NoError(t, err)
	assert.Len(t, all, 2)
	got, err := st.GetNode(ctx, first[0].ID)
	require.NoError(t, err)
	assert.Equal(t, 900, got.Capacity)
}

func TestSeedCommand(t *testing.T) {
	dir := isolate(t)
	path := filepath.Join(dir, "nodes.yaml")
	require.NoError(t, os.WriteFile(path, []byte(inventoryYAML), 0o600))

	out, err := executeCommand(t, "seed", path)
	require.NoError(t, err)
	assert.Contains(t, out, "fra-1\teu")
	assert.Contains(t, out, "nyc-1\tdefault")
	assert.FileExists(t, filepath.Join(dir, "data", "keyfleet.db"))
}

func TestSeedCommandMissingFile(t *testing.T) {
	isolate(t)
	_, err := executeCommand(t, "seed", "nope.yaml")
	assert.Error(t, err)
}

func TestTokenCommand(t *testing.T) {
	isolate(t)
	t.Setenv("JWT_SECRET", "s3cret")

	out, err := executeCommand(t, "token", "billing")
	require.NoError(t, err)
	claims, err := auth.Parse("s3cret", strings.TrimSpace(out))
	require.NoError(t, err)
	assert.Equal(t, "billing", claims.Service)
}

func TestTokenCommandNeedsSecret(t *testing.T) {
	isolate(t)
	t.Setenv("JWT_SECRET", "")
	_, err := executeCommand(t, "token", "billing")
	assert.ErrorContains(t, err, "JWT_SECRET")
}

func TestVersionCommand(t *testing.T) {
	out, err := executeCommand(t, "version")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "keyfleet dev"), out)
}

func TestNewLoggerRejectsUnknownLevel(t *testing.T) {
	_, err := newLogger("loud")
	assert.Error(t, err)
	log, err := newLogger("debug")
	require.NoError(t, err)
	assert.NotNil(t, log)
}
