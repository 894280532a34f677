package xui

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"keyfleet/pkg/model"
)

func TestBuildURI(t *testing.T) {
	c := model.ConnectionSettings{
		Port:        8443,
		SNI:         "www.microsoft.com",
		PublicKey:   "pbk123",
		ShortID:     "ab12",
		Flow:        "xtls-rprx-vision",
		Fingerprint: "chrome",
		Security:    "reality",
		Network:     "tcp",
	}
	got := BuildURI("11111111-2222-3333-4444-555555555555", "nl.example.net", c, "NL Fast #1")
	want := "vless://11111111-2222-3333-4444-555555555555@nl.example.net:8443" +
		"?security=reality&encryption=none&pbk=pbk123&sid=ab12&sni=www.microsoft.com" +
		"&fp=chrome&type=tcp&flow=xtls-rprx-vision&headerType=none#NL%20Fast%20%231"
	assert.Equal(t, want, got)
}

func TestParseURI(t *testing.T) {
	var c model.NodeSettings
	c.ApplyDefaults()
	c.Connection.PublicKey = "k"
	raw := BuildURI("abc", "10.0.0.1", c.Connection, "Zürich")

	link, err := ParseURI(raw)
	require.NoError(t, err)
	assert.Equal(t, "abc", link.Identity)
	assert.Equal(t, "10.0.0.1", link.Host)
	assert.Equal(t, 443, link.Port)
	assert.Equal(t, "Zürich", link.Label)
	assert.Equal(t, "k", link.Params["pbk"])
	assert.Equal(t, "none", link.Params["encryption"])
	assert.Equal(t, "xtls-rprx-vision", link.Params["flow"])
}

func TestParseURIRejects(t *testing.T) {
	for name, raw := range map[string]string{
		"scheme":   "vmess://abc@host:443",
		"identity": "vless://host:443",
		"port":     "vless://abc@host",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := ParseURI(raw)
			assert.Error(t, err)
		})
	}
}
