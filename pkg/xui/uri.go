package xui

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"

	"keyfleet/pkg/model"
)

const scheme = "vless"

// Link is a decoded client connection string.
type Link struct {
	Identity string
	Host     string
	Port     int
	Params   map[string]string
	Label    string
}

// linkParams is the parameter order clients expect to see.
var linkParams = []string{"security", "encryption", "pbk", "sid", "sni", "fp", "type", "flow", "headerType"}

// BuildURI renders the connection string for identity on a node with the
// given protocol parameters.
func BuildURI(identity, host string, c model.ConnectionSettings, label string) string {
	values := map[string]string{
		"security":   c.Security,
		"encryption": "none",
		"pbk":        c.PublicKey,
		"sid":        c.ShortID,
		"sni":        c.SNI,
		"fp":         c.Fingerprint,
		"type":       c.Network,
		"flow":       c.Flow,
		"headerType": "none",
	}
	var b strings.Builder
	b.WriteString(scheme)
	b.WriteString("://")
	b.WriteString(identity)
	b.WriteByte('@')
	b.WriteString(net.JoinHostPort(host, strconv.Itoa(c.Port)))
	for i, k := range linkParams {
		if i == 0 {
			b.WriteByte('?')
		} else {
			b.WriteByte('&')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(url.QueryEscape(values[k]))
	}
	b.WriteByte('#')
	b.WriteString(url.PathEscape(label))
	return b.String()
}

// ParseURI decodes a connection string produced by BuildURI.
func ParseURI(raw string) (Link, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return Link{}, fmt.Errorf("parse connection string: %w", err)
	}
	if u.Scheme != scheme {
		return Link{}, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.User == nil || u.User.Username() == "" {
		return Link{}, errors.New("connection string has no identity")
	}
	port, err := strconv.Atoi(u.Port())
	if err != nil {
		return Link{}, fmt.Errorf("invalid port %q", u.Port())
	}
	params := make(map[string]string)
	for k, v := range u.Query() {
		if len(v) > 0 {
			params[k] = v[0]
		}
	}
	return Link{
		Identity: u.User.Username(),
		Host:     u.Hostname(),
		Port:     port,
		Params:   params,
		Label:    u.Fragment,
	}, nil
}
