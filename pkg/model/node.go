package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// DefaultGroup is the group of a node whose group tag is empty.
const DefaultGroup = "default"

// Node is a remote proxy node with its own control-plane API.
type Node struct {
	ID        uint         `gorm:"primaryKey" json:"id" yaml:"id"`
	Name      string       `gorm:"size:100;not null" json:"name" yaml:"name"`
	Host      string       `gorm:"size:255;not null" json:"host" yaml:"host"` // public host written into connection strings
	Group     string       `gorm:"column:server_set;size:64;index" json:"group" yaml:"group"`
	APIURL    string       `gorm:"size:500" json:"apiUrl" yaml:"api_url"`
	Settings  NodeSettings `gorm:"serializer:json;type:text" json:"-" yaml:"settings"`
	Capacity  int          `gorm:"not null" json:"capacity" yaml:"capacity"`
	Active    bool         `gorm:"not null" json:"active" yaml:"active"`
	CreatedAt time.Time    `json:"createdAt" yaml:"-"`
	UpdatedAt time.Time    `json:"updatedAt" yaml:"-"`
}

// GroupName returns the node's group, falling back to DefaultGroup.
func (n Node) GroupName() string {
	if g := strings.TrimSpace(n.Group); g != "" {
		return g
	}
	return DefaultGroup
}

// Label is the display name used in log lines and errors.
func (n Node) Label() string {
	return fmt.Sprintf("%s#%d", n.Name, n.ID)
}

// Validate checks the record before it is persisted. Settings are validated
// here once so drivers never re-check them.
func (n *Node) Validate() error {
	if strings.TrimSpace(n.Name) == "" {
		return errors.New("node name is required")
	}
	if strings.TrimSpace(n.Host) == "" {
		return fmt.Errorf("node %s: host is required", n.Name)
	}
	if n.APIURL == "" {
		return fmt.Errorf("node %s: api url is required", n.Name)
	}
	if u, err := url.Parse(n.APIURL); err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("node %s: invalid api url %q", n.Name, n.APIURL)
	}
	if n.Capacity <= 0 {
		return fmt.Errorf("node %s: capacity must be positive", n.Name)
	}
	n.Settings.ApplyDefaults()
	if err := n.Settings.Validate(); err != nil {
		return fmt.Errorf("node %s: %w", n.Name, err)
	}
	return nil
}

// NodeSettings is the typed control-plane credential blob of a node.
type NodeSettings struct {
	Username     string             `json:"username" yaml:"username"`
	Password     string             `json:"password" yaml:"password"`
	InboundID    int                `json:"inbound_id" yaml:"inbound_id"`
	UseTLSVerify *bool              `json:"use_tls_verify,omitempty" yaml:"use_tls_verify,omitempty"`
	Connection   ConnectionSettings `json:"connection_settings" yaml:"connection_settings"`
}

// ConnectionSettings are the protocol parameters needed to mint a
// connection string for a credential on the node.
type ConnectionSettings struct {
	Port        int    `json:"port" yaml:"port"`
	SNI         string `json:"sni" yaml:"sni"`
	PublicKey   string `json:"pbk" yaml:"pbk"`
	ShortID     string `json:"sid" yaml:"sid"`
	Flow        string `json:"flow" yaml:"flow"`
	Fingerprint string `json:"fingerprint" yaml:"fingerprint"`
	Security    string `json:"security,omitempty" yaml:"security,omitempty"`
	Network     string `json:"network,omitempty" yaml:"network,omitempty"`
}

// TLSVerify reports whether the control-plane certificate must be verified.
// Absent means verify.
func (s NodeSettings) TLSVerify() bool {
	return s.UseTLSVerify == nil || *s.UseTLSVerify
}

// ApplyDefaults fills protocol parameters left empty.
func (s *NodeSettings) ApplyDefaults() {
	c := &s.Connection
	if c.Port == 0 {
		c.Port = 443
	}
	if c.Flow == "" {
		c.Flow = "xtls-rprx-vision"
	}
	if c.Fingerprint == "" {
		c.Fingerprint = "chrome"
	}
	if c.Security == "" {
		c.Security = "reality"
	}
	if c.Network == "" {
		c.Network = "tcp"
	}
}

// Validate reports the first missing required field.
func (s NodeSettings) Validate() error {
	var missing []string
	if s.Username == "" {
		missing = append(missing, "username")
	}
	if s.Password == "" {
		missing = append(missing, "password")
	}
	if s.InboundID <= 0 {
		missing = append(missing, "inbound_id")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required credentials: %s", strings.Join(missing, ", "))
	}
	if s.Connection.Port <= 0 || s.Connection.Port > 65535 {
		return fmt.Errorf("invalid connection port %d", s.Connection.Port)
	}
	return nil
}

// ParseNodeSettings decodes a JSON credential blob, applies defaults and
// validates it.
func ParseNodeSettings(blob []byte) (NodeSettings, error) {
	var s NodeSettings
	if len(blob) == 0 {
		return s, errors.New("node has no api credentials configured")
	}
	if err := json.Unmarshal(blob, &s); err != nil {
		return s, fmt.Errorf("invalid credentials json: %w", err)
	}
	s.ApplyDefaults()
	if err := s.Validate(); err != nil {
		return s, err
	}
	return s, nil
}
