// Package xui implements driver.Driver against the 3x-ui panel HTTP API.
package xui

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"keyfleet/pkg/driver"
	"keyfleet/pkg/model"
)

// DefaultRemotePrefix is the first segment of every remote identifier.
const DefaultRemotePrefix = "kf"

// Options tune drivers built by NewFactory.
type Options struct {
	RemotePrefix string
	Timeout      time.Duration
	Logger       *zap.Logger
}

func (o Options) withDefaults() Options {
	if o.RemotePrefix == "" {
		o.RemotePrefix = DefaultRemotePrefix
	}
	if o.Timeout <= 0 {
		o.Timeout = 30 * time.Second
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return o
}

// Driver manages credentials on one 3x-ui inbound.
type Driver struct {
	node     model.Node
	settings model.NodeSettings
	opts     Options
	log      *zap.Logger
	api      *panel

	mu       sync.Mutex // guards loggedIn and serializes re-login
	loggedIn bool
}

var _ driver.Driver = (*Driver)(nil)

// NewFactory returns a driver.Factory producing 3x-ui drivers.
func NewFactory(opts Options) driver.Factory {
	return func(node model.Node) (driver.Driver, error) {
		return New(node, opts)
	}
}

// New builds a driver for node. Settings are validated here so a
// misconfigured node fails before any network call.
func New(node model.Node, opts Options) (*Driver, error) {
	opts = opts.withDefaults()
	settings := node.Settings
	settings.ApplyDefaults()
	if err := settings.Validate(); err != nil {
		return nil, driver.Errorf("init", node.Label(), driver.ErrListenerConfiguration, "%v", err)
	}
	api, err := newPanel(node.APIURL, settings.TLSVerify(), opts.Timeout)
	if err != nil {
		return nil, driver.Errorf("init", node.Label(), driver.ErrListenerConfiguration, "%v", err)
	}
	return &Driver{
		node:     node,
		settings: settings,
		opts:     opts,
		log:      opts.Logger.With(zap.Uint("node_id", node.ID), zap.String("node", node.Name)),
		api:      api,
	}, nil
}

// RemoteID is the identifier the node knows a subscription's entry by.
func (d *Driver) RemoteID(ownerID int64, subscriptionID uint) string {
	return fmt.Sprintf("%s_%d_%d_s%d", d.opts.RemotePrefix, ownerID, subscriptionID, d.node.ID)
}

func (d *Driver) inboundID() int {
	return d.settings.InboundID
}

// publicHost is where clients connect. The panel URL host is the fallback
// for nodes seeded without one.
func (d *Driver) publicHost() string {
	if h := strings.TrimSpace(d.node.Host); h != "" {
		return h
	}
	u, err := url.Parse(d.node.APIURL)
	if err != nil {
		return ""
	}
	if h, _, err := net.SplitHostPort(u.Host); err == nil {
		return h
	}
	return u.Host
}

func (d *Driver) login(ctx context.Context) error {
	if err := d.api.login(ctx, d.settings.Username, d.settings.Password); err != nil {
		d.loggedIn = false
		kind := classify(err)
		if _, ok := isPanelError(err); ok && kind != driver.ErrConnectionFailed {
			kind = driver.ErrAuthenticationFailed
		}
		return &driver.Error{Op: "login", Node: d.node.Label(), Kind: kind, Err: err}
	}
	d.loggedIn = true
	d.log.Debug("logged in to panel")
	return nil
}

// session makes sure a usable session exists. A session that fails the
// probe gets exactly one re-login.
func (d *Driver) session(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.loggedIn {
		return d.login(ctx)
	}
	_, err := d.api.listInbounds(ctx)
	if err == nil {
		return nil
	}
	d.log.Info("session probe failed, re-authenticating", zap.Error(err))
	return d.login(ctx)
}

func (d *Driver) invalidate() {
	d.mu.Lock()
	d.loggedIn = false
	d.mu.Unlock()
}

// run executes fn under a verified session. An authentication failure
// inside fn triggers one re-login and one retry.
func (d *Driver) run(ctx context.Context, op string, fn func() error) error {
	if err := d.session(ctx); err != nil {
		return err
	}
	err := d.wrap(op, fn())
	if errors.Is(err, driver.ErrAuthenticationFailed) {
		d.log.Info("session rejected, retrying once", zap.String("op", op))
		d.invalidate()
		if serr := d.session(ctx); serr != nil {
			return serr
		}
		err = d.wrap(op, fn())
	}
	return err
}

func (d *Driver) wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	var de *driver.Error
	if errors.As(err, &de) {
		return err
	}
	return &driver.Error{Op: op, Node: d.node.Label(), Kind: classify(err), Err: err}
}

// classify maps a transport or panel failure to a driver error kind.
func classify(err error) error {
	if pe, ok := isPanelError(err); ok {
		switch {
		case pe.Status == 401 || pe.Status == 403 || pe.Status == 404:
			// the panel answers unauthenticated api calls with 404
			return driver.ErrAuthenticationFailed
		case pe.Status >= 500:
			return driver.ErrConnectionFailed
		}
		msg := strings.ToLower(pe.Msg)
		switch {
		case strings.Contains(msg, "duplicate email"):
			return driver.ErrDuplicateIdentifier
		case strings.Contains(msg, "no client remained"):
			return driver.ErrLastEntry
		case strings.Contains(msg, "record not found"), strings.Contains(msg, "inbound"):
			return driver.ErrListenerConfiguration
		}
		return driver.ErrRemote
	}
	var ue *url.Error
	var ne net.Error
	if errors.As(err, &ue) || errors.As(err, &ne) ||
		errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return driver.ErrConnectionFailed
	}
	return driver.ErrRemote
}

// CreateCredential adds a new client to the node's inbound. A stale entry
// with the same remote id is replaced.
func (d *Driver) CreateCredential(ctx context.Context, sub model.Subscription, ownerID int64) (model.Credential, error) {
	remoteID := d.RemoteID(ownerID, sub.ID)
	entry := client{
		ID:         uuid.NewString(),
		Flow:       d.settings.Connection.Flow,
		Email:      remoteID,
		LimitIP:    sub.DeviceLimit,
		ExpiryTime: sub.ExpiresAt.UnixMilli(),
		Enable:     true,
	}
	err := d.run(ctx, "create", func() error {
		return d.api.addClient(ctx, d.inboundID(), entry)
	})
	if errors.Is(err, driver.ErrDuplicateIdentifier) {
		d.log.Warn("remote id already present, replacing stale entry", zap.String("remote_id", remoteID))
		err = d.replaceStale(ctx, entry)
	}
	if err != nil {
		return model.Credential{}, err
	}
	d.log.Info("client created", zap.String("remote_id", remoteID), zap.Uint("subscription_id", sub.ID))

	label := d.node.Name
	return model.Credential{
		SubscriptionID: sub.ID,
		NodeID:         model.NodeRef(d.node.ID),
		Protocol:       model.ProtocolXUI,
		RemoteID:       remoteID,
		Payload:        BuildURI(entry.ID, d.publicHost(), d.settings.Connection, label),
		Label:          label,
		Active:         true,
	}, nil
}

// replaceStale deletes the entry already holding entry.Email and re-adds
// entry. The panel refuses to delete the last client of an inbound, so in
// that case a placeholder keeps the inbound populated until the new entry
// exists.
func (d *Driver) replaceStale(ctx context.Context, entry client) error {
	var placeholder *client
	err := d.deleteByRemoteID(ctx, "create", entry.Email)
	switch {
	case err == nil, driver.IsNotFound(err):
	case errors.Is(err, driver.ErrLastEntry):
		p := client{
			ID:         uuid.NewString(),
			Flow:       entry.Flow,
			Email:      placeholderEmail(),
			LimitIP:    1,
			ExpiryTime: entry.ExpiryTime,
			Enable:     true,
		}
		if err := d.wrap("create", d.api.addClient(ctx, d.inboundID(), p)); err != nil {
			return err
		}
		placeholder = &p
		if err := d.deleteByRemoteID(ctx, "create", entry.Email); err != nil {
			d.dropPlaceholder(ctx, placeholder)
			return err
		}
	default:
		return err
	}

	err = d.wrap("create", d.api.addClient(ctx, d.inboundID(), entry))
	d.dropPlaceholder(ctx, placeholder)
	return err
}

// placeholderEmail is unique per call so concurrent recoveries on one
// inbound never collide.
func placeholderEmail() string {
	return "temp_" + uuid.NewString()[:8]
}

func (d *Driver) dropPlaceholder(ctx context.Context, p *client) {
	if p == nil {
		return
	}
	if err := d.api.deleteClient(ctx, d.inboundID(), p.ID); err != nil {
		d.log.Warn("failed to remove placeholder client", zap.String("email", p.Email), zap.Error(err))
	}
}

// lookup finds the client with the given email on the driver's inbound.
func (d *Driver) lookup(ctx context.Context, op, remoteID string) (inbound, client, error) {
	in, err := d.api.getInbound(ctx, d.inboundID())
	if err != nil {
		return inbound{}, client{}, d.wrap(op, err)
	}
	if in.ID == 0 {
		return inbound{}, client{}, driver.Errorf(op, d.node.Label(), driver.ErrListenerConfiguration, "inbound %d not found", d.inboundID())
	}
	clients, err := in.clients()
	if err != nil {
		return inbound{}, client{}, driver.Errorf(op, d.node.Label(), driver.ErrRemote, "%v", err)
	}
	for _, c := range clients {
		if c.Email == remoteID {
			return in, c, nil
		}
	}
	return in, client{}, driver.Errorf(op, d.node.Label(), driver.ErrCredentialNotFound, "no client %q on inbound %d", remoteID, in.ID)
}

func (d *Driver) deleteByRemoteID(ctx context.Context, op, remoteID string) error {
	_, c, err := d.lookup(ctx, op, remoteID)
	if err != nil {
		return err
	}
	return d.wrap(op, d.api.deleteClient(ctx, d.inboundID(), c.ID))
}

// DeleteCredential removes the credential's client from the inbound.
func (d *Driver) DeleteCredential(ctx context.Context, cred model.Credential) error {
	err := d.run(ctx, "delete", func() error {
		return d.deleteByRemoteID(ctx, "delete", cred.RemoteID)
	})
	if err == nil {
		d.log.Info("client deleted", zap.String("remote_id", cred.RemoteID))
	}
	return err
}

// UpdateExpiry rewrites the client's expiry. The panel replaces the whole
// client object, so the live object is read back first.
func (d *Driver) UpdateExpiry(ctx context.Context, cred model.Credential, expiry time.Time) error {
	return d.run(ctx, "update_expiry", func() error {
		return d.patch(ctx, "update_expiry", cred.RemoteID, map[string]any{"expiryTime": expiry.UnixMilli()})
	})
}

// SetEnabled toggles the client's enable flag.
func (d *Driver) SetEnabled(ctx context.Context, cred model.Credential, enabled bool) error {
	return d.run(ctx, "set_enabled", func() error {
		return d.patch(ctx, "set_enabled", cred.RemoteID, map[string]any{"enable": enabled})
	})
}

func (d *Driver) patch(ctx context.Context, op, remoteID string, fields map[string]any) error {
	in, c, err := d.lookup(ctx, op, remoteID)
	if err != nil {
		return err
	}
	raw, ok, err := in.rawClient(remoteID)
	if err != nil {
		return driver.Errorf(op, d.node.Label(), driver.ErrRemote, "%v", err)
	}
	if !ok {
		return driver.Errorf(op, d.node.Label(), driver.ErrCredentialNotFound, "no client %q on inbound %d", remoteID, in.ID)
	}
	for k, v := range fields {
		raw[k] = v
	}
	return d.wrap(op, d.api.updateClient(ctx, in.ID, c.ID, raw))
}

// Traffic returns the client's cumulative counters.
func (d *Driver) Traffic(ctx context.Context, cred model.Credential) (driver.TrafficStats, error) {
	var stats driver.TrafficStats
	err := d.run(ctx, "traffic", func() error {
		ct, err := d.api.clientTraffic(ctx, cred.RemoteID)
		if err != nil {
			return err
		}
		if ct == nil {
			return driver.Errorf("traffic", d.node.Label(), driver.ErrCredentialNotFound, "no traffic record for %q", cred.RemoteID)
		}
		stats = driver.TrafficStats{
			RemoteID:  ct.Email,
			Upload:    ct.Up,
			Download:  ct.Down,
			Enabled:   ct.Enable,
			ExpiresAt: msToTime(ct.ExpiryTime),
		}
		return nil
	})
	return stats, err
}

// ListEntries returns every client on the driver's inbound with counters.
func (d *Driver) ListEntries(ctx context.Context) ([]driver.Entry, error) {
	var out []driver.Entry
	err := d.run(ctx, "list", func() error {
		in, err := d.api.getInbound(ctx, d.inboundID())
		if err != nil {
			return err
		}
		clients, err := in.clients()
		if err != nil {
			return driver.Errorf("list", d.node.Label(), driver.ErrRemote, "%v", err)
		}
		stats := make(map[string]clientTraffic, len(in.ClientStats))
		for _, s := range in.ClientStats {
			stats[s.Email] = s
		}
		out = make([]driver.Entry, 0, len(clients))
		for _, c := range clients {
			s := stats[c.Email]
			out = append(out, driver.Entry{
				UUID:       c.ID,
				RemoteID:   c.Email,
				Enabled:    c.Enable,
				ListenerID: in.ID,
				Upload:     s.Up,
				Download:   s.Down,
				ExpiresAt:  msToTime(c.ExpiryTime),
				Flow:       c.Flow,
				LimitIP:    c.LimitIP,
			})
		}
		return nil
	})
	return out, err
}

// HealthCheck verifies the session, logging in again only when the probe
// fails. A node that accepts the login is healthy; version and uptime are
// filled in when the panel reports its server status.
func (d *Driver) HealthCheck(ctx context.Context) driver.Health {
	if err := d.session(ctx); err != nil {
		return driver.Health{Error: err.Error()}
	}
	h := driver.Health{Healthy: true}
	st, err := d.api.status(ctx)
	if err != nil {
		d.log.Debug("server status unavailable", zap.Error(err))
		return h
	}
	h.Version = st.Xray.Version
	h.Uptime = time.Duration(st.Uptime) * time.Second
	return h
}
