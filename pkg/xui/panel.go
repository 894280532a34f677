package xui

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"
)

// panelError is a response the panel produced: either a non-2xx status or
// an envelope with success=false.
type panelError struct {
	Status int
	Msg    string
}

func (e *panelError) Error() string {
	if e.Msg == "" {
		return fmt.Sprintf("panel returned status %d", e.Status)
	}
	return fmt.Sprintf("panel returned status %d: %s", e.Status, e.Msg)
}

// panel is the HTTP transport for one 3x-ui control plane. The session
// cookie lives in the jar.
type panel struct {
	base string
	http *http.Client
}

func newPanel(apiURL string, verifyTLS bool, timeout time.Duration) (*panel, error) {
	u, err := url.Parse(apiURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid panel url %q", apiURL)
	}
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: !verifyTLS} //nolint:gosec
	return &panel{
		base: strings.TrimRight(u.String(), "/"),
		http: &http.Client{
			Timeout:   timeout,
			Transport: transport,
			Jar:       jar,
		},
	}, nil
}

// login refreshes the session cookie in place. The jar is shared by every
// in-flight request and is never swapped out.
func (p *panel) login(ctx context.Context, username, password string) error {
	form := url.Values{"username": {username}, "password": {password}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.base+"/login", strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return p.exchange(req, nil)
}

func (p *panel) listInbounds(ctx context.Context) ([]inbound, error) {
	var out []inbound
	err := p.call(ctx, http.MethodGet, "/panel/api/inbounds/list", nil, &out)
	return out, err
}

func (p *panel) getInbound(ctx context.Context, id int) (inbound, error) {
	var out inbound
	err := p.call(ctx, http.MethodGet, fmt.Sprintf("/panel/api/inbounds/get/%d", id), nil, &out)
	return out, err
}

func (p *panel) addClient(ctx context.Context, inboundID int, c client) error {
	body, err := newClientPayload(inboundID, c)
	if err != nil {
		return err
	}
	return p.call(ctx, http.MethodPost, "/panel/api/inbounds/addClient", body, nil)
}

func (p *panel) deleteClient(ctx context.Context, inboundID int, uuid string) error {
	path := fmt.Sprintf("/panel/api/inbounds/%d/delClient/%s", inboundID, url.PathEscape(uuid))
	return p.call(ctx, http.MethodPost, path, nil, nil)
}

func (p *panel) updateClient(ctx context.Context, inboundID int, uuid string, c map[string]any) error {
	body, err := newClientPayload(inboundID, c)
	if err != nil {
		return err
	}
	path := "/panel/api/inbounds/updateClient/" + url.PathEscape(uuid)
	return p.call(ctx, http.MethodPost, path, body, nil)
}

// clientTraffic returns nil when the panel knows no client with that email.
func (p *panel) clientTraffic(ctx context.Context, email string) (*clientTraffic, error) {
	var out *clientTraffic
	path := "/panel/api/inbounds/getClientTraffics/" + url.PathEscape(email)
	if err := p.call(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (p *panel) status(ctx context.Context) (serverStatus, error) {
	var out serverStatus
	err := p.call(ctx, http.MethodPost, "/server/status", nil, &out)
	return out, err
}

func (p *panel) call(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, p.base+path, rd)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return p.exchange(req, out)
}

func (p *panel) exchange(req *http.Request, out any) error {
	resp, err := p.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode >= 300 {
		return &panelError{Status: resp.StatusCode, Msg: strings.TrimSpace(string(raw))}
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("decode response from %s: %w", req.URL.Path, err)
	}
	if !env.Success {
		return &panelError{Status: resp.StatusCode, Msg: env.Msg}
	}
	if out == nil || len(env.Obj) == 0 || string(env.Obj) == "null" {
		return nil
	}
	if err := json.Unmarshal(env.Obj, out); err != nil {
		return fmt.Errorf("decode obj from %s: %w", req.URL.Path, err)
	}
	return nil
}

func isPanelError(err error) (*panelError, bool) {
	var pe *panelError
	ok := errors.As(err, &pe)
	return pe, ok
}
