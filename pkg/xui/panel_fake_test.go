package xui

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
)

// fakePanel emulates the subset of the 3x-ui API the driver uses.
type fakePanel struct {
	t   *testing.T
	srv *httptest.Server

	mu        sync.Mutex
	inboundID int
	clients   []map[string]any
	traffic   map[string]clientTraffic
	token     string
	logins    int
	rejectPwd bool
	noStatus  bool
	calls     []string
	added     []string
}

func newFakePanel(t *testing.T, inboundID int) *fakePanel {
	t.Helper()
	p := &fakePanel{t: t, inboundID: inboundID, traffic: map[string]clientTraffic{}}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /login", p.login)
	mux.HandleFunc("GET /panel/api/inbounds/list", p.authed(p.list))
	mux.HandleFunc("GET /panel/api/inbounds/get/{id}", p.authed(p.get))
	mux.HandleFunc("POST /panel/api/inbounds/addClient", p.authed(p.add))
	mux.HandleFunc("POST /panel/api/inbounds/{id}/delClient/{uuid}", p.authed(p.del))
	mux.HandleFunc("POST /panel/api/inbounds/updateClient/{uuid}", p.authed(p.update))
	mux.HandleFunc("GET /panel/api/inbounds/getClientTraffics/{email}", p.authed(p.clientTraffic))
	mux.HandleFunc("POST /server/status", p.authed(p.status))
	p.srv = httptest.NewServer(mux)
	t.Cleanup(p.srv.Close)
	return p
}

func (p *fakePanel) URL() string { return p.srv.URL }

// seed adds a client directly to the inbound.
func (p *fakePanel) seed(c map[string]any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.clients = append(p.clients, c)
}

// rejectLogins makes every login fail with bad credentials.
func (p *fakePanel) rejectLogins() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rejectPwd = true
}

// dropStatusRoute makes /server/status unknown, as on some panel builds.
func (p *fakePanel) dropStatusRoute() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.noStatus = true
}

// expireSession invalidates the cookie handed out by the last login.
func (p *fakePanel) expireSession() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.token = ""
}

func (p *fakePanel) emails() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for _, c := range p.clients {
		out = append(out, c["email"].(string))
	}
	return out
}

func (p *fakePanel) client(email string) map[string]any {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, c := range p.clients {
		if c["email"] == email {
			return c
		}
	}
	return nil
}

// addedWithPrefix lists every email ever added that starts with prefix.
func (p *fakePanel) addedWithPrefix(prefix string) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for _, e := range p.added {
		if strings.HasPrefix(e, prefix) {
			out = append(out, e)
		}
	}
	return out
}

func (p *fakePanel) loginCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.logins
}

func (p *fakePanel) reply(w http.ResponseWriter, ok bool, msg string, obj any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"success": ok, "msg": msg, "obj": obj})
}

func (p *fakePanel) login(w http.ResponseWriter, r *http.Request) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.rejectPwd || r.FormValue("username") != "admin" || r.FormValue("password") != "secret" {
		p.reply(w, false, "Wrong username or password", nil)
		return
	}
	p.logins++
	p.token = "session-" + strconv.Itoa(p.logins)
	http.SetCookie(w, &http.Cookie{Name: "3x-ui", Value: p.token, Path: "/"})
	p.reply(w, true, "Login Successfully", nil)
}

func (p *fakePanel) authed(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p.mu.Lock()
		c, err := r.Cookie("3x-ui")
		ok := err == nil && p.token != "" && c.Value == p.token
		p.calls = append(p.calls, r.Method+" "+r.URL.Path)
		p.mu.Unlock()
		if !ok {
			http.NotFound(w, r)
			return
		}
		h(w, r)
	}
}

func (p *fakePanel) inboundLocked() map[string]any {
	settings, _ := json.Marshal(map[string]any{"clients": p.clients, "decryption": "none"})
	stats := make([]clientTraffic, 0, len(p.traffic))
	for _, s := range p.traffic {
		stats = append(stats, s)
	}
	return map[string]any{
		"id":          p.inboundID,
		"remark":      "reality",
		"enable":      true,
		"port":        443,
		"protocol":    "vless",
		"settings":    string(settings),
		"clientStats": stats,
	}
}

func (p *fakePanel) list(w http.ResponseWriter, _ *http.Request) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reply(w, true, "", []any{p.inboundLocked()})
}

func (p *fakePanel) get(w http.ResponseWriter, r *http.Request) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if r.PathValue("id") != strconv.Itoa(p.inboundID) {
		p.reply(w, false, "Failed to get inbound: record not found", nil)
		return
	}
	p.reply(w, true, "", p.inboundLocked())
}

func (p *fakePanel) decodeClients(r *http.Request) (int, []map[string]any) {
	var body clientPayload
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		p.t.Errorf("decode payload: %v", err)
		return 0, nil
	}
	var s struct {
		Clients []map[string]any `json:"clients"`
	}
	if err := json.Unmarshal([]byte(body.Settings), &s); err != nil {
		p.t.Errorf("decode settings: %v", err)
	}
	return body.ID, s.Clients
}

func (p *fakePanel) add(w http.ResponseWriter, r *http.Request) {
	id, clients := p.decodeClients(r)
	p.mu.Lock()
	defer p.mu.Unlock()
	if id != p.inboundID {
		p.reply(w, false, "Something went wrong! Failed: record not found", nil)
		return
	}
	for _, c := range clients {
		for _, existing := range p.clients {
			if existing["email"] == c["email"] {
				p.reply(w, false, fmt.Sprintf("Something went wrong! Failed: Duplicate email: %s", c["email"]), nil)
				return
			}
		}
	}
	p.clients = append(p.clients, clients...)
	for _, c := range clients {
		p.added = append(p.added, c["email"].(string))
	}
	p.reply(w, true, "Client(s) added Successfully", nil)
}

func (p *fakePanel) del(w http.ResponseWriter, r *http.Request) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := r.PathValue("uuid")
	for i, c := range p.clients {
		if c["id"] != id {
			continue
		}
		if len(p.clients) == 1 {
			p.reply(w, false, "Something went wrong! Failed: no client remained in Inbound", nil)
			return
		}
		p.clients = append(p.clients[:i], p.clients[i+1:]...)
		p.reply(w, true, "Client deleted Successfully", nil)
		return
	}
	p.reply(w, false, "Something went wrong! Failed: Client Not Found In Inbound For ID: "+id, nil)
}

func (p *fakePanel) update(w http.ResponseWriter, r *http.Request) {
	_, clients := p.decodeClients(r)
	p.mu.Lock()
	defer p.mu.Unlock()
	id := r.PathValue("uuid")
	for i, c := range p.clients {
		if c["id"] == id && len(clients) == 1 {
			p.clients[i] = clients[0]
			p.reply(w, true, "Client updated Successfully", nil)
			return
		}
	}
	p.reply(w, false, "Something went wrong! Failed: Client Not Found For ID: "+id, nil)
}

func (p *fakePanel) clientTraffic(w http.ResponseWriter, r *http.Request) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.traffic[r.PathValue("email")]
	if !ok {
		p.reply(w, true, "", nil)
		return
	}
	p.reply(w, true, "", s)
}

func (p *fakePanel) status(w http.ResponseWriter, r *http.Request) {
	p.mu.Lock()
	missing := p.noStatus
	p.mu.Unlock()
	if missing {
		http.NotFound(w, r)
		return
	}
	p.reply(w, true, "", map[string]any{
		"uptime": 3600,
		"xray":   map[string]any{"state": "running", "version": "1.8.24"},
	})
}
