package xui

import (
	"encoding/json"
	"fmt"
	"time"
)

// envelope wraps every panel response.
type envelope struct {
	Success bool            `json:"success"`
	Msg     string          `json:"msg"`
	Obj     json.RawMessage `json:"obj"`
}

// inbound is a listener on the panel. Settings is itself a JSON document
// encoded as a string.
type inbound struct {
	ID          int             `json:"id"`
	Remark      string          `json:"remark"`
	Enable      bool            `json:"enable"`
	Port        int             `json:"port"`
	Protocol    string          `json:"protocol"`
	Settings    string          `json:"settings"`
	ClientStats []clientTraffic `json:"clientStats"`
}

// client is one entry in an inbound's settings.clients array.
type client struct {
	ID         string `json:"id"`
	Flow       string `json:"flow"`
	Email      string `json:"email"`
	LimitIP    int    `json:"limitIp"`
	TotalGB    int64  `json:"totalGB"`
	ExpiryTime int64  `json:"expiryTime"`
	Enable     bool   `json:"enable"`
	TgID       string `json:"tgId"`
	SubID      string `json:"subId"`
	Reset      int    `json:"reset"`
}

// clientTraffic mirrors the panel's per-client counters.
type clientTraffic struct {
	ID         int    `json:"id"`
	InboundID  int    `json:"inboundId"`
	Enable     bool   `json:"enable"`
	Email      string `json:"email"`
	Up         int64  `json:"up"`
	Down       int64  `json:"down"`
	ExpiryTime int64  `json:"expiryTime"`
	Total      int64  `json:"total"`
}

type serverStatus struct {
	Uptime int64 `json:"uptime"`
	Xray   struct {
		State   string `json:"state"`
		Version string `json:"version"`
	} `json:"xray"`
}

// clientPayload is the body of addClient/updateClient.
type clientPayload struct {
	ID       int    `json:"id"`
	Settings string `json:"settings"`
}

func newClientPayload(inboundID int, clients ...any) (clientPayload, error) {
	b, err := json.Marshal(map[string]any{"clients": clients})
	if err != nil {
		return clientPayload{}, err
	}
	return clientPayload{ID: inboundID, Settings: string(b)}, nil
}

// clients decodes the inbound's settings document.
func (in inbound) clients() ([]client, error) {
	var s struct {
		Clients []client `json:"clients"`
	}
	if in.Settings == "" {
		return nil, nil
	}
	if err := json.Unmarshal([]byte(in.Settings), &s); err != nil {
		return nil, fmt.Errorf("inbound %d settings: %w", in.ID, err)
	}
	return s.Clients, nil
}

// rawClient returns the full client object for email, keeping fields this
// package does not model so an update resubmits them untouched.
func (in inbound) rawClient(email string) (map[string]any, bool, error) {
	var s struct {
		Clients []map[string]any `json:"clients"`
	}
	if in.Settings == "" {
		return nil, false, nil
	}
	if err := json.Unmarshal([]byte(in.Settings), &s); err != nil {
		return nil, false, fmt.Errorf("inbound %d settings: %w", in.ID, err)
	}
	for _, c := range s.Clients {
		if e, _ := c["email"].(string); e == email {
			return c, true, nil
		}
	}
	return nil, false, nil
}

func msToTime(ms int64) *time.Time {
	if ms <= 0 {
		return nil
	}
	t := time.UnixMilli(ms).UTC()
	return &t
}
