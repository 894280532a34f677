package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// ScoreSnapshot is the set of least-loaded nodes chosen by the last scorer
// run. Allocation treats it as a soft cache with a freshness window.
type ScoreSnapshot struct {
	UpdatedAt time.Time `json:"-"`
	ChosenIDs []uint    `json:"chosen_ids"`
}

type snapshotJSON struct {
	UpdatedAt string `json:"updated_at"`
	ChosenIDs []uint `json:"chosen_ids"`
}

// legacy writers stored naive UTC timestamps without an offset
const naiveISO = "2006-01-02T15:04:05.999999999"

func (s ScoreSnapshot) MarshalJSON() ([]byte, error) {
	ids := s.ChosenIDs
	if ids == nil {
		ids = []uint{}
	}
	return json.Marshal(snapshotJSON{
		UpdatedAt: s.UpdatedAt.UTC().Format(time.RFC3339Nano),
		ChosenIDs: ids,
	})
}

func (s *ScoreSnapshot) UnmarshalJSON(b []byte) error {
	var raw snapshotJSON
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	ts, err := time.Parse(time.RFC3339Nano, raw.UpdatedAt)
	if err != nil {
		ts, err = time.ParseInLocation(naiveISO, raw.UpdatedAt, time.UTC)
		if err != nil {
			return fmt.Errorf("snapshot updated_at %q: %w", raw.UpdatedAt, err)
		}
	}
	s.UpdatedAt = ts
	s.ChosenIDs = raw.ChosenIDs
	return nil
}

// Fresh reports whether the snapshot is younger than ttl at now.
func (s ScoreSnapshot) Fresh(now time.Time, ttl time.Duration) bool {
	if s.UpdatedAt.IsZero() {
		return false
	}
	return now.Sub(s.UpdatedAt) <= ttl
}

// Preferred returns the chosen ids as a set.
func (s ScoreSnapshot) Preferred() map[uint]bool {
	out := make(map[uint]bool, len(s.ChosenIDs))
	for _, id := range s.ChosenIDs {
		out[id] = true
	}
	return out
}
