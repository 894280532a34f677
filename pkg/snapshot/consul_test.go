//go:build consul

package snapshot

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"keyfleet/pkg/model"
)

func TestConsulStoreLogsSaveFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPut {
			http.Error(w, "rpc error: no cluster leader", http.StatusInternalServerError)
			return
		}
		http.NotFound(w, r)
	}))
	t.Cleanup(srv.Close)

	core, logs := observer.New(zap.WarnLevel)
	s, err := NewConsulStore(strings.TrimPrefix(srv.URL, "http://"), "keyfleet/server_scores", zap.New(core))
	require.NoError(t, err)
	ctx := context.Background()

	_, ok, err := s.Load(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	err = s.Save(ctx, model.ScoreSnapshot{UpdatedAt: time.Now(), ChosenIDs: []uint{1}})
	require.Error(t, err)
	entries := logs.FilterMessage("consul snapshot save failed").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "keyfleet/server_scores", entries[0].ContextMap()["key"])
}
