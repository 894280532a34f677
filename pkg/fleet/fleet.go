// Package fleet decides where a subscription's credentials live and keeps
// them in step with the nodes: allocation, scoring, the subscription
// lifecycle and traffic bookkeeping.
package fleet

import (
	"errors"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"keyfleet/pkg/metrics"
	"keyfleet/pkg/model"
)

// ErrAllocationExhausted is returned when every node targeted for a
// subscription failed.
var ErrAllocationExhausted = errors.New("allocation exhausted: every target node failed")

// Publisher receives fleet events, e.g. the websocket hub.
type Publisher interface {
	Publish(model.Event)
}

// Options are shared by the fleet components. Zero values get defaults.
type Options struct {
	Clock   clock.Clock
	Logger  *zap.Logger
	Metrics *metrics.Metrics
	Events  Publisher
}

func (o Options) withDefaults() Options {
	if o.Clock == nil {
		o.Clock = clock.New()
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return o
}

func (o Options) publish(ev model.Event) {
	if o.Events == nil {
		return
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = o.Clock.Now()
	}
	o.Events.Publish(ev)
}

func nodeFields(n model.Node) []zap.Field {
	return []zap.Field{zap.Uint("node_id", n.ID), zap.String("node", n.Name)}
}
