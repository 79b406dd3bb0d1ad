// Package broadcast provides named, best-effort publish/subscribe channels.
package broadcast

import (
	"context"
	"errors"
	"sort"
	"strings"

	"github.com/CzarSimon/httputil/logger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var log = logger.GetDefaultLogger("call-manager/broadcast")

// CallRecordsChannel carries models.CallEvent notifications for every call record write.
const CallRecordsChannel = "call-records"

// ErrClosed returned when using a closed transport.
var ErrClosed = errors.New("broadcast transport closed")

// Prometheus metrics.
var (
	publishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "broadcast_published_total",
			Help: "The total number of messages published on broadcast channels",
		},
		[]string{"transport", "result"},
	)
	droppedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "broadcast_dropped_total",
			Help: "The total number of messages dropped for slow subscribers",
		},
	)
)

// Transport named publish/subscribe without persistence. Delivery is at-least-once
// and best-effort: only subscribers present at publish time receive a message.
type Transport interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (Subscription, error)
	Close() error
}

// Subscription a live subscription to one channel.
type Subscription interface {
	Messages() <-chan []byte
	Close() error
}

// ChannelName derives the call channel name from the participants and the call id.
// Participant order does not matter so both sides compute the same name.
func ChannelName(userA, userB, callID string) string {
	ids := []string{userA, userB}
	sort.Strings(ids)
	return "call:" + strings.Join(ids, ":") + ":" + callID
}
