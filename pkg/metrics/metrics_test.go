package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestConnectionMetrics(t *testing.T) {
	ConnectionsTotal.Reset()
	ConnectionsCurrent.Reset()

	ConnectionsTotal.WithLabelValues("pop3").Inc()
	ConnectionsTotal.WithLabelValues("pop3").Inc()
	ConnectionsCurrent.WithLabelValues("smtp").Inc()
	ConnectionsCurrent.WithLabelValues("smtp").Dec()

	assert.Equal(t, 2.0, testutil.ToFloat64(ConnectionsTotal.WithLabelValues("pop3")))
	assert.Equal(t, 0.0, testutil.ToFloat64(ConnectionsCurrent.WithLabelValues("smtp")))
}

func TestObserveAPICall(t *testing.T) {
	APIRequestsTotal.Reset()
	APIRequestDuration.Reset()

	ObserveAPICall("mastodon", "fetch_timeline", "ok", time.Now().Add(-150*time.Millisecond))
	ObserveAPICall("mastodon", "fetch_timeline", "timeout", time.Now())

	assert.Equal(t, 1.0, testutil.ToFloat64(APIRequestsTotal.WithLabelValues("mastodon", "fetch_timeline", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(APIRequestsTotal.WithLabelValues("mastodon", "fetch_timeline", "timeout")))
	assert.Equal(t, 1, testutil.CollectAndCount(APIRequestDuration))
}

func TestCommandMetrics(t *testing.T) {
	CommandsTotal.Reset()

	for _, cmd := range []string{"USER", "PASS", "STAT", "STAT"} {
		CommandsTotal.WithLabelValues("pop3", cmd, "success").Inc()
	}
	CommandsTotal.WithLabelValues("smtp", "DATA", "failure").Inc()

	assert.Equal(t, 2.0, testutil.ToFloat64(CommandsTotal.WithLabelValues("pop3", "STAT", "success")))
	assert.Equal(t, 4, testutil.CollectAndCount(CommandsTotal))
}
