package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegister(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New()
	require.NoError(t, m.Register(reg))

	m.FeedMessages.WithLabelValues("malformed").Inc()
	m.FeedMessages.WithLabelValues("malformed").Inc()
	assert.Equal(t, 2.0, testutil.ToFloat64(m.FeedMessages.WithLabelValues("malformed")))

	// registering twice is rejected
	assert.Error(t, m.Register(reg))
}
