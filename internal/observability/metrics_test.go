package observability

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterMetrics(t *testing.T) {
	r := prometheus.NewRegistry()
	require.NoError(t, RegisterMetrics(r))

	Sessions.Set(3)
	families, err := r.Gather()
	require.NoError(t, err)
	names := make(map[string]bool, len(families))
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["lobby_sessions"])

	var already prometheus.AlreadyRegisteredError
	assert.True(t, errors.As(RegisterMetrics(r), &already))
}

func TestOutcome(t *testing.T) {
	assert.Equal(t, OutcomeOK, Outcome(nil))
	assert.Equal(t, OutcomeFailed, Outcome(errors.New("x")))
}
