package docker

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentfleet.manager/internal/core/domain"
)

func TestDecodeStats(t *testing.T) {
	doc := `{
		"cpu_stats": {"cpu_usage": {"total_usage": 400000000}, "system_cpu_usage": 2000000000},
		"precpu_stats": {"cpu_usage": {"total_usage": 200000000}, "system_cpu_usage": 1000000000},
		"memory_stats": {"usage": 300000000, "limit": 1000000000, "stats": {"inactive_file": 100000000}}
	}`

	s, err := decodeStats(strings.NewReader(doc))
	require.NoError(t, err)
	assert.InDelta(t, 20.0, s.CPU, 1e-9)
	assert.Equal(t, int64(200000000), s.Memory)
}

func TestDecodeStatsFirstReading(t *testing.T) {
	doc := `{
		"cpu_stats": {"cpu_usage": {"total_usage": 400000000}, "system_cpu_usage": 2000000000},
		"precpu_stats": {},
		"memory_stats": {"usage": 5000}
	}`

	s, err := decodeStats(strings.NewReader(doc))
	require.NoError(t, err)
	assert.InDelta(t, 20.0, s.CPU, 1e-9)
	assert.Equal(t, int64(5000), s.Memory)
}

func TestDecodeStatsNoDelta(t *testing.T) {
	doc := `{"cpu_stats": {"cpu_usage": {"total_usage": 10}, "system_cpu_usage": 10},
		"precpu_stats": {"cpu_usage": {"total_usage": 10}, "system_cpu_usage": 10}}`

	s, err := decodeStats(strings.NewReader(doc))
	require.NoError(t, err)
	assert.Zero(t, s.CPU)
}

func TestDecodeStatsMalformed(t *testing.T) {
	_, err := decodeStats(strings.NewReader("{"))
	assert.Error(t, err)
}

func TestSampleIgnoresNonDockerAgents(t *testing.T) {
	s := &Sampler{}
	_, ok, err := s.Sample(context.Background(), &domain.Agent{
		ID:          "a1",
		Environment: domain.Environment{Runtime: "process"},
	})
	require.NoError(t, err)
	assert.False(t, ok)
}
