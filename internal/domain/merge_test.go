package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMergeResults(t *testing.T) {
	tests := []struct {
		name     string
		current  map[string]interface{}
		results  map[string]interface{}
		expected map[string]interface{}
	}{
		{
			name:     "simple object merge",
			current:  map[string]interface{}{"name": "orders", "rows": 30.0},
			results:  map[string]interface{}{"rows": 31.0, "score": 0.9},
			expected: map[string]interface{}{"name": "orders", "rows": 31.0, "score": 0.9},
		},
		{
			name: "nested object merge",
			current: map[string]interface{}{
				"quality": map[string]interface{}{"score": 0.7, "issues": 2.0},
			},
			results: map[string]interface{}{
				"quality": map[string]interface{}{"score": 0.8},
				"status":  "ok",
			},
			expected: map[string]interface{}{
				"quality": map[string]interface{}{"score": 0.8, "issues": 2.0},
				"status":  "ok",
			},
		},
		{
			name:     "arrays concatenate",
			current:  map[string]interface{}{"findings": []interface{}{"a"}},
			results:  map[string]interface{}{"findings": []interface{}{"b", "c"}},
			expected: map[string]interface{}{"findings": []interface{}{"a", "b", "c"}},
		},
		{
			name:     "false overrides true",
			current:  map[string]interface{}{"passed": true},
			results:  map[string]interface{}{"passed": false},
			expected: map[string]interface{}{"passed": false},
		},
		{
			name:     "empty current",
			current:  nil,
			results:  map[string]interface{}{"key": "value"},
			expected: map[string]interface{}{"key": "value"},
		},
		{
			name:     "empty results",
			current:  map[string]interface{}{"key": "value"},
			results:  nil,
			expected: map[string]interface{}{"key": "value"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			merged, err := MergeResults(tt.current, tt.results)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, merged)
		})
	}
}

func TestMergeResultsLeavesInputsAlone(t *testing.T) {
	current := map[string]interface{}{
		"quality": map[string]interface{}{"score": 0.7},
	}
	results := map[string]interface{}{
		"quality": map[string]interface{}{"score": 0.9},
	}

	_, err := MergeResults(current, results)
	require.NoError(t, err)

	assert.Equal(t, 0.7, current["quality"].(map[string]interface{})["score"])
}

func TestApplySettings(t *testing.T) {
	cfg := DefaultGovernorConfig()
	original := cfg.Thresholds.MemoryUsage

	err := ApplySettings(&cfg, map[string]interface{}{
		"thresholds":          map[string]interface{}{"queue_length": 42},
		"alert_cooldown":      "2m",
		"fail_open":           true,
		"max_concurrent_runs": 7,
	})
	require.NoError(t, err)

	assert.Equal(t, 42, cfg.Thresholds.QueueLength)
	assert.Equal(t, original, cfg.Thresholds.MemoryUsage)
	assert.Equal(t, 2*time.Minute, cfg.AlertCooldown)
	assert.True(t, cfg.FailOpen)
	assert.Equal(t, 7, cfg.MaxConcurrentRuns)

	require.NoError(t, ApplySettings(&cfg, map[string]interface{}{"fail_open": false}))
	assert.False(t, cfg.FailOpen)
}

func TestApplySettingsRejectsBadInput(t *testing.T) {
	cfg := DefaultGovernorConfig()
	before := cfg

	err := ApplySettings(&cfg, map[string]interface{}{"no_such_key": 1})
	require.Error(t, err)
	assert.Equal(t, CategoryConfiguration, GetErrorCategory(err))

	cfg = before
	err = ApplySettings(&cfg, map[string]interface{}{"max_concurrent_runs": "lots"})
	require.Error(t, err)
}
