package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestDurationUnmarshalYAML(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected time.Duration
		wantErr  bool
	}{
		{name: "seconds", input: `"30s"`, expected: 30 * time.Second},
		{name: "minutes", input: `"5m"`, expected: 5 * time.Minute},
		{name: "compound", input: `"1h30m"`, expected: 90 * time.Minute},
		{name: "integer nanoseconds", input: `1000000000`, expected: time.Second},
		{name: "garbage", input: `"soon"`, wantErr: true},
		{name: "wrong type", input: `[1, 2]`, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var d Duration
			err := yaml.Unmarshal([]byte(tt.input), &d)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, d.Std())
		})
	}
}

func TestDurationMarshalRoundTrip(t *testing.T) {
	d := Duration(90 * time.Second)
	out, err := yaml.Marshal(d)
	require.NoError(t, err)
	assert.Equal(t, "1m30s\n", string(out))

	var back Duration
	require.NoError(t, yaml.Unmarshal(out, &back))
	assert.Equal(t, d, back)
}

func TestRetryPolicyFor(t *testing.T) {
	cfg := &Config{
		Retry: map[string]RetryPolicy{
			"default": {MaxAttempts: 5, BaseBackoff: Duration(time.Second), Multiplier: 2, MaxBackoff: Duration(5 * time.Minute)},
			"tool":    {MaxAttempts: 3, BaseBackoff: Duration(2 * time.Second), Multiplier: 2, MaxBackoff: Duration(time.Minute)},
		},
	}

	assert.Equal(t, 3, cfg.RetryPolicyFor("tool").MaxAttempts)
	assert.Equal(t, 5, cfg.RetryPolicyFor("policy").MaxAttempts)

	empty := &Config{}
	assert.Equal(t, DefaultRetryPolicy(), empty.RetryPolicyFor("intake"))
}

func TestDefaults(t *testing.T) {
	w := DefaultWorkerConfig()
	assert.Equal(t, 4, w.Concurrency)
	assert.Equal(t, 30*time.Second, w.HandlerDeadline.Std())
	assert.Equal(t, 60*time.Second, w.SLATick.Std())

	b := DefaultBrokerConfig()
	assert.Equal(t, "postgres", b.Kind)
	assert.EqualValues(t, 16, b.Partitions)

	r := DefaultRetryPolicy()
	assert.Equal(t, 5, r.MaxAttempts)
	assert.Equal(t, time.Second, r.BaseBackoff.Std())
	assert.Equal(t, 0.2, r.JitterFraction)
}
