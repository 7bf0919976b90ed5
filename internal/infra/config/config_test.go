package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAppliesDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`
base_dir: /var/lib/fileflow
node_id: node-a
storage:
  driver: local
runner:
  max_retries_per_callback: 5
`))
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Addr)
	assert.Equal(t, "node-a", cfg.NodeID)
	assert.Equal(t, 24*time.Hour, cfg.TaskTTL)
	assert.Equal(t, 5, cfg.Runner.MaxRetriesPerCallback)
	assert.Equal(t, 5*time.Minute, cfg.Runner.StepTimeout)
	assert.Equal(t, 2.0, cfg.Runner.Multiplier)
	assert.Equal(t, 8, cfg.NATS.Partitions)
	assert.Equal(t, "fileflow.dispatch", cfg.NATS.SubjectPrefix)
	assert.Equal(t, 0.01, cfg.Guard.FalsePositiveRate)
	assert.Equal(t, "@every 30s", cfg.Sweeper.Spec)
	assert.Equal(t, 5*time.Second, cfg.NATS.FlushTimeout)
}

func TestParseRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"missing base dir":     "storage:\n  driver: local\n",
		"bad driver":           "base_dir: x\nstorage:\n  driver: ftp\n",
		"minio without bucket": "base_dir: x\nstorage:\n  driver: minio\nminio:\n  endpoint: localhost:9000\n",
		"bad log level":        "base_dir: x\nstorage:\n  driver: local\nlog:\n  level: loud\n",
		"broken yaml":          "base_dir: [",
		"consumer past range":  "base_dir: x\nstorage:\n  driver: local\nnats:\n  partitions: 8\n  consumers: [1, 9]\n",
		"negative consumer":    "base_dir: x\nstorage:\n  driver: local\nnats:\n  consumers: [-1]\n",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestParseConsumerSubset(t *testing.T) {
	cfg, err := Parse([]byte("base_dir: x\nstorage:\n  driver: local\nnats:\n  partitions: 4\n  consumers: [0, 3]\n"))
	require.NoError(t, err)
	assert.Equal(t, []int{0, 3}, cfg.NATS.Consumers)

	_, err = Parse([]byte("base_dir: x\nstorage:\n  driver: local\nnats:\n  partitions: 4\n  consumers: [4]\n"))
	assert.ErrorContains(t, err, "partition 4 outside 0..3")
}
