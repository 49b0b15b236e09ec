package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	c, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "8080", c.Server.Port)
	assert.Equal(t, 3, c.Pipeline.BatchSize)
	assert.Equal(t, 40, c.Pipeline.TotalSteps)
	assert.Equal(t, 2*time.Second, c.Pipeline.InterBatchDelay())
	assert.Equal(t, 60*time.Second, c.LLM.Timeout())
}

func TestLoadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
server:
  port: "9090"
database:
  type: postgres
  dsn: "host=localhost user=bizplan"
pipeline:
  batch_size: 4
  inter_batch_delay_ms: 0
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "9090", c.Server.Port)
	assert.Equal(t, "postgres", c.Database.Type)
	assert.Equal(t, 4, c.Pipeline.BatchSize)
	assert.Equal(t, time.Duration(0), c.Pipeline.InterBatchDelay())
	// 未配置的字段保持默认值
	assert.Equal(t, 10, c.Pipeline.NominalMinutes)
}

func TestLoadTOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	content := `
[llm]
model = "gpt-4o-mini"
requests_per_minute = 30

[pipeline]
workers = 5
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o-mini", c.LLM.Model)
	assert.Equal(t, 30, c.LLM.RequestsPerMinute)
	assert.Equal(t, 5, c.Pipeline.Workers)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("llm:\n  model: from-file\n"), 0644))
	t.Setenv("OPENAI_MODEL_NAME", "from-env")
	t.Setenv("DB_TYPE", "mysql")

	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "from-env", c.LLM.Model)
	assert.Equal(t, "mysql", c.Database.Type)
}

func TestLoadInvalidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server: [unterminated"), 0644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestNormalizeFixesZeroValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("pipeline:\n  batch_size: 0\n  workers: -1\n"), 0644))

	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 3, c.Pipeline.BatchSize)
	assert.Equal(t, 2, c.Pipeline.Workers)
}
