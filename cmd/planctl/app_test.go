package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/weibaohui/bizplan/config"
	"github.com/weibaohui/bizplan/internal/domain"
	"github.com/weibaohui/bizplan/internal/pkg/llm"
	"github.com/weibaohui/bizplan/internal/service"
	"github.com/weibaohui/bizplan/internal/service/progress"
)

const answersYAML = `template_key: government
answers:
  company_name: Fjord Robotics
  industry: agritech
  problem: manual harvesting
  solution: autonomous pickers
  target_market: orchards
  business_model: leasing
  team: five engineers
  funding_needs: 2M
extra_notes: focus on regional subsidies
`

func newTestApp(t *testing.T) *app {
	t.Helper()
	cfg := config.Default()
	cfg.Database.DSN = ":memory:"
	cfg.Pipeline.InterBatchDelayMs = 0

	completer := llm.CompleterFunc(func(ctx context.Context, prompt, model string) (string, error) {
		return "score 88, looks solid", nil
	})
	a, err := newApp(cfg, completer)
	require.NoError(t, err)
	return a
}

func TestLoadRequest(t *testing.T) {
	path := filepath.Join(t.TempDir(), "answers.yaml")
	require.NoError(t, os.WriteFile(path, []byte(answersYAML), 0644))

	req, err := loadRequest(path)
	require.NoError(t, err)
	assert.Equal(t, domain.TemplateGovernment, req.TemplateKey)
	assert.Equal(t, "Fjord Robotics", req.Answers.CompanyName)
	assert.Equal(t, "focus on regional subsidies", req.ExtraNotes)
	assert.NoError(t, req.Answers.Validate())

	_, err = loadRequest(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestRunQueuedGeneratesPlan(t *testing.T) {
	a := newTestApp(t)
	ctx := context.Background()

	path := filepath.Join(t.TempDir(), "answers.yaml")
	require.NoError(t, os.WriteFile(path, []byte(answersYAML), 0644))
	req, err := loadRequest(path)
	require.NoError(t, err)

	planID, err := a.service.Submit(ctx, req)
	require.NoError(t, err)

	var seen []*progress.Snapshot
	err = a.runQueued(ctx, planID, func(updates <-chan *progress.Snapshot) {
		for snap := range updates {
			seen = append(seen, snap)
		}
	})
	require.NoError(t, err)
	require.NotEmpty(t, seen)
	assert.Equal(t, "pending", seen[0].Status)

	var out bytes.Buffer
	require.NoError(t, a.execute(ctx, &out, planID))
	text := out.String()
	assert.Contains(t, text, "Status:    completed")
	assert.Contains(t, text, "Progress:  100%")
	assert.Contains(t, text, "Quality:   88")
	assert.Empty(t, a.queue.take())
}

func TestRecoverRequiresTerminalPlan(t *testing.T) {
	a := newTestApp(t)
	ctx := context.Background()

	plan, err := a.service.Create(ctx, mustRequest(t))
	require.NoError(t, err)
	assert.Error(t, a.service.Recover(ctx, plan.ID, false))

	ok, err := a.service.Cancel(ctx, plan.ID)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, a.service.Recover(ctx, plan.ID, false))

	var out bytes.Buffer
	require.NoError(t, a.execute(ctx, &out, plan.ID))
	assert.Contains(t, out.String(), "Status:    completed")
}

func TestPrintTemplates(t *testing.T) {
	var out bytes.Buffer
	printTemplates(&out, domain.Templates())
	text := out.String()
	assert.Contains(t, text, "government")
	assert.Contains(t, text, "policy verification")
	assert.Equal(t, 6, strings.Count(text, "\n"))
}

func mustRequest(t *testing.T) service.SubmitRequest {
	t.Helper()
	path := filepath.Join(t.TempDir(), "answers.yaml")
	require.NoError(t, os.WriteFile(path, []byte(answersYAML), 0644))
	req, err := loadRequest(path)
	require.NoError(t, err)
	return req
}
