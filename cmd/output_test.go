package main

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/diligence-cli/internal/model"
)

func TestWriteOutput(t *testing.T) {
	run := model.AnalysisRun{ID: "r-1", CaseID: "case-1", Status: model.RunStatusPending, ModelTier: model.TierBalanced}

	var buf bytes.Buffer
	require.NoError(t, writeOutput(&buf, "", run))
	assert.Contains(t, buf.String(), `"case_id": "case-1"`)

	buf.Reset()
	require.NoError(t, writeOutput(&buf, "json", run))
	assert.Contains(t, buf.String(), `"model_tier": "balanced"`)

	buf.Reset()
	require.NoError(t, writeOutput(&buf, "yaml", run))
	assert.Contains(t, buf.String(), "case_id: case-1")
	assert.Contains(t, buf.String(), "status: pending")

	err := writeOutput(&buf, "xml", run)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported output format")
}

func TestDetectMIME(t *testing.T) {
	assert.Equal(t, "application/pdf", detectMIME("spa.pdf", ""))
	assert.Equal(t, "text/markdown", detectMIME("notes.txt", "text/markdown"))
	assert.Equal(t, "application/octet-stream", detectMIME("blob.zzunknown", ""))
}

func TestParseTier(t *testing.T) {
	tier, err := parseTier("high_accuracy")
	require.NoError(t, err)
	assert.Equal(t, model.TierHighAccuracy, tier)

	_, err = parseTier("bogus")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown model tier")
}
