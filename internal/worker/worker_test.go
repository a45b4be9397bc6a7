package worker

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeScript creates an executable extractor in a temp dir.
func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "extractor.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/bash\n"+body), 0o755))
	return path
}

type progressRecorder struct {
	values []int
	stages []string
}

func (r *progressRecorder) record(p int, stage string) {
	r.values = append(r.values, p)
	r.stages = append(r.stages, stage)
}

func TestRun_ReturnsResultAndProgress(t *testing.T) {
	t.Parallel()
	script := writeScript(t, `
echo '{"type":"progress","progress":10,"stage":"download"}'
echo 'not json'
echo '{"type":"progress","progress":40,"stage":"extract"}'
echo '{"type":"result","result":{"summary":"ok","source":"'"$1"'"}}'
`)

	rec := &progressRecorder{}
	result, err := Run(context.Background(), script, "doc.pdf", rec.record)
	require.NoError(t, err)
	assert.JSONEq(t, `{"summary":"ok","source":"doc.pdf"}`, string(result))
	assert.Equal(t, []int{10, 40}, rec.values)
	assert.Equal(t, []string{"download", "extract"}, rec.stages)
}

func TestRun_ContextCancelled_ReturnsError(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Run(ctx, writeScript(t, "sleep 5\n"), "doc.pdf", nil)
	require.Error(t, err)
}

func TestRun_ReportedErrorWithNonZeroExit(t *testing.T) {
	t.Parallel()
	script := writeScript(t, `
echo '{"type":"error","error":"unsupported format"}'
exit 2
`)
	_, err := Run(context.Background(), script, "doc.xyz", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported format")
}

func TestRun_ReportedErrorWithZeroExit(t *testing.T) {
	t.Parallel()
	script := writeScript(t, `echo '{"type":"error","error":"empty document"}'`+"\n")
	_, err := Run(context.Background(), script, "doc.pdf", nil)
	require.EqualError(t, err, "empty document")
}

func TestRun_StderrUsedWhenNothingReported(t *testing.T) {
	t.Parallel()
	script := writeScript(t, "echo 'segfault in decoder' >&2\nexit 1\n")
	_, err := Run(context.Background(), script, "doc.pdf", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "segfault in decoder")
}

func TestRun_NoResult(t *testing.T) {
	t.Parallel()
	_, err := Run(context.Background(), writeScript(t, "exit 0\n"), "doc.pdf", nil)
	require.Error(t, err)
}

func TestRun_ManyProgressLines(t *testing.T) {
	t.Parallel()
	var sb strings.Builder
	for i := 1; i <= 100; i++ {
		sb.WriteString(`echo '{"type":"progress","progress":` + strconv.Itoa(i) + `}'` + "\n")
	}
	sb.WriteString(`echo '{"type":"result","result":{}}'` + "\n")

	rec := &progressRecorder{}
	_, err := Run(context.Background(), writeScript(t, sb.String()), "doc.pdf", rec.record)
	require.NoError(t, err)
	assert.Len(t, rec.values, 100)
}

func TestFilteredEnv_DropsJobwatchSettings(t *testing.T) {
	t.Setenv("JOBWATCH_API_KEYS", "secret")
	t.Setenv("EXTRACTOR_MODE", "fast")

	env := filteredEnv()
	assert.Contains(t, env, "EXTRACTOR_MODE=fast")
	for _, kv := range env {
		assert.False(t, strings.HasPrefix(kv, "JOBWATCH_"), kv)
	}
}
