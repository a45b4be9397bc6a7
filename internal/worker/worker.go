package worker

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
)

// ProgressCallback is called for every progress line the extractor emits.
type ProgressCallback func(progress int, stage string)

// line is one JSON record on the extractor's stdout.
type line struct {
	Type     string          `json:"type"`
	Progress int             `json:"progress"`
	Stage    string          `json:"stage"`
	Result   json.RawMessage `json:"result"`
	Error    string          `json:"error"`
}

// Run executes the extractor command for source and returns its result payload.
// The extractor streams JSON lines: progress records, then a single result or error record.
func Run(ctx context.Context, extractorPath, source string, onProgress ProgressCallback) (json.RawMessage, error) {
	cmd := exec.CommandContext(ctx, extractorPath, source)
	cmd.Env = filteredEnv()

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start extractor: %w", err)
	}

	var result json.RawMessage
	var reported string
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		rec, ok := parseLine(scanner.Bytes())
		if !ok {
			continue
		}
		switch rec.Type {
		case "progress":
			if onProgress != nil {
				onProgress(rec.Progress, rec.Stage)
			}
		case "result":
			result = rec.Result
		case "error":
			reported = rec.Error
		}
	}

	if err := cmd.Wait(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		// Extractors usually report the cause on stdout; fall back to stderr.
		detail := reported
		if detail == "" {
			detail = strings.TrimSpace(stderr.String())
		}
		return nil, fmt.Errorf("extractor exited: %w: %s", err, detail)
	}
	if reported != "" {
		return nil, errors.New(reported)
	}
	if len(result) == 0 {
		return nil, errors.New("extractor produced no result")
	}
	return result, nil
}

// filteredEnv drops JOBWATCH_* settings so secrets such as API keys never reach the extractor.
func filteredEnv() []string {
	env := os.Environ()
	filtered := make([]string, 0, len(env))
	for _, kv := range env {
		if !strings.HasPrefix(kv, "JOBWATCH_") {
			filtered = append(filtered, kv)
		}
	}
	return filtered
}

func parseLine(b []byte) (line, bool) {
	b = bytes.TrimSpace(b)
	if len(b) == 0 {
		return line{}, false
	}
	var rec line
	if err := json.Unmarshal(b, &rec); err != nil {
		return line{}, false
	}
	return rec, rec.Type != ""
}
