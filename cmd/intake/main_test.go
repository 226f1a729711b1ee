package main

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newAnalysisService(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = io.WriteString(w, `{"detail":"Could not validate credentials"}`)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/calls/upload":
			file, header, err := r.FormFile("file")
			if !assert.NoError(t, err) {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			data, _ := io.ReadAll(file)
			file.Close()
			if string(data) == "broken" {
				w.WriteHeader(http.StatusInternalServerError)
				_, _ = io.WriteString(w, `{"detail":"Transcription failed"}`)
				return
			}
			_, _ = io.WriteString(w, `{"id": 7, "file_name": "`+header.Filename+`", "status": "analyzed",
				"analysis": {"scores": {"closing_probability": 74}, "executive_summary": {"outcome": "demo booked"}}}`)
		case r.Method == http.MethodGet && r.URL.Path == "/calls":
			_, _ = io.WriteString(w, `[{"id": 7, "file_name": "a.txt", "status": "analyzed", "analysis": {"scores": {"closing_probability": 74}}},
				{"id": "8", "file_name": "b.mp3", "status": "processing"}]`)
		case r.Method == http.MethodGet && r.URL.Path == "/calls/7":
			_, _ = io.WriteString(w, `{"id": 7, "file_name": "a.txt", "status": "analyzed",
				"analysis": {"key_moments": ["pricing"], "next_steps": [{"description": "send deck", "owner": "rep", "status": "open"}]}}`)
		case r.Method == http.MethodPost && r.URL.Path == "/calls/7/sync-crm":
			_, _ = io.WriteString(w, `{"id": 7, "file_name": "a.txt", "status": "analyzed",
				"analysis": {"structured_payload": {"crm_sync": {"status": "synced", "provider": "hubspot"}}}}`)
		default:
			w.WriteHeader(http.StatusNotFound)
			_, _ = io.WriteString(w, `{"detail":"Call not found"}`)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Setenv("ANALYSIS_API_TOKEN", "")
	cmd := newRootCmd()
	out := &bytes.Buffer{}
	cmd.SetOut(out)
	cmd.SetErr(out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestAnalyzeCommand(t *testing.T) {
	srv := newAnalysisService(t)
	dir := t.TempDir()
	a := writeFile(t, dir, "a.txt", "we discussed pricing")
	b := writeFile(t, dir, "b.pdf", "%PDF-1.4")

	out, err := runCLI(t, "analyze", "--token", "tok", "--api-url", srv.URL, a, b, filepath.Join(dir, "missing.mp3"))
	require.NoError(t, err, out)

	assert.Contains(t, out, "skipped "+filepath.Join(dir, "missing.mp3"))
	assert.Contains(t, out, "rejected: Unsupported format for b.pdf.")
	assert.Contains(t, out, "1/10 files queued")
	assert.Contains(t, out, "[1] a.txt uploading")
	assert.Contains(t, out, "a.txt: analyzed (call 7)")
	assert.Contains(t, out, "sentiment=unknown buying_intent=unknown closing_probability=74 engagement=unknown")
	assert.Contains(t, out, "outcome: demo booked")
	assert.Contains(t, out, "next: intake calls show 7")
}

func TestAnalyzeCommandReportsFailures(t *testing.T) {
	srv := newAnalysisService(t)
	dir := t.TempDir()
	a := writeFile(t, dir, "a.wav", "broken")
	b := writeFile(t, dir, "b.txt", "fine")

	out, err := runCLI(t, "analyze", "--token", "tok", "--api-url", srv.URL, a, b)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 of 2 file(s) failed")
	assert.Contains(t, out, "a.wav: failed: Transcription failed")
	assert.Contains(t, out, "b.txt: analyzed (call 7)")
}

func TestAnalyzeCommandRequiresToken(t *testing.T) {
	srv := newAnalysisService(t)
	a := writeFile(t, t.TempDir(), "a.txt", "hello")

	_, err := runCLI(t, "analyze", "--api-url", srv.URL, a)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "token is required")

	out, err := runCLI(t, "analyze", "--token", "wrong", "--api-url", srv.URL, a)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rejected the token")
	assert.Contains(t, out, "a.txt: failed")
}

func TestAnalyzeCommandAppliesConfigFile(t *testing.T) {
	srv := newAnalysisService(t)
	dir := t.TempDir()
	cfg := writeFile(t, dir, "policy.yaml", "max_files: 1\naccepted_formats: [txt]\n")
	a := writeFile(t, dir, "a.txt", "one")
	b := writeFile(t, dir, "b.txt", "two")

	out, err := runCLI(t, "analyze", "--token", "tok", "--api-url", srv.URL, "--config", cfg, a, b)
	require.NoError(t, err, out)
	assert.Contains(t, out, "dropped 1 file(s): the queue holds at most 1")
	assert.Contains(t, out, "1/1 files queued")
}

func TestAnalyzeCommandReadsEnvLocal(t *testing.T) {
	srv := newAnalysisService(t)
	dir := t.TempDir()
	writeFile(t, dir, ".env.local", "MAX_FILES=1\n")
	a := writeFile(t, dir, "a.txt", "one")
	b := writeFile(t, dir, "b.txt", "two")
	t.Chdir(dir)
	t.Setenv("MAX_FILES", "")
	require.NoError(t, os.Unsetenv("MAX_FILES"))

	out, err := runCLI(t, "analyze", "--token", "tok", "--api-url", srv.URL, a, b)
	require.NoError(t, err, out)
	assert.Contains(t, out, "dropped 1 file(s): the queue holds at most 1")
	assert.Contains(t, out, "1/1 files queued")
}

func TestCallsCommands(t *testing.T) {
	srv := newAnalysisService(t)

	out, err := runCLI(t, "calls", "list", "--token", "tok", "--api-url", srv.URL)
	require.NoError(t, err)
	assert.Contains(t, out, "CLOSING")
	assert.Regexp(t, `7\s+analyzed\s+a\.txt\s+74`, out)
	assert.Regexp(t, `8\s+processing\s+b\.mp3\s+unknown`, out)

	out, err = runCLI(t, "calls", "show", "7", "--token", "tok", "--api-url", srv.URL)
	require.NoError(t, err)
	assert.Contains(t, out, "key moments:\n  - pricing")
	assert.Contains(t, out, "  - send deck (rep, open)")

	out, err = runCLI(t, "calls", "sync", "7", "--token", "tok", "--api-url", srv.URL)
	require.NoError(t, err)
	assert.Contains(t, out, "call 7 synced (crm: synced)")

	_, err = runCLI(t, "calls", "show", "9", "--token", "tok", "--api-url", srv.URL)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Call not found")
}
