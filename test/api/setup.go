//go:build !windows

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/aperio/internal/app"
	"github.com/ternarybob/aperio/internal/common"
	"github.com/ternarybob/aperio/internal/models"
	"github.com/ternarybob/aperio/internal/server"
)

const (
	readyTimeout = 5 * time.Second
	pollInterval = 50 * time.Millisecond
)

// fetcherPrelude extracts the --output template into $out with %(ext)s
// replaced, and leaves the source URL in $url, before the test-provided body
// runs. It mirrors the argument order the download service passes.
const fetcherPrelude = `#!/bin/sh
template=""
while [ $# -gt 0 ]; do
  case "$1" in
    --output) template="$2"; shift ;;
  esac
  url="$1"
  shift
done
out=$(printf '%s' "$template" | sed 's/%(ext)s/mp4/')
`

// encoderPrelude captures the output path, which the transcode service
// always passes as the final argument.
const encoderPrelude = `#!/bin/sh
for out; do :; done
`

// EnvOptions customizes a test service instance. Zero values select stubs
// that complete the pipeline immediately.
type EnvOptions struct {
	// FetcherBody runs with $out (destination path) and $url set.
	FetcherBody string
	// EncoderBody runs with $out (destination path) set.
	EncoderBody string
	// Configure mutates the config before the app boots.
	Configure func(*common.Config)
}

// TestEnvironment is a fully booted service instance on a loopback port with
// stub fetcher and encoder binaries and an isolated database.
type TestEnvironment struct {
	BaseURL string
	Config  *common.Config
	App     *app.App

	t      *testing.T
	client *http.Client
}

// SetupTestEnvironment boots a complete service instance for one test. All
// state lives under t.TempDir; shutdown is registered as a cleanup.
func SetupTestEnvironment(t *testing.T, opts *EnvOptions) *TestEnvironment {
	t.Helper()
	if opts == nil {
		opts = &EnvOptions{}
	}

	fetcherBody := opts.FetcherBody
	if fetcherBody == "" {
		fetcherBody = `printf 'original-bytes' > "$out"`
	}
	encoderBody := opts.EncoderBody
	if encoderBody == "" {
		encoderBody = `printf 'processed-bytes' > "$out"`
	}

	root := t.TempDir()
	config := common.NewDefaultConfig()
	config.Server.Host = "127.0.0.1"
	config.Server.Port = freePort(t)
	config.Storage.WorkingDir = filepath.Join(root, "working")
	config.Storage.StoragePath = filepath.Join(root, "storage")
	config.Downloader.Command = writeStubScript(t, root, "stub-fetcher", fetcherPrelude+fetcherBody+"\n")
	config.Downloader.TimeoutSeconds = 20
	config.Transcoder.Command = writeStubScript(t, root, "stub-encoder", encoderPrelude+encoderBody+"\n")
	config.Transcoder.TimeoutSeconds = 20
	// Sweeps are covered by the retention unit tests; keep them out of the
	// API tests so nothing deletes records mid-assertion.
	config.Retention.Enabled = false

	if opts.Configure != nil {
		opts.Configure(config)
	}
	if err := config.Validate(); err != nil {
		t.Fatalf("Test config invalid: %v", err)
	}

	application, err := app.New(config, arbor.NewLogger())
	if err != nil {
		t.Fatalf("Failed to initialize application: %v", err)
	}

	srv := server.New(application)
	go func() {
		if err := srv.Start(); err != nil {
			// Shutdown also lands here; the ready probe catches real failures.
			return
		}
	}()

	env := &TestEnvironment{
		BaseURL: fmt.Sprintf("http://%s:%d", config.Server.Host, config.Server.Port),
		Config:  config,
		App:     application,
		t:       t,
		client:  &http.Client{Timeout: 10 * time.Second},
	}

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			t.Logf("Server shutdown: %v", err)
		}
		if err := application.Close(); err != nil {
			t.Logf("Application close: %v", err)
		}
	})

	env.waitUntilReady()
	return env
}

func (e *TestEnvironment) waitUntilReady() {
	e.t.Helper()
	deadline := time.Now().Add(readyTimeout)
	for time.Now().Before(deadline) {
		resp, err := e.client.Get(e.BaseURL + "/health/live")
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return
			}
		}
		time.Sleep(pollInterval)
	}
	e.t.Fatalf("Service at %s never became ready", e.BaseURL)
}

// Get performs a GET and returns the response with its body drained.
func (e *TestEnvironment) Get(path string) (*http.Response, []byte) {
	e.t.Helper()
	resp, err := e.client.Get(e.BaseURL + path)
	if err != nil {
		e.t.Fatalf("GET %s failed: %v", path, err)
	}
	return resp, drainBody(e.t, resp)
}

// PostJSON performs a POST with a JSON payload and returns the response with
// its body drained.
func (e *TestEnvironment) PostJSON(path string, payload interface{}) (*http.Response, []byte) {
	e.t.Helper()
	body, err := json.Marshal(payload)
	if err != nil {
		e.t.Fatalf("Failed to marshal payload: %v", err)
	}
	resp, err := e.client.Post(e.BaseURL+path, "application/json", bytes.NewReader(body))
	if err != nil {
		e.t.Fatalf("POST %s failed: %v", path, err)
	}
	return resp, drainBody(e.t, resp)
}

// Delete performs a DELETE and returns the response with its body drained.
func (e *TestEnvironment) Delete(path string) (*http.Response, []byte) {
	e.t.Helper()
	req, err := http.NewRequest(http.MethodDelete, e.BaseURL+path, nil)
	if err != nil {
		e.t.Fatalf("Failed to build DELETE %s: %v", path, err)
	}
	resp, err := e.client.Do(req)
	if err != nil {
		e.t.Fatalf("DELETE %s failed: %v", path, err)
	}
	return resp, drainBody(e.t, resp)
}

// SubmitJob admits a URL and returns the decoded job record.
func (e *TestEnvironment) SubmitJob(url, priority string) (*models.Job, int) {
	e.t.Helper()
	resp, body := e.PostJSON("/process", models.ProcessRequest{URL: url, Priority: priority})
	if resp.StatusCode != http.StatusAccepted && resp.StatusCode != http.StatusOK {
		e.t.Fatalf("Submission refused with status %d: %s", resp.StatusCode, body)
	}
	var job models.Job
	if err := json.Unmarshal(body, &job); err != nil {
		e.t.Fatalf("Failed to decode job: %v (body %s)", err, body)
	}
	return &job, resp.StatusCode
}

// WaitForStatus polls the job until it reaches want. Reaching a different
// terminal status fails immediately.
func (e *TestEnvironment) WaitForStatus(jobID string, want models.JobStatus, timeout time.Duration) *models.Job {
	e.t.Helper()
	deadline := time.Now().Add(timeout)
	var last *models.Job
	for time.Now().Before(deadline) {
		resp, body := e.Get("/status/" + jobID)
		if resp.StatusCode != http.StatusOK {
			e.t.Fatalf("Status poll returned %d: %s", resp.StatusCode, body)
		}
		var job models.Job
		if err := json.Unmarshal(body, &job); err != nil {
			e.t.Fatalf("Failed to decode job: %v (body %s)", err, body)
		}
		if job.Status == want {
			return &job
		}
		if job.IsTerminal() {
			reason := ""
			if job.ErrorMessage != nil {
				reason = *job.ErrorMessage
			}
			e.t.Fatalf("Job %s ended %s (error %q), wanted %s", jobID, job.Status, reason, want)
		}
		last = &job
		time.Sleep(pollInterval)
	}
	status := "unknown"
	if last != nil {
		status = string(last.Status)
	}
	e.t.Fatalf("Job %s stuck in %s after %s, wanted %s", jobID, status, timeout, want)
	return nil
}

func writeStubScript(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o755); err != nil {
		t.Fatalf("Failed to write %s: %v", name, err)
	}
	return path
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to reserve port: %v", err)
	}
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

func drainBody(t *testing.T, resp *http.Response) []byte {
	t.Helper()
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("Failed to read response body: %v", err)
	}
	return body
}
