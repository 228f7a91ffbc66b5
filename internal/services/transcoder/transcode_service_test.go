//go:build !windows

package transcoder

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/aperio/internal/common"
	"github.com/ternarybob/aperio/internal/subprocess"
)

// writeEncoderScript installs a fake encoder that stands in for ffmpeg. The
// prelude leaves the output path (the final argument) in $out.
func writeEncoderScript(t *testing.T, body string) string {
	t.Helper()

	prelude := `#!/bin/sh
for out in "$@"; do :; done
`
	path := filepath.Join(t.TempDir(), "fake-encoder")
	if err := os.WriteFile(path, []byte(prelude+body+"\n"), 0o755); err != nil {
		t.Fatalf("failed to write encoder script: %v", err)
	}
	return path
}

func newTestService(t *testing.T, command, workingDir, storageDir string) *Service {
	t.Helper()

	config := &common.TranscoderConfig{
		Command:        command,
		VideoCodec:     "libx264",
		AudioCodec:     "aac",
		Preset:         "medium",
		CRF:            23,
		AudioBitrate:   "128k",
		TimeoutSeconds: 10,
	}
	return &Service{
		config:     config,
		workingDir: workingDir,
		storageDir: storageDir,
		runner:     subprocess.NewRunner(arbor.NewLogger()),
		logger:     arbor.NewLogger(),
	}
}

func writeInputFile(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "input_original.mp4")
	if err := os.WriteFile(path, []byte("raw-video"), 0o644); err != nil {
		t.Fatalf("failed to write input file: %v", err)
	}
	return path
}

func TestTranscodeMovesOutputToStorage(t *testing.T) {
	workingDir := t.TempDir()
	storageDir := t.TempDir()
	script := writeEncoderScript(t, `printf 'encoded-video' > "$out"`)
	svc := newTestService(t, script, workingDir, storageDir)

	jobID := uuid.New().String()
	result, err := svc.Transcode(context.Background(), jobID, writeInputFile(t, workingDir))
	if err != nil {
		t.Fatalf("Transcode failed: %v", err)
	}

	wantPath := filepath.Join(storageDir, jobID+"_processed.mp4")
	if result.Path != wantPath {
		t.Errorf("expected path %q, got %q", wantPath, result.Path)
	}
	if result.SizeBytes != int64(len("encoded-video")) {
		t.Errorf("expected size %d, got %d", len("encoded-video"), result.SizeBytes)
	}

	leftovers, _ := filepath.Glob(filepath.Join(workingDir, jobID+"_processed.*"))
	if len(leftovers) != 0 {
		t.Errorf("working directory should not retain processed output, found %v", leftovers)
	}
}

func TestTranscodeMissingBinary(t *testing.T) {
	svc := newTestService(t, "no-such-encoder-7734", t.TempDir(), t.TempDir())

	_, err := svc.Transcode(context.Background(), uuid.New().String(), "input.mp4")
	if common.KindOf(err) != common.KindEncoderMissing {
		t.Fatalf("expected EncoderMissing, got %v", err)
	}
}

func TestTranscodeEncoderFailureCarriesStderr(t *testing.T) {
	workingDir := t.TempDir()
	script := writeEncoderScript(t, `printf 'partial' > "$out"
echo "Invalid data found when processing input" 1>&2
exit 1`)
	svc := newTestService(t, script, workingDir, t.TempDir())

	jobID := uuid.New().String()
	_, err := svc.Transcode(context.Background(), jobID, writeInputFile(t, workingDir))
	if common.KindOf(err) != common.KindProcessingFailed {
		t.Fatalf("expected ProcessingFailed, got %v", err)
	}
	if !strings.Contains(common.ReasonOf(err), "Invalid data") {
		t.Errorf("expected stderr detail in reason, got %q", common.ReasonOf(err))
	}

	leftovers, _ := filepath.Glob(filepath.Join(workingDir, jobID+"_processed.*"))
	if len(leftovers) != 0 {
		t.Errorf("partial output should have been removed, found %v", leftovers)
	}
}

func TestTranscodeNoOutputFile(t *testing.T) {
	workingDir := t.TempDir()
	script := writeEncoderScript(t, `exit 0`)
	svc := newTestService(t, script, workingDir, t.TempDir())

	_, err := svc.Transcode(context.Background(), uuid.New().String(), writeInputFile(t, workingDir))
	if common.KindOf(err) != common.KindOutputMissing {
		t.Fatalf("expected OutputMissing, got %v", err)
	}
}

func TestTranscodeTimesOut(t *testing.T) {
	workingDir := t.TempDir()
	script := writeEncoderScript(t, `exec sleep 30`)
	svc := newTestService(t, script, workingDir, t.TempDir())
	svc.config.TimeoutSeconds = 1

	_, err := svc.Transcode(context.Background(), uuid.New().String(), writeInputFile(t, workingDir))
	if common.KindOf(err) != common.KindTimeout {
		t.Fatalf("expected Timeout, got %v", err)
	}
}

func TestTranscodeCancelled(t *testing.T) {
	workingDir := t.TempDir()
	script := writeEncoderScript(t, `exec sleep 30`)
	svc := newTestService(t, script, workingDir, t.TempDir())

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()

	_, err := svc.Transcode(ctx, uuid.New().String(), writeInputFile(t, workingDir))
	if common.KindOf(err) != common.KindCancelled {
		t.Fatalf("expected Cancelled, got %v", err)
	}
}

func TestMoveFileReplacesSource(t *testing.T) {
	srcDir := t.TempDir()
	dstDir := t.TempDir()
	src := filepath.Join(srcDir, "a.mp4")
	dst := filepath.Join(dstDir, "b.mp4")
	if err := os.WriteFile(src, []byte("payload"), 0o644); err != nil {
		t.Fatalf("failed to write source: %v", err)
	}

	if err := moveFile(src, dst); err != nil {
		t.Fatalf("moveFile failed: %v", err)
	}
	if _, err := os.Stat(src); !os.IsNotExist(err) {
		t.Error("source should be gone after move")
	}
	data, err := os.ReadFile(dst)
	if err != nil || string(data) != "payload" {
		t.Errorf("destination content wrong: %q, err %v", data, err)
	}
}
