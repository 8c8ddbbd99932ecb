package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/polisai/framepipe/pkg/config"
	"github.com/polisai/framepipe/pkg/domain"
	"github.com/polisai/framepipe/pkg/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFrame(t *testing.T, path string, c color.Gray) {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, 64, 64))
	for i := range img.Pix {
		img.Pix[i] = c.Y
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
}

// modelServer answers with one confident "person" in the middle of the frame.
func modelServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/models/yolo", func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"name": "yolo", "classes": 2})
	})
	mux.HandleFunc("POST /v1/models/yolo/infer", func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"predictions": []map[string]any{{"box": []float64{0.5, 0.5, 0.25, 0.25}, "scores": []float64{0.9, 0.1}}},
		})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func writeConfig(t *testing.T, modelURL, artifactDir string) string {
	t.Helper()
	dir := t.TempDir()
	labels := filepath.Join(dir, "labels.txt")
	require.NoError(t, os.WriteFile(labels, []byte("person\ncar\n"), 0o644))

	path := filepath.Join(dir, "framepipe.yaml")
	yaml := fmt.Sprintf(`
detect:
  model_url: %s
  labels: %s
annotate:
  artifact_dir: %s
logging:
  level: error
`, modelURL, labels, artifactDir)
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))
	return path
}

func execute(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return stdout.String(), stderr.String(), err
}

func TestVersionCommand(t *testing.T) {
	stdout, _, err := execute(t, "version")
	require.NoError(t, err)
	assert.Equal(t, "framepipe dev\n", stdout)
}

func TestRunCommand_DetectsAndPublishes(t *testing.T) {
	frames := t.TempDir()
	writeFrame(t, filepath.Join(frames, "000.png"), color.Gray{Y: 0})
	writeFrame(t, filepath.Join(frames, "001.png"), color.Gray{Y: 255})
	artifacts := t.TempDir()
	cfgPath := writeConfig(t, modelServer(t).URL, artifacts)

	stdout, stderr, err := execute(t, "run", frames, "--config", cfgPath, "--quiet")
	require.NoError(t, err)

	assert.Contains(t, stderr, "runs=1 completed=1 skipped=0 failed=0")
	var record map[string]any
	require.NoError(t, json.Unmarshal([]byte(stdout), &record))
	assert.Equal(t, "person", record["label"])
	assert.Equal(t, []any{24.0, 24.0, 16.0, 16.0}, record["box"])

	written, err := filepath.Glob(filepath.Join(artifacts, "*.png"))
	require.NoError(t, err)
	assert.Len(t, written, 1)
}

func TestRunCommand_SkipsRepeatedFrames(t *testing.T) {
	frames := t.TempDir()
	for i := range 3 {
		writeFrame(t, filepath.Join(frames, fmt.Sprintf("%03d.png", i)), color.Gray{Y: 90})
	}
	cfgPath := writeConfig(t, modelServer(t).URL, t.TempDir())

	stdout, stderr, err := execute(t, "run", frames, "--config", cfgPath, "--quiet")
	require.NoError(t, err)
	assert.Empty(t, stdout)
	assert.Contains(t, stderr, "runs=2 completed=0 skipped=2 failed=0")
}

func TestRunCommand_RequiresFrameDir(t *testing.T) {
	_, _, err := execute(t, "run")
	assert.ErrorIs(t, err, domain.ErrConfig)
}

func TestStageCommand_RejectsBadArguments(t *testing.T) {
	_, _, err := execute(t, "stage", "resize", "8080")
	assert.ErrorIs(t, err, domain.ErrConfig)

	_, _, err = execute(t, "stage", "filter", "http")
	assert.ErrorIs(t, err, domain.ErrConfig)
}

func TestListenAddr(t *testing.T) {
	addr, err := listenAddr("3233")
	require.NoError(t, err)
	assert.Equal(t, ":3233", addr)

	for _, bad := range []string{"0", "65536", "port", ""} {
		_, err := listenAddr(bad)
		assert.ErrorIs(t, err, domain.ErrConfig, bad)
	}
}

func TestNewRunner_SelectsTransport(t *testing.T) {
	cfg := config.Default()
	cfg.Transport = config.TransportDelegated
	cfg.Engine.URL = "http://engine:3233"
	runner, closeFn, err := newRunner(t.Context(), cfg, nil, &bytes.Buffer{})
	require.NoError(t, err)
	assert.NoError(t, closeFn())
	assert.IsType(t, &transport.Delegated{}, runner)

	cfg = config.Default()
	cfg.Transport = config.TransportHTTP
	_, _, err = newRunner(t.Context(), cfg, nil, &bytes.Buffer{})
	assert.ErrorIs(t, err, domain.ErrConfig, "http transport needs stage URLs")
}

func TestNewStageHandler_ServesRequestedStage(t *testing.T) {
	cfg := config.Default()
	for _, stage := range []domain.StageName{domain.StageFilter, domain.StageAnnotate, domain.StageSink} {
		handler, filter, closeFn, err := newStageHandler(t.Context(), cfg, stage, &bytes.Buffer{})
		require.NoError(t, err, stage)
		assert.Equal(t, stage, handler.Stage())
		assert.Equal(t, stage == domain.StageFilter, filter != nil)
		assert.NoError(t, closeFn())
	}

	_, _, _, err := newStageHandler(t.Context(), cfg, domain.StageDetect, &bytes.Buffer{})
	assert.ErrorIs(t, err, domain.ErrConfig, "detect needs a model server")
}
