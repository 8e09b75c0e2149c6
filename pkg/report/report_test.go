package report

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/odvcencio/kiln/pkg/dataset"
	"github.com/odvcencio/kiln/pkg/storage"
	"github.com/odvcencio/kiln/pkg/trainjob"
)

func testJob() *trainjob.Job {
	ended := time.Date(2025, 6, 1, 12, 10, 0, 0, time.UTC)
	return &trainjob.Job{
		ID:              "mnist-mlp-01J0000000000000000000000000",
		Status:          trainjob.StatusCompleted,
		Backend:         "builtin",
		Hyperparameters: map[string]string{"hidden_layers": "128,64", "epochs": "3"},
		ModelURI:        "kiln://kiln-local/output/mnist/model.tar.gz",
		CreatedAt:       time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
		EndedAt:         &ended,
		Metrics: []storage.JobMetric{
			{Epoch: 1, Loss: 0.92, Accuracy: 0.81, DurationMS: 4200},
			{Epoch: 2, Loss: 0.41, Accuracy: 0.90, DurationMS: 4100},
			{Epoch: 3, Loss: 0.28, Accuracy: 0.94, DurationMS: 4300},
		},
	}
}

func testReporter(buf *bytes.Buffer) *Reporter {
	r := NewReporterWithOutput(buf)
	r.SetNoColor(true)
	return r
}

func TestRenderJobIncludesChartsAndSummary(t *testing.T) {
	var buf bytes.Buffer
	r := testReporter(&buf)

	if err := r.RenderJob(testJob()); err != nil {
		t.Fatalf("RenderJob failed: %v", err)
	}
	out := buf.String()

	for _, want := range []string{
		"Training job: mnist-mlp-01J0000000000000000000000000",
		"Loss per epoch:",
		"Accuracy per epoch:",
		"epoch 3",
		"94.00%",
		"Summary:",
		"kiln://kiln-local/output/mnist/model.tar.gz",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q", want)
		}
	}
	if !strings.Contains(out, "█") {
		t.Error("output has no chart bars")
	}
}

func TestRenderJobWithoutMetrics(t *testing.T) {
	var buf bytes.Buffer
	r := testReporter(&buf)

	job := testJob()
	job.Metrics = nil
	if err := r.RenderJob(job); err != nil {
		t.Fatalf("RenderJob failed: %v", err)
	}
	if !strings.Contains(buf.String(), "No metrics recorded yet.") {
		t.Errorf("expected empty-metrics notice, got %q", buf.String())
	}
}

func TestRenderJobNil(t *testing.T) {
	var buf bytes.Buffer
	if err := testReporter(&buf).RenderJob(nil); err == nil {
		t.Fatal("expected error for nil job")
	}
}

func TestBuildBarScales(t *testing.T) {
	if got := buildBar(0.5, 1, 10); got != "█████░░░░░" {
		t.Errorf("half bar = %q", got)
	}
	if got := buildBar(0, 1, 4); got != "░░░░" {
		t.Errorf("zero bar = %q", got)
	}
	// Tiny nonzero values keep one visible cell.
	if got := buildBar(0.001, 1, 10); !strings.HasPrefix(got, "█") {
		t.Errorf("tiny bar = %q, want leading block", got)
	}
	if got := buildBar(2, 1, 4); got != "████" {
		t.Errorf("overflow bar = %q", got)
	}
}

func TestRenderDigit(t *testing.T) {
	var buf bytes.Buffer
	r := testReporter(&buf)

	pixels := []float64{0, 0.25, 0.5, 1}
	if err := r.RenderDigit(pixels, 2, 2); err != nil {
		t.Fatalf("RenderDigit failed: %v", err)
	}
	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	if len(lines) != 2 {
		t.Fatalf("rendered %d lines, want 2", len(lines))
	}
	if !strings.Contains(lines[1], "█") {
		t.Errorf("full-ink pixel not rendered: %q", lines[1])
	}

	if err := r.RenderDigit(pixels, 3, 3); err == nil {
		t.Fatal("expected shape mismatch error")
	}
}

func TestRenderSample(t *testing.T) {
	var buf bytes.Buffer
	r := testReporter(&buf)

	s := dataset.Sample{Label: 7, Pixels: make([]float64, 784)}
	if err := r.RenderSample(s); err != nil {
		t.Fatalf("RenderSample failed: %v", err)
	}
	if !strings.Contains(buf.String(), "Label: 7") {
		t.Error("label not rendered")
	}
}

func TestRenderPrediction(t *testing.T) {
	var buf bytes.Buffer
	r := testReporter(&buf)

	probs := []float64{0.01, 0.02, 0.01, 0.05, 0.01, 0.01, 0.01, 0.85, 0.02, 0.01}
	r.RenderPrediction(&buf, probs)

	out := buf.String()
	if !strings.Contains(out, "Predicted: 7") {
		t.Errorf("winner not reported: %q", out)
	}
	if !strings.Contains(out, "85.0%") {
		t.Errorf("probabilities not rendered: %q", out)
	}
}

func TestRenderJobList(t *testing.T) {
	var buf bytes.Buffer
	r := testReporter(&buf)

	jobs := []trainjob.Job{*testJob()}
	jobs[0].Status = trainjob.StatusFailed
	r.RenderJobList(jobs)
	if !strings.Contains(buf.String(), "✗") {
		t.Error("failed job not marked")
	}

	buf.Reset()
	r.RenderJobList(nil)
	if !strings.Contains(buf.String(), "No training jobs.") {
		t.Error("empty list not reported")
	}
}

func TestExportXLSX(t *testing.T) {
	path := filepath.Join(t.TempDir(), "metrics.xlsx")
	job := testJob()

	if err := ExportXLSX(job, path); err != nil {
		t.Fatalf("ExportXLSX failed: %v", err)
	}

	f, err := excelize.OpenFile(path)
	if err != nil {
		t.Fatalf("opening workbook: %v", err)
	}
	defer f.Close()

	rows, err := f.GetRows(metricsSheet)
	if err != nil {
		t.Fatalf("reading metrics sheet: %v", err)
	}
	if len(rows) != len(job.Metrics)+1 {
		t.Fatalf("metrics sheet has %d rows, want %d", len(rows), len(job.Metrics)+1)
	}
	if rows[0][0] != "Epoch" {
		t.Errorf("header = %v", rows[0])
	}
	if rows[1][0] != "1" {
		t.Errorf("first epoch row = %v", rows[1])
	}
}

func TestExportXLSXNilJob(t *testing.T) {
	if err := ExportXLSX(nil, filepath.Join(t.TempDir(), "x.xlsx")); err == nil {
		t.Fatal("expected error for nil job")
	}
}
