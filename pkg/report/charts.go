// Package report renders training results for the terminal: per-epoch
// loss and accuracy charts, sample digit rasters, and an XLSX export of
// the metric history.
package report

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/odvcencio/kiln/pkg/storage"
	"github.com/odvcencio/kiln/pkg/trainjob"
)

// Reporter renders job reports with colors and charts.
type Reporter struct {
	out     io.Writer
	noColor bool

	headerStyle   lipgloss.Style
	dimStyle      lipgloss.Style
	boldStyle     lipgloss.Style
	lossStyle     lipgloss.Style
	accStyle      lipgloss.Style
	successStyle  lipgloss.Style
	failedStyle   lipgloss.Style
	pendingStyle  lipgloss.Style
	durationStyle lipgloss.Style

	printer *message.Printer
}

// NewReporter creates a reporter writing to stdout.
func NewReporter() *Reporter {
	return NewReporterWithOutput(os.Stdout)
}

// NewReporterWithOutput creates a reporter with custom output.
func NewReporterWithOutput(out io.Writer) *Reporter {
	return &Reporter{
		out: out,

		headerStyle: lipgloss.NewStyle().
			Foreground(lipgloss.AdaptiveColor{Light: "#333333", Dark: "#FFFFFF"}).
			Bold(true),

		dimStyle: lipgloss.NewStyle().
			Foreground(lipgloss.AdaptiveColor{Light: "#666666", Dark: "#888888"}),

		boldStyle: lipgloss.NewStyle().Bold(true),

		lossStyle: lipgloss.NewStyle().
			Foreground(lipgloss.AdaptiveColor{Light: "#B8860B", Dark: "#FFAA00"}),

		accStyle: lipgloss.NewStyle().
			Foreground(lipgloss.AdaptiveColor{Light: "#0066CC", Dark: "#5599FF"}),

		successStyle: lipgloss.NewStyle().
			Foreground(lipgloss.AdaptiveColor{Light: "#008000", Dark: "#55FF55"}),

		failedStyle: lipgloss.NewStyle().
			Foreground(lipgloss.AdaptiveColor{Light: "#D00000", Dark: "#FF5555"}),

		pendingStyle: lipgloss.NewStyle().
			Foreground(lipgloss.AdaptiveColor{Light: "#666666", Dark: "#888888"}),

		durationStyle: lipgloss.NewStyle().
			Foreground(lipgloss.AdaptiveColor{Light: "#0066CC", Dark: "#5599FF"}),

		printer: message.NewPrinter(language.English),
	}
}

// SetNoColor disables color output.
func (r *Reporter) SetNoColor(noColor bool) {
	r.noColor = noColor
}

// RenderJob renders a full training report: header, metric table, loss
// and accuracy charts.
func (r *Reporter) RenderJob(job *trainjob.Job) error {
	if job == nil {
		return fmt.Errorf("job is nil")
	}

	r.renderHeader(job)
	if len(job.Metrics) == 0 {
		fmt.Fprintln(r.out, r.style(r.dimStyle, "No metrics recorded yet."))
		return nil
	}

	r.renderMetricsTable(job.Metrics)
	r.renderLossChart(job.Metrics)
	r.renderAccuracyChart(job.Metrics)
	r.renderSummary(job)
	return nil
}

func (r *Reporter) renderHeader(job *trainjob.Job) {
	width := r.terminalWidth()
	title := fmt.Sprintf("Training job: %s", job.ID)
	status := fmt.Sprintf("(%s)", job.Status)

	fmt.Fprintln(r.out, r.style(r.headerStyle, title)+" "+r.statusStyle(job.Status, status))
	fmt.Fprintln(r.out, r.style(r.dimStyle, strings.Repeat("─", min(width-2, 70))))

	if job.Backend != "" {
		detail := "backend " + job.Backend
		if hl := job.Hyperparameters["hidden_layers"]; hl != "" {
			detail += ", hidden layers " + hl
		}
		fmt.Fprintln(r.out, r.style(r.dimStyle, detail))
	}
	fmt.Fprintln(r.out)
}

func (r *Reporter) renderMetricsTable(metrics []storage.JobMetric) {
	fmt.Fprintf(r.out, "%6s │ %8s │ %9s │ %10s\n",
		r.style(r.boldStyle, "Epoch"),
		r.style(r.boldStyle, "Loss"),
		r.style(r.boldStyle, "Accuracy"),
		r.style(r.boldStyle, "Duration"),
	)
	fmt.Fprintln(r.out, strings.Repeat("─", 7)+"┼"+strings.Repeat("─", 10)+"┼"+
		strings.Repeat("─", 11)+"┼"+strings.Repeat("─", 12))

	for _, m := range metrics {
		fmt.Fprintf(r.out, "%6d │ %8.4f │ %8.2f%% │ %10s\n",
			m.Epoch, m.Loss, m.Accuracy*100, formatDurationMs(m.DurationMS))
	}
	fmt.Fprintln(r.out)
}

func (r *Reporter) renderLossChart(metrics []storage.JobMetric) {
	fmt.Fprintln(r.out, r.style(r.boldStyle, "Loss per epoch:"))

	var maxLoss float64
	for _, m := range metrics {
		if m.Loss > maxLoss {
			maxLoss = m.Loss
		}
	}

	barWidth := r.chartBarWidth()
	for _, m := range metrics {
		label := fmt.Sprintf("epoch %d", m.Epoch)
		bar := buildBar(m.Loss, maxLoss, barWidth)
		fmt.Fprintf(r.out, "%-14s %s %s\n",
			label, r.style(r.lossStyle, bar), r.style(r.lossStyle, fmt.Sprintf("%.4f", m.Loss)))
	}
	fmt.Fprintln(r.out)
}

func (r *Reporter) renderAccuracyChart(metrics []storage.JobMetric) {
	fmt.Fprintln(r.out, r.style(r.boldStyle, "Accuracy per epoch:"))

	barWidth := r.chartBarWidth()
	for _, m := range metrics {
		label := fmt.Sprintf("epoch %d", m.Epoch)
		// Accuracy charts against a fixed 100% scale so progress reads
		// absolutely, not relative to the best epoch.
		bar := buildBar(m.Accuracy, 1, barWidth)
		fmt.Fprintf(r.out, "%-14s %s %s\n",
			label, r.style(r.accStyle, bar), r.style(r.accStyle, fmt.Sprintf("%.2f%%", m.Accuracy*100)))
	}
	fmt.Fprintln(r.out)
}

func (r *Reporter) renderSummary(job *trainjob.Job) {
	last := job.Metrics[len(job.Metrics)-1]

	var total int64
	for _, m := range job.Metrics {
		total += m.DurationMS
	}

	fmt.Fprintf(r.out, "%s %s epochs, final loss %s, final accuracy %s, total %s\n",
		r.style(r.boldStyle, "Summary:"),
		r.printer.Sprintf("%d", len(job.Metrics)),
		r.style(r.lossStyle, fmt.Sprintf("%.4f", last.Loss)),
		r.style(r.accStyle, fmt.Sprintf("%.2f%%", last.Accuracy*100)),
		r.style(r.durationStyle, formatDurationMs(total)),
	)
	if job.ModelURI != "" {
		fmt.Fprintf(r.out, "%s %s\n", r.style(r.boldStyle, "Model:"), job.ModelURI)
	}
}

// RenderJobList renders a one-line summary per job.
func (r *Reporter) RenderJobList(jobs []trainjob.Job) {
	if len(jobs) == 0 {
		fmt.Fprintln(r.out, r.style(r.dimStyle, "No training jobs."))
		return
	}
	for i := range jobs {
		job := &jobs[i]
		var indicator string
		switch job.Status {
		case trainjob.StatusCompleted:
			indicator = r.style(r.successStyle, "✓")
		case trainjob.StatusFailed:
			indicator = r.style(r.failedStyle, "✗")
		default:
			indicator = r.style(r.pendingStyle, "○")
		}
		fmt.Fprintf(r.out, "%s %-48s %-12s %s\n",
			indicator, job.ID, job.Status,
			r.style(r.dimStyle, job.CreatedAt.Local().Format(time.DateTime)))
	}
}

func buildBar(value, maxValue float64, width int) string {
	if maxValue <= 0 {
		return strings.Repeat("░", width)
	}

	filled := int(value / maxValue * float64(width))
	if filled > width {
		filled = width
	}
	if value > 0 && filled == 0 {
		filled = 1
	}
	return strings.Repeat("█", filled) + strings.Repeat("░", width-filled)
}

func (r *Reporter) style(s lipgloss.Style, text string) string {
	if r.noColor {
		return text
	}
	return s.Render(text)
}

func (r *Reporter) statusStyle(status, text string) string {
	switch status {
	case trainjob.StatusCompleted:
		return r.style(r.successStyle, text)
	case trainjob.StatusFailed:
		return r.style(r.failedStyle, text)
	case trainjob.StatusInProgress:
		return r.style(r.durationStyle, text)
	default:
		return r.style(r.pendingStyle, text)
	}
}

func (r *Reporter) terminalWidth() int {
	width, _, err := term.GetSize(int(os.Stdout.Fd()))
	if err != nil || width == 0 {
		return 80
	}
	return width
}

func (r *Reporter) chartBarWidth() int {
	width := r.terminalWidth()
	// Label (14) + space + bar + space + value (~10)
	barWidth := width - 14 - 12
	if barWidth < 10 {
		barWidth = 10
	}
	if barWidth > 40 {
		barWidth = 40
	}
	return barWidth
}

func formatDurationMs(ms int64) string {
	d := time.Duration(ms) * time.Millisecond
	switch {
	case d < time.Second:
		return fmt.Sprintf("%dms", ms)
	case d < time.Minute:
		return fmt.Sprintf("%.1fs", d.Seconds())
	default:
		return fmt.Sprintf("%dm%02ds", int(d.Minutes()), int(d.Seconds())%60)
	}
}
