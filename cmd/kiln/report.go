package main

import (
	"flag"
	"fmt"

	"github.com/odvcencio/kiln/pkg/report"
)

func runReportCommand(args []string) error {
	fs := flag.NewFlagSet("report", flag.ContinueOnError)
	xlsxPath := fs.String("xlsx", "", "Also export the metric history as an XLSX workbook")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() == 0 {
		return fmt.Errorf("usage: kiln report <job-id> [--xlsx path]")
	}

	ctx, cancel := signalContext()
	defer cancel()

	sess, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer sess.Close()

	job, err := newRunner(sess).Describe(fs.Arg(0))
	if err != nil {
		return err
	}

	reporter := report.NewReporter()
	reporter.SetNoColor(noColor)
	if err := reporter.RenderJob(job); err != nil {
		return err
	}

	if *xlsxPath != "" {
		if err := report.ExportXLSX(job, *xlsxPath); err != nil {
			return err
		}
		say("Wrote %s", *xlsxPath)
	}
	return nil
}
