package main

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/odvcencio/kiln/pkg/config"
	"github.com/odvcencio/kiln/pkg/report"
	"github.com/odvcencio/kiln/pkg/session"
	"github.com/odvcencio/kiln/pkg/trainjob"
)

func runJobsCommand(args []string) error {
	sub := ""
	if len(args) > 0 {
		sub = strings.TrimSpace(args[0])
	}
	switch sub {
	case "list", "":
		return runJobsList(args[1:])
	case "describe":
		return runJobsDescribe(args[1:])
	case "logs":
		return runJobsLogs(args[1:])
	case "wait":
		return runJobsWait(args[1:])
	case "stop":
		return runJobsStop(args[1:])
	default:
		return fmt.Errorf("usage: kiln jobs <list|describe|logs|wait|stop> [flags]")
	}
}

func newRunner(sess *session.Session) *trainjob.Runner {
	return trainjob.NewRunner(sess.Config, sess.Store, trainjob.Options{
		Bus:    sess.Bus,
		Hub:    sess.Hub,
		Logger: sess.Logger,
	})
}

func runJobsList(args []string) error {
	fs := flag.NewFlagSet("jobs list", flag.ContinueOnError)
	limit := fs.Int("limit", 20, "Maximum jobs to show")
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	sess, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer sess.Close()

	jobs, err := newRunner(sess).List(*limit)
	if err != nil {
		return err
	}

	reporter := report.NewReporter()
	reporter.SetNoColor(noColor)
	reporter.RenderJobList(jobs)
	return nil
}

func runJobsDescribe(args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: kiln jobs describe <job-id>")
	}

	ctx, cancel := signalContext()
	defer cancel()

	sess, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer sess.Close()

	job, err := newRunner(sess).Describe(args[0])
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(job)
}

func runJobsLogs(args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: kiln jobs logs <job-id>")
	}
	jobID := args[0]

	ctx, cancel := signalContext()
	defer cancel()

	sess, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer sess.Close()

	if _, err := newRunner(sess).Describe(jobID); err != nil {
		return err
	}

	runsDir := filepath.Join(config.ResolveDataDir(sess.Config), "logs", "runs")
	return printJobLogs(os.Stdout, runsDir, jobID)
}

// printJobLogs scans the run log files for entries tagged with the job
// ID and writes them out in append order.
func printJobLogs(out io.Writer, runsDir, jobID string) error {
	matches, err := filepath.Glob(filepath.Join(runsDir, "*.jsonl"))
	if err != nil {
		return err
	}

	for _, path := range matches {
		f, err := os.Open(path)
		if err != nil {
			continue
		}
		scanner := bufio.NewScanner(f)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Bytes()
			var probe struct {
				JobID string `json:"job_id"`
			}
			if json.Unmarshal(line, &probe) != nil || probe.JobID != jobID {
				continue
			}
			fmt.Fprintln(out, string(line))
		}
		f.Close()
	}
	return nil
}

func runJobsWait(args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: kiln jobs wait <job-id>")
	}

	ctx, cancel := signalContext()
	defer cancel()

	sess, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer sess.Close()

	job, err := newRunner(sess).Wait(ctx, args[0])
	if err != nil {
		return err
	}

	fmt.Printf("%s\t%s\n", job.ID, job.Status)
	if job.Status == trainjob.StatusFailed {
		return withExitCode(fmt.Errorf("job failed: %s", job.FailureReason), 2)
	}
	return nil
}

func runJobsStop(args []string) error {
	fs := flag.NewFlagSet("jobs stop", flag.ContinueOnError)
	reason := fs.String("reason", "stopped from the CLI", "Recorded stop reason")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() == 0 {
		return fmt.Errorf("usage: kiln jobs stop <job-id> [--reason r]")
	}

	ctx, cancel := signalContext()
	defer cancel()

	sess, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer sess.Close()

	runner := newRunner(sess)
	if err := runner.Stop(ctx, fs.Arg(0), *reason); err != nil {
		return err
	}
	job, err := runner.Describe(fs.Arg(0))
	if err != nil {
		return err
	}
	fmt.Printf("%s\t%s\n", job.ID, job.Status)
	return nil
}
