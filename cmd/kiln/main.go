package main

import (
	"fmt"
	"os"
	"runtime"
	"strings"
)

// Version information - set via ldflags during build
var (
	version   = "1.0.0-dev"
	commit    = "unknown"
	buildDate = "unknown"
)

var quietMode bool
var noColor bool
var configPath string
var dataDirOverride string

type startupOptions struct {
	args       []string
	quiet      bool
	noColor    bool
	configPath string
	dataDir    string
}

func main() {
	opts, err := parseStartupOptions(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	quietMode = opts.quiet
	noColor = opts.noColor
	configPath = opts.configPath
	dataDirOverride = opts.dataDir

	if handled, exitCode := dispatchSubcommand(opts.args); handled {
		os.Exit(exitCode)
	}

	printHelp()
	os.Exit(1)
}

func dispatchSubcommand(args []string) (bool, int) {
	if len(args) == 0 {
		return false, 0
	}
	switch args[0] {
	case "--version", "-v", "version":
		printVersion()
		return true, 0
	case "--help", "-h", "help":
		printHelp()
		return true, 0
	case "fetch":
		return true, runCommand(runFetchCommand, args[1:])
	case "upload":
		return true, runCommand(runUploadCommand, args[1:])
	case "train":
		return true, runCommand(runTrainCommand, args[1:])
	case "jobs":
		return true, runCommand(runJobsCommand, args[1:])
	case "artifacts":
		return true, runCommand(runArtifactsCommand, args[1:])
	case "report":
		return true, runCommand(runReportCommand, args[1:])
	case "deploy":
		return true, runCommand(runDeployCommand, args[1:])
	case "predict":
		return true, runCommand(runPredictCommand, args[1:])
	case "endpoints":
		return true, runCommand(runEndpointsCommand, args[1:])
	case "serve":
		return true, runCommand(runServeCommand, args[1:])
	case "demo":
		return true, runCommand(runDemoCommand, args[1:])
	case "tokens":
		return true, runCommand(runTokensCommand, args[1:])
	case "db":
		return true, runCommand(runDBCommand, args[1:])
	default:
		if strings.HasPrefix(args[0], "-") {
			fmt.Fprintf(os.Stderr, "Error: unknown flag: %s\n", args[0])
		} else {
			fmt.Fprintf(os.Stderr, "Error: unknown command: %s\n", args[0])
		}
		fmt.Fprintln(os.Stderr, "Run 'kiln --help' for usage.")
		return true, 1
	}
}

func runCommand(handler func([]string) error, args []string) int {
	if err := handler(args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitCodeForError(err)
	}
	return 0
}

func parseStartupOptions(raw []string) (*startupOptions, error) {
	opts := &startupOptions{}
	if val, ok := parseBoolEnv("KILN_QUIET"); ok {
		opts.quiet = val
	}
	if val, ok := parseBoolEnv("NO_COLOR"); ok {
		opts.noColor = val
	}

	filtered := make([]string, 0, len(raw))
	var nextConfig bool
	var nextDataDir bool

	for _, arg := range raw {
		if nextConfig {
			opts.configPath = arg
			nextConfig = false
			continue
		}
		if nextDataDir {
			opts.dataDir = arg
			nextDataDir = false
			continue
		}

		switch arg {
		case "--quiet", "-q":
			opts.quiet = true
		case "--no-color":
			opts.noColor = true
		case "--config", "-c":
			nextConfig = true
		case "--data-dir":
			nextDataDir = true
		default:
			if strings.HasPrefix(arg, "--config=") {
				opts.configPath = strings.TrimPrefix(arg, "--config=")
			} else if strings.HasPrefix(arg, "--data-dir=") {
				opts.dataDir = strings.TrimPrefix(arg, "--data-dir=")
			} else {
				filtered = append(filtered, arg)
			}
		}
	}

	if nextConfig {
		return nil, fmt.Errorf("--config requires a path argument")
	}
	if nextDataDir {
		return nil, fmt.Errorf("--data-dir requires a directory argument")
	}

	opts.args = filtered
	return opts, nil
}

func parseBoolEnv(key string) (bool, bool) {
	val := strings.TrimSpace(strings.ToLower(os.Getenv(key)))
	if val == "" {
		return false, false
	}
	switch val {
	case "1", "true", "yes", "on":
		return true, true
	case "0", "false", "no", "off":
		return false, true
	default:
		return false, false
	}
}

func printHelp() {
	fmt.Println("Kiln - local ML training and hosting")
	fmt.Println()
	fmt.Println("USAGE:")
	fmt.Println("  kiln [FLAGS] COMMAND")
	fmt.Println()
	fmt.Println("COMMANDS:")
	fmt.Println("  fetch [dataset]                  Download a dataset into the local cache")
	fmt.Println("  upload [path]                    Upload a file/dir, or stage and upload a dataset (--dataset)")
	fmt.Println("  train [flags]                    Run a training job to completion")
	fmt.Println("  jobs list|describe|logs|wait|stop")
	fmt.Println("                                   Inspect and control training jobs")
	fmt.Println("  artifacts download|extract       Fetch a job's model.tar.gz from the object store")
	fmt.Println("  report <job-id> [--xlsx path]    Render training charts in the terminal")
	fmt.Println("  deploy --job <id> --name <ep>    Serve a trained model behind a local endpoint")
	fmt.Println("  predict --endpoint <ep> [flags]  Invoke an endpoint (--image, --sample)")
	fmt.Println("  endpoints list|delete            Manage inference endpoints")
	fmt.Println("  serve                            Start the control-plane API daemon")
	fmt.Println("  demo mnist                       The whole flow end-to-end in one process")
	fmt.Println("  tokens create|list|revoke        Manage API tokens")
	fmt.Println("  db path|vacuum|stats             Database utilities")
	fmt.Println("  version                          Show version information")
	fmt.Println()
	fmt.Println("FLAGS:")
	fmt.Println("  -c, --config <path>              Use custom config file")
	fmt.Println("  --data-dir <dir>                 Override the kiln data directory")
	fmt.Println("  -q, --quiet                      Suppress non-essential output")
	fmt.Println("  --no-color                       Disable colored output")
	fmt.Println("  -v, --version                    Show version information")
	fmt.Println("  -h, --help                       Show this help")
	fmt.Println()
	fmt.Println("ENVIRONMENT:")
	fmt.Println("  KILN_DATA_DIR                    Directory for the database, objects, and logs")
	fmt.Println("  KILN_DB_PATH                     Override the SQLite DB path (db subcommands)")
	fmt.Println("  KILN_BUCKET                      Default object bucket")
	fmt.Println("  KILN_DATASET_MIRROR              Dataset download mirror URL")
	fmt.Println("  KILN_SERVE_BIND                  Control-plane bind address")
	fmt.Println("  KILN_AUTH_SECRET                 API token signing secret")
	fmt.Println("  KILN_BUS                         Event bus backend (memory | nats)")
	fmt.Println("  KILN_LOG_LEVEL                   Log level (debug | info | warn | error)")
	fmt.Println("  KILN_QUIET                       Suppress non-essential output")
	fmt.Println("  NO_COLOR                         Disable colored output")
	fmt.Println()
	fmt.Println("CONFIGURATION:")
	fmt.Println("  User config: ~/.kiln/config.yaml")
	fmt.Println()
	fmt.Println("GETTING STARTED:")
	fmt.Println("  kiln demo mnist                  Fetch, train, chart, deploy, and predict")
}

func printVersion() {
	fmt.Printf("Kiln %s\n", version)
	if commit != "unknown" {
		fmt.Printf("  Commit:     %s\n", commit)
	}
	if buildDate != "unknown" {
		fmt.Printf("  Built:      %s\n", buildDate)
	}
	fmt.Printf("  Go version: %s\n", runtime.Version())
}
