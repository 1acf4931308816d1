// Command converge reconciles a running container deployment toward the
// topology described by a template and its variable bindings.
package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
)

// Version information (set by build)
var (
	Version   = "dev"
	BuildTime = "unknown"
)

func main() {
	os.Exit(run())
}

func run() int {
	// Parse command line flags
	templatePath := flag.String("template", "", "Path to topology template (required)")
	varsPath := flag.String("vars", "", "Path to variable bindings file")
	configPath := flag.String("config", "", "Path to config file")
	interval := flag.Duration("interval", 0, "Re-run reconciliation on this interval (0 runs once)")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	// Handle version flag
	if *showVersion {
		fmt.Printf("converge %s (built %s)\n", Version, BuildTime)
		return ExitSuccess
	}

	if *templatePath == "" {
		fmt.Fprintln(os.Stderr, "converge: -template is required")
		flag.Usage()
		return ExitConfigError
	}

	// Load configuration
	cfg, err := LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return ExitConfigError
	}

	// Setup logger
	logger := SetupLogger(cfg)
	logger.Info("starting converge",
		"version", Version,
		"template", *templatePath,
		"config", *configPath,
	)

	app, err := NewApp(cfg, logger)
	if err != nil {
		var appErr *AppError
		if errors.As(err, &appErr) {
			logger.Error("failed to start",
				"error", appErr.Err,
				"operation", appErr.Op,
			)
			return appErr.ExitCode
		}
		logger.Error("failed to start", "error", err)
		return ExitConfigError
	}
	defer app.Close()

	return app.Converge(*templatePath, *varsPath, *interval)
}
