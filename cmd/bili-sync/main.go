package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/schollz/progressbar/v3"

	"github.com/tonylu00/bili-sync-sub001/internal/aria2"
	"github.com/tonylu00/bili-sync-sub001/internal/config"
)

// Exit codes
const (
	ExitSuccess      = 0
	ExitGeneralError = 1
	ExitInvalidArgs  = 2
	ExitPoolError    = 3
	ExitFetchError   = 4
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		printUsage()
		return ExitInvalidArgs
	}

	command := args[0]
	cmdArgs := args[1:]

	switch command {
	case "fetch":
		return runFetch(cmdArgs)
	case "status":
		return runStatus(cmdArgs)
	case "merge":
		return runMerge(cmdArgs)
	case "help", "-h", "--help":
		printUsage()
		return ExitSuccess
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", command)
		printUsage()
		return ExitInvalidArgs
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, `Usage: bili-sync <command> [options]

Commands:
  fetch -o <path> [-config <file>] <url> [mirror-url ...]
        Download a file through the worker pool
  status [-config <file>]
        Start the pool and print per-instance status
  merge -video <path> -audio <path> -o <path>
        Mux separate video and audio streams into one file`)
}

// loadManager builds the settings manager from an optional config file.
func loadManager(path string) (*config.Manager, error) {
	if path != "" {
		return config.NewManagerFromFile(path)
	}
	s := config.Default()
	if err := s.LoadFromEnv(); err != nil {
		return nil, err
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return config.NewManager(s), nil
}

// signalContext returns a context cancelled by SIGINT/SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func runFetch(args []string) int {
	fs := flag.NewFlagSet("fetch", flag.ContinueOnError)
	configPath := fs.String("config", "", "path to config file")
	output := fs.String("o", "", "destination path")
	if err := fs.Parse(args); err != nil {
		return ExitInvalidArgs
	}

	urls := fs.Args()
	if *output == "" || len(urls) == 0 {
		fmt.Fprintln(os.Stderr, "fetch requires -o <path> and at least one url")
		return ExitInvalidArgs
	}

	manager, err := loadManager(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		return ExitGeneralError
	}

	ctx, cancel := signalContext()
	defer cancel()

	pool := aria2.NewPool(manager, nil)
	if err := pool.Start(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "pool start: %v\n", err)
		return ExitPoolError
	}
	defer pool.Shutdown()

	watchdog := aria2.NewWatchdog(pool, manager.WatchdogInterval(), manager.Paused)
	go watchdog.Run(ctx)

	bar := progressbar.NewOptions64(
		-1,
		progressbar.OptionSetDescription(*output),
		progressbar.OptionShowBytes(true),
		progressbar.OptionSetWidth(30),
		progressbar.OptionThrottle(200*time.Millisecond),
	)

	err = pool.FetchWithProgress(ctx, urls, *output, func(completed, total, speed int64) {
		if total > 0 {
			bar.ChangeMax64(total)
		}
		_ = bar.Set64(completed)
	})
	_ = bar.Finish()
	fmt.Fprintln(os.Stderr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "fetch: %v\n", err)
		return ExitFetchError
	}

	fmt.Printf("downloaded %s\n", *output)
	return ExitSuccess
}

func runStatus(args []string) int {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	configPath := fs.String("config", "", "path to config file")
	if err := fs.Parse(args); err != nil {
		return ExitInvalidArgs
	}

	manager, err := loadManager(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		return ExitGeneralError
	}

	ctx, cancel := signalContext()
	defer cancel()

	pool := aria2.NewPool(manager, nil)
	if err := pool.Start(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "pool start: %v\n", err)
		return ExitPoolError
	}
	defer pool.Shutdown()

	fmt.Printf("%-8s %-8s %-8s\n", "PORT", "LOAD", "HEALTHY")
	for _, st := range pool.InstancesStatus() {
		fmt.Printf("%-8d %-8d %-8t\n", st.Port, st.Load, st.Healthy)
	}
	return ExitSuccess
}

func runMerge(args []string) int {
	fs := flag.NewFlagSet("merge", flag.ContinueOnError)
	video := fs.String("video", "", "video stream path")
	audio := fs.String("audio", "", "audio stream path")
	output := fs.String("o", "", "output path")
	if err := fs.Parse(args); err != nil {
		return ExitInvalidArgs
	}

	if *video == "" || *audio == "" || *output == "" {
		fmt.Fprintln(os.Stderr, "merge requires -video, -audio and -o")
		return ExitInvalidArgs
	}

	ctx, cancel := signalContext()
	defer cancel()

	if err := aria2.Merge(ctx, *video, *audio, *output); err != nil {
		fmt.Fprintf(os.Stderr, "merge: %v\n", err)
		return ExitGeneralError
	}

	fmt.Printf("merged %s\n", *output)
	return ExitSuccess
}
