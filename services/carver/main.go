// Command carver recovers files from disk images and block devices by
// content signature.
//
//	carver scan -s disk.img -o recovered_files
//	carver serve -c carver.yaml
//	carver verify-log activity.jsonl
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	corelog "github.com/swarmguard/carver/libs/go/core/logging"
	"github.com/swarmguard/carver/libs/go/core/otelinit"
	"github.com/swarmguard/carver/services/carver/catalog"
	"github.com/swarmguard/carver/services/carver/config"
	"github.com/swarmguard/carver/services/carver/faultlog"
	"github.com/swarmguard/carver/services/carver/session"
)

const service = "carver"

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	cancel()
	os.Exit(code)
}

func usage(w io.Writer) {
	fmt.Fprintln(w, "usage: carver <scan|serve|verify-log> [flags]")
}

// run returns the process exit code: 0 on success, 1 on failure, 2 on
// usage errors and 3 when a scan ended cancelled.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		usage(stderr)
		return 2
	}
	cmd, args := args[0], args[1:]
	if cmd == "verify-log" {
		return verifyLog(args, stdout, stderr)
	}
	if cmd != "scan" && cmd != "serve" {
		usage(stderr)
		return 2
	}

	fs := pflag.NewFlagSet(cmd, pflag.ContinueOnError)
	fs.SetOutput(stderr)
	flags := config.RegisterFlags(fs)
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return 0
		}
		return 2
	}
	if fs.NArg() > 0 {
		// positional source, as in "carver scan disk.img"
		if err := fs.Set("source", fs.Arg(0)); err != nil {
			return 2
		}
	}
	cfg, err := flags.Resolve(fs)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 2
	}

	// scan prints the session on stdout, so logs go to stderr there
	var log *slog.Logger
	if cmd == "scan" {
		log = corelog.InitWriter(service, stderr)
	} else {
		log = corelog.Init(service)
	}
	shutdownTrace := otelinit.InitTracer(ctx, service)
	shutdownMetrics, _ := otelinit.InitMetrics(ctx, service)
	defer func() {
		otelinit.Flush(context.Background(), shutdownMetrics)
		otelinit.Flush(context.Background(), shutdownTrace)
	}()

	a, err := newApp(cfg, log)
	if err != nil {
		var mis *catalog.MisconfigurationError
		if errors.As(err, &mis) {
			log.Error("catalog misconfiguration", "error", err)
		} else {
			log.Error("startup failed", "error", err)
		}
		return 1
	}
	defer a.close()

	if cmd == "serve" {
		if err := a.serve(ctx); err != nil {
			log.Error("serve failed", "error", err)
			return 1
		}
		return 0
	}

	s, err := a.scan(ctx, session.Mode(cfg.Scan.Mode))
	if s == nil {
		log.Error("scan failed", "source", cfg.Source, "error", err)
		return 1
	}
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	if encErr := enc.Encode(s); encErr != nil {
		log.Error("write session", "error", encErr)
		return 1
	}
	if err != nil {
		log.Error("scan recorded with errors", "session_id", s.ID, "error", err)
		return 1
	}
	if s.Status == session.StatusCancelled {
		return 3
	}
	return 0
}

func verifyLog(args []string, stdout, stderr io.Writer) int {
	if len(args) != 1 {
		fmt.Fprintln(stderr, "usage: carver verify-log <file>")
		return 2
	}
	n, err := faultlog.VerifyFile(args[0])
	if err != nil {
		fmt.Fprintf(stderr, "%s: %v\n", args[0], err)
		return 1
	}
	fmt.Fprintf(stdout, "%s: %d entries, chain intact\n", args[0], n)
	return 0
}
