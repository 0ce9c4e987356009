// Command oocana runs a single flow to completion or prints usage.
//
// Usage:
//
//	oocana run <flow-dir-or-file> [flags]
//	oocana help
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/oocana/oocana-core/session"
)

const usage = `oocana - dataflow execution core

Usage:
  oocana run <flow-dir-or-file> [flags]
  oocana help

Flags for run:
  --session <id>              reuse an existing session id instead of generating one
  --verbose                   enable debug-level logging
  --broker <host:port>        MQTT broker address (default from config)
  --env-file <path>           path to an env file to load before running
  --bind-path-file <path>     path to a bind-path manifest file
  --config <path>             explicit config file path
  --search-paths <list>       comma-separated extra package search paths
  --exclude-packages <list>   comma-separated package names to exclude
  --debug                     start a localhost debug HTTP status server

Exit codes: 0 success, 1 flow failure, 2 configuration error, 130 cancelled.
`

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		fmt.Fprint(os.Stderr, usage)
		return int(session.ExitConfigError)
	}

	switch args[0] {
	case "help", "-h", "--help":
		fmt.Print(usage)
		return int(session.ExitSuccess)
	case "run":
		return runFlow(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "oocana: unknown command %q\n\n%s", args[0], usage)
		return int(session.ExitConfigError)
	}
}

func runFlow(args []string) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	var (
		sessionID       string
		verbose         bool
		broker          string
		envFile         string
		bindPathFile    string
		configPath      string
		searchPaths     string
		excludePackages string
		debug           bool
	)
	fs.StringVar(&sessionID, "session", "", "reuse an existing session id")
	fs.BoolVar(&verbose, "verbose", false, "enable debug-level logging")
	fs.StringVar(&broker, "broker", "", "MQTT broker address")
	fs.StringVar(&envFile, "env-file", "", "path to an env file")
	fs.StringVar(&bindPathFile, "bind-path-file", "", "path to a bind-path manifest file")
	fs.StringVar(&configPath, "config", "", "explicit config file path")
	fs.StringVar(&searchPaths, "search-paths", "", "comma-separated extra package search paths")
	fs.StringVar(&excludePackages, "exclude-packages", "", "comma-separated package names to exclude")
	fs.BoolVar(&debug, "debug", false, "start a localhost debug HTTP status server")
	fs.SetOutput(os.Stderr)

	if err := fs.Parse(args); err != nil {
		return int(session.ExitConfigError)
	}
	if fs.NArg() != 1 {
		fmt.Fprintf(os.Stderr, "oocana run: expected exactly one flow path\n\n%s", usage)
		return int(session.ExitConfigError)
	}
	flowPath := fs.Arg(0)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		cancel()
	}()

	sess, err := session.New(ctx, session.Options{
		SessionID:       sessionID,
		ConfigPath:      configPath,
		Broker:          broker,
		EnvFile:         envFile,
		BindPathFile:    bindPathFile,
		SearchPaths:     splitList(searchPaths),
		ExcludePackages: splitList(excludePackages),
		Verbose:         verbose,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "oocana: failed to start session: %v\n", err)
		return int(session.ExitConfigError)
	}
	defer sess.Shutdown(context.Background())

	if debug {
		ds := session.NewDebugServer(sess)
		if err := ds.Start(ctx, 0); err != nil {
			fmt.Fprintf(os.Stderr, "oocana: debug server: %v\n", err)
		} else {
			fmt.Fprintf(os.Stderr, "oocana: debug server listening on %s\n", ds.Addr())
		}
	}

	code, err := sess.SubmitFlow(ctx, flowPath, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "oocana: %v\n", err)
	}
	return int(code)
}

func splitList(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
