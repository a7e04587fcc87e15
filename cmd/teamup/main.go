package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
)

var buildVersion = "dev"

type command func(ctx context.Context, a *app, args []string) error

var commands = map[string]command{
	"login":        commandLogin,
	"register":     commandRegister,
	"logout":       commandLogout,
	"status":       commandStatus,
	"me":           commandMe,
	"project":      commandProject,
	"role":         commandRole,
	"apply":        commandApply,
	"applications": commandApplications,
	"approve":      commandApprove,
	"reject":       commandReject,
	"chat":         commandChat,
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

func run(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	global := flag.NewFlagSet("teamup", flag.ContinueOnError)
	global.SetOutput(stderr)
	configPath := global.String("config", "", "Path to a YAML config file (default $TEAMUP_CONFIG)")
	apiBase := global.String("api", "", "API base URL, overrides configuration")
	showMetrics := global.Bool("metrics", false, "Print client request metrics to stderr on exit")
	global.Usage = func() { printUsage(stderr) }
	if err := global.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}

	rest := global.Args()
	if len(rest) == 0 {
		printUsage(stderr)
		return 1
	}
	name, cmdArgs := rest[0], rest[1:]
	switch name {
	case "version", "--version", "-v":
		fmt.Fprintln(stdout, strings.TrimSpace(buildVersion))
		return 0
	case "help", "-h", "--help":
		printUsage(stdout)
		return 0
	}
	cmd, ok := commands[name]
	if !ok {
		fmt.Fprintf(stderr, "unknown command: %s\n", name)
		printUsage(stderr)
		return 1
	}

	a, err := newApp(ctx, appOptions{
		configPath: *configPath,
		apiBase:    *apiBase,
		stdin:      stdin,
		stdout:     stdout,
		stderr:     stderr,
	})
	if err != nil {
		fmt.Fprintf(stderr, "error: %v\n", err)
		return 1
	}
	defer a.Close()

	err = cmd(ctx, a, cmdArgs)
	if *showMetrics {
		if mErr := a.writeMetrics(stderr); mErr != nil {
			fmt.Fprintf(stderr, "error: write metrics: %v\n", mErr)
		}
	}
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		// Client failures have already been shown on the status board.
		if a.board.LastError() == "" {
			fmt.Fprintf(stderr, "error: %v\n", err)
		}
		return 1
	}
	return 0
}

func printUsage(w io.Writer) {
	fmt.Fprintf(w, "teamup CLI %s\n\n", buildVersion)
	fmt.Fprint(w, `Usage:
	teamup [--config file.yaml] [--api http://127.0.0.1:8000/api] [--metrics] <command> [flags]

	teamup login --username alice [--password secret]
	teamup register --username alice --email alice@college.edu --college "State College"
	teamup logout
	teamup status
	teamup me [--github url] [--skills "go, sql"] [--json]
	teamup project list [--search text] [--status OPEN] [--college name] [--json]
	teamup project show --id 3 [--json]
	teamup project create (--github url | --title name) [--description text]
	teamup role add --project 3 --name Backend --skills "Go, SQL"
	teamup apply --project 3 --role 7 --proposal "text" (or "-" to read stdin)
	teamup applications mine [--json]
	teamup applications role --project 3 --role 7 [--json]
	teamup approve --project 3 --role 7 --application 11
	teamup reject --project 3 --role 7 --application 11
	teamup chat --project 3 [--url-only]
	teamup version
`)
}
