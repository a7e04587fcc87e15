package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
	"golang.org/x/term"

	apiclient "github.com/splax/teamup/pkg/api/client"
	"github.com/splax/teamup/pkg/config"
	"github.com/splax/teamup/pkg/logger"
	"github.com/splax/teamup/pkg/notify"
	"github.com/splax/teamup/pkg/session"
)

type appOptions struct {
	configPath string
	apiBase    string
	stdin      io.Reader
	stdout     io.Writer
	stderr     io.Writer
}

// app bundles everything a command needs for one invocation.
type app struct {
	cfg      config.ClientConfig
	log      *slog.Logger
	session  *session.Session
	board    *notify.Board
	client   *apiclient.Client
	registry *prometheus.Registry

	stdinFile *os.File
	in        *bufio.Reader
	stdout    io.Writer
	stderr    io.Writer
	closers   []func() error
}

func newApp(ctx context.Context, opts appOptions) (*app, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, err
	}
	if base := strings.TrimSpace(opts.apiBase); base != "" {
		cfg.APIBaseURL = base
	}
	log := logger.NewWithWriter(opts.stderr, "teamup", logger.ParseLevel(cfg.Log.Level), cfg.Log.Format)

	a := &app{
		cfg:      cfg,
		log:      log,
		board:    notify.NewBoard(opts.stderr),
		registry: prometheus.NewRegistry(),
		in:       bufio.NewReader(opts.stdin),
		stdout:   opts.stdout,
		stderr:   opts.stderr,
	}
	if f, ok := opts.stdin.(*os.File); ok {
		a.stdinFile = f
	}

	store, err := a.openStore(ctx)
	if err != nil {
		return nil, err
	}
	a.session = session.New(store)

	a.client, err = apiclient.New(cfg.APIBaseURL,
		apiclient.WithHTTPClient(&http.Client{Timeout: cfg.Timeout}),
		apiclient.WithSession(a.session),
		apiclient.WithNotifier(a.board),
		apiclient.WithLogger(log),
		apiclient.WithMetrics(a.registry),
	)
	if err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) openStore(ctx context.Context) (session.Store, error) {
	switch a.cfg.Session.Backend {
	case config.BackendMemory:
		return session.NewMemoryStore(), nil
	case config.BackendRedis:
		store, err := session.OpenRedisStore(ctx, a.cfg.Redis.Addr, a.cfg.Redis.Password, a.cfg.Redis.DB, a.cfg.Redis.Prefix)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, store.Close)
		return store, nil
	default:
		path := a.cfg.Session.Path
		if path == "" {
			var err error
			if path, err = session.DefaultPath(); err != nil {
				return nil, fmt.Errorf("resolve session path: %w", err)
			}
		}
		a.log.Debug("using file session store", "path", path, "sealed", a.cfg.Session.Passphrase != "")
		return session.NewFileStore(path, a.cfg.Session.Passphrase), nil
	}
}

// Close releases backend connections.
func (a *app) Close() {
	for _, fn := range a.closers {
		if err := fn(); err != nil {
			a.log.Warn("close failed", "error", err)
		}
	}
	a.closers = nil
}

func (a *app) flags(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(a.stderr)
	return fs
}

// readLine prompts on stderr and reads one line from stdin.
func (a *app) readLine(prompt string) (string, error) {
	fmt.Fprint(a.stderr, prompt)
	line, err := a.in.ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && line != "") {
		return "", fmt.Errorf("read input: %w", err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// readSecret prompts for a value without echo when stdin is a terminal.
func (a *app) readSecret(prompt string) (string, error) {
	if a.stdinFile == nil || !term.IsTerminal(int(a.stdinFile.Fd())) {
		return a.readLine(prompt)
	}
	fmt.Fprint(a.stderr, prompt)
	secret, err := term.ReadPassword(int(a.stdinFile.Fd()))
	fmt.Fprintln(a.stderr)
	if err != nil {
		return "", fmt.Errorf("read password: %w", err)
	}
	return string(secret), nil
}

func (a *app) printJSON(v any) error {
	enc := json.NewEncoder(a.stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (a *app) writeMetrics(w io.Writer) error {
	families, err := a.registry.Gather()
	if err != nil {
		return err
	}
	for _, mf := range families {
		if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
			return err
		}
	}
	return nil
}
