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
	"strings"
	"syscall"

	"github.com/l0p7/messenger"
	"github.com/l0p7/messenger/internal/config"
	"github.com/l0p7/messenger/internal/logging"
	"github.com/l0p7/messenger/internal/metrics"
	"github.com/l0p7/messenger/internal/templates"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/pflag"
)

const (
	exitOK    = 0
	exitError = 1
	exitUsage = 2
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

// usageError marks mistakes in the command line itself.
type usageError struct {
	msg string
}

func (e *usageError) Error() string { return e.msg }

func usagef(format string, args ...any) error {
	return &usageError{msg: fmt.Sprintf(format, args...)}
}

// session is what a prepared command needs at execution time.
type session struct {
	client   *messenger.Client
	renderer *templates.Renderer
}

type call func(ctx context.Context, s *session) (messenger.Object, error)

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	var (
		configFile string
		envPrefix  string
	)
	flagSet := pflag.NewFlagSet("messenger", pflag.ContinueOnError)
	flagSet.SetOutput(io.Discard)
	flagSet.SetInterspersed(false)
	flagSet.StringVar(&configFile, "config", "", "path to a YAML, JSON or TOML configuration file")
	flagSet.StringVar(&envPrefix, "env-prefix", "MESSENGER", "environment variable prefix")
	flagSet.BoolP("help", "h", false, "show help")

	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			printHelp(stdout, flagSet)
			return exitOK
		}
		fmt.Fprintf(stderr, "error: %v\n", err)
		return exitUsage
	}
	if help, _ := flagSet.GetBool("help"); help {
		printHelp(stdout, flagSet)
		return exitOK
	}

	rest := flagSet.Args()
	if len(rest) == 0 {
		printHelp(stderr, flagSet)
		return exitUsage
	}
	invoke, err := prepare(rest[0], rest[1:])
	if err != nil {
		fmt.Fprintf(stderr, "error: %v\n", err)
		var usage *usageError
		if errors.As(err, &usage) {
			return exitUsage
		}
		return exitError
	}

	cfg, err := config.NewLoader(envPrefix, configFile).Load(ctx)
	if err != nil {
		fmt.Fprintf(stderr, "error: failed to load configuration: %v\n", err)
		return exitError
	}
	logger, err := logging.New(cfg.Logging, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "error: failed to configure logger: %v\n", err)
		return exitError
	}
	logger.Debug("configuration loaded", slog.Any("graph", cfg.Graph))

	recorder := metrics.NewRecorder(prometheus.NewRegistry())
	if path := strings.TrimSpace(cfg.Metrics.Textfile); path != "" {
		defer func() {
			if err := recorder.WriteTextfile(path); err != nil {
				logger.Error("metrics textfile write failed", slog.String("path", path), slog.Any("error", err))
			}
		}()
	}

	renderer, err := buildRenderer(cfg.Templates)
	if err != nil {
		logger.Warn("template sandbox setup failed", slog.String("folder", cfg.Templates.Folder), slog.Any("error", err))
	}

	client, err := messenger.New(cfg.Graph.Client(),
		messenger.WithLogger(logger),
		messenger.WithObserver(recorder),
		messenger.WithUserAgent(cfg.Graph.UserAgent),
	)
	if err != nil {
		logger.Error("unable to construct client", slog.Any("error", err))
		return exitError
	}
	defer func() {
		if err := client.Close(); err != nil {
			logger.Error("client close failed", slog.Any("error", err))
		}
	}()

	resp, err := invoke(ctx, &session{client: client, renderer: renderer})
	if err != nil {
		logger.Error("command failed", slog.String("command", rest[0]), slog.Any("error", err))
		return exitError
	}

	out, err := json.MarshalIndent(resp, "", "  ")
	if err != nil {
		logger.Error("encode response", slog.Any("error", err))
		return exitError
	}
	fmt.Fprintln(stdout, string(out))

	if apiErr := messenger.APIErrorFrom(resp); apiErr != nil {
		logger.Error("graph api rejected the request", slog.Any("error", apiErr))
		return exitError
	}
	return exitOK
}

func buildRenderer(cfg config.TemplatesConfig) (*templates.Renderer, error) {
	folder := strings.TrimSpace(cfg.Folder)
	if folder == "" {
		return templates.NewRenderer(nil), nil
	}
	sandbox, err := templates.NewSandbox(folder)
	if err != nil {
		return templates.NewRenderer(nil), err
	}
	return templates.NewRenderer(sandbox), nil
}

func printHelp(w io.Writer, flagSet *pflag.FlagSet) {
	fmt.Fprintf(w, `messenger sends messages through the Messenger Platform Graph API.

Usage:
  messenger [global flags] <command> [flags] [args]

Commands:
  send-text RECIPIENT TEXT          send a text message (messaging type UPDATE by default)
  send-text RECIPIENT --template F  render template file F from templates.folder with --var key=value
  send MESSAGING_TYPE RECIPIENT MESSAGE_JSON
                                    send an arbitrary message object
  debug-token                       inspect the configured access token
  get ENDPOINT [--param k=v]...     issue a raw GET
  post ENDPOINT [--param k=v]... [--data JSON]
                                    issue a raw POST

RECIPIENT is a page-scoped user id, or a JSON object such as {"user_ref":"..."}.
Credentials come from --config or MESSENGER_GRAPH__ACCESS_TOKEN,
MESSENGER_GRAPH__APP_ID and MESSENGER_GRAPH__APP_SECRET.

Global flags:
%s`, flagSet.FlagUsages())
}
