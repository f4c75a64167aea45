package main

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/term"

	"github.com/payflow/batchwatch/internal/config"
	"github.com/payflow/batchwatch/internal/restapi"
	"github.com/payflow/batchwatch/internal/session"
	"github.com/payflow/batchwatch/internal/ws"
	"github.com/payflow/batchwatch/pkg/schema"
)

// app carries what every subcommand needs once the root command has loaded
// configuration.
type app struct {
	configPath string
	envFile    string
	logLevel   string

	in     io.Reader
	out    io.Writer
	errOut io.Writer

	cfg    *config.Config
	logger *zap.Logger
	api    *restapi.Client
}

func newRootCmd(in io.Reader, out, errOut io.Writer) *cobra.Command {
	a := &app{in: in, out: out, errOut: errOut}

	root := &cobra.Command{
		Use:   "batchwatch",
		Short: "Upload payment batches and follow their processing live",
		Long: `batchwatch signs in to the payment batch API, uploads spreadsheets of
payment instructions and keeps a filtered view of a batch's items in sync
with the API and its realtime channel.`,
		SilenceUsage:      true,
		PersistentPreRunE: a.setup,
		PersistentPostRun: func(*cobra.Command, []string) { a.teardown() },
	}
	root.SetIn(in)
	root.SetOut(out)
	root.SetErr(errOut)

	root.PersistentFlags().StringVarP(&a.configPath, "config", "c", "batchwatch.yml", "Path to configuration file")
	root.PersistentFlags().StringVar(&a.envFile, "env-file", ".env", "Environment file loaded before configuration")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "Log level override (debug, info, warn, error)")

	root.AddCommand(
		newLoginCmd(a),
		newLogoutCmd(a),
		newWhoamiCmd(a),
		newUploadCmd(a),
		newBatchCmd(a),
		newItemsCmd(a),
		newWatchCmd(a),
		newInspectCmd(a),
		newConfigCmd(a),
	)
	return root
}

func (a *app) setup(cmd *cobra.Command, _ []string) error {
	if a.envFile != "" {
		if err := godotenv.Load(a.envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", a.envFile, err)
		}
	}

	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	if a.logLevel != "" {
		cfg.Application.LogLevel = a.logLevel
	}
	a.cfg = cfg

	logger, err := createLogger(cfg.Application.LogLevel, a.errOut)
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	a.logger = logger

	sess, err := session.Load(cfg.Session.Path)
	if err != nil {
		return err
	}
	a.api = restapi.NewClient(restapi.Options{
		BaseURL:           cfg.API.BaseURL,
		Prefix:            cfg.API.Prefix,
		Timeout:           cfg.API.Timeout,
		RequestsPerMinute: cfg.API.RequestsPerMinute,
		MaxRetries:        cfg.API.MaxRetries,
		Tokens:            sess,
	}, logger)

	logger.Debug("Configuration loaded",
		zap.String("config", a.configPath),
		zap.String("api", cfg.API.BaseURL),
		zap.String("realtime", cfg.Realtime.URL),
		zap.String("read_budget", a.api.RateLimit()))

	cmd.SetContext(session.NewContext(cmd.Context(), sess))
	return nil
}

func (a *app) teardown() {
	if a.logger != nil {
		_ = a.logger.Sync()
	}
}

// currentSession returns the session installed by setup.
func currentSession(cmd *cobra.Command) (*session.Session, error) {
	sess, ok := session.FromContext(cmd.Context())
	if !ok {
		return nil, errors.New("no session loaded")
	}
	return sess, nil
}

func (a *app) realtimeOptions() ws.Options {
	rt := a.cfg.Realtime
	return ws.Options{
		URL:               rt.URL,
		Key:               rt.Key,
		Cluster:           rt.Cluster,
		HandshakeTimeout:  rt.HandshakeTimeout,
		PingInterval:      rt.PingInterval,
		ReadTimeout:       rt.ReadTimeout,
		ReconnectInterval: rt.ReconnectInterval,
	}
}

func (a *app) liveStatuses() []schema.BatchStatus {
	out := make([]schema.BatchStatus, 0, len(a.cfg.Realtime.LiveStatuses))
	for _, s := range a.cfg.Realtime.LiveStatuses {
		out = append(out, schema.BatchStatus(s))
	}
	return out
}

// terminalFd returns the descriptor behind v when it is an interactive
// terminal.
func terminalFd(v any) (int, bool) {
	file, ok := v.(*os.File)
	if !ok {
		return 0, false
	}
	fd := int(file.Fd())
	return fd, term.IsTerminal(fd)
}
