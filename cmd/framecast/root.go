package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/zsiec/framecast/internal/config"
)

// app carries the loaded configuration and logger from the root command's
// pre-run to the subcommands.
type app struct {
	cfgFile string
	cfg     *config.Config
	log     *slog.Logger
	stderr  io.Writer
	getenv  func(string) string

	// flag overrides shared by send and recv
	transport   string
	streamKey   string
	fingerprint string
	logLevel    string
}

func newRootCmd() *cobra.Command {
	a := &app{stderr: os.Stderr, getenv: os.Getenv}
	return a.command()
}

func (a *app) command() *cobra.Command {
	root := &cobra.Command{
		Use:   "framecast",
		Short: "Stream timestamped media frames over SRT or QUIC",
		Long: `framecast sends frames from a source (synthetic, MPEG-TS or framefile)
over SRT or QUIC with their original timing, and reassembles them on the
receiving side into a file, a framefile or a directory of frames.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.load(cmd)
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&a.cfgFile, "config", "", "YAML config file")
	pf.StringVar(&a.transport, "transport", "", "transport: srt or quic")
	pf.StringVar(&a.streamKey, "stream-key", "", "stream key sent by the calling side")
	pf.StringVar(&a.fingerprint, "fingerprint", "", "base64 SHA-256 of the QUIC listener certificate to pin")
	pf.StringVar(&a.logLevel, "log-level", "", "log level: debug, info, warn or error")

	root.AddCommand(newSendCmd(a), newRecvCmd(a), newVersionCmd())
	return root
}

// load reads the config file, then FRAMECAST_* variables, then the
// persistent flags.
func (a *app) load(cmd *cobra.Command) error {
	cfg, err := config.Load(a.cfgFile)
	if err != nil {
		return err
	}
	if err := cfg.ApplyEnv(a.getenv); err != nil {
		return err
	}

	flags := cmd.Flags()
	if flags.Changed("transport") {
		cfg.Transport.Kind = a.transport
	}
	if flags.Changed("stream-key") {
		cfg.Transport.StreamKey = a.streamKey
	}
	if flags.Changed("fingerprint") {
		cfg.Transport.Fingerprint = a.fingerprint
	}
	if flags.Changed("log-level") {
		cfg.LogLevel = a.logLevel
	}
	a.cfg = cfg
	return nil
}

// finish validates the configuration after the subcommand has applied its
// own flags and installs the logger.
func (a *app) finish() error {
	if err := a.cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	level, _ := a.cfg.SlogLevel()
	if a.getenv("DEBUG") != "" {
		level = slog.LevelDebug
	}
	a.log = slog.New(slog.NewTextHandler(a.stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(a.log)
	return nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the framecast version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			fmt.Fprintf(cmd.OutOrStdout(), "framecast version %s\n", version)
			return nil
		},
	}
}
