package main

import (
	"context"
	"log/slog"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/zsiec/framecast/internal/config"
	"github.com/zsiec/framecast/internal/session"
	"github.com/zsiec/framecast/internal/sink"
	"github.com/zsiec/framecast/internal/transport"
)

func newRecvCmd(a *app) *cobra.Command {
	var (
		addr, mode, sinkKind, out string
		maxFrame                  int
	)

	cmd := &cobra.Command{
		Use:   "recv",
		Short: "Receive frames and write them to a sink",
		Example: `  framecast recv -o out.ts
  framecast recv --mode listen --addr :9999 --sink dir -o frames/{key}`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c := a.cfg
			flags := cmd.Flags()
			if flags.Changed("addr") {
				c.Recv.Addr = addr
			}
			if flags.Changed("mode") {
				c.Recv.Mode = mode
			}
			if flags.Changed("sink") {
				c.Recv.Sink.Kind = sinkKind
			}
			if flags.Changed("output") {
				c.Recv.Sink.Path = out
			}
			if flags.Changed("max-frame-size") {
				c.Recv.MaxFrameSize = maxFrame
			}
			if err := a.finish(); err != nil {
				return err
			}
			return runRecv(cmd.Context(), c, a.log)
		},
	}

	f := cmd.Flags()
	f.StringVar(&addr, "addr", "", "address to call or listen on (default \"127.0.0.1:9999\")")
	f.StringVar(&mode, "mode", "", "call the sender or listen for senders (default \"call\")")
	f.StringVar(&sinkKind, "sink", "", "frame sink: file, framefile, dir or discard (default \"file\")")
	f.StringVarP(&out, "output", "o", "", "sink path; {key} is replaced by the stream key, \"-\" is stdout (default \"-\")")
	f.IntVar(&maxFrame, "max-frame-size", 0, "largest accepted frame in bytes (default 64 MiB)")
	return cmd
}

// sinkOpener opens one sink per stream at the configured path.
func sinkOpener(cfg *config.Config) session.SinkOpener {
	kind, _ := sink.ParseKind(cfg.Recv.Sink.Kind)
	return func(streamKey string) (sink.Sink, error) {
		return sink.Open(kind, cfg.SinkPath(streamKey))
	}
}

// runRecv receives one stream in call mode, or every stream that connects
// in listen mode, until ctx is cancelled.
func runRecv(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	mode, _ := transport.ParseMode(cfg.Recv.Mode)
	if mode == transport.ModeListen {
		ln, err := listen(cfg.Transport, cfg.Recv.Addr, log)
		if err != nil {
			return err
		}
		log.Info("waiting for senders", "transport", cfg.Transport.Kind, "addr", ln.Addr())
		return receive(ctx, cfg, log, func(ctx context.Context, r *session.Receiver) error {
			return r.Listen(ctx, ln)
		})
	}

	conn, err := dial(ctx, cfg.Transport, cfg.Recv.Addr, log)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
	return receive(ctx, cfg, log, func(ctx context.Context, r *session.Receiver) error {
		return r.Serve(ctx, conn)
	})
}

// receive runs serve alongside the periodic stats report.
func receive(ctx context.Context, cfg *config.Config, log *slog.Logger, serve func(context.Context, *session.Receiver) error) error {
	r := session.NewReceiver(sinkOpener(cfg), session.ReceiverConfig{
		MaxFrameSize: cfg.Recv.MaxFrameSize,
		Log:          log,
	})

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		defer cancel()
		return serve(gctx, r)
	})
	g.Go(func() error {
		report(gctx, statsInterval, func() {
			for _, st := range r.Streams().Snapshot() {
				log.Info("recv stats",
					"stream", st.Key,
					"remote", st.RemoteAddr,
					"bytes", st.BytesReceived,
					"frames", st.Frames,
					"resyncs", st.Resyncs,
					"sink_errors", st.SinkErrors,
					"uptime_ms", st.UptimeMs)
			}
		})
		return nil
	})
	return g.Wait()
}
