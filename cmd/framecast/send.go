package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/zsiec/framecast/internal/bridge"
	"github.com/zsiec/framecast/internal/config"
	"github.com/zsiec/framecast/internal/mpegts"
	"github.com/zsiec/framecast/internal/session"
	"github.com/zsiec/framecast/internal/source"
	"github.com/zsiec/framecast/internal/transport"
)

const statsInterval = 10 * time.Second

func newSendCmd(a *app) *cobra.Command {
	var (
		addr, mode, overflow string
		mtu, queue           int
		src                  config.SourceConfig
	)

	cmd := &cobra.Command{
		Use:   "send",
		Short: "Stream frames from a source to a receiver",
		Example: `  framecast send --source synthetic --count 300
  framecast send --transport quic --source ts -i input.ts --mode call --addr host:9999`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c := a.cfg
			flags := cmd.Flags()
			if flags.Changed("addr") {
				c.Send.Addr = addr
			}
			if flags.Changed("mode") {
				c.Send.Mode = mode
			}
			if flags.Changed("mtu") {
				c.Send.MTU = mtu
			}
			if flags.Changed("queue") {
				c.Send.QueueCapacity = queue
			}
			if flags.Changed("overflow") {
				c.Send.Overflow = overflow
			}
			if flags.Changed("source") {
				c.Send.Source.Kind = src.Kind
			}
			if flags.Changed("input") {
				c.Send.Source.Path = src.Path
			}
			if flags.Changed("size") {
				c.Send.Source.Size = src.Size
			}
			if flags.Changed("interval") {
				c.Send.Source.Interval = src.Interval
			}
			if flags.Changed("count") {
				c.Send.Source.Count = src.Count
			}
			if flags.Changed("pid") {
				c.Send.Source.PID = src.PID
			}
			if err := a.finish(); err != nil {
				return err
			}
			return runSend(cmd.Context(), c, a.log)
		},
	}

	f := cmd.Flags()
	f.StringVar(&addr, "addr", "", "address to listen on or call (default \":9999\")")
	f.StringVar(&mode, "mode", "", "listen for the receiver or call it (default \"listen\")")
	f.IntVar(&mtu, "mtu", 0, "chunk size in bytes (default 1316)")
	f.IntVar(&queue, "queue", 0, "chunks buffered between packetizer and transport (default 1024)")
	f.StringVar(&overflow, "overflow", "", "full queue policy: drop or block (default \"drop\")")
	f.StringVar(&src.Kind, "source", "", "frame source: synthetic, ts or framefile (default \"synthetic\")")
	f.StringVarP(&src.Path, "input", "i", "", "input file for ts and framefile sources (\"-\" reads stdin for ts)")
	f.IntVar(&src.Size, "size", 0, "synthetic frame size in bytes (default 8000)")
	f.DurationVar(&src.Interval, "interval", 0, "frame interval for synthetic and framefile sources (default 30ms)")
	f.IntVar(&src.Count, "count", 0, "synthetic frames to send, 0 for unlimited")
	f.Uint16Var(&src.PID, "pid", 0, "MPEG-TS PID carrying the timing stream, 0 for auto")
	return cmd
}

// openSource builds the configured frame source.
func openSource(sc config.SourceConfig, maxFrameSize int, log *slog.Logger) (source.Source, error) {
	switch sc.Kind {
	case config.SourceSynthetic:
		return source.NewSynthetic(source.SyntheticConfig{
			Size:     sc.Size,
			Interval: sc.Interval,
			Count:    sc.Count,
		}), nil
	case config.SourceTS:
		return source.OpenTS(sc.Path, mpegts.SourceConfig{PID: sc.PID, Log: log})
	case config.SourceFramefile:
		return source.OpenFramefile(sc.Path, source.FramefileConfig{
			Interval:     sc.Interval,
			MaxFrameSize: maxFrameSize,
		})
	}
	return nil, fmt.Errorf("unknown source kind %q", sc.Kind)
}

// runSend streams the configured source over one connection. In listen
// mode it waits for the first caller.
func runSend(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	src, err := openSource(cfg.Send.Source, cfg.Recv.MaxFrameSize, log)
	if err != nil {
		return err
	}
	if c, ok := src.(source.Closer); ok {
		defer c.Close()
	}

	mode, _ := transport.ParseMode(cfg.Send.Mode)
	var conn transport.Conn
	if mode == transport.ModeListen {
		ln, err := listen(cfg.Transport, cfg.Send.Addr, log)
		if err != nil {
			return err
		}
		defer ln.Close()
		log.Info("waiting for receiver", "transport", cfg.Transport.Kind, "addr", ln.Addr())
		conn, err = ln.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
	} else {
		conn, err = dial(ctx, cfg.Transport, cfg.Send.Addr, log)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
	defer conn.Close()

	tx, err := conn.Sender(ctx)
	if err != nil {
		return err
	}

	policy, _ := bridge.ParsePolicy(cfg.Send.Overflow)
	s, err := session.NewSender(src, tx, session.SenderConfig{
		MTU:           cfg.Send.MTU,
		QueueCapacity: cfg.Send.QueueCapacity,
		Policy:        policy,
		Log:           log.With("stream", conn.StreamKey()),
	})
	if err != nil {
		tx.Close()
		return err
	}

	log.Info("streaming",
		"transport", cfg.Transport.Kind,
		"remote", conn.RemoteAddr(),
		"source", cfg.Send.Source.Kind,
		"mtu", cfg.Send.MTU,
		"overflow", policy)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		defer cancel()
		return s.Run(gctx)
	})
	g.Go(func() error {
		report(gctx, statsInterval, func() {
			st := s.Stats()
			log.Info("send stats",
				"frames", st.Packetizer.Frames,
				"dropped_frames", st.Packetizer.DroppedFrames,
				"late_frames", st.Packetizer.LateFrames,
				"queue_depth", st.Queue.Depth,
				"chunks", st.SentChunks,
				"bytes", st.SentBytes)
			logSourceStats(log, src)
		})
		return nil
	})
	return g.Wait()
}

// logSourceStats logs the demux counters of sources that keep them.
func logSourceStats(log *slog.Logger, src source.Source) {
	ts, ok := src.(*source.TS)
	if !ok {
		return
	}
	st := ts.Stats()
	log.Info("ts source stats",
		"units", st.Units,
		"packets", st.Packets,
		"sync_losses", st.SyncLosses,
		"error_packets", st.ErrorPkts,
		"timing_pid", st.TimingPID,
		"frame_interval", ts.FrameInterval())
}

// report calls fn every interval until ctx is done.
func report(ctx context.Context, interval time.Duration, fn func()) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn()
		}
	}
}
