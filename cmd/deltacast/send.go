package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/vango-dev/deltacast/internal/config"
	"github.com/vango-dev/deltacast/internal/errors"
	"github.com/vango-dev/deltacast/pkg/admin"
	"github.com/vango-dev/deltacast/pkg/capture"
	"github.com/vango-dev/deltacast/pkg/protocol"
	"github.com/vango-dev/deltacast/pkg/scheduler"
	"github.com/vango-dev/deltacast/pkg/status"
	"github.com/vango-dev/deltacast/pkg/telemetry"
	"github.com/vango-dev/deltacast/pkg/transport"
)

type sendFlags struct {
	listen    string
	admin     string
	fps       int
	chroma    string
	threshold int
	width     int
	height    int
}

// apply copies every flag the user set over the file values.
func (f *sendFlags) apply(cmd *cobra.Command, s *config.SenderConfig) {
	changed := cmd.Flags().Changed
	if changed("listen") {
		s.Listen = f.listen
	}
	if changed("admin") {
		s.Admin = f.admin
	}
	if changed("fps") {
		s.FPS = f.fps
	}
	if changed("chroma") {
		s.Chroma = f.chroma
	}
	if changed("chroma-threshold") {
		s.ChromaThreshold = f.threshold
	}
	if changed("width") {
		s.Capture.Width = f.width
	}
	if changed("height") {
		s.Capture.Height = f.height
	}
}

func sendCmd(opts *rootOptions) *cobra.Command {
	flags := &sendFlags{}

	cmd := &cobra.Command{
		Use:   "send",
		Short: "Capture the screen and stream it to receivers",
		Long: `Start the sender. It listens for receivers over QUIC, captures only
while at least one is connected, and broadcasts each changed region set.

The frame rate and chroma settings are reloaded when the config file
changes; flags keep overriding the file across reloads.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			flags.apply(cmd, &opts.cfg.Sender)
			if err := opts.cfg.Validate(); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			reload := func(c *config.Config) {
				flags.apply(cmd, &c.Sender)
			}
			return runSender(ctx, opts.cfg, reload, opts.logger)
		},
	}

	def := config.Default().Sender
	f := cmd.Flags()
	f.StringVarP(&flags.listen, "listen", "l", def.Listen, "UDP address to accept receivers on")
	f.StringVar(&flags.admin, "admin", def.Admin, "HTTP admin address (empty disables)")
	f.IntVar(&flags.fps, "fps", def.FPS, "Maximum frames per second")
	f.StringVar(&flags.chroma, "chroma", def.Chroma, "Chroma keying: none, server or client")
	f.IntVar(&flags.threshold, "chroma-threshold", def.ChromaThreshold, "Luma below which pixels become transparent")
	f.IntVar(&flags.width, "width", def.Capture.Width, "Capture width")
	f.IntVar(&flags.height, "height", def.Capture.Height, "Capture height")

	return cmd
}

// runSender wires capture, scheduler, transport, status and admin together
// and runs them until ctx is done.
func runSender(ctx context.Context, cfg *config.Config, reload func(*config.Config), logger *slog.Logger) error {
	sc := cfg.Sender

	reg := prometheus.NewRegistry()
	metrics := telemetry.NewMetrics(
		telemetry.WithRegistry(reg),
		telemetry.WithSubsystem("sender"),
	)

	hub := status.NewHub(logger)
	defer hub.Close()
	counters := &status.Counters{}

	srv, err := transport.NewServer(sc.Transport(), logger, transport.WithMetrics(metrics))
	if err != nil {
		return errors.New("D400").WithDetail(sc.Listen).Wrap(err)
	}
	defer srv.Close()

	srv.SetOnPeerConnect(func(p transport.PeerInfo) {
		hub.Publish(status.Event{
			Kind:    status.KindConnect,
			Peer:    p.ID,
			Message: fmt.Sprintf("%s connected from %s", peerLabel(p), p.Remote),
		})
	})
	srv.SetOnPeerDisconnect(func(p transport.PeerInfo, cause error) {
		kind := status.KindDisconnect
		if errors.Is(cause, transport.ErrPeerTimeout) {
			kind = status.KindTimeout
		}
		msg := fmt.Sprintf("%s left after %d frames", peerLabel(p), p.Sent)
		if cause != nil {
			msg += ": " + cause.Error()
		}
		hub.Publish(status.Event{
			Kind:    kind,
			Peer:    p.ID,
			Message: msg,
			Fields:  map[string]any{"dropped": p.Dropped, "send_errors": p.SendErrors},
		})
	})

	var lastDropped uint64
	sched, err := scheduler.New(
		capture.SyntheticFactory(sc.Synthetic()),
		srv,
		sc.Scheduler(),
		scheduler.WithLogger(logger),
		scheduler.WithMetrics(metrics),
		scheduler.WithOnFrame(func(p *protocol.FramePacket) {
			counters.AddFrame(p.PayloadBytes())
		}),
	)
	if err != nil {
		return errors.New("D300").Wrap(err)
	}
	srv.SetSyncProvider(sched)

	reporter := status.NewReporter(hub, counters, sc.StatusInterval.Duration(), "sender")

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return ignoreCanceled(srv.Serve(ctx)) })
	g.Go(func() error { return ignoreCanceled(sched.Run(ctx)) })
	g.Go(func() error {
		reporter.Run(ctx)
		return nil
	})
	g.Go(func() error {
		// Busy drops happen inside the scheduler; fold them into the
		// summary counters at the reporting rate.
		return tick(ctx, sc.StatusInterval.Duration(), func() {
			dropped := sched.Stats().DroppedBusy
			for ; lastDropped < dropped; lastDropped++ {
				counters.AddDrop()
			}
		})
	})

	if sc.Admin != "" {
		adm := admin.New(
			admin.WithLogger(logger),
			admin.WithRegistry(reg),
			admin.WithHub(hub),
			admin.WithPeers(srv),
			admin.WithStatus(func() any {
				last, _ := reporter.Last()
				return map[string]any{
					"role":      "sender",
					"version":   version,
					"state":     sched.State().String(),
					"frame_id":  sched.FrameID(),
					"scheduler": sched.Stats(),
					"transport": srv.Stats(),
					"summary":   last.String(),
				}
			}),
		)
		g.Go(func() error {
			if err := adm.ListenAndServe(ctx, sc.Admin); err != nil {
				return errors.New("D403").WithDetail(sc.Admin).Wrap(err)
			}
			return nil
		})
	}

	if path := cfg.Path(); path != "" {
		g.Go(func() error {
			err := config.Watch(ctx, path, func(c *config.Config) {
				reload(c)
				if err := c.Validate(); err != nil {
					logger.Warn("reloaded config rejected", "error", err)
					return
				}
				sched.UpdateConfig(c.Sender.ApplyTo)
				hub.Publishf(status.KindInfo, "", fmt.Sprintf("config reloaded: %d fps, chroma %s", c.Sender.FPS, c.Sender.Chroma))
			}, config.WithWatchLogger(logger))
			if err != nil {
				// Streaming continues without hot reload.
				logger.Warn("config watch disabled", "error", err)
			}
			return nil
		})
	}

	hub.Publishf(status.KindInfo, "", fmt.Sprintf("sending %dx%d on %s", sc.Capture.Width, sc.Capture.Height, srv.Addr()))
	return g.Wait()
}

func peerLabel(p transport.PeerInfo) string {
	if p.Name != "" {
		return p.Name
	}
	return "peer " + p.ID
}
