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
	"github.com/vango-dev/deltacast/pkg/reconstruct"
	"github.com/vango-dev/deltacast/pkg/snapshot"
	"github.com/vango-dev/deltacast/pkg/status"
	"github.com/vango-dev/deltacast/pkg/telemetry"
	"github.com/vango-dev/deltacast/pkg/transport"
)

type receiveFlags struct {
	name        string
	admin       string
	snapshotDir string
	s3Bucket    string
	noStale     bool
}

func (f *receiveFlags) apply(cmd *cobra.Command, r *config.ReceiverConfig, args []string) {
	changed := cmd.Flags().Changed
	if len(args) == 1 {
		r.Connect = args[0]
	}
	if changed("name") {
		r.Name = f.name
	}
	if changed("admin") {
		r.Admin = f.admin
	}
	if changed("snapshot-dir") {
		r.Snapshot.Dir = f.snapshotDir
		r.Snapshot.S3.Bucket = ""
	}
	if changed("s3-bucket") {
		r.Snapshot.S3.Bucket = f.s3Bucket
		r.Snapshot.Dir = ""
	}
	if changed("no-stale-check") {
		r.StaleCheck = !f.noStale
	}
}

func receiveCmd(opts *rootOptions) *cobra.Command {
	flags := &receiveFlags{}

	cmd := &cobra.Command{
		Use:   "receive [address]",
		Short: "Connect to a sender and rebuild its screen",
		Long: `Connect to a sender, apply every delta to a local composite frame and
optionally archive that frame as PNG to a directory or S3 bucket.

Send SIGHUP to ask the sender for a fresh full frame. The receiver exits
when the connection is lost.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			flags.apply(cmd, &opts.cfg.Receiver, args)
			if err := opts.cfg.Validate(); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runReceiver(ctx, opts.cfg.Receiver, opts.logger)
		},
	}

	def := config.Default().Receiver
	f := cmd.Flags()
	f.StringVar(&flags.name, "name", def.Name, "Name reported to the sender")
	f.StringVar(&flags.admin, "admin", def.Admin, "HTTP admin address (empty disables)")
	f.StringVar(&flags.snapshotDir, "snapshot-dir", "", "Archive PNG snapshots to this directory")
	f.StringVar(&flags.s3Bucket, "s3-bucket", "", "Archive PNG snapshots to this S3 bucket")
	f.BoolVar(&flags.noStale, "no-stale-check", false, "Apply late datagram frames instead of dropping them")

	return cmd
}

// runReceiver connects to the sender and runs the reconstructor, recorder
// and admin server until ctx is done or the connection drops.
func runReceiver(ctx context.Context, rc config.ReceiverConfig, logger *slog.Logger) error {
	reg := prometheus.NewRegistry()
	metrics := telemetry.NewMetrics(
		telemetry.WithRegistry(reg),
		telemetry.WithSubsystem("receiver"),
	)

	hub := status.NewHub(logger)
	defer hub.Close()
	counters := &status.Counters{}

	client, err := transport.Dial(ctx, rc.Connect, rc.Transport(), logger, transport.WithClientMetrics(metrics))
	if err != nil {
		var he *transport.HandshakeError
		if errors.As(err, &he) {
			return errors.New("D402").WithDetail(he.Error()).Wrap(err)
		}
		return errors.New("D401").WithDetail(rc.Connect).Wrap(err)
	}
	defer client.Close()

	welcome := client.Welcome()
	hub.Publishf(status.KindConnect, welcome.PeerID, fmt.Sprintf("connected to %s", rc.Connect))

	handoff := reconstruct.NewHandoff()
	rec := reconstruct.New(handoff,
		reconstruct.WithStaleCheck(rc.StaleCheck),
		reconstruct.WithLogger(logger),
		reconstruct.WithMetrics(metrics),
	)

	var recorder *snapshot.Recorder
	if rc.Snapshot.Enabled() {
		store, err := newSnapshotStore(rc.Snapshot)
		if err != nil {
			return err
		}
		recorder = snapshot.NewRecorder(rec, store, rc.Snapshot.Recorder(), logger)
	}

	reporter := status.NewReporter(hub, counters, rc.StatusInterval.Duration(), "receiver")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := client.Run(gctx, func(d transport.Delivery) {
			counters.AddFrame(len(d.Data))
			if d.Reliable {
				rec.OnSync(d.Data)
			} else {
				rec.OnPacket(d.Data)
			}
		})
		if ctx.Err() != nil {
			return nil
		}
		// No automatic reconnect: the composite is stale from here on.
		rec.Reset()
		hub.Publishf(status.KindDisconnect, welcome.PeerID, "connection to sender lost")
		return errors.New("D401").WithDetail("connection lost").Wrap(err)
	})
	g.Go(func() error {
		present(gctx, handoff, counters, logger)
		return nil
	})
	g.Go(func() error {
		reporter.Run(gctx)
		return nil
	})
	g.Go(func() error {
		refreshOnHangup(gctx, client, logger)
		return nil
	})
	if recorder != nil {
		g.Go(func() error {
			recorder.Run(gctx)
			return nil
		})
	}

	if rc.Admin != "" {
		adm := admin.New(
			admin.WithLogger(logger),
			admin.WithRegistry(reg),
			admin.WithHub(hub),
			admin.WithFrames(rec),
			admin.WithStatus(func() any {
				last, _ := reporter.Last()
				out := map[string]any{
					"role":          "receiver",
					"version":       version,
					"peer_id":       welcome.PeerID,
					"sender":        rc.Connect,
					"rtt_ms":        client.RTT().Milliseconds(),
					"reconstructor": rec.Stats(),
					"summary":       last.String(),
				}
				if id, ok := rec.LastFrameID(); ok {
					out["frame_id"] = id
				}
				if recorder != nil {
					out["snapshots"] = recorder.Stats()
				}
				return out
			}),
		)
		g.Go(func() error {
			if err := adm.ListenAndServe(gctx, rc.Admin); err != nil {
				return errors.New("D403").WithDetail(rc.Admin).Wrap(err)
			}
			return nil
		})
	}

	return g.Wait()
}

// present stands in for the display: it takes the latest composite from
// the handoff and counts the frames the display skipped.
func present(ctx context.Context, h *reconstruct.Handoff, counters *status.Counters, logger *slog.Logger) {
	var lastDropped uint64
	for {
		select {
		case <-ctx.Done():
			return
		case f := <-h.Frames():
			for dropped := h.Dropped(); lastDropped < dropped; lastDropped++ {
				counters.AddDrop()
			}
			logger.Debug("frame presented", "frame_id", f.FrameID, "width", f.Width, "height", f.Height, "chroma", f.ChromaMode.String())
		}
	}
}

// refreshOnHangup asks the sender for a full frame on every SIGHUP.
func refreshOnHangup(ctx context.Context, client *transport.Client, logger *slog.Logger) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			if err := client.RequestRefresh(); err != nil {
				logger.Warn("refresh request failed", "error", err)
				continue
			}
			logger.Info("refresh requested")
		}
	}
}

func newSnapshotStore(sc config.SnapshotConfig) (snapshot.Store, error) {
	if sc.S3.Bucket != "" {
		client := snapshot.NewS3Client(snapshot.S3Options{
			Region:    sc.S3.Region,
			Endpoint:  sc.S3.Endpoint,
			PathStyle: sc.S3.PathStyle,
		})
		return snapshot.NewS3Store(client, sc.S3.Bucket, sc.S3.Prefix), nil
	}
	store, err := snapshot.NewDirStore(sc.Dir)
	if err != nil {
		return nil, errors.New("D500").WithDetail(sc.Dir).Wrap(err)
	}
	return store, nil
}
