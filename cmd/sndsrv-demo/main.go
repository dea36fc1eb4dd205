// Command sndsrv-demo wires a loopback device, an AIO transport, a PCM
// client stream and a mixer client together end to end, and exposes the
// result over a debug/status HTTP surface. It is demonstration scaffolding
// for the CORE packages, not a production sound daemon.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sndsrv/sndsrv/internal/aio"
	"github.com/sndsrv/sndsrv/internal/chmap"
	"github.com/sndsrv/sndsrv/internal/config"
	"github.com/sndsrv/sndsrv/internal/mbx"
	"github.com/sndsrv/sndsrv/internal/metrics"
	"github.com/sndsrv/sndsrv/internal/mixer"
	"github.com/sndsrv/sndsrv/internal/pcm"
	"github.com/sndsrv/sndsrv/internal/registry"
	"github.com/sndsrv/sndsrv/internal/ring"

	"log/slog"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	logger := slog.New(cfg.SlogHandler(os.Stdout))
	slog.SetDefault(logger)

	slog.Info("starting sndsrv-demo",
		"http_port", cfg.HTTPPort,
		"data_dir", cfg.DataDir,
		"socket_path", cfg.SocketPath,
	)

	dir, err := registry.Open(cfg.DataDir)
	if err != nil {
		slog.Error("failed to open device directory", "error", err)
		os.Exit(1)
	}
	defer dir.Close()

	devices := registry.NewDeviceRepository(dir)
	loopback, err := ensureLoopbackDevice(devices, cfg)
	if err != nil {
		slog.Error("failed to register loopback device", "error", err)
		os.Exit(1)
	}
	slog.Info("resolved loopback device", "name", loopback.Name,
		"rate", loopback.DefaultRate, "channels", loopback.DefaultChannels)

	appCtx, appCancel := context.WithCancel(context.Background())
	defer appCancel()

	clientSide, deviceSide, err := aio.NewFifoPair()
	if err != nil {
		slog.Error("failed to create loopback aio transport", "error", err)
		os.Exit(1)
	}
	defer clientSide.Close()
	defer deviceSide.Close()

	stats := newDemoStats()

	aioCtx := aio.NewContext(clientSide, cfg.OpRingSize)
	go serveLoopbackDevice(appCtx, deviceSide, stats)

	r, err := ring.New(loopback.DefaultRate*uint32(loopback.DefaultChannels)*2, uint32(loopback.DefaultChannels)*2)
	if err != nil {
		slog.Error("failed to create ring", "error", err)
		os.Exit(1)
	}
	mb := mbx.New(64)

	stream := pcm.Open(r, mb, 0)
	stream.Ctl = aioCtx
	if err := stream.SetHWParams(pcm.HWParams{
		Rate:         loopback.DefaultRate,
		Format:       "s16le",
		Channels:     int(loopback.DefaultChannels),
		FrameSize:    uint32(loopback.DefaultChannels) * 2,
		FragmentSize: 256,
		BufferSize:   r.CapacityFrames(),
		StartThresh:  256,
		DeviceLayout: chmap.Map{Positions: []chmap.Position{chmap.FL, chmap.FR}},
		ClientLayout: chmap.Map{Positions: []chmap.Position{chmap.FL, chmap.FR}},
	}); err != nil {
		slog.Error("hwparams negotiation failed", "error", err)
		os.Exit(1)
	}
	stream.SetSWParams(256)
	if err := stream.Prepare(); err != nil {
		slog.Error("prepare failed", "error", err)
		os.Exit(1)
	}

	mixerClient := mixer.Bind(aioCtx, 0, func(err error, elem int, kind mixer.EventKind, info mixer.ElemInfo) {
		if err != nil {
			slog.Warn("mixer device went away", "error", err)
			return
		}
		slog.Debug("mixer element change", "elem", elem, "kind", kind, "name", info.Name)
		stats.mixerRefresh.Add(1)
	})

	go func() {
		ticker := time.NewTicker(2 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-appCtx.Done():
				return
			case <-ticker.C:
				if err := aioCtx.Process(); err == nil {
					stats.opsCompleted.Add(1)
				}
				if _, err := mixerClient.RefreshCount(); err != nil {
					slog.Debug("mixer refresh failed", "error", err)
				}
			}
		}
	}()

	collector := metrics.NewCollector(stats, stats, stats, stats, time.Now())
	reg := prometheus.NewRegistry()
	reg.MustRegister(collector)

	router := chi.NewRouter()
	router.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("debug http server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		slog.Info("received shutdown signal", "signal", sig.String())
	case err := <-errCh:
		slog.Error("http server error", "error", err)
	}

	appCancel()
	stream.Disconnect()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("http server shutdown error", "error", err)
	}

	slog.Info("sndsrv-demo stopped")
}

// ensureLoopbackDevice registers a single loopback duplex device on first
// run and marks it default for the duplex direction, mirroring how a real
// device daemon would seed the directory at first boot. Defaults are kept
// per direction, so it is not the default playback or capture device.
func ensureLoopbackDevice(devices registry.DeviceRepository, cfg *config.Config) (*registry.DeviceRecord, error) {
	ctx := context.Background()
	rec, err := devices.GetByName(ctx, "loopback")
	if err != nil {
		return nil, fmt.Errorf("looking up loopback device: %w", err)
	}
	if rec != nil {
		return rec, nil
	}

	rec = &registry.DeviceRecord{
		Name:            "loopback",
		Direction:       registry.Duplex,
		DefaultRate:     uint32(cfg.DefaultRate),
		DefaultChannels: uint8(cfg.DefaultChans),
		IsDefault:       true,
	}
	if err := devices.Create(ctx, rec); err != nil {
		return nil, fmt.Errorf("creating loopback device: %w", err)
	}
	return rec, nil
}

// serveLoopbackDevice answers every AIO request on deviceSide with a
// zero-length success reply, standing in for a real device's control
// thread in this demonstration binary.
func serveLoopbackDevice(ctx context.Context, tr aio.Transport, stats *demoStats) {
	hdr := make([]byte, aio.HeaderSize)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		n, err := tr.ReadRaw(hdr)
		if err == aio.ErrAgain {
			time.Sleep(time.Millisecond)
			continue
		}
		if err != nil {
			return
		}
		if n < aio.HeaderSize {
			continue
		}
		h := aio.DecodeHeader(hdr)
		plen := int(h.TotalLen) - aio.HeaderSize
		if plen > 0 {
			payload := make([]byte, plen)
			if _, err := tr.ReadRaw(payload); err != nil {
				return
			}
		}
		out := aio.Header{TotalLen: aio.HeaderSize, Cmd: h.Cmd, Stream: h.Stream, Tag: h.Tag}
		if _, err := tr.WriteRaw(out.Encode()); err != nil {
			return
		}
		stats.opsCompleted.Add(1)
	}
}

// demoStats implements metrics.AioStatsProvider, metrics.PCMStatsProvider,
// metrics.RingStatsProvider and metrics.MixerStatsProvider with plain
// atomics, standing in for per-subsystem counters a real daemon would
// thread through its aio.Context/pcm.Stream/mixer.Client instances.
type demoStats struct {
	opsInflight   atomic.Int64
	opsCompleted  atomic.Uint64
	xruns         atomic.Uint64
	ringOverflow  atomic.Uint64
	mixerRefresh  atomic.Uint64
}

func newDemoStats() *demoStats { return &demoStats{} }

func (s *demoStats) OpsInflight() int            { return int(s.opsInflight.Load()) }
func (s *demoStats) OpsCompletedTotal() uint64    { return s.opsCompleted.Load() }
func (s *demoStats) XrunsTotal() uint64           { return s.xruns.Load() }
func (s *demoStats) OverflowTotal() uint64        { return s.ringOverflow.Load() }
func (s *demoStats) RefreshTotal() uint64         { return s.mixerRefresh.Load() }
