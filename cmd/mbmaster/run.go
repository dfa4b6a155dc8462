// cmd/mbmaster/run.go
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/goburrow/modbus"
	"github.com/rs/zerolog"

	"github.com/caosq/GreeIntense/internal/config"
	"github.com/caosq/GreeIntense/internal/dict"
	"github.com/caosq/GreeIntense/internal/frame"
	"github.com/caosq/GreeIntense/internal/gateway"
	"github.com/caosq/GreeIntense/internal/link"
	"github.com/caosq/GreeIntense/internal/logging"
	"github.com/caosq/GreeIntense/internal/master"
	"github.com/caosq/GreeIntense/internal/metrics"
	"github.com/caosq/GreeIntense/internal/mirror"
	mmodbus "github.com/caosq/GreeIntense/internal/mirror/modbus"
	"github.com/caosq/GreeIntense/internal/registry"
	"github.com/caosq/GreeIntense/internal/scan"
)

// driverLink lets the engine be built before the driver it sends through.
type driverLink struct{ d *link.Driver }

func (l *driverLink) Send(addr byte, pdu *modbus.ProtocolDataUnit) error { return l.d.Send(addr, pdu) }

func run(cfgPath string) error {
	// --------------------
	// Load + validate config
	// --------------------

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}

	log, err := logging.New(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format}, os.Stderr)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// --------------------
	// Devices
	// --------------------

	reg, err := registry.New(registry.Config{
		MinAddress:    cfg.Master.MinAddress,
		MaxAddress:    cfg.Master.MaxAddress,
		OfflineWindow: cfg.Master.OfflineWindow(),
	})
	if err != nil {
		return err
	}
	defer reg.Close()

	if err := cfg.Populate(reg); err != nil {
		return err
	}

	names := make(map[uint8]string, len(cfg.Devices))
	for _, d := range cfg.Devices {
		names[d.Address] = d.Name
	}
	met := metrics.New(names)

	// --------------------
	// Bus: port, codec, engine, driver
	// --------------------

	port, err := link.OpenPort(link.PortConfig{
		Device:   cfg.Link.Port,
		Baud:     cfg.Link.Baud,
		DataBits: cfg.Link.DataBits,
		StopBits: cfg.Link.StopBits,
		Parity:   cfg.Link.Parity,
		RS485:    cfg.Link.RS485,
	})
	if err != nil {
		return err
	}
	defer port.Close()

	codec, err := frame.New(cfg.Link.Framing, cfg.Link.MasterAddress)
	if err != nil {
		return err
	}

	dl := &driverLink{}
	eng, err := master.New(
		master.Config{
			ResponseTimeout: cfg.Master.ResponseTimeout(),
			TurnaroundDelay: cfg.Master.BroadcastDelay(),
		},
		codec, dl, reg,
		master.WithLogger(log),
		master.WithObserver(met),
	)
	if err != nil {
		return err
	}
	eng.OnValueChanged(met.ValueChanged)
	eng.OnValueChanged(func(c dict.Change) {
		log.Debug().
			Uint8("addr", c.Device).
			Str("area", c.Area.String()).
			Uint16("address", c.Address).
			Str("name", c.Name).
			Int32("old", c.Old).
			Int32("new", c.New).
			Msg("value changed")
	})

	dl.d, err = link.New(port, codec, cfg.Link.Silence(), eng.LinkEvent, log)
	if err != nil {
		return err
	}

	log.Info().
		Str("port", cfg.Link.Port).
		Int("baud", cfg.Link.Baud).
		Str("framing", codec.Name()).
		Int("devices", len(cfg.Devices)).
		Msg("bus master starting")

	// --------------------
	// Scan + optional components
	// --------------------

	scanCfg := scan.Config{
		Interval:       cfg.Scan.Interval(),
		RequestTimeout: cfg.Master.LockTimeout(),
		Registers:      scan.Limits{MaxInterval: cfg.Scan.Registers.MaxInterval, MaxCount: cfg.Scan.Registers.MaxCount},
		Bits:           scan.Limits{MaxInterval: cfg.Scan.Bits.MaxInterval, MaxCount: cfg.Scan.Bits.MaxCount},
	}
	reporters := scan.Reporters{met}
	scanOpts := []scan.Option{scan.WithLogger(log), scan.WithCycleHook(met.ScanCycle)}

	var workers []func(context.Context)

	if g := cfg.Gateway; g != nil {
		tables, err := scan.New(scanCfg, eng, reg, scan.WithLogger(log))
		if err != nil {
			return err
		}
		sup, err := gateway.New(gateway.Config{
			ModemAddress:   g.ModemAddress,
			RelayAddress:   g.RelayAddress,
			Version:        g.Version,
			InitRegister:   g.InitRegister,
			InitValue:      g.InitValue,
			InitedValue:    g.InitedValue,
			TestRegister:   g.TestRegister,
			Attempts:       g.Attempts,
			RetryDelay:     g.RetryDelay(),
			InitTimeout:    g.InitTimeout(),
			RequestTimeout: cfg.Master.LockTimeout(),
		}, eng, tables, reg, gateway.WithLogger(log))
		if err != nil {
			return err
		}
		defer sup.Close()
		scanOpts = append(scanOpts, scan.WithGateway(sup))
	}

	if mc := cfg.Mirror; mc != nil {
		cli, err := mmodbus.NewEndpointClient(mmodbus.Config{Endpoint: mc.Endpoint, Timeout: mc.Timeout()})
		if err != nil {
			return fmt.Errorf("mirror: %w", err)
		}
		defer cli.Close()

		targets := make(map[uint8]mirror.Target)
		for _, d := range cfg.Devices {
			if d.Mirror == nil {
				continue
			}
			targets[d.Address] = mirror.Target{
				UnitID:     d.Mirror.UnitID,
				Offsets:    d.Mirror.Offsets,
				StatusSlot: d.Mirror.StatusSlot,
			}
		}

		mir, err := mirror.New(mirror.Config{Queue: mc.Queue}, cli, reg, targets,
			mirror.WithLogger(log),
			mirror.WithDropHook(met.MirrorDropped),
		)
		if err != nil {
			return err
		}
		eng.OnValueChanged(mir.Notify)
		reporters = append(reporters, mir)
		workers = append(workers, mir.Run)
	}

	scanner, err := scan.New(scanCfg, eng, reg, append(scanOpts, scan.WithReporter(reporters))...)
	if err != nil {
		return err
	}

	// --------------------
	// Run until signalled
	// --------------------

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	errc := make(chan error, 2)
	goRun := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(ctx); err != nil && !errors.Is(err, context.Canceled) {
				errc <- fmt.Errorf("%s: %w", name, err)
				cancel()
			}
		}()
	}

	goRun("engine", eng.Run)
	goRun("link", dl.d.Run)
	for _, w := range workers {
		w := w
		wg.Add(1)
		go func() { defer wg.Done(); w(ctx) }()
	}
	wg.Add(1)
	go func() { defer wg.Done(); scanner.Run(ctx) }()

	if addr := cfg.Metrics.Listen; addr != "" {
		srv := &http.Server{Addr: addr, Handler: metricsMux(met), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error().Err(err).Str("listen", addr).Msg("metrics server failed")
			}
		}()
		defer shutdown(srv, log)
		log.Info().Str("listen", addr).Msg("metrics endpoint up")
	}

	<-ctx.Done()
	wg.Wait()

	select {
	case err := <-errc:
		return err
	default:
		log.Info().Msg("bus master stopped")
		return nil
	}
}

func metricsMux(m *metrics.Metrics) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	return mux
}

func shutdown(srv *http.Server, log zerolog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("metrics shutdown")
	}
}
