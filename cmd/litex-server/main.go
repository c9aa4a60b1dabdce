// litex-server bridges Etherbone-over-TCP clients (litex_cli, LiteScope,
// RemoteClient) to an FPGA behind an FT601 USB3 FIFO.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sjalloq/ft601/internal/bridge"
	"github.com/sjalloq/ft601/internal/config"
	"github.com/sjalloq/ft601/internal/ft60x"
	"github.com/sjalloq/ft601/internal/gateway"
	"github.com/sjalloq/ft601/internal/logging"
	"github.com/sjalloq/ft601/internal/observability"
)

func main() {
	configPath := flag.String("config", "", "path to TOML config (defaults apply when empty)")
	probe := flag.Bool("probe", false, "probe the bus on startup and log the result")
	flag.Parse()

	logging.ConfigureRuntime()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fatalf("config: %v", err)
	}

	devices, err := ft60x.List()
	if err != nil {
		fatalf("enumerate devices: %v", err)
	}
	log.Info().Int("count", len(devices)).Msg("FT60x devices attached")
	for i, desc := range devices {
		log.Info().Int("index", i).Str("device", desc).Msg("found")
	}

	dev, err := ft60x.OpenIndex(cfg.Device.Index)
	if err != nil {
		fatalf("open device %d: %v", cfg.Device.Index, err)
	}

	b := bridge.New(dev)
	b.SetChannel(byte(cfg.Device.Channel))
	b.SetTimeout(cfg.Device.Timeout())
	defer b.Close()

	if *probe {
		ok, err := b.Probe()
		if err != nil {
			fatalf("probe: %v", err)
		}
		if !ok {
			log.Warn().Msg("no response to probe, is the gateware loaded?")
		} else {
			log.Info().Msg("bus responded to probe")
		}
	}

	if cfg.Metrics.Enabled {
		m := observability.NewMetricsServer(cfg.Metrics.Addr)
		m.Start()
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			m.Shutdown(ctx)
		}()
	}

	srv := gateway.New(cfg.Server.Addr(), cfg.Server.Ident, b)
	if err := srv.ListenAndServe(); err != nil {
		fatalf("server: %v", err)
	}
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "litex-server: %s\n", fmt.Sprintf(format, args...))
	os.Exit(1)
}
