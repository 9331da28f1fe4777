// flowcollectord collects NetFlow v5/v9, IPFIX and sFlow records per a
// probe/sensor/group configuration file, classifies them against the
// configured sensors, and hands the classified batch to a downstream
// Packer. Lifecycle and flag handling follow the teacher's
// cmd/telemetry-agent: a -settings flag, a constructed supervisor, a
// blocking wait on SIGINT/SIGTERM, then an ordered shutdown.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/netweaver/flowcollector/pkg/config"
	"github.com/netweaver/flowcollector/pkg/logging"
	"github.com/netweaver/flowcollector/pkg/packer"
	"github.com/netweaver/flowcollector/pkg/packer/amqpsink"
	"github.com/netweaver/flowcollector/pkg/packer/memory"
	"github.com/netweaver/flowcollector/pkg/packer/timescale"
	"github.com/netweaver/flowcollector/pkg/settings"
	"github.com/netweaver/flowcollector/pkg/supervisor"
)

// shutdownTimeout bounds how long Stop waits for in-flight work to drain
// once a shutdown signal arrives.
const shutdownTimeout = 15 * time.Second

func main() {
	settingsFile := flag.String("settings", "configs/flowcollectord.yaml", "path to the ambient settings file")
	flag.Parse()

	set, err := settings.Load(*settingsFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "flowcollectord: failed to load settings: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(logging.Level(set.Logging.Level))
	if err != nil {
		fmt.Fprintf(os.Stderr, "flowcollectord: failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	reg, err := config.New().ParseFile(set.ConfigFile)
	if err != nil {
		logger.Fatal("flowcollectord: failed to parse config file", zap.String("path", set.ConfigFile), zap.Error(err))
	}
	if err := reg.Verify(); err != nil {
		logger.Fatal("flowcollectord: registry failed verification", zap.Error(err))
	}

	pk, err := buildPacker(set)
	if err != nil {
		logger.Fatal("flowcollectord: failed to build packer", zap.Error(err))
	}

	sup, err := supervisor.New(reg, set, pk, logger)
	if err != nil {
		logger.Fatal("flowcollectord: failed to construct supervisor", zap.Error(err))
	}
	if err := sup.Start(); err != nil {
		logger.Fatal("flowcollectord: failed to start supervisor", zap.Error(err))
	}

	logger.Info("flowcollectord: running", zap.Int("probes", len(reg.Probes())))

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("flowcollectord: shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := sup.Stop(ctx); err != nil {
		logger.Error("flowcollectord: shutdown error", zap.Error(err))
	}
}

// buildPacker selects and constructs the configured downstream Packer.
// "memory" needs no external resources and is the default, suited to
// dry runs; "timescale" and "amqp" reach out to the configured services.
func buildPacker(set settings.Settings) (packer.Packer, error) {
	switch set.Packer.Kind {
	case "", "memory":
		return memory.New(), nil
	case "timescale":
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return timescale.New(ctx, timescale.Config{
			DSN:      set.Packer.Timescale.DSN,
			PoolSize: set.Packer.Timescale.PoolSize,
		})
	case "amqp":
		return amqpsink.New(amqpsink.Config{
			URL:      set.Packer.AMQP.URL,
			Exchange: set.Packer.AMQP.Exchange,
		})
	default:
		return nil, fmt.Errorf("unknown packer kind %q", set.Packer.Kind)
	}
}
