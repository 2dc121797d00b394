// Command worker runs the device-side agent: it profiles the machine,
// registers with the coordinator and executes assigned tasks.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/retire-cluster/coordinator/internal/pkg/ulid"
	"github.com/retire-cluster/coordinator/internal/worker"
)

func main() {
	var (
		deviceID  = flag.String("device-id", "", "stable device identifier (required unless --auto-id)")
		autoID    = flag.Bool("auto-id", false, "generate a device id instead of requiring one")
		role      = flag.String("role", "worker", "advertised device role")
		mainHost  = flag.String("main-host", "localhost", "coordinator host")
		mainPort  = flag.Int("main-port", 8080, "coordinator port")
		heartbeat = flag.Duration("heartbeat-interval", 60*time.Second, "heartbeat interval")
		maxTasks  = flag.Int("max-tasks", 2, "maximum concurrent tasks")
		tags      tagsFlag
	)
	flag.Var(&tags, "tag", "capability tag, repeatable")
	flag.Parse()

	log := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(log)

	id := *deviceID
	if id == "" {
		if !*autoID {
			fmt.Fprintln(os.Stderr, "either --device-id or --auto-id is required")
			os.Exit(2)
		}
		id = "device-" + ulid.New()
	}

	client := worker.NewClient(worker.ClientConfig{
		DeviceID:           id,
		Role:               *role,
		CoordinatorAddr:    fmt.Sprintf("%s:%d", *mainHost, *mainPort),
		HeartbeatInterval:  *heartbeat,
		MaxConcurrentTasks: *maxTasks,
		Tags:               tags,
	}, log)

	profile := client.Profile()
	log.Info("worker starting",
		slog.String("device_id", id),
		slog.String("platform", profile.Platform),
		slog.Int("cpu_cores", profile.Capabilities.CPUCores),
		slog.Float64("memory_gb", profile.Capabilities.MemoryGB),
		slog.Bool("gpu", profile.Capabilities.HasGPU),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := client.Run(ctx); err != nil {
		log.Error("worker exited with error", slog.Any("error", err))
		os.Exit(1)
	}
	log.Info("worker stopped")
}

type tagsFlag []string

func (t *tagsFlag) String() string { return fmt.Sprint([]string(*t)) }

func (t *tagsFlag) Set(v string) error {
	*t = append(*t, v)
	return nil
}
