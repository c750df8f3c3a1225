package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/tangoremote/tango/internal/api"
	"github.com/tangoremote/tango/internal/auth"
	"github.com/tangoremote/tango/internal/config"
	"github.com/tangoremote/tango/internal/jobqueue"
	"github.com/tangoremote/tango/internal/logging"
	"github.com/tangoremote/tango/internal/manager"
	"github.com/tangoremote/tango/internal/metrics"
	"github.com/tangoremote/tango/internal/notify"
	"github.com/tangoremote/tango/internal/observability"
	"github.com/tangoremote/tango/internal/pool"
	"github.com/tangoremote/tango/internal/store"
	"github.com/tangoremote/tango/internal/vmms"
	"github.com/tangoremote/tango/internal/vmms/cloud"
	"github.com/tangoremote/tango/internal/vmms/container"
	"github.com/tangoremote/tango/internal/vmms/local"
	"github.com/tangoremote/tango/internal/worker"
)

func daemonCmd() *cobra.Command {
	var (
		httpAddr string
		driverName string
	)

	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run the Tango daemon",
		Long:  "Run tangod as a long-lived daemon with a Preallocator, Job Queue, Job Manager, and HTTP façade",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.DefaultConfig()
			if configFile != "" {
				var err error
				cfg, err = config.LoadFromFile(configFile)
				if err != nil {
					return fmt.Errorf("load config: %w", err)
				}
			}
			config.LoadFromEnv(cfg)

			if cmd.Flags().Changed("http") {
				cfg.Daemon.HTTPAddr = httpAddr
			}
			if cmd.Flags().Changed("driver") {
				cfg.VMMS.Driver = driverName
			}

			logging.SetLevelFromString(cfg.Daemon.LogLevel)
			logging.InitStructured(cfg.Observability.Logging.Format, cfg.Observability.Logging.Level)
			if cfg.Observability.Logging.JobLogPath != "" {
				if err := logging.Default().SetOutput(cfg.Observability.Logging.JobLogPath); err != nil {
					logging.Op().Warn("failed to open job log file", "error", err)
				}
			}

			if err := observability.Init(context.Background(), observability.Config{
				Enabled:     cfg.Observability.Tracing.Enabled,
				Exporter:    cfg.Observability.Tracing.Exporter,
				Endpoint:    cfg.Observability.Tracing.Endpoint,
				ServiceName: cfg.Observability.Tracing.ServiceName,
				SampleRate:  cfg.Observability.Tracing.SampleRate,
			}); err != nil {
				return fmt.Errorf("init tracing: %w", err)
			}
			defer observability.Shutdown(context.Background())

			if cfg.Observability.Metrics.Enabled {
				metrics.InitPrometheus(cfg.Observability.Metrics.Namespace, cfg.Observability.Metrics.HistogramBuckets)
			}

			registerDrivers(cfg)
			driver, err := vmms.Build(cfg.VMMS.Driver)
			if err != nil {
				return fmt.Errorf("build vmms driver: %w", err)
			}

			notifier, err := buildNotifier(cfg)
			if err != nil {
				return fmt.Errorf("build notifier: %w", err)
			}

			queue := jobqueue.New(jobqueue.Config{
				DeadRingCapacity: cfg.JobQueue.DeadRingCapacity,
				Notifier:         notifier,
			})

			p := pool.New(driver, pool.Config{ReplacementRetryBudget: cfg.Pool.ReplacementRetryBudget})
			defer p.Shutdown()
			for image, imgCfg := range cfg.Pool.Images {
				p.Update(image, imgCfg.Target, imgCfg.KeepAlive, imgCfg.HardCap)
				logging.Op().Info("prealloc configured", "image", image, "target", imgCfg.Target)
			}
			if err := p.ReconcileAll(context.Background()); err != nil {
				logging.Op().Warn("startup reconciliation failed", "error", err)
			}

			var recorder worker.TraceRecorder
			if cfg.Store.Enabled {
				traceStore, err := store.Open(context.Background(), cfg.Store.DSN)
				if err != nil {
					return fmt.Errorf("open trace store: %w", err)
				}
				defer traceStore.Close()
				recorder = traceRecorderAdapter{store: traceStore}
			}

			mgr := manager.New(queue, p, driver, manager.Config{
				TickPeriod:             cfg.Manager.TickPeriod,
				WorkerDeathRetryBudget: cfg.Manager.WorkerDeathRetryBudget,
				WorkerConfig: worker.Config{
					ReadyTimeout:     cfg.Worker.ReadyTimeout,
					ReadyRetryBudget: cfg.Worker.ReadyRetryBudget,
					Recorder:         recorder,
				},
			})
			mgr.Start()
			defer mgr.Stop()

			facade := api.New(queue, p, mgr, driver, api.Config{
				RunTimeoutCeiling: cfg.Worker.RunTimeoutCeil,
				IncludeAccessKey:  cfg.JobQueue.IncludeAccessKey,
				WorkDir:           cfg.VMMS.Local.WorkDir,
			})

			validator, err := buildValidator(cfg)
			if err != nil {
				return fmt.Errorf("build auth validator: %w", err)
			}

			addr := cfg.Daemon.HTTPAddr
			server := api.StartHTTPServer(addr, facade, validator)
			logging.Op().Info("tangod started", "addr", addr, "driver", cfg.VMMS.Driver)

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			<-sigCh

			logging.Op().Info("shutdown signal received")
			_ = server.Close()
			return nil
		},
	}

	cmd.Flags().StringVar(&httpAddr, "http", ":8080", "HTTP address for the façade")
	cmd.Flags().StringVar(&driverName, "driver", "local", "VMMS driver: local, container, cloud")

	return cmd
}

// registerDrivers registers every vmms.Driver factory this binary knows
// how to build, keyed by name -- whichever cfg.VMMS.Driver names is the
// one actually built (spec.md §9 "Dynamic driver selection").
func registerDrivers(cfg *config.Config) {
	vmms.Register("local", func() (vmms.Driver, error) {
		images := make([]string, 0, len(cfg.Pool.Images))
		for image := range cfg.Pool.Images {
			images = append(images, image)
		}
		return local.New(local.Config{
			BaseDir: cfg.VMMS.Local.WorkDir,
			Images:  images,
		})
	})

	vmms.Register("container", func() (vmms.Driver, error) {
		images := make(map[string]string, len(cfg.Pool.Images))
		for image := range cfg.Pool.Images {
			images[image] = image
		}
		return container.New(container.Config{
			CodeDir: cfg.VMMS.Local.WorkDir,
			Images:  images,
		})
	})

	vmms.Register("cloud", func() (vmms.Driver, error) {
		amis := make(map[string]string, len(cfg.Pool.Images))
		for image := range cfg.Pool.Images {
			amis[image] = image
		}
		awsClient, err := newEC2Client(context.Background(), cfg.VMMS.Cloud)
		if err != nil {
			return nil, err
		}
		return cloud.New(cloud.Config{
			AMIByImage:   amis,
			InstanceType: cfg.VMMS.Cloud.InstanceType,
			SubnetID:     cfg.VMMS.Cloud.SubnetID,
			SSHKeyPath:   cfg.VMMS.Cloud.SSHKeyPath,
		}, awsClient), nil
	})
}

// traceRecorderAdapter bridges worker.TraceRecorder to store.TraceStore,
// whose Record type intentionally differs so internal/worker does not
// import internal/store directly.
type traceRecorderAdapter struct {
	store *store.TraceStore
}

func (a traceRecorderAdapter) Append(ctx context.Context, rec worker.TraceRecord) error {
	return a.store.Append(ctx, store.Record{
		JobID:      rec.JobID,
		Image:      rec.Image,
		AccessKey:  rec.AccessKey,
		FinalState: rec.FinalState,
		FailCause:  rec.FailCause,
		RetryCount: rec.RetryCount,
		Trace:      rec.Trace,
		Started:    rec.Started,
		Finished:   rec.Finished,
	})
}

func buildNotifier(cfg *config.Config) (notify.Notifier, error) {
	switch cfg.Notify.Backend {
	case "redis":
		client := redis.NewClient(&redis.Options{Addr: cfg.Notify.RedisAddr})
		return notify.NewRedisNotifier(client), nil
	case "", "channel":
		return notify.NewChannelNotifier(), nil
	default:
		return nil, fmt.Errorf("unknown notify backend %q", cfg.Notify.Backend)
	}
}

func buildValidator(cfg *config.Config) (auth.Validator, error) {
	if !cfg.Auth.Enabled {
		return nil, nil
	}

	var chain auth.Chain
	if len(cfg.Auth.StaticKeys) > 0 {
		keys := make(map[string]string, len(cfg.Auth.StaticKeys))
		for _, k := range cfg.Auth.StaticKeys {
			keys[k.Name] = k.Key
		}
		chain = append(chain, auth.NewStaticValidator(keys))
	}
	if cfg.Auth.Redis.Enabled {
		client := redis.NewClient(&redis.Options{Addr: cfg.Auth.Redis.Addr})
		chain = append(chain, auth.NewRedisValidator(client))
	}
	if len(chain) == 0 {
		return nil, fmt.Errorf("auth enabled but no validators configured")
	}
	return chain, nil
}
