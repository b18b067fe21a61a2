package start

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime/pprof"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/mirrorstore/mirrorstore/internal/di"
	"github.com/mirrorstore/mirrorstore/metrics"
	"github.com/mirrorstore/mirrorstore/utils"
	"github.com/mirrorstore/mirrorstore/utils/log"
)

const (
	usage                 = "start"
	short                 = "Start a mirrorstore replication server"
	long                  = "This command starts a mirrorstore replication server"
	example               = "mirrorstore start --config <path>"
	defaultConfigFilePath = "./mirrorstore.yml"
	configDesc            = "set the path for the mirrorstore YAML configuration file"

	replicationMonitorInterval = 10 * time.Second
)

var (
	// Cmd is the start command.
	Cmd = &cobra.Command{
		Use:        usage,
		Short:      short,
		Long:       long,
		Aliases:    []string{"s"},
		SuggestFor: []string{"boot", "up"},
		Example:    example,
		RunE:       executeStart,
	}
	// configFilePath set flag for a path to the config file.
	configFilePath string
)

// nolint:gochecknoinits // cobra's standard way to initialize flags
func init() {
	utils.InstanceConfig.StartTime = time.Now()
	Cmd.Flags().StringVarP(&configFilePath, "config", "c", defaultConfigFilePath, configDesc)
}

// executeStart implements the start command.
func executeStart(cmd *cobra.Command, _ []string) error {
	// Attempt to read config file.
	data, err := os.ReadFile(configFilePath)
	if err != nil {
		return fmt.Errorf("failed to read configuration file error: %w", err)
	}

	// Don't output command usage if args are correct
	cmd.SilenceUsage = true

	// Log config location.
	log.Info("using %v for configuration", configFilePath)

	// Attempt to set configuration.
	config, err := utils.ParseConfig(data)
	if err != nil {
		return fmt.Errorf("failed to parse configuration file error: %w", err)
	}
	config.StartTime = utils.InstanceConfig.StartTime
	utils.InstanceConfig = *config

	log.Info("initializing mirrorstore...")
	startTime := time.Now()

	c := di.NewContainer(config)

	cl, err := c.GetCommitLog()
	if err != nil {
		return fmt.Errorf("failed to open commit log: %w", err)
	}
	log.Info("commit log opened at %v, max offset %d", config.RootDirectory, cl.MaxOffset())

	haService, err := c.GetHAService()
	if err != nil {
		return fmt.Errorf("failed to build HA service: %w", err)
	}
	if err := haService.Start(); err != nil {
		return fmt.Errorf("failed to start HA service: %w", err)
	}
	log.Info("HA service listening on %v", haService.Addr())
	if config.MasterAddress != "" {
		log.Info("replicating from master %v", config.MasterAddress)
	}

	go metrics.StartReplicationMonitor(
		metrics.ConnectionCount, metrics.SlaveAckOffset, metrics.FallBehindBytes,
		haService, replicationMonitorInterval)

	metrics.StartupTime.Set(time.Since(startTime).Seconds())
	log.Info("startup time: %s", time.Since(startTime))

	if config.MetricsPort != 0 {
		log.Info("launching prometheus metrics server...")
		http.Handle("/metrics", promhttp.Handler())
		go func() {
			err := http.ListenAndServe(fmt.Sprintf(":%d", config.MetricsPort), nil)
			if err != nil {
				log.Error("metrics server error: %v", err)
			}
		}()
	}

	// Listen for signals until asked to shut down.
	const defaultSignalChanLen = 10
	signalChan := make(chan os.Signal, defaultSignalChanLen)
	signal.Notify(signalChan, syscall.SIGUSR1, syscall.SIGINT, syscall.SIGTERM)

	for s := range signalChan {
		switch s {
		case syscall.SIGUSR1:
			log.Info("dumping stack traces due to SIGUSR1 request")
			if err := pprof.Lookup("goroutine").WriteTo(os.Stdout, 1); err != nil {
				log.Error("failed to write goroutine pprof: %v", err)
			}
		case syscall.SIGINT, syscall.SIGTERM:
			log.Info("initiating graceful shutdown due to '%v' request", s)
			log.Info("waiting a grace period of %v to shutdown...", config.StopGracePeriod)
			time.Sleep(config.StopGracePeriod)
			haService.Shutdown()
			if err := cl.Close(); err != nil {
				log.Error("failed to close commit log: %v", err)
			}
			log.Info("shutdown complete")
			return nil
		}
	}

	return nil
}
