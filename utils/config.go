package utils

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/mirrorstore/mirrorstore/utils/log"
)

var InstanceConfig Config

const (
	defaultHeartbeatInterval    = 5 * time.Second
	defaultHousekeepingInterval = 20 * time.Second
	defaultSyncFlushTimeout     = 5 * time.Second
	defaultSlaveFallbehindMax   = 256 << 20
	defaultTransferBatchSize    = 32 << 10
	defaultStopGracePeriod      = 5 * time.Second
)

// Config is the full server configuration, populated from mirrorstore.yml.
type Config struct {
	RootDirectory        string
	ListenPort           int
	MasterAddress        string
	MetricsPort          int
	StopGracePeriod      time.Duration
	HeartbeatInterval    time.Duration
	HousekeepingInterval time.Duration
	SlaveFallbehindMax   int64
	SyncFlushTimeout     time.Duration
	TransferBatchSize    int32
	StartTime            time.Time
}

func ParseConfig(data []byte) (*Config, error) {
	var (
		m   Config
		aux struct {
			RootDirectory   string `yaml:"root_directory"`
			ListenPort      int    `yaml:"listen_port"`
			MasterAddress   string `yaml:"master_address"`
			LogLevel        string `yaml:"log_level"`
			MetricsPort     int    `yaml:"metrics_port"`
			StopGracePeriod string `yaml:"stop_grace_period"`
			HA              struct {
				HeartbeatInterval    string `yaml:"heartbeat_interval"`
				HousekeepingInterval string `yaml:"housekeeping_interval"`
				SlaveFallbehindMax   int64  `yaml:"slave_fallbehind_max"`
				SyncFlushTimeout     string `yaml:"sync_flush_timeout"`
				TransferBatchSize    int32  `yaml:"transfer_batch_size"`
			} `yaml:"ha"`
		}
	)

	if err := yaml.Unmarshal(data, &aux); err != nil {
		return nil, err
	}

	if aux.RootDirectory == "" {
		return nil, errors.New("invalid root directory")
	}
	m.RootDirectory = aux.RootDirectory

	if aux.ListenPort < 0 || aux.ListenPort > 65535 {
		return nil, fmt.Errorf("invalid listen port: %d", aux.ListenPort)
	}
	m.ListenPort = aux.ListenPort
	m.MasterAddress = aux.MasterAddress
	m.MetricsPort = aux.MetricsPort

	var err error
	if m.StopGracePeriod, err = parseDuration(aux.StopGracePeriod, defaultStopGracePeriod); err != nil {
		return nil, fmt.Errorf("invalid stop_grace_period: %w", err)
	}
	if m.HeartbeatInterval, err = parseDuration(aux.HA.HeartbeatInterval, defaultHeartbeatInterval); err != nil {
		return nil, fmt.Errorf("invalid heartbeat_interval: %w", err)
	}
	if m.HousekeepingInterval, err = parseDuration(aux.HA.HousekeepingInterval, defaultHousekeepingInterval); err != nil {
		return nil, fmt.Errorf("invalid housekeeping_interval: %w", err)
	}
	if m.SyncFlushTimeout, err = parseDuration(aux.HA.SyncFlushTimeout, defaultSyncFlushTimeout); err != nil {
		return nil, fmt.Errorf("invalid sync_flush_timeout: %w", err)
	}

	m.SlaveFallbehindMax = aux.HA.SlaveFallbehindMax
	if m.SlaveFallbehindMax == 0 {
		m.SlaveFallbehindMax = defaultSlaveFallbehindMax
	}
	m.TransferBatchSize = aux.HA.TransferBatchSize
	if m.TransferBatchSize == 0 {
		m.TransferBatchSize = defaultTransferBatchSize
	}
	if m.TransferBatchSize < 0 {
		return nil, fmt.Errorf("invalid transfer_batch_size: %d", m.TransferBatchSize)
	}

	if aux.LogLevel != "" {
		switch strings.ToLower(aux.LogLevel) {
		case "fatal":
			log.SetLevel(log.FATAL)
		case "error":
			log.SetLevel(log.ERROR)
		case "warning":
			log.SetLevel(log.WARNING)
		case "debug":
			log.SetLevel(log.DEBUG)
		case "info":
			log.SetLevel(log.INFO)
		default:
			log.Warn("unknown log_level %q, defaulting to info", aux.LogLevel)
		}
	}

	return &m, nil
}

func parseDuration(s string, def time.Duration) (time.Duration, error) {
	if s == "" {
		return def, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return 0, fmt.Errorf("duration must be positive: %s", s)
	}
	return d, nil
}
