package ha

import (
	"time"
)

const (
	defaultHeartbeatInterval    = 5 * time.Second
	defaultHousekeepingInterval = 20 * time.Second
	defaultSyncFlushTimeout     = 5 * time.Second
	defaultSlaveFallbehindMax   = 256 << 20
	defaultTransferBatchSize    = 32 << 10
	defaultReadBufferSize       = 4 << 20
)

// Config carries the replication engine parameters.
type Config struct {
	// ListenPort is the master-side TCP bind port. 0 binds an ephemeral port.
	ListenPort int
	// MasterAddress is the slave's target host:port. Empty keeps the client idle.
	MasterAddress string
	// HeartbeatInterval is the max quiet time before either side sends a
	// heartbeat (offset report on the slave, zero-body frame on the master).
	HeartbeatInterval time.Duration
	// HousekeepingInterval is the max quiet time before the peer is declared dead.
	HousekeepingInterval time.Duration
	// SlaveFallbehindMax is the allowed master-ahead byte distance for IsSlaveOK.
	SlaveFallbehindMax int64
	// SyncFlushTimeout bounds a producer's wait in the group transfer service.
	SyncFlushTimeout time.Duration
	// TransferBatchSize bounds a single pushed frame body.
	TransferBatchSize int32
	// ReadBufferSize is the slave's read buffer capacity.
	ReadBufferSize int
}

func (c *Config) setDefaults() {
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = defaultHeartbeatInterval
	}
	if c.HousekeepingInterval == 0 {
		c.HousekeepingInterval = defaultHousekeepingInterval
	}
	if c.SyncFlushTimeout == 0 {
		c.SyncFlushTimeout = defaultSyncFlushTimeout
	}
	if c.SlaveFallbehindMax == 0 {
		c.SlaveFallbehindMax = defaultSlaveFallbehindMax
	}
	if c.TransferBatchSize == 0 {
		c.TransferBatchSize = defaultTransferBatchSize
	}
	if c.ReadBufferSize == 0 {
		c.ReadBufferSize = defaultReadBufferSize
	}
}
