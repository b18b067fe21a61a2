package di

import (
	"github.com/mirrorstore/mirrorstore/commitlog"
	"github.com/mirrorstore/mirrorstore/ha"
	"github.com/mirrorstore/mirrorstore/utils"
)

// Container lazily initializes and caches the server's components.
type Container struct {
	config *utils.Config

	commitLog *commitlog.CommitLog
	haService *ha.Service
}

func NewContainer(cfg *utils.Config) *Container {
	return &Container{config: cfg}
}

func (c *Container) GetCommitLog() (*commitlog.CommitLog, error) {
	if c.commitLog != nil {
		return c.commitLog, nil
	}
	cl, err := commitlog.Open(c.config.RootDirectory)
	if err != nil {
		return nil, err
	}
	c.commitLog = cl
	return c.commitLog, nil
}

func (c *Container) GetHAService() (*ha.Service, error) {
	if c.haService != nil {
		return c.haService, nil
	}
	cl, err := c.GetCommitLog()
	if err != nil {
		return nil, err
	}
	c.haService = ha.NewService(cl, ha.Config{
		ListenPort:           c.config.ListenPort,
		MasterAddress:        c.config.MasterAddress,
		HeartbeatInterval:    c.config.HeartbeatInterval,
		HousekeepingInterval: c.config.HousekeepingInterval,
		SlaveFallbehindMax:   c.config.SlaveFallbehindMax,
		SyncFlushTimeout:     c.config.SyncFlushTimeout,
		TransferBatchSize:    c.config.TransferBatchSize,
	})
	return c.haService, nil
}
