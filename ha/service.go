package ha

import (
	"net"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/mirrorstore/mirrorstore/utils/log"
)

// Store is the commit log surface the replication engine consumes.
type Store interface {
	// MaxOffset returns the current end offset of the local log.
	MaxOffset() int64
	// AppendAt appends body at phyOffset; it fails on a gap or mismatch.
	AppendAt(phyOffset int64, body []byte) error
	// ReadRange returns up to max contiguous bytes starting at from.
	ReadRange(from int64, max int32) ([]byte, error)
}

// Service is the replication engine facade. It owns the acceptor and the
// per-slave connections (master role), the client loop (slave role), the
// group transfer service, and the slave acknowledgement watermark.
type Service struct {
	cfg   Config
	store Store

	connectionCount int32 // atomic
	connMu          sync.Mutex
	connections     []*connection

	// Greatest offset acknowledged by any slave. Advanced only through
	// NotifyTransferSome; strictly monotonic.
	push2SlaveMaxOffset int64 // atomic

	acceptor *acceptor
	transfer *GroupTransferService
	client   *Client
}

func NewService(store Store, cfg Config) *Service {
	cfg.setDefaults()
	s := &Service{
		cfg:   cfg,
		store: store,
	}
	s.acceptor = newAcceptor(s, cfg.ListenPort)
	s.transfer = NewGroupTransferService(s, cfg.SyncFlushTimeout)
	s.client = NewClient(store, cfg)
	return s
}

// Start binds the listen port and launches the acceptor, the group transfer
// service, and the client loop.
func (s *Service) Start() error {
	if err := s.acceptor.beginAccept(); err != nil {
		return errors.Wrap(err, "failed to begin accepting slave connections")
	}
	s.acceptor.start()
	s.transfer.start()
	s.client.start()
	return nil
}

// Shutdown stops the client first, then the acceptor, tears down all live
// connections, and finally stops the transfer service (failing any producer
// requests still in flight).
func (s *Service) Shutdown() {
	s.client.shutdown()
	s.acceptor.shutdown()
	s.destroyConnections()
	s.transfer.shutdown()
}

// Addr returns the bound listen address.
func (s *Service) Addr() net.Addr {
	return s.acceptor.addr()
}

// PutRequest enqueues a producer replication-wait request.
func (s *Service) PutRequest(req *GroupCommitRequest) {
	s.transfer.putRequest(req)
}

// IsSlaveOK reports whether at least one slave is connected and the furthest
// acknowledged offset is within the configured fall-behind threshold.
func (s *Service) IsSlaveOK(masterPutWhere int64) bool {
	result := atomic.LoadInt32(&s.connectionCount) > 0
	result = result &&
		masterPutWhere-atomic.LoadInt64(&s.push2SlaveMaxOffset) < s.cfg.SlaveFallbehindMax
	return result
}

// NotifyTransferSome advances the slave acknowledgement watermark to offset
// if it is a strict advance, then signals the group transfer service.
func (s *Service) NotifyTransferSome(offset int64) {
	for value := atomic.LoadInt64(&s.push2SlaveMaxOffset); offset > value; {
		if atomic.CompareAndSwapInt64(&s.push2SlaveMaxOffset, value, offset) {
			s.transfer.notifyTransferSome()
			break
		}
		value = atomic.LoadInt64(&s.push2SlaveMaxOffset)
	}
}

// Push2SlaveMaxOffset returns the current watermark.
func (s *Service) Push2SlaveMaxOffset() int64 {
	return atomic.LoadInt64(&s.push2SlaveMaxOffset)
}

// FallBehind returns how many bytes the master log is ahead of the furthest
// slave acknowledgement.
func (s *Service) FallBehind() int64 {
	return s.store.MaxOffset() - s.Push2SlaveMaxOffset()
}

// ConnectionCount returns the number of live slave connections.
func (s *Service) ConnectionCount() int32 {
	return atomic.LoadInt32(&s.connectionCount)
}

// UpdateMasterAddress sets the address the client loop connects to. An
// established connection to a previous master is left alone; the new address
// takes effect on the next reconnect.
func (s *Service) UpdateMasterAddress(newAddr string) {
	s.client.UpdateMasterAddress(newAddr)
}

// WakeupAll kicks every connection write loop so freshly appended log bytes
// are pushed without waiting for the idle poll.
func (s *Service) WakeupAll() {
	s.connMu.Lock()
	conns := make([]*connection, len(s.connections))
	copy(conns, s.connections)
	s.connMu.Unlock()

	for _, c := range conns {
		c.notify()
	}
}

func (s *Service) addConnection(c *connection) {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	s.connections = append(s.connections, c)
	atomic.AddInt32(&s.connectionCount, 1)
}

func (s *Service) removeConnection(c *connection) {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	for i, member := range s.connections {
		if member == c {
			s.connections = append(s.connections[:i], s.connections[i+1:]...)
			atomic.AddInt32(&s.connectionCount, -1)
			return
		}
	}
}

func (s *Service) destroyConnections() {
	s.connMu.Lock()
	conns := make([]*connection, len(s.connections))
	copy(conns, s.connections)
	s.connMu.Unlock()

	for _, c := range conns {
		c.close()
	}
	for _, c := range conns {
		c.wait()
	}
	log.Info("destroyed %d slave connection(s)", len(conns))
}
