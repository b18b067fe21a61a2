package ha

import (
	"sync"
	"time"

	"github.com/mirrorstore/mirrorstore/utils/log"
)

const (
	// transferIdleTick bounds one idle pass of the transfer loop.
	transferIdleTick = 10 * time.Millisecond
	// transferWaitRounds is how many watermark waits a request gets before
	// it is failed; each round waits SyncFlushTimeout/transferWaitRounds.
	transferWaitRounds = 5
)

// GroupCommitRequest is a producer's wait-ticket for replication past
// NextOffset. Its completion signal fires exactly once.
type GroupCommitRequest struct {
	nextOffset int64
	done       chan bool
	once       sync.Once
}

func NewGroupCommitRequest(nextOffset int64) *GroupCommitRequest {
	return &GroupCommitRequest{
		nextOffset: nextOffset,
		done:       make(chan bool, 1),
	}
}

func (r *GroupCommitRequest) NextOffset() int64 {
	return r.nextOffset
}

// WaitForFlush blocks until the transfer service completes the request or
// timeout elapses; it returns whether replication caught up in time.
func (r *GroupCommitRequest) WaitForFlush(timeout time.Duration) bool {
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case ok := <-r.done:
		return ok
	case <-t.C:
		return false
	}
}

func (r *GroupCommitRequest) wakeupCustomer(ok bool) {
	r.once.Do(func() {
		r.done <- ok
	})
}

// GroupTransferService parks producer requests until the slave watermark
// passes their offset or the flush timeout elapses. Producers append to an
// ingress list under its own lock; the service swaps ingress with a working
// list each pass so producers never block on the service's processing.
type GroupTransferService struct {
	svc *Service

	mu      sync.Mutex
	ingress []*GroupCommitRequest
	working []*GroupCommitRequest

	waitInterval time.Duration
	wakeupCh     chan struct{}
	notifyCh     chan struct{}
	stopCh       chan struct{}
	wg           sync.WaitGroup
}

func NewGroupTransferService(svc *Service, syncFlushTimeout time.Duration) *GroupTransferService {
	return &GroupTransferService{
		svc:          svc,
		waitInterval: syncFlushTimeout / transferWaitRounds,
		wakeupCh:     make(chan struct{}, 1),
		notifyCh:     make(chan struct{}, 1),
		stopCh:       make(chan struct{}),
	}
}

func (g *GroupTransferService) start() {
	g.wg.Add(1)
	go g.run()
}

func (g *GroupTransferService) putRequest(req *GroupCommitRequest) {
	g.mu.Lock()
	g.ingress = append(g.ingress, req)
	g.mu.Unlock()

	select {
	case g.wakeupCh <- struct{}{}:
	default:
	}
}

// notifyTransferSome signals a watermark advance. Signals may coalesce; the
// buffered channel keeps the final one.
func (g *GroupTransferService) notifyTransferSome() {
	select {
	case g.notifyCh <- struct{}{}:
	default:
	}
}

func (g *GroupTransferService) run() {
	defer g.wg.Done()
	log.Info("group transfer service started")

	tick := time.NewTimer(transferIdleTick)
	defer tick.Stop()

	for {
		tick.Reset(transferIdleTick)
		select {
		case <-g.stopCh:
			g.failOutstanding()
			log.Info("group transfer service end")
			return
		case <-g.wakeupCh:
		case <-tick.C:
		}

		g.swapRequests()
		g.doWaitTransfer()
	}
}

func (g *GroupTransferService) swapRequests() {
	g.mu.Lock()
	g.ingress, g.working = g.working[:0], g.ingress
	g.mu.Unlock()
}

func (g *GroupTransferService) doWaitTransfer() {
	for _, req := range g.working {
		transferOK := g.svc.Push2SlaveMaxOffset() >= req.NextOffset()
		for i := 0; !transferOK && i < transferWaitRounds; i++ {
			if g.waitNotify() {
				// shutting down; remaining requests fail below
				break
			}
			transferOK = g.svc.Push2SlaveMaxOffset() >= req.NextOffset()
		}

		if !transferOK {
			log.Warn("transfer to slave timed out, required offset %d, watermark %d",
				req.NextOffset(), g.svc.Push2SlaveMaxOffset())
		}
		req.wakeupCustomer(transferOK)
	}
	g.working = g.working[:0]
}

// waitNotify waits one round for a watermark advance; it returns true when
// the service is stopping.
func (g *GroupTransferService) waitNotify() bool {
	t := time.NewTimer(g.waitInterval)
	defer t.Stop()
	select {
	case <-g.notifyCh:
		return false
	case <-t.C:
		return false
	case <-g.stopCh:
		return true
	}
}

// failOutstanding signals false to every request that has not completed yet.
func (g *GroupTransferService) failOutstanding() {
	g.swapRequests()
	for _, req := range g.working {
		req.wakeupCustomer(false)
	}
	g.working = g.working[:0]
}

func (g *GroupTransferService) shutdown() {
	close(g.stopCh)
	g.wg.Wait()
}
