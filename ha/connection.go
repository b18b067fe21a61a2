package ha

import (
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"code.cloudfoundry.org/bytefmt"

	"github.com/mirrorstore/mirrorstore/utils/log"
)

const (
	// connIdleWait bounds how long the write loop parks when there is
	// nothing to push and no wakeup arrives.
	connIdleWait = 100 * time.Millisecond
	// connReadWait bounds one blocking read on the report stream.
	connReadWait = time.Second
	// connWriteWait bounds one socket write of a frame.
	connWriteWait = 5 * time.Second
)

// connection is the master-side duplex handler for one slave: a read loop
// consuming 8-byte offset reports and a write loop pushing framed log bytes.
type connection struct {
	svc        *Service
	conn       *net.TCPConn
	remoteAddr string

	// slaveRequestOffset is the first offset the slave reported, -1 until
	// the first complete report arrives. The write loop starts pushing there.
	slaveRequestOffset int64 // atomic
	// slaveAckOffset is the latest offset the slave reported.
	slaveAckOffset int64 // atomic
	lastReadTime   int64 // atomic, unix nanos

	pushedBytes int64 // atomic

	wakeupCh  chan struct{}
	stopCh    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func newConnection(svc *Service, sc *net.TCPConn) (*connection, error) {
	if err := sc.SetNoDelay(true); err != nil {
		return nil, err
	}
	if err := sc.SetKeepAlive(true); err != nil {
		return nil, err
	}

	c := &connection{
		svc:                svc,
		conn:               sc,
		remoteAddr:         sc.RemoteAddr().String(),
		slaveRequestOffset: -1,
		slaveAckOffset:     -1,
		wakeupCh:           make(chan struct{}, 1),
		stopCh:             make(chan struct{}),
	}
	atomic.StoreInt64(&c.lastReadTime, time.Now().UnixNano())
	return c, nil
}

func (c *connection) start() {
	c.wg.Add(2)
	go c.readLoop()
	go c.writeLoop()
}

// notify kicks the write loop out of its idle wait.
func (c *connection) notify() {
	select {
	case c.wakeupCh <- struct{}{}:
	default:
	}
}

func (c *connection) isStopped() bool {
	select {
	case <-c.stopCh:
		return true
	default:
		return false
	}
}

// close tears the connection down exactly once: stops both loops, closes the
// socket, and deregisters from the service.
func (c *connection) close() {
	c.closeOnce.Do(func() {
		close(c.stopCh)
		c.conn.Close()
		c.svc.removeConnection(c)
		log.Info("slave connection %s closed, pushed %s total",
			c.remoteAddr, bytefmt.ByteSize(uint64(atomic.LoadInt64(&c.pushedBytes))))
	})
}

func (c *connection) wait() {
	c.wg.Wait()
}

// readLoop accumulates 8-byte offset reports with partial-read handling.
// The first report establishes the transfer start offset; every report
// advances the service watermark.
func (c *connection) readLoop() {
	defer c.wg.Done()
	defer c.close()

	report := make([]byte, offsetReportSize)
	pos := 0

	for !c.isStopped() {
		if err := c.conn.SetReadDeadline(time.Now().Add(connReadWait)); err != nil {
			break
		}
		n, err := c.conn.Read(report[pos:])
		if n > 0 {
			atomic.StoreInt64(&c.lastReadTime, time.Now().UnixNano())
			pos += n
			if pos == offsetReportSize {
				pos = 0
				c.processReport(parseOffsetReport(report))
			}
		}
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			if err != io.EOF && !c.isStopped() {
				log.Error("slave connection %s read error: %v", c.remoteAddr, err)
			}
			break
		}
	}
}

func (c *connection) processReport(offset int64) {
	if atomic.LoadInt64(&c.slaveRequestOffset) < 0 {
		atomic.StoreInt64(&c.slaveRequestOffset, offset)
		log.Info("slave %s requested transfer from offset %d", c.remoteAddr, offset)
	}
	atomic.StoreInt64(&c.slaveAckOffset, offset)
	c.svc.NotifyTransferSome(offset)
	c.notify()
}

// writeLoop pushes bounded windows of log bytes from nextTransferOffset,
// emits zero-body heartbeats when idle, and enforces read-side liveness.
func (c *connection) writeLoop() {
	defer c.wg.Done()
	defer c.close()

	var (
		nextTransferOffset = int64(-1)
		lastWriteTime      = time.Now()
		header             = make([]byte, frameHeaderSize)
	)

	for !c.isStopped() {
		lastRead := time.Unix(0, atomic.LoadInt64(&c.lastReadTime))
		if time.Since(lastRead) > c.svc.cfg.HousekeepingInterval {
			log.Warn("slave connection %s expired, no report for %v",
				c.remoteAddr, time.Since(lastRead))
			break
		}

		requestOffset := atomic.LoadInt64(&c.slaveRequestOffset)
		if requestOffset < 0 {
			c.idleWait()
			continue
		}
		if nextTransferOffset < 0 {
			nextTransferOffset = requestOffset
		}

		if c.svc.store.MaxOffset() > nextTransferOffset {
			body, err := c.svc.store.ReadRange(nextTransferOffset, c.svc.cfg.TransferBatchSize)
			if err != nil {
				log.Error("slave connection %s read range at %d error: %v",
					c.remoteAddr, nextTransferOffset, err)
				break
			}
			if len(body) > 0 {
				if err := c.writeFrame(header, nextTransferOffset, body); err != nil {
					log.Error("slave connection %s transfer error: %v", c.remoteAddr, err)
					break
				}
				nextTransferOffset += int64(len(body))
				atomic.AddInt64(&c.pushedBytes, int64(len(body)))
				lastWriteTime = time.Now()
				continue
			}
		}

		if time.Since(lastWriteTime) >= c.svc.cfg.HeartbeatInterval {
			if err := c.writeFrame(header, nextTransferOffset, nil); err != nil {
				log.Error("slave connection %s heartbeat error: %v", c.remoteAddr, err)
				break
			}
			lastWriteTime = time.Now()
		}

		c.idleWait()
	}
}

func (c *connection) idleWait() {
	t := time.NewTimer(connIdleWait)
	defer t.Stop()
	select {
	case <-c.wakeupCh:
	case <-t.C:
	case <-c.stopCh:
	}
}

func (c *connection) writeFrame(header []byte, phyOffset int64, body []byte) error {
	putFrameHeader(header, phyOffset, int32(len(body)))
	if err := c.conn.SetWriteDeadline(time.Now().Add(connWriteWait)); err != nil {
		return err
	}
	buffers := net.Buffers{header}
	if len(body) > 0 {
		buffers = append(buffers, body)
	}
	_, err := buffers.WriteTo(c.conn)
	return err
}
