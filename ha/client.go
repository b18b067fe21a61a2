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
	// clientConnectTimeout bounds one dial attempt to the master.
	clientConnectTimeout = 3 * time.Second
	// clientSelectWait is the blocking wait for readable data, one per pass.
	clientSelectWait = time.Second
	// clientDrainWait bounds each follow-up read while draining the socket.
	clientDrainWait = 5 * time.Millisecond
	// clientReadZeroMax ends a drain after this many consecutive empty reads.
	clientReadZeroMax = 3
	// clientReportWait bounds one offset report write.
	clientReportWait = 3 * time.Second
	// clientReconnectWait is the backoff after a failed connect attempt.
	clientReconnectWait = 5 * time.Second
)

// Client is the slave-side loop: it keeps a connection to the master, reports
// the local log end offset, decodes pushed frames into the local log, and
// re-reports progress.
//
// Incoming bytes accumulate in primary; dispatchPos marks the first undecoded
// byte. When primary fills up, the undecoded tail is copied into spare and
// the two buffers swap, so decoding never loses partial frames and never
// reallocates.
type Client struct {
	store Store
	cfg   Config

	masterAddress atomic.Value // string

	conn        *net.TCPConn
	primary     []byte
	spare       []byte
	writePos    int
	dispatchPos int
	reportBuf   [offsetReportSize]byte

	currentReportedOffset int64
	// lastWriteTime is the last successful write to the master; it drives
	// the report heartbeat. lastRecvTime is the last decoded frame (data or
	// heartbeat); it drives the master-unresponsive housekeeping check.
	lastWriteTime time.Time
	lastRecvTime  time.Time
	appliedBytes  int64

	stopCh chan struct{}
	wg     sync.WaitGroup
}

func NewClient(store Store, cfg Config) *Client {
	cfg.setDefaults()
	c := &Client{
		store:   store,
		cfg:     cfg,
		primary: make([]byte, cfg.ReadBufferSize),
		spare:   make([]byte, cfg.ReadBufferSize),
		stopCh:  make(chan struct{}),
	}
	c.masterAddress.Store(cfg.MasterAddress)
	return c
}

func (c *Client) start() {
	c.wg.Add(1)
	go c.run()
}

func (c *Client) shutdown() {
	close(c.stopCh)
	c.wg.Wait()
	c.closeMaster()
}

// UpdateMasterAddress atomically replaces the master address. An established
// connection to the old master keeps running until it fails; the new address
// applies on the next reconnect.
func (c *Client) UpdateMasterAddress(newAddr string) {
	currentAddr, _ := c.masterAddress.Load().(string)
	if currentAddr != newAddr {
		c.masterAddress.Store(newAddr)
		log.Info("update master address, OLD: %q NEW: %q", currentAddr, newAddr)
	}
}

func (c *Client) isStopped() bool {
	select {
	case <-c.stopCh:
		return true
	default:
		return false
	}
}

func (c *Client) run() {
	defer c.wg.Done()
	log.Info("ha client service started")

	for !c.isStopped() {
		if !c.connectMaster() {
			c.waitStop(clientReconnectWait)
			continue
		}

		if c.isTimeToReportOffset() {
			if !c.reportSlaveMaxOffset(c.currentReportedOffset) {
				c.closeMaster()
				continue
			}
		}

		if !c.processReadEvent() {
			c.closeMaster()
			continue
		}

		if !c.reportSlaveMaxOffsetPlus() {
			continue
		}

		if interval := time.Since(c.lastRecvTime); interval > c.cfg.HousekeepingInterval {
			log.Warn("ha client: master %v not responding for %v, closing connection",
				c.masterAddress.Load(), interval)
			c.closeMaster()
		}
	}

	log.Info("ha client service end")
}

func (c *Client) waitStop(d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-c.stopCh:
	}
}

// connectMaster dials the master when no connection exists and an address is
// configured. The reported offset resumes from the local log end.
func (c *Client) connectMaster() bool {
	if c.conn == nil {
		addr, _ := c.masterAddress.Load().(string)
		if addr != "" {
			conn, err := net.DialTimeout("tcp", addr, clientConnectTimeout)
			if err != nil {
				log.Warn("ha client failed to connect master %s: %v", addr, err)
			} else {
				c.conn = conn.(*net.TCPConn)
				c.conn.SetNoDelay(true)
				log.Info("ha client connected to master %s", addr)
			}
		}

		c.currentReportedOffset = c.store.MaxOffset()
		c.lastWriteTime = time.Now()
		c.lastRecvTime = time.Now()
	}

	return c.conn != nil
}

// closeMaster tears down the master connection and resets all read state so
// the next connect starts from a clean buffer.
func (c *Client) closeMaster() {
	if c.conn == nil {
		return
	}
	c.conn.Close()
	c.conn = nil

	c.lastWriteTime = time.Time{}
	c.dispatchPos = 0
	c.writePos = 0
}

func (c *Client) isTimeToReportOffset() bool {
	return time.Since(c.lastWriteTime) >= c.cfg.HeartbeatInterval
}

// reportSlaveMaxOffset writes one 8-byte offset report. For the slave this is
// both the resume/pull position and the replication acknowledgement.
func (c *Client) reportSlaveMaxOffset(maxOffset int64) bool {
	putOffsetReport(c.reportBuf[:], maxOffset)
	if err := c.conn.SetWriteDeadline(time.Now().Add(clientReportWait)); err != nil {
		return false
	}
	if _, err := c.conn.Write(c.reportBuf[:]); err != nil {
		log.Error("ha client report offset write error: %v", err)
		return false
	}
	c.lastWriteTime = time.Now()
	return true
}

// processReadEvent waits up to a second for data, then drains the socket into
// primary, dispatching complete frames as they arrive. Three consecutive
// empty reads end the drain; a closed or broken socket fails it.
func (c *Client) processReadEvent() bool {
	readSizeZeroTimes := 0
	deadline := clientSelectWait

	for c.writePos < len(c.primary) {
		if err := c.conn.SetReadDeadline(time.Now().Add(deadline)); err != nil {
			return false
		}
		n, err := c.conn.Read(c.primary[c.writePos:])
		if n > 0 {
			readSizeZeroTimes = 0
			deadline = clientDrainWait
			c.writePos += n
			if !c.dispatchReadRequest() {
				log.Error("ha client dispatch error")
				return false
			}
		}
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				readSizeZeroTimes++
				deadline = clientDrainWait
				if readSizeZeroTimes >= clientReadZeroMax {
					break
				}
				continue
			}
			if err != io.EOF {
				log.Error("ha client read socket error: %v", err)
			}
			return false
		}
		if n == 0 {
			if readSizeZeroTimes++; readSizeZeroTimes >= clientReadZeroMax {
				break
			}
		}
	}

	return true
}

// dispatchReadRequest decodes whole frames from primary[dispatchPos:writePos],
// validates offset contiguity, and appends frame bodies to the local log.
func (c *Client) dispatchReadRequest() bool {
	for {
		diff := c.writePos - c.dispatchPos
		if diff >= frameHeaderSize {
			masterPhyOffset, bodySize := parseFrameHeader(c.primary[c.dispatchPos:])
			if bodySize < 0 {
				log.Error("ha client got corrupt frame header, bodySize=%d", bodySize)
				return false
			}

			slavePhyOffset := c.store.MaxOffset()
			if slavePhyOffset != 0 && slavePhyOffset != masterPhyOffset {
				log.Error("master pushed offset not equal the max phy offset in slave, SLAVE: %d MASTER: %d",
					slavePhyOffset, masterPhyOffset)
				return false
			}

			if diff >= frameHeaderSize+int(bodySize) {
				if bodySize > 0 {
					bodyStart := c.dispatchPos + frameHeaderSize
					body := make([]byte, bodySize)
					copy(body, c.primary[bodyStart:bodyStart+int(bodySize)])

					if err := c.store.AppendAt(masterPhyOffset, body); err != nil {
						log.Error("ha client append to commit log error: %v", err)
						return false
					}
					c.appliedBytes += int64(bodySize)
				}
				// A zero-body frame is the master's heartbeat; it only
				// refreshes liveness.
				c.lastRecvTime = time.Now()
				c.dispatchPos += frameHeaderSize + int(bodySize)

				if !c.reportSlaveMaxOffsetPlus() {
					return false
				}
				continue
			}
		}

		if c.writePos == len(c.primary) {
			c.reallocateBuffer()
		}
		break
	}

	return true
}

// reallocateBuffer compacts by copying the undecoded tail into spare and
// swapping the buffers, avoiding an overlapping move within primary.
func (c *Client) reallocateBuffer() {
	remain := c.writePos - c.dispatchPos
	if remain > 0 {
		copy(c.spare, c.primary[c.dispatchPos:c.writePos])
	}
	c.primary, c.spare = c.spare, c.primary
	c.writePos = remain
	c.dispatchPos = 0
}

// reportSlaveMaxOffsetPlus reports progress when the local log end moved past
// the last reported offset. A failed report tears the connection down.
func (c *Client) reportSlaveMaxOffsetPlus() bool {
	currentPhyOffset := c.store.MaxOffset()
	if currentPhyOffset > c.currentReportedOffset {
		c.currentReportedOffset = currentPhyOffset
		if !c.reportSlaveMaxOffset(c.currentReportedOffset) {
			c.closeMaster()
			log.Error("ha client report slave max offset %d failed, applied %s so far",
				c.currentReportedOffset, bytefmt.ByteSize(uint64(c.appliedBytes)))
			return false
		}
	}
	return true
}
