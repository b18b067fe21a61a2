package ha

import (
	"encoding/binary"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNotifyTransferSomeIsMonotonicUnderContention(t *testing.T) {
	t.Parallel()

	// --- given ---
	svc := NewService(newMemStore(nil), Config{})

	// --- when --- many goroutines race interleaved advances
	var wg sync.WaitGroup
	var submittedMax int64
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			for i := int64(0); i < 1000; i++ {
				v := seed*1000 + i
				svc.NotifyTransferSome(v)
				for {
					cur := atomic.LoadInt64(&submittedMax)
					if v <= cur || atomic.CompareAndSwapInt64(&submittedMax, cur, v) {
						break
					}
				}
			}
		}(int64(g))
	}
	wg.Wait()

	// --- then --- the watermark equals the max of everything submitted
	assert.Equal(t, atomic.LoadInt64(&submittedMax), svc.Push2SlaveMaxOffset())
}

func TestIsSlaveOK(t *testing.T) {
	t.Parallel()

	store := newMemStore(nil)
	svc := NewService(store, Config{SlaveFallbehindMax: 100})

	// no connection: not OK even with zero fall-behind
	assert.False(t, svc.IsSlaveOK(0))

	atomic.StoreInt32(&svc.connectionCount, 1)
	svc.NotifyTransferSome(50)

	assert.True(t, svc.IsSlaveOK(100))  // 50 behind < 100
	assert.True(t, svc.IsSlaveOK(149))  // 99 behind < 100
	assert.False(t, svc.IsSlaveOK(150)) // 100 behind, at the threshold
	assert.False(t, svc.IsSlaveOK(500))
}

func TestConnectionCountTracksAcceptsAndDrops(t *testing.T) {
	t.Parallel()

	// --- given --- a master with a fast liveness check
	svc := NewService(newMemStore([]byte{1, 2, 3}), Config{
		ListenPort:           0,
		HeartbeatInterval:    50 * time.Millisecond,
		HousekeepingInterval: time.Second,
	})
	require.NoError(t, svc.acceptor.beginAccept())
	svc.acceptor.start()
	defer func() {
		svc.acceptor.shutdown()
		svc.destroyConnections()
	}()

	// --- when --- two slaves connect and report
	conn1 := dialAndReport(t, svc.Addr().String(), 3)
	conn2 := dialAndReport(t, svc.Addr().String(), 3)
	waitFor(t, func() bool { return svc.ConnectionCount() == 2 }, "both connections registered")

	svc.connMu.Lock()
	registered := len(svc.connections)
	svc.connMu.Unlock()
	assert.Equal(t, int32(registered), svc.ConnectionCount())

	// --- then --- dropping a socket deregisters within a read timeout
	conn1.Close()
	waitFor(t, func() bool { return svc.ConnectionCount() == 1 }, "dropped connection removed")

	conn2.Close()
	waitFor(t, func() bool { return svc.ConnectionCount() == 0 }, "second connection removed")

	svc.connMu.Lock()
	remaining := len(svc.connections)
	svc.connMu.Unlock()
	assert.Equal(t, 0, remaining)
}

func TestMasterPushesFromSlaveReportedOffset(t *testing.T) {
	t.Parallel()

	// --- given --- a master log of 10 bytes and a slave that already has 4
	store := newMemStore([]byte{0, 1, 2, 3, 4, 5, 6, 7, 8, 9})
	svc := NewService(store, Config{
		ListenPort:        0,
		HeartbeatInterval: time.Second,
	})
	require.NoError(t, svc.acceptor.beginAccept())
	svc.acceptor.start()
	defer func() {
		svc.acceptor.shutdown()
		svc.destroyConnections()
	}()

	// --- when --- the slave reports offset 4
	conn := dialAndReport(t, svc.Addr().String(), 4)
	defer conn.Close()

	// --- then --- the first frame starts at phyOffset 4 and carries bytes 4..9
	header := readFull(t, conn, frameHeaderSize)
	phyOffset, bodySize := parseFrameHeader(header)
	assert.Equal(t, int64(4), phyOffset)
	require.Equal(t, int32(6), bodySize)
	body := readFull(t, conn, int(bodySize))
	assert.Equal(t, []byte{4, 5, 6, 7, 8, 9}, body)

	// and the ack advanced the watermark
	waitFor(t, func() bool { return svc.Push2SlaveMaxOffset() == 4 }, "watermark advance")
}

func TestMasterHeartbeatsWhenIdle(t *testing.T) {
	t.Parallel()

	store := newMemStore(nil)
	svc := NewService(store, Config{
		ListenPort:        0,
		HeartbeatInterval: 100 * time.Millisecond,
	})
	require.NoError(t, svc.acceptor.beginAccept())
	svc.acceptor.start()
	defer func() {
		svc.acceptor.shutdown()
		svc.destroyConnections()
	}()

	conn := dialAndReport(t, svc.Addr().String(), 0)
	defer conn.Close()

	// an idle master emits a zero-body frame at the transfer offset
	header := readFull(t, conn, frameHeaderSize)
	phyOffset, bodySize := parseFrameHeader(header)
	assert.Equal(t, int64(0), phyOffset)
	assert.Equal(t, int32(0), bodySize)
}

func dialAndReport(t *testing.T, addr string, offset int64) net.Conn {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, 3*time.Second)
	require.NoError(t, err)
	report := make([]byte, offsetReportSize)
	binary.BigEndian.PutUint64(report, uint64(offset))
	_, err = conn.Write(report)
	require.NoError(t, err)
	return conn
}

func readFull(t *testing.T, conn net.Conn, n int) []byte {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	buf := make([]byte, n)
	pos := 0
	for pos < n {
		m, err := conn.Read(buf[pos:])
		require.NoError(t, err)
		pos += m
	}
	return buf
}

func waitFor(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
