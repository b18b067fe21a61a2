package ha_test

import (
	"bytes"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mirrorstore/mirrorstore/commitlog"
	"github.com/mirrorstore/mirrorstore/ha"
)

func startNode(t *testing.T, masterAddress string) (*ha.Service, *commitlog.CommitLog) {
	t.Helper()

	cl, err := commitlog.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { cl.Close() })

	svc := ha.NewService(cl, ha.Config{
		ListenPort:           0,
		MasterAddress:        masterAddress,
		HeartbeatInterval:    50 * time.Millisecond,
		HousekeepingInterval: 10 * time.Second,
		SyncFlushTimeout:     5 * time.Second,
	})
	require.NoError(t, svc.Start())
	t.Cleanup(svc.Shutdown)
	return svc, cl
}

func loopbackAddr(t *testing.T, svc *ha.Service) string {
	t.Helper()
	tcpAddr, ok := svc.Addr().(*net.TCPAddr)
	require.True(t, ok)
	return fmt.Sprintf("127.0.0.1:%d", tcpAddr.Port)
}

func TestReplicationEndToEnd(t *testing.T) {
	t.Parallel()

	// --- given --- a master holding 100 bytes and a cold slave
	master, masterLog := startNode(t, "")
	payload := bytes.Repeat([]byte{0xAA}, 100)
	next, err := masterLog.Append(payload)
	require.NoError(t, err)
	require.Equal(t, int64(100), next)
	master.WakeupAll()

	_, slaveLog := startNode(t, loopbackAddr(t, master))

	// --- then --- the slave converges byte-for-byte and the master
	// watermark reaches the slave acknowledgement
	waitUntil(t, func() bool { return slaveLog.MaxOffset() == next }, "slave catch-up")
	got, err := slaveLog.ReadRange(0, 1024)
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	waitUntil(t, func() bool { return master.Push2SlaveMaxOffset() == next }, "watermark advance")
	assert.True(t, master.IsSlaveOK(masterLog.MaxOffset()))

	// --- when --- a producer appends and waits for replication
	next, err = masterLog.Append(bytes.Repeat([]byte{0xBB}, 40))
	require.NoError(t, err)
	master.WakeupAll()

	req := ha.NewGroupCommitRequest(next)
	master.PutRequest(req)

	// --- then --- the wait completes successfully well inside the timeout
	assert.True(t, req.WaitForFlush(8*time.Second))
	assert.Equal(t, next, slaveLog.MaxOffset())
}

func TestProducerWaitTimesOutWithoutSlaves(t *testing.T) {
	t.Parallel()

	// a master with no slaves never satisfies a replication wait
	master, masterLog := startNode(t, "")
	next, err := masterLog.Append([]byte("never replicated"))
	require.NoError(t, err)

	req := ha.NewGroupCommitRequest(next)
	start := time.Now()
	master.PutRequest(req)

	assert.False(t, req.WaitForFlush(10*time.Second))
	// five rounds of SyncFlushTimeout/5 each
	assert.GreaterOrEqual(t, time.Since(start), 4*time.Second)
	assert.False(t, master.IsSlaveOK(masterLog.MaxOffset()))
}

func waitUntil(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
