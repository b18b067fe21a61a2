package commitlog

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack"

	"github.com/mirrorstore/mirrorstore/utils/log"
)

const (
	logFileName        = "commit.log"
	checkpointFileName = "checkpoint.meta"
)

// CommitLog is a single-file append-only byte log. The physical offset of a
// byte is its position in the file. Appends are serialized under a mutex;
// MaxOffset and ReadRange may be called concurrently from any goroutine.
type CommitLog struct {
	rootDir   string
	filePtr   *os.File
	writeMu   sync.Mutex
	maxOffset int64 // atomic
}

type checkpoint struct {
	MaxOffset int64
	UpdatedAt time.Time
}

// Open creates or opens the commit log under rootDir. The max offset is
// recovered from the log file size and cross-checked against the checkpoint.
func Open(rootDir string) (*CommitLog, error) {
	if err := os.MkdirAll(rootDir, 0o770); err != nil {
		return nil, errors.Wrap(err, "failed to create commit log directory")
	}

	fullPath := filepath.Join(rootDir, logFileName)
	fp, err := os.OpenFile(fullPath, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open commit log file")
	}

	fi, err := fp.Stat()
	if err != nil {
		fp.Close()
		return nil, errors.Wrap(err, "failed to stat commit log file")
	}

	cl := &CommitLog{
		rootDir: rootDir,
		filePtr: fp,
	}
	atomic.StoreInt64(&cl.maxOffset, fi.Size())

	if err := cl.verifyCheckpoint(fi.Size()); err != nil {
		fp.Close()
		return nil, err
	}

	return cl, nil
}

func (cl *CommitLog) verifyCheckpoint(fileSize int64) error {
	data, err := os.ReadFile(filepath.Join(cl.rootDir, checkpointFileName))
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "failed to read checkpoint")
	}

	var cp checkpoint
	if err := msgpack.Unmarshal(data, &cp); err != nil {
		return errors.Wrap(err, "failed to decode checkpoint")
	}

	// The file may be ahead of the last checkpoint (appends after the last
	// flush); it must never be behind it.
	if fileSize < cp.MaxOffset {
		return fmt.Errorf("commit log truncated behind checkpoint: file=%d checkpoint=%d",
			fileSize, cp.MaxOffset)
	}
	if fileSize > cp.MaxOffset {
		log.Warn("commit log ahead of checkpoint, trusting file contents: file=%d checkpoint=%d",
			fileSize, cp.MaxOffset)
	}
	return nil
}

func (cl *CommitLog) writeCheckpoint() error {
	cp := checkpoint{
		MaxOffset: cl.MaxOffset(),
		UpdatedAt: time.Now().UTC(),
	}
	data, err := msgpack.Marshal(&cp)
	if err != nil {
		return errors.Wrap(err, "failed to encode checkpoint")
	}

	tmpPath := filepath.Join(cl.rootDir, checkpointFileName+".tmp")
	if err := os.WriteFile(tmpPath, data, 0o600); err != nil {
		return errors.Wrap(err, "failed to write checkpoint")
	}
	return os.Rename(tmpPath, filepath.Join(cl.rootDir, checkpointFileName))
}

// MaxOffset returns the current end offset of the log.
func (cl *CommitLog) MaxOffset() int64 {
	return atomic.LoadInt64(&cl.maxOffset)
}

// Append writes body at the current end of the log and returns the offset
// one past the written bytes.
func (cl *CommitLog) Append(body []byte) (int64, error) {
	cl.writeMu.Lock()
	defer cl.writeMu.Unlock()

	offset := cl.MaxOffset()
	if _, err := cl.filePtr.WriteAt(body, offset); err != nil {
		return 0, errors.Wrap(err, "failed to append to commit log")
	}

	next := offset + int64(len(body))
	atomic.StoreInt64(&cl.maxOffset, next)
	return next, nil
}

// AppendAt writes body at phyOffset, which must equal the current end of the
// log. A fully re-applied contiguous range (phyOffset+len(body) <= max) is a
// no-op so a replayed batch is idempotent.
func (cl *CommitLog) AppendAt(phyOffset int64, body []byte) error {
	cl.writeMu.Lock()
	defer cl.writeMu.Unlock()

	max := cl.MaxOffset()
	if phyOffset+int64(len(body)) <= max {
		return nil
	}
	if phyOffset != max {
		return fmt.Errorf("append offset mismatch: got=%d want=%d", phyOffset, max)
	}

	if _, err := cl.filePtr.WriteAt(body, phyOffset); err != nil {
		return errors.Wrap(err, "failed to append to commit log")
	}
	atomic.StoreInt64(&cl.maxOffset, phyOffset+int64(len(body)))
	return nil
}

// ReadRange returns up to max bytes of the log starting at from. At the tail
// it returns fewer bytes; at the end it returns an empty slice. A negative
// from, or one past the end, is an error.
func (cl *CommitLog) ReadRange(from int64, max int32) ([]byte, error) {
	end := cl.MaxOffset()
	if from < 0 || from > end {
		return nil, fmt.Errorf("read offset out of range: from=%d max=%d", from, end)
	}

	n := end - from
	if n > int64(max) {
		n = int64(max)
	}
	if n == 0 {
		return []byte{}, nil
	}

	buf := make([]byte, n)
	if _, err := cl.filePtr.ReadAt(buf, from); err != nil {
		return nil, errors.Wrap(err, "failed to read commit log range")
	}
	return buf, nil
}

// Flush syncs the log file and rewrites the checkpoint.
func (cl *CommitLog) Flush() error {
	cl.writeMu.Lock()
	defer cl.writeMu.Unlock()

	if err := cl.filePtr.Sync(); err != nil {
		return errors.Wrap(err, "failed to sync commit log")
	}
	return cl.writeCheckpoint()
}

// Close flushes and closes the log.
func (cl *CommitLog) Close() error {
	if err := cl.Flush(); err != nil {
		log.Error("commit log flush on close: %v", err)
	}
	return cl.filePtr.Close()
}
