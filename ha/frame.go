package ha

import (
	"encoding/binary"
)

// Wire format, master to slave: a stream of frames
//
//	{ phyOffset uint64 BE | bodySize int32 BE | body [bodySize]byte }
//
// phyOffset is the commit log offset at which body begins on the master.
// A frame with bodySize == 0 is a heartbeat.
//
// Slave to master: a stream of bare 8-byte big-endian offset reports.
const (
	frameHeaderSize  = 8 + 4 // phyOffset + bodySize
	offsetReportSize = 8
)

func putFrameHeader(b []byte, phyOffset int64, bodySize int32) {
	binary.BigEndian.PutUint64(b, uint64(phyOffset))
	binary.BigEndian.PutUint32(b[8:], uint32(bodySize))
}

func parseFrameHeader(b []byte) (phyOffset int64, bodySize int32) {
	phyOffset = int64(binary.BigEndian.Uint64(b))
	bodySize = int32(binary.BigEndian.Uint32(b[8:]))
	return phyOffset, bodySize
}

func putOffsetReport(b []byte, offset int64) {
	binary.BigEndian.PutUint64(b, uint64(offset))
}

func parseOffsetReport(b []byte) int64 {
	return int64(binary.BigEndian.Uint64(b))
}
