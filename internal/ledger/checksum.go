package ledger

import (
	"hash/crc32"
	"strconv"
)

// CalculateChecksum is the CRC32-IEEE of the identifying fields of an event.
// Timestamp is left out.
func CalculateChecksum(eventType EventType, jobID, runID string, seq uint64) uint32 {
	data := string(eventType) + "|" + jobID + "|" + runID + "|" + strconv.FormatUint(seq, 10)
	return crc32.ChecksumIEEE([]byte(data))
}

// VerifyChecksum reports whether event carries the checksum of its fields.
func VerifyChecksum(event Event) bool {
	return event.Checksum == CalculateChecksum(event.Type, event.JobID, event.RunID, event.Seq)
}
