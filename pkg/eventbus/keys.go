package eventbus

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"

	"github.com/jdziat/ecoscan/pkg/core"
)

// ShardOf returns the stable shard of a job among n shards.
func ShardOf(jobID string, n int) int {
	if n <= 1 {
		return 0
	}
	return int(xxhash.Sum64String(jobID) % uint64(n))
}

// StreamKey is the stream holding every frame of a shard.
func StreamKey(domain string, shard int) string {
	return fmt.Sprintf("%s:events:%d", domain, shard)
}

// MarkerKey is the idempotency marker of one stage frame.
func MarkerKey(domain, jobID string, stage core.Stage, seq uint64) string {
	return fmt.Sprintf("%s:published:%s:%s:%d", domain, jobID, stage, seq)
}

// FirstOffsetKey holds the stream id of the first frame of a job, the lower bound of
// its history.
func FirstOffsetKey(domain, jobID string) string {
	return fmt.Sprintf("%s:first:%s", domain, jobID)
}

// ChannelKey is the pub/sub channel carrying live frames of a job.
func ChannelKey(jobID string) string {
	return "sse:events:" + jobID
}

// compareIDs orders two stream ids of the form <ms>-<seq>.
func compareIDs(a, b string) int {
	am, as := splitID(a)
	bm, bs := splitID(b)
	switch {
	case am < bm:
		return -1
	case am > bm:
		return 1
	case as < bs:
		return -1
	case as > bs:
		return 1
	}
	return 0
}

func splitID(id string) (uint64, uint64) {
	ms, seq, _ := strings.Cut(id, "-")
	m, _ := strconv.ParseUint(ms, 10, 64)
	s, _ := strconv.ParseUint(seq, 10, 64)
	return m, s
}
