package timex

import "time"

// NowMs returns Unix milliseconds, the timestamp unit of bus payloads.
func NowMs() int64 { return time.Now().UnixMilli() }
