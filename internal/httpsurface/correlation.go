package httpsurface

import (
	"strconv"
	"sync/atomic"
)

// correlationSeq backs correlationID with the same process-local
// monotonic-counter strategy internal/indexstore uses for document _id
// assignment (SPEC_FULL.md's supplemented "structured correlation IDs"
// feature deliberately reuses it).
var correlationSeq int64

func correlationID() string {
	n := atomic.AddInt64(&correlationSeq, 1)
	return strconv.FormatInt(n, 36)
}
