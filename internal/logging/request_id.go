package logging

import (
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"
)

var requestCounter uint64

// GenerateRequestID returns ids of the form req-{counter}-{uuid prefix}.
func GenerateRequestID() string {
	count := atomic.AddUint64(&requestCounter, 1)
	return fmt.Sprintf("req-%d-%s", count, uuid.NewString()[:8])
}
