package integration

import (
	"fmt"
	"time"
)

// TestEmail generates a unique test email address using timestamp
func TestEmail(suffix string) string {
	return fmt.Sprintf("test-%d-%s@example.com", time.Now().UnixNano(), suffix)
}

// TestIP returns a distinct benchmarking-range address for n in [0, 65535]
func TestIP(n int) string {
	return fmt.Sprintf("198.18.%d.%d", n/256, n%256)
}
