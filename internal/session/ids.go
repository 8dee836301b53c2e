package session

import (
	"time"

	"github.com/lithammer/shortuuid/v4"
)

// NewSessionID returns an id that sorts by creation time:
// YYYYMMDD-HHMMSS-<random>.
func NewSessionID(now time.Time) string {
	return now.UTC().Format("20060102-150405") + "-" + shortuuid.New()
}
