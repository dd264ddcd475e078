package session

import (
	"time"

	"github.com/gofrs/uuid"
)

// NewSessionID returns a sortable id: the local start time followed by a random suffix.
func NewSessionID(now time.Time) string {
	return now.Format("20060102_150405") + "_" + uuid.Must(uuid.NewV4()).String()[:8]
}
