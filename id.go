package diag

import (
	"encoding/hex"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

var correlationIDEntropy = ulid.DefaultEntropy()

// NewCorrelationID returns a new time- and node-based unique ID, rendered as
// 32 lowercase hex characters. If a time-based UUID can't be produced, a ULID
// is returned instead.
func NewCorrelationID() string {
	if u, err := uuid.NewUUID(); err == nil {
		return hex.EncodeToString(u[:])
	}
	return ulid.MustNew(ulid.Timestamp(time.Now()), correlationIDEntropy).String()
}
