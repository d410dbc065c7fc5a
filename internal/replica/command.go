package replica

import (
	"encoding/json"
	"time"
)

// CommandEntry is one board event as proposed through the replication
// group. Payload stays raw JSON so followers apply exactly what the
// leader accepted.
type CommandEntry struct {
	Sequence  uint64          `json:"sequence"`
	Timestamp int64           `json:"timestamp"`
	ClientID  string          `json:"client_id"`
	Kind      string          `json:"kind"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	AckToken  string          `json:"ack_token,omitempty"`
}

type PublishBatchCommand struct {
	Entries        []CommandEntry `json:"entries"`
	TimestampUTCNs int64          `json:"timestamp_utc_ns"`
}

func (c *PublishBatchCommand) FillTimestamp() {
	if c.TimestampUTCNs == 0 {
		c.TimestampUTCNs = time.Now().UTC().UnixNano()
	}
}
