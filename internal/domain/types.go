package domain

import "encoding/json"

type EntityKind string

const (
	KindNote      EntityKind = "note"
	KindConnector EntityKind = "connector"
)

// EntityRef identifies one board entity.
type EntityRef struct {
	Kind EntityKind
	ID   string
}

// Event is one board mutation as merged into the shared history.
//
// Ordering model:
//   - Sequence: producer-assigned logical clock
//   - Timestamp: producer wall clock, tie-break within a sequence
//   - ClientID: producer identity, tie-break within a timestamp
type Event struct {
	Sequence  uint64          `json:"sequence"`
	Timestamp int64           `json:"timestamp"`
	ClientID  string          `json:"client_id"`
	Kind      string          `json:"kind"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Event kinds understood by the board engine.
const (
	EventNotePut          = "note.put"
	EventNoteDeleted      = "note.deleted"
	EventConnectorPut     = "connector.put"
	EventConnectorDeleted = "connector.deleted"
	EventBoardReplaced    = "board.replaced"
)

// Entity is anything the store owns and the renderer can draw.
type Entity interface {
	Ref() EntityRef
}

type Note struct {
	ID    string `json:"id"`
	Text  string `json:"text"`
	Color string `json:"color"`
	X     int    `json:"x"`
	Y     int    `json:"y"`
}

func (n Note) Ref() EntityRef { return EntityRef{Kind: KindNote, ID: n.ID} }

// Connector links two notes. From/To reference note IDs.
type Connector struct {
	ID   string `json:"id"`
	From string `json:"from"`
	To   string `json:"to"`
}

func (c Connector) Ref() EntityRef { return EntityRef{Kind: KindConnector, ID: c.ID} }

// BoardState is a full snapshot of the store, including cross-references.
type BoardState struct {
	Notes      []Note      `json:"notes"`
	Connectors []Connector `json:"connectors"`
}

// DeletePayload is the payload of note.deleted and connector.deleted events.
type DeletePayload struct {
	ID string `json:"id"`
}
