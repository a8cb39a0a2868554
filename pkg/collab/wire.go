package collab

import "time"

const (
	MessageTypeDocumentUpdate = "document_update"
	EventTypeSnapshot         = "document_snapshot"
	EventTypeSnapshotChunk    = "document_snapshot_chunk"
)

// DocumentUpdate is the content of a document_update message. Data is a binary
// delta and is carried as base64 by encoding/json.
type DocumentUpdate struct {
	DocumentID string `json:"documentId"`
	Data       []byte `json:"data"`
}

// SnapshotAnnouncement is written before any chunk of the snapshot it describes.
type SnapshotAnnouncement struct {
	DocumentID  string    `json:"documentId"`
	SnapshotID  string    `json:"snapshotId"`
	SessionID   string    `json:"sessionId"`
	TotalChunks int       `json:"totalChunks"`
	Size        int       `json:"size"`
	CreatedAt   time.Time `json:"createdAt"`
}

// SnapshotChunk is one fragment of a snapshot.
type SnapshotChunk struct {
	DocumentID    string `json:"documentId"`
	SnapshotID    string `json:"snapshotId"`
	SequenceIndex int    `json:"sequenceIndex"`
	DataFragment  []byte `json:"dataFragment"`
}
