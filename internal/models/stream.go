package models

import "fmt"

// Chunk is one event of a turn's delivery stream.
type Chunk struct {
	Text      string `json:"text,omitempty"`
	TextDone  bool   `json:"textDone,omitempty"`
	ImageData []byte `json:"imageData,omitempty"` // base64 on the wire
	ImageDone bool   `json:"imageDone,omitempty"`
	Error     string `json:"error,omitempty"`
	ErrorCode string `json:"errorCode,omitempty"`
}

// IsTerminal reports whether no further chunks follow for the turn.
func (c Chunk) IsTerminal() bool {
	return c.ImageDone || c.Error != ""
}

// Stream error codes.
const (
	ChunkErrorImageFailed  = "image_failed"
	ChunkErrorInvalidReply = "invalid_reply"
	ChunkErrorNotFound     = "not_found"
	ChunkErrorProvider     = "provider_error"
	ChunkErrorPersistence  = "persistence_error"
)

// StreamTopic identifies the chunk stream of one chapter.
type StreamTopic struct {
	SessionHash string `json:"sessionHash"`
	ChapterID   int    `json:"chapterId"`
}

func (t StreamTopic) String() string {
	return fmt.Sprintf("%s/%d", t.SessionHash, t.ChapterID)
}
