package stream

import (
	"adventure-server/internal/models"
)

// TextChunks returns the chunks announcing a turn's text.
// An unparseable reply ends the turn with an error chunk instead.
func TextChunks(out models.ActionOutput) []models.Chunk {
	if out.Type == models.OutputTypeError {
		return []models.Chunk{{Error: out.Error, ErrorCode: models.ChunkErrorInvalidReply}}
	}
	return []models.Chunk{{Text: out.Story}, {TextDone: true}}
}

// ImageChunks returns the chunks announcing a generated image.
func ImageChunks(image []byte) []models.Chunk {
	return []models.Chunk{{ImageData: image}, {ImageDone: true}}
}

// ImageFailedChunk ends a turn whose image could not be generated.
func ImageFailedChunk(reason string) models.Chunk {
	return models.Chunk{Error: reason, ErrorCode: models.ChunkErrorImageFailed}
}

// TurnFailedChunk ends a turn that produced no chapter.
func TurnFailedChunk(code, reason string) models.Chunk {
	return models.Chunk{Error: reason, ErrorCode: code}
}
