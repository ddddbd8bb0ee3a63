// Package chunker splits a user's message log into ordered, bounded chunks
// for iterative analysis.
package chunker

import (
	"github.com/pentestfunctions/psychoshit/internal/store"
)

// Chunk is one contiguous slice of a user's log. Chunks partition the log
// exactly: concatenated in index order they reproduce the input.
type Chunk struct {
	Index    int
	Messages []store.Message
	Cost     int // character-count proxy for prompt size
}

// Cost estimates the prompt budget a message consumes.
func Cost(m *store.Message) int {
	return len(m.Content)
}

// Split greedily packs messages into chunks, closing the current chunk when
// adding the next message would exceed maxCost or maxCount. A single message
// whose own cost exceeds maxCost still forms its own oversized chunk;
// content is never truncated or dropped. Deterministic for a given input.
func Split(log []store.Message, maxCost, maxCount int) []Chunk {
	if len(log) == 0 {
		return nil
	}

	var chunks []Chunk
	current := Chunk{Index: 0}

	for _, m := range log {
		cost := Cost(&m)
		full := len(current.Messages) > 0 &&
			(current.Cost+cost > maxCost || len(current.Messages)+1 > maxCount)
		if full {
			chunks = append(chunks, current)
			current = Chunk{Index: len(chunks)}
		}
		current.Messages = append(current.Messages, m)
		current.Cost += cost
	}

	chunks = append(chunks, current)
	return chunks
}
