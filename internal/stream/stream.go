// Package stream replays an already-complete answer string as paced
// whitespace-delimited chunks. The pacing is synthetic: the text is final
// before the first chunk is emitted, so this is a presentation concern only
// and must not be mistaken for incremental generation.
package stream

import (
	"fmt"
	"io"
	"iter"
	"strings"
	"time"
)

// chunkDelay is the fixed pause between chunk emissions. It does not depend
// on chunk length or position and is not user-configurable.
const chunkDelay = 40 * time.Millisecond

// Chunks returns a single-use, finite sequence over the whitespace-separated
// tokens of text. Each chunk is the token followed by one space, in original
// order. Blank input yields an empty sequence.
func Chunks(text string) iter.Seq[string] {
	return chunksWithDelay(text, chunkDelay)
}

// Print replays text chunk by chunk to w with the same pacing as Chunks.
func Print(w io.Writer, text string) error {
	return printWithDelay(w, text, chunkDelay)
}

func chunksWithDelay(text string, delay time.Duration) iter.Seq[string] {
	tokens := strings.Fields(text)
	return func(yield func(string) bool) {
		for i, token := range tokens {
			if i > 0 && delay > 0 {
				time.Sleep(delay)
			}
			if !yield(token + " ") {
				return
			}
		}
	}
}

func printWithDelay(w io.Writer, text string, delay time.Duration) error {
	if w == nil {
		return fmt.Errorf("writer is required")
	}
	for chunk := range chunksWithDelay(text, delay) {
		if _, err := io.WriteString(w, chunk); err != nil {
			return fmt.Errorf("write chunk: %w", err)
		}
	}
	return nil
}
