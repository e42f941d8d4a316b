// Package chunk splits document text into ordered, hashable chunks.
// Output is deterministic: identical input and options produce
// byte-identical chunks.
package chunk

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// Chunk size defaults.
const (
	DefaultMaxChunkSize = 1000
	DefaultChunkOverlap = 100
)

// Strategy selects how a document is split.
type Strategy string

const (
	BySize       Strategy = "by_size"
	BySentences  Strategy = "by_sentences"
	ByParagraphs Strategy = "by_paragraphs"
	ByHeadings   Strategy = "by_headings"
)

// Chunk is an ordered slice of a document's text, the unit of
// embedding and retrieval.
type Chunk struct {
	// Index is the 0-based position within the document.
	Index int
	// Title is the nearest heading, if any.
	Title string
	// TitleChain is the full heading path, e.g. "Guide > Install > Linux".
	TitleChain string
	// Content is the chunk text.
	Content string
	// ContentHash is a stable hash of the normalized content.
	ContentHash string
}

// Options configures a Splitter.
type Options struct {
	Strategy     Strategy
	MaxChunkSize int
	Overlap      int
}

// HashText returns the stable content hash used throughout docfold:
// SHA-256 over trimmed, unicode-NFC-normalized text, hex encoded.
func HashText(text string) string {
	normalized := norm.NFC.String(strings.TrimSpace(text))
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}
