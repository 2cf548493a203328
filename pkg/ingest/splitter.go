package ingest

import (
	"strings"
	"unicode/utf8"
)

// Default chunking parameters, measured in runes.
const (
	DefaultChunkSize    = 1000
	DefaultChunkOverlap = 200
)

// Splitter splits text recursively using a list of separators. It tries to
// keep related text together: paragraphs first, then lines, then words.
type Splitter struct {
	ChunkSize    int
	ChunkOverlap int
	Separators   []string
}

// NewSplitter creates a splitter with separators suited to prose.
func NewSplitter(chunkSize, chunkOverlap int) *Splitter {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	if chunkOverlap < 0 || chunkOverlap >= chunkSize {
		chunkOverlap = 0
	}
	return &Splitter{
		ChunkSize:    chunkSize,
		ChunkOverlap: chunkOverlap,
		Separators:   []string{"\n\n", "\n", " ", ""},
	}
}

// NewMarkdownSplitter prefers cutting at section headers.
func NewMarkdownSplitter(chunkSize, chunkOverlap int) *Splitter {
	s := NewSplitter(chunkSize, chunkOverlap)
	s.Separators = []string{"\n## ", "\n### ", "\n\n", "\n", " ", ""}
	return s
}

// SplitText returns chunks of at most ChunkSize runes, unless a single
// indivisible piece is longer. Chunks are trimmed and never empty.
func (s *Splitter) SplitText(text string) []string {
	var chunks []string
	for _, c := range s.split(text, s.Separators) {
		if c = strings.TrimSpace(c); c != "" {
			chunks = append(chunks, c)
		}
	}
	return chunks
}

// split cuts text at the first separator it contains. Pieces that are still
// too large are split again with the remaining separators; runs of small
// pieces are merged back up to ChunkSize.
func (s *Splitter) split(text string, separators []string) []string {
	separator := ""
	var next []string
	for i, sep := range separators {
		if sep == "" || strings.Contains(text, sep) {
			separator, next = sep, separators[i+1:]
			break
		}
	}

	var final, good []string
	for _, part := range strings.Split(text, separator) {
		if part == "" {
			continue
		}
		if utf8.RuneCountInString(part) < s.ChunkSize {
			good = append(good, part)
			continue
		}
		if len(good) > 0 {
			final = append(final, s.merge(good, separator)...)
			good = nil
		}
		if len(next) == 0 {
			final = append(final, part)
		} else {
			final = append(final, s.split(part, next)...)
		}
	}
	if len(good) > 0 {
		final = append(final, s.merge(good, separator)...)
	}
	return final
}

// merge joins small pieces with separator until adding one more would exceed
// ChunkSize. Each new chunk starts with the tail of the previous one, up to
// ChunkOverlap runes.
func (s *Splitter) merge(splits []string, separator string) []string {
	sepLen := utf8.RuneCountInString(separator)
	var docs, current []string
	total := 0

	for _, piece := range splits {
		n := utf8.RuneCountInString(piece)
		joined := total + n
		if len(current) > 0 {
			joined += sepLen
		}
		if joined > s.ChunkSize && len(current) > 0 {
			docs = append(docs, strings.Join(current, separator))
			// Drop pieces from the front until the tail fits the overlap
			// and leaves room for the next piece.
			for len(current) > 0 && (total > s.ChunkOverlap || total+n+sepLen > s.ChunkSize) {
				total -= utf8.RuneCountInString(current[0])
				if len(current) > 1 {
					total -= sepLen
				}
				current = current[1:]
			}
		}
		if len(current) > 0 {
			total += sepLen
		}
		current = append(current, piece)
		total += n
	}
	if len(current) > 0 {
		docs = append(docs, strings.Join(current, separator))
	}
	return docs
}
