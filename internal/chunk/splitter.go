package chunk

import (
	"fmt"
	"regexp"
	"strings"
)

// headingPattern matches markdown-style headings: # Title, ## Title, etc.
var headingPattern = regexp.MustCompile(`(?m)^(#{1,6})\s+(.+)$`)

// sentencePattern splits on sentence enders followed by whitespace.
var sentencePattern = regexp.MustCompile(`(?s)(.*?[.!?])(?:\s+|$)`)

// Splitter splits document text into chunks according to a fixed strategy.
type Splitter struct {
	opts Options
}

// NewSplitter creates a splitter, applying defaults for unset options.
func NewSplitter(opts Options) (*Splitter, error) {
	if opts.Strategy == "" {
		opts.Strategy = ByHeadings
	}
	if opts.MaxChunkSize <= 0 {
		opts.MaxChunkSize = DefaultMaxChunkSize
	}
	if opts.Overlap < 0 {
		opts.Overlap = DefaultChunkOverlap
	}
	if opts.Overlap >= opts.MaxChunkSize {
		return nil, fmt.Errorf("chunk overlap %d must be smaller than max chunk size %d", opts.Overlap, opts.MaxChunkSize)
	}
	switch opts.Strategy {
	case BySize, BySentences, ByParagraphs, ByHeadings:
	default:
		return nil, fmt.Errorf("unknown chunk strategy %q", opts.Strategy)
	}
	return &Splitter{opts: opts}, nil
}

// Split splits text into ordered chunks. Empty or whitespace-only
// sections are dropped; indexes are contiguous from 0.
func (s *Splitter) Split(text string) []Chunk {
	if strings.TrimSpace(text) == "" {
		return nil
	}

	var pieces []piece
	switch s.opts.Strategy {
	case BySize:
		pieces = s.splitBySize(text, "", "")
	case BySentences:
		pieces = s.splitBySentences(text)
	case ByParagraphs:
		pieces = s.splitByParagraphs(text, "", "")
	case ByHeadings:
		pieces = s.splitByHeadings(text)
	}

	chunks := make([]Chunk, 0, len(pieces))
	for _, p := range pieces {
		if strings.TrimSpace(p.content) == "" {
			continue
		}
		chunks = append(chunks, Chunk{
			Index:       len(chunks),
			Title:       p.title,
			TitleChain:  p.titleChain,
			Content:     p.content,
			ContentHash: HashText(p.content),
		})
	}
	return chunks
}

// piece is an unindexed chunk candidate.
type piece struct {
	title      string
	titleChain string
	content    string
}

// splitBySize slides a fixed-size window with overlap. Boundaries are
// rune-aligned so multi-byte characters are never split.
func (s *Splitter) splitBySize(text, title, titleChain string) []piece {
	runes := []rune(text)
	if len(runes) <= s.opts.MaxChunkSize {
		return []piece{{title: title, titleChain: titleChain, content: text}}
	}

	step := s.opts.MaxChunkSize - s.opts.Overlap
	var pieces []piece
	for start := 0; start < len(runes); start += step {
		end := start + s.opts.MaxChunkSize
		if end > len(runes) {
			end = len(runes)
		}
		pieces = append(pieces, piece{title: title, titleChain: titleChain, content: string(runes[start:end])})
		if end == len(runes) {
			break
		}
	}
	return pieces
}

// splitBySentences accumulates whole sentences up to the size limit.
func (s *Splitter) splitBySentences(text string) []piece {
	matches := sentencePattern.FindAllStringSubmatch(text, -1)
	var units []string
	consumed := 0
	for _, m := range matches {
		units = append(units, strings.TrimSpace(m[1]))
		consumed += len(m[0])
	}
	// Trailing text without a sentence ender is its own unit.
	if rest := strings.TrimSpace(text[consumed:]); rest != "" {
		units = append(units, rest)
	}
	if len(units) == 0 {
		units = []string{strings.TrimSpace(text)}
	}
	return s.accumulate(units, " ", "", "")
}

// splitByParagraphs accumulates blank-line-delimited paragraphs up to
// the size limit.
func (s *Splitter) splitByParagraphs(text, title, titleChain string) []piece {
	var units []string
	for _, para := range strings.Split(text, "\n\n") {
		para = strings.TrimSpace(para)
		if para != "" {
			units = append(units, para)
		}
	}
	return s.accumulate(units, "\n\n", title, titleChain)
}

// accumulate greedily packs units into pieces bounded by MaxChunkSize.
// A single oversized unit falls back to size splitting.
func (s *Splitter) accumulate(units []string, sep, title, titleChain string) []piece {
	var pieces []piece
	var b strings.Builder

	flush := func() {
		if b.Len() > 0 {
			pieces = append(pieces, piece{title: title, titleChain: titleChain, content: b.String()})
			b.Reset()
		}
	}

	for _, unit := range units {
		if len([]rune(unit)) > s.opts.MaxChunkSize {
			flush()
			pieces = append(pieces, s.splitBySize(unit, title, titleChain)...)
			continue
		}
		if b.Len() > 0 && len([]rune(b.String()))+len([]rune(sep))+len([]rune(unit)) > s.opts.MaxChunkSize {
			flush()
		}
		if b.Len() > 0 {
			b.WriteString(sep)
		}
		b.WriteString(unit)
	}
	flush()
	return pieces
}

// section is a heading-delimited region of the document.
type section struct {
	title      string
	titleChain string
	content    string
}

// splitByHeadings emits one chunk per heading-delimited section.
// Sections exceeding the size limit are recursively split by size,
// keeping the section's heading chain on every resulting chunk.
func (s *Splitter) splitByHeadings(text string) []piece {
	sections := parseSections(text)

	var pieces []piece
	for _, sec := range sections {
		content := strings.TrimSpace(sec.content)
		if content == "" {
			continue
		}
		if len([]rune(content)) <= s.opts.MaxChunkSize {
			pieces = append(pieces, piece{title: sec.title, titleChain: sec.titleChain, content: content})
			continue
		}
		pieces = append(pieces, s.splitBySize(content, sec.title, sec.titleChain)...)
	}
	return pieces
}

// parseSections walks the document line by line, tracking the heading
// hierarchy to build title chains.
func parseSections(text string) []section {
	lines := strings.Split(text, "\n")
	headingStack := make([]string, 6)

	var sections []section
	var current section
	var b strings.Builder

	flush := func() {
		current.content = b.String()
		sections = append(sections, current)
		b.Reset()
	}

	started := false
	for _, line := range lines {
		if m := headingPattern.FindStringSubmatch(line); m != nil {
			if started {
				flush()
			}
			started = true

			level := len(m[1])
			title := strings.TrimSpace(m[2])

			// Clear deeper levels, then record this heading.
			headingStack[level-1] = title
			for i := level; i < 6; i++ {
				headingStack[i] = ""
			}
			var parts []string
			for i := 0; i < level; i++ {
				if headingStack[i] != "" {
					parts = append(parts, headingStack[i])
				}
			}

			current = section{title: title, titleChain: strings.Join(parts, " > ")}
			continue
		}

		if !started {
			// Preamble before the first heading has no title context.
			started = true
			current = section{}
		}
		b.WriteString(line)
		b.WriteString("\n")
	}
	if started {
		flush()
	}
	return sections
}
