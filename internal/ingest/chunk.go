package ingest

import (
	"regexp"
	"strings"
)

const (
	defaultMaxChunkSize = 2000
	defaultChunkOverlap = 200
)

var paragraphBreak = regexp.MustCompile(`\n[ \t]*\n`)

// chunkText splits text into chunks of at most max runes, packing whole
// paragraphs where possible and hard-splitting paragraphs that alone
// exceed the limit. Consecutive chunks share overlap runes so a
// statement cut at a boundary still embeds on both sides.
func chunkText(text string, max, overlap int) []string {
	if max <= 0 {
		max = defaultMaxChunkSize
	}
	if overlap < 0 || overlap >= max {
		overlap = 0
	}

	var chunks []string
	var cur []rune
	carried := 0

	// emit flushes the current chunk and seeds the next one with the
	// overlap tail. carried marks how much of cur is seed, not content.
	emit := func() {
		if len(cur) > carried {
			chunks = append(chunks, string(cur))
		}
		if overlap > 0 && len(cur) > overlap {
			cur = append([]rune(nil), cur[len(cur)-overlap:]...)
		}
		carried = len(cur)
	}

	for _, p := range splitParagraphs(text) {
		pr := []rune(p)

		if len(pr) >= max {
			if len(cur) > carried {
				chunks = append(chunks, string(cur))
			}
			cur, carried = nil, 0
			step := max - overlap
			for start := 0; ; start += step {
				end := start + max
				if end >= len(pr) {
					chunks = append(chunks, string(pr[start:]))
					break
				}
				chunks = append(chunks, string(pr[start:end]))
			}
			continue
		}

		if len(cur) > 0 && len(cur)+2+len(pr) > max {
			emit()
			// The carried overlap itself may leave no room; drop it.
			if len(cur)+2+len(pr) > max {
				cur, carried = nil, 0
			}
		}
		if len(cur) > 0 {
			cur = append(cur, '\n', '\n')
		}
		cur = append(cur, pr...)
	}

	if len(cur) > carried {
		chunks = append(chunks, string(cur))
	}
	return chunks
}

// splitParagraphs breaks text on blank lines, trimming and dropping
// empty segments. Windows line endings are normalized first.
func splitParagraphs(text string) []string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	var paras []string
	for _, p := range paragraphBreak.Split(text, -1) {
		if p = strings.TrimSpace(p); p != "" {
			paras = append(paras, p)
		}
	}
	return paras
}
