package knowledge

import "strings"

// Chunking defaults, in whitespace-delimited words. Word counts approximate
// model tokens closely enough for retrieval windows.
const (
	DefaultChunkTokens  = 700
	DefaultChunkOverlap = 80
)

// Chunk is one retrieval window cut from a document.
type Chunk struct {
	Seq        int
	Content    string
	TokenCount int
}

// SplitText cuts text into overlapping word windows of at most maxTokens
// words. Windows prefer to end on a paragraph boundary when one falls in the
// back half of the window, so coherent sections stay together. Consecutive
// windows share the trailing overlap words.
func SplitText(text string, maxTokens, overlap int) []Chunk {
	if maxTokens <= 0 {
		maxTokens = DefaultChunkTokens
	}
	if overlap < 0 {
		overlap = 0
	}
	if overlap >= maxTokens {
		overlap = maxTokens / 4
	}

	words, paragraphEnd := tokenize(text)
	if len(words) == 0 {
		return nil
	}

	var chunks []Chunk
	start := 0
	for start < len(words) {
		end := start + maxTokens
		if end >= len(words) {
			end = len(words)
		} else {
			for i := end; i > start+maxTokens/2; i-- {
				if paragraphEnd[i-1] {
					end = i
					break
				}
			}
		}

		chunks = append(chunks, Chunk{
			Seq:        len(chunks),
			Content:    render(words, paragraphEnd, start, end),
			TokenCount: end - start,
		})

		if end == len(words) {
			break
		}
		next := end - overlap
		if next <= start {
			next = start + 1
		}
		start = next
	}

	return chunks
}

// tokenize flattens the text into words, remembering which words close a
// paragraph.
func tokenize(text string) ([]string, []bool) {
	var (
		words        []string
		paragraphEnd []bool
	)
	for _, paragraph := range splitParagraphs(text) {
		fields := strings.Fields(paragraph)
		for i, word := range fields {
			words = append(words, word)
			paragraphEnd = append(paragraphEnd, i == len(fields)-1)
		}
	}
	return words, paragraphEnd
}

func splitParagraphs(text string) []string {
	lines := strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n")

	var (
		paragraphs []string
		current    []string
	)
	flush := func() {
		if len(current) > 0 {
			paragraphs = append(paragraphs, strings.Join(current, "\n"))
			current = current[:0]
		}
	}
	for _, line := range lines {
		if strings.TrimSpace(line) == "" {
			flush()
			continue
		}
		current = append(current, line)
	}
	flush()

	return paragraphs
}

// render joins a word range back into text, restoring paragraph breaks.
func render(words []string, paragraphEnd []bool, start, end int) string {
	var b strings.Builder
	for i := start; i < end; i++ {
		if i > start {
			if paragraphEnd[i-1] {
				b.WriteString("\n\n")
			} else {
				b.WriteByte(' ')
			}
		}
		b.WriteString(words[i])
	}
	return b.String()
}
