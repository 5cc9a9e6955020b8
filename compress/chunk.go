package compress

import "strings"

const actionCloseTag = "</action>"

// splitActionsXML splits rendered history XML into chunks of at most
// chunkTokens, cutting only on action boundaries. A single action larger
// than the chunk budget becomes its own chunk; the summarizer's own
// truncation handles it from there.
func splitActionsXML(xml string, chunkTokens int, est TokenEstimator) []string {
	blocks := strings.Split(xml, actionCloseTag)
	var actions []string
	for _, b := range blocks {
		if strings.TrimSpace(b) == "" {
			continue
		}
		actions = append(actions, b+actionCloseTag)
	}
	return packChunks(actions, "\n\n", chunkTokens, est)
}

// splitParagraphs splits free text into chunks of at most chunkTokens,
// preferring paragraph boundaries and hard-splitting a single paragraph that
// exceeds the budget on its own.
func splitParagraphs(text string, chunkTokens int, est TokenEstimator) []string {
	paragraphs := strings.Split(text, "\n\n")

	var units []string
	for _, para := range paragraphs {
		if est.Count(para) <= chunkTokens {
			units = append(units, para)
			continue
		}
		// Last resort: hard character split of one oversized paragraph.
		step := chunkTokens * charsPerToken
		if step < 1 {
			step = 1
		}
		for i := 0; i < len(para); i += step {
			end := i + step
			if end > len(para) {
				end = len(para)
			}
			units = append(units, para[i:end])
		}
	}
	return packChunks(units, "\n\n", chunkTokens, est)
}

// packChunks greedily packs units into chunks bounded by chunkTokens,
// preserving order. A unit over the budget on its own still forms a chunk.
func packChunks(units []string, sep string, chunkTokens int, est TokenEstimator) []string {
	var chunks []string
	var current []string
	currentTokens := 0

	for _, u := range units {
		tokens := est.Count(u)
		if currentTokens+tokens > chunkTokens && len(current) > 0 {
			chunks = append(chunks, strings.Join(current, sep))
			current = []string{u}
			currentTokens = tokens
			continue
		}
		current = append(current, u)
		currentTokens += tokens
	}
	if len(current) > 0 {
		chunks = append(chunks, strings.Join(current, sep))
	}
	return chunks
}
