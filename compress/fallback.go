package compress

import "fmt"

// fallbackCompress keeps a fixed head and tail slice of the text and marks
// the gap with an approximate count of dropped units. It is non-semantic
// but guarantees the compression step terminates when the summarization
// model is unavailable.
func (c *Compressor) fallbackCompress(text string, maxTokens int) string {
	if codec, ok := c.est.(*TiktokenEstimator); ok {
		tokens := codec.Encode(text)
		keep := maxTokens / 10
		if len(tokens) <= 2*keep {
			return text
		}
		omitted := len(tokens) - 2*keep
		return fmt.Sprintf("%s\n\n[... ~%d tokens omitted ...]\n\n%s",
			codec.Decode(tokens[:keep]), omitted, codec.Decode(tokens[len(tokens)-keep:]))
	}

	// No tokenizer: approximate by characters.
	keep := maxTokens * charsPerToken / 10
	if len(text) <= 2*keep {
		return text
	}
	omitted := len(text) - 2*keep
	return fmt.Sprintf("%s\n\n[... ~%d characters omitted ...]\n\n%s",
		text[:keep], omitted, text[len(text)-keep:])
}
