// Package speech implements the speech synthesizer stage: scripts are split
// into utterance-sized chunks, each chunk is rendered to audio by the TTS
// model, and the chunks are joined back into one continuous track.
package speech

import (
	"strings"
	"unicode"
)

// Sentence terminators recognised by the splitter. CJK full stops are included
// because voice-cloning scripts are not restricted to Latin text.
const sentenceTerminators = ".!?。！？"

// SplitSentences breaks text into sentences on terminal punctuation and
// newlines. Terminators stay attached to their sentence; whitespace-only
// fragments are dropped.
func SplitSentences(text string) []string {
	var (
		sentences []string
		builder   strings.Builder
	)

	flush := func() {
		sentence := strings.TrimSpace(builder.String())
		if sentence != "" {
			sentences = append(sentences, sentence)
		}

		builder.Reset()
	}

	for _, r := range text {
		if r == '\n' {
			flush()

			continue
		}

		builder.WriteRune(r)

		if strings.ContainsRune(sentenceTerminators, r) {
			flush()
		}
	}

	flush()

	return sentences
}

// ChunkScript packs sentences into chunks no longer than maxChars, preserving
// sentence order. Sentences longer than maxChars are split on word boundaries;
// a single word longer than maxChars becomes its own chunk rather than being
// cut mid-word.
func ChunkScript(text string, maxChars int) []string {
	sentences := SplitSentences(text)
	if len(sentences) == 0 {
		return nil
	}

	var (
		chunks  []string
		current strings.Builder
	)

	flush := func() {
		if current.Len() > 0 {
			chunks = append(chunks, current.String())
			current.Reset()
		}
	}

	for _, sentence := range sentences {
		if len(sentence) > maxChars {
			flush()

			chunks = append(chunks, splitLongSentence(sentence, maxChars)...)

			continue
		}

		if current.Len() > 0 && current.Len()+1+len(sentence) > maxChars {
			flush()
		}

		if current.Len() > 0 {
			current.WriteByte(' ')
		}

		current.WriteString(sentence)
	}

	flush()

	return chunks
}

// splitLongSentence breaks an oversized sentence on word boundaries.
func splitLongSentence(sentence string, maxChars int) []string {
	words := strings.FieldsFunc(sentence, unicode.IsSpace)

	var (
		parts   []string
		current strings.Builder
	)

	for _, word := range words {
		if current.Len() > 0 && current.Len()+1+len(word) > maxChars {
			parts = append(parts, current.String())
			current.Reset()
		}

		if current.Len() > 0 {
			current.WriteByte(' ')
		}

		current.WriteString(word)
	}

	if current.Len() > 0 {
		parts = append(parts, current.String())
	}

	return parts
}
