package embedding

import (
	"hash/fnv"
	"strings"
	"unicode"
)

// Tokenizer produces token IDs for BERT-style models (input_ids, attention_mask, token_type_ids).
type Tokenizer interface {
	Tokenize(text string, maxTokens int) (inputIDs, attentionMask, tokenTypeIDs []int64)
}

// SimpleTokenizer is a term tokenizer with hash-based vocabulary ids. It only
// approximates WordPiece and is used when no vocabulary file is shipped with the model.
type SimpleTokenizer struct{}

const (
	tokenCLS   = 101
	tokenSEP   = 102
	vocabRange = 30000
	vocabFloor = 1000
)

// Tokenize produces padded token ids up to maxTokens, framed by [CLS] and [SEP].
func (t *SimpleTokenizer) Tokenize(text string, maxTokens int) (inputIDs, attentionMask, tokenTypeIDs []int64) {
	if maxTokens <= 2 {
		maxTokens = 256
	}
	inputIDs = make([]int64, maxTokens)
	attentionMask = make([]int64, maxTokens)
	tokenTypeIDs = make([]int64, maxTokens)

	inputIDs[0] = tokenCLS
	attentionMask[0] = 1

	pos := 1
	for _, term := range Terms(text) {
		if pos >= maxTokens-1 {
			break
		}
		inputIDs[pos] = vocabFloor + int64(hashTerm(term)%(vocabRange-vocabFloor))
		attentionMask[pos] = 1
		pos++
	}
	inputIDs[pos] = tokenSEP
	attentionMask[pos] = 1
	return inputIDs, attentionMask, tokenTypeIDs
}

// Terms lower-cases text and splits it into runs of letters and digits. It
// returns nil when text holds no terms.
func Terms(text string) []string {
	terms := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
	if len(terms) == 0 {
		return nil
	}
	return terms
}

func hashTerm(s string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(s))
	return h.Sum64()
}
