// Package vocab builds and persists the caption vocabulary, including the
// special tokens used by the captioning model: <NULL> for padding, <START> to
// begin decoding, <END> to terminate a caption, and <UNK> for words outside
// the training set.
package vocab

import (
	"encoding/gob"
	"fmt"
	"os"
	"sort"
	"strings"
)

const (
	NullToken    = "<NULL>"
	StartToken   = "<START>"
	EndToken     = "<END>"
	UnknownToken = "<UNK>"
)

// Vocabulary maps caption words to token IDs and back.
type Vocabulary struct {
	WordToToken map[string]int
	TokenToWord map[int]string
	NullID      int
	StartID     int
	EndID       int
	UnknownID   int
}

// New creates an empty vocabulary holding only the special tokens.
func New() *Vocabulary {
	v := &Vocabulary{
		WordToToken: make(map[string]int),
		TokenToWord: make(map[int]string),
	}
	v.NullID = v.addWord(NullToken)
	v.StartID = v.addWord(StartToken)
	v.EndID = v.addWord(EndToken)
	v.UnknownID = v.addWord(UnknownToken)
	return v
}

// Build constructs a vocabulary from a corpus of captions, keeping every word
// that occurs at least minCount times. Words are added in a deterministic
// order so that repeated builds over the same corpus produce identical IDs.
func Build(captions []string, minCount int) *Vocabulary {
	if minCount < 1 {
		minCount = 1
	}
	counts := make(map[string]int)
	for _, caption := range captions {
		for _, word := range Tokenize(caption) {
			counts[word]++
		}
	}

	kept := make([]string, 0, len(counts))
	for word, count := range counts {
		if count >= minCount {
			kept = append(kept, word)
		}
	}
	sort.Strings(kept)

	v := New()
	for _, word := range kept {
		v.addWord(word)
	}
	return v
}

func (v *Vocabulary) addWord(word string) int {
	if id, ok := v.WordToToken[word]; ok {
		return id
	}
	id := len(v.WordToToken)
	v.WordToToken[word] = id
	v.TokenToWord[id] = word
	return id
}

// Size returns the number of tokens, special tokens included.
func (v *Vocabulary) Size() int {
	return len(v.WordToToken)
}

// TokenID returns the ID for a word, falling back to the unknown token.
func (v *Vocabulary) TokenID(word string) int {
	if id, ok := v.WordToToken[word]; ok {
		return id
	}
	return v.UnknownID
}

// Tokenize lowercases a caption and splits it on whitespace, stripping
// surrounding punctuation from each word.
func Tokenize(caption string) []string {
	fields := strings.Fields(strings.ToLower(caption))
	words := make([]string, 0, len(fields))
	for _, f := range fields {
		w := strings.Trim(f, ".,!?;:\"'()")
		if w != "" {
			words = append(words, w)
		}
	}
	return words
}

// Encode turns a caption into a fixed-length token sequence of the form
// [START, words..., END, NULL, ...]. Captions longer than maxLen-2 are
// truncated so the END token always fits.
func (v *Vocabulary) Encode(caption string, maxLen int) ([]int, error) {
	if maxLen < 2 {
		return nil, fmt.Errorf("caption length %d cannot hold the start and end tokens", maxLen)
	}
	words := Tokenize(caption)
	if len(words) > maxLen-2 {
		words = words[:maxLen-2]
	}

	ids := make([]int, 0, maxLen)
	ids = append(ids, v.StartID)
	for _, word := range words {
		ids = append(ids, v.TokenID(word))
	}
	ids = append(ids, v.EndID)
	for len(ids) < maxLen {
		ids = append(ids, v.NullID)
	}
	return ids, nil
}

// Decode turns a token sequence back into a caption, stopping at the first
// END token and skipping the remaining special tokens.
func (v *Vocabulary) Decode(ids []int) string {
	words := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == v.EndID {
			break
		}
		if id == v.StartID || id == v.NullID {
			continue
		}
		word, ok := v.TokenToWord[id]
		if !ok {
			word = UnknownToken
		}
		words = append(words, word)
	}
	return strings.Join(words, " ")
}

// Save writes the vocabulary to a gob file.
func (v *Vocabulary) Save(filePath string) error {
	file, err := os.Create(filePath)
	if err != nil {
		return fmt.Errorf("failed to create vocabulary file %s: %w", filePath, err)
	}
	defer file.Close()

	if err := gob.NewEncoder(file).Encode(v); err != nil {
		return fmt.Errorf("failed to encode vocabulary: %w", err)
	}
	return nil
}

// Load reads a vocabulary from a gob file.
func Load(filePath string) (*Vocabulary, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open vocabulary file %s: %w", filePath, err)
	}
	defer file.Close()

	v := new(Vocabulary)
	if err := gob.NewDecoder(file).Decode(v); err != nil {
		return nil, fmt.Errorf("failed to decode vocabulary: %w", err)
	}
	return v, nil
}
