package embedding

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"slices"
	"strings"
	"unicode"

	"gonum.org/v1/gonum/floats"
)

// TFIDFEmbedder is the offline fallback: a bag-of-words vector over the
// corpus's most widespread terms, weighted by smoothed inverse document
// frequency.
type TFIDFEmbedder struct {
	slot  map[string]int // term -> vector position
	idf   []float64      // weight per position
	dims  int
	model string
}

// NewTFIDFEmbedder builds the vocabulary from docs, keeping at most maxTerms
// terms (512 when maxTerms <= 0). Terms are ranked by how many documents
// contain them, ties broken alphabetically so rebuilding on the same corpus
// gives the same vector layout.
func NewTFIDFEmbedder(docs []string, maxTerms int) *TFIDFEmbedder {
	if maxTerms <= 0 {
		maxTerms = 512
	}

	docFreq := make(map[string]int)
	for _, doc := range docs {
		for term := range termCounts(tokenize(doc)) {
			docFreq[term]++
		}
	}
	vocab := make([]string, 0, len(docFreq))
	for term := range docFreq {
		vocab = append(vocab, term)
	}
	slices.SortFunc(vocab, func(a, b string) int {
		if d := docFreq[b] - docFreq[a]; d != 0 {
			return d
		}
		return strings.Compare(a, b)
	})
	if len(vocab) > maxTerms {
		vocab = vocab[:maxTerms]
	}

	e := &TFIDFEmbedder{
		slot: make(map[string]int, len(vocab)),
		idf:  make([]float64, len(vocab)),
		dims: max(len(vocab), 1),
	}
	h := fnv.New64a()
	n := float64(max(len(docs), 1))
	for i, term := range vocab {
		e.slot[term] = i
		e.idf[i] = 1 + math.Log(n/float64(docFreq[term]))
		h.Write([]byte(term))
		h.Write([]byte{0})
	}
	e.model = fmt.Sprintf("tfidf:%016x", h.Sum64())
	return e
}

// Model names the vector layout. It changes whenever the ordered vocabulary
// does, so vectors stored under an older vocabulary count as stale.
func (t *TFIDFEmbedder) Model() string { return t.model }

func (t *TFIDFEmbedder) Dimensions() int { return t.dims }

// Embed returns the unit-length TF-IDF vector of text. Term frequency is
// damped logarithmically so long pages do not dominate. Text with no
// vocabulary terms embeds to the zero vector.
func (t *TFIDFEmbedder) Embed(_ context.Context, text string) ([]float64, error) {
	vec := make([]float64, t.dims)
	for term, count := range termCounts(tokenize(text)) {
		i, ok := t.slot[term]
		if !ok {
			continue
		}
		vec[i] = (1 + math.Log(float64(count))) * t.idf[i]
	}
	normalize(vec)
	return vec, nil
}

func termCounts(tokens []string) map[string]int {
	counts := make(map[string]int, len(tokens))
	for _, tok := range tokens {
		counts[tok]++
	}
	return counts
}

// tokenize lowercases text and splits it on anything that is not a letter,
// digit, hyphen or underscore. Wikilink brackets and pipes fall away, so
// [[Target|alias]] contributes both words. Single-rune tokens are dropped.
func tokenize(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '-' && r != '_'
	})
	tokens := fields[:0]
	for _, f := range fields {
		if len([]rune(f)) > 1 {
			tokens = append(tokens, f)
		}
	}
	return tokens
}

// normalize scales vec to unit length in place. A zero vector is left as is.
func normalize(vec []float64) {
	if norm := floats.Norm(vec, 2); norm > 0 {
		floats.Scale(1/norm, vec)
	}
}
