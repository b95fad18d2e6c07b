package storage

import (
	"math"
	"sort"
	"strings"
	"sync"
	"unicode"
)

// BM25 parameters (standard values).
const (
	bm25K1 = 1.2  // term frequency saturation
	bm25B  = 0.75 // length normalization
)

// fulltextIndex is the per-tenant BM25 lexical index backing TextSearch.
// It is rebuilt from node rows on engine open and kept current on every
// create/refresh/delete, so lexical ranking always reflects committed state.
type fulltextIndex struct {
	mu sync.RWMutex

	documents     map[NodeID]string
	invertedIndex map[string]map[NodeID]int
	docLengths    map[NodeID]int

	docCount       int
	totalDocLength int64
	avgDocLength   float64
}

func newFulltextIndex() *fulltextIndex {
	return &fulltextIndex{
		documents:     make(map[NodeID]string),
		invertedIndex: make(map[string]map[NodeID]int),
		docLengths:    make(map[NodeID]int),
	}
}

// Index adds or replaces a document.
func (f *fulltextIndex) Index(id NodeID, text string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.removeLocked(id)

	tokens := tokenize(text)
	if len(tokens) == 0 {
		return
	}

	f.documents[id] = text
	f.docLengths[id] = len(tokens)
	f.docCount++
	f.totalDocLength += int64(len(tokens))

	termFreq := make(map[string]int, len(tokens))
	for _, tok := range tokens {
		termFreq[tok]++
	}
	for term, freq := range termFreq {
		if f.invertedIndex[term] == nil {
			f.invertedIndex[term] = make(map[NodeID]int)
		}
		f.invertedIndex[term][id] = freq
	}
	f.updateAvgDocLengthLocked()
}

// Remove deletes a document from the index.
func (f *fulltextIndex) Remove(id NodeID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removeLocked(id)
}

func (f *fulltextIndex) removeLocked(id NodeID) {
	text, ok := f.documents[id]
	if !ok {
		return
	}
	for _, tok := range tokenize(text) {
		if docs, ok := f.invertedIndex[tok]; ok {
			delete(docs, id)
			if len(docs) == 0 {
				delete(f.invertedIndex, tok)
			}
		}
	}
	f.totalDocLength -= int64(f.docLengths[id])
	delete(f.documents, id)
	delete(f.docLengths, id)
	f.docCount--
	f.updateAvgDocLengthLocked()
}

// Search returns BM25-scored matches, best first.
func (f *fulltextIndex) Search(query string, limit int) []TextMatch {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if f.docCount == 0 || limit <= 0 {
		return nil
	}
	queryTerms := tokenize(query)
	if len(queryTerms) == 0 {
		return nil
	}

	scores := make(map[NodeID]float64)
	for _, term := range queryTerms {
		docs, ok := f.invertedIndex[term]
		if !ok {
			continue
		}
		idf := f.idfLocked(term)
		for id, tf := range docs {
			docLen := float64(f.docLengths[id])
			num := float64(tf) * (bm25K1 + 1)
			den := float64(tf) + bm25K1*(1-bm25B+bm25B*(docLen/f.avgDocLength))
			scores[id] += idf * (num / den)
		}
	}

	results := make([]TextMatch, 0, len(scores))
	for id, score := range scores {
		results = append(results, TextMatch{ID: id, Score: score})
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].ID < results[j].ID // deterministic order for equal scores
	})
	if len(results) > limit {
		results = results[:limit]
	}
	return results
}

// idfLocked uses the Lucene BM25 IDF variant: log(1 + (N-df+0.5)/(df+0.5)),
// non-negative for common terms. Caller holds f.mu.
func (f *fulltextIndex) idfLocked(term string) float64 {
	df := float64(len(f.invertedIndex[term]))
	n := float64(f.docCount)
	idf := math.Log(1 + (n-df+0.5)/(df+0.5))
	if idf < 0 {
		return 0
	}
	return idf
}

func (f *fulltextIndex) updateAvgDocLengthLocked() {
	if f.docCount <= 0 {
		f.docCount = 0
		f.totalDocLength = 0
		f.avgDocLength = 0
		return
	}
	f.avgDocLength = float64(f.totalDocLength) / float64(f.docCount)
}

// tokenize lowercases, splits on non-alphanumerics, and drops one-char
// tokens and generic stop words. Domain terms are deliberately not filtered.
func tokenize(text string) []string {
	text = strings.ToLower(text)
	words := strings.FieldsFunc(text, func(c rune) bool {
		return !unicode.IsLetter(c) && !unicode.IsDigit(c)
	})
	var tokens []string
	for _, w := range words {
		if len(w) < 2 || stopWords[w] {
			continue
		}
		tokens = append(tokens, w)
	}
	return tokens
}

var stopWords = map[string]bool{
	"a": true, "an": true, "and": true, "are": true, "as": true,
	"at": true, "be": true, "by": true, "for": true, "from": true,
	"has": true, "have": true, "in": true, "is": true, "it": true,
	"its": true, "of": true, "on": true, "or": true, "that": true,
	"the": true, "to": true, "was": true, "were": true, "with": true,
	"this": true, "but": true, "they": true, "we": true, "been": true,
}
