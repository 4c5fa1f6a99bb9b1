package keyword

import (
	"sort"
	"strings"
)

// TermDictionary exposes the vocabulary of an index.
type TermDictionary interface {
	// Terms returns every indexed term with the number of entries holding it.
	Terms() (map[string]int, error)
	// Analyze splits text into terms the way indexed text is analyzed.
	Analyze(text string) []string
}

// Suggestion is a dictionary term close to a query term.
type Suggestion struct {
	Term      string
	Distance  int
	Frequency int
}

// SpellChecker proposes corrections for query terms missing from a dictionary.
type SpellChecker struct {
	dict        TermDictionary
	maxDistance int
	minLength   int
	minFreq     int
}

// SpellCheckerOption configures a SpellChecker.
type SpellCheckerOption func(*SpellChecker)

// WithMaxDistance sets the largest edit distance a suggestion may have.
func WithMaxDistance(d int) SpellCheckerOption {
	return func(s *SpellChecker) {
		if d > 0 {
			s.maxDistance = d
		}
	}
}

// WithMinFrequency ignores dictionary terms held by fewer than f entries.
func WithMinFrequency(f int) SpellCheckerOption {
	return func(s *SpellChecker) {
		if f > 0 {
			s.minFreq = f
		}
	}
}

// NewSpellChecker creates a SpellChecker over dict. Terms shorter than three
// runes are never corrected.
func NewSpellChecker(dict TermDictionary, opts ...SpellCheckerOption) *SpellChecker {
	s := &SpellChecker{dict: dict, maxDistance: 2, minLength: 3, minFreq: 1}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Correct returns query with every unknown term replaced by its best
// suggestion. ok is false when nothing was replaced.
func (s *SpellChecker) Correct(query string) (corrected string, ok bool, err error) {
	terms := s.dict.Analyze(query)
	if len(terms) == 0 {
		return "", false, nil
	}
	vocab, err := s.dict.Terms()
	if err != nil {
		return "", false, err
	}
	out := make([]string, len(terms))
	for i, term := range terms {
		out[i] = term
		if _, known := vocab[term]; known || len([]rune(term)) < s.minLength {
			continue
		}
		if sug := s.suggest(term, vocab); len(sug) > 0 {
			out[i] = sug[0].Term
			ok = true
		}
	}
	if !ok {
		return "", false, nil
	}
	return strings.Join(out, " "), true, nil
}

// Suggest lists dictionary terms within the edit distance of term, closest
// first, then most frequent, then alphabetical.
func (s *SpellChecker) Suggest(term string) ([]Suggestion, error) {
	vocab, err := s.dict.Terms()
	if err != nil {
		return nil, err
	}
	return s.suggest(strings.ToLower(term), vocab), nil
}

func (s *SpellChecker) suggest(term string, vocab map[string]int) []Suggestion {
	var out []Suggestion
	for cand, freq := range vocab {
		if cand == term || freq < s.minFreq {
			continue
		}
		if d := EditDistance(term, cand, s.maxDistance); d <= s.maxDistance {
			out = append(out, Suggestion{Term: cand, Distance: d, Frequency: freq})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Distance != b.Distance {
			return a.Distance < b.Distance
		}
		if a.Frequency != b.Frequency {
			return a.Frequency > b.Frequency
		}
		return a.Term < b.Term
	})
	return out
}
