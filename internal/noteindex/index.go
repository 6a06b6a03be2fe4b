// Package noteindex maintains the full-text index over note events. The
// index lives in memory: a storage engine rebuilds it wholesale from the log
// when it opens and updates it synchronously on every note append, so a
// search immediately following an append finds the new note and post-restart
// results always agree with the log.
package noteindex

import (
	"sort"
	"strings"
	"sync"
	"time"
	"unicode"

	"worklog-go/internal/model"
)

// Index is safe for concurrent use.
type Index struct {
	mu       sync.RWMutex
	notes    map[string][]model.NoteView
	postings map[string]map[string][]int
}

func New() *Index {
	return &Index{
		notes:    make(map[string][]model.NoteView),
		postings: make(map[string]map[string][]int),
	}
}

// Add indexes one note. Notes must be added in log order; Search returns
// matches in the order they were added.
func (ix *Index) Add(user string, ts time.Time, dir, text string) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	pos := len(ix.notes[user])
	ix.notes[user] = append(ix.notes[user], model.NoteView{
		User:      user,
		Timestamp: ts,
		Dir:       dir,
		Text:      text,
	})

	byToken := ix.postings[user]
	if byToken == nil {
		byToken = make(map[string][]int)
		ix.postings[user] = byToken
	}
	for _, tok := range tokenize(text) {
		byToken[tok] = append(byToken[tok], pos)
	}
}

// Search returns the user's notes matching term, in log order, each with its
// original timestamp. A note matches when it contains every token of the
// term; multi-token terms must additionally appear verbatim
// (case-insensitively) in the note text.
func (ix *Index) Search(user, term string) []model.NoteView {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	tokens := tokenize(term)
	if len(tokens) == 0 {
		return nil
	}

	counts := make(map[int]int)
	byToken := ix.postings[user]
	for _, tok := range tokens {
		for _, pos := range byToken[tok] {
			counts[pos]++
		}
	}

	var hits []int
	for pos, n := range counts {
		if n == len(tokens) {
			hits = append(hits, pos)
		}
	}
	sort.Ints(hits)

	needle := strings.ToLower(term)
	notes := ix.notes[user]
	var out []model.NoteView
	for _, pos := range hits {
		note := notes[pos]
		if len(tokens) > 1 && !strings.Contains(strings.ToLower(note.Text), needle) {
			continue
		}
		out = append(out, note)
	}
	return out
}

// tokenize lowercases the text and splits it on anything that is not a
// letter or a digit, deduplicating the result.
func tokenize(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
	seen := make(map[string]bool, len(fields))
	tokens := fields[:0]
	for _, f := range fields {
		if seen[f] {
			continue
		}
		seen[f] = true
		tokens = append(tokens, f)
	}
	return tokens
}
