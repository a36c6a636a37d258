package corpus

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
)

// Reserved token ids. Pad doubles as the loss mask value.
const (
	Pad = 0
	Sos = 1
	Eos = 2
	Oov = 3
)

var specials = []string{"<pad>", "<sos>", "<eos>", "<oov>"}

// Dictionary maps words to ids and back.
type Dictionary struct {
	Word2Idx map[string]int
	Idx2Word []string
	counts   map[string]int
}

// NewDictionary returns a dictionary holding only the reserved tokens.
func NewDictionary() *Dictionary {
	d := &Dictionary{Word2Idx: map[string]int{}, counts: map[string]int{}}
	for _, w := range specials {
		d.insert(w)
	}
	return d
}

// FromMap rebuilds a dictionary from a word→id document such as vocab.json.
// Ids must be dense from 0 and the reserved tokens must keep their ids.
func FromMap(m map[string]int) (*Dictionary, error) {
	words := make([]string, len(m))
	for w, id := range m {
		if id < 0 || id >= len(m) {
			return nil, fmt.Errorf("vocabulary id %d for %q out of range [0,%d)", id, w, len(m))
		}
		if words[id] != "" {
			return nil, fmt.Errorf("vocabulary id %d assigned twice (%q, %q)", id, words[id], w)
		}
		words[id] = w
	}
	for id, w := range specials {
		if id >= len(words) || words[id] != w {
			return nil, fmt.Errorf("vocabulary must map %s to %d", w, id)
		}
	}
	d := &Dictionary{Word2Idx: map[string]int{}, counts: map[string]int{}}
	for _, w := range words {
		d.insert(w)
	}
	return d, nil
}

func (d *Dictionary) insert(w string) {
	if _, ok := d.Word2Idx[w]; ok {
		return
	}
	d.Word2Idx[w] = len(d.Idx2Word)
	d.Idx2Word = append(d.Idx2Word, w)
}

// Count records one occurrence of w for a later Prune.
func (d *Dictionary) Count(w string) {
	d.counts[w]++
}

// Prune rebuilds the id table from the k most frequent counted words.
// Ties are broken alphabetically so the table is deterministic.
func (d *Dictionary) Prune(k int) {
	words := make([]string, 0, len(d.counts))
	for w := range d.counts {
		if isSpecial(w) {
			continue
		}
		words = append(words, w)
	}
	sort.Slice(words, func(i, j int) bool {
		ci, cj := d.counts[words[i]], d.counts[words[j]]
		if ci != cj {
			return ci > cj
		}
		return words[i] < words[j]
	})
	if k >= 0 && len(words) > k {
		words = words[:k]
	}
	d.Word2Idx = map[string]int{}
	d.Idx2Word = nil
	for _, w := range specials {
		d.insert(w)
	}
	for _, w := range words {
		d.insert(w)
	}
}

func isSpecial(w string) bool {
	for _, s := range specials {
		if s == w {
			return true
		}
	}
	return false
}

// Len is the number of ids, reserved tokens included.
func (d *Dictionary) Len() int { return len(d.Idx2Word) }

// ID returns the id of w, or Oov.
func (d *Dictionary) ID(w string) int {
	if id, ok := d.Word2Idx[w]; ok {
		return id
	}
	return Oov
}

// Words maps ids back to words.
func (d *Dictionary) Words(ids []int) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		if id >= 0 && id < len(d.Idx2Word) {
			out[i] = d.Idx2Word[id]
		} else {
			out[i] = specials[Oov]
		}
	}
	return out
}

// Save writes the word→id table as JSON.
func (d *Dictionary) Save(path string) error {
	data, err := json.Marshal(d.Word2Idx)
	if err != nil {
		return fmt.Errorf("failed to marshal vocabulary: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}

// LoadDictionary reads a word→id JSON table.
func LoadDictionary(path string) (*Dictionary, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read vocabulary: %w", err)
	}
	var m map[string]int
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to unmarshal vocabulary: %w", err)
	}
	return FromMap(m)
}
