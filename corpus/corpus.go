// Package corpus reads the two training and two validation text files,
// builds the shared vocabulary and cuts sentences into padded batches.
package corpus

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrEmptyCorpus is returned when a corpus file holds no usable sentence.
var ErrEmptyCorpus = errors.New("corpus file has no sentences")

// Split names the four input files under the data directory.
type Split string

const (
	Train1 Split = "train1"
	Train2 Split = "train2"
	Valid1 Split = "valid1"
	Valid2 Split = "valid2"
)

// Options controls tokenisation and vocabulary construction.
type Options struct {
	MaxLen    int         // longest source/target length, <sos>/<eos> included
	VocabSize int         // words kept besides the reserved tokens
	Lowercase bool
	Vocab     *Dictionary // prebuilt vocabulary; skips counting and pruning
	// Debug reads only the validation files and trains on them.
	Debug bool
}

// Corpus holds id sequences of the form <sos> w1 ... wn <eos>.
type Corpus struct {
	Dictionary *Dictionary
	Data       map[Split][][]int
	// Truncated counts sentences cut down to MaxLen.
	Truncated int
}

// Load reads <dataPath>/{train1,train2,valid1,valid2}.txt.
func Load(dataPath string, opts Options) (*Corpus, error) {
	if opts.MaxLen < 2 {
		return nil, fmt.Errorf("maxlen must be at least 2, got %d", opts.MaxLen)
	}
	splits := []Split{Valid1, Valid2, Train1, Train2}
	if opts.Debug {
		splits = splits[:2]
	}
	raw := make(map[Split][][]string, len(splits))
	for _, s := range splits {
		lines, err := readLines(filepath.Join(dataPath, string(s)+".txt"), opts.Lowercase)
		if err != nil {
			return nil, err
		}
		raw[s] = lines
	}

	dict := opts.Vocab
	if dict == nil {
		dict = NewDictionary()
		vocabSplits := []Split{Train1, Train2}
		if opts.Debug {
			vocabSplits = []Split{Valid1, Valid2}
		}
		for _, s := range vocabSplits {
			for _, words := range raw[s] {
				for _, w := range words {
					dict.Count(w)
				}
			}
		}
		dict.Prune(opts.VocabSize)
	}

	c := &Corpus{Dictionary: dict, Data: make(map[Split][][]int, 4)}
	for _, s := range splits {
		c.Data[s] = c.index(raw[s], opts.MaxLen)
	}
	if opts.Debug {
		c.Data[Train1] = c.Data[Valid1]
		c.Data[Train2] = c.Data[Valid2]
	}
	return c, nil
}

// Encode turns one line of text into <sos> ... <eos> ids, truncated to maxLen.
func (c *Corpus) Encode(line string, maxLen int, lowercase bool) []int {
	if lowercase {
		line = strings.ToLower(line)
	}
	ids, _ := encode(c.Dictionary, strings.Fields(line), maxLen)
	return ids
}

func (c *Corpus) index(lines [][]string, maxLen int) [][]int {
	out := make([][]int, 0, len(lines))
	for _, words := range lines {
		ids, cut := encode(c.Dictionary, words, maxLen)
		if cut {
			c.Truncated++
		}
		out = append(out, ids)
	}
	return out
}

// encode keeps at most maxLen-1 words so that len(ids)-1 <= maxLen.
func encode(d *Dictionary, words []string, maxLen int) ([]int, bool) {
	cut := false
	if len(words) > maxLen-1 {
		words = words[:maxLen-1]
		cut = true
	}
	ids := make([]int, 0, len(words)+2)
	ids = append(ids, Sos)
	for _, w := range words {
		ids = append(ids, d.ID(w))
	}
	return append(ids, Eos), cut
}

func readLines(path string, lowercase bool) ([][]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open corpus: %w", err)
	}
	defer f.Close()

	var out [][]string
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Text()
		if lowercase {
			line = strings.ToLower(line)
		}
		words := strings.Fields(line)
		if len(words) == 0 {
			continue
		}
		out = append(out, words)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%s: %w", path, ErrEmptyCorpus)
	}
	return out, nil
}
