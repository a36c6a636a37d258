// arae-transfer: rewrites sentences from stdin into the other style using a
// saved autoencoder checkpoint.
//
// Usage:
//
//	arae-transfer --outf=yelp_run --epoch=15 --from=1 < negative.txt
package main

import (
	"bufio"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"arae/corpus"
	"arae/models"
	"arae/trainer"
	"arae/utils"

	"golang.org/x/exp/rand"
)

var (
	outf   = flag.String("outf", "output", "Training output directory")
	epoch  = flag.Int("epoch", 1, "Checkpoint epoch to load")
	from   = flag.Int("from", 1, "Style of the input sentences (1 or 2)")
	sample = flag.Bool("sample", false, "Sample instead of greedy decoding")
	maxLen = flag.Int("gen_maxlen", 0, "Generation length (0 = value from args.json)")
)

func main() {
	flag.Parse()
	if err := run(os.Stdin, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(in io.Reader, out io.Writer) error {
	if *from != 1 && *from != 2 {
		return models.ErrBadDecoder
	}
	cfg, err := utils.LoadConfig(filepath.Join(*outf, "args.json"))
	if err != nil {
		return err
	}
	dict, err := corpus.LoadDictionary(filepath.Join(*outf, "vocab.json"))
	if err != nil {
		return err
	}
	ae, err := models.NewAutoencoder(models.AutoencoderConfig{
		NTokens:    dict.Len(),
		EmSize:     cfg.EmSize,
		NHidden:    cfg.NHidden,
		NLayers:    cfg.NLayers,
		HiddenInit: cfg.HiddenInit,
	}, rand.NewSource(uint64(cfg.Seed)))
	if err != nil {
		return err
	}
	weights := filepath.Join(*outf, trainer.CheckpointName("autoencoder", *epoch))
	if err := utils.LoadParams(weights, ae.Params()); err != nil {
		return err
	}
	n := cfg.GenMaxLen
	if *maxLen > 0 {
		n = *maxLen
	}

	c := &corpus.Corpus{Dictionary: dict}
	w := bufio.NewWriter(out)
	defer w.Flush()
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		b, err := corpus.NewBatch([][]int{c.Encode(line, cfg.MaxLen, cfg.Lowercase)})
		if err != nil {
			return err
		}
		enc, err := ae.Encode(b, models.EncodeOptions{})
		if err != nil {
			return err
		}
		generated, err := ae.Generate(3-*from, enc.Code, n, *sample, cfg.Temp)
		if err != nil {
			return err
		}
		fmt.Fprintln(w, render(dict, generated[0]))
	}
	return scanner.Err()
}

// render stops at <eos> and drops padding.
func render(d *corpus.Dictionary, ids []int) string {
	words := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == corpus.Eos {
			break
		}
		if id == corpus.Pad {
			continue
		}
		words = append(words, d.Words([]int{id})[0])
	}
	return strings.Join(words, " ")
}
