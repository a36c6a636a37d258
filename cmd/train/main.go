// arae-train: trains an adversarially regularized autoencoder for
// unaligned style transfer between two text corpora.
//
// Usage:
//
//	arae-train --data_path=data/yelp --outf=yelp_run --epochs=15 --he_probe=64
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"arae/corpus"
	"arae/history"
	"arae/trainer"
	"arae/utils"

	"github.com/klauspost/cpuid/v2"
	"github.com/sirupsen/logrus"
	"golang.org/x/exp/rand"
)

func main() {
	cfg := utils.DefaultConfig()
	cfg.RegisterFlags(flag.CommandLine)
	verbose := flag.Bool("verbose", true, "Print timing statistics at exit")
	flag.Parse()
	utils.Verbose = *verbose

	if err := run(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(cfg *utils.Config) error {
	if err := utils.ValidateConfig(cfg); err != nil {
		return err
	}
	ctx, stop := interruptContext(context.Background())
	defer stop()

	// Every run starts from an empty output directory.
	if err := os.RemoveAll(cfg.OutF); err != nil {
		return err
	}
	if err := os.MkdirAll(cfg.OutF, 0o755); err != nil {
		return err
	}
	logFile, err := os.Create(filepath.Join(cfg.OutF, "logs.txt"))
	if err != nil {
		return err
	}
	defer logFile.Close()
	out := io.MultiWriter(os.Stdout, logFile)
	utils.Output = out

	log := logrus.New()
	log.SetOutput(out)
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if cfg.Debug {
		log.SetLevel(logrus.DebugLevel)
	}
	log.WithFields(logrus.Fields{
		"cpu":     cpuid.CPU.BrandName,
		"cores":   cpuid.CPU.PhysicalCores,
		"avx2":    cpuid.CPU.Supports(cpuid.AVX2),
		"avx512f": cpuid.CPU.Supports(cpuid.AVX512F),
	}).Info("host")

	opts := corpus.Options{
		MaxLen:    cfg.MaxLen,
		VocabSize: cfg.VocabSize,
		Lowercase: cfg.Lowercase,
		Debug:     cfg.Debug,
	}
	if cfg.LoadVocab != "" {
		if opts.Vocab, err = corpus.LoadDictionary(cfg.LoadVocab); err != nil {
			return fmt.Errorf("load vocab: %w", err)
		}
	}
	c, err := corpus.Load(cfg.DataPath, opts)
	if err != nil {
		return err
	}
	if c.Truncated > 0 {
		log.WithField("sentences", c.Truncated).Warn("truncated sentences longer than maxlen")
	}
	cfg.NTokens = c.Dictionary.Len()
	if err := c.Dictionary.Save(filepath.Join(cfg.OutF, "vocab.json")); err != nil {
		return err
	}
	if err := utils.SaveConfig(filepath.Join(cfg.OutF, "args.json"), cfg); err != nil {
		return err
	}
	log.WithFields(logrus.Fields{
		"data_path": cfg.DataPath,
		"ntokens":   cfg.NTokens,
		"outf":      cfg.OutF,
	}).Info("corpus loaded")

	store, err := history.Open(filepath.Join(cfg.OutF, "history.sqlite"))
	if err != nil {
		return err
	}
	defer store.Close()

	tr, err := trainer.NewTrainer(cfg, c, log, store, rand.NewSource(uint64(cfg.Seed)))
	if err != nil {
		return err
	}
	runErr := tr.Run(ctx)
	utils.PrintTimingStats(&tr.Stats, tr.State.GlobalIter)
	return runErr
}

// interruptContext is cancelled by the first SIGINT or SIGTERM. The handler
// is then released, so a second signal during the final evaluation kills
// the process.
func interruptContext(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-ctx.Done()
		stop()
	}()
	return ctx, stop
}
