package trainer

import (
	"bufio"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"arae/core/ckkswrapper"
	"arae/corpus"
	"arae/history"
	"arae/models"
	"arae/nn"
	"arae/split"
	"arae/tensor"
	"arae/utils"

	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/stat"
)

// EvalResult is the teacher-forced validation score of one decoder.
type EvalResult struct {
	Epoch    int
	Decoder  int
	Loss     float64 // mean of per-batch masked cross-entropy
	PPL      float64
	Acc      float64 // mean of per-batch token accuracy
	Examples int
}

// Evaluate scores decoder id on batches and writes, for every example, the
// target sentence to <epoch>_output_decoder_<id>_from.txt and the sentence
// generated from the same code by the other decoder to ..._tran.txt.
func (t *Trainer) Evaluate(id int, batches []*corpus.Batch, epoch int) (*EvalResult, error) {
	if err := checkID(id); err != nil {
		return nil, err
	}
	if len(batches) == 0 {
		return nil, fmt.Errorf("evaluate decoder %d: no batches", id)
	}
	other := 3 - id
	fromPath := filepath.Join(t.cfg.OutF, fmt.Sprintf("%d_output_decoder_%d_from.txt", epoch, id))
	tranPath := filepath.Join(t.cfg.OutF, fmt.Sprintf("%d_output_decoder_%d_tran.txt", epoch, id))
	fromFile, err := os.Create(fromPath)
	if err != nil {
		return nil, err
	}
	defer fromFile.Close()
	tranFile, err := os.Create(tranPath)
	if err != nil {
		return nil, err
	}
	defer tranFile.Close()
	from, tran := bufio.NewWriter(fromFile), bufio.NewWriter(tranFile)

	res := &EvalResult{Epoch: epoch, Decoder: id}
	losses := make([]float64, 0, len(batches))
	accs := make([]float64, 0, len(batches))
	for _, b := range batches {
		enc, err := t.AE.Encode(b, models.EncodeOptions{})
		if err != nil {
			return nil, err
		}
		logits, err := t.AE.Decode(id, enc, b)
		if err != nil {
			return nil, err
		}
		ce, err := t.ce.Masked(logits, b.FlatTargets())
		if err != nil {
			return nil, err
		}
		losses = append(losses, ce.Loss)
		accs = append(accs, ce.Accuracy())

		generated, err := t.AE.Generate(other, enc.Code, t.cfg.GenMaxLen, t.cfg.Sample, t.cfg.Temp)
		if err != nil {
			return nil, err
		}
		for i := range b.Target {
			fmt.Fprintln(from, t.sentence(b.Target[i]))
			fmt.Fprintln(tran, t.sentence(generated[i]))
		}
		res.Examples += b.Size()
	}
	if err := from.Flush(); err != nil {
		return nil, err
	}
	if err := tran.Flush(); err != nil {
		return nil, err
	}
	res.Loss = stat.Mean(losses, nil)
	res.Acc = stat.Mean(accs, nil)
	res.PPL = math.Exp(res.Loss)
	return res, nil
}

// sentence renders ids up to the first <eos>, dropping padding.
func (t *Trainer) sentence(ids []int) string {
	words := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == corpus.Eos {
			break
		}
		if id == corpus.Pad {
			continue
		}
		words = append(words, t.corpus.Dictionary.Words([]int{id})[0])
	}
	return strings.Join(words, " ")
}

// EvaluateBoth evaluates decoder 1 on valid1 and decoder 2 on valid2, each
// capped at maxExamples (0 = all), runs the encrypted probe when enabled
// and records the results.
func (t *Trainer) EvaluateBoth(epoch, maxExamples int, epochStart time.Time) ([]*EvalResult, error) {
	start := time.Now()
	defer utils.Since(&t.Stats.EvaluationTime, start)

	var results []*EvalResult
	for id, set := range [][]*corpus.Batch{t.valid1, t.valid2} {
		res, err := t.Evaluate(id+1, corpus.Cap(set, maxExamples), epoch)
		if err != nil {
			return nil, err
		}
		t.log.WithFields(logrus.Fields{
			"epoch":     epoch,
			"decoder":   res.Decoder,
			"time":      time.Since(epochStart).Round(10 * time.Millisecond),
			"test_loss": res.Loss,
			"test_ppl":  res.PPL,
			"acc":       res.Acc,
			"examples":  res.Examples,
		}).Info("end of epoch")
		results = append(results, res)
	}

	probeDiff := -1.0
	if t.cfg.HEProbe > 0 {
		probe, err := t.Probe(t.cfg.HEProbe)
		if err != nil {
			return nil, err
		}
		probeDiff = probe.MaxAbsDiff
	}
	for _, res := range results {
		res := res
		t.record(func(r Recorder) error {
			return r.RecordEval(history.EvalRecord{
				Epoch: res.Epoch, Decoder: res.Decoder,
				Loss: res.Loss, PPL: res.PPL, Acc: res.Acc,
				ProbeMaxDiff: probeDiff,
			})
		})
	}
	return results, nil
}

// Probe scores up to n validation codes, half from each corpus, through the
// classifier with its first layer evaluated under CKKS, and compares the
// result with the plaintext classifier.
func (t *Trainer) Probe(n int) (*split.ProbeResult, error) {
	start := time.Now()
	defer utils.Since(&t.Stats.EncryptedProbeTime, start)

	if t.he == nil {
		he, err := ckkswrapper.NewHeContextWithLogN(t.cfg.HELogN)
		if err != nil {
			return nil, err
		}
		t.he = he
	}
	var rows [][]float64
	for k, set := range [][]*corpus.Batch{t.valid1, t.valid2} {
		quota := (n + 1 - k) / 2
		taken := 0
		for _, b := range set {
			if taken >= quota {
				break
			}
			enc, err := t.AE.Encode(b, models.EncodeOptions{})
			if err != nil {
				return nil, err
			}
			for i := 0; i < enc.Code.Rows() && taken < quota; i++ {
				rows = append(rows, append([]float64(nil), enc.Code.Row(i)...))
				taken++
			}
		}
	}
	codes, err := tensor.FromRows(rows)
	if err != nil {
		return nil, fmt.Errorf("probe codes: %w", err)
	}
	res, err := split.RunProbe(t.he, t.Classifier, codes, t.log)
	if err != nil {
		return nil, err
	}
	t.log.WithFields(logrus.Fields{
		"examples":      res.Examples,
		"max_abs_diff":  res.MaxAbsDiff,
		"mean_abs_diff": res.MeanAbsDiff,
		"slots":         t.he.Params.MaxSlots(),
		"elapsed":       res.Elapsed.Round(time.Millisecond),
	}).Info("encrypted classifier probe")
	return res, nil
}

// Checkpoint writes autoencoder, generator and critic weights for epoch.
// The classifier is not persisted.
func (t *Trainer) Checkpoint(epoch int) error {
	start := time.Now()
	defer utils.Since(&t.Stats.CheckpointTime, start)

	for name, m := range map[string]interface {
		Params() []*nn.Param
	}{
		"autoencoder": t.AE,
		"gan_gen":     t.Generator,
		"gan_disc":    t.Critic,
	} {
		path := filepath.Join(t.cfg.OutF, CheckpointName(name, epoch))
		if err := utils.SaveParams(path, m.Params()); err != nil {
			return fmt.Errorf("checkpoint %s: %w", name, err)
		}
	}
	t.log.WithField("epoch", epoch).Debug("saved checkpoints")
	return nil
}

// CheckpointName is the file name of a network's weights for epoch.
func CheckpointName(network string, epoch int) string {
	return fmt.Sprintf("%s_model_%d.json", network, epoch)
}
