package trainer

import (
	"context"
	"math"
	"time"

	"arae/corpus"
	"arae/history"
	"arae/utils"

	"github.com/sirupsen/logrus"
)

// Run trains for the configured number of epochs. When ctx is cancelled the
// loop stops at the next iteration boundary and falls through to the final
// evaluation on the full validation sets, which is labelled epoch+1.
func (t *Trainer) Run(ctx context.Context) error {
	start := time.Now()
	defer func() { t.Stats.TotalTime += time.Since(start) }()

	t.log.Info("Training...")
	epoch := 0
	for e := 1; e <= t.cfg.Epochs; e++ {
		if ctx.Err() != nil {
			break
		}
		epoch = e
		if t.State.AdvanceSchedule(e, t.schedule) {
			t.log.WithField("niter_gan", t.State.NiterGAN).Info("GAN training loop schedule increased")
		}
		epochStart := time.Now()
		interrupted, err := t.trainEpoch(ctx)
		if err != nil {
			return err
		}
		if interrupted {
			break
		}

		if _, err := t.EvaluateBoth(e, t.cfg.EvalCap, epochStart); err != nil {
			return err
		}
		if err := t.Checkpoint(e); err != nil {
			return err
		}
		if t.cfg.Debug {
			continue
		}
		if err := t.shuffle(); err != nil {
			return err
		}
	}
	if ctx.Err() != nil {
		t.log.Info("Ending training...")
	}

	_, err := t.EvaluateBoth(epoch+1, 0, time.Now())
	return err
}

// trainEpoch walks both corpora in lockstep. It reports true when ctx was
// cancelled before the corpora were exhausted.
func (t *Trainer) trainEpoch(ctx context.Context) (bool, error) {
	st := t.State
	st.ResetAccumulators(time.Now())
	cursor := corpus.NewDualCursor(t.train1, t.train2)
	for !cursor.Done() {
		if ctx.Err() != nil {
			return true, nil
		}
		if err := t.aePhase(cursor); err != nil {
			return false, err
		}
		if err := t.ganPhase(); err != nil {
			return false, err
		}
		st.GlobalIter++
		if st.GlobalIter%t.cfg.LogInterval == 0 {
			t.flush(cursor.Len())
			st.Anneal(t.cfg.NoiseAnneal)
		}
	}
	return false, nil
}

func (t *Trainer) aePhase(cursor *corpus.DualCursor) error {
	st := t.State
	for i := 0; i < t.cfg.NitersAE; i++ {
		b1, b2, ok := cursor.Next()
		if !ok {
			return nil
		}
		st.Iteration = cursor.Pos()

		start := time.Now()
		for id, b := range []*corpus.Batch{b1, b2} {
			res, err := t.TrainAE(st, id+1, b)
			if err != nil {
				return err
			}
			st.AddAE(id+1, res.Loss, res.Acc)
		}
		utils.Since(&t.Stats.AutoencoderTime, start)

		start = time.Now()
		var loss, acc float64
		for id, b := range []*corpus.Batch{b1, b2} {
			res, err := t.TrainClassifier(id+1, b)
			if err != nil {
				return err
			}
			loss += res.Loss / 2
			acc += res.Acc / 2
		}
		st.AddClassifier(loss, acc)
		if t.cfg.ClassifierReg {
			for id, b := range []*corpus.Batch{b1, b2} {
				if _, err := t.ClassifierRegularize(id+1, b); err != nil {
					return err
				}
			}
		}
		utils.Since(&t.Stats.ClassifierTime, start)
	}
	return nil
}

// pick returns a random training batch, corpus 1 on even i.
func (t *Trainer) pick(i int) (int, *corpus.Batch) {
	id := 1 + i%2
	batches := t.Batches(id)
	return id, batches[t.rng.Intn(len(batches))]
}

func (t *Trainer) ganPhase() error {
	st := t.State
	for k := 0; k < st.NiterGAN; k++ {
		start := time.Now()
		for i := 0; i < t.cfg.NitersGanD; i++ {
			res, err := t.TrainGanD(t.pick(i))
			if err != nil {
				return err
			}
			st.Acc.ErrD, st.Acc.ErrDReal, st.Acc.ErrDFake = res.ErrD, res.ErrDReal, res.ErrDFake
		}
		utils.Since(&t.Stats.CriticTime, start)

		start = time.Now()
		for i := 0; i < t.cfg.NitersGanG; i++ {
			errG, err := t.TrainGanG()
			if err != nil {
				return err
			}
			st.Acc.ErrG = errG
		}
		utils.Since(&t.Stats.GeneratorTime, start)

		start = time.Now()
		for i := 0; i < t.cfg.NitersGanAE; i++ {
			v, err := t.TrainGanDIntoAE(t.pick(i))
			if err != nil {
				return err
			}
			st.Acc.ErrDIntoAE = v
		}
		utils.Since(&t.Stats.EncoderAdvTime, start)
	}
	return nil
}

// flush logs and records the accumulators, then resets them.
func (t *Trainer) flush(batches int) {
	st := t.State
	now := time.Now()
	steps := max(st.Acc.AESteps[0], 1)
	msPerBatch := utils.DurationUS(now.Sub(st.Acc.Since)) / 1000 / float64(steps)
	for id := 1; id <= 2; id++ {
		loss, acc := st.MeanAE(id)
		t.log.WithFields(logrus.Fields{
			"epoch":        st.Epoch,
			"batch":        st.Iteration,
			"batches":      batches,
			"decoder":      id,
			"ms_per_batch": msPerBatch,
			"loss":         loss,
			"ppl":          math.Exp(loss),
			"acc":          acc,
		}).Info("autoencoder")
		t.record(func(r Recorder) error {
			return r.RecordAE(history.AERecord{
				Epoch: st.Epoch, Batch: st.Iteration, Batches: batches, GlobalIter: st.GlobalIter,
				Decoder: id, Loss: loss, PPL: math.Exp(loss), Acc: acc, MsPerBatch: msPerBatch,
			})
		})
	}
	closs, cacc := st.MeanClassifier()
	t.log.WithFields(logrus.Fields{
		"epoch":         st.Epoch,
		"epochs":        t.cfg.Epochs,
		"batch":         st.Iteration,
		"batches":       batches,
		"loss_d":        st.Acc.ErrD,
		"loss_d_real":   st.Acc.ErrDReal,
		"loss_d_fake":   st.Acc.ErrDFake,
		"loss_g":        st.Acc.ErrG,
		"classify_loss": closs,
		"classify_acc":  cacc,
		"noise_radius":  st.NoiseRadius,
	}).Info("gan")
	t.record(func(r Recorder) error {
		return r.RecordGAN(history.GANRecord{
			Epoch: st.Epoch, Batch: st.Iteration, Batches: batches, GlobalIter: st.GlobalIter,
			ErrD: st.Acc.ErrD, ErrDReal: st.Acc.ErrDReal, ErrDFake: st.Acc.ErrDFake, ErrG: st.Acc.ErrG,
			ClassifyLoss: closs, ClassifyAcc: cacc,
		})
	})
	st.ResetAccumulators(now)
}

func (t *Trainer) record(fn func(Recorder) error) {
	if t.rec == nil {
		return
	}
	if err := fn(t.rec); err != nil {
		t.log.WithError(err).Warn("history write failed")
	}
}
