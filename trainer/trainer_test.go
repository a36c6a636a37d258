package trainer

import (
	"bufio"
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"arae/corpus"
	"arae/history"
	"arae/models"
	"arae/nn"
	"arae/tensor"
	"arae/utils"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/exp/rand"
)

func writeCorpus(t *testing.T, files map[string][]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, lines := range files {
		path := filepath.Join(dir, name+".txt")
		require.NoError(t, os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0644))
	}
	return dir
}

func tinyConfig(dataPath, outf string) *utils.Config {
	cfg := utils.DefaultConfig()
	cfg.DataPath = dataPath
	cfg.OutF = outf
	cfg.VocabSize = 10
	cfg.MaxLen = 5
	cfg.EmSize = 4
	cfg.NHidden = 6
	cfg.ArchG = "5"
	cfg.ArchD = "5"
	cfg.ArchClassify = "5"
	cfg.ZSize = 3
	cfg.BatchSize = 1
	cfg.EvalBatchSize = 2
	cfg.NitersGanD = 2
	cfg.NitersGanAE = 2
	cfg.LogInterval = 1
	cfg.Epochs = 2
	return cfg
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(new(strings.Builder))
	return l
}

func newTinyTrainer(t *testing.T, mutate func(*utils.Config), rec Recorder) *Trainer {
	t.Helper()
	return newTrainerOn(t, map[string][]string{
		"train1": {"a b c"},
		"train2": {"x y z"},
		"valid1": {"a b c", "c b a", "a a"},
		"valid2": {"x y z", "z y"},
	}, mutate, rec)
}

func newTrainerOn(t *testing.T, files map[string][]string, mutate func(*utils.Config), rec Recorder) *Trainer {
	t.Helper()
	cfg := tinyConfig(writeCorpus(t, files), t.TempDir())
	if mutate != nil {
		mutate(cfg)
	}
	c, err := corpus.Load(cfg.DataPath, corpus.Options{MaxLen: cfg.MaxLen, VocabSize: cfg.VocabSize})
	require.NoError(t, err)
	tr, err := NewTrainer(cfg, c, quietLogger(), rec, rand.NewSource(uint64(cfg.Seed)))
	require.NoError(t, err)
	return tr
}

func snapshot(ps []*nn.Param) []float64 { return append([]float64(nil), nn.Flatten(ps)...) }

// corpus1 = "a b c", corpus2 = "x y z", batch size 1: one AE_PHASE
// iteration gives a finite positive loss and moves the autoencoder.
func TestOneAutoencoderIteration(t *testing.T) {
	tr := newTinyTrainer(t, nil, nil)
	before := snapshot(tr.AE.Params())

	cursor := corpus.NewDualCursor(tr.train1, tr.train2)
	require.NoError(t, tr.aePhase(cursor))
	assert.True(t, cursor.Done())

	for id := 1; id <= 2; id++ {
		loss, _ := tr.State.MeanAE(id)
		assert.False(t, math.IsNaN(loss) || math.IsInf(loss, 0))
		assert.Greater(t, loss, 0.0)
	}
	assert.NotEqual(t, before, nn.Flatten(tr.AE.Params()))
	assert.Equal(t, 1, tr.State.Acc.ClassifySteps)
}

func TestTrainGanDClampsCritic(t *testing.T) {
	tr := newTinyTrainer(t, func(c *utils.Config) { c.GanClamp = 0.01 }, nil)
	for _, p := range tr.Critic.Params() {
		for i := range p.W.Data {
			p.W.Data[i] = 3 * float64(i%3-1)
		}
	}
	res, err := tr.TrainGanD(1, tr.train1[0])
	require.NoError(t, err)
	assert.InDelta(t, -(res.ErrDReal - res.ErrDFake), res.ErrD, 1e-15)
	for _, p := range tr.Critic.Params() {
		for _, w := range p.W.Data {
			assert.True(t, w >= -0.01 && w <= 0.01, "%s = %v", p.Name, w)
		}
	}
}

func TestGeneratorStepLeavesCriticAlone(t *testing.T) {
	tr := newTinyTrainer(t, nil, nil)
	critic := snapshot(tr.Critic.Params())
	gen := snapshot(tr.Generator.Params())
	ae := snapshot(tr.AE.Params())

	errG, err := tr.TrainGanG()
	require.NoError(t, err)
	assert.False(t, math.IsNaN(errG))
	assert.Equal(t, critic, nn.Flatten(tr.Critic.Params()))
	assert.Equal(t, ae, nn.Flatten(tr.AE.Params()))
	assert.NotEqual(t, gen, nn.Flatten(tr.Generator.Params()))
	assert.Zero(t, nn.GradNorm(tr.Critic.Params()))
}

func TestAdversarialEncoderUpdatesOnlyAutoencoder(t *testing.T) {
	tr := newTinyTrainer(t, nil, nil)
	critic := snapshot(tr.Critic.Params())
	clf := snapshot(tr.Classifier.Params())

	ae := snapshot(tr.AE.Params())
	_, err := tr.TrainGanDIntoAE(2, tr.train2[0])
	require.NoError(t, err)
	assert.NotEqual(t, ae, nn.Flatten(tr.AE.Params()))

	ae = snapshot(tr.AE.Params())
	_, err = tr.ClassifierRegularize(1, tr.train1[0])
	require.NoError(t, err)
	assert.NotEqual(t, ae, nn.Flatten(tr.AE.Params()))

	assert.Equal(t, clf, nn.Flatten(tr.Classifier.Params()))
	assert.Zero(t, nn.GradNorm(tr.Classifier.Params()))
	// clamping may move the critic, but no step is taken on it
	nn.Clamp(tr.Critic.Params(), tr.cfg.GanClamp)
	clamped := append([]float64(nil), critic...)
	for i, w := range clamped {
		clamped[i] = math.Max(-tr.cfg.GanClamp, math.Min(tr.cfg.GanClamp, w))
	}
	assert.Equal(t, clamped, nn.Flatten(tr.Critic.Params()))
	assert.Zero(t, nn.GradNorm(tr.Critic.Params()))

	_, err = tr.ClassifierRegularize(3, tr.train1[0])
	assert.True(t, errors.Is(err, models.ErrBadDecoder))
}

func TestClassifierLabelsFollowCorpus(t *testing.T) {
	tr := newTinyTrainer(t, nil, nil)
	clf, err := models.NewClassifier(tr.cfg.NHidden, []int{16}, 0.3, rand.NewSource(7))
	require.NoError(t, err)
	tr.Classifier, tr.optC = clf, nn.NewSGD(clf.Params(), 0.3)

	x1, x2 := mustEncode(t, tr, tr.train1[0]), mustEncode(t, tr, tr.train2[0])
	score := func() (p1, p2, loss float64) {
		out1, err := tr.Classifier.Forward(x1)
		require.NoError(t, err)
		p1 = out1.Data[0]
		out2, err := tr.Classifier.Forward(x2)
		require.NoError(t, err)
		p2 = out2.Data[0]
		return p1, p2, -math.Log(1-p1) - math.Log(p2)
	}
	_, _, before := score()
	for i := 0; i < 1000; i++ {
		_, err := tr.TrainClassifier(1, tr.train1[0])
		require.NoError(t, err)
		_, err = tr.TrainClassifier(2, tr.train2[0])
		require.NoError(t, err)
	}
	p1, p2, after := score()
	assert.Less(t, after, before)
	assert.Less(t, p1, 0.5, "corpus 1 is label 0")
	assert.Greater(t, p2, 0.5, "corpus 2 is label 1")

	_, err = tr.TrainClassifier(0, tr.train1[0])
	assert.True(t, errors.Is(err, models.ErrBadDecoder))
}

func mustEncode(t *testing.T, tr *Trainer, b *corpus.Batch) *tensor.Tensor {
	t.Helper()
	enc, err := tr.AE.Encode(b, models.EncodeOptions{})
	require.NoError(t, err)
	return enc.Code
}

func TestNonFiniteLossTakesNoStep(t *testing.T) {
	tr := newTinyTrainer(t, nil, nil)
	emb := tr.AE.Params()[0]
	for i := range emb.W.Data {
		emb.W.Data[i] = math.NaN()
	}
	rest := snapshot(tr.AE.Params()[1:])
	_, err := tr.TrainAE(tr.State, 1, tr.train1[0])
	assert.True(t, errors.Is(err, ErrNonFiniteLoss), "got %v", err)
	assert.Equal(t, rest, nn.Flatten(tr.AE.Params()[1:]))
}

func reconstructionAccuracy(t *testing.T, tr *Trainer, b *corpus.Batch) float64 {
	t.Helper()
	enc, err := tr.AE.Encode(b, models.EncodeOptions{})
	require.NoError(t, err)
	logits, err := tr.AE.Decode(1, enc, b)
	require.NoError(t, err)
	res, err := tr.ce.Masked(logits, b.FlatTargets())
	require.NoError(t, err)
	return res.Accuracy()
}

func TestRoundTripAccuracyImproves(t *testing.T) {
	data := writeCorpus(t, map[string][]string{
		"train1": {"a b c", "b c d", "c d a", "d a b"},
		"train2": {"w x y", "x y z", "y z w", "z w x"},
		"valid1": {"a b c"},
		"valid2": {"w x y"},
	})
	cfg := tinyConfig(data, t.TempDir())
	cfg.VocabSize = 20
	cfg.EmSize = 8
	cfg.NHidden = 16
	cfg.BatchSize = 4
	cfg.NoiseRadius = 0
	c, err := corpus.Load(cfg.DataPath, corpus.Options{MaxLen: cfg.MaxLen, VocabSize: cfg.VocabSize})
	require.NoError(t, err)
	tr, err := NewTrainer(cfg, c, quietLogger(), nil, rand.NewSource(7))
	require.NoError(t, err)

	b := tr.train1[0]
	initial := reconstructionAccuracy(t, tr, b)
	for i := 0; i < 300; i++ {
		_, err := tr.TrainAE(tr.State, 1, b)
		require.NoError(t, err)
	}
	assert.Greater(t, reconstructionAccuracy(t, tr, b), initial)
}

func TestScheduleIsMonotone(t *testing.T) {
	st := NewTrainingState(0.1)
	var seen []int
	for epoch := 1; epoch <= 6; epoch++ {
		st.AdvanceSchedule(epoch, []int{2, 4})
		seen = append(seen, st.NiterGAN)
	}
	assert.Equal(t, []int{1, 2, 2, 3, 3, 3}, seen)
}

func TestRunAnnealsCheckpointsAndRecords(t *testing.T) {
	store, err := history.Open(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	defer store.Close()

	tr := newTinyTrainer(t, func(c *utils.Config) {
		c.NoiseAnneal = 0.5
		c.NitersGanSchedule = "2"
	}, store)
	r0 := tr.State.NoiseRadius
	require.NoError(t, tr.Run(context.Background()))

	st := tr.State
	assert.Equal(t, 2, st.GlobalIter, "one lockstep iteration per epoch")
	assert.Equal(t, 2, st.NiterGAN)
	assert.InDelta(t, r0*0.25, st.NoiseRadius, 1e-15)

	for _, name := range []string{
		"autoencoder_model_1.json", "gan_gen_model_2.json", "gan_disc_model_2.json",
		"2_output_decoder_1_from.txt", "3_output_decoder_2_tran.txt",
	} {
		_, err := os.Stat(filepath.Join(tr.cfg.OutF, name))
		assert.NoError(t, err, name)
	}
	_, err = os.Stat(filepath.Join(tr.cfg.OutF, "classifier_model_1.json"))
	assert.True(t, os.IsNotExist(err))

	ae, gan, eval, err := store.Counts()
	require.NoError(t, err)
	assert.Equal(t, 4, ae)
	assert.Equal(t, 2, gan)
	assert.Equal(t, 6, eval, "two decoders at epochs 1, 2 and the final pass")

	// checkpoints restore into a fresh network
	fresh := newTinyTrainer(t, nil, nil)
	require.NoError(t, utils.LoadParams(filepath.Join(tr.cfg.OutF, CheckpointName("autoencoder", 2)), fresh.AE.Params()))
	assert.Equal(t, nn.Flatten(tr.AE.Params()), nn.Flatten(fresh.AE.Params()))
}

func TestInterruptFallsThroughToFinalEvaluation(t *testing.T) {
	tr := newTinyTrainer(t, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, tr.Run(ctx))

	assert.Zero(t, tr.State.GlobalIter)
	_, err := os.Stat(filepath.Join(tr.cfg.OutF, CheckpointName("autoencoder", 1)))
	assert.True(t, os.IsNotExist(err), "no epoch finished")

	f, err := os.Open(filepath.Join(tr.cfg.OutF, "1_output_decoder_1_from.txt"))
	require.NoError(t, err)
	defer f.Close()
	var lines []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	assert.ElementsMatch(t, []string{"a b c", "c b a", "a a"}, lines)
}

// cancelOnFirstFlush cancels the run when the first interval is recorded.
type cancelOnFirstFlush struct {
	cancel context.CancelFunc
	ae     []history.AERecord
	evals  []history.EvalRecord
}

func (r *cancelOnFirstFlush) RecordAE(a history.AERecord) error {
	r.ae = append(r.ae, a)
	r.cancel()
	return nil
}

func (r *cancelOnFirstFlush) RecordGAN(history.GANRecord) error { return nil }

func (r *cancelOnFirstFlush) RecordEval(e history.EvalRecord) error {
	r.evals = append(r.evals, e)
	return nil
}

func TestInterruptMidEpoch(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rec := &cancelOnFirstFlush{cancel: cancel}
	tr := newTrainerOn(t, map[string][]string{
		"train1": {"a b c", "c b a", "a a"},
		"train2": {"x y z", "z y", "y x"},
		"valid1": {"a b c", "c b a"},
		"valid2": {"x y z", "z y"},
	}, nil, rec)
	require.Len(t, tr.Batches(1), 3)

	require.NoError(t, tr.Run(ctx))
	assert.Equal(t, 1, tr.State.GlobalIter, "stops at the next iteration boundary")

	_, err := os.Stat(filepath.Join(tr.cfg.OutF, CheckpointName("autoencoder", 1)))
	assert.True(t, os.IsNotExist(err), "the interrupted epoch is not checkpointed")
	_, err = os.Stat(filepath.Join(tr.cfg.OutF, "1_output_decoder_1_from.txt"))
	assert.True(t, os.IsNotExist(err), "no intermediate evaluation")
	for _, name := range []string{"2_output_decoder_1_from.txt", "2_output_decoder_2_tran.txt"} {
		_, err := os.Stat(filepath.Join(tr.cfg.OutF, name))
		assert.NoError(t, err, name)
	}
	require.Len(t, rec.ae, 2)
	for _, a := range rec.ae {
		assert.Equal(t, 1, a.GlobalIter)
		assert.GreaterOrEqual(t, a.MsPerBatch, 0.0)
		assert.False(t, math.IsInf(a.MsPerBatch, 0) || math.IsNaN(a.MsPerBatch))
	}
	require.Len(t, rec.evals, 2)
	for _, e := range rec.evals {
		assert.Equal(t, 2, e.Epoch)
	}
}

func TestProbeDuringEvaluation(t *testing.T) {
	store, err := history.Open(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	defer store.Close()
	tr := newTinyTrainer(t, func(c *utils.Config) {
		c.HEProbe = 3
		c.HELogN = 12
	}, store)

	_, err = tr.EvaluateBoth(1, 0, time.Now())
	require.NoError(t, err)
	evals, err := store.Evals()
	require.NoError(t, err)
	require.Len(t, evals, 2)
	for _, e := range evals {
		assert.GreaterOrEqual(t, e.ProbeMaxDiff, 0.0)
		assert.Less(t, e.ProbeMaxDiff, 1e-4)
	}
}
