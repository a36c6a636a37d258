// Package trainer runs the ARAE training loop: autoencoder reconstruction,
// the attribute classifier, the WGAN critic and generator, and the
// adversarial updates pushed back into the shared encoder.
package trainer

import (
	"errors"
	"fmt"
	"math"
	"time"

	"arae/core/ckkswrapper"
	"arae/corpus"
	"arae/history"
	"arae/models"
	"arae/nn"
	"arae/tensor"
	"arae/utils"

	"github.com/sirupsen/logrus"
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"
)

// ErrNonFiniteLoss aborts an update whose loss or gradients are NaN or Inf.
// No optimizer step is taken.
var ErrNonFiniteLoss = errors.New("non-finite loss")

// Recorder receives the curves flushed at every log interval and
// every evaluation.
type Recorder interface {
	RecordAE(history.AERecord) error
	RecordGAN(history.GANRecord) error
	RecordEval(history.EvalRecord) error
}

// Trainer owns the four networks, their optimizers and the batches.
type Trainer struct {
	cfg    *utils.Config
	corpus *corpus.Corpus

	AE         *models.Autoencoder
	Generator  *models.MLP
	Critic     *models.Critic
	Classifier *models.MLP

	optAE nn.Optimizer
	optG  nn.Optimizer
	optD  nn.Optimizer
	optC  nn.Optimizer
	ce    *nn.CrossEntropyLoss

	schedule []int
	src      rand.Source
	rng      *rand.Rand

	train1, train2 []*corpus.Batch
	valid1, valid2 []*corpus.Batch

	State *TrainingState
	Stats utils.TimingStats

	he  *ckkswrapper.HeContext
	log *logrus.Logger
	rec Recorder
}

// NewTrainer builds the networks for the corpus vocabulary and batches the
// data. A nil recorder discards the curves.
func NewTrainer(cfg *utils.Config, c *corpus.Corpus, logger *logrus.Logger, rec Recorder, src rand.Source) (*Trainer, error) {
	if logger == nil {
		logger = logrus.New()
	}
	if err := utils.ValidateConfig(cfg); err != nil {
		return nil, err
	}
	archG, err := utils.ParseArchitecture(cfg.ArchG)
	if err != nil {
		return nil, err
	}
	archD, err := utils.ParseArchitecture(cfg.ArchD)
	if err != nil {
		return nil, err
	}
	archC, err := utils.ParseArchitecture(cfg.ArchClassify)
	if err != nil {
		return nil, err
	}
	schedule, err := utils.ParseSchedule(cfg.NitersGanSchedule)
	if err != nil {
		return nil, err
	}

	t := &Trainer{
		cfg:      cfg,
		corpus:   c,
		ce:       &nn.CrossEntropyLoss{Temp: cfg.Temp},
		schedule: schedule,
		src:      src,
		rng:      rand.New(src),
		State:    NewTrainingState(cfg.NoiseRadius),
		log:      logger,
		rec:      rec,
	}

	start := time.Now()
	t.AE, err = models.NewAutoencoder(models.AutoencoderConfig{
		NTokens:    c.Dictionary.Len(),
		EmSize:     cfg.EmSize,
		NHidden:    cfg.NHidden,
		NLayers:    cfg.NLayers,
		HiddenInit: cfg.HiddenInit,
	}, src)
	if err != nil {
		return nil, err
	}
	if t.Generator, err = models.NewGenerator(cfg.ZSize, cfg.NHidden, archG, src); err != nil {
		return nil, err
	}
	if t.Critic, err = models.NewCritic(cfg.NHidden, archD, src); err != nil {
		return nil, err
	}
	if t.Classifier, err = models.NewClassifier(cfg.NHidden, archC, models.DefaultInitStd, src); err != nil {
		return nil, err
	}
	t.optAE = nn.NewSGD(t.AE.Params(), cfg.LrAE)
	t.optG = nn.NewAdam(t.Generator.Params(), cfg.LrGanG, cfg.Beta1)
	t.optD = nn.NewAdam(t.Critic.Params(), cfg.LrGanD, cfg.Beta1)
	t.optC = nn.NewSGD(t.Classifier.Params(), cfg.LrClassify)
	utils.Since(&t.Stats.ModelInitTime, start)

	start = time.Now()
	if err := t.shuffle(); err != nil {
		return nil, err
	}
	if t.valid1, err = corpus.Batchify(c.Data[corpus.Valid1], cfg.EvalBatchSize, nil, true); err != nil {
		return nil, fmt.Errorf("%s: %w", corpus.Valid1, err)
	}
	if t.valid2, err = corpus.Batchify(c.Data[corpus.Valid2], cfg.EvalBatchSize, nil, true); err != nil {
		return nil, fmt.Errorf("%s: %w", corpus.Valid2, err)
	}
	utils.Since(&t.Stats.DataLoadingTime, start)

	logger.WithFields(logrus.Fields{
		"ntokens":    c.Dictionary.Len(),
		"train1":     len(t.train1),
		"train2":     len(t.train2),
		"valid1":     len(t.valid1),
		"valid2":     len(t.valid2),
		"generator":  t.Generator.Tag(),
		"critic":     t.Critic.Tag(),
		"classifier": t.Classifier.Tag(),
	}).Info("trainer ready")
	return t, nil
}

// shuffle re-batches both training corpora in a fresh random order.
func (t *Trainer) shuffle() error {
	var err error
	if t.train1, err = corpus.Batchify(t.corpus.Data[corpus.Train1], t.cfg.BatchSize, t.rng, false); err != nil {
		return fmt.Errorf("%s: %w", corpus.Train1, err)
	}
	if t.train2, err = corpus.Batchify(t.corpus.Data[corpus.Train2], t.cfg.BatchSize, t.rng, false); err != nil {
		return fmt.Errorf("%s: %w", corpus.Train2, err)
	}
	return nil
}

// Batches returns the current training batches of corpus id.
func (t *Trainer) Batches(id int) []*corpus.Batch {
	if id == 1 {
		return t.train1
	}
	return t.train2
}

func checkID(id int) error {
	if id != 1 && id != 2 {
		return fmt.Errorf("%w: got %d", models.ErrBadDecoder, id)
	}
	return nil
}

func finite(name string, v float64) error {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return fmt.Errorf("%w: %s = %v", ErrNonFiniteLoss, name, v)
	}
	return nil
}

func gradsFinite(name string, ps []*nn.Param) error {
	if !nn.GradsFinite(ps) {
		return fmt.Errorf("%w: %s gradients", ErrNonFiniteLoss, name)
	}
	return nil
}

// seed is the gradient of ±mean(score) with respect to a (rows, 1) score.
func seed(rows int, sign float64) *tensor.Tensor {
	g := tensor.New(rows, 1)
	for i := range g.Data {
		g.Data[i] = sign / float64(rows)
	}
	return g
}

func constant(n int, v float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = v
	}
	return out
}

// noise draws a (rows, z_size) standard normal generator input.
func (t *Trainer) noise(rows int) *tensor.Tensor {
	z := tensor.New(rows, t.cfg.ZSize)
	n := distuv.Normal{Mu: 0, Sigma: 1, Src: t.src}
	for i := range z.Data {
		z.Data[i] = n.Rand()
	}
	return z
}

// AEResult is the outcome of one reconstruction step.
type AEResult struct {
	Loss     float64
	Acc      float64
	GradNorm float64 // before clipping
}

// TrainAE reconstructs b with decoder id from a noisy code and takes one
// SGD step over the whole autoencoder.
func (t *Trainer) TrainAE(st *TrainingState, id int, b *corpus.Batch) (*AEResult, error) {
	if err := checkID(id); err != nil {
		return nil, err
	}
	t.optAE.ZeroGrad()
	enc, err := t.AE.Encode(b, models.EncodeOptions{NoiseRadius: st.NoiseRadius, Propagate: true})
	if err != nil {
		return nil, err
	}
	logits, err := t.AE.Decode(id, enc, b)
	if err != nil {
		return nil, err
	}
	res, err := t.ce.Masked(logits, b.FlatTargets())
	if err != nil {
		return nil, err
	}
	if err := finite("reconstruction loss", res.Loss); err != nil {
		return nil, err
	}
	dCode, err := t.AE.BackwardDecode(id, res.Grad)
	if err != nil {
		return nil, err
	}
	if err := t.AE.BackwardCode(enc, dCode); err != nil {
		return nil, err
	}
	if err := gradsFinite("autoencoder", t.AE.Params()); err != nil {
		return nil, err
	}
	norm := nn.ClipGradNorm(t.AE.Params(), t.cfg.Clip)
	t.optAE.Step()
	return &AEResult{Loss: res.Loss, Acc: res.Accuracy(), GradNorm: norm}, nil
}

// ClassifierResult is the BCE loss and 0.5-threshold accuracy of one step.
type ClassifierResult struct {
	Loss float64
	Acc  float64
}

// TrainClassifier fits the classifier to predict classID-1 from detached
// codes of b.
func (t *Trainer) TrainClassifier(classID int, b *corpus.Batch) (*ClassifierResult, error) {
	if err := checkID(classID); err != nil {
		return nil, err
	}
	t.optC.ZeroGrad()
	enc, err := t.AE.Encode(b, models.EncodeOptions{})
	if err != nil {
		return nil, err
	}
	labels := constant(b.Size(), float64(classID-1))
	probs, err := t.Classifier.Forward(enc.Code)
	if err != nil {
		return nil, err
	}
	loss, grad, err := nn.BCELoss{}.Forward(probs, labels)
	if err != nil {
		return nil, err
	}
	if err := finite("classifier loss", loss); err != nil {
		return nil, err
	}
	if _, err := t.Classifier.Backward(grad); err != nil {
		return nil, err
	}
	if err := gradsFinite("classifier", t.Classifier.Params()); err != nil {
		return nil, err
	}
	t.optC.Step()
	return &ClassifierResult{Loss: loss, Acc: nn.ThresholdAccuracy(probs, labels)}, nil
}

// ClassifierRegularize pushes the encoder so that the classifier sees
// codes of classID as the other class. The code gradient is scaled per
// example by length × lambda_class. Only the autoencoder is stepped.
func (t *Trainer) ClassifierRegularize(classID int, b *corpus.Batch) (float64, error) {
	if err := checkID(classID); err != nil {
		return 0, err
	}
	t.optAE.ZeroGrad()
	enc, err := t.AE.Encode(b, models.EncodeOptions{Propagate: true})
	if err != nil {
		return 0, err
	}
	labels := constant(b.Size(), float64(2-classID))
	probs, err := t.Classifier.Forward(enc.Code)
	if err != nil {
		return 0, err
	}
	loss, grad, err := nn.BCELoss{}.Forward(probs, labels)
	if err != nil {
		return 0, err
	}
	if err := finite("classifier regularization loss", loss); err != nil {
		return 0, err
	}
	dCode, err := t.Classifier.Backward(grad)
	nn.ZeroGrad(t.Classifier.Params())
	if err != nil {
		return 0, err
	}
	scaled, err := nn.ScaleGradient(dCode, b.LengthFactor(t.cfg.LambdaClass))
	if err != nil {
		return 0, err
	}
	if err := t.AE.BackwardCode(enc, scaled); err != nil {
		return 0, err
	}
	if err := gradsFinite("autoencoder", t.AE.Params()); err != nil {
		return 0, err
	}
	nn.ClipGradNorm(t.AE.Params(), t.cfg.Clip)
	t.optAE.Step()
	return loss, nil
}

// CriticResult reports the Wasserstein estimate of one critic step.
type CriticResult struct {
	ErrD     float64 // -(real - fake)
	ErrDReal float64
	ErrDFake float64
}

// TrainGanD takes one Adam step of the critic: mean score of detached real
// codes of b is minimised, mean score of detached generator codes is
// maximised. Critic weights are clamped before and after the step.
func (t *Trainer) TrainGanD(id int, b *corpus.Batch) (*CriticResult, error) {
	if err := checkID(id); err != nil {
		return nil, err
	}
	t.Critic.Clamp(t.cfg.GanClamp)
	t.optD.ZeroGrad()

	enc, err := t.AE.Encode(b, models.EncodeOptions{})
	if err != nil {
		return nil, err
	}
	realScore, err := t.Critic.Forward(enc.Code)
	if err != nil {
		return nil, err
	}
	errReal := stat.Mean(realScore.Data, nil)
	if _, err := t.Critic.Backward(seed(realScore.Rows(), 1)); err != nil {
		return nil, err
	}

	fake, err := t.Generator.Forward(t.noise(t.cfg.BatchSize))
	if err != nil {
		return nil, err
	}
	fakeScore, err := t.Critic.Forward(fake)
	if err != nil {
		return nil, err
	}
	errFake := stat.Mean(fakeScore.Data, nil)
	if _, err := t.Critic.Backward(seed(fakeScore.Rows(), -1)); err != nil {
		return nil, err
	}

	if err := finite("critic real score", errReal); err != nil {
		return nil, err
	}
	if err := finite("critic fake score", errFake); err != nil {
		return nil, err
	}
	if err := gradsFinite("critic", t.Critic.Params()); err != nil {
		return nil, err
	}
	t.optD.Step()
	t.Critic.Clamp(t.cfg.GanClamp)
	return &CriticResult{ErrD: -(errReal - errFake), ErrDReal: errReal, ErrDFake: errFake}, nil
}

// TrainGanG takes one Adam step of the generator towards lower critic
// scores on fresh N(0, 1) noise. The critic is left unchanged.
func (t *Trainer) TrainGanG() (float64, error) {
	t.optG.ZeroGrad()
	fake, err := t.Generator.Forward(t.noise(t.cfg.BatchSize))
	if err != nil {
		return 0, err
	}
	score, err := t.Critic.Forward(fake)
	if err != nil {
		return 0, err
	}
	errG := stat.Mean(score.Data, nil)
	if err := finite("generator loss", errG); err != nil {
		return 0, err
	}
	dFake, err := t.Critic.Backward(seed(score.Rows(), 1))
	nn.ZeroGrad(t.Critic.Params())
	if err != nil {
		return 0, err
	}
	if _, err := t.Generator.Backward(dFake); err != nil {
		return 0, err
	}
	if err := gradsFinite("generator", t.Generator.Params()); err != nil {
		return 0, err
	}
	t.optG.Step()
	return errG, nil
}

// TrainGanDIntoAE pushes the encoder to raise the critic score of its real
// codes, opposing TrainGanD's push on real codes. The critic is seeded with
// -1; the Yelp train.py passes +1 here. The code gradient is scaled per
// example by sequence length. Only the autoencoder is stepped.
func (t *Trainer) TrainGanDIntoAE(id int, b *corpus.Batch) (float64, error) {
	if err := checkID(id); err != nil {
		return 0, err
	}
	t.Critic.Clamp(t.cfg.GanClamp)
	t.optAE.ZeroGrad()

	enc, err := t.AE.Encode(b, models.EncodeOptions{Propagate: true})
	if err != nil {
		return 0, err
	}
	score, err := t.Critic.Forward(enc.Code)
	if err != nil {
		return 0, err
	}
	errReal := stat.Mean(score.Data, nil)
	if err := finite("critic score of real codes", errReal); err != nil {
		return 0, err
	}
	dCode, err := t.Critic.Backward(seed(score.Rows(), -1))
	nn.ZeroGrad(t.Critic.Params())
	if err != nil {
		return 0, err
	}
	scaled, err := nn.ScaleGradient(dCode, b.LengthFactor(1))
	if err != nil {
		return 0, err
	}
	if err := t.AE.BackwardCode(enc, scaled); err != nil {
		return 0, err
	}
	if err := gradsFinite("autoencoder", t.AE.Params()); err != nil {
		return 0, err
	}
	nn.ClipGradNorm(t.AE.Params(), t.cfg.Clip)
	t.optAE.Step()
	return errReal, nil
}
