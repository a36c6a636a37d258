package trainer

import "time"

// TrainingState is the orchestrator-owned mutable state. Update routines
// read it; only the training loop writes it.
type TrainingState struct {
	Epoch      int
	Iteration  int // lockstep batch cursor within the epoch
	GlobalIter int // outer iterations since the start of the run
	// NoiseRadius is the stdev of the code noise used by TrainAE.
	NoiseRadius float64
	// NiterGAN is the number of GAN rounds per outer iteration.
	NiterGAN int

	Acc Accumulators
}

// Accumulators collect losses between two log flushes.
type Accumulators struct {
	AELoss  [2]float64
	AEAcc   [2]float64
	AESteps [2]int

	ClassifyLoss  float64
	ClassifyAcc   float64
	ClassifySteps int

	// last values, as reported by the critic and generator updates
	ErrD, ErrDReal, ErrDFake float64
	ErrG                     float64
	ErrDIntoAE               float64

	Since time.Time
}

// NewTrainingState starts with one GAN round per iteration.
func NewTrainingState(noiseRadius float64) *TrainingState {
	return &TrainingState{
		NoiseRadius: noiseRadius,
		NiterGAN:    1,
		Acc:         Accumulators{Since: time.Now()},
	}
}

// AdvanceSchedule enters epoch and adds one GAN round if the epoch is listed
// in schedule. It reports whether NiterGAN changed.
func (s *TrainingState) AdvanceSchedule(epoch int, schedule []int) bool {
	s.Epoch = epoch
	s.Iteration = 0
	for _, e := range schedule {
		if e == epoch {
			s.NiterGAN++
			return true
		}
	}
	return false
}

// Anneal shrinks the noise radius; factor is in (0, 1].
func (s *TrainingState) Anneal(factor float64) {
	s.NoiseRadius *= factor
}

// AddAE accumulates one reconstruction step for decoder id.
func (s *TrainingState) AddAE(id int, loss, acc float64) {
	s.Acc.AELoss[id-1] += loss
	s.Acc.AEAcc[id-1] += acc
	s.Acc.AESteps[id-1]++
}

// AddClassifier accumulates one classifier step.
func (s *TrainingState) AddClassifier(loss, acc float64) {
	s.Acc.ClassifyLoss += loss
	s.Acc.ClassifyAcc += acc
	s.Acc.ClassifySteps++
}

// MeanAE returns the mean loss and accuracy of decoder id since the last
// reset.
func (s *TrainingState) MeanAE(id int) (loss, acc float64) {
	n := float64(max(s.Acc.AESteps[id-1], 1))
	return s.Acc.AELoss[id-1] / n, s.Acc.AEAcc[id-1] / n
}

// MeanClassifier returns the mean classifier loss and accuracy since the
// last reset.
func (s *TrainingState) MeanClassifier() (loss, acc float64) {
	n := float64(max(s.Acc.ClassifySteps, 1))
	return s.Acc.ClassifyLoss / n, s.Acc.ClassifyAcc / n
}

// ResetAccumulators clears the running sums; GAN values are kept since they
// are last-seen, not sums.
func (s *TrainingState) ResetAccumulators(now time.Time) {
	gan := s.Acc
	s.Acc = Accumulators{
		ErrD: gan.ErrD, ErrDReal: gan.ErrDReal, ErrDFake: gan.ErrDFake,
		ErrG: gan.ErrG, ErrDIntoAE: gan.ErrDIntoAE,
		Since: now,
	}
}
