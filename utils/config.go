package utils

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// ErrBadSchedule is returned for a malformed niters_gan_schedule.
var ErrBadSchedule = errors.New("malformed GAN schedule")

// Config holds training configuration. JSON keys are the names written to
// args.json and accepted as command-line flags.
type Config struct {
	DataPath  string `json:"data_path"`
	OutF      string `json:"outf"`
	LoadVocab string `json:"load_vocab"`
	VocabSize int    `json:"vocab_size"`
	MaxLen    int    `json:"maxlen"`
	Lowercase bool   `json:"lowercase"`
	NTokens   int    `json:"ntokens,omitempty"`

	EmSize       int     `json:"emsize"`
	NHidden      int     `json:"nhidden"`
	NLayers      int     `json:"nlayers"`
	NoiseRadius  float64 `json:"noise_radius"`
	NoiseAnneal  float64 `json:"noise_anneal"`
	HiddenInit   bool    `json:"hidden_init"`
	ArchG        string  `json:"arch_g"`
	ArchD        string  `json:"arch_d"`
	ArchClassify string  `json:"arch_classify"`
	ZSize        int     `json:"z_size"`
	Temp         float64 `json:"temp"`

	Epochs            int     `json:"epochs"`
	BatchSize         int     `json:"batch_size"`
	EvalBatchSize     int     `json:"eval_batch_size"`
	NitersAE          int     `json:"niters_ae"`
	NitersGanD        int     `json:"niters_gan_d"`
	NitersGanG        int     `json:"niters_gan_g"`
	NitersGanAE       int     `json:"niters_gan_ae"`
	NitersGanSchedule string  `json:"niters_gan_schedule"`
	LrAE              float64 `json:"lr_ae"`
	LrGanG            float64 `json:"lr_gan_g"`
	LrGanD            float64 `json:"lr_gan_d"`
	LrClassify        float64 `json:"lr_classify"`
	Beta1             float64 `json:"beta1"`
	Clip              float64 `json:"clip"`
	GanClamp          float64 `json:"gan_clamp"`
	LambdaClass       float64 `json:"lambda_class"`
	ClassifierReg     bool    `json:"classifier_reg"`

	Sample      bool  `json:"sample"`
	LogInterval int   `json:"log_interval"`
	EvalCap     int   `json:"eval_cap"`
	GenMaxLen   int   `json:"gen_maxlen"`
	Seed        int64 `json:"seed"`
	Debug       bool  `json:"debug"`

	HEProbe int `json:"he_probe"`
	HELogN  int `json:"he_logn"`
}

// DefaultConfig returns the settings used for the Yelp sentiment runs.
func DefaultConfig() *Config {
	return &Config{
		OutF:         "output",
		VocabSize:    11000,
		MaxLen:       30,
		EmSize:       500,
		NHidden:      500,
		NLayers:      1,
		NoiseRadius:  0.1,
		NoiseAnneal:  0.997,
		ArchG:        "200-400-800",
		ArchD:        "300-200-100",
		ArchClassify: "300-200-100",
		ZSize:        64,
		Temp:         1,

		Epochs:        15,
		BatchSize:     64,
		EvalBatchSize: 100,
		NitersAE:      1,
		NitersGanD:    10,
		NitersGanG:    1,
		NitersGanAE:   10,
		LrAE:          1,
		LrGanG:        5e-05,
		LrGanD:        1e-05,
		LrClassify:    0.1,
		Beta1:         0.9,
		Clip:          1,
		GanClamp:      0.01,
		LambdaClass:   1,

		LogInterval: 200,
		EvalCap:     1000,
		GenMaxLen:   50,
		Seed:        1111,
		HELogN:      13,
	}
}

// RegisterFlags binds every field to a flag of the same name as its JSON key.
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.StringVar(&c.DataPath, "data_path", c.DataPath, "location of the data corpus")
	fs.StringVar(&c.OutF, "outf", c.OutF, "output directory name")
	fs.StringVar(&c.LoadVocab, "load_vocab", c.LoadVocab, "path to load vocabulary from")
	fs.IntVar(&c.VocabSize, "vocab_size", c.VocabSize, "cut vocabulary down to this size (most frequently seen words in train)")
	fs.IntVar(&c.MaxLen, "maxlen", c.MaxLen, "maximum sentence length")
	fs.BoolVar(&c.Lowercase, "lowercase", c.Lowercase, "lowercase all text")

	fs.IntVar(&c.EmSize, "emsize", c.EmSize, "size of word embeddings")
	fs.IntVar(&c.NHidden, "nhidden", c.NHidden, "number of hidden units per layer")
	fs.IntVar(&c.NLayers, "nlayers", c.NLayers, "number of layers")
	fs.Float64Var(&c.NoiseRadius, "noise_radius", c.NoiseRadius, "stdev of noise for autoencoder (regularizer)")
	fs.Float64Var(&c.NoiseAnneal, "noise_anneal", c.NoiseAnneal, "anneal noise_radius exponentially by this every log interval")
	fs.BoolVar(&c.HiddenInit, "hidden_init", c.HiddenInit, "initialize decoder hidden state with encoder's")
	fs.StringVar(&c.ArchG, "arch_g", c.ArchG, "generator architecture (MLP)")
	fs.StringVar(&c.ArchD, "arch_d", c.ArchD, "critic/discriminator architecture (MLP)")
	fs.StringVar(&c.ArchClassify, "arch_classify", c.ArchClassify, "classifier architecture")
	fs.IntVar(&c.ZSize, "z_size", c.ZSize, "dimension of random noise z to feed into generator")
	fs.Float64Var(&c.Temp, "temp", c.Temp, "softmax temperature (lower --> more discrete)")

	fs.IntVar(&c.Epochs, "epochs", c.Epochs, "maximum number of epochs")
	fs.IntVar(&c.BatchSize, "batch_size", c.BatchSize, "batch size")
	fs.IntVar(&c.EvalBatchSize, "eval_batch_size", c.EvalBatchSize, "validation batch size")
	fs.IntVar(&c.NitersAE, "niters_ae", c.NitersAE, "number of autoencoder iterations in training")
	fs.IntVar(&c.NitersGanD, "niters_gan_d", c.NitersGanD, "number of discriminator iterations in training")
	fs.IntVar(&c.NitersGanG, "niters_gan_g", c.NitersGanG, "number of generator iterations in training")
	fs.IntVar(&c.NitersGanAE, "niters_gan_ae", c.NitersGanAE, "number of autoencoder from discriminator iterations")
	fs.StringVar(&c.NitersGanSchedule, "niters_gan_schedule", c.NitersGanSchedule, "dash-separated epochs at which the GAN loop count increases by 1")
	fs.Float64Var(&c.LrAE, "lr_ae", c.LrAE, "autoencoder learning rate")
	fs.Float64Var(&c.LrGanG, "lr_gan_g", c.LrGanG, "generator learning rate")
	fs.Float64Var(&c.LrGanD, "lr_gan_d", c.LrGanD, "critic/discriminator learning rate")
	fs.Float64Var(&c.LrClassify, "lr_classify", c.LrClassify, "classifier learning rate")
	fs.Float64Var(&c.Beta1, "beta1", c.Beta1, "beta1 for adam")
	fs.Float64Var(&c.Clip, "clip", c.Clip, "gradient clipping, max norm")
	fs.Float64Var(&c.GanClamp, "gan_clamp", c.GanClamp, "WGAN clamp")
	fs.Float64Var(&c.LambdaClass, "lambda_class", c.LambdaClass, "lambda on classifier")
	fs.BoolVar(&c.ClassifierReg, "classifier_reg", c.ClassifierReg, "also push the encoder against the classifier each AE iteration")

	fs.BoolVar(&c.Sample, "sample", c.Sample, "sample when decoding for generation")
	fs.IntVar(&c.LogInterval, "log_interval", c.LogInterval, "interval to log training results and anneal noise")
	fs.IntVar(&c.EvalCap, "eval_cap", c.EvalCap, "validation examples per decoder at intermediate epochs (0 = all)")
	fs.IntVar(&c.GenMaxLen, "gen_maxlen", c.GenMaxLen, "length of transferred sentences")
	fs.Int64Var(&c.Seed, "seed", c.Seed, "random seed")
	fs.BoolVar(&c.Debug, "debug", c.Debug, "train on the validation files only")

	fs.IntVar(&c.HEProbe, "he_probe", c.HEProbe, "validation codes scored through the encrypted classifier each epoch (0 = off)")
	fs.IntVar(&c.HELogN, "he_logn", c.HELogN, "CKKS ring degree (log2) for the encrypted probe")
}

// ParseArchitecture parses a dash-separated list of layer widths.
func ParseArchitecture(archStr string) ([]int, error) {
	archParts := strings.Split(strings.TrimSpace(archStr), "-")
	arch := make([]int, len(archParts))
	for i, s := range archParts {
		n, err := strconv.Atoi(strings.TrimSpace(s))
		if err != nil {
			return nil, fmt.Errorf("architecture %q: %w", archStr, err)
		}
		if n <= 0 {
			return nil, fmt.Errorf("architecture %q: width %d must be positive", archStr, n)
		}
		arch[i] = n
	}
	return arch, nil
}

// ParseSchedule parses dash-separated, strictly increasing, positive epoch
// numbers. An empty string is an empty schedule.
func ParseSchedule(s string) ([]int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, "-")
	out := make([]int, len(parts))
	for i, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return nil, fmt.Errorf("%w %q: %v", ErrBadSchedule, s, err)
		}
		if n <= 0 {
			return nil, fmt.Errorf("%w %q: epoch %d must be positive", ErrBadSchedule, s, n)
		}
		if i > 0 && n <= out[i-1] {
			return nil, fmt.Errorf("%w %q: epochs must increase", ErrBadSchedule, s)
		}
		out[i] = n
	}
	return out, nil
}

// ValidateConfig validates training configuration
func ValidateConfig(config *Config) error {
	if config.DataPath == "" {
		return fmt.Errorf("data_path is required")
	}
	if config.OutF == "" {
		return fmt.Errorf("outf is required")
	}
	if config.MaxLen < 2 {
		return fmt.Errorf("maxlen must be at least 2")
	}
	if config.VocabSize <= 0 {
		return fmt.Errorf("vocab_size must be positive")
	}
	for name, v := range map[string]int{
		"emsize": config.EmSize, "nhidden": config.NHidden, "nlayers": config.NLayers,
		"z_size": config.ZSize, "epochs": config.Epochs, "batch_size": config.BatchSize,
		"eval_batch_size": config.EvalBatchSize, "niters_ae": config.NitersAE,
		"log_interval": config.LogInterval, "gen_maxlen": config.GenMaxLen,
	} {
		if v <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}
	for name, v := range map[string]int{
		"niters_gan_d": config.NitersGanD, "niters_gan_g": config.NitersGanG,
		"niters_gan_ae": config.NitersGanAE, "eval_cap": config.EvalCap, "he_probe": config.HEProbe,
	} {
		if v < 0 {
			return fmt.Errorf("%s must not be negative", name)
		}
	}
	for name, v := range map[string]float64{
		"lr_ae": config.LrAE, "lr_gan_g": config.LrGanG, "lr_gan_d": config.LrGanD,
		"lr_classify": config.LrClassify, "clip": config.Clip, "gan_clamp": config.GanClamp,
		"temp": config.Temp,
	} {
		if v <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}
	if config.NoiseRadius < 0 {
		return fmt.Errorf("noise_radius must not be negative")
	}
	if config.NoiseAnneal <= 0 || config.NoiseAnneal > 1 {
		return fmt.Errorf("noise_anneal must be in (0, 1]")
	}
	if config.Beta1 < 0 || config.Beta1 >= 1 {
		return fmt.Errorf("beta1 must be in [0, 1)")
	}
	for name, arch := range map[string]string{
		"arch_g": config.ArchG, "arch_d": config.ArchD, "arch_classify": config.ArchClassify,
	} {
		if _, err := ParseArchitecture(arch); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	if _, err := ParseSchedule(config.NitersGanSchedule); err != nil {
		return err
	}
	if config.HEProbe > 0 && (config.HELogN < 10 || config.HELogN > 16) {
		return fmt.Errorf("he_logn must be in [10, 16]")
	}
	return nil
}

// SaveConfig writes the configuration as a flat JSON document.
func SaveConfig(path string, config *Config) error {
	data, err := json.MarshalIndent(config, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}

// LoadConfig reads a document written by SaveConfig over the defaults.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	config := DefaultConfig()
	if err := json.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return config, nil
}
