package utils

import (
	"errors"
	"flag"
	"path/filepath"
	"reflect"
	"testing"
)

func TestParseArchitecture(t *testing.T) {
	got, err := ParseArchitecture("300-200-100")
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(got, []int{300, 200, 100}) {
		t.Errorf("got %v", got)
	}
	for _, bad := range []string{"", "300--100", "a-b", "0-4"} {
		if _, err := ParseArchitecture(bad); err == nil {
			t.Errorf("%q: expected error", bad)
		}
	}
}

func TestParseSchedule(t *testing.T) {
	got, err := ParseSchedule("2-4-6")
	if err != nil || !reflect.DeepEqual(got, []int{2, 4, 6}) {
		t.Fatalf("got %v, %v", got, err)
	}
	if got, err := ParseSchedule(""); err != nil || got != nil {
		t.Errorf("empty schedule: %v, %v", got, err)
	}
	for _, bad := range []string{"2-x", "4-2", "0", "3-3"} {
		if _, err := ParseSchedule(bad); !errors.Is(err, ErrBadSchedule) {
			t.Errorf("%q: got %v, want ErrBadSchedule", bad, err)
		}
	}
}

func TestValidateConfig(t *testing.T) {
	cfg := DefaultConfig()
	if err := ValidateConfig(cfg); err == nil {
		t.Error("missing data_path accepted")
	}
	cfg.DataPath = "data"
	if err := ValidateConfig(cfg); err != nil {
		t.Fatalf("defaults rejected: %v", err)
	}

	cases := map[string]func(c *Config){
		"maxlen":   func(c *Config) { c.MaxLen = 1 },
		"anneal":   func(c *Config) { c.NoiseAnneal = 1.5 },
		"arch":     func(c *Config) { c.ArchD = "300-x" },
		"schedule": func(c *Config) { c.NitersGanSchedule = "5-1" },
		"lr":       func(c *Config) { c.LrGanD = 0 },
		"logn":     func(c *Config) { c.HEProbe = 4; c.HELogN = 20 },
	}
	for name, mutate := range cases {
		c := *cfg
		mutate(&c)
		if err := ValidateConfig(&c); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}

func TestRegisterFlagsAndSaveConfig(t *testing.T) {
	cfg := DefaultConfig()
	fs := flag.NewFlagSet("train", flag.ContinueOnError)
	cfg.RegisterFlags(fs)
	if err := fs.Parse([]string{"-data_path", "yelp", "-nhidden", "32", "-hidden_init", "-niters_gan_schedule", "2-4"}); err != nil {
		t.Fatal(err)
	}
	if cfg.DataPath != "yelp" || cfg.NHidden != 32 || !cfg.HiddenInit || cfg.NitersGanSchedule != "2-4" {
		t.Fatalf("flags not applied: %+v", cfg)
	}

	path := filepath.Join(t.TempDir(), "args.json")
	if err := SaveConfig(path, cfg); err != nil {
		t.Fatal(err)
	}
	back, err := LoadConfig(path)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(cfg, back) {
		t.Errorf("config changed on disk:\n%+v\n%+v", cfg, back)
	}
}
