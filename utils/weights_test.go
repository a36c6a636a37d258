package utils

import (
	"path/filepath"
	"testing"

	"arae/nn"
	"arae/tensor"
)

func TestTensorToWeightData(t *testing.T) {
	ten := tensor.New(2, 3)
	for i := range ten.Data {
		ten.Data[i] = float64(i) * 0.5
	}

	wd := TensorToWeightData("test_weight", ten)

	if wd.Name != "test_weight" {
		t.Errorf("Name = %s, want test_weight", wd.Name)
	}
	if len(wd.Shape) != 2 || wd.Shape[0] != 2 || wd.Shape[1] != 3 {
		t.Errorf("Shape = %v, want [2, 3]", wd.Shape)
	}
	ten.Data[0] = 99
	if wd.Data[0] != 0 {
		t.Errorf("weight data aliases the tensor")
	}
}

func TestSaveLoadParams(t *testing.T) {
	a := nn.NewParam("enc.weight", 2, 3)
	b := nn.NewParam("enc.bias", 3)
	for i := range a.W.Data {
		a.W.Data[i] = float64(i) - 2.5
	}
	b.W.Data[1] = 7

	path := filepath.Join(t.TempDir(), "autoencoder_model.json")
	if err := SaveParams(path, []*nn.Param{a, b}); err != nil {
		t.Fatalf("SaveParams: %v", err)
	}

	a2 := nn.NewParam("enc.weight", 2, 3)
	b2 := nn.NewParam("enc.bias", 3)
	if err := LoadParams(path, []*nn.Param{b2, a2}); err != nil {
		t.Fatalf("LoadParams: %v", err)
	}
	for i := range a.W.Data {
		if a2.W.Data[i] != a.W.Data[i] {
			t.Errorf("weight[%d] = %f, want %f", i, a2.W.Data[i], a.W.Data[i])
		}
	}
	if b2.W.Data[1] != 7 {
		t.Errorf("bias[1] = %f, want 7", b2.W.Data[1])
	}

	wrong := nn.NewParam("enc.weight", 3, 2)
	if err := LoadParams(path, []*nn.Param{wrong}); err == nil {
		t.Errorf("expected shape mismatch error")
	}
	missing := nn.NewParam("dec.weight", 2, 3)
	if err := LoadParams(path, []*nn.Param{missing}); err == nil {
		t.Errorf("expected missing parameter error")
	}
}

func TestParamsToWeightsRejectsDuplicates(t *testing.T) {
	p := nn.NewParam("x", 1)
	if _, err := ParamsToWeights([]*nn.Param{p, p}); err == nil {
		t.Fatal("expected duplicate name error")
	}
}
