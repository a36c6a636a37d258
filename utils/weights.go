package utils

import (
	"encoding/json"
	"fmt"
	"os"

	"arae/nn"
	"arae/tensor"
)

// WeightsVersion tags checkpoints written by SaveParams.
const WeightsVersion = "1.0"

// WeightData represents serializable weight data for a layer
type WeightData struct {
	Name  string    `json:"name"`
	Shape []int     `json:"shape"`
	Data  []float64 `json:"data"`
}

// ModelWeights represents all weights in a model, keyed by parameter name.
type ModelWeights struct {
	Version string                 `json:"version"`
	Params  map[string]*WeightData `json:"params"`
}

// SaveWeights saves model weights to a JSON file
func SaveWeights(filepath string, weights *ModelWeights) error {
	data, err := json.Marshal(weights)
	if err != nil {
		return fmt.Errorf("failed to marshal weights: %w", err)
	}
	return os.WriteFile(filepath, data, 0644)
}

// LoadWeights loads model weights from a JSON file
func LoadWeights(filepath string) (*ModelWeights, error) {
	data, err := os.ReadFile(filepath)
	if err != nil {
		return nil, fmt.Errorf("failed to read weights file: %w", err)
	}
	var weights ModelWeights
	if err := json.Unmarshal(data, &weights); err != nil {
		return nil, fmt.Errorf("failed to unmarshal weights: %w", err)
	}
	return &weights, nil
}

// TensorToWeightData converts a tensor to serializable weight data
func TensorToWeightData(name string, t *tensor.Tensor) *WeightData {
	return &WeightData{
		Name:  name,
		Shape: append([]int(nil), t.Shape...),
		Data:  append([]float64{}, t.Data...), // copy
	}
}

// WeightDataToTensor converts weight data back to a tensor
func WeightDataToTensor(wd *WeightData) *tensor.Tensor {
	t := tensor.New(wd.Shape...)
	copy(t.Data, wd.Data)
	return t
}

// ParamsToWeights snapshots the values of ps.
func ParamsToWeights(ps []*nn.Param) (*ModelWeights, error) {
	w := &ModelWeights{Version: WeightsVersion, Params: make(map[string]*WeightData, len(ps))}
	for _, p := range ps {
		if _, dup := w.Params[p.Name]; dup {
			return nil, fmt.Errorf("duplicate parameter name %q", p.Name)
		}
		w.Params[p.Name] = TensorToWeightData(p.Name, p.W)
	}
	return w, nil
}

// ApplyWeights copies stored values into ps. Every parameter must be present
// with the same shape.
func ApplyWeights(w *ModelWeights, ps []*nn.Param) error {
	for _, p := range ps {
		wd, ok := w.Params[p.Name]
		if !ok {
			return fmt.Errorf("checkpoint has no parameter %q", p.Name)
		}
		src := WeightDataToTensor(wd)
		if !tensor.SameShape(src, p.W) || len(wd.Data) != len(p.W.Data) {
			return fmt.Errorf("parameter %q: checkpoint shape %v, model shape %v", p.Name, wd.Shape, p.W.Shape)
		}
		copy(p.W.Data, src.Data)
	}
	return nil
}

// SaveParams writes ps to a JSON checkpoint.
func SaveParams(path string, ps []*nn.Param) error {
	w, err := ParamsToWeights(ps)
	if err != nil {
		return err
	}
	return SaveWeights(path, w)
}

// LoadParams restores ps from a checkpoint written by SaveParams.
func LoadParams(path string, ps []*nn.Param) error {
	w, err := LoadWeights(path)
	if err != nil {
		return err
	}
	if err := ApplyWeights(w, ps); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	return nil
}
