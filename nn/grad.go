package nn

import (
	"fmt"
	"math"

	"arae/tensor"

	"gonum.org/v1/gonum/floats"
)

// GradNorm returns the global L2 norm of the gradients of ps.
func GradNorm(ps []*Param) float64 {
	sq := 0.0
	for _, p := range ps {
		n := floats.Norm(p.G.Data, 2)
		sq += n * n
	}
	return math.Sqrt(sq)
}

// ClipGradNorm rescales the gradients of ps in place so that their global
// norm is at most maxNorm. It returns the norm before clipping.
func ClipGradNorm(ps []*Param, maxNorm float64) float64 {
	norm := GradNorm(ps)
	coef := maxNorm / (norm + 1e-6)
	if coef < 1 {
		for _, p := range ps {
			floats.Scale(coef, p.G.Data)
		}
	}
	return norm
}

// ScaleGradient multiplies row i of grad by factor[i] and returns the result
// as a new tensor. It is the explicit transform placed between a consumer's
// input gradient and the encoder's backward pass.
func ScaleGradient(grad *tensor.Tensor, factor []float64) (*tensor.Tensor, error) {
	if len(grad.Shape) != 2 {
		return nil, fmt.Errorf("ScaleGradient expects a 2-D gradient, got %v", grad.Shape)
	}
	if grad.Rows() != len(factor) {
		return nil, fmt.Errorf("ScaleGradient: %d factors for %d rows", len(factor), grad.Rows())
	}
	out := grad.Clone()
	for i, f := range factor {
		floats.Scale(f, out.Row(i))
	}
	return out, nil
}

// Clamp limits every parameter value of ps to [-bound, bound].
func Clamp(ps []*Param, bound float64) {
	for _, p := range ps {
		for i, w := range p.W.Data {
			p.W.Data[i] = math.Max(-bound, math.Min(bound, w))
		}
	}
}

// GradsFinite reports whether every gradient entry of ps is finite.
func GradsFinite(ps []*Param) bool {
	for _, p := range ps {
		if !p.G.IsFinite() {
			return false
		}
	}
	return true
}
