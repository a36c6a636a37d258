// Package ckkswrapper bundles the lattigo CKKS objects used by the encrypted
// classifier probe.
package ckkswrapper

import (
	"fmt"

	"github.com/tuneinsight/lattigo/v5/core/rlwe"
	"github.com/tuneinsight/lattigo/v5/he/hefloat"
)

// DefaultLogN gives 4096 slots per ciphertext.
const DefaultLogN = 13

// HeContext is the key-holding side: it can encrypt and decrypt.
type HeContext struct {
	Params    hefloat.Parameters
	Encoder   *hefloat.Encoder
	Encryptor *rlwe.Encryptor
	Decryptor *rlwe.Decryptor

	kgen *rlwe.KeyGenerator
	sk   *rlwe.SecretKey
}

// ServerKit is what the evaluating side receives: no secret key.
type ServerKit struct {
	Params    hefloat.Parameters
	Encoder   *hefloat.Encoder
	Evaluator *hefloat.Evaluator
}

// NewHeContext uses DefaultLogN.
func NewHeContext() (*HeContext, error) {
	return NewHeContextWithLogN(DefaultLogN)
}

// NewHeContextWithLogN builds a two-level chain (one plaintext multiplication
// plus rescale) at 2^40 scale.
func NewHeContextWithLogN(logN int) (*HeContext, error) {
	params, err := hefloat.NewParametersFromLiteral(hefloat.ParametersLiteral{
		LogN:            logN,
		LogQ:            []int{55, 40},
		LogP:            []int{45},
		LogDefaultScale: 40,
	})
	if err != nil {
		return nil, fmt.Errorf("ckks parameters (logN=%d): %w", logN, err)
	}
	kgen := hefloat.NewKeyGenerator(params)
	sk, pk := kgen.GenKeyPairNew()
	return &HeContext{
		Params:    params,
		Encoder:   hefloat.NewEncoder(params),
		Encryptor: hefloat.NewEncryptor(params, pk),
		Decryptor: hefloat.NewDecryptor(params, sk),
		kgen:      kgen,
		sk:        sk,
	}, nil
}

// GenServerKit derives an evaluator carrying only the relinearization key.
func (h *HeContext) GenServerKit() *ServerKit {
	rlk := h.kgen.GenRelinearizationKeyNew(h.sk)
	return &ServerKit{
		Params:    h.Params,
		Encoder:   hefloat.NewEncoder(h.Params),
		Evaluator: hefloat.NewEvaluator(h.Params, rlwe.NewMemEvaluationKeySet(rlk)),
	}
}

// EncryptVector encrypts up to MaxSlots values at the top level.
func (h *HeContext) EncryptVector(values []float64) (*rlwe.Ciphertext, error) {
	if len(values) > h.Params.MaxSlots() {
		return nil, fmt.Errorf("%d values exceed %d slots", len(values), h.Params.MaxSlots())
	}
	pt := hefloat.NewPlaintext(h.Params, h.Params.MaxLevel())
	if err := h.Encoder.Encode(values, pt); err != nil {
		return nil, fmt.Errorf("encode: %w", err)
	}
	ct, err := h.Encryptor.EncryptNew(pt)
	if err != nil {
		return nil, fmt.Errorf("encrypt: %w", err)
	}
	return ct, nil
}

// DecryptVector returns the real parts of the first n slots.
func (h *HeContext) DecryptVector(ct *rlwe.Ciphertext, n int) ([]float64, error) {
	slots := h.Params.MaxSlots()
	if n > slots {
		return nil, fmt.Errorf("%d values exceed %d slots", n, slots)
	}
	decoded := make([]complex128, slots)
	if err := h.Encoder.Decode(h.Decryptor.DecryptNew(ct), decoded); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	out := make([]float64, n)
	for i := range out {
		out[i] = real(decoded[i])
	}
	return out, nil
}

// MulPlain multiplies ct slot-wise by values and rescales the product.
func (k *ServerKit) MulPlain(ct *rlwe.Ciphertext, values []float64) (*rlwe.Ciphertext, error) {
	if ct.Level() < 1 {
		return nil, fmt.Errorf("ciphertext at level %d cannot be rescaled", ct.Level())
	}
	pt := hefloat.NewPlaintext(k.Params, ct.Level())
	if err := k.Encoder.Encode(values, pt); err != nil {
		return nil, fmt.Errorf("encode: %w", err)
	}
	out, err := k.Evaluator.MulNew(ct, pt)
	if err != nil {
		return nil, fmt.Errorf("mul: %w", err)
	}
	if err := k.Evaluator.Rescale(out, out); err != nil {
		return nil, fmt.Errorf("rescale: %w", err)
	}
	return out, nil
}

// UnmarshalCiphertext decodes bytes produced by Ciphertext.MarshalBinary.
func UnmarshalCiphertext(params hefloat.Parameters, level int, data []byte) (*rlwe.Ciphertext, error) {
	if level < 0 || level > params.MaxLevel() {
		return nil, fmt.Errorf("level %d outside [0, %d]", level, params.MaxLevel())
	}
	ct := hefloat.NewCiphertext(params, 1, level)
	if err := ct.UnmarshalBinary(data); err != nil {
		return nil, fmt.Errorf("unmarshal ciphertext: %w", err)
	}
	return ct, nil
}
