package split

import (
	"errors"
	"fmt"
	"io"
	"math"
	"time"

	"arae/core/ckkswrapper"
	"arae/models"
	"arae/nn/layers"
	"arae/tensor"

	"github.com/sirupsen/logrus"
)

// Server holds the first classifier layer in the clear and multiplies
// encrypted, tiled codes by it chunk by chunk.
type Server struct {
	kit     *ckkswrapper.ServerKit
	weights []float64 // row-major (out, in)
	log     *logrus.Logger
}

// NewServer snapshots the weights of lin.
func NewServer(kit *ckkswrapper.ServerKit, lin *layers.Linear, logger *logrus.Logger) *Server {
	if logger == nil {
		logger = logrus.New()
	}
	return &Server{
		kit:     kit,
		weights: append([]float64(nil), lin.W.W.Data...),
		log:     logger,
	}
}

// Serve answers forward chunks until the client sends done.
func (s *Server) Serve(p *Protocol) error {
	slots := s.kit.Params.MaxSlots()
	for {
		fwd, err := p.ReceiveForward()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		start := fwd.Chunk * slots
		if fwd.Chunk < 0 || start >= len(s.weights) {
			err := fmt.Errorf("chunk %d out of range", fwd.Chunk)
			p.SendError(err)
			return err
		}
		end := min(start+slots, len(s.weights))

		ct, err := ckkswrapper.UnmarshalCiphertext(s.kit.Params, fwd.Level, fwd.Ciphertext)
		if err != nil {
			p.SendError(err)
			return err
		}
		out, err := s.kit.MulPlain(ct, s.weights[start:end])
		if err != nil {
			p.SendError(err)
			return err
		}
		data, err := out.MarshalBinary()
		if err != nil {
			p.SendError(err)
			return err
		}
		s.log.WithFields(logrus.Fields{
			"batch": fwd.BatchID,
			"chunk": fwd.Chunk,
			"level": out.Level(),
		}).Debug("evaluated chunk")
		if err := p.SendForwardOutput(fwd.BatchID, fwd.Chunk, data, out.Level(), out.Scale.Float64()); err != nil {
			return err
		}
	}
}

// Client owns the keys. It never sends anything but ciphertexts.
type Client struct {
	he      *ckkswrapper.HeContext
	in, out int
	log     *logrus.Logger
}

// NewClient prepares a client for a first layer of shape (out, in).
func NewClient(he *ckkswrapper.HeContext, in, out int, logger *logrus.Logger) *Client {
	if logger == nil {
		logger = logrus.New()
	}
	return &Client{he: he, in: in, out: out, log: logger}
}

// FirstLayer returns x·Wᵀ for a single code. The flattened weight matrix is
// split into slot-sized chunks; slot s of chunk c holds x[(c*slots+s) % in],
// so the server's slot-wise product summed per output row is the matvec.
func (c *Client) FirstLayer(p *Protocol, batchID int, x []float64) ([]float64, error) {
	if len(x) != c.in {
		return nil, fmt.Errorf("code has %d features, layer expects %d", len(x), c.in)
	}
	slots := c.he.Params.MaxSlots()
	total := c.in * c.out
	acc := make([]float64, c.out)
	for chunk, start := 0, 0; start < total; chunk, start = chunk+1, start+slots {
		n := min(slots, total-start)
		tiled := make([]float64, n)
		for s := range tiled {
			tiled[s] = x[(start+s)%c.in]
		}
		ct, err := c.he.EncryptVector(tiled)
		if err != nil {
			return nil, err
		}
		data, err := ct.MarshalBinary()
		if err != nil {
			return nil, fmt.Errorf("marshal ciphertext: %w", err)
		}
		if err := p.SendForward(batchID, chunk, data, ct.Level(), ct.Scale.Float64()); err != nil {
			return nil, err
		}
		reply, err := p.ReceiveForward()
		if err != nil {
			return nil, err
		}
		if reply.BatchID != batchID || reply.Chunk != chunk {
			return nil, fmt.Errorf("reply for %d/%d, want %d/%d", reply.BatchID, reply.Chunk, batchID, chunk)
		}
		res, err := ckkswrapper.UnmarshalCiphertext(c.he.Params, reply.Level, reply.Ciphertext)
		if err != nil {
			return nil, err
		}
		vals, err := c.he.DecryptVector(res, n)
		if err != nil {
			return nil, err
		}
		for s, v := range vals {
			acc[(start+s)/c.in] += v
		}
	}
	return acc, nil
}

// ProbeResult compares classifier probabilities computed through the
// encrypted first layer with the plaintext forward pass.
type ProbeResult struct {
	Examples    int
	Encrypted   []float64
	Plain       []float64
	MaxAbsDiff  float64
	MeanAbsDiff float64
	Elapsed     time.Duration
}

// RunProbe scores every row of codes through an in-process client/server
// pair connected by pipes.
func RunProbe(he *ckkswrapper.HeContext, clf *models.MLP, codes *tensor.Tensor, logger *logrus.Logger) (*ProbeResult, error) {
	if logger == nil {
		logger = logrus.New()
	}
	start := time.Now()
	lin := clf.FirstLinear()
	if codes.Cols() != lin.InDim() {
		return nil, fmt.Errorf("codes have %d features, classifier expects %d", codes.Cols(), lin.InDim())
	}

	toServerR, toServerW := io.Pipe()
	toClientR, toClientW := io.Pipe()
	server := NewServer(he.GenServerKit(), lin, logger)
	served := make(chan error, 1)
	go func() {
		err := server.Serve(NewProtocol(toServerR, toClientW))
		toClientW.CloseWithError(err)
		served <- err
	}()

	proto := NewProtocol(toClientR, toServerW)
	client := NewClient(he, lin.InDim(), lin.OutDim(), logger)
	pre := tensor.New(codes.Rows(), lin.OutDim())
	var clientErr error
	for i := 0; i < codes.Rows(); i++ {
		h, err := client.FirstLayer(proto, i, codes.Row(i))
		if err != nil {
			clientErr = err
			break
		}
		row := pre.Row(i)
		for j := range row {
			row[j] = h[j] + lin.B.W.Data[j]
		}
	}
	if clientErr == nil {
		clientErr = proto.SendDone()
	}
	toServerW.CloseWithError(clientErr)
	if err := <-served; err != nil && clientErr == nil {
		clientErr = err
	}
	if clientErr != nil {
		return nil, fmt.Errorf("encrypted probe: %w", clientErr)
	}

	encProbs, err := clf.Tail(pre)
	if err != nil {
		return nil, err
	}
	plainProbs, err := clf.Forward(codes)
	if err != nil {
		return nil, err
	}
	res := &ProbeResult{
		Examples:  codes.Rows(),
		Encrypted: append([]float64(nil), encProbs.Data...),
		Plain:     append([]float64(nil), plainProbs.Data...),
	}
	for i := range res.Encrypted {
		d := math.Abs(res.Encrypted[i] - res.Plain[i])
		res.MaxAbsDiff = math.Max(res.MaxAbsDiff, d)
		res.MeanAbsDiff += d
	}
	if res.Examples > 0 {
		res.MeanAbsDiff /= float64(res.Examples)
	}
	res.Elapsed = time.Since(start)
	logger.WithFields(logrus.Fields{
		"examples": res.Examples,
		"max_diff": res.MaxAbsDiff,
		"elapsed":  res.Elapsed,
	}).Debug("encrypted probe finished")
	return res, nil
}
