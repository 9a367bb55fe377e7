// Package toyrt is a small pure-Go model runtime used for development and
// testing. It implements the runtime capability surface with a byte-level
// tokenizer and a tiny recurrent scorer whose weights are derived
// deterministically from a seed stored in the weights file, so identical
// files always produce identical logits.
package toyrt

import (
	"encoding/binary"
	"fmt"
	"math"
	"math/rand"
	"os"

	"github.com/emberml/kiln/internal/runtime"
)

const (
	magic   = "KTOY"
	version = 1

	// Byte-level vocabulary plus BOS and EOS.
	vocabSize = 258
	bosID     = 256
	eosID     = 257

	// Hidden-state decay per step.
	decay = 0.85
)

// Runtime implements runtime.Runtime.
type Runtime struct{}

// New returns a toy runtime.
func New() *Runtime { return &Runtime{} }

// WriteWeights creates a weights file with the given hidden size and seed.
func WriteWeights(path string, hidden int, seed int64) error {
	if hidden <= 0 {
		return fmt.Errorf("toyrt: hidden size must be positive, got %d", hidden)
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err := f.Write([]byte(magic)); err != nil {
		return err
	}
	hdr := struct {
		Version uint32
		Hidden  uint32
		Seed    int64
	}{Version: version, Hidden: uint32(hidden), Seed: seed}
	return binary.Write(f, binary.LittleEndian, &hdr)
}

// LoadModel reads a weights file and materializes the model matrices.
// Progress is reported after the header parse and per embedding row.
func (r *Runtime) LoadModel(path string, params runtime.ModelParams) (runtime.Model, error) {
	report := params.Progress
	if report == nil {
		report = func(float32) {}
	}
	report(0)

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("toyrt: open weights: %w", err)
	}
	defer f.Close()

	var mg [4]byte
	if _, err := f.Read(mg[:]); err != nil {
		return nil, fmt.Errorf("toyrt: read header: %w", err)
	}
	if string(mg[:]) != magic {
		return nil, fmt.Errorf("toyrt: bad magic %q", mg[:])
	}
	var hdr struct {
		Version uint32
		Hidden  uint32
		Seed    int64
	}
	if err := binary.Read(f, binary.LittleEndian, &hdr); err != nil {
		return nil, fmt.Errorf("toyrt: read header: %w", err)
	}
	if hdr.Version != version {
		return nil, fmt.Errorf("toyrt: unsupported weights version %d", hdr.Version)
	}
	if hdr.Hidden == 0 || hdr.Hidden > 4096 {
		return nil, fmt.Errorf("toyrt: implausible hidden size %d", hdr.Hidden)
	}
	report(0.1)

	hidden := int(hdr.Hidden)
	m := &model{
		hidden: hidden,
		emb:    make([][]float32, vocabSize),
		proj:   make([][]float32, vocabSize),
	}
	rng := rand.New(rand.NewSource(hdr.Seed))
	for i := 0; i < vocabSize; i++ {
		m.emb[i] = fillRow(rng, hidden)
		m.proj[i] = fillRow(rng, hidden)
		if i%32 == 0 {
			report(0.1 + 0.9*float32(i)/float32(vocabSize))
		}
	}
	report(1)
	return m, nil
}

func fillRow(rng *rand.Rand, n int) []float32 {
	row := make([]float32, n)
	for i := range row {
		row[i] = float32(rng.NormFloat64()) * 0.3
	}
	return row
}

type model struct {
	hidden int
	emb    [][]float32
	proj   [][]float32
	freed  bool
}

func (m *model) NewContext(params runtime.ContextParams) (runtime.Context, error) {
	if m.freed {
		return nil, fmt.Errorf("toyrt: model already freed")
	}
	maxCtx := params.MaxContext
	if maxCtx <= 0 {
		maxCtx = 2048
	}
	return &decodeContext{
		model:  m,
		maxCtx: maxCtx,
		h:      make([]float32, m.hidden),
		logits: make([]float32, vocabSize),
	}, nil
}

// Tokenize encodes text as BOS followed by its raw bytes.
func (m *model) Tokenize(text string) ([]int, error) {
	if m.freed {
		return nil, fmt.Errorf("toyrt: model already freed")
	}
	ids := make([]int, 0, len(text)+1)
	ids = append(ids, bosID)
	for i := 0; i < len(text); i++ {
		ids = append(ids, int(text[i]))
	}
	return ids, nil
}

func (m *model) TokenText(id int) string {
	if id < 0 || id >= bosID {
		return ""
	}
	return string([]byte{byte(id)})
}

func (m *model) IsEOS(id int) bool { return id == eosID }

func (m *model) VocabSize() int { return vocabSize }

func (m *model) Free() { m.freed = true }

type decodeContext struct {
	model  *model
	maxCtx int
	pos    int
	h      []float32
	logits []float32
	haveLg bool
	freed  bool
}

// Decode folds each token into the hidden state and projects logits for
// entries that request them. Positions must continue from the context's
// counter; a gap means the caller desynchronized from the cache.
func (c *decodeContext) Decode(b *runtime.Batch) error {
	if c.freed {
		return fmt.Errorf("toyrt: context already freed")
	}
	if b == nil || b.Len() == 0 {
		return fmt.Errorf("toyrt: empty batch")
	}
	if c.pos+b.Len() > c.maxCtx {
		return fmt.Errorf("toyrt: context window exceeded (%d + %d > %d)", c.pos, b.Len(), c.maxCtx)
	}
	for i := 0; i < b.Len(); i++ {
		if b.Pos[i] != c.pos {
			return fmt.Errorf("toyrt: position %d does not continue from %d", b.Pos[i], c.pos)
		}
		tok := b.Tokens[i]
		if tok < 0 || tok >= vocabSize {
			return fmt.Errorf("toyrt: token %d out of range", tok)
		}
		emb := c.model.emb[tok]
		for j := range c.h {
			c.h[j] = float32(math.Tanh(float64(decay*c.h[j] + emb[j])))
		}
		c.pos++
		if b.WantLogits[i] {
			c.project()
		}
	}
	return nil
}

func (c *decodeContext) project() {
	for v := 0; v < vocabSize; v++ {
		var sum float32
		row := c.model.proj[v]
		for j, hv := range c.h {
			sum += row[j] * hv
		}
		c.logits[v] = sum
	}
	c.haveLg = true
}

func (c *decodeContext) Logits() []float32 {
	if !c.haveLg {
		return nil
	}
	return c.logits
}

func (c *decodeContext) Clear() {
	for i := range c.h {
		c.h[i] = 0
	}
	c.pos = 0
	c.haveLg = false
}

func (c *decodeContext) Free() { c.freed = true }
