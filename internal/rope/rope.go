// Package rope builds the rotary position lookup table and cuts per-step
// slices out of it for the model executor.
//
// Each table row holds 2*HeadDim elements laid out as
//
//	[cos(half) cos(half) | sin(half) sin(half)]
//
// so a step slice is two contiguous copies per token.
package rope

import (
	"errors"
	"fmt"
	"math"
	"slices"

	"github.com/samcharles93/spindle/internal/dtype"
	"github.com/samcharles93/spindle/internal/logger"
	"github.com/samcharles93/spindle/pkg/mapfile"
)

var ErrPositionOutOfRange = errors.New("rope: position beyond lookup table")

type Config struct {
	HeadDim  int        `yaml:"head_dim"`
	Length   int        `yaml:"length"`
	Base     float64    `yaml:"base"`
	NTKScale float64    `yaml:"ntk_scale"`
	Type     dtype.Type `yaml:"type"`
	Scaling  *Scaling   `yaml:"scaling"`
}

func (c Config) withDefaults() Config {
	if c.Base <= 0 {
		c.Base = 10000
	}
	if c.NTKScale <= 0 {
		c.NTKScale = 1
	}
	return c
}

func (c Config) validate() error {
	if c.HeadDim <= 2 || c.HeadDim%2 != 0 {
		return fmt.Errorf("rope: head dim must be even and above 2, got %d", c.HeadDim)
	}
	if c.Length <= 0 {
		return fmt.Errorf("rope: table length must be positive, got %d", c.Length)
	}
	if c.Type == dtype.Bool {
		return fmt.Errorf("rope: %s tables are not supported", c.Type)
	}
	return nil
}

type Table struct {
	cfg  Config
	elem int
	data []byte
}

// Generate computes the table with freq = pos / base^(2i/headDim). An NTK
// scale other than 1 replaces base with (base*ntk)^(headDim/(headDim-2)).
func Generate(cfg Config) (*Table, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	scaling, err := cfg.Scaling.normalize(cfg.Length)
	if err != nil {
		return nil, err
	}

	hd := float64(cfg.HeadDim)
	half := cfg.HeadDim / 2
	base := cfg.Base
	if cfg.NTKScale != 1 {
		base = math.Pow(cfg.Base*cfg.NTKScale, hd/(hd-2))
	}

	invFreq := make([]float64, half)
	for i := range invFreq {
		invFreq[i] = 1 / math.Pow(base, float64(2*i)/hd)
	}
	mag := 1.0
	if scaling != nil {
		mag = scaling.apply(invFreq, base)
	}

	t := newTable(cfg)
	rowBytes := 2 * cfg.HeadDim * t.elem
	for pos := range cfg.Length {
		row := t.data[pos*rowBytes : (pos+1)*rowBytes]
		for i, f := range invFreq {
			// Angles are formed in float32, the precision the tables are
			// consumed at.
			angle := float64(float32(pos) * float32(f))
			c, s := math.Cos(angle)*mag, math.Sin(angle)*mag
			t.put(row, i, c)
			t.put(row, i+half, c)
			t.put(row, cfg.HeadDim+i, s)
			t.put(row, cfg.HeadDim+i+half, s)
		}
	}
	return t, nil
}

// Load reads precomputed cos and sin tables, each [Length][HeadDim] in the
// configured encoding. With both paths empty, or either file missing, the
// table is generated instead.
func Load(log logger.Logger, cfg Config, cosPath, sinPath string) (*Table, error) {
	if cosPath == "" && sinPath == "" {
		return Generate(cfg)
	}
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	cosFile, err := mapfile.Open(cosPath)
	if err != nil {
		log.Warn("rotary table file not found, generating instead", "path", cosPath, "error", err)
		return Generate(cfg)
	}
	defer func() { _ = cosFile.Close() }()
	sinFile, err := mapfile.Open(sinPath)
	if err != nil {
		log.Warn("rotary table file not found, generating instead", "path", sinPath, "error", err)
		return Generate(cfg)
	}
	defer func() { _ = sinFile.Close() }()

	t := newTable(cfg)
	half := cfg.HeadDim * t.elem
	if need := cfg.Length * half; cosFile.Len() < need || sinFile.Len() < need {
		return nil, fmt.Errorf("rope: table files hold %d/%d bytes, need %d", cosFile.Len(), sinFile.Len(), need)
	}
	for pos := range cfg.Length {
		row := t.data[pos*2*half : (pos+1)*2*half]
		copy(row[:half], cosFile.Data[pos*half:])
		copy(row[half:], sinFile.Data[pos*half:(pos+1)*half])
	}
	log.Debug("loaded rotary table", "cos", cosPath, "sin", sinPath, "length", cfg.Length)
	return t, nil
}

func newTable(cfg Config) *Table {
	elem := cfg.Type.Size()
	return &Table{
		cfg:  cfg,
		elem: elem,
		data: make([]byte, cfg.Length*2*cfg.HeadDim*elem),
	}
}

func (t *Table) put(row []byte, col int, v float64) {
	t.cfg.Type.PutFloat(row[col*t.elem:], v)
}

func (t *Table) Length() int        { return t.cfg.Length }
func (t *Table) HeadDim() int       { return t.cfg.HeadDim }
func (t *Table) Type() dtype.Type   { return t.cfg.Type }
func (t *Table) Config() Config     { return t.cfg }
func (t *Table) rowBytes() int      { return 2 * t.cfg.HeadDim * t.elem }
func (t *Table) halfBytes() int     { return t.cfg.HeadDim * t.elem }
func (t *Table) row(pos int) []byte { return t.data[pos*t.rowBytes() : (pos+1)*t.rowBytes()] }

// SizeBytes is the slice size for count tokens.
func (t *Table) SizeBytes(count int) int {
	return 2 * count * t.halfBytes()
}

// Cos decodes one cos entry. dim ranges over [0, HeadDim).
func (t *Table) Cos(pos, dim int) float64 {
	return t.cfg.Type.Float(t.row(pos)[dim*t.elem:])
}

// Sin decodes one sin entry. dim ranges over [0, HeadDim).
func (t *Table) Sin(pos, dim int) float64 {
	return t.cfg.Type.Float(t.row(pos)[t.halfBytes()+dim*t.elem:])
}

// Slice writes count rows into dst as [cos block][sin block]. Valid rows
// read positions start, start+1, ...; the leftPad leading and rightPad
// trailing rows of each block are zero.
func (t *Table) Slice(dst []byte, start, count, leftPad, rightPad int) error {
	if leftPad > 0 && rightPad > 0 {
		return fmt.Errorf("rope: left and right padding requested together")
	}
	valid := count - leftPad - rightPad
	if leftPad < 0 || rightPad < 0 || valid < 0 {
		return fmt.Errorf("rope: invalid slice count=%d leftPad=%d rightPad=%d", count, leftPad, rightPad)
	}
	if valid > 0 {
		if err := t.check(start + valid - 1); err != nil {
			return err
		}
	}
	if err := t.checkDst(dst, count); err != nil {
		return err
	}

	half := t.halfBytes()
	block := count * half
	for b := range 2 {
		out := dst[b*block : (b+1)*block]
		clear(out[:leftPad*half])
		for i := range valid {
			src := t.row(start + i)[b*half : (b+1)*half]
			copy(out[(leftPad+i)*half:], src)
		}
		clear(out[(leftPad+valid)*half:])
	}
	return nil
}

// SliceByPositions writes one row per offset, reading position
// base+offsets[i]. Tree steps use node depths as offsets.
func (t *Table) SliceByPositions(dst []byte, base int, offsets []int) error {
	if len(offsets) == 0 {
		return nil
	}
	if slices.Min(offsets) < 0 {
		return fmt.Errorf("rope: negative position offset")
	}
	if err := t.check(base + slices.Max(offsets)); err != nil {
		return err
	}
	if err := t.checkDst(dst, len(offsets)); err != nil {
		return err
	}
	half := t.halfBytes()
	block := len(offsets) * half
	for b := range 2 {
		out := dst[b*block : (b+1)*block]
		for i, off := range offsets {
			copy(out[i*half:(i+1)*half], t.row(base + off)[b*half:(b+1)*half])
		}
	}
	return nil
}

// FoldedSlice serves a folded batch, where each of the width rows is an
// independent continuation of the same prompt. Every row gets the position
// of the current decoding step.
func (t *Table) FoldedSlice(dst []byte, index, promptLen, width int) error {
	pos, err := FoldedIndex(index, promptLen, width)
	if err != nil {
		return err
	}
	return t.SliceByPositions(dst, pos, make([]int, width))
}

// FoldedIndex maps a token index in folded batch mode to the decoding step
// position: promptLen + (index-promptLen)/width.
func FoldedIndex(index, promptLen, width int) (int, error) {
	if index < promptLen || width <= 0 || (index-promptLen)%width != 0 {
		return 0, fmt.Errorf("rope: index %d is not a folded step of width %d after prompt %d", index, width, promptLen)
	}
	return promptLen + (index-promptLen)/width, nil
}

func (t *Table) check(maxPos int) error {
	if maxPos < 0 || maxPos >= t.cfg.Length {
		return fmt.Errorf("%w: requested %d, table holds %d", ErrPositionOutOfRange, maxPos, t.cfg.Length)
	}
	return nil
}

func (t *Table) checkDst(dst []byte, count int) error {
	if need := t.SizeBytes(count); len(dst) < need {
		return fmt.Errorf("rope: destination holds %d bytes, need %d", len(dst), need)
	}
	return nil
}
