package rope

import (
	"encoding/binary"
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/samcharles93/spindle/internal/dtype"
	"github.com/samcharles93/spindle/internal/logger"
)

func near(a, b, tol float64) bool {
	return math.Abs(a-b) <= tol
}

func mustGenerate(t *testing.T, cfg Config) *Table {
	t.Helper()
	tbl, err := Generate(cfg)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	return tbl
}

func TestGenerateMatchesRotaryFormula(t *testing.T) {
	t.Parallel()

	tbl := mustGenerate(t, Config{HeadDim: 8, Length: 32, Type: dtype.FP32})
	for _, pos := range []int{0, 1, 7, 31} {
		for i := range 4 {
			freq := float64(pos) / math.Pow(10000, float64(2*i)/8)
			if got := tbl.Cos(pos, i); !near(got, math.Cos(freq), 1e-4) {
				t.Fatalf("cos(%d,%d): got %v want %v", pos, i, got, math.Cos(freq))
			}
			if got := tbl.Sin(pos, i); !near(got, math.Sin(freq), 1e-4) {
				t.Fatalf("sin(%d,%d): got %v want %v", pos, i, got, math.Sin(freq))
			}
			if tbl.Cos(pos, i) != tbl.Cos(pos, i+4) || tbl.Sin(pos, i) != tbl.Sin(pos, i+4) {
				t.Fatalf("halves of row %d differ at %d", pos, i)
			}
		}
	}
}

func TestGenerateNTKScalesBase(t *testing.T) {
	t.Parallel()

	tbl := mustGenerate(t, Config{HeadDim: 8, Length: 8, NTKScale: 4, Type: dtype.FP32})
	base := math.Pow(10000*4, 8.0/6.0)
	freq := 5 / math.Pow(base, 2.0/8)
	if got := tbl.Cos(5, 1); !near(got, math.Cos(freq), 1e-4) {
		t.Fatalf("ntk cos: got %v want %v", got, math.Cos(freq))
	}
}

func TestGenerateInt16RoundsToNearest(t *testing.T) {
	t.Parallel()

	tbl := mustGenerate(t, Config{HeadDim: 4, Length: 4, Type: dtype.Int16})
	dst := make([]byte, tbl.SizeBytes(1))
	if err := tbl.Slice(dst, 0, 1, 0, 0); err != nil {
		t.Fatalf("slice: %v", err)
	}
	// Position 0: cos=1 saturates to 32767, sin=0.
	for i := range 4 {
		if v := int16(binary.LittleEndian.Uint16(dst[i*2:])); v != 32767 {
			t.Fatalf("cos element %d: got %d want 32767", i, v)
		}
		if v := int16(binary.LittleEndian.Uint16(dst[8+i*2:])); v != 0 {
			t.Fatalf("sin element %d: got %d want 0", i, v)
		}
	}
	freq := float64(float32(3) * float32(1/math.Pow(10000, 0.5)))
	want := dtype.QuantizeInt16(math.Sin(freq))
	if got := dtype.QuantizeInt16(tbl.Sin(3, 1)); got != want {
		t.Fatalf("sin(3,1): got %d want %d", got, want)
	}
}

func TestSlicePadding(t *testing.T) {
	t.Parallel()

	tbl := mustGenerate(t, Config{HeadDim: 4, Length: 16, Type: dtype.FP32})
	cases := []struct {
		name     string
		left     int
		right    int
		wantRows []int // -1 marks a zero row
	}{
		{"none", 0, 0, []int{3, 4, 5, 6}},
		{"left", 2, 0, []int{-1, -1, 3, 4}},
		{"right", 0, 1, []int{3, 4, 5, -1}},
	}
	for _, tc := range cases {
		dst := make([]byte, tbl.SizeBytes(4))
		for i := range dst {
			dst[i] = 0xff
		}
		if err := tbl.Slice(dst, 3, 4, tc.left, tc.right); err != nil {
			t.Fatalf("%s: slice: %v", tc.name, err)
		}
		for block := range 2 {
			for r, pos := range tc.wantRows {
				for d := range 4 {
					off := (block*4*4 + r*4 + d) * 4
					got := float64(math.Float32frombits(binary.LittleEndian.Uint32(dst[off:])))
					want := 0.0
					if pos >= 0 {
						if block == 0 {
							want = tbl.Cos(pos, d)
						} else {
							want = tbl.Sin(pos, d)
						}
					}
					if got != want {
						t.Fatalf("%s: block %d row %d dim %d: got %v want %v", tc.name, block, r, d, got, want)
					}
				}
			}
		}
	}
}

func TestSliceErrors(t *testing.T) {
	t.Parallel()

	tbl := mustGenerate(t, Config{HeadDim: 4, Length: 8, Type: dtype.FP16})
	dst := make([]byte, tbl.SizeBytes(4))
	if err := tbl.Slice(dst, 0, 4, 1, 1); err == nil {
		t.Fatalf("expected error for two-sided padding")
	}
	if err := tbl.Slice(dst, 5, 4, 0, 0); !errors.Is(err, ErrPositionOutOfRange) {
		t.Fatalf("expected ErrPositionOutOfRange, got %v", err)
	}
	// Right padding keeps the valid rows inside the table.
	if err := tbl.Slice(dst, 5, 4, 0, 1); err != nil {
		t.Fatalf("right padded slice at the table end: %v", err)
	}
	if err := tbl.Slice(dst[:4], 0, 4, 0, 0); err == nil {
		t.Fatalf("expected error for short destination")
	}
}

func TestSliceByPositions(t *testing.T) {
	t.Parallel()

	tbl := mustGenerate(t, Config{HeadDim: 4, Length: 16, Type: dtype.FP32})
	offsets := []int{0, 1, 1, 2}
	dst := make([]byte, tbl.SizeBytes(len(offsets)))
	if err := tbl.SliceByPositions(dst, 6, offsets); err != nil {
		t.Fatalf("slice: %v", err)
	}
	for r, off := range offsets {
		cos := float64(math.Float32frombits(binary.LittleEndian.Uint32(dst[r*16:])))
		sin := float64(math.Float32frombits(binary.LittleEndian.Uint32(dst[64+r*16:])))
		if cos != tbl.Cos(6+off, 0) || sin != tbl.Sin(6+off, 0) {
			t.Fatalf("row %d: unexpected values cos=%v sin=%v", r, cos, sin)
		}
	}
	if err := tbl.SliceByPositions(dst, 14, offsets); !errors.Is(err, ErrPositionOutOfRange) {
		t.Fatalf("expected ErrPositionOutOfRange, got %v", err)
	}
}

func TestFoldedSlice(t *testing.T) {
	t.Parallel()

	tbl := mustGenerate(t, Config{HeadDim: 4, Length: 32, Type: dtype.FP32})
	pos, err := FoldedIndex(5+2*4, 5, 4)
	if err != nil || pos != 7 {
		t.Fatalf("folded index: got %d, %v want 7", pos, err)
	}
	if _, err := FoldedIndex(6, 5, 4); err == nil {
		t.Fatalf("expected error for misaligned folded index")
	}

	dst := make([]byte, tbl.SizeBytes(4))
	if err := tbl.FoldedSlice(dst, 13, 5, 4); err != nil {
		t.Fatalf("folded slice: %v", err)
	}
	for r := range 4 {
		cos := float64(math.Float32frombits(binary.LittleEndian.Uint32(dst[r*16+4:])))
		if cos != tbl.Cos(7, 1) {
			t.Fatalf("row %d: got %v want %v", r, cos, tbl.Cos(7, 1))
		}
	}
}

func TestScaling(t *testing.T) {
	t.Parallel()

	plain := mustGenerate(t, Config{HeadDim: 8, Length: 16, Type: dtype.FP32})
	linear := mustGenerate(t, Config{HeadDim: 8, Length: 16, Type: dtype.FP32, Scaling: &Scaling{Type: "linear", Factor: 2}})
	for i := range 4 {
		if linear.Cos(8, i) != plain.Cos(4, i) {
			t.Fatalf("linear scaling dim %d: got %v want %v", i, linear.Cos(8, i), plain.Cos(4, i))
		}
	}

	yarn := mustGenerate(t, Config{HeadDim: 8, Length: 16, Type: dtype.FP32, Scaling: &Scaling{Type: "yarn", Factor: 4, OrigMaxCtx: 4}})
	if want := 0.1*math.Log(4) + 1; !near(yarn.Cos(0, 0), want, 1e-5) {
		t.Fatalf("yarn magnitude: got %v want %v", yarn.Cos(0, 0), want)
	}

	llama := mustGenerate(t, Config{HeadDim: 8, Length: 16, Type: dtype.FP32, Scaling: &Scaling{Type: "llama3", Factor: 8, OrigMaxCtx: 64, LowFactor: 1, HighFactor: 8}})
	// Short wavelengths stay unscaled, long ones are divided by the factor.
	if llama.Cos(3, 0) != plain.Cos(3, 0) {
		t.Fatalf("llama3 high frequency changed: %v vs %v", llama.Cos(3, 0), plain.Cos(3, 0))
	}
	if llama.Cos(8, 3) != plain.Cos(1, 3) {
		t.Fatalf("llama3 low frequency: got %v want %v", llama.Cos(8, 3), plain.Cos(1, 3))
	}

	if _, err := Generate(Config{HeadDim: 8, Length: 4, Type: dtype.FP32, Scaling: &Scaling{Type: "ntk-by-parts"}}); err == nil {
		t.Fatalf("expected error for unknown scaling type")
	}
}

func TestConfigValidation(t *testing.T) {
	t.Parallel()

	bad := []Config{
		{HeadDim: 7, Length: 4, Type: dtype.FP32},
		{HeadDim: 2, Length: 4, Type: dtype.FP32},
		{HeadDim: 8, Length: 0, Type: dtype.FP32},
		{HeadDim: 8, Length: 4, Type: dtype.Bool},
	}
	for _, cfg := range bad {
		if _, err := Generate(cfg); err == nil {
			t.Fatalf("expected error for %+v", cfg)
		}
	}
}

func TestLoadFromFiles(t *testing.T) {
	t.Parallel()

	cfg := Config{HeadDim: 4, Length: 3, Type: dtype.FP32}
	dir := t.TempDir()
	cosData := make([]byte, 3*4*4)
	sinData := make([]byte, 3*4*4)
	for pos := range 3 {
		for d := range 4 {
			dtype.FP32.PutFloat(cosData[(pos*4+d)*4:], float64(pos)+0.25*float64(d))
			dtype.FP32.PutFloat(sinData[(pos*4+d)*4:], -float64(pos))
		}
	}
	cosPath := filepath.Join(dir, "cos.bin")
	sinPath := filepath.Join(dir, "sin.bin")
	if err := os.WriteFile(cosPath, cosData, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := os.WriteFile(sinPath, sinData, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	tbl, err := Load(logger.Discard(), cfg, cosPath, sinPath)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if tbl.Cos(2, 3) != 2.75 || tbl.Sin(1, 2) != -1 {
		t.Fatalf("unexpected loaded values cos=%v sin=%v", tbl.Cos(2, 3), tbl.Sin(1, 2))
	}

	fallback, err := Load(logger.Discard(), cfg, filepath.Join(dir, "missing"), sinPath)
	if err != nil {
		t.Fatalf("fallback: %v", err)
	}
	if fallback.Cos(0, 0) != 1 {
		t.Fatalf("fallback should generate the table, got cos(0,0)=%v", fallback.Cos(0, 0))
	}

	if err := os.WriteFile(sinPath, sinData[:8], 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := Load(logger.Discard(), cfg, cosPath, sinPath); err == nil {
		t.Fatalf("expected error for truncated table file")
	}
}
