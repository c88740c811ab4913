package dtype

import (
	"testing"

	"gopkg.in/yaml.v3"
)

func TestMaskRoundTrip(t *testing.T) {
	t.Parallel()

	for _, typ := range []Type{Bool, Int16, FP16, FP32} {
		buf := make([]byte, typ.Size()*5)
		typ.FillMask(buf, false)
		typ.PutMask(buf[typ.Size()*2:], true)
		for i := range 5 {
			got := typ.Visible(buf[i*typ.Size():])
			if got != (i == 2) {
				t.Fatalf("%s slot %d: got visible=%v", typ, i, got)
			}
		}
	}
}

func TestMaskEncodings(t *testing.T) {
	t.Parallel()

	cases := []struct {
		typ      Type
		masked   []byte
		unmasked []byte
	}{
		{Bool, []byte{0}, []byte{1}},
		{Int16, []byte{0x00, 0x80}, []byte{0, 0}},
		{FP16, []byte{0x40, 0xd6}, []byte{0, 0}},
		{FP32, []byte{0, 0, 0xc8, 0xc2}, []byte{0, 0, 0, 0}},
	}
	for _, tc := range cases {
		buf := make([]byte, tc.typ.Size())
		tc.typ.PutMask(buf, false)
		if string(buf) != string(tc.masked) {
			t.Fatalf("%s masked: got %x want %x", tc.typ, buf, tc.masked)
		}
		tc.typ.PutMask(buf, true)
		if string(buf) != string(tc.unmasked) {
			t.Fatalf("%s visible: got %x want %x", tc.typ, buf, tc.unmasked)
		}
	}
}

func TestQuantizeInt16(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   float64
		want int16
	}{
		{0, 0},
		{1, 32767},
		{-1, -32767},
		{2, 32767},
		{-2, -32768},
		{0.5 * Int16Scale, 1},
		{-0.5 * Int16Scale, -1},
		{3 * Int16Scale, 3},
	}
	for _, tc := range cases {
		if got := QuantizeInt16(tc.in); got != tc.want {
			t.Fatalf("QuantizeInt16(%v): got %d want %d", tc.in, got, tc.want)
		}
	}
}

func TestFloatRoundTrip(t *testing.T) {
	t.Parallel()

	for _, typ := range []Type{Int16, FP16, FP32} {
		buf := make([]byte, typ.Size())
		typ.PutFloat(buf, 0.25)
		if got := typ.Float(buf); got < 0.2499 || got > 0.2501 {
			t.Fatalf("%s: got %v want 0.25", typ, got)
		}
	}
}

func TestParseAndYAML(t *testing.T) {
	t.Parallel()

	var cfg struct {
		Mask Type `yaml:"mask"`
		Rot  Type `yaml:"rot"`
	}
	if err := yaml.Unmarshal([]byte("mask: int16\nrot: float16\n"), &cfg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if cfg.Mask != Int16 || cfg.Rot != FP16 {
		t.Fatalf("unexpected types %v %v", cfg.Mask, cfg.Rot)
	}
	if _, err := Parse("int4"); err == nil {
		t.Fatalf("expected error for unknown dtype")
	}
	out, err := yaml.Marshal(cfg)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(out) != "mask: int16\nrot: fp16\n" {
		t.Fatalf("marshal: got %q", out)
	}
}
