package tree

import (
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestPresets(t *testing.T) {
	t.Parallel()

	cases := []struct {
		width int
		paths [][]int
		pos   []int
	}{
		{4, [][]int{{1}, {2}, {3}}, []int{0, 1, 1, 1}},
		{8, [][]int{{1, 4}, {1, 5}, {2, 6}, {3, 7}}, []int{0, 1, 1, 1, 2, 2, 2, 2}},
		{16, [][]int{{2, 8}, {4, 10}, {1, 5, 11}, {1, 5, 12}, {1, 6, 13}, {2, 7, 14}, {3, 9, 15}},
			[]int{0, 1, 1, 1, 1, 2, 2, 2, 2, 2, 2, 3, 3, 3, 3, 3}},
	}
	for _, tc := range cases {
		s, err := Preset(tc.width)
		if err != nil {
			t.Fatalf("preset %d: %v", tc.width, err)
		}
		if s.Width() != tc.width {
			t.Fatalf("preset %d: width %d", tc.width, s.Width())
		}
		sum := 1
		for _, groups := range s.TopK() {
			for _, k := range groups {
				sum += k
			}
		}
		if sum != tc.width {
			t.Fatalf("preset %d: 1+sum(topk)=%d", tc.width, sum)
		}
		if diff := cmp.Diff(tc.paths, s.Paths()); diff != "" {
			t.Fatalf("preset %d paths (-want +got):\n%s", tc.width, diff)
		}
		if diff := cmp.Diff(tc.pos, s.Positions()); diff != "" {
			t.Fatalf("preset %d positions (-want +got):\n%s", tc.width, diff)
		}
	}

	if _, err := Preset(6); !errors.Is(err, ErrMismatchedTopology) {
		t.Fatalf("expected ErrMismatchedTopology for width 6, got %v", err)
	}
	if diff := cmp.Diff([]int{4, 8, 16}, PresetWidths()); diff != "" {
		t.Fatalf("preset widths (-want +got):\n%s", diff)
	}
}

func TestAdjacency(t *testing.T) {
	t.Parallel()

	s, err := Preset(8)
	if err != nil {
		t.Fatalf("preset: %v", err)
	}
	adj := s.Adjacency()
	want := map[int][]int{
		0: {0},
		1: {0, 1},
		4: {0, 1, 4},
		6: {0, 2, 6},
		7: {0, 3, 7},
	}
	for row, cols := range want {
		got := []int{}
		for c, v := range adj[row] {
			if v {
				got = append(got, c)
			}
		}
		if diff := cmp.Diff(cols, got); diff != "" {
			t.Fatalf("row %d (-want +got):\n%s", row, diff)
		}
	}
}

func TestNewRejects(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		parent []int
		topK   [][]int
	}{
		{"count", []int{-1, 0, 0}, [][]int{{3}}},
		{"root", []int{0, 0, 0, 0}, [][]int{{3}}},
		{"forward parent", []int{-1, 2, 0, 0}, [][]int{{3}}},
		{"split group", []int{-1, 0, 0, 0, 1, 2}, [][]int{{3}, {2}}},
		{"depth", []int{-1, 0, 0, 0, 0}, [][]int{{2}, {2}}},
		{"empty head", []int{-1}, [][]int{{}}},
	}
	for _, tc := range cases {
		if _, err := New(tc.parent, tc.topK); !errors.Is(err, ErrMismatchedTopology) {
			t.Fatalf("%s: expected ErrMismatchedTopology, got %v", tc.name, err)
		}
	}
}

func TestCandidates(t *testing.T) {
	t.Parallel()

	s, err := Preset(8)
	if err != nil {
		t.Fatalf("preset: %v", err)
	}
	got, err := s.Candidates(7, [][]int32{{10, 11, 12}, {20, 21}})
	if err != nil {
		t.Fatalf("candidates: %v", err)
	}
	want := []int32{7, 10, 11, 12, 20, 21, 20, 20}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("candidates (-want +got):\n%s", diff)
	}

	if _, err := s.Candidates(7, [][]int32{{10, 11}, {20, 21}}); !errors.Is(err, ErrMismatchedTopology) {
		t.Fatalf("expected error for short ranking, got %v", err)
	}
	if _, err := s.Candidates(7, [][]int32{{10, 11, 12}}); !errors.Is(err, ErrMismatchedTopology) {
		t.Fatalf("expected error for missing head, got %v", err)
	}
}

func TestString(t *testing.T) {
	t.Parallel()

	s, err := Preset(4)
	if err != nil {
		t.Fatalf("preset: %v", err)
	}
	if got, want := s.String(), "0\n  1\n  2\n  3\n"; got != want {
		t.Fatalf("string: got %q want %q", got, want)
	}
	if !strings.Contains(mustPreset(t, 16).String(), "      11\n") {
		t.Fatalf("depth-3 nodes should be indented three levels")
	}
}

func mustPreset(t *testing.T, width int) *Spec {
	t.Helper()
	s, err := Preset(width)
	if err != nil {
		t.Fatalf("preset %d: %v", width, err)
	}
	return s
}
