package mask

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ollama/videogen/tensor"
)

// group returns every value of temporal group g in a (4, groups, h, w) mask.
func group(t *testing.T, m *tensor.Tensor, g int) []float32 {
	t.Helper()
	s, err := m.Slice(1, g, g+1)
	require.NoError(t, err)
	return s.Data()
}

func all(vs []float32, want float32) bool {
	for _, v := range vs {
		if v != want {
			return false
		}
	}
	return true
}

func TestBuild(t *testing.T) {
	cases := []struct {
		name      string
		opts      Options
		shape     []int
		lastGiven bool
	}{
		{"start only", Options{Frames: 81, Height: 6, Width: 10}, []int{4, 21, 6, 10}, false},
		{"short clip", Options{Frames: 5, Height: 2, Width: 2}, []int{4, 2, 2, 2}, false},
		{"single frame", Options{Frames: 1, Height: 3, Width: 3}, []int{4, 1, 3, 3}, false},
		{"end anchor with extra frame", Options{Frames: 82, Height: 6, Width: 10, EndAnchor: true, ExtraEndFrame: true}, []int{4, 22, 6, 10}, true},
		{"end anchor in place", Options{Frames: 81, Height: 4, Width: 4, EndAnchor: true}, []int{4, 21, 4, 4}, false},
	}

	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			m, err := Build(tt.opts)
			require.NoError(t, err)

			if diff := cmp.Diff(tt.shape, m.Shape()); diff != "" {
				t.Fatalf("shape mismatch (-want +got):\n%s", diff)
			}

			assert.True(t, all(group(t, m, 0), 1), "first group must be fully given")

			groups := m.Dim(1)
			for g := 1; g < groups-1; g++ {
				assert.True(t, all(group(t, m, g), 0), "interior group %d must be empty", g)
			}

			if groups > 1 {
				last := group(t, m, groups-1)
				if tt.lastGiven {
					assert.True(t, all(last, 1), "last group must be fully given")
				} else if !tt.opts.EndAnchor {
					assert.True(t, all(last, 0), "last group must be empty")
				}
			}
		})
	}
}

func TestBuildEndAnchorInPlace(t *testing.T) {
	// Without a reserved frame the end anchor only marks the final
	// sub-channel of the last group.
	m, err := Build(Options{Frames: 9, Height: 1, Width: 1, EndAnchor: true})
	require.NoError(t, err)
	require.Equal(t, []int{4, 3, 1, 1}, m.Shape())

	want := []float32{
		1, 0, 0,
		1, 0, 0,
		1, 0, 0,
		1, 0, 1,
	}
	if diff := cmp.Diff(want, m.Data()); diff != "" {
		t.Errorf("mask mismatch (-want +got):\n%s", diff)
	}
}

func TestBuildInvalid(t *testing.T) {
	_, err := Build(Options{Frames: 80, Height: 2, Width: 2})
	assert.Error(t, err, "80 frames is not 4n+1")

	_, err = Build(Options{Frames: 0, Height: 2, Width: 2})
	assert.Error(t, err)
}
