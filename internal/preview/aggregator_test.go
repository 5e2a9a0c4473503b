package preview

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"stemflow/internal/arraystore"
	"stemflow/internal/fitsexport"
	"stemflow/internal/frames"
)

func constantFrame(i, j int, n int, v float32) frames.Frame {
	data := make([]float32, n)
	for k := range data {
		data[k] = v
	}
	return frames.Frame{Coord: arraystore.Coord{I: i, J: j}, Data: data}
}

func TestAnnulusMaskBounds(t *testing.T) {
	mask := AnnulusMask(4, 4, 1, 2)
	// centre is (2, 2)
	require.False(t, mask[2*4+2], "centre pixel has r=0 < inner")
	require.True(t, mask[1*4+2], "r=1 is inside [1,2)")
	require.False(t, mask[0*4+2], "r=2 equals outer and is excluded")
	require.True(t, mask[1*4+1], "r=sqrt(2) is inside")
}

func TestConsumeStoresMaskedSum(t *testing.T) {
	agg := New(arraystore.Shape4{2, 2, 4, 4}, 0, 100)
	require.NoError(t, agg.Consume(constantFrame(1, 0, 16, 2)))

	snap := agg.Snapshot()
	require.Equal(t, 32.0, snap.Image.At(1, 0))
	require.Equal(t, 0.0, snap.Image.At(0, 0))
	require.Equal(t, 1, snap.Frames)
}

func TestConsumeRejectsMismatchedFrames(t *testing.T) {
	agg := New(arraystore.Shape4{2, 2, 4, 4}, 0, 100)
	require.Error(t, agg.Consume(constantFrame(0, 0, 9, 1)))
	require.Error(t, agg.Consume(constantFrame(2, 0, 16, 1)))
}

func TestMinMaxPolicy(t *testing.T) {
	agg := New(arraystore.Shape4{1, 5, 1, 1}, 0, 10)

	require.NoError(t, agg.Consume(constantFrame(0, 0, 1, 0)))
	snap := agg.Snapshot()
	require.Equal(t, 0.0, snap.Min)
	require.Equal(t, 0.0, snap.Max)

	require.NoError(t, agg.Consume(constantFrame(0, 1, 1, 5)))
	snap = agg.Snapshot()
	require.Equal(t, 5.0, snap.Min, "first non-zero value seeds the minimum")
	require.Equal(t, 5.0, snap.Max)

	require.NoError(t, agg.Consume(constantFrame(0, 2, 1, 0)))
	require.Equal(t, 5.0, agg.Snapshot().Min, "zero never becomes the minimum after seeding")

	require.NoError(t, agg.Consume(constantFrame(0, 3, 1, 3)))
	require.NoError(t, agg.Consume(constantFrame(0, 4, 1, 9)))
	snap = agg.Snapshot()
	require.Equal(t, 3.0, snap.Min)
	require.Equal(t, 9.0, snap.Max)
}

func TestNegativeSumsNeverRaiseMax(t *testing.T) {
	agg := New(arraystore.Shape4{1, 2, 1, 1}, 0, 10)
	require.NoError(t, agg.Consume(constantFrame(0, 0, 1, -4)))
	require.NoError(t, agg.Consume(constantFrame(0, 1, 1, -2)))
	snap := agg.Snapshot()
	require.Equal(t, -4.0, snap.Min)
	require.Equal(t, 0.0, snap.Max)
}

func TestRadiusChangeIsNotRetroactive(t *testing.T) {
	agg := New(arraystore.Shape4{1, 2, 4, 4}, 0, 100)
	require.NoError(t, agg.Consume(constantFrame(0, 0, 16, 1)))

	agg.SetOuterRadius(1)
	require.NoError(t, agg.Consume(constantFrame(0, 1, 16, 1)))

	snap := agg.Snapshot()
	require.Equal(t, 16.0, snap.Image.At(0, 0), "earlier value keeps the old mask")
	require.Equal(t, 1.0, snap.Image.At(0, 1), "only the centre pixel is inside r<1")
	require.Equal(t, 1.0, snap.Outer)
}

func TestSnapshotIsACopy(t *testing.T) {
	agg := New(arraystore.Shape4{1, 1, 1, 1}, 0, 10)
	require.NoError(t, agg.Consume(constantFrame(0, 0, 1, 7)))

	first := agg.Snapshot()
	second := agg.Snapshot()
	require.Equal(t, first, second)

	first.Image.Pix[0] = -1
	require.Equal(t, 7.0, agg.Snapshot().Image.Pix[0])
}

func TestRunDrainsUntilClosed(t *testing.T) {
	agg := New(arraystore.Shape4{1, 3, 2, 2}, 0, 10)
	in := make(chan frames.Frame, 3)
	for j := 0; j < 3; j++ {
		in <- constantFrame(0, j, 4, float32(j+1))
	}
	close(in)

	require.NoError(t, agg.Run(context.Background(), in))
	snap := agg.Snapshot()
	require.Equal(t, 3, snap.Frames)
	require.Equal(t, []float64{4, 8, 12}, snap.Image.Pix)

	agg.Reset()
	require.Equal(t, 0, agg.Snapshot().Frames)
}

func TestWriteFITS(t *testing.T) {
	agg := New(arraystore.Shape4{2, 2, 1, 1}, 0, 10)
	require.NoError(t, agg.Consume(constantFrame(1, 1, 1, 3)))

	var buf bytes.Buffer
	require.NoError(t, WriteFITS(&buf, agg.Snapshot()))
	im, err := fitsexport.Read(&buf)
	require.NoError(t, err)
	require.Equal(t, 3.0, im.At(1, 1))
}
