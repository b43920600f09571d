package blockies

import (
	"bytes"
	"image/color"
	"image/png"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func cellRows(rows ...string) []uint8 {
	cells := make([]uint8, 0, len(rows)*IconSize)
	for _, row := range rows {
		for _, c := range row {
			cells = append(cells, uint8(c-'0'))
		}
	}
	return cells
}

func TestNewIdenticon(t *testing.T) {
	t.Parallel()
	tests := []struct {
		seed  string
		color color.NRGBA
		bg    color.NRGBA
		spot  color.NRGBA
		cells []uint8
	}{
		{
			seed:  "0xfb6916095ca1df60bb79ce92ce3ea74c37c5d359",
			color: color.NRGBA{R: 250, G: 173, B: 21, A: 255},
			bg:    color.NRGBA{R: 231, G: 237, B: 51, A: 255},
			spot:  color.NRGBA{R: 115, G: 105, B: 248, A: 255},
			cells: cellRows(
				"10000001",
				"00000000",
				"11000011",
				"12111121",
				"01011010",
				"02122120",
				"02000020",
				"10211201",
			),
		},
		{
			seed:  "0x65fe89a480bdb998f4116daf2a9360632554092c",
			color: color.NRGBA{R: 75, G: 20, B: 215, A: 255},
			bg:    color.NRGBA{R: 61, G: 24, B: 39, A: 255},
			spot:  color.NRGBA{R: 123, G: 210, B: 176, A: 255},
			cells: cellRows(
				"21011012",
				"20200202",
				"21100112",
				"10000001",
				"20100102",
				"01011010",
				"01000010",
				"11000011",
			),
		},
	}
	for _, tt := range tests {
		t.Run(
			tt.seed, func(t *testing.T) {
				icon := NewIdenticon(tt.seed)
				assert.Equal(t, tt.color, icon.Color)
				assert.Equal(t, tt.bg, icon.Background)
				assert.Equal(t, tt.spot, icon.Spot)
				assert.Equal(t, tt.cells, icon.Cells)
			},
		)
	}
}

func TestIdenticonImageMirrored(t *testing.T) {
	t.Parallel()
	icon := NewIdenticon("0x65fe89a480bdb998f4116daf2a9360632554092c")
	img := icon.Image()

	size := IconSize * IconScale
	require.Equal(t, size, img.Bounds().Dx())
	require.Equal(t, size, img.Bounds().Dy())
	for y := 0; y < size; y++ {
		for x := 0; x < size/2; x++ {
			assert.Equal(t, img.NRGBAAt(x, y), img.NRGBAAt(size-1-x, y), "pixel %d,%d", x, y)
		}
	}

	// row 0 is "21011012"
	assert.Equal(t, icon.Spot, img.NRGBAAt(0, 0))
	assert.Equal(t, icon.Color, img.NRGBAAt(IconScale, IconScale-1))
	assert.Equal(t, icon.Background, img.NRGBAAt(2*IconScale, 0))
}

func TestIdenticonPNG(t *testing.T) {
	t.Parallel()
	seed := strings.ToLower("0xFB6916095ca1df60bB79Ce92cE3Ea74c37c5d359")
	data, err := NewIdenticon(seed).PNG()
	require.NoError(t, err)

	img, err := png.Decode(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, 32, img.Bounds().Dx())
	assert.Equal(t, 32, img.Bounds().Dy())

	again, err := NewIdenticon(seed).PNG()
	require.NoError(t, err)
	assert.Equal(t, data, again)
}

func TestHSLToNRGBA(t *testing.T) {
	t.Parallel()
	assert.Equal(t, color.NRGBA{R: 255, A: 255}, hslToNRGBA(0, 100, 50))
	assert.Equal(t, color.NRGBA{R: 255, A: 255}, hslToNRGBA(360, 100, 50))
	assert.Equal(t, color.NRGBA{R: 255, G: 255, B: 255, A: 255}, hslToNRGBA(120, 80, 150))
	assert.Equal(t, color.NRGBA{R: 128, G: 128, B: 128, A: 255}, hslToNRGBA(200, 0, 50))
}
