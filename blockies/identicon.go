package blockies

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"math"
)

const (
	// IconSize is the number of cells along each side of an identicon
	IconSize = 8

	// IconScale is the pixel size of each cell
	IconScale = 4
)

// Identicon is an Ethereum "blockies" identicon: a horizontally mirrored
// grid of cells in three colors, derived from a seed string.
type Identicon struct {
	Color      color.NRGBA
	Background color.NRGBA
	Spot       color.NRGBA

	// Cells holds IconSize rows of IconSize cells. 0 is background, 1 is
	// Color and anything else is Spot.
	Cells []uint8
}

// xorshift is the seeded generator blockies draws every value from
type xorshift [4]int32

func newXorshift(seed string) *xorshift {
	var s xorshift
	for i := 0; i < len(seed); i++ {
		s[i%4] = s[i%4]<<5 - s[i%4] + int32(seed[i])
	}
	return &s
}

// next returns a value in [0, 2)
func (s *xorshift) next() float64 {
	t := s[0] ^ (s[0] << 11)
	s[0], s[1], s[2] = s[1], s[2], s[3]
	s[3] = s[3] ^ (s[3] >> 19) ^ t ^ (t >> 8)
	return float64(uint32(s[3])) / (1 << 31)
}

func (s *xorshift) color() color.NRGBA {
	h := math.Floor(s.next() * 360)
	sat := float64(s.next()*60) + 40
	light := (s.next() + s.next() + s.next() + s.next()) * 25
	return hslToNRGBA(h, sat, light)
}

// NewIdenticon derives the identicon for seed. Addresses are seeded with
// their lowercase hex form.
func NewIdenticon(seed string) *Identicon {
	r := newXorshift(seed)
	icon := &Identicon{
		Color:      r.color(),
		Background: r.color(),
		Spot:       r.color(),
		Cells:      make([]uint8, 0, IconSize*IconSize),
	}

	dataWidth := (IconSize + 1) / 2
	mirrorWidth := IconSize - dataWidth
	row := make([]uint8, IconSize)
	for y := 0; y < IconSize; y++ {
		for x := 0; x < dataWidth; x++ {
			row[x] = uint8(math.Floor(r.next() * 2.3))
		}
		for x := 0; x < mirrorWidth; x++ {
			row[dataWidth+x] = row[mirrorWidth-1-x]
		}
		icon.Cells = append(icon.Cells, row...)
	}
	return icon
}

// Image renders the identicon at IconScale pixels per cell
func (i *Identicon) Image() *image.NRGBA {
	size := IconSize * IconScale
	img := image.NewNRGBA(image.Rect(0, 0, size, size))
	for idx, cell := range i.Cells {
		c := i.Background
		switch cell {
		case 0:
		case 1:
			c = i.Color
		default:
			c = i.Spot
		}
		x0, y0 := (idx%IconSize)*IconScale, (idx/IconSize)*IconScale
		for y := y0; y < y0+IconScale; y++ {
			for x := x0; x < x0+IconScale; x++ {
				img.SetNRGBA(x, y, c)
			}
		}
	}
	return img
}

// PNG encodes the rendered identicon
func (i *Identicon) PNG() ([]byte, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, i.Image()); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// hslToNRGBA converts CSS-style hsl(h, s%, l%), clamping s and l to
// [0, 100].
func hslToNRGBA(h, s, l float64) color.NRGBA {
	h = math.Mod(h, 360) / 360
	s = math.Min(math.Max(s, 0), 100) / 100
	l = math.Min(math.Max(l, 0), 100) / 100

	var q float64
	if l < 0.5 {
		q = l * (1 + s)
	} else {
		q = l + s - l*s
	}
	p := 2*l - q
	return color.NRGBA{
		R: channel(hueToRGB(p, q, h+1.0/3)),
		G: channel(hueToRGB(p, q, h)),
		B: channel(hueToRGB(p, q, h-1.0/3)),
		A: 0xff,
	}
}

func hueToRGB(p, q, t float64) float64 {
	if t < 0 {
		t++
	}
	if t > 1 {
		t--
	}
	switch {
	case t < 1.0/6:
		return p + (q-p)*6*t
	case t < 1.0/2:
		return q
	case t < 2.0/3:
		return p + (q-p)*(2.0/3-t)*6
	default:
		return p
	}
}

func channel(v float64) uint8 {
	return uint8(math.Round(math.Min(math.Max(v, 0), 1) * 255))
}
