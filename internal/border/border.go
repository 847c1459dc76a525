// Package border implements the border sampler (C2): converting one
// decoded video frame into one LED payload. See spec.md §4.2.
package border

import (
	"fmt"
	"math"

	"github.com/ambisync/ambisync/internal/ledframe"
)

// Geometry is the fixed LED strip layout for one installation.
type Geometry struct {
	Top, Right, Bottom, Left int
	Offset                   int
}

// TotalLEDs returns T+R+B+L.
func (g Geometry) TotalLEDs() int { return g.Top + g.Right + g.Bottom + g.Left }

// TintConfig is the optional darkness/saturation filter (spec.md §4.2
// step 4), off by default.
type TintConfig struct {
	Enabled          bool
	DarkThreshold    float64 // value (HSV "V") below which a color is zeroed
	SaturationBoost  float64 // multiplier applied to HSV "S" otherwise
}

// DefaultBorderFraction is the sampling depth fraction when unconfigured.
const DefaultBorderFraction = 0.05

// Image is a decoded RGB24 frame: Pix is H rows of W*3 bytes (R,G,B
// interleaved), matching the raw bytes a decoder subprocess emits.
type Image struct {
	W, H int
	Pix  []byte
}

func (img Image) at(x, y int) (r, g, b uint32) {
	i := (y*img.W + x) * 3
	return uint32(img.Pix[i]), uint32(img.Pix[i+1]), uint32(img.Pix[i+2])
}

type rgb struct{ r, g, b float64 }

// Sample converts img into one LED payload for geom/format, applying the
// tint filter when enabled. borderFraction <= 0 uses DefaultBorderFraction.
func Sample(img Image, geom Geometry, format ledframe.Format, borderFraction float64, tint TintConfig) ([]byte, error) {
	if img.W <= 0 || img.H <= 0 {
		return nil, fmt.Errorf("border: empty image %dx%d", img.W, img.H)
	}
	if len(img.Pix) < img.W*img.H*3 {
		return nil, fmt.Errorf("border: pixel buffer too small: got %d want %d", len(img.Pix), img.W*img.H*3)
	}
	if borderFraction <= 0 {
		borderFraction = DefaultBorderFraction
	}

	depthTB := maxInt(1, int(borderFraction*float64(img.H)))
	depthLR := maxInt(1, int(borderFraction*float64(img.W)))
	if depthTB > img.H {
		depthTB = img.H
	}
	if depthLR > img.W {
		depthLR = img.W
	}

	colors := make([]rgb, 0, geom.TotalLEDs())

	// Right: full height, rightmost depthLR columns, top -> bottom.
	colors = append(colors, sampleEdge(img, geom.Right, img.H, func(lo, hi int) (x0, x1, y0, y1 int) {
		return img.W - depthLR, img.W, lo, hi
	})...)

	// Columns between the left/right edges' reservations, shared by the
	// top and bottom edges. A side with no LEDs reserves no columns; when
	// the reservations leave no columns at all, the full width is used.
	innerLo, innerHi := depthLR, img.W-depthLR
	if geom.Left <= 0 {
		innerLo = 0
	}
	if geom.Right <= 0 {
		innerHi = img.W
	}
	if innerHi <= innerLo {
		innerLo, innerHi = 0, img.W
	}

	// Bottom: bottom depthTB rows, columns between the left/right
	// reservations, right -> left.
	bottomLo, bottomHi := innerLo, innerHi
	colors = append(colors, sampleEdgeReversed(img, geom.Bottom, bottomHi-bottomLo, func(lo, hi int) (x0, x1, y0, y1 int) {
		return bottomLo + lo, bottomLo + hi, img.H - depthTB, img.H
	})...)

	// Left: full height, leftmost depthLR columns, bottom -> top.
	colors = append(colors, sampleEdgeReversed(img, geom.Left, img.H, func(lo, hi int) (x0, x1, y0, y1 int) {
		return 0, depthLR, lo, hi
	})...)

	// Top: top depthTB rows, columns between the left/right reservations,
	// left -> right.
	topLo, topHi := innerLo, innerHi
	colors = append(colors, sampleEdge(img, geom.Top, topHi-topLo, func(lo, hi int) (x0, x1, y0, y1 int) {
		return topLo + lo, topLo + hi, 0, depthTB
	})...)

	if tint.Enabled {
		for i, c := range colors {
			colors[i] = applyTint(c, tint)
		}
	}

	colors = rotate(colors, geom.Offset)

	return encode(colors, format), nil
}

// sampleEdge partitions [0,length) into n contiguous, equal-sized
// segments (last absorbs the remainder) in increasing order and
// averages the rectangle each segment maps to via rectFor.
func sampleEdge(img Image, n, length int, rectFor func(lo, hi int) (x0, x1, y0, y1 int)) []rgb {
	out := make([]rgb, 0, n)
	for _, seg := range partition(length, n) {
		x0, x1, y0, y1 := rectFor(seg.lo, seg.hi)
		out = append(out, average(img, x0, x1, y0, y1))
	}
	return out
}

// sampleEdgeReversed is sampleEdge but walks the segments in decreasing
// order, used for the bottom (right->left) and left (bottom->top) edges.
func sampleEdgeReversed(img Image, n, length int, rectFor func(lo, hi int) (x0, x1, y0, y1 int)) []rgb {
	segs := partition(length, n)
	out := make([]rgb, 0, n)
	for i := len(segs) - 1; i >= 0; i-- {
		x0, x1, y0, y1 := rectFor(segs[i].lo, segs[i].hi)
		out = append(out, average(img, x0, x1, y0, y1))
	}
	return out
}

type segment struct{ lo, hi int }

// partition splits [0,length) into n contiguous segments of equal size,
// the last absorbing any remainder. When length < n, each segment is the
// single pixel at its proportional position, so neighbouring LEDs may
// share a pixel. n<=0 or length<=0 yields no segments.
func partition(length, n int) []segment {
	if n <= 0 || length <= 0 {
		return nil
	}
	base := length / n
	if base == 0 {
		segs := make([]segment, n)
		for i := range segs {
			lo := i * length / n
			segs[i] = segment{lo, lo + 1}
		}
		return segs
	}
	segs := make([]segment, 0, n)
	pos := 0
	for i := 0; i < n; i++ {
		lo := pos
		hi := lo + base
		if i == n-1 || hi > length {
			hi = length
		}
		if lo >= length {
			lo, hi = length, length
		}
		segs = append(segs, segment{lo, hi})
		pos = hi
	}
	return segs
}

func average(img Image, x0, x1, y0, y1 int) rgb {
	if x1 <= x0 || y1 <= y0 {
		return rgb{}
	}
	var sr, sg, sb uint64
	count := uint64(0)
	for y := y0; y < y1; y++ {
		for x := x0; x < x1; x++ {
			r, g, b := img.at(x, y)
			sr += uint64(r)
			sg += uint64(g)
			sb += uint64(b)
			count++
		}
	}
	if count == 0 {
		return rgb{}
	}
	return rgb{
		r: float64(sr) / float64(count),
		g: float64(sg) / float64(count),
		b: float64(sb) / float64(count),
	}
}

func clampByte(v float64) byte {
	v = math.Round(v)
	if v < 0 {
		return 0
	}
	if v > 255 {
		return 255
	}
	return byte(v)
}

// applyTint zeros near-black colors and otherwise boosts saturation,
// per spec.md §4.2 step 4 (standard cylindrical HSV model).
func applyTint(c rgb, tint TintConfig) rgb {
	h, s, v := rgbToHSV(c.r/255, c.g/255, c.b/255)
	if v < tint.DarkThreshold {
		return rgb{}
	}
	boost := tint.SaturationBoost
	if boost <= 0 {
		boost = 1
	}
	s *= boost
	if s > 1 {
		s = 1
	}
	r, g, b := hsvToRGB(h, s, v)
	return rgb{r: r * 255, g: g * 255, b: b * 255}
}

func rgbToHSV(r, g, b float64) (h, s, v float64) {
	max := math.Max(r, math.Max(g, b))
	min := math.Min(r, math.Min(g, b))
	v = max
	d := max - min
	if max == 0 {
		s = 0
	} else {
		s = d / max
	}
	if d == 0 {
		h = 0
		return
	}
	switch max {
	case r:
		h = math.Mod((g-b)/d, 6)
	case g:
		h = (b-r)/d + 2
	default:
		h = (r-g)/d + 4
	}
	h *= 60
	if h < 0 {
		h += 360
	}
	return
}

func hsvToRGB(h, s, v float64) (r, g, b float64) {
	c := v * s
	x := c * (1 - math.Abs(math.Mod(h/60, 2)-1))
	m := v - c
	var r1, g1, b1 float64
	switch {
	case h < 60:
		r1, g1, b1 = c, x, 0
	case h < 120:
		r1, g1, b1 = x, c, 0
	case h < 180:
		r1, g1, b1 = 0, c, x
	case h < 240:
		r1, g1, b1 = 0, x, c
	case h < 300:
		r1, g1, b1 = x, 0, c
	default:
		r1, g1, b1 = c, 0, x
	}
	return r1 + m, g1 + m, b1 + m
}

// rotate moves the last O elements to the front, the counter-clockwise
// semantics spec.md §4.2 step 5 assigns to the rotational offset.
func rotate(colors []rgb, offset int) []rgb {
	n := len(colors)
	if n == 0 {
		return colors
	}
	offset = ((offset % n) + n) % n
	if offset == 0 {
		return colors
	}
	out := make([]rgb, n)
	copy(out, colors[n-offset:])
	copy(out[offset:], colors[:n-offset])
	return out
}

// encode serializes colors as RGB or projects to RGBW per spec.md §4.2
// step 6: W = min(R,G,B); R' = R-W; G' = G-W; B' = B-W.
func encode(colors []rgb, format ledframe.Format) []byte {
	bpl := format.BytesPerLED()
	out := make([]byte, len(colors)*bpl)
	for i, c := range colors {
		r, g, b := clampByte(c.r), clampByte(c.g), clampByte(c.b)
		if format == ledframe.FormatRGBW {
			w := minByte(r, minByte(g, b))
			out[i*4+0] = r - w
			out[i*4+1] = g - w
			out[i*4+2] = b - w
			out[i*4+3] = w
		} else {
			out[i*3+0] = r
			out[i*3+1] = g
			out[i*3+2] = b
		}
	}
	return out
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func minByte(a, b byte) byte {
	if a < b {
		return a
	}
	return b
}
