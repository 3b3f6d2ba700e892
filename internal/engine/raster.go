package engine

import (
	"fmt"
	"math"
	"sort"
)

// image is a multi-band raster on the local grid. A constant image has
// size 0 and one value per band, broadcast to any grid.
type image struct {
	size  int
	bands []string
	data  [][]float64
	valid [][]bool
	props map[string]any
}

func newImage(size int, bands []string) *image {
	img := &image{
		size:  size,
		bands: append([]string(nil), bands...),
		data:  make([][]float64, len(bands)),
		valid: make([][]bool, len(bands)),
		props: map[string]any{},
	}
	n := size
	if n == 0 {
		n = 1
	}
	for b := range bands {
		img.data[b] = make([]float64, n)
		img.valid[b] = make([]bool, n)
	}
	return img
}

func constantImage(v float64) *image {
	img := newImage(0, []string{"constant"})
	img.data[0][0] = v
	img.valid[0][0] = true
	return img
}

func (img *image) pixels() int {
	if img.size == 0 {
		return 1
	}
	return img.size
}

func (img *image) at(b, i int) (float64, bool) {
	if img.size == 0 {
		i = 0
	}
	return img.data[b][i], img.valid[b][i]
}

func (img *image) band(name string) (int, bool) {
	for i, b := range img.bands {
		if b == name {
			return i, true
		}
	}
	return 0, false
}

func (img *image) selectBands(names []string) (*image, error) {
	out := newImage(img.size, names)
	for k, name := range names {
		b, ok := img.band(name)
		if !ok {
			return nil, fmt.Errorf("band %q not found in image with bands %v", name, img.bands)
		}
		copy(out.data[k], img.data[b])
		copy(out.valid[k], img.valid[b])
	}
	out.props = img.props
	return out, nil
}

// broadcastSize resolves the output size of a pixelwise op
func broadcastSize(a, b *image) (int, error) {
	switch {
	case a.size == b.size:
		return a.size, nil
	case a.size == 0:
		return b.size, nil
	case b.size == 0:
		return a.size, nil
	}
	return 0, fmt.Errorf("image sizes differ: %d vs %d", a.size, b.size)
}

// binaryOp applies fn pixelwise. Bands pair up by position, a single-band
// operand is broadcast, and output bands take the first operand's names.
func binaryOp(a, b *image, fn func(x, y float64) float64) (*image, error) {
	size, err := broadcastSize(a, b)
	if err != nil {
		return nil, err
	}

	names := a.bands
	nb := len(a.bands)
	switch {
	case len(a.bands) == len(b.bands):
	case len(b.bands) == 1:
	case len(a.bands) == 1:
		nb = len(b.bands)
		names = b.bands
	default:
		return nil, fmt.Errorf("band counts differ: %d vs %d", len(a.bands), len(b.bands))
	}

	out := newImage(size, names)
	for k := 0; k < nb; k++ {
		ka, kb := pick(k, len(a.bands)), pick(k, len(b.bands))
		for i := 0; i < out.pixels(); i++ {
			x, okx := a.at(ka, i)
			y, oky := b.at(kb, i)
			if okx && oky {
				out.data[k][i] = fn(x, y)
				out.valid[k][i] = true
			}
		}
	}
	return out, nil
}

func pick(k, n int) int {
	if n == 1 {
		return 0
	}
	return k
}

func unaryOp(a *image, fn func(x float64) float64) *image {
	out := newImage(a.size, a.bands)
	for k := range a.bands {
		for i := 0; i < out.pixels(); i++ {
			if x, ok := a.at(k, i); ok {
				out.data[k][i] = fn(x)
				out.valid[k][i] = true
			}
		}
	}
	return out
}

func boolean(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// updateMask invalidates pixels where mask is zero or masked
func updateMask(img, mask *image) (*image, error) {
	if len(mask.bands) != 1 && len(mask.bands) != len(img.bands) {
		return nil, fmt.Errorf("mask has %d bands, image has %d", len(mask.bands), len(img.bands))
	}
	size, err := broadcastSize(img, mask)
	if err != nil {
		return nil, err
	}

	out := newImage(size, img.bands)
	out.props = img.props
	for k := range img.bands {
		km := pick(k, len(mask.bands))
		for i := 0; i < out.pixels(); i++ {
			x, ok := img.at(k, i)
			m, okm := mask.at(km, i)
			out.data[k][i] = x
			out.valid[k][i] = ok && okm && m != 0
		}
	}
	return out, nil
}

// clip invalidates pixels outside the footprint
func clip(img *image, fp []bool) *image {
	if fp == nil || img.size == 0 {
		return img
	}
	out := newImage(img.size, img.bands)
	out.props = img.props
	for k := range img.bands {
		for i := 0; i < img.size; i++ {
			out.data[k][i] = img.data[k][i]
			out.valid[k][i] = img.valid[k][i] && i < len(fp) && fp[i]
		}
	}
	return out
}

// median composites a stack per pixel over valid observations only
func median(images []*image) (*image, error) {
	if len(images) == 0 {
		return newImage(0, nil), nil
	}
	first := images[0]
	out := newImage(first.size, first.bands)

	values := make([]float64, 0, len(images))
	for k := range first.bands {
		for i := 0; i < out.pixels(); i++ {
			values = values[:0]
			for _, img := range images {
				if img.size != first.size || len(img.bands) != len(first.bands) {
					return nil, fmt.Errorf("collection images differ in shape")
				}
				if x, ok := img.at(k, i); ok {
					values = append(values, x)
				}
			}
			if len(values) == 0 {
				continue
			}
			sort.Float64s(values)
			mid := len(values) / 2
			v := values[mid]
			if len(values)%2 == 0 {
				v = (values[mid-1] + values[mid]) / 2
			}
			out.data[k][i] = v
			out.valid[k][i] = true
		}
	}
	return out, nil
}

// sumRegion sums each band over valid pixels inside fp. A band with no
// valid pixel sums to nil.
func sumRegion(img *image, fp []bool) map[string]any {
	out := make(map[string]any, len(img.bands))
	for k, name := range img.bands {
		var sum float64
		n := 0
		for i := 0; i < img.pixels(); i++ {
			if fp != nil && img.size != 0 && (i >= len(fp) || !fp[i]) {
				continue
			}
			if x, ok := img.at(k, i); ok {
				sum += x
				n++
			}
		}
		if n == 0 {
			out[name] = nil
			continue
		}
		out[name] = sum
	}
	return out
}

// classifier is a nearest-centroid model standing in for every engine
// classifier family
type classifier struct {
	kind          string
	params        map[string]any
	classProperty string
	inputs        []string
	codes         []int
	centroids     map[int][]float64
}

func (c *classifier) trained() bool {
	return len(c.centroids) > 0
}

func (c *classifier) train(samples []*feature, classProperty string, inputs []string) (*classifier, error) {
	sums := map[int][]float64{}
	counts := map[int]int{}
	for _, s := range samples {
		label, ok := Number(s.props[classProperty])
		if !ok {
			continue
		}
		code := int(label)
		vec := make([]float64, len(inputs))
		complete := true
		for j, name := range inputs {
			v, ok := Number(s.props[name])
			if !ok {
				complete = false
				break
			}
			vec[j] = v
		}
		if !complete {
			continue
		}
		if sums[code] == nil {
			sums[code] = make([]float64, len(inputs))
		}
		for j := range vec {
			sums[code][j] += vec[j]
		}
		counts[code]++
	}
	if len(sums) == 0 {
		return nil, fmt.Errorf("training set is empty for property %q", classProperty)
	}

	trained := &classifier{
		kind:          c.kind,
		params:        c.params,
		classProperty: classProperty,
		inputs:        append([]string(nil), inputs...),
		centroids:     make(map[int][]float64, len(sums)),
	}
	for code, sum := range sums {
		for j := range sum {
			sum[j] /= float64(counts[code])
		}
		trained.centroids[code] = sum
		trained.codes = append(trained.codes, code)
	}
	sort.Ints(trained.codes)
	return trained, nil
}

func (c *classifier) classify(img *image) (*image, error) {
	if !c.trained() {
		return nil, fmt.Errorf("classifier %s is not trained", c.kind)
	}
	in, err := img.selectBands(c.inputs)
	if err != nil {
		return nil, err
	}

	out := newImage(in.size, []string{"classification"})
	vec := make([]float64, len(c.inputs))
	for i := 0; i < out.pixels(); i++ {
		complete := true
		for k := range c.inputs {
			x, ok := in.at(k, i)
			if !ok {
				complete = false
				break
			}
			vec[k] = x
		}
		if !complete {
			continue
		}

		best, bestDist := c.codes[0], math.Inf(1)
		for _, code := range c.codes {
			d := 0.0
			for k, m := range c.centroids[code] {
				diff := vec[k] - m
				d += diff * diff
			}
			if d < bestDist {
				best, bestDist = code, d
			}
		}
		out.data[0][i] = float64(best)
		out.valid[0][i] = true
	}
	return out, nil
}
