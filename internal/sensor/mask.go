package sensor

import (
	"github.com/rewired-gh/landview/internal/graph"
)

// MaskRule drops observations whose quality band has either the cloud or
// the shadow bit set. Sentinel-2 uses the shadow slot for its cirrus bit.
type MaskRule struct {
	QABand    string `json:"qa_band"`
	CloudBit  uint   `json:"cloud_bit"`
	ShadowBit uint   `json:"shadow_bit"`
}

// Keep reports whether a pixel with quality value qa is clear
func (m MaskRule) Keep(qa uint64) bool {
	return qa&(1<<m.CloudBit) == 0 && qa&(1<<m.ShadowBit) == 0
}

// Apply masks pixels in place: masked[i] becomes true when qa[i] is cloudy.
// Pixels that are already masked stay masked, so applying twice is a no-op.
func (m MaskRule) Apply(masked []bool, qa []uint64) []bool {
	for i := range masked {
		if i < len(qa) && !m.Keep(qa[i]) {
			masked[i] = true
		}
	}
	return masked
}

// Expression renders the rule as engine operators over image:
// updateMask(bitwiseAnd(qa, 1<<cloud) == 0 AND bitwiseAnd(qa, 1<<shadow) == 0)
func (m MaskRule) Expression(image graph.Value) graph.Value {
	qa := graph.Call("Image.select", graph.Args{
		"input":         image,
		"bandSelectors": graph.Strings(m.QABand),
	})
	isClear := func(bit uint) graph.Value {
		return graph.Call("Image.eq", graph.Args{
			"image1": graph.Call("Image.bitwiseAnd", graph.Args{
				"image1": qa,
				"image2": constant(1 << bit),
			}),
			"image2": constant(0),
		})
	}
	return graph.Call("Image.updateMask", graph.Args{
		"image": image,
		"mask": graph.Call("Image.and", graph.Args{
			"image1": isClear(m.CloudBit),
			"image2": isClear(m.ShadowBit),
		}),
	})
}

// Mapper wraps Expression as a one-argument function for Collection.map
func (m MaskRule) Mapper() graph.Value {
	return graph.Func([]string{"_MAPPING_VAR_0_0"}, m.Expression(graph.Arg("_MAPPING_VAR_0_0")))
}

func constant(v int) graph.Value {
	return graph.Call("Image.constant", graph.Args{"value": graph.Const(v)})
}
