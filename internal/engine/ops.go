package engine

import (
	"github.com/rewired-gh/landview/internal/graph"
)

// Operator helpers. Each returns an unevaluated graph node named after the
// Earth Engine algorithm it invokes.

// LoadCollection loads an image collection by asset id
func LoadCollection(id string) graph.Value {
	return graph.Call("ImageCollection.load", graph.Args{"id": graph.Const(id)})
}

// LoadTable loads a feature collection by asset id
func LoadTable(id string) graph.Value {
	return graph.Call("Collection.loadTable", graph.Args{"tableId": graph.Const(id)})
}

// FilterDate keeps elements whose start time is in [start, end)
func FilterDate(collection graph.Value, start, end string) graph.Value {
	return graph.Call("Collection.filter", graph.Args{
		"collection": collection,
		"filter": graph.Call("Filter.dateRangeContains", graph.Args{
			"leftValue": graph.Call("DateRange", graph.Args{
				"start": graph.Const(start),
				"end":   graph.Const(end),
			}),
			"rightField": graph.Const("system:time_start"),
		}),
	})
}

// FilterEquals keeps features whose property equals value
func FilterEquals(collection graph.Value, property string, value any) graph.Value {
	return graph.Call("Collection.filter", graph.Args{
		"collection": collection,
		"filter": graph.Call("Filter.equals", graph.Args{
			"leftField":  graph.Const(property),
			"rightValue": graph.Const(value),
		}),
	})
}

// Map applies fn (a one-argument function definition) to every element
func Map(collection, fn graph.Value) graph.Value {
	return graph.Call("Collection.map", graph.Args{
		"collection":    collection,
		"baseAlgorithm": fn,
	})
}

// Size counts the elements of a collection
func Size(collection graph.Value) graph.Value {
	return graph.Call("Collection.size", graph.Args{"collection": collection})
}

// First returns the first element of a collection
func First(collection graph.Value) graph.Value {
	return graph.Call("Collection.first", graph.Args{"collection": collection})
}

// FeatureGeometry extracts the geometry of a feature
func FeatureGeometry(feature graph.Value) graph.Value {
	return graph.Call("Feature.geometry", graph.Args{"feature": feature})
}

// Median reduces a collection to its per-pixel temporal median
func Median(collection graph.Value) graph.Value {
	return graph.Call("reduce.median", graph.Args{"collection": collection})
}

// Clip clips image to geometry
func Clip(image, geometry graph.Value) graph.Value {
	return graph.Call("Image.clip", graph.Args{"input": image, "geometry": geometry})
}

// ClipToBoundsAndScale clips image to the bounding box of geometry and
// resamples it to scale metres per pixel
func ClipToBoundsAndScale(image, geometry graph.Value, scale float64) graph.Value {
	return graph.Call("Image.clipToBoundsAndScale", graph.Args{
		"input":    image,
		"geometry": geometry,
		"scale":    graph.Const(scale),
	})
}

// Select keeps the named bands
func Select(image graph.Value, bands ...string) graph.Value {
	return graph.Call("Image.select", graph.Args{
		"input":         image,
		"bandSelectors": graph.Strings(bands...),
	})
}

// Constant is a constant image
func Constant(v float64) graph.Value {
	return graph.Call("Image.constant", graph.Args{"value": graph.Const(v)})
}

// Eq is 1 where image equals v
func Eq(image graph.Value, v float64) graph.Value {
	return binary("Image.eq", image, Constant(v))
}

// And is the pixelwise logical and
func And(a, b graph.Value) graph.Value {
	return binary("Image.and", a, b)
}

// Not is the pixelwise logical negation
func Not(image graph.Value) graph.Value {
	return graph.Call("Image.not", graph.Args{"value": image})
}

// Subtract is a - b
func Subtract(a, b graph.Value) graph.Value {
	return binary("Image.subtract", a, b)
}

// Rename renames the bands of image
func Rename(image graph.Value, names ...string) graph.Value {
	return graph.Call("Image.rename", graph.Args{
		"input": image,
		"names": graph.Strings(names...),
	})
}

// SumRegion sums every band of image over geometry at scale metres.
// The result is a dictionary keyed by band name; a band with no unmasked
// pixel inside geometry maps to null.
func SumRegion(image, geometry graph.Value, scale float64) graph.Value {
	return graph.Call("Image.reduceRegion", graph.Args{
		"image":    image,
		"reducer":  graph.Call("Reducer.sum", nil),
		"geometry": geometry,
		"scale":    graph.Const(scale),
	})
}

// Get reads key from a dictionary
func Get(dict graph.Value, key string) graph.Value {
	return graph.Call("Dictionary.get", graph.Args{
		"dictionary": dict,
		"key":        graph.Const(key),
	})
}

// SampleRegions samples image at every feature of collection, copying the
// listed properties onto the samples
func SampleRegions(image, collection graph.Value, properties []string, scale float64) graph.Value {
	return graph.Call("Image.sampleRegions", graph.Args{
		"image":      image,
		"collection": collection,
		"properties": graph.Strings(properties...),
		"scale":      graph.Const(scale),
	})
}

// RandomForest is an untrained random forest classifier
func RandomForest(trees int) graph.Value {
	return graph.Call("Classifier.smileRandomForest", graph.Args{"numberOfTrees": graph.Const(trees)})
}

// SVM is an untrained support vector machine
func SVM() graph.Value {
	return graph.Call("Classifier.libsvm", nil)
}

// CART is an untrained single decision tree
func CART() graph.Value {
	return graph.Call("Classifier.smileCart", nil)
}

// Train fits classifier on features
func Train(classifier, features graph.Value, classProperty string, inputProperties []string) graph.Value {
	return graph.Call("Classifier.train", graph.Args{
		"classifier":      classifier,
		"features":        features,
		"classProperty":   graph.Const(classProperty),
		"inputProperties": graph.Strings(inputProperties...),
	})
}

// Classify applies a trained classifier to image. The output band is
// named "classification".
func Classify(image, classifier graph.Value) graph.Value {
	return graph.Call("Image.classify", graph.Args{
		"image":      image,
		"classifier": classifier,
	})
}

// Polygon builds a polygon geometry from rings of [lon, lat] pairs
func Polygon(rings [][][2]float64) graph.Value {
	return graph.Call("GeometryConstructors.Polygon", graph.Args{
		"coordinates": coordinates(rings),
		"geodesic":    graph.Const(false),
	})
}

// MultiPolygon builds a multi-polygon geometry
func MultiPolygon(polygons [][][][2]float64) graph.Value {
	items := make([]graph.Value, len(polygons))
	for i, p := range polygons {
		items[i] = coordinates(p)
	}
	return graph.Call("GeometryConstructors.MultiPolygon", graph.Args{
		"coordinates": graph.List(items...),
		"geodesic":    graph.Const(false),
	})
}

func coordinates(rings [][][2]float64) graph.Value {
	out := make([]graph.Value, len(rings))
	for i, ring := range rings {
		points := make([]graph.Value, len(ring))
		for j, p := range ring {
			points[j] = graph.List(graph.Const(p[0]), graph.Const(p[1]))
		}
		out[i] = graph.List(points...)
	}
	return graph.List(out...)
}

func binary(function string, a, b graph.Value) graph.Value {
	return graph.Call(function, graph.Args{"image1": a, "image2": b})
}
