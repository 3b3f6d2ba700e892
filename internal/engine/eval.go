package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/rewired-gh/landview/internal/graph"
)

// geometry is a region on the local grid. A nil footprint covers the
// whole grid; point is the pixel index of a point geometry or -1.
type geometry struct {
	kind      string
	footprint []bool
	point     int
}

type feature struct {
	props map[string]any
	geom  *geometry
}

type collection struct {
	kind  string // ImageCollection or FeatureCollection
	items []any
}

type dateRange struct {
	start, end time.Time
}

type filter struct {
	match func(props map[string]any) bool
}

type reducer struct {
	name string
}

type closure struct {
	argNames []string
	body     graph.Value
}

type builtin func(e *evaluator, args map[string]any) (any, error)

var builtins map[string]builtin

func init() {
	builtins = map[string]builtin{
		"ImageCollection.load":              (*evaluator).loadCollection,
		"Collection.loadTable":              (*evaluator).loadTable,
		"Collection.filter":                 (*evaluator).filterCollection,
		"Collection.map":                    (*evaluator).mapCollection,
		"Collection.size":                   (*evaluator).size,
		"Collection.first":                  (*evaluator).first,
		"Filter.dateRangeContains":          (*evaluator).dateRangeFilter,
		"Filter.equals":                     (*evaluator).equalsFilter,
		"DateRange":                         (*evaluator).dateRange,
		"Feature.geometry":                  (*evaluator).featureGeometry,
		"reduce.median":                     (*evaluator).median,
		"Image.constant":                    (*evaluator).constant,
		"Image.select":                      (*evaluator).selectBands,
		"Image.rename":                      (*evaluator).rename,
		"Image.clip":                        (*evaluator).clip,
		"Image.updateMask":                  (*evaluator).updateMask,
		"Image.bitwiseAnd":                  binaryBuiltin(func(x, y float64) float64 { return float64(int64(x) & int64(y)) }),
		"Image.eq":                          binaryBuiltin(func(x, y float64) float64 { return boolean(x == y) }),
		"Image.and":                         binaryBuiltin(func(x, y float64) float64 { return boolean(x != 0 && y != 0) }),
		"Image.subtract":                    binaryBuiltin(func(x, y float64) float64 { return x - y }),
		"Image.not":                         (*evaluator).not,
		"Image.reduceRegion":                (*evaluator).reduceRegion,
		"Image.sampleRegions":               (*evaluator).sampleRegions,
		"Image.classify":                    (*evaluator).classify,
		"Reducer.sum":                       func(*evaluator, map[string]any) (any, error) { return &reducer{name: "sum"}, nil },
		"Dictionary.get":                    (*evaluator).dictionaryGet,
		"Classifier.smileRandomForest":      classifierBuiltin("smileRandomForest"),
		"Classifier.libsvm":                 classifierBuiltin("libsvm"),
		"Classifier.smileCart":              classifierBuiltin("smileCart"),
		"Classifier.train":                  (*evaluator).train,
		"GeometryConstructors.Polygon":      (*evaluator).polygon,
		"GeometryConstructors.MultiPolygon": (*evaluator).multiPolygon,
	}
}

type evaluator struct {
	ctx     context.Context
	scene   *Scene
	invokes int
}

func (e *evaluator) eval(v graph.Value, env map[string]any) (any, error) {
	switch v.Kind() {
	case graph.KindConstant:
		return v.Constant(), nil

	case graph.KindArgument:
		val, ok := env[v.ArgumentName()]
		if !ok {
			return nil, fmt.Errorf("unbound argument %q", v.ArgumentName())
		}
		return val, nil

	case graph.KindList:
		items := make([]any, len(v.Items()))
		for i, item := range v.Items() {
			val, err := e.eval(item, env)
			if err != nil {
				return nil, err
			}
			items[i] = val
		}
		return items, nil

	case graph.KindDict:
		out := make(map[string]any)
		for _, name := range v.ArgNames() {
			arg, _ := v.Arg(name)
			val, err := e.eval(arg, env)
			if err != nil {
				return nil, err
			}
			out[name] = val
		}
		return out, nil

	case graph.KindFunction:
		return &closure{argNames: v.ArgumentNames(), body: v.Body()}, nil

	case graph.KindInvocation:
		if err := e.ctx.Err(); err != nil {
			return nil, err
		}
		fn, ok := builtins[v.Function()]
		if !ok {
			return nil, fmt.Errorf("unknown algorithm %q", v.Function())
		}
		args := make(map[string]any)
		for _, name := range v.ArgNames() {
			arg, _ := v.Arg(name)
			val, err := e.eval(arg, env)
			if err != nil {
				return nil, err
			}
			args[name] = val
		}
		e.invokes++
		out, err := fn(e, args)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", v.Function(), err)
		}
		return out, nil
	}
	return nil, fmt.Errorf("unknown value kind %v", v.Kind())
}

func (e *evaluator) call(fn *closure, arg any) (any, error) {
	if len(fn.argNames) != 1 {
		return nil, fmt.Errorf("mapped function must take one argument, takes %d", len(fn.argNames))
	}
	return e.eval(fn.body, map[string]any{fn.argNames[0]: arg})
}

// argument accessors

func imageArg(args map[string]any, name string) (*image, error) {
	switch v := args[name].(type) {
	case *image:
		return v, nil
	case float64:
		return constantImage(v), nil
	}
	return nil, fmt.Errorf("argument %q: expected image, got %T", name, args[name])
}

func stringArg(args map[string]any, name string) (string, error) {
	s, ok := args[name].(string)
	if !ok {
		return "", fmt.Errorf("argument %q: expected string, got %T", name, args[name])
	}
	return s, nil
}

func stringsArg(args map[string]any, name string) ([]string, error) {
	switch v := args[name].(type) {
	case string:
		return []string{v}, nil
	case []any:
		out := make([]string, len(v))
		for i, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("argument %q: item %d is %T", name, i, item)
			}
			out[i] = s
		}
		return out, nil
	}
	return nil, fmt.Errorf("argument %q: expected list of strings, got %T", name, args[name])
}

func collectionArg(args map[string]any, name string) (*collection, error) {
	c, ok := args[name].(*collection)
	if !ok {
		return nil, fmt.Errorf("argument %q: expected collection, got %T", name, args[name])
	}
	return c, nil
}

func geometryArg(args map[string]any, name string) (*geometry, error) {
	switch v := args[name].(type) {
	case *geometry:
		return v, nil
	case nil:
		return &geometry{kind: "Unbounded", point: -1}, nil
	}
	return nil, fmt.Errorf("argument %q: expected geometry, got %T", name, args[name])
}

// collections

func (e *evaluator) loadCollection(args map[string]any) (any, error) {
	id, err := stringArg(args, "id")
	if err != nil {
		return nil, err
	}
	scenes, ok := e.scene.collections[id]
	if !ok {
		return nil, fmt.Errorf("image collection %q not found", id)
	}
	items := make([]any, len(scenes))
	for i, img := range scenes {
		items[i] = img
	}
	return &collection{kind: "ImageCollection", items: items}, nil
}

func (e *evaluator) loadTable(args map[string]any) (any, error) {
	id, err := stringArg(args, "tableId")
	if err != nil {
		return nil, err
	}
	features, ok := e.scene.tables[id]
	if !ok {
		return nil, fmt.Errorf("table %q not found", id)
	}
	items := make([]any, len(features))
	for i, f := range features {
		items[i] = f
	}
	return &collection{kind: "FeatureCollection", items: items}, nil
}

func props(item any) map[string]any {
	switch v := item.(type) {
	case *image:
		return v.props
	case *feature:
		return v.props
	}
	return nil
}

func (e *evaluator) filterCollection(args map[string]any) (any, error) {
	c, err := collectionArg(args, "collection")
	if err != nil {
		return nil, err
	}
	f, ok := args["filter"].(*filter)
	if !ok {
		return nil, fmt.Errorf("argument \"filter\": expected filter, got %T", args["filter"])
	}
	out := &collection{kind: c.kind}
	for _, item := range c.items {
		if f.match(props(item)) {
			out.items = append(out.items, item)
		}
	}
	return out, nil
}

func (e *evaluator) mapCollection(args map[string]any) (any, error) {
	c, err := collectionArg(args, "collection")
	if err != nil {
		return nil, err
	}
	fn, ok := args["baseAlgorithm"].(*closure)
	if !ok {
		return nil, fmt.Errorf("argument \"baseAlgorithm\": expected function, got %T", args["baseAlgorithm"])
	}
	out := &collection{kind: c.kind, items: make([]any, len(c.items))}
	for i, item := range c.items {
		mapped, err := e.call(fn, item)
		if err != nil {
			return nil, err
		}
		if img, ok := mapped.(*image); ok {
			if src, ok := item.(*image); ok && len(img.props) == 0 {
				img.props = src.props
			}
		}
		out.items[i] = mapped
	}
	return out, nil
}

func (e *evaluator) size(args map[string]any) (any, error) {
	c, err := collectionArg(args, "collection")
	if err != nil {
		return nil, err
	}
	return float64(len(c.items)), nil
}

func (e *evaluator) first(args map[string]any) (any, error) {
	c, err := collectionArg(args, "collection")
	if err != nil {
		return nil, err
	}
	if len(c.items) == 0 {
		return nil, nil
	}
	return c.items[0], nil
}

func (e *evaluator) dateRange(args map[string]any) (any, error) {
	parse := func(name string) (time.Time, error) {
		switch v := args[name].(type) {
		case string:
			return time.Parse(time.DateOnly, v)
		case float64:
			return time.UnixMilli(int64(v)).UTC(), nil
		}
		return time.Time{}, fmt.Errorf("argument %q: expected date, got %T", name, args[name])
	}
	start, err := parse("start")
	if err != nil {
		return nil, err
	}
	end, err := parse("end")
	if err != nil {
		return nil, err
	}
	return &dateRange{start: start, end: end}, nil
}

func (e *evaluator) dateRangeFilter(args map[string]any) (any, error) {
	r, ok := args["leftValue"].(*dateRange)
	if !ok {
		return nil, fmt.Errorf("argument \"leftValue\": expected date range, got %T", args["leftValue"])
	}
	field, err := stringArg(args, "rightField")
	if err != nil {
		return nil, err
	}
	start, end := r.start.UnixMilli(), r.end.UnixMilli()
	return &filter{match: func(p map[string]any) bool {
		ms, ok := Number(p[field])
		return ok && int64(ms) >= start && int64(ms) < end
	}}, nil
}

func (e *evaluator) equalsFilter(args map[string]any) (any, error) {
	field, err := stringArg(args, "leftField")
	if err != nil {
		return nil, err
	}
	want := args["rightValue"]
	return &filter{match: func(p map[string]any) bool {
		return p[field] == want
	}}, nil
}

func (e *evaluator) featureGeometry(args map[string]any) (any, error) {
	f, ok := args["feature"].(*feature)
	if !ok {
		return nil, fmt.Errorf("argument \"feature\": expected feature, got %T", args["feature"])
	}
	if f.geom == nil {
		return &geometry{kind: "Unbounded", point: -1}, nil
	}
	return f.geom, nil
}

// images

func (e *evaluator) median(args map[string]any) (any, error) {
	c, err := collectionArg(args, "collection")
	if err != nil {
		return nil, err
	}
	images := make([]*image, 0, len(c.items))
	for _, item := range c.items {
		img, ok := item.(*image)
		if !ok {
			return nil, fmt.Errorf("collection holds %T, expected images", item)
		}
		images = append(images, img)
	}
	return median(images)
}

func (e *evaluator) constant(args map[string]any) (any, error) {
	v, ok := Number(args["value"])
	if !ok {
		return nil, fmt.Errorf("argument \"value\": expected number, got %T", args["value"])
	}
	return constantImage(v), nil
}

func (e *evaluator) selectBands(args map[string]any) (any, error) {
	img, err := imageArg(args, "input")
	if err != nil {
		return nil, err
	}
	names, err := stringsArg(args, "bandSelectors")
	if err != nil {
		return nil, err
	}
	return img.selectBands(names)
}

func (e *evaluator) rename(args map[string]any) (any, error) {
	img, err := imageArg(args, "input")
	if err != nil {
		return nil, err
	}
	names, err := stringsArg(args, "names")
	if err != nil {
		return nil, err
	}
	if len(names) != len(img.bands) {
		return nil, fmt.Errorf("cannot rename %d bands to %d names", len(img.bands), len(names))
	}
	out := *img
	out.bands = names
	return &out, nil
}

func (e *evaluator) clip(args map[string]any) (any, error) {
	img, err := imageArg(args, "input")
	if err != nil {
		return nil, err
	}
	g, err := geometryArg(args, "geometry")
	if err != nil {
		return nil, err
	}
	return clip(img, g.footprint), nil
}

func (e *evaluator) updateMask(args map[string]any) (any, error) {
	img, err := imageArg(args, "image")
	if err != nil {
		return nil, err
	}
	mask, err := imageArg(args, "mask")
	if err != nil {
		return nil, err
	}
	return updateMask(img, mask)
}

func binaryBuiltin(fn func(x, y float64) float64) builtin {
	return func(e *evaluator, args map[string]any) (any, error) {
		a, err := imageArg(args, "image1")
		if err != nil {
			return nil, err
		}
		b, err := imageArg(args, "image2")
		if err != nil {
			return nil, err
		}
		return binaryOp(a, b, fn)
	}
}

func (e *evaluator) not(args map[string]any) (any, error) {
	img, err := imageArg(args, "value")
	if err != nil {
		return nil, err
	}
	return unaryOp(img, func(x float64) float64 { return boolean(x == 0) }), nil
}

func (e *evaluator) reduceRegion(args map[string]any) (any, error) {
	img, err := imageArg(args, "image")
	if err != nil {
		return nil, err
	}
	r, ok := args["reducer"].(*reducer)
	if !ok || r.name != "sum" {
		return nil, fmt.Errorf("only the sum reducer is supported")
	}
	g, err := geometryArg(args, "geometry")
	if err != nil {
		return nil, err
	}
	return sumRegion(img, g.footprint), nil
}

func (e *evaluator) dictionaryGet(args map[string]any) (any, error) {
	d, ok := args["dictionary"].(map[string]any)
	if !ok {
		return nil, fmt.Errorf("argument \"dictionary\": expected dictionary, got %T", args["dictionary"])
	}
	key, err := stringArg(args, "key")
	if err != nil {
		return nil, err
	}
	v, ok := d[key]
	if !ok {
		return nil, fmt.Errorf("dictionary does not contain key %q", key)
	}
	return v, nil
}

func (e *evaluator) sampleRegions(args map[string]any) (any, error) {
	img, err := imageArg(args, "image")
	if err != nil {
		return nil, err
	}
	c, err := collectionArg(args, "collection")
	if err != nil {
		return nil, err
	}
	keep, err := stringsArg(args, "properties")
	if err != nil {
		return nil, err
	}

	out := &collection{kind: "FeatureCollection"}
	for _, item := range c.items {
		f, ok := item.(*feature)
		if !ok || f.geom == nil || f.geom.point < 0 {
			continue
		}
		i := f.geom.point
		if img.size != 0 && i >= img.size {
			continue
		}

		sample := &feature{props: make(map[string]any, len(img.bands)+len(keep)), geom: f.geom}
		complete := true
		for k, band := range img.bands {
			v, ok := img.at(k, i)
			if !ok {
				complete = false
				break
			}
			sample.props[band] = v
		}
		if !complete {
			continue
		}
		for _, p := range keep {
			if v, ok := f.props[p]; ok {
				sample.props[p] = v
			}
		}
		out.items = append(out.items, sample)
	}
	return out, nil
}

func classifierBuiltin(kind string) builtin {
	return func(e *evaluator, args map[string]any) (any, error) {
		return &classifier{kind: kind, params: args}, nil
	}
}

func (e *evaluator) train(args map[string]any) (any, error) {
	c, ok := args["classifier"].(*classifier)
	if !ok {
		return nil, fmt.Errorf("argument \"classifier\": expected classifier, got %T", args["classifier"])
	}
	features, err := collectionArg(args, "features")
	if err != nil {
		return nil, err
	}
	classProperty, err := stringArg(args, "classProperty")
	if err != nil {
		return nil, err
	}
	inputs, err := stringsArg(args, "inputProperties")
	if err != nil {
		return nil, err
	}

	samples := make([]*feature, 0, len(features.items))
	for _, item := range features.items {
		if f, ok := item.(*feature); ok {
			samples = append(samples, f)
		}
	}
	return c.train(samples, classProperty, inputs)
}

func (e *evaluator) classify(args map[string]any) (any, error) {
	img, err := imageArg(args, "image")
	if err != nil {
		return nil, err
	}
	c, ok := args["classifier"].(*classifier)
	if !ok {
		return nil, fmt.Errorf("argument \"classifier\": expected classifier, got %T", args["classifier"])
	}
	return c.classify(img)
}

// geometries

func (e *evaluator) polygon(args map[string]any) (any, error) {
	rings, err := ringsArg(args["coordinates"])
	if err != nil {
		return nil, err
	}
	return &geometry{kind: "Polygon", footprint: e.scene.rasterize([][][][2]float64{rings}), point: -1}, nil
}

func (e *evaluator) multiPolygon(args map[string]any) (any, error) {
	list, ok := args["coordinates"].([]any)
	if !ok {
		return nil, fmt.Errorf("argument \"coordinates\": expected list, got %T", args["coordinates"])
	}
	polygons := make([][][][2]float64, 0, len(list))
	for _, p := range list {
		rings, err := ringsArg(p)
		if err != nil {
			return nil, err
		}
		polygons = append(polygons, rings)
	}
	return &geometry{kind: "MultiPolygon", footprint: e.scene.rasterize(polygons), point: -1}, nil
}

func ringsArg(v any) ([][][2]float64, error) {
	list, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("expected ring list, got %T", v)
	}
	rings := make([][][2]float64, 0, len(list))
	for _, r := range list {
		points, ok := r.([]any)
		if !ok {
			return nil, fmt.Errorf("expected point list, got %T", r)
		}
		ring := make([][2]float64, 0, len(points))
		for _, p := range points {
			pair, ok := p.([]any)
			if !ok || len(pair) != 2 {
				return nil, fmt.Errorf("expected [lon, lat], got %v", p)
			}
			lon, ok1 := Number(pair[0])
			lat, ok2 := Number(pair[1])
			if !ok1 || !ok2 {
				return nil, fmt.Errorf("expected numeric coordinates, got %v", p)
			}
			ring = append(ring, [2]float64{lon, lat})
		}
		rings = append(rings, ring)
	}
	return rings, nil
}

// describe converts evaluator values into the JSON shapes the remote
// engine returns for getInfo
func describe(v any) any {
	switch t := v.(type) {
	case *image:
		bands := make([]any, len(t.bands))
		for i, b := range t.bands {
			bands[i] = map[string]any{"id": b}
		}
		return map[string]any{"type": "Image", "bands": bands}
	case *collection:
		features := make([]any, len(t.items))
		for i, item := range t.items {
			features[i] = describe(item)
		}
		return map[string]any{"type": t.kind, "features": features}
	case *feature:
		return map[string]any{"type": "Feature", "properties": t.props}
	case *geometry:
		return map[string]any{"type": t.kind}
	case *classifier:
		return map[string]any{"type": "Classifier", "kind": t.kind}
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = describe(item)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, item := range t {
			out[k] = describe(item)
		}
		return out
	case int:
		return float64(t)
	}
	return v
}
