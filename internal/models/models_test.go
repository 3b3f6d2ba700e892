package models

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/rewired-gh/landview/internal/graph"
)

func TestParseClassifierKind(t *testing.T) {
	tests := []struct {
		input   string
		want    ClassifierKind
		wantErr bool
	}{
		{"Random Forest", RandomForest, false},
		{"random_forest", RandomForest, false},
		{"rf", RandomForest, false},
		{"SVM", SVM, false},
		{"libsvm", SVM, false},
		{"CART", CART, false},
		{" cart ", CART, false},
		{"", "", true},
		{"naive bayes", "", true},
		{"kmeans", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseClassifierKind(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseClassifierKind(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
			if tt.wantErr && !errors.Is(err, ErrInvalidClassifier) {
				t.Errorf("expected ErrInvalidClassifier, got %v", err)
			}
			if got != tt.want {
				t.Errorf("ParseClassifierKind(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestClassifierKindValidate(t *testing.T) {
	for _, k := range ClassifierKinds() {
		if err := k.Validate(); err != nil {
			t.Errorf("%s should be valid: %v", k, err)
		}
	}
	if err := ClassifierKind("gradient_boost").Validate(); !errors.Is(err, ErrInvalidClassifier) {
		t.Errorf("expected ErrInvalidClassifier, got %v", err)
	}
}

func TestClassifierSpecDefaults(t *testing.T) {
	spec := ClassifierSpec{Kind: RandomForest}.WithDefaults()
	if spec.Trees != DefaultTrees {
		t.Errorf("expected %d trees, got %d", DefaultTrees, spec.Trees)
	}
	if err := spec.Validate(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}

	svm := ClassifierSpec{Kind: SVM, Trees: 50}.WithDefaults()
	if svm.Trees != 0 {
		t.Errorf("trees should be cleared for SVM, got %d", svm.Trees)
	}

	bad := ClassifierSpec{Kind: RandomForest, Trees: -1}
	if err := bad.Validate(); !errors.Is(err, ErrInvalidClassifier) {
		t.Errorf("expected ErrInvalidClassifier, got %v", err)
	}
}

func TestKind(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, ""},
		{fmt.Errorf("year 1900: %w", ErrUnsupportedYear), "UnsupportedYear"},
		{fmt.Errorf("wrap: %w", ErrCompositeUnavailable), "CompositeUnavailable"},
		{ErrNoTrainingData, "NoTrainingData"},
		{ErrInvalidClassifier, "InvalidClassifier"},
		{ErrGeometryMismatch, "GeometryMismatch"},
		{fmt.Errorf("compute: %w", ErrRemoteEngine), "RemoteEngineError"},
		{errors.New("boom"), "internal"},
	}
	for _, tt := range tests {
		if got := Kind(tt.err); got != tt.want {
			t.Errorf("Kind(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}

func TestYearErrorUnwrap(t *testing.T) {
	err := YearError{Year: 2018, Err: ErrRemoteEngine}
	if !errors.Is(err, ErrRemoteEngine) {
		t.Error("YearError should unwrap to its cause")
	}
	if err.Error() != "year 2018: remote engine error" {
		t.Errorf("unexpected message %q", err.Error())
	}
}

func TestClassifiedRasterValidate(t *testing.T) {
	valid := func() ClassifiedRaster {
		return ClassifiedRaster{
			ID:          "raster-1",
			Fingerprint: Fingerprint{Year: 2015, Classifier: RandomForest, AreaID: "gaul:nyeri"},
			Classifier:  ClassifierSpec{Kind: RandomForest, Trees: 100},
			Sensor:      "landsat8",
			Bands:       []string{"SR_B2", "SR_B3"},
			ClassCodes:  []int{0, 1, 2, 3},
			Image:       graph.Call("Image.constant", graph.Args{"value": graph.Const(0)}),
			CreatedAt:   time.Now().Add(-time.Minute),
		}
	}

	tests := []struct {
		name    string
		mutate  func(r *ClassifiedRaster)
		wantErr bool
	}{
		{"valid raster", func(r *ClassifiedRaster) {}, false},
		{"empty ID", func(r *ClassifiedRaster) { r.ID = "" }, true},
		{"missing area", func(r *ClassifiedRaster) { r.Fingerprint.AreaID = "" }, true},
		{"classifier mismatch", func(r *ClassifiedRaster) { r.Classifier.Kind = CART }, true},
		{"no bands", func(r *ClassifiedRaster) { r.Bands = nil }, true},
		{"no image", func(r *ClassifiedRaster) { r.Image = graph.Value{} }, true},
		{"future timestamp", func(r *ClassifiedRaster) { r.CreatedAt = time.Now().Add(time.Hour) }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := valid()
			tt.mutate(&r)
			err := r.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("ClassifiedRaster.Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestChangeRasterValidateGeometryMismatch(t *testing.T) {
	c := ChangeRaster{
		ID:    "change-1",
		Key:   ChangeKey{FromYear: 2010, ToYear: 2020, Mode: BinaryLoss, Classifier: CART, AreaID: "gaul:nyeri"},
		From:  Fingerprint{Year: 2010, Classifier: CART, AreaID: "gaul:nyeri"},
		To:    Fingerprint{Year: 2020, Classifier: CART, AreaID: "osm:nyeri"},
		Image: graph.Const(1),
	}
	if err := c.Validate(); !errors.Is(err, ErrGeometryMismatch) {
		t.Errorf("expected ErrGeometryMismatch, got %v", err)
	}
}

func TestForestSummary(t *testing.T) {
	f := func(v float64) *float64 { return &v }

	tests := []struct {
		name    string
		initial *float64
		final   *float64
		net     int64
		desc    string
	}{
		{"gain", f(100), f(150), 50, "Gain of 50 pixels of forest cover."},
		{"loss", f(150), f(100), -50, "Loss of 50 pixels of forest cover."},
		{"no change", f(10), f(10), 0, "No change in forest cover."},
		{"null initial", nil, f(7), 7, "Gain of 7 pixels of forest cover."},
		{"both null", nil, nil, 0, "No change in forest cover."},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewForestSummary(tt.initial, tt.final)
			if s.NetChange != tt.net {
				t.Errorf("net change = %d, want %d", s.NetChange, tt.net)
			}
			if s.Description != tt.desc {
				t.Errorf("description = %q, want %q", s.Description, tt.desc)
			}
		})
	}
}

func TestCoerceKeepsNoDataDistinct(t *testing.T) {
	zero := 0.0
	hundred := 100.0
	raw := []RawClassArea{
		{Code: 0, Pixels: &hundred},
		{Code: 1, Pixels: &zero},
		{Code: 2, Pixels: nil},
	}
	names := map[int]string{0: "Forest", 1: "Bareland", 2: "Built-up"}

	areas := Coerce(raw, names, 30)
	if len(areas) != 3 {
		t.Fatalf("expected 3 classes, got %d", len(areas))
	}
	if areas[0].Hectares != 9 {
		t.Errorf("100 pixels at 30m should be 9 ha, got %f", areas[0].Hectares)
	}
	if areas[1].NoData || areas[1].Hectares != 0 {
		t.Errorf("zero pixels should be zero area with data, got %+v", areas[1])
	}
	if !areas[2].NoData || areas[2].Hectares != 0 {
		t.Errorf("null pixels should be zero area flagged no-data, got %+v", areas[2])
	}
	if areas[2].Name != "Built-up" {
		t.Errorf("expected legend name, got %q", areas[2].Name)
	}
}

func TestAreaStatsValidate(t *testing.T) {
	stats := AreaStats{
		Fingerprint: Fingerprint{Year: 2015, Classifier: SVM, AreaID: "gaul:nyeri"},
		Scale:       30,
		Classes: []ClassArea{
			{Code: 0, Hectares: 9},
			{Code: 1, Hectares: 1},
		},
		TotalHectares: 10,
	}
	if err := stats.Validate(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if stats.Hectares(1) != 1 || stats.Hectares(7) != 0 {
		t.Error("Hectares lookup returned wrong values")
	}

	stats.TotalHectares = 11
	if err := stats.Validate(); err == nil {
		t.Error("expected total mismatch error")
	}
}

func TestParseChangeMode(t *testing.T) {
	if m, _ := ParseChangeMode(""); m != SignedDifference {
		t.Errorf("default mode should be signed difference, got %s", m)
	}
	if m, _ := ParseChangeMode("loss"); m != BinaryLoss {
		t.Errorf("loss alias should map to binary loss, got %s", m)
	}
	if _, err := ParseChangeMode("ratio"); err == nil {
		t.Error("expected error for unknown mode")
	}
}
