package models

import (
	"fmt"
	"strings"
)

// ClassifierKind is one of the supervised classifier families the engine offers
type ClassifierKind string

const (
	RandomForest ClassifierKind = "random_forest"
	SVM          ClassifierKind = "svm"
	CART         ClassifierKind = "cart"
)

// DefaultTrees is the forest size used when none is requested
const DefaultTrees = 100

// ClassifierKinds lists the supported kinds in dashboard order
func ClassifierKinds() []ClassifierKind {
	return []ClassifierKind{RandomForest, SVM, CART}
}

// Label returns the dashboard label for the kind
func (k ClassifierKind) Label() string {
	switch k {
	case RandomForest:
		return "Random Forest"
	case SVM:
		return "SVM"
	case CART:
		return "CART"
	}
	return string(k)
}

// Validate rejects anything outside the three supported kinds
func (k ClassifierKind) Validate() error {
	switch k {
	case RandomForest, SVM, CART:
		return nil
	}
	return fmt.Errorf("%w: %q", ErrInvalidClassifier, string(k))
}

// ParseClassifierKind accepts dashboard labels ("Random Forest") as well as
// machine names ("random_forest", "rf")
func ParseClassifierKind(s string) (ClassifierKind, error) {
	normalized := strings.ToLower(strings.TrimSpace(s))
	normalized = strings.NewReplacer(" ", "_", "-", "_").Replace(normalized)

	switch normalized {
	case "random_forest", "randomforest", "rf", "smilerandomforest":
		return RandomForest, nil
	case "svm", "libsvm":
		return SVM, nil
	case "cart", "smilecart":
		return CART, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidClassifier, s)
}

// ClassifierSpec is a classifier kind plus its parameters
type ClassifierSpec struct {
	Kind  ClassifierKind `json:"kind"`
	Trees int            `json:"trees,omitempty"` // RandomForest only
}

// Validate checks the kind and its parameters
func (s ClassifierSpec) Validate() error {
	if err := s.Kind.Validate(); err != nil {
		return err
	}
	if s.Kind == RandomForest && s.Trees < 1 {
		return fmt.Errorf("%w: random forest needs at least one tree", ErrInvalidClassifier)
	}
	return nil
}

// WithDefaults fills in the forest size
func (s ClassifierSpec) WithDefaults() ClassifierSpec {
	if s.Kind == RandomForest && s.Trees == 0 {
		s.Trees = DefaultTrees
	}
	if s.Kind != RandomForest {
		s.Trees = 0
	}
	return s
}
