// Package material defines the closed set of recyclable material kinds and
// their fixed reward weights.
package material

import (
	"fmt"
	"strings"
)

// Kind is a recyclable material category recognised by the classifier.
type Kind string

const (
	None     Kind = ""
	Plastic  Kind = "plastic"
	Aluminum Kind = "aluminum"
)

var weights = map[Kind]int64{
	Plastic:  3,
	Aluminum: 4,
}

// aliases maps classifier labels onto kinds. The deployed model emits
// Spanish class names.
var aliases = map[string]Kind{
	"plastic":   Plastic,
	"plastico":  Plastic,
	"plástico":  Plastic,
	"aluminum":  Aluminum,
	"aluminium": Aluminum,
	"aluminio":  Aluminum,
}

// Weight returns the points awarded for one item of the kind. Unknown kinds weigh zero.
func (k Kind) Weight() int64 {
	return weights[k]
}

// Valid reports whether k is a member of the enumeration.
func (k Kind) Valid() bool {
	_, ok := weights[k]
	return ok
}

func (k Kind) String() string {
	return string(k)
}

// Color is the display colour the kiosk UI uses for the kind.
func (k Kind) Color() string {
	switch k {
	case Plastic:
		return "#ff6b6b"
	case Aluminum:
		return "#4ecdc4"
	default:
		return "#9e9e9e"
	}
}

// Parse resolves a classifier label or configured name to a Kind.
func Parse(label string) (Kind, error) {
	key := strings.ToLower(strings.TrimSpace(label))
	if kind, ok := aliases[key]; ok {
		return kind, nil
	}
	return None, fmt.Errorf("unknown material %q", label)
}

// All returns every kind in display order.
func All() []Kind {
	return []Kind{Plastic, Aluminum}
}

// Set is an allow-list of kinds.
type Set map[Kind]struct{}

// NewSet builds an allow-list from configured names, skipping unknown names.
func NewSet(names []string) Set {
	set := make(Set, len(names))
	for _, name := range names {
		if kind, err := Parse(name); err == nil {
			set[kind] = struct{}{}
		}
	}
	return set
}

// Contains reports whether kind is allowed.
func (s Set) Contains(kind Kind) bool {
	_, ok := s[kind]
	return ok
}
