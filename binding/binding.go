/*Package binding maps externally visible attribute names onto LightField settings.

A Declaration is a static description of one attribute: its name, the setting
it reads and writes, its value kind and its presentation metadata.  Build turns
a list of declarations into a Table, dropping those the connected experiment
does not support.  The Table is then the only path by which attributes are
read from or written to the engine.
*/
package binding

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/mbi-berlin/lightfield-http/lightfield"
	"gopkg.in/yaml.v2"
)

// Access is the direction of an attribute
type Access int

const (
	// Read attributes can only be read
	Read Access = iota

	// ReadWrite attributes can be read and written
	ReadWrite
)

// Kind is the value type of an attribute
type Kind int

const (
	// Int is a signed integer
	Int Kind = iota

	// Float is a 64-bit float
	Float

	// String is a string
	String

	// Bool is a boolean
	Bool

	// Enum is an integer index into the Labels of the declaration
	Enum
)

var (
	accessNames = []string{"read", "readwrite"}
	kindNames   = []string{"int", "float", "string", "bool", "enum"}
)

func (a Access) String() string {
	if int(a) < len(accessNames) && a >= 0 {
		return accessNames[a]
	}
	return fmt.Sprintf("Access(%d)", int(a))
}

// MarshalText satisfies encoding.TextMarshaler
func (a Access) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalText satisfies encoding.TextUnmarshaler
func (a *Access) UnmarshalText(b []byte) error {
	s := strings.ToLower(string(b))
	for i, n := range accessNames {
		if s == n {
			*a = Access(i)
			return nil
		}
	}
	return fmt.Errorf("binding: unknown access %q", s)
}

func (k Kind) String() string {
	if int(k) < len(kindNames) && k >= 0 {
		return kindNames[k]
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// MarshalText satisfies encoding.TextMarshaler
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText satisfies encoding.TextUnmarshaler
func (k *Kind) UnmarshalText(b []byte) error {
	s := strings.ToLower(string(b))
	for i, n := range kindNames {
		if s == n {
			*k = Kind(i)
			return nil
		}
	}
	return fmt.Errorf("binding: unknown kind %q", s)
}

// Bounds is an inclusive numeric range
type Bounds struct {
	Min float64 `yaml:"Min" json:"min"`
	Max float64 `yaml:"Max" json:"max"`
}

// Declaration describes one attribute
type Declaration struct {
	// Name is the external name, unique within a table
	Name string `yaml:"Name" json:"name"`

	// Key is the LightField setting the attribute is bound to
	Key lightfield.Setting `yaml:"Key" json:"key"`

	Access Access `yaml:"Access" json:"access"`
	Kind   Kind   `yaml:"Kind" json:"kind"`

	// Label is a short human readable name
	Label string `yaml:"Label,omitempty" json:"label,omitempty"`

	// Unit is only meaningful for Int and Float
	Unit string `yaml:"Unit,omitempty" json:"unit,omitempty"`

	Description string `yaml:"Description,omitempty" json:"description,omitempty"`

	// Labels name the values of an Enum, in index order
	Labels []string `yaml:"Labels,omitempty" json:"labels,omitempty"`

	// Bounds optionally limits Int and Float values
	Bounds *Bounds `yaml:"Bounds,omitempty" json:"bounds,omitempty"`
}

// Validate checks that every field of the declaration applies to its kind
func (d Declaration) Validate() error {
	if d.Name == "" {
		return errors.New("binding: declaration without a name")
	}
	if d.Key == "" {
		return fmt.Errorf("binding: %s: no setting key", d.Name)
	}
	if d.Access != Read && d.Access != ReadWrite {
		return fmt.Errorf("binding: %s: invalid access %v", d.Name, d.Access)
	}
	switch d.Kind {
	case Int, Float:
		if len(d.Labels) != 0 {
			return fmt.Errorf("binding: %s: labels on a %v attribute", d.Name, d.Kind)
		}
		if d.Bounds != nil && d.Bounds.Min > d.Bounds.Max {
			return fmt.Errorf("binding: %s: bounds min %v > max %v", d.Name, d.Bounds.Min, d.Bounds.Max)
		}
	case String, Bool:
		if len(d.Labels) != 0 {
			return fmt.Errorf("binding: %s: labels on a %v attribute", d.Name, d.Kind)
		}
		if d.Bounds != nil {
			return fmt.Errorf("binding: %s: bounds on a %v attribute", d.Name, d.Kind)
		}
		if d.Unit != "" {
			return fmt.Errorf("binding: %s: unit on a %v attribute", d.Name, d.Kind)
		}
	case Enum:
		if len(d.Labels) == 0 {
			return fmt.Errorf("binding: %s: enum without labels", d.Name)
		}
		if d.Bounds != nil {
			return fmt.Errorf("binding: %s: bounds on an enum attribute", d.Name)
		}
	default:
		return fmt.Errorf("binding: %s: invalid kind %v", d.Name, d.Kind)
	}
	return nil
}

// LoadYAML reads a list of declarations from a YAML file
func LoadYAML(path string) ([]Declaration, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var decls []Declaration
	err = yaml.NewDecoder(f).Decode(&decls)
	if err != nil {
		return nil, fmt.Errorf("binding: decoding %s: %w", path, err)
	}
	return decls, nil
}
