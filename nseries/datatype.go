package nseries

import (
	"fmt"

	"njlink/cip"
)

// Kind discriminates the resolved type variants.
type Kind int

const (
	KindScalar Kind = iota
	KindString
	KindArray
	KindStructure
	KindAbbreviated
)

func (k Kind) String() string {
	switch k {
	case KindScalar:
		return "scalar"
	case KindString:
		return "string"
	case KindArray:
		return "array"
	case KindStructure:
		return "structure"
	case KindAbbreviated:
		return "abbreviated"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Dimension is one array dimension: element count and the declared start
// index of that dimension.
type Dimension struct {
	Elements uint32
	Start    uint32
}

// Member is one named structure member in chain order.
type Member struct {
	Name string
	Type *DataType
}

// DataType is a fully resolved type descriptor.  A descriptor is either
// complete or never handed out; the resolver fails rather than building a
// partial one.
type DataType struct {
	Kind       Kind
	Code       cip.TypeCode
	InstanceID uint16
	Size       uint32 // declared byte size; size in memory for structures

	// Array variant
	Element    *DataType
	Dimensions []Dimension

	// Structure variant
	TypeName string
	Members  []Member
}

// TotalElements multiplies the array extents.  Returns 1 for non-arrays.
func (d *DataType) TotalElements() int {
	if d == nil || d.Kind != KindArray {
		return 1
	}
	total := 1
	for _, dim := range d.Dimensions {
		total *= int(dim.Elements)
	}
	return total
}

func (d *DataType) String() string {
	if d == nil {
		return "<nil>"
	}
	switch d.Kind {
	case KindArray:
		return fmt.Sprintf("ARRAY[%d] OF %s", d.TotalElements(), d.Element)
	case KindStructure:
		return fmt.Sprintf("STRUCT %s (%d members)", d.TypeName, len(d.Members))
	case KindString:
		return fmt.Sprintf("STRING[%d]", d.Size)
	case KindAbbreviated:
		return "ABBREVIATED_STRUCT"
	default:
		return d.Code.String()
	}
}
