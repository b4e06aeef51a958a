package cip

import "fmt"

// TypeCode identifies a CIP data type on the wire.
type TypeCode byte

// Elementary CIP data types plus the composite markers and the Omron
// vendor-specific codes.
const (
	TypeBool   TypeCode = 0xC1
	TypeSint   TypeCode = 0xC2
	TypeInt    TypeCode = 0xC3
	TypeDint   TypeCode = 0xC4
	TypeLint   TypeCode = 0xC5
	TypeUsint  TypeCode = 0xC6
	TypeUint   TypeCode = 0xC7
	TypeUdint  TypeCode = 0xC8
	TypeUlint  TypeCode = 0xC9
	TypeReal   TypeCode = 0xCA
	TypeLreal  TypeCode = 0xCB
	TypeString TypeCode = 0xD0
	TypeByte   TypeCode = 0xD1
	TypeWord   TypeCode = 0xD2
	TypeDword  TypeCode = 0xD3
	TypeLword  TypeCode = 0xD4
	TypeTime   TypeCode = 0xDB

	TypeAbbreviatedStruct TypeCode = 0xA0
	TypeStruct            TypeCode = 0xA2
	TypeArray             TypeCode = 0xA3

	TypeOmronUintBCD       TypeCode = 0x04
	TypeOmronUdintBCD      TypeCode = 0x05
	TypeOmronUlintBCD      TypeCode = 0x06
	TypeOmronEnum          TypeCode = 0x07
	TypeOmronDateNsec      TypeCode = 0x08
	TypeOmronTimeNsec      TypeCode = 0x09
	TypeOmronDateTimeNsec  TypeCode = 0x0A
	TypeOmronTimeOfDayNsec TypeCode = 0x0B
	TypeOmronUnion         TypeCode = 0x0C
)

// Width returns the wire width in bytes of an elementary type, or 0 when the
// width is not fixed (strings, composites, unknown codes).  NJ controllers
// put BOOL on the wire as two bytes.
func (t TypeCode) Width() int {
	switch t {
	case TypeSint, TypeUsint, TypeByte:
		return 1
	case TypeBool, TypeInt, TypeUint, TypeWord, TypeOmronUintBCD:
		return 2
	case TypeDint, TypeUdint, TypeReal, TypeDword, TypeOmronUdintBCD:
		return 4
	case TypeLint, TypeUlint, TypeLreal, TypeLword, TypeTime, TypeOmronUlintBCD:
		return 8
	default:
		return 0
	}
}

// IsElementary reports whether the code is a fixed-width scalar type.
func (t TypeCode) IsElementary() bool {
	return t.Width() != 0
}

func (t TypeCode) String() string {
	switch t {
	case TypeBool:
		return "BOOL"
	case TypeSint:
		return "SINT"
	case TypeInt:
		return "INT"
	case TypeDint:
		return "DINT"
	case TypeLint:
		return "LINT"
	case TypeUsint:
		return "USINT"
	case TypeUint:
		return "UINT"
	case TypeUdint:
		return "UDINT"
	case TypeUlint:
		return "ULINT"
	case TypeReal:
		return "REAL"
	case TypeLreal:
		return "LREAL"
	case TypeString:
		return "STRING"
	case TypeByte:
		return "BYTE"
	case TypeWord:
		return "WORD"
	case TypeDword:
		return "DWORD"
	case TypeLword:
		return "LWORD"
	case TypeTime:
		return "TIME"
	case TypeAbbreviatedStruct:
		return "ABBREVIATED_STRUCT"
	case TypeStruct:
		return "STRUCT"
	case TypeArray:
		return "ARRAY"
	case TypeOmronUintBCD:
		return "UINT_BCD"
	case TypeOmronUdintBCD:
		return "UDINT_BCD"
	case TypeOmronUlintBCD:
		return "ULINT_BCD"
	case TypeOmronEnum:
		return "ENUM"
	case TypeOmronDateNsec:
		return "DATE_NSEC"
	case TypeOmronTimeNsec:
		return "TIME_NSEC"
	case TypeOmronDateTimeNsec:
		return "DATE_AND_TIME_NSEC"
	case TypeOmronTimeOfDayNsec:
		return "TIME_OF_DAY_NSEC"
	case TypeOmronUnion:
		return "UNION"
	default:
		return fmt.Sprintf("TYPE_0x%02X", byte(t))
	}
}
