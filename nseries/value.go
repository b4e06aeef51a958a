package nseries

import (
	"encoding/binary"
	"fmt"
	"math"

	"njlink/cip"
)

// DecodeValue turns accumulated wire bytes into a Go value according to the
// resolved descriptor.  Scalars map to their natural Go types, strings to
// string, arrays to typed slices, structures to a member-name map.
func DecodeValue(dt *DataType, data []byte) (interface{}, error) {
	if dt == nil {
		return nil, fmt.Errorf("DecodeValue: nil descriptor")
	}

	switch dt.Kind {
	case KindScalar:
		return decodeScalar(dt.Code, data)
	case KindString:
		return decodeString(data), nil
	case KindArray:
		return decodeArray(dt, data)
	case KindStructure:
		return decodeStructure(dt, data)
	default:
		return nil, fmt.Errorf("DecodeValue: %s: %w", dt.Kind, ErrUnresolvedType)
	}
}

func decodeScalar(code cip.TypeCode, data []byte) (interface{}, error) {
	width := code.Width()
	if width == 0 {
		return nil, fmt.Errorf("decodeScalar: %s has no fixed width: %w", code, ErrUnresolvedType)
	}
	if len(data) < width {
		return nil, fmt.Errorf("decodeScalar: %s needs %d bytes, got %d", code, width, len(data))
	}

	switch code {
	case cip.TypeBool:
		return binary.LittleEndian.Uint16(data) != 0, nil
	case cip.TypeSint:
		return int8(data[0]), nil
	case cip.TypeInt:
		return int16(binary.LittleEndian.Uint16(data)), nil
	case cip.TypeDint:
		return int32(binary.LittleEndian.Uint32(data)), nil
	case cip.TypeLint:
		return int64(binary.LittleEndian.Uint64(data)), nil
	case cip.TypeUsint, cip.TypeByte:
		return data[0], nil
	case cip.TypeUint, cip.TypeWord:
		return binary.LittleEndian.Uint16(data), nil
	case cip.TypeUdint, cip.TypeDword:
		return binary.LittleEndian.Uint32(data), nil
	case cip.TypeUlint, cip.TypeLword, cip.TypeTime:
		return binary.LittleEndian.Uint64(data), nil
	case cip.TypeReal:
		return math.Float32frombits(binary.LittleEndian.Uint32(data)), nil
	case cip.TypeLreal:
		return math.Float64frombits(binary.LittleEndian.Uint64(data)), nil
	default:
		return nil, fmt.Errorf("decodeScalar: code 0x%02X: %w", byte(code), ErrUnresolvedType)
	}
}

// decodeString reads up to the first NUL; controllers pad the declared size
// with zeroes.
func decodeString(data []byte) string {
	for i, b := range data {
		if b == 0 {
			return string(data[:i])
		}
	}
	return string(data)
}

func decodeArray(dt *DataType, data []byte) (interface{}, error) {
	elem := dt.Element
	if elem == nil {
		return nil, fmt.Errorf("decodeArray: missing element descriptor: %w", ErrUnresolvedType)
	}

	count := dt.TotalElements()
	elemSize := int(elem.Size)
	if elemSize == 0 {
		elemSize = elem.Code.Width()
	}
	if elemSize == 0 {
		return nil, fmt.Errorf("decodeArray: element %s has no size: %w", elem, ErrUnresolvedType)
	}
	if count*elemSize > len(data) {
		count = len(data) / elemSize
	}

	switch {
	case elem.Kind == KindScalar:
		return decodeScalarArray(elem.Code, data, count, elemSize)
	default:
		out := make([]interface{}, count)
		for i := 0; i < count; i++ {
			v, err := DecodeValue(elem, data[i*elemSize:(i+1)*elemSize])
			if err != nil {
				return nil, fmt.Errorf("decodeArray: element %d: %w", i, err)
			}
			out[i] = v
		}
		return out, nil
	}
}

func decodeScalarArray(code cip.TypeCode, data []byte, count, elemSize int) (interface{}, error) {
	switch code {
	case cip.TypeBool:
		out := make([]bool, count)
		for i := range out {
			out[i] = binary.LittleEndian.Uint16(data[i*elemSize:]) != 0
		}
		return out, nil
	case cip.TypeSint:
		out := make([]int8, count)
		for i := range out {
			out[i] = int8(data[i*elemSize])
		}
		return out, nil
	case cip.TypeInt:
		out := make([]int16, count)
		for i := range out {
			out[i] = int16(binary.LittleEndian.Uint16(data[i*elemSize:]))
		}
		return out, nil
	case cip.TypeDint:
		out := make([]int32, count)
		for i := range out {
			out[i] = int32(binary.LittleEndian.Uint32(data[i*elemSize:]))
		}
		return out, nil
	case cip.TypeLint:
		out := make([]int64, count)
		for i := range out {
			out[i] = int64(binary.LittleEndian.Uint64(data[i*elemSize:]))
		}
		return out, nil
	case cip.TypeUsint, cip.TypeByte:
		out := make([]uint8, count)
		for i := range out {
			out[i] = data[i*elemSize]
		}
		return out, nil
	case cip.TypeUint, cip.TypeWord:
		out := make([]uint16, count)
		for i := range out {
			out[i] = binary.LittleEndian.Uint16(data[i*elemSize:])
		}
		return out, nil
	case cip.TypeUdint, cip.TypeDword:
		out := make([]uint32, count)
		for i := range out {
			out[i] = binary.LittleEndian.Uint32(data[i*elemSize:])
		}
		return out, nil
	case cip.TypeUlint, cip.TypeLword, cip.TypeTime:
		out := make([]uint64, count)
		for i := range out {
			out[i] = binary.LittleEndian.Uint64(data[i*elemSize:])
		}
		return out, nil
	case cip.TypeReal:
		out := make([]float32, count)
		for i := range out {
			out[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*elemSize:]))
		}
		return out, nil
	case cip.TypeLreal:
		out := make([]float64, count)
		for i := range out {
			out[i] = math.Float64frombits(binary.LittleEndian.Uint64(data[i*elemSize:]))
		}
		return out, nil
	default:
		return nil, fmt.Errorf("decodeScalarArray: code 0x%02X: %w", byte(code), ErrUnresolvedType)
	}
}

// decodeStructure slices the buffer member by member in chain order, using
// each member's declared size as its extent.
func decodeStructure(dt *DataType, data []byte) (interface{}, error) {
	out := make(map[string]interface{}, len(dt.Members))
	offset := 0
	for _, m := range dt.Members {
		size := int(m.Type.Size)
		if size == 0 {
			size = m.Type.Code.Width()
		}
		if offset+size > len(data) {
			return nil, fmt.Errorf("decodeStructure: member %q needs bytes [%d:%d], have %d", m.Name, offset, offset+size, len(data))
		}
		v, err := DecodeValue(m.Type, data[offset:offset+size])
		if err != nil {
			return nil, fmt.Errorf("decodeStructure: member %q: %w", m.Name, err)
		}
		out[m.Name] = v
		offset += size
	}
	return out, nil
}

// EncodeValue turns a Go value into wire bytes according to the descriptor.
// Raw []byte is accepted for any kind and passed through after a size check.
func EncodeValue(dt *DataType, value interface{}) ([]byte, error) {
	if dt == nil {
		return nil, fmt.Errorf("EncodeValue: nil descriptor")
	}

	if raw, ok := value.([]byte); ok && dt.Kind != KindScalar {
		if uint32(len(raw)) > dt.Size {
			return nil, fmt.Errorf("EncodeValue: %d raw bytes exceed declared size %d", len(raw), dt.Size)
		}
		return raw, nil
	}

	switch dt.Kind {
	case KindScalar:
		return encodeScalar(dt.Code, value)
	case KindString:
		s, ok := value.(string)
		if !ok {
			return nil, fmt.Errorf("EncodeValue: %T cannot encode as %s", value, dt)
		}
		if uint32(len(s)) > dt.Size {
			return nil, fmt.Errorf("EncodeValue: string length %d exceeds declared size %d", len(s), dt.Size)
		}
		return []byte(s), nil
	case KindArray:
		return encodeArray(dt, value)
	default:
		return nil, fmt.Errorf("EncodeValue: %s: %w", dt.Kind, ErrUnresolvedType)
	}
}

func encodeScalar(code cip.TypeCode, value interface{}) ([]byte, error) {
	switch code {
	case cip.TypeBool:
		b, ok := value.(bool)
		if !ok {
			return nil, fmt.Errorf("encodeScalar: %T cannot encode as BOOL", value)
		}
		if b {
			return []byte{0x01, 0x00}, nil
		}
		return []byte{0x00, 0x00}, nil

	case cip.TypeReal:
		f, err := toFloat(value)
		if err != nil {
			return nil, fmt.Errorf("encodeScalar REAL: %w", err)
		}
		return binary.LittleEndian.AppendUint32(nil, math.Float32bits(float32(f))), nil

	case cip.TypeLreal:
		f, err := toFloat(value)
		if err != nil {
			return nil, fmt.Errorf("encodeScalar LREAL: %w", err)
		}
		return binary.LittleEndian.AppendUint64(nil, math.Float64bits(f)), nil
	}

	n, err := toInt(value)
	if err != nil {
		return nil, fmt.Errorf("encodeScalar %s: %w", code, err)
	}

	switch code {
	case cip.TypeSint:
		if n < math.MinInt8 || n > math.MaxInt8 {
			return nil, fmt.Errorf("encodeScalar: %d out of SINT range", n)
		}
		return []byte{byte(n)}, nil
	case cip.TypeUsint, cip.TypeByte:
		if n < 0 || n > math.MaxUint8 {
			return nil, fmt.Errorf("encodeScalar: %d out of USINT range", n)
		}
		return []byte{byte(n)}, nil
	case cip.TypeInt:
		if n < math.MinInt16 || n > math.MaxInt16 {
			return nil, fmt.Errorf("encodeScalar: %d out of INT range", n)
		}
		return binary.LittleEndian.AppendUint16(nil, uint16(n)), nil
	case cip.TypeUint, cip.TypeWord:
		if n < 0 || n > math.MaxUint16 {
			return nil, fmt.Errorf("encodeScalar: %d out of UINT range", n)
		}
		return binary.LittleEndian.AppendUint16(nil, uint16(n)), nil
	case cip.TypeDint:
		if n < math.MinInt32 || n > math.MaxInt32 {
			return nil, fmt.Errorf("encodeScalar: %d out of DINT range", n)
		}
		return binary.LittleEndian.AppendUint32(nil, uint32(n)), nil
	case cip.TypeUdint, cip.TypeDword:
		if n < 0 || n > math.MaxUint32 {
			return nil, fmt.Errorf("encodeScalar: %d out of UDINT range", n)
		}
		return binary.LittleEndian.AppendUint32(nil, uint32(n)), nil
	case cip.TypeLint:
		return binary.LittleEndian.AppendUint64(nil, uint64(n)), nil
	case cip.TypeUlint, cip.TypeLword, cip.TypeTime:
		return binary.LittleEndian.AppendUint64(nil, uint64(n)), nil
	default:
		return nil, fmt.Errorf("encodeScalar: code 0x%02X: %w", byte(code), ErrUnresolvedType)
	}
}

func encodeArray(dt *DataType, value interface{}) ([]byte, error) {
	elem := dt.Element
	if elem == nil || elem.Kind != KindScalar {
		return nil, fmt.Errorf("encodeArray: only scalar element arrays encode from Go slices, got %s", elem)
	}

	var out []byte
	appendElem := func(v interface{}) error {
		b, err := encodeScalar(elem.Code, v)
		if err != nil {
			return err
		}
		out = append(out, b...)
		return nil
	}

	switch s := value.(type) {
	case []bool:
		for _, v := range s {
			if err := appendElem(v); err != nil {
				return nil, err
			}
		}
	case []int8:
		for _, v := range s {
			if err := appendElem(v); err != nil {
				return nil, err
			}
		}
	case []int16:
		for _, v := range s {
			if err := appendElem(v); err != nil {
				return nil, err
			}
		}
	case []int32:
		for _, v := range s {
			if err := appendElem(v); err != nil {
				return nil, err
			}
		}
	case []int64:
		for _, v := range s {
			if err := appendElem(v); err != nil {
				return nil, err
			}
		}
	case []int:
		for _, v := range s {
			if err := appendElem(v); err != nil {
				return nil, err
			}
		}
	case []uint16:
		for _, v := range s {
			if err := appendElem(v); err != nil {
				return nil, err
			}
		}
	case []uint32:
		for _, v := range s {
			if err := appendElem(v); err != nil {
				return nil, err
			}
		}
	case []uint64:
		for _, v := range s {
			if err := appendElem(v); err != nil {
				return nil, err
			}
		}
	case []float32:
		for _, v := range s {
			if err := appendElem(v); err != nil {
				return nil, err
			}
		}
	case []float64:
		for _, v := range s {
			if err := appendElem(v); err != nil {
				return nil, err
			}
		}
	default:
		return nil, fmt.Errorf("encodeArray: unsupported slice type %T", value)
	}

	if uint32(len(out)) > dt.Size {
		return nil, fmt.Errorf("encodeArray: %d encoded bytes exceed declared size %d", len(out), dt.Size)
	}
	return out, nil
}

func toInt(value interface{}) (int64, error) {
	switch n := value.(type) {
	case bool:
		if n {
			return 1, nil
		}
		return 0, nil
	case int:
		return int64(n), nil
	case int8:
		return int64(n), nil
	case int16:
		return int64(n), nil
	case int32:
		return int64(n), nil
	case int64:
		return n, nil
	case uint8:
		return int64(n), nil
	case uint16:
		return int64(n), nil
	case uint32:
		return int64(n), nil
	case uint64:
		return int64(n), nil
	case float32:
		return int64(n), nil
	case float64:
		return int64(n), nil
	default:
		return 0, fmt.Errorf("cannot convert %T to integer", value)
	}
}

func toFloat(value interface{}) (float64, error) {
	switch n := value.(type) {
	case float32:
		return float64(n), nil
	case float64:
		return n, nil
	case int:
		return float64(n), nil
	case int8:
		return float64(n), nil
	case int16:
		return float64(n), nil
	case int32:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case uint8:
		return float64(n), nil
	case uint16:
		return float64(n), nil
	case uint32:
		return float64(n), nil
	case uint64:
		return float64(n), nil
	default:
		return 0, fmt.Errorf("cannot convert %T to float", value)
	}
}
