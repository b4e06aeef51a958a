package nseries

import (
	"encoding/binary"
	"fmt"

	"njlink/cip"
	"njlink/logging"
)

// maxChainLength bounds the number of Variable Type Object fetches spent on
// a single variable.  A malformed or cyclic next-instance chain fails with
// ErrChainTooLong instead of looping.
const maxChainLength = 1024

// resolver walks the Tag Name Server / Variable Object / Variable Type
// Object triad to build type descriptors.
type resolver struct {
	sender rrSender
}

// discover runs one full enumeration pass and returns the finished registry.
func (r *resolver) discover() (*Registry, error) {
	count, err := r.variableCount()
	if err != nil {
		return nil, fmt.Errorf("discover: %w", err)
	}

	logging.DebugLog("nseries", "discover: controller declares %d variables", count)

	reg := newRegistry()
	for instance := uint16(1); instance <= count; instance++ {
		name, err := r.variableName(instance)
		if err != nil {
			return nil, fmt.Errorf("discover: %w", err)
		}

		dt, err := r.resolveVariable(instance)
		if err != nil {
			// Variables with codes outside the known dictionary are skipped,
			// the rest of the table still resolves.
			logging.DebugLog("nseries", "discover: skipping %q: %v", name, err)
			continue
		}
		reg.add(name, dt)
	}

	return reg, nil
}

// variableCount asks the Tag Name Server (instance 0) how many variables are
// declared.
func (r *resolver) variableCount() (uint16, error) {
	data, err := getAttributeAll(r.sender, ClassTagNameServer, 0)
	if err != nil {
		return 0, err
	}
	if len(data) < 4 {
		return 0, fmt.Errorf("variableCount: reply too short: got %d bytes", len(data))
	}
	return binary.LittleEndian.Uint16(data[2:4]), nil
}

// variableName reads one name from the Tag Name Server.  Instance ids are
// 1-based and shared with the Variable Object class.
func (r *resolver) variableName(instance uint16) (string, error) {
	data, err := getAttributeAll(r.sender, ClassTagNameServer, instance)
	if err != nil {
		return "", err
	}
	if len(data) < 5 {
		return "", fmt.Errorf("variableName: instance %d reply too short: got %d bytes", instance, len(data))
	}
	nameLen := int(data[4])
	if len(data) < 5+nameLen {
		return "", fmt.Errorf("variableName: instance %d name truncated: need %d bytes, got %d", instance, 5+nameLen, len(data))
	}
	return string(data[5 : 5+nameLen]), nil
}

// resolveVariable builds the full descriptor for the variable at one
// Variable Object instance.
func (r *resolver) resolveVariable(instance uint16) (*DataType, error) {
	data, err := getAttributeAll(r.sender, ClassVariableObject, instance)
	if err != nil {
		return nil, err
	}
	vo, err := parseVariableObject(data)
	if err != nil {
		return nil, err
	}

	// One fetch budget per variable, shared across the whole walk so cycles
	// anywhere in the chain trip the guard.
	budget := maxChainLength

	dt, err := r.buildVariable(vo, &budget)
	if err != nil {
		return nil, err
	}
	dt.InstanceID = instance
	return dt, nil
}

func (r *resolver) buildVariable(vo *variableObject, budget *int) (*DataType, error) {
	switch {
	case vo.TypeCode == cip.TypeString:
		return &DataType{Kind: KindString, Code: vo.TypeCode, Size: vo.Size}, nil

	case vo.TypeCode.IsElementary():
		return &DataType{Kind: KindScalar, Code: vo.TypeCode, Size: vo.Size}, nil

	case vo.TypeCode == cip.TypeArray:
		elem, err := r.resolveArrayElement(vo.ArrayElemCode, vo.Size, vo.Dimensions, vo.TypeInstance, budget)
		if err != nil {
			return nil, err
		}
		return &DataType{
			Kind:       KindArray,
			Code:       vo.TypeCode,
			Size:       vo.Size,
			Element:    elem,
			Dimensions: vo.Dimensions,
		}, nil

	case vo.TypeCode == cip.TypeStruct:
		return r.resolveStructure(vo.TypeInstance, budget)

	case vo.TypeCode == cip.TypeAbbreviatedStruct:
		// Recognized, deliberately unresolved.
		return &DataType{Kind: KindAbbreviated, Code: vo.TypeCode, Size: vo.Size}, nil

	default:
		return nil, fmt.Errorf("type code 0x%02X: %w", byte(vo.TypeCode), ErrUnresolvedType)
	}
}

// resolveArrayElement produces the element descriptor for an array.
// Elementary and string elements are derived locally from the element code;
// composite elements require following the array's Variable Type Object to
// its linked element type.
func (r *resolver) resolveArrayElement(elemCode cip.TypeCode, totalSize uint32, dims []Dimension, typeInstance uint32, budget *int) (*DataType, error) {
	elements := 1
	for _, d := range dims {
		elements *= int(d.Elements)
	}
	elemSize := uint32(0)
	if elements > 0 {
		elemSize = totalSize / uint32(elements)
	}

	switch {
	case elemCode == cip.TypeString:
		return &DataType{Kind: KindString, Code: elemCode, Size: elemSize}, nil

	case elemCode.IsElementary():
		return &DataType{Kind: KindScalar, Code: elemCode, Size: uint32(elemCode.Width())}, nil

	case elemCode == cip.TypeStruct:
		arrayType, err := r.typeObject(typeInstance, budget)
		if err != nil {
			return nil, err
		}
		return r.resolveStructure(arrayType.NextInstance, budget)

	case elemCode == cip.TypeAbbreviatedStruct:
		return &DataType{Kind: KindAbbreviated, Code: elemCode, Size: elemSize}, nil

	default:
		return nil, fmt.Errorf("array element code 0x%02X: %w", byte(elemCode), ErrUnresolvedType)
	}
}

// resolveStructure reads the structure's own Variable Type Object and
// resolves it, member chain included.
func (r *resolver) resolveStructure(typeInstance uint32, budget *int) (*DataType, error) {
	tvo, err := r.typeObject(typeInstance, budget)
	if err != nil {
		return nil, err
	}
	return r.buildFromTypeObject(tvo, budget)
}

// walkMembers follows the singly-linked member chain (next-instance links)
// from its first instance to the zero terminator, resolving every member
// recursively.  Chain order is preserved.
func (r *resolver) walkMembers(first uint32, budget *int) ([]Member, error) {
	var members []Member
	for instance := first; instance != 0; {
		mtvo, err := r.typeObject(instance, budget)
		if err != nil {
			return nil, err
		}

		mdt, err := r.buildFromTypeObject(mtvo, budget)
		if err != nil {
			return nil, err
		}

		members = append(members, Member{Name: mtvo.Name, Type: mdt})
		instance = mtvo.NextInstance
	}
	return members, nil
}

// buildFromTypeObject resolves the descriptor described by one Variable Type
// Object, recursing for composite members.
func (r *resolver) buildFromTypeObject(tvo *variableTypeObject, budget *int) (*DataType, error) {
	switch {
	case tvo.TypeCode == cip.TypeString:
		return &DataType{Kind: KindString, Code: tvo.TypeCode, Size: tvo.SizeInMemory}, nil

	case tvo.TypeCode.IsElementary():
		return &DataType{Kind: KindScalar, Code: tvo.TypeCode, Size: tvo.SizeInMemory}, nil

	case tvo.TypeCode == cip.TypeArray:
		elem, err := r.resolveArrayElement(tvo.ArrayElemCode, tvo.SizeInMemory, tvo.Dimensions, tvo.NestingInstance, budget)
		if err != nil {
			return nil, err
		}
		return &DataType{
			Kind:       KindArray,
			Code:       tvo.TypeCode,
			Size:       tvo.SizeInMemory,
			Element:    elem,
			Dimensions: tvo.Dimensions,
		}, nil

	case tvo.TypeCode == cip.TypeStruct:
		members, err := r.walkMembers(tvo.NestingInstance, budget)
		if err != nil {
			return nil, err
		}
		return &DataType{
			Kind:     KindStructure,
			Code:     tvo.TypeCode,
			Size:     tvo.SizeInMemory,
			TypeName: tvo.Name,
			Members:  members,
		}, nil

	case tvo.TypeCode == cip.TypeAbbreviatedStruct:
		return &DataType{Kind: KindAbbreviated, Code: tvo.TypeCode, Size: tvo.SizeInMemory}, nil

	default:
		return nil, fmt.Errorf("type object code 0x%02X: %w", byte(tvo.TypeCode), ErrUnresolvedType)
	}
}

// typeObject fetches and parses one Variable Type Object instance, spending
// one unit of the per-variable chain budget.
func (r *resolver) typeObject(instance uint32, budget *int) (*variableTypeObject, error) {
	*budget--
	if *budget < 0 {
		return nil, fmt.Errorf("typeObject instance %d: %w", instance, ErrChainTooLong)
	}

	data, err := getAttributeAll(r.sender, ClassVariableTypeObject, uint16(instance))
	if err != nil {
		return nil, err
	}
	return parseVariableTypeObject(data)
}
