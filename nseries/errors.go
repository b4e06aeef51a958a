package nseries

import "errors"

var (
	// ErrNameNotFound means the variable name is absent from the registry.
	// Re-run Discover or correct the name.
	ErrNameNotFound = errors.New("variable not found in registry")

	// ErrUnresolvedType means the resolver met an abbreviated structure or a
	// data type code it does not recognize.
	ErrUnresolvedType = errors.New("variable type cannot be resolved")

	// ErrChainTooLong means a member chain walked past the safety bound,
	// usually a cyclic or corrupted next-instance link.
	ErrChainTooLong = errors.New("type member chain exceeded safety bound")
)
