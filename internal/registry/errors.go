package registry

import "errors"

var (
	ErrUnknownTask      = errors.New("registry: unknown task")
	ErrUnsupportedArity = errors.New("registry: task requires a pack adapter for multi-arity input")
	ErrPolicyViolation  = errors.New("registry: policy violation")
	ErrArityMismatch    = errors.New("registry: output array length does not match declared output arity")
	ErrRegistryFrozen   = errors.New("registry: already booted, no further registration accepted")
	ErrRegistryNotBooted = errors.New("registry: Boot() has not been called")
)
