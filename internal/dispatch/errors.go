package dispatch

import "errors"

var (
	ErrPolicyViolation = errors.New("dispatch: policy violation")
	ErrNoCapacity      = errors.New("dispatch: no worker registered for pool/resource_class")
)
