package value

import (
	"fmt"
	"strconv"
	"strings"
)

// ErrMalformedLiteral is returned when literal text matches none of the
// codec's recognized forms.
type ErrMalformedLiteral struct {
	Text string
}

func (e *ErrMalformedLiteral) Error() string {
	return fmt.Sprintf("malformed literal: %q", e.Text)
}

// ErrBranchTypeMismatch is returned when a branch condition resolves to
// a non-boolean value.
var ErrBranchTypeMismatch = fmt.Errorf("branch condition is not a boolean")

// Codec parses IR literal text into Values and judges truthiness for
// branch evaluation. Behavior mirrors the reference kernel's
// CoreValueCodec/JsonCodec literal grammar: "true"/"false" are
// booleans, "()" is unit, anything parseable as a signed 32-bit integer
// is an integer, and everything else is a string with one layer of
// surrounding double quotes stripped if present. A literal that opens a
// quoted string but never closes it matches none of those forms and is
// ErrMalformedLiteral, per §7.
type Codec struct{}

// Parse implements the §4.2 literal grammar.
func (Codec) Parse(literal string) (Value, error) {
	switch literal {
	case "true":
		return Bool(true), nil
	case "false":
		return Bool(false), nil
	case "()":
		return Unit(), nil
	}
	if n, err := strconv.ParseInt(literal, 10, 32); err == nil {
		return Int(int32(n)), nil
	}
	if strings.HasPrefix(literal, `"`) {
		if len(literal) >= 2 && strings.HasSuffix(literal, `"`) {
			return String(literal[1 : len(literal)-1]), nil
		}
		return Value{}, &ErrMalformedLiteral{Text: literal}
	}
	return String(literal), nil
}

// IsTruthy judges a branch condition value. Only booleans are truthy;
// anything else is ErrBranchTypeMismatch.
func (Codec) IsTruthy(v Value) (bool, error) {
	b, ok := v.AsBool()
	if !ok {
		return false, ErrBranchTypeMismatch
	}
	return b, nil
}
