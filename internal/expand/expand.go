// Package expand implements the $(VAR) substitution syntax used by
// Kubernetes for container commands and environment values. The behavior
// matches the reference expansion exactly: "$$" escapes to "$", a matched
// "$(VAR)" is replaced by the mapping's value, and an unmatched reference
// is left in the input verbatim.
package expand

const (
	operator        = '$'
	referenceOpener = '('
	referenceCloser = ')'
)

// MappingFuncFor returns a mapping function that consults the given
// name/value maps in order and reproduces unmatched references literally.
func MappingFuncFor(context ...map[string]string) func(string) string {
	return func(input string) string {
		for _, vars := range context {
			if val, ok := vars[input]; ok {
				return val
			}
		}
		return string(operator) + string(referenceOpener) + input + string(referenceCloser)
	}
}

// Expand replaces variable references in input using the mapping function.
func Expand(input string, mapping func(string) string) string {
	var buf []byte
	checkpoint := 0
	for cursor := 0; cursor < len(input); cursor++ {
		if input[cursor] == operator && cursor+1 < len(input) {
			if buf == nil {
				buf = make([]byte, 0, 2*len(input))
			}
			buf = append(buf, input[checkpoint:cursor]...)

			read, isVar, advance := tryReadVariableName(input[cursor+1:])
			if isVar {
				buf = append(buf, mapping(read)...)
			} else {
				buf = append(buf, read...)
			}
			cursor += advance
			checkpoint = cursor + 1
		}
	}
	if buf == nil {
		return input
	}
	return string(buf) + input[checkpoint:]
}

// tryReadVariableName parses the input following an operator and returns
// the content to write, whether it is a variable reference, and how far
// the cursor should advance past the operator.
func tryReadVariableName(input string) (string, bool, int) {
	switch input[0] {
	case operator:
		// Escaped operator: "$$" emits "$".
		return string(operator), false, 1
	case referenceOpener:
		for i := 1; i < len(input); i++ {
			if input[i] == referenceCloser {
				return input[1:i], true, i + 1
			}
		}
		// Incomplete reference, return it verbatim.
		return string(operator) + string(referenceOpener), false, 1
	default:
		// Not a reference, emit the operator and the byte after it.
		return string(operator) + string(input[0]), false, 1
	}
}
