package manifest

// blankTrivia turns JWCC-flavored input (JSON plus comments and trailing
// commas) into plain JSON of the exact same length, by overwriting comment
// bytes and trailing commas with spaces rather than deleting them. That
// keeps every remaining byte at its original offset, so a Decoder walking
// the result can report positions directly against the source file instead
// of against some shorter, re-flowed buffer (hujson.Standardize's own
// output shifts everything after a stripped comment or comma, which is
// exactly wrong for diagnostics meant to point an editor at the original
// manifest).
//
// hujson.Standardize is still called first (see reader.go) to get its
// parse-error messages for genuinely malformed input; this pass only needs
// to agree with it on what counts as a comment or a trailing comma, not to
// duplicate its full error reporting.
func blankTrivia(src []byte) []byte {
	out := make([]byte, len(src))
	copy(out, src)

	blankComments(out)
	blankTrailingCommas(out)
	return out
}

// blankComments overwrites // line comments and /* block comments */ with
// spaces, skipping over string literals (so a "//" inside a string is left
// alone) and respecting backslash escapes within those strings.
func blankComments(buf []byte) {
	inString := false
	i := 0
	for i < len(buf) {
		c := buf[i]
		switch {
		case inString:
			if c == '\\' && i+1 < len(buf) {
				i += 2
				continue
			}
			if c == '"' {
				inString = false
			}
			i++

		case c == '"':
			inString = true
			i++

		case c == '/' && i+1 < len(buf) && buf[i+1] == '/':
			start := i
			for i < len(buf) && buf[i] != '\n' && buf[i] != '\r' {
				i++
			}
			blankRange(buf, start, i)

		case c == '/' && i+1 < len(buf) && buf[i+1] == '*':
			start := i
			i += 2
			for i+1 < len(buf) && !(buf[i] == '*' && buf[i+1] == '/') {
				i++
			}
			end := i + 2
			if end > len(buf) {
				end = len(buf)
			}
			blankRange(buf, start, end)
			i = end

		default:
			i++
		}
	}
}

// blankRange overwrites buf[start:end] with spaces, except it leaves
// newlines in place so unterminated-comment edge cases don't merge
// adjacent lines into one token boundary.
func blankRange(buf []byte, start, end int) {
	for i := start; i < end; i++ {
		if buf[i] != '\n' && buf[i] != '\r' {
			buf[i] = ' '
		}
	}
}

// blankTrailingCommas overwrites a comma with a space when the only bytes
// between it and the next '}' or ']' are whitespace (comments are already
// blanked to whitespace by this point). Run after blankComments.
func blankTrailingCommas(buf []byte) {
	inString := false
	for i := 0; i < len(buf); i++ {
		c := buf[i]
		switch {
		case inString:
			if c == '\\' && i+1 < len(buf) {
				i++
				continue
			}
			if c == '"' {
				inString = false
			}

		case c == '"':
			inString = true

		case c == ',':
			j := i + 1
			for j < len(buf) && isJSONSpace(buf[j]) {
				j++
			}
			if j < len(buf) && (buf[j] == '}' || buf[j] == ']') {
				buf[i] = ' '
			}
		}
	}
}

func isJSONSpace(c byte) bool {
	switch c {
	case ' ', '\t', '\n', '\r':
		return true
	default:
		return false
	}
}
