package pairing

// CodeLength is the fixed length of a pairing code.
const CodeLength = 6

// CodeAlphabet excludes characters that read ambiguously when typed or
// spoken (0/O, 1/I). Clients generate codes from this set; the server
// only validates.
const CodeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

var codeChars = func() [256]bool {
	var ok [256]bool
	for i := 0; i < len(CodeAlphabet); i++ {
		ok[CodeAlphabet[i]] = true
	}
	return ok
}()

// ValidCode reports whether s is a well-formed pairing code.
func ValidCode(s string) bool {
	if len(s) != CodeLength {
		return false
	}
	for i := 0; i < len(s); i++ {
		if !codeChars[s[i]] {
			return false
		}
	}
	return true
}
