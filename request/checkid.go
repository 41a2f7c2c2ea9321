package request

// MaxNameLen is the longest a node name may be, spec.md §3's "1-63
// characters."
const MaxNameLen = 63

// CheckID reports whether name is a legal node name: 1 to 63 bytes, every
// byte in [A-Za-z0-9_-], the Go translation of the original core's
// check_id(). Empty strings, '.', '/', and any non-ASCII byte are rejected.
func CheckID(name string) bool {
	if len(name) == 0 || len(name) > MaxNameLen {
		return false
	}
	for i := 0; i < len(name); i++ {
		c := name[i]
		switch {
		case c >= 'A' && c <= 'Z':
		case c >= 'a' && c <= 'z':
		case c >= '0' && c <= '9':
		case c == '_' || c == '-':
		default:
			return false
		}
	}
	return true
}
