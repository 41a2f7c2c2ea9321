package request

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// MaxBufSize is the fixed send-buffer size spec.md §4.6 fixes at 16 KiB
// (the original core's MAXBUFSIZE).
const MaxBufSize = 16 * 1024

// ErrBufferOverflow is returned by Render when the rendered line plus its
// terminating newline would exceed MaxBufSize, spec.md §8's boundary case.
var ErrBufferOverflow = errors.New("request: rendered line exceeds MaxBufSize")

// ErrUnsupportedVerb is returned for any format verb outside the restricted
// {%d, %u, %s, %x, %lx} set spec.md §9 allows — deliberately narrower than
// fmt.Sprintf's full verb set, since the original send() only ever needed
// these five.
var ErrUnsupportedVerb = errors.New("request: unsupported format verb")

// Render builds one meta-protocol request line from a restricted printf-
// style format string and args, then appends the terminating newline. Only
// %d (signed decimal), %u (unsigned decimal), %s (string), %x (lowercase
// hex), and %lx (lowercase hex, long — rendered identically to %x since Go
// integers are not width-distinguished the way C's are) are accepted. It
// errors rather than panics on a verb mismatch or on overflowing
// MaxBufSize, so a malformed call degrades to a dropped request plus an
// error log instead of crashing the event loop.
func Render(args ...any) (string, error) {
	if len(args) == 0 {
		return "", errors.New("request: Render requires a format string")
	}
	format, ok := args[0].(string)
	if !ok {
		return "", errors.New("request: Render's first argument must be a format string")
	}
	rest := args[1:]

	var b strings.Builder
	argIdx := 0
	for i := 0; i < len(format); i++ {
		c := format[i]
		if c != '%' {
			b.WriteByte(c)
			continue
		}
		if i+1 >= len(format) {
			return "", fmt.Errorf("%w: trailing %%", ErrUnsupportedVerb)
		}

		verb, width := parseVerb(format[i+1:])
		i += width

		if argIdx >= len(rest) {
			return "", fmt.Errorf("request: too few arguments for format %q", format)
		}
		arg := rest[argIdx]
		argIdx++

		rendered, err := renderVerb(verb, arg)
		if err != nil {
			return "", err
		}
		b.WriteString(rendered)
	}

	line := b.String()
	if len(line)+1 > MaxBufSize { // +1 for the terminating newline
		return "", ErrBufferOverflow
	}
	return line + "\n", nil
}

// parseVerb reads one verb (after the leading '%') from s, returning the
// verb string ("d", "u", "s", "x", or "lx") and how many bytes of s it
// consumed.
func parseVerb(s string) (verb string, consumed int) {
	if strings.HasPrefix(s, "lx") {
		return "lx", 2
	}
	if len(s) >= 1 {
		return s[:1], 1
	}
	return "", 0
}

func renderVerb(verb string, arg any) (string, error) {
	switch verb {
	case "d":
		n, err := toInt64(arg)
		if err != nil {
			return "", err
		}
		return strconv.FormatInt(n, 10), nil
	case "u":
		n, err := toUint64(arg)
		if err != nil {
			return "", err
		}
		return strconv.FormatUint(n, 10), nil
	case "s":
		s, ok := arg.(string)
		if !ok {
			return "", fmt.Errorf("%w: %%s needs a string, got %T", ErrUnsupportedVerb, arg)
		}
		return s, nil
	case "x", "lx":
		n, err := toUint64(arg)
		if err != nil {
			return "", err
		}
		return strconv.FormatUint(n, 16), nil
	default:
		return "", fmt.Errorf("%w: %%%s", ErrUnsupportedVerb, verb)
	}
}

func toInt64(arg any) (int64, error) {
	switch v := arg.(type) {
	case int:
		return int64(v), nil
	case int32:
		return int64(v), nil
	case int64:
		return v, nil
	default:
		return 0, fmt.Errorf("%w: expected signed integer, got %T", ErrUnsupportedVerb, arg)
	}
}

func toUint64(arg any) (uint64, error) {
	switch v := arg.(type) {
	case uint:
		return uint64(v), nil
	case uint32:
		return uint64(v), nil
	case uint64:
		return v, nil
	case int:
		if v < 0 {
			return 0, fmt.Errorf("%w: negative value for unsigned verb", ErrUnsupportedVerb)
		}
		return uint64(v), nil
	default:
		return 0, fmt.Errorf("%w: expected unsigned integer, got %T", ErrUnsupportedVerb, arg)
	}
}
