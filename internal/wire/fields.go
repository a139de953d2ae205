package wire

import (
	"strconv"
	"strings"
)

// KV is one key=value pair in a Fields payload.
type KV struct {
	Key, Value string
}

// Fields is an ordered, order-insensitive-on-decode multimap: the
// reference payload encoding for every control message.
// Keeping it a slice rather than a map lets repeated keys (used for
// the -e/-u list flags forwarded as MakeSessionRequest fields) survive
// a round trip without a separate list-encoding scheme.
type Fields []KV

// Set overwrites the first existing occurrence of key, or appends if
// absent.
func (f *Fields) Set(key, value string) {
	for i := range *f {
		if (*f)[i].Key == key {
			(*f)[i].Value = value
			return
		}
	}
	*f = append(*f, KV{key, value})
}

// Add appends key=value even if key already exists, for repeatable
// fields such as env overrides.
func (f *Fields) Add(key, value string) {
	*f = append(*f, KV{key, value})
}

// Get returns the first value for key.
func (f Fields) Get(key string) (string, bool) {
	for _, kv := range f {
		if kv.Key == key {
			return kv.Value, true
		}
	}
	return "", false
}

// GetAll returns every value for key in encounter order.
func (f Fields) GetAll(key string) []string {
	var out []string
	for _, kv := range f {
		if kv.Key == key {
			out = append(out, kv.Value)
		}
	}
	return out
}

// Uint64 parses the first value for key as a base-10 uint64.
func (f Fields) Uint64(key string) (uint64, error) {
	v, ok := f.Get(key)
	if !ok {
		return 0, &missingFieldError{key}
	}
	return strconv.ParseUint(v, 10, 64)
}

// Uint16 parses the first value for key as a base-10 uint16.
func (f Fields) Uint16(key string) (uint16, error) {
	v, ok := f.Get(key)
	if !ok {
		return 0, &missingFieldError{key}
	}
	n, err := strconv.ParseUint(v, 10, 16)
	return uint16(n), err
}

// Int parses the first value for key as a base-10 int.
func (f Fields) Int(key string) (int, error) {
	v, ok := f.Get(key)
	if !ok {
		return 0, &missingFieldError{key}
	}
	return strconv.Atoi(v)
}

type missingFieldError struct{ key string }

func (e *missingFieldError) Error() string { return "missing field " + e.key }

// Encode renders Fields as the line-oriented key=value text payload:
// one "key=value\n" line per pair, with '\n' and '%' in values
// percent-escaped so a single '=' split recovers the key unambiguously.
func (f Fields) Encode() []byte {
	var b strings.Builder
	for _, kv := range f {
		b.WriteString(kv.Key)
		b.WriteByte('=')
		b.WriteString(escapeValue(kv.Value))
		b.WriteByte('\n')
	}
	return []byte(b.String())
}

// DecodeFields parses a line-oriented key=value payload back into
// Fields, preserving the order and repetition of the original lines.
func DecodeFields(payload []byte) Fields {
	var out Fields
	for _, line := range strings.Split(string(payload), "\n") {
		if line == "" {
			continue
		}
		idx := strings.IndexByte(line, '=')
		if idx < 0 {
			out = append(out, KV{Key: line})
			continue
		}
		out = append(out, KV{Key: line[:idx], Value: unescapeValue(line[idx+1:])})
	}
	return out
}

func escapeValue(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		switch c := s[i]; c {
		case '\n':
			b.WriteString("%0A")
		case '\r':
			b.WriteString("%0D")
		case '%':
			b.WriteString("%25")
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

func unescapeValue(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '%' && i+2 < len(s) {
			switch s[i+1:i+3] {
			case "0A":
				b.WriteByte('\n')
				i += 2
				continue
			case "0D":
				b.WriteByte('\r')
				i += 2
				continue
			case "25":
				b.WriteByte('%')
				i += 2
				continue
			}
		}
		b.WriteByte(s[i])
	}
	return b.String()
}
