package kvstore

import "unicode/utf8"

// MaxKeyBytes is the maximum key length in bytes (section 3).
const MaxKeyBytes = 1024

// ValidateKey checks the UTF-8/length/surrogate constraints of section 3.
func ValidateKey(key string) error {
	if len(key) == 0 {
		return Error.New("key must not be empty")
	}
	if len(key) > MaxKeyBytes {
		return Error.New("key must be at most %d bytes", MaxKeyBytes)
	}
	if !utf8.ValidString(key) {
		return Error.New("key must be valid UTF-8 without unpaired surrogates")
	}
	return nil
}

// CloneBytes returns a defensive copy, used by backends whose put/get
// must not let callers observe each other's mutations (section 4.1
// "Memory" backend requirement).
func CloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

// CloneMetadata deep-copies a JSON-like metadata tree defensively.
func CloneMetadata(m Metadata) Metadata {
	if m == nil {
		return nil
	}
	out := make(Metadata, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v interface{}) interface{} {
	switch t := v.(type) {
	case Metadata:
		return CloneMetadata(t)
	case map[string]interface{}:
		return CloneMetadata(t)
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return v
	}
}
