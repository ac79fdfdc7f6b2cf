package protocol

// IsValidName reports whether name can be sent as a filter name.
// Names travel as a single space separated field, so whitespace and control bytes are rejected.
func IsValidName(name string) bool {
	return isValidToken(name, MaxNameLength)
}

// IsValidKey reports whether key can be sent as a single field of a set/check command.
func IsValidKey(key string) bool {
	return isValidToken(key, MaxKeyLength)
}

func isValidToken(s string, maxLength int) bool {
	if len(s) == 0 || len(s) > maxLength {
		return false
	}

	for _, b := range []byte(s) {
		if b <= 32 || b == 127 {
			return false
		}
	}

	return true
}
