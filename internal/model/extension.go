package model

import "strings"

// Extension returns the lower-cased suffix of key after its last '.'. Keys
// with no '.' or with nothing after it map to UnknownExtension. It never
// inspects content.
func Extension(key string) string {
	i := strings.LastIndexByte(key, '.')
	if i < 0 || i == len(key)-1 {
		return UnknownExtension
	}
	return strings.ToLower(key[i+1:])
}
