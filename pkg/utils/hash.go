package utils

import (
	"crypto/md5"
	"encoding/binary"
	"fmt"
	"strings"
	"unicode"
)

func HashString(input string) string {
	hash := md5.Sum([]byte(input))
	return fmt.Sprintf("%x", hash)
}

// Bucket maps key onto [0, n) stably across processes.
func Bucket(key string, n int) int {
	if n <= 0 {
		return 0
	}
	hash := md5.Sum([]byte(key))
	return int(binary.BigEndian.Uint32(hash[:4]) % uint32(n))
}

// Slug lowercases s and replaces runs of non letters/digits with a single
// underscore. Non-ASCII letters are kept so Chinese labels stay readable.
func Slug(s string) string {
	var b strings.Builder
	underscore := false
	for _, r := range strings.ToLower(strings.TrimSpace(s)) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			underscore = false
			continue
		}
		if !underscore && b.Len() > 0 {
			b.WriteByte('_')
			underscore = true
		}
	}
	return strings.TrimSuffix(b.String(), "_")
}

// RuleKey derives a stable key for a rule that arrived without one.
func RuleKey(category, name string) string {
	slug := Slug(name)
	if len([]rune(slug)) > 40 {
		slug = string([]rune(slug)[:40])
	}
	return fmt.Sprintf("%s_%s", slug, HashString(category+"/"+name)[:8])
}
