package stringutils

import (
	"slices"
	"strings"
)

// NullIfBlank returns nil when the provided value is empty after trimming
// whitespace; otherwise it returns the original string. It is meant for
// nullable SQL arguments.
func NullIfBlank(value string) any {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	return value
}

// UniqueFields splits a whitespace separated list, such as an OAuth scope
// parameter, dropping repeats and keeping first-seen order.
func UniqueFields(value string) []string {
	return unique(strings.Fields(value))
}

// SplitList splits value on any of seps and on whitespace, trimming items and
// dropping empty ones and repeats.
func SplitList(value string, seps ...rune) []string {
	return unique(strings.FieldsFunc(value, func(r rune) bool {
		return r == ' ' || r == '\t' || r == '\n' || slices.Contains(seps, r)
	}))
}

// JoinFields is the inverse of UniqueFields.
func JoinFields(values []string) string {
	return strings.Join(values, " ")
}

func unique(items []string) []string {
	if len(items) == 0 {
		return nil
	}
	out := items[:0]
	seen := make(map[string]struct{}, len(items))
	for _, item := range items {
		if _, dup := seen[item]; dup {
			continue
		}
		seen[item] = struct{}{}
		out = append(out, item)
	}
	return out
}
