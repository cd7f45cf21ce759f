package utils

import (
	"strings"
	"unicode"
)

var filenameReplacer = strings.NewReplacer(
	"/", "_",
	"\\", "_",
	":", "_",
	"*", "_",
	"?", "_",
	"\"", "_",
	"<", "_",
	">", "_",
	"|", "_",
	".", "_",
)

// SanitizeFilename makes a recording key usable as a file or directory name.
func SanitizeFilename(name string) string {
	name = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, strings.TrimSpace(name))
	if name == "" {
		return "recording"
	}
	return filenameReplacer.Replace(name)
}
