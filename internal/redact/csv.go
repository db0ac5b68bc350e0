package redact

import "strings"

// CSVSafe neutralizes the delimiter and double quotes in content so a
// field never depends on CSV quoting. The delimiter is swapped for a
// semicolon, or a comma when the delimiter is itself a semicolon.
func CSVSafe(content, delimiter string) string {
	if delimiter == "" {
		delimiter = ","
	}
	sub := ";"
	if delimiter == ";" {
		sub = ","
	}
	return strings.NewReplacer(delimiter, sub, `"`, "'").Replace(content)
}
