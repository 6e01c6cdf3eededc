package textutil

import (
	"strconv"
	"strings"
)

// parses a number formatted with thousands separators, e.g. "1,234.56"
func ParseThousands(s string) (float64, error) {
	return strconv.ParseFloat(strings.ReplaceAll(s, ",", ""), 64)
}

// normalizes the unicode minus sign (U+2212) used by rendered widgets
// into the ascii one and drops a leading plus
func NormalizeSign(s string) string {
	s = strings.ReplaceAll(s, "−", "-")
	return strings.TrimPrefix(s, "+")
}

func ParseSignedThousands(s string) (float64, error) {
	return ParseThousands(NormalizeSign(s))
}
