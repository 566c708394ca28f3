// Package classify maps request paths to content-type rewrite policies.
package classify

import "strings"

// Classification is the rewrite policy derived from a request path suffix.
type Classification int

const (
	None Classification = iota
	Script
	FontOtf
	FontTtf
)

var scriptSuffixes = []string{".js", ".jsx", ".ts", ".tsx"}

// Classify returns the classification for path. Suffix matching is case-sensitive.
func Classify(path string) Classification {
	for _, suffix := range scriptSuffixes {
		if strings.HasSuffix(path, suffix) {
			return Script
		}
	}
	if strings.HasSuffix(path, ".otf") {
		return FontOtf
	}
	if strings.HasSuffix(path, ".ttf") {
		return FontTtf
	}
	return None
}

// IsJS reports whether path ends in ".js" exactly (not .jsx/.ts/.tsx).
func IsJS(path string) bool {
	return strings.HasSuffix(path, ".js")
}

// ContentType returns the forced Content-Type for c, or "" for None.
func (c Classification) ContentType() string {
	switch c {
	case Script:
		return "application/javascript"
	case FontOtf:
		return "font/otf"
	case FontTtf:
		return "font/ttf"
	default:
		return ""
	}
}

func (c Classification) String() string {
	switch c {
	case Script:
		return "script"
	case FontOtf:
		return "font_otf"
	case FontTtf:
		return "font_ttf"
	default:
		return "none"
	}
}
