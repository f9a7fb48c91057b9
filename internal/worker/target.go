package worker

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

const idPlaceholder = "{id}"

// Retarget substitutes id for the first capture group of pattern inside
// current, keeping the rest of the URL (query, fragment, host) untouched.
func Retarget(current string, pattern *regexp.Regexp, id string) (string, bool) {
	if pattern == nil || current == "" {
		return "", false
	}
	loc := pattern.FindStringSubmatchIndex(current)
	if len(loc) < 4 || loc[2] < 0 {
		return "", false
	}
	return current[:loc[2]] + url.PathEscape(id) + current[loc[3]:], true
}

// BuildTarget renders a fresh target URL from a template containing {id}.
func BuildTarget(template, id string) (string, error) {
	if !strings.Contains(template, idPlaceholder) {
		return "", fmt.Errorf("url template %q has no %s placeholder", template, idPlaceholder)
	}
	return strings.ReplaceAll(template, idPlaceholder, url.PathEscape(id)), nil
}
