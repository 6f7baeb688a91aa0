package events

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// ErrMissingParam is returned when a template names a parameter the event
// does not carry.
var ErrMissingParam = errors.New("missing template parameter")

var paramPattern = regexp.MustCompile(`\{[a-zA-Z0-9_]+\}`)

// Render substitutes every {name} placeholder of text from params.
func Render(text string, params map[string]string) (string, error) {
	var missing string
	out := paramPattern.ReplaceAllStringFunc(text, func(ph string) string {
		name := ph[1 : len(ph)-1]
		v, ok := params[name]
		if !ok {
			if missing == "" {
				missing = name
			}
			return ph
		}
		return v
	})
	if missing != "" {
		return "", fmt.Errorf("%w: %q", ErrMissingParam, missing)
	}
	return out, nil
}

// Placeholders lists the parameter names text refers to, in order.
func Placeholders(text string) []string {
	matches := paramPattern.FindAllString(text, -1)
	names := make([]string, 0, len(matches))
	for _, m := range matches {
		names = append(names, m[1:len(m)-1])
	}
	return names
}

func parseInt(v string) (int64, bool) {
	n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	return n, err == nil
}
