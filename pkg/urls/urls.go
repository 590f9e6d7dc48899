package urls

import (
	"fmt"
	"maps"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/diwise/context-cache/pkg/errors"
)

var placeholder = regexp.MustCompile(`\{(\d+)\}`)

// Routes resolves symbolic request names into urls. Templates are paths
// relative to the base url (or absolute urls) where {0}, {1}, ... are
// replaced by the path escaped positional arguments.
type Routes struct {
	baseURL   string
	templates map[string]string
}

func New(baseURL string, templates map[string]string) (*Routes, error) {
	if baseURL != "" {
		if _, err := url.Parse(baseURL); err != nil {
			return nil, fmt.Errorf("invalid base url %s: %w", baseURL, err)
		}
	}

	return &Routes{
		baseURL:   strings.TrimSuffix(baseURL, "/"),
		templates: maps.Clone(templates),
	}, nil
}

func (r *Routes) Add(name, template string) {
	if r.templates == nil {
		r.templates = map[string]string{}
	}
	r.templates[name] = template
}

func (r *Routes) Resolve(name string, args ...string) (string, error) {
	template, ok := r.templates[name]
	if !ok {
		return "", errors.NewUnknownResourceError(name)
	}

	var resolveErr error

	path := placeholder.ReplaceAllStringFunc(template, func(m string) string {
		idx, _ := strconv.Atoi(m[1 : len(m)-1])
		if idx >= len(args) {
			resolveErr = fmt.Errorf("route %s expects argument %d but got %d arguments", name, idx, len(args))
			return m
		}
		return url.PathEscape(args[idx])
	})

	if resolveErr != nil {
		return "", resolveErr
	}

	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return path, nil
	}

	return r.baseURL + "/" + strings.TrimPrefix(path, "/"), nil
}
