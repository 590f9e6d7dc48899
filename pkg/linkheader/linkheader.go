package linkheader

import (
	"net/http"
	"strings"
)

const (
	RelNext  string = "next"
	RelPrev  string = "prev"
	RelFirst string = "first"
	RelLast  string = "last"
)

// Links maps a relation name to the url it points to
type Links map[string]string

func (l Links) Next() string  { return l[RelNext] }
func (l Links) Prev() string  { return l[RelPrev] }
func (l Links) First() string { return l[RelFirst] }
func (l Links) Last() string  { return l[RelLast] }

func (l Links) Clone() Links {
	c := make(Links, len(l))
	for k, v := range l {
		c[k] = v
	}
	return c
}

// FromHeader parses every Link header value present in h
func FromHeader(h http.Header) Links {
	links := Links{}

	for _, value := range h.Values("Link") {
		for rel, target := range Parse(value) {
			links[rel] = target
		}
	}

	return links
}

// Parse turns an RFC 8288 Link header into a relation map. Entries that can
// not be parsed are skipped, so a malformed or empty header yields an empty map.
func Parse(header string) Links {
	links := Links{}

	for _, entry := range splitEntries(header) {
		target, params, ok := parseEntry(entry)
		if !ok {
			continue
		}

		for _, rel := range params["rel"] {
			links[rel] = target
		}
	}

	return links
}

// splitEntries splits on commas that are not part of a <url> or a quoted
// string. A url only opens at the start of an entry, so a stray '<' in a
// broken entry can not swallow the entries that follow it.
func splitEntries(header string) []string {
	entries := []string{}

	inURL, inQuote := false, false
	atStart := true
	start := 0

	for i := 0; i < len(header); i++ {
		c := header[i]

		switch {
		case c == ' ' || c == '\t':
			continue
		case c == '<' && atStart:
			inURL = true
		case c == '>' && inURL:
			inURL = false
		case c == '"' && !inURL:
			inQuote = !inQuote
		case c == ',' && !inURL && !inQuote:
			entries = append(entries, header[start:i])
			start = i + 1
			atStart = true
			continue
		}

		atStart = false
	}

	return append(entries, header[start:])
}

func parseEntry(entry string) (string, map[string][]string, bool) {
	entry = strings.TrimSpace(entry)
	if !strings.HasPrefix(entry, "<") {
		return "", nil, false
	}

	end := strings.Index(entry, ">")
	if end < 0 {
		return "", nil, false
	}

	target := strings.TrimSpace(entry[1:end])
	if target == "" {
		return "", nil, false
	}

	params := map[string][]string{}

	for _, param := range strings.Split(entry[end+1:], ";") {
		param = strings.TrimSpace(param)
		if param == "" {
			continue
		}

		key, value, found := strings.Cut(param, "=")
		if !found {
			continue
		}

		key = strings.ToLower(strings.TrimSpace(key))
		value = strings.Trim(strings.TrimSpace(value), "\"")

		if key == "rel" {
			// relation types are case insensitive
			params[key] = append(params[key], strings.Fields(strings.ToLower(value))...)
		}
	}

	if len(params["rel"]) == 0 {
		return "", nil, false
	}

	return target, params, true
}
