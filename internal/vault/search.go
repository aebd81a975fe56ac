package vault

import (
	"fmt"
	"strings"
)

// NotFoundError reports a query with no matching entry.
type NotFoundError struct {
	Query string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("No entries found matching '%s'", e.Query)
}

// Is makes errors.Is(err, ErrNotFound) hold.
func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

// AmbiguousError reports a query matching more than one entry.
type AmbiguousError struct {
	Query   string
	Matches []Entry
}

func (e *AmbiguousError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Multiple entries found matching '%s'. Please be more specific.", e.Query)
	for _, m := range e.Matches {
		fmt.Fprintf(&b, "\n  - %s (%s)", m.Path(), m.Username)
	}
	return b.String()
}

// Match returns the entries matching query. An entry matches when the query
// is a case-insensitive substring of its group/title path, or when every
// whitespace separated term occurs in its title, username, URL, group or
// path.
func Match(entries []Entry, query string) []Entry {
	q := strings.ToLower(query)
	terms := strings.Fields(q)

	var out []Entry
	for _, e := range entries {
		title := strings.ToLower(e.Title)
		fullPath := strings.ToLower(e.Path())
		if strings.Contains(fullPath, q) {
			out = append(out, e)
			continue
		}
		if len(terms) == 0 {
			continue
		}
		fields := []string{
			title,
			strings.ToLower(e.Username),
			strings.ToLower(e.URL),
			strings.ToLower(e.Group),
			fullPath,
		}
		if allTermsFound(terms, fields) {
			out = append(out, e)
		}
	}
	return out
}

func allTermsFound(terms, fields []string) bool {
	for _, term := range terms {
		found := false
		for _, f := range fields {
			if strings.Contains(f, term) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// One returns the single entry of matches for query, a *NotFoundError when
// there is none and an *AmbiguousError when there are several.
func One(query string, matches []Entry) (Entry, error) {
	switch len(matches) {
	case 0:
		return Entry{}, &NotFoundError{Query: query}
	case 1:
		return matches[0], nil
	default:
		return Entry{}, &AmbiguousError{Query: query, Matches: matches}
	}
}
