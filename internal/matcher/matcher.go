// Package matcher evaluates resource and flag filter expressions against a
// machine's or a site's tag set.
//
// A tag set is a comma-separated list of `key` or `key=value` tokens. A
// filter is a comma-separated list of terms; each term must appear verbatim
// in the tag set unless it is wrapped in parentheses, which makes it
// optional. Optional terms are reported but never cause a mismatch.
package matcher

import (
	"sort"
	"strings"

	"github.com/zulandar/labyard/internal/labyarderrors"
)

// TagSet is a set of tag tokens.
type TagSet map[string]struct{}

// ParseTags splits a comma-separated tag string into a TagSet. Tokens are
// trimmed and empty tokens dropped; duplicates collapse.
func ParseTags(s string) TagSet {
	tags := make(TagSet)
	for _, tok := range strings.Split(s, ",") {
		tok = normalize(tok)
		if tok != "" {
			tags[tok] = struct{}{}
		}
	}
	return tags
}

// normalize trims a token and the key and value around its '='.
func normalize(tok string) string {
	tok = strings.TrimSpace(tok)
	if key, value, ok := strings.Cut(tok, "="); ok {
		return strings.TrimSpace(key) + "=" + strings.TrimSpace(value)
	}
	return tok
}

// Has reports whether token is in the set.
func (t TagSet) Has(token string) bool {
	_, ok := t[token]
	return ok
}

// String renders the set in sorted order.
func (t TagSet) String() string {
	toks := make([]string, 0, len(t))
	for tok := range t {
		toks = append(toks, tok)
	}
	sort.Strings(toks)
	return strings.Join(toks, ",")
}

// Term is one element of a filter.
type Term struct {
	Token    string // as it must appear in the tag set
	Optional bool
}

// Filter is a parsed filter expression.
type Filter struct {
	Terms []Term
}

// Required returns the non-optional terms.
func (f Filter) Required() []Term {
	var out []Term
	for _, t := range f.Terms {
		if !t.Optional {
			out = append(out, t)
		}
	}
	return out
}

// Empty reports whether the filter has no required terms, in which case it
// matches every tag set.
func (f Filter) Empty() bool {
	return len(f.Required()) == 0
}

// String renders the filter back into expression form.
func (f Filter) String() string {
	parts := make([]string, len(f.Terms))
	for i, t := range f.Terms {
		if t.Optional {
			parts[i] = "(" + t.Token + ")"
		} else {
			parts[i] = t.Token
		}
	}
	return strings.Join(parts, ",")
}

// ParseFilter parses a filter expression. The empty string is a valid
// filter that matches everything.
func ParseFilter(expr string) (Filter, error) {
	var f Filter
	for _, raw := range strings.Split(expr, ",") {
		tok := strings.TrimSpace(raw)
		if tok == "" {
			continue
		}
		optional := false
		if strings.HasPrefix(tok, "(") || strings.HasSuffix(tok, ")") {
			if !strings.HasPrefix(tok, "(") || !strings.HasSuffix(tok, ")") {
				return Filter{}, labyarderrors.Invalid("filter", expr, "unbalanced parenthesis in term "+tok)
			}
			optional = true
			tok = strings.TrimSpace(tok[1 : len(tok)-1])
			if tok == "" {
				return Filter{}, labyarderrors.Invalid("filter", expr, "empty optional term")
			}
		}
		if strings.ContainsAny(tok, "()") {
			return Filter{}, labyarderrors.Invalid("filter", expr, "unexpected parenthesis in term "+tok)
		}
		tok = normalize(tok)
		if strings.HasPrefix(tok, "=") {
			return Filter{}, labyarderrors.Invalid("filter", expr, "empty key in term "+tok)
		}
		f.Terms = append(f.Terms, Term{Token: tok, Optional: optional})
	}
	return f, nil
}

// Matches reports whether every required term of f is present in tags.
func Matches(tags TagSet, f Filter) bool {
	for _, t := range f.Terms {
		if !t.Optional && !tags.Has(t.Token) {
			return false
		}
	}
	return true
}

// Result describes how a tag set fared against a filter.
type Result struct {
	Matched         bool
	Missing         []string // required terms absent from the tag set
	OptionalPresent []string
	OptionalMissing []string
}

// Evaluate matches tags against f and reports each term's outcome.
func Evaluate(tags TagSet, f Filter) Result {
	r := Result{Matched: true}
	for _, t := range f.Terms {
		present := tags.Has(t.Token)
		switch {
		case t.Optional && present:
			r.OptionalPresent = append(r.OptionalPresent, t.Token)
		case t.Optional:
			r.OptionalMissing = append(r.OptionalMissing, t.Token)
		case !present:
			r.Matched = false
			r.Missing = append(r.Missing, t.Token)
		}
	}
	return r
}

// MatchString parses both sides and matches them.
func MatchString(tags, filter string) (bool, error) {
	f, err := ParseFilter(filter)
	if err != nil {
		return false, err
	}
	return Matches(ParseTags(tags), f), nil
}
