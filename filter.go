package gatehouse

import (
	"net/url"
	"strings"
)

// builtinPatternFamilies is the heuristic denylist scanned by
// [PatternFilter]. It is defense in depth on top of parameterized queries,
// not the primary injection control; false negatives are expected.
var builtinPatternFamilies = []PatternFamily{
	{
		Name: "sql",
		Tokens: []string{
			"' or ", "\" or ", "union select", "drop table", "truncate table",
			"delete from", "insert into", "; --", "' --", "exec(", "xp_cmdshell",
		},
	},
	{
		Name: "document-operator",
		Tokens: []string{
			"$where", "$ne", "$gt", "$lt", "$regex", "$nin", "$exists",
			"$expr", "$function", "mapreduce",
		},
	},
	{
		Name: "script",
		Tokens: []string{
			"<script", "javascript:", "vbscript:", "onerror=", "onload=",
			"onclick=", "<iframe", "srcdoc=", "document.cookie",
		},
	},
}

// PatternFilter is a stateless scanner of query parameters and JSON bodies
// for injection-like substrings. Matching is case-insensitive.
type PatternFilter struct {
	families []PatternFamily
}

// NewPatternFilter builds a filter from the built-in families plus any
// configured extras. Tokens are lowercased once at construction.
func NewPatternFilter(cfg FilterConfig) *PatternFilter {
	families := make([]PatternFamily, 0, len(builtinPatternFamilies)+len(cfg.ExtraFamilies))
	for _, fam := range builtinPatternFamilies {
		families = append(families, lowerFamily(fam))
	}
	for _, fam := range cfg.ExtraFamilies {
		families = append(families, lowerFamily(fam))
	}
	return &PatternFilter{families: families}
}

func lowerFamily(fam PatternFamily) PatternFamily {
	tokens := make([]string, len(fam.Tokens))
	for i, tok := range fam.Tokens {
		tokens[i] = strings.ToLower(tok)
	}
	return PatternFamily{Name: fam.Name, Tokens: tokens}
}

// Scan checks the query parameters and, for JSON content types, the raw
// body text. It returns whether the request is blocked and the matched
// family name. The family is for the audit log only and must never reach
// the client.
func (f *PatternFilter) Scan(query url.Values, contentType string, body []byte) (bool, string) {
	for _, values := range query {
		for _, value := range values {
			if family := f.match(value); family != "" {
				return true, family
			}
		}
	}

	if len(body) > 0 && isJSONContentType(contentType) {
		if family := f.match(string(body)); family != "" {
			return true, family
		}
	}

	return false, ""
}

func (f *PatternFilter) match(text string) string {
	lower := strings.ToLower(text)
	for _, fam := range f.families {
		for _, tok := range fam.Tokens {
			if strings.Contains(lower, tok) {
				return fam.Name
			}
		}
	}
	return ""
}

func isJSONContentType(contentType string) bool {
	if idx := strings.IndexByte(contentType, ';'); idx >= 0 {
		contentType = contentType[:idx]
	}
	contentType = strings.TrimSpace(strings.ToLower(contentType))
	return contentType == "application/json" || strings.HasSuffix(contentType, "+json")
}
