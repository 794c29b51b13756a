package scrape

import "strings"

// fontSample mirrors the JSON shape produced by fontSampleJS.
type fontSample struct {
	H1   []string `json:"h1"`
	H2   []string `json:"h2"`
	Body []string `json:"body"`
}

// fontSampleJS reads the computed font-family of every h1/h2 plus the
// document body. Splitting and normalization happen on the Go side.
const fontSampleJS = `(() => {
	const families = (els) => Array.from(els).map(el => getComputedStyle(el).fontFamily);
	return {
		h1: families(document.querySelectorAll('h1')),
		h2: families(document.querySelectorAll('h2')),
		body: document.body ? [getComputedStyle(document.body).fontFamily] : [],
	};
})()`

// normalizeFontList splits raw font-family declarations into individual
// families, lowercased, quotes stripped, deduplicated preserving first-seen
// order.
func normalizeFontList(raw []string) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, decl := range raw {
		for _, fam := range strings.Split(decl, ",") {
			name := strings.ToLower(strings.Trim(strings.TrimSpace(fam), `"'`))
			if name == "" {
				continue
			}
			if _, dup := seen[name]; dup {
				continue
			}
			seen[name] = struct{}{}
			out = append(out, name)
		}
	}
	return out
}
