// Package semantic ranks repository files by how well they match a piece of text, so a new
// conversation can start with a short list of likely relevant files.
package semantic

import (
	"errors"
	"io/fs"
	"path"
	"regexp"
	"sort"
	"strings"
)

// Corpus is the file access the ranker needs.
type Corpus interface {
	WalkFiles(root string, maxFiles int, fn func(rel string, d fs.DirEntry) error) error
	ReadFile(path string) (content string, truncated bool, err error)
}

// Ranker scores files by token overlap with a query. File names count double.
type Ranker struct {
	corpus       Corpus
	maxFiles     int
	maxFileBytes int
}

// Result is one ranked file.
type Result struct {
	Path    string
	Score   float64
	Snippet string
}

// ErrNoTerms is returned when a query has nothing worth matching.
var ErrNoTerms = errors.New("query has no searchable terms")

// NewRanker ranks at most maxFiles files, reading the first maxFileBytes of each.
func NewRanker(c Corpus, maxFiles int, maxFileBytes int) *Ranker {
	if maxFiles <= 0 {
		maxFiles = 500
	}
	if maxFileBytes <= 0 {
		maxFileBytes = 32 * 1024
	}
	return &Ranker{corpus: c, maxFiles: maxFiles, maxFileBytes: maxFileBytes}
}

// Rank returns up to limit files with a positive score, best first.
func (r *Ranker) Rank(query string, limit int) ([]Result, error) {
	if r == nil || r.corpus == nil {
		return nil, errors.New("ranker unavailable")
	}
	if limit <= 0 {
		limit = 5
	}
	terms := uniqueTerms(query)
	if len(terms) == 0 {
		return nil, ErrNoTerms
	}

	var results []Result
	err := r.corpus.WalkFiles(".", r.maxFiles, func(rel string, d fs.DirEntry) error {
		content, _, err := r.corpus.ReadFile(rel)
		if err != nil || isBinary(content) {
			return nil
		}
		if len(content) > r.maxFileBytes {
			content = content[:r.maxFileBytes]
		}
		if sc := score(terms, rel, content); sc > 0 {
			results = append(results, Result{Path: rel, Score: sc, Snippet: firstLine(content)})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Score == results[j].Score {
			return results[i].Path < results[j].Path
		}
		return results[i].Score > results[j].Score
	})
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// score is the share of query terms found in the file, with name hits weighted twice.
func score(terms []string, rel, content string) float64 {
	body := make(map[string]struct{})
	for _, t := range tokenize(content) {
		body[t] = struct{}{}
	}
	name := make(map[string]struct{})
	for _, t := range tokenize(strings.TrimSuffix(rel, path.Ext(rel))) {
		name[t] = struct{}{}
	}

	var hits float64
	for _, t := range terms {
		if _, ok := name[t]; ok {
			hits += 2
		} else if _, ok := body[t]; ok {
			hits++
		}
	}
	return hits / float64(len(terms))
}

var tokenRe = regexp.MustCompile(`[A-Za-z0-9_]+`)

func tokenize(s string) []string {
	return tokenRe.FindAllString(strings.ToLower(s), -1)
}

var stopwords = map[string]struct{}{
	"the": {}, "and": {}, "for": {}, "with": {}, "that": {}, "this": {}, "from": {},
	"into": {}, "please": {}, "make": {}, "fix": {}, "add": {}, "can": {}, "you": {},
}

func uniqueTerms(query string) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, t := range tokenize(query) {
		if len(t) < 3 {
			continue
		}
		if _, ok := stopwords[t]; ok {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}

func isBinary(content string) bool {
	head := content
	if len(head) > 512 {
		head = head[:512]
	}
	return strings.IndexByte(head, 0) != -1
}

func firstLine(content string) string {
	for _, line := range strings.Split(content, "\n") {
		trim := strings.TrimSpace(line)
		if trim == "" {
			continue
		}
		if len(trim) > 120 {
			return trim[:120] + "..."
		}
		return trim
	}
	return ""
}
