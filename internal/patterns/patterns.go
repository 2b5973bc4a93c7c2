// Package patterns holds the weighted regular-expression rule corpus used by
// the risk engine. Rules are data: YAML files embedded at build time plus an
// optional operator-supplied file. A Corpus is immutable once built.
package patterns

import (
	"embed"
	"fmt"
	"io/fs"
	"os"
	"path"
	"regexp"
	"sort"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"gopkg.in/yaml.v3"

	"github.com/dortort/openclaw-mailguard/internal/model"
)

//go:embed corpus/*.yaml
var corpusFS embed.FS

// Rule is one weighted pattern. Language is empty for language-agnostic rules.
type Rule struct {
	Pattern     string           `yaml:"pattern"`
	SignalType  model.SignalType `yaml:"signal_type"`
	Severity    model.Severity   `yaml:"severity"`
	Weight      int              `yaml:"weight"`
	Description string           `yaml:"description"`
	Language    string           `yaml:"language,omitempty"`
	Source      string           `yaml:"-"`

	re *regexp.Regexp
}

// Regexp returns the compiled pattern. Nil for rules not obtained from a Corpus.
func (r Rule) Regexp() *regexp.Regexp {
	return r.re
}

// File is the on-disk shape of a corpus file. A file-level language applies
// to rules that do not set their own.
type File struct {
	Language string `yaml:"language,omitempty"`
	Rules    []Rule `yaml:"rules"`
}

// LoadError describes one rule that was skipped.
type LoadError struct {
	Source  string
	Index   int
	Pattern string
	Err     error
}

func (e LoadError) Error() string {
	return fmt.Sprintf("%s: rule %d (%q): %v", e.Source, e.Index, e.Pattern, e.Err)
}

func (e LoadError) Unwrap() error { return e.Err }

// Corpus is an immutable, precompiled rule table. Safe for concurrent use.
type Corpus struct {
	rules []Rule
}

var (
	defaultOnce   sync.Once
	defaultCorpus *Corpus
	defaultErrs   []LoadError

	// compiled caches regexes by source so reloading the same extra corpus
	// does not recompile it.
	compiled, _ = lru.New[string, *regexp.Regexp](2048)
)

// Default returns the embedded corpus. The embedded files are validated by
// tests; a rule that fails to compile is skipped and reported by DefaultErrors.
func Default() *Corpus {
	defaultOnce.Do(func() {
		var rules []Rule
		entries, err := fs.ReadDir(corpusFS, "corpus")
		if err != nil {
			defaultCorpus = &Corpus{}
			return
		}
		for _, e := range entries {
			name := path.Join("corpus", e.Name())
			data, err := corpusFS.ReadFile(name)
			if err != nil {
				continue
			}
			rs, errs, err := Parse(data, name)
			if err != nil {
				defaultErrs = append(defaultErrs, LoadError{Source: name, Index: -1, Err: err})
				continue
			}
			defaultErrs = append(defaultErrs, errs...)
			rules = append(rules, rs...)
		}
		defaultCorpus = &Corpus{rules: rules}
	})
	return defaultCorpus
}

// DefaultErrors returns rules from the embedded corpus that were skipped.
func DefaultErrors() []LoadError {
	Default()
	return defaultErrs
}

// Parse decodes a corpus file and compiles its rules. Rules with an invalid
// regex, an unknown signal type, or a non-positive weight are skipped and
// returned as LoadErrors. A non-nil error means the document itself is bad.
func Parse(data []byte, source string) ([]Rule, []LoadError, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, nil, fmt.Errorf("parse corpus %s: %w", source, err)
	}

	var rules []Rule
	var errs []LoadError
	for i, r := range f.Rules {
		r.Source = source
		if r.Language == "" {
			r.Language = f.Language
		}
		if err := prepare(&r); err != nil {
			errs = append(errs, LoadError{Source: source, Index: i, Pattern: r.Pattern, Err: err})
			continue
		}
		rules = append(rules, r)
	}
	return rules, errs, nil
}

// Load returns the embedded corpus merged with the rules in path.
// An empty path returns the embedded corpus alone.
func Load(p string) (*Corpus, []LoadError, error) {
	base := Default()
	if p == "" {
		return base, nil, nil
	}
	data, err := os.ReadFile(p)
	if err != nil {
		return nil, nil, fmt.Errorf("read corpus: %w", err)
	}
	extra, errs, err := Parse(data, p)
	if err != nil {
		return nil, nil, err
	}
	return base.With(extra...), errs, nil
}

// New builds a corpus from rules, compiling any that are not yet compiled.
func New(rules ...Rule) (*Corpus, []LoadError) {
	c := &Corpus{}
	var errs []LoadError
	for i, r := range rules {
		if err := prepare(&r); err != nil {
			errs = append(errs, LoadError{Source: r.Source, Index: i, Pattern: r.Pattern, Err: err})
			continue
		}
		c.rules = append(c.rules, r)
	}
	return c, errs
}

// With returns a new corpus holding c's rules followed by extra.
// Extra rules must already be compiled (from Parse or New).
func (c *Corpus) With(extra ...Rule) *Corpus {
	out := &Corpus{rules: make([]Rule, 0, len(c.rules)+len(extra))}
	out.rules = append(out.rules, c.rules...)
	for _, r := range extra {
		if r.re == nil {
			if err := prepare(&r); err != nil {
				continue
			}
		}
		out.rules = append(out.rules, r)
	}
	return out
}

// Rules returns a copy of the rule table.
func (c *Corpus) Rules() []Rule {
	out := make([]Rule, len(c.rules))
	copy(out, c.rules)
	return out
}

// Len returns the number of compiled rules.
func (c *Corpus) Len() int { return len(c.rules) }

// Languages returns the sorted set of languages with at least one rule.
// Language-agnostic rules are not counted.
func (c *Corpus) Languages() []string {
	seen := make(map[string]bool)
	for _, r := range c.rules {
		if r.Language != "" {
			seen[r.Language] = true
		}
	}
	out := make([]string, 0, len(seen))
	for l := range seen {
		out = append(out, l)
	}
	sort.Strings(out)
	return out
}

// Each calls fn for every rule in order.
func (c *Corpus) Each(fn func(Rule)) {
	for _, r := range c.rules {
		fn(r)
	}
}

func prepare(r *Rule) error {
	if r.Pattern == "" {
		return fmt.Errorf("empty pattern")
	}
	if !model.ValidSignalType(string(r.SignalType)) {
		return fmt.Errorf("unknown signal type %q", r.SignalType)
	}
	if r.Weight <= 0 {
		return fmt.Errorf("weight must be positive, got %d", r.Weight)
	}
	r.Severity = model.ParseSeverity(string(r.Severity))
	if r.Description == "" {
		r.Description = string(r.SignalType)
	}
	re, err := compile(r.Pattern)
	if err != nil {
		return err
	}
	r.re = re
	return nil
}

func compile(pattern string) (*regexp.Regexp, error) {
	if re, ok := compiled.Get(pattern); ok {
		return re, nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("compile: %w", err)
	}
	compiled.Add(pattern, re)
	return re, nil
}
