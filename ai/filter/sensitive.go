// Package filter masks personal identifiers before text leaves the process
// for a background summary.
package filter

import (
	"regexp"
	"sort"
	"strings"
)

// Kind is a category of sensitive identifier.
type Kind int

const (
	Phone Kind = iota
	IDCard
	Email
	// AccountNumber covers bank card and brokerage account numbers.
	AccountNumber
	IP
)

func (k Kind) String() string {
	switch k {
	case Phone:
		return "phone"
	case IDCard:
		return "id_card"
	case Email:
		return "email"
	case AccountNumber:
		return "account_number"
	case IP:
		return "ip"
	default:
		return "unknown"
	}
}

// 按优先级排列：身份证号先于账号匹配，避免被 12-19 位数字规则吞掉
var patterns = []struct {
	kind Kind
	re   *regexp.Regexp
}{
	{IDCard, regexp.MustCompile(`\b[1-9]\d{5}(?:18|19|20)\d{2}(?:0[1-9]|1[0-2])(?:0[1-9]|[12]\d|3[01])\d{3}[\dXx]\b`)},
	{Email, regexp.MustCompile(`\b[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}\b`)},
	{AccountNumber, regexp.MustCompile(`\b\d{12,19}\b`)},
	{Phone, regexp.MustCompile(`\b1[3-9]\d{9}\b`)},
	{IP, regexp.MustCompile(`\b(?:(?:25[0-5]|2[0-4]\d|1?\d\d?)\.){3}(?:25[0-5]|2[0-4]\d|1?\d\d?)\b`)},
}

// Config configures a Redactor.
type Config struct {
	Kinds     []Kind // empty enables every kind
	MaskChar  rune
	KeepFirst int
	KeepLast  int
}

// DefaultConfig keeps the last four characters of each identifier.
func DefaultConfig() Config {
	return Config{MaskChar: '*', KeepFirst: 0, KeepLast: 4}
}

// Match is one identifier found in text.
type Match struct {
	Kind  Kind
	Start int
	End   int
}

// Redactor masks identifiers. It is safe for concurrent use.
type Redactor struct {
	cfg     Config
	enabled map[Kind]bool
}

// New creates a Redactor.
func New(cfg Config) *Redactor {
	if cfg.MaskChar == 0 {
		cfg.MaskChar = '*'
	}
	enabled := make(map[Kind]bool)
	for _, k := range cfg.Kinds {
		enabled[k] = true
	}
	if len(enabled) == 0 {
		for _, p := range patterns {
			enabled[p.kind] = true
		}
	}
	return &Redactor{cfg: cfg, enabled: enabled}
}

// FindMatches returns non-overlapping matches ordered by position.
func (r *Redactor) FindMatches(text string) []Match {
	var matches []Match
	taken := func(start, end int) bool {
		for _, m := range matches {
			if start < m.End && m.Start < end {
				return true
			}
		}
		return false
	}
	for _, p := range patterns {
		if !r.enabled[p.kind] {
			continue
		}
		for _, loc := range p.re.FindAllStringIndex(text, -1) {
			if !taken(loc[0], loc[1]) {
				matches = append(matches, Match{Kind: p.kind, Start: loc[0], End: loc[1]})
			}
		}
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].Start < matches[j].Start })
	return matches
}

// Redact returns text with every identifier masked.
func (r *Redactor) Redact(text string) string {
	matches := r.FindMatches(text)
	if len(matches) == 0 {
		return text
	}
	var b strings.Builder
	b.Grow(len(text))
	last := 0
	for _, m := range matches {
		b.WriteString(text[last:m.Start])
		b.WriteString(r.mask(text[m.Start:m.End], m.Kind))
		last = m.End
	}
	b.WriteString(text[last:])
	return b.String()
}

func (r *Redactor) mask(s string, kind Kind) string {
	if kind == Email {
		at := strings.IndexByte(s, '@')
		return r.maskRange(s[:at], 1, 0) + s[at:]
	}
	return r.maskRange(s, r.cfg.KeepFirst, r.cfg.KeepLast)
}

func (r *Redactor) maskRange(s string, keepFirst, keepLast int) string {
	runes := []rune(s)
	if keepFirst+keepLast >= len(runes) {
		keepFirst, keepLast = 0, 0
	}
	for i := keepFirst; i < len(runes)-keepLast; i++ {
		runes[i] = r.cfg.MaskChar
	}
	return string(runes)
}
