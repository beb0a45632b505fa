// Package extract derives entities and relationships from record text with
// deterministic rules: a technology vocabulary, capitalized spans, concept
// noun phrases and tags.
package extract

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/vosbek/memoryme/memory"
)

// DefaultMaxTextBytes caps the text an extraction looks at.
const DefaultMaxTextBytes = 64 << 10

const (
	defaultMaxEntities = 64
	maxObservation     = 280
	minStrength        = 0.05
	tagStrength        = 0.1
)

// Extractor is the rule-based memory.Extractor.
type Extractor struct {
	maxTextBytes int
	maxEntities  int
	vocabulary   map[string]string
}

var _ memory.Extractor = (*Extractor)(nil)

// Option configures an Extractor.
type Option func(*Extractor)

// WithMaxTextBytes truncates longer input at a rune boundary.
func WithMaxTextBytes(n int) Option {
	return func(x *Extractor) {
		if n > 0 {
			x.maxTextBytes = n
		}
	}
}

// WithMaxEntities bounds the entities kept per record, earliest first.
func WithMaxEntities(n int) Option {
	return func(x *Extractor) {
		if n > 0 {
			x.maxEntities = n
		}
	}
}

// WithVocabulary adds technology terms. Terms match case-insensitively and
// keep the given spelling as display name.
func WithVocabulary(terms ...string) Option {
	return func(x *Extractor) {
		for _, t := range terms {
			t = strings.Join(strings.Fields(t), " ")
			if t != "" {
				x.vocabulary[strings.ToLower(t)] = t
			}
		}
	}
}

// New returns an Extractor with the built-in vocabulary.
func New(opts ...Option) *Extractor {
	x := &Extractor{
		maxTextBytes: DefaultMaxTextBytes,
		maxEntities:  defaultMaxEntities,
		vocabulary:   make(map[string]string, len(technologies)),
	}
	for k, v := range technologies {
		x.vocabulary[k] = v
	}
	for _, opt := range opts {
		opt(x)
	}
	return x
}

type mention struct {
	name       string
	typ        string
	start, end int // token indexes, end exclusive
	sent       int
}

// entityAcc gathers the mentions of one entity.
type entityAcc struct {
	name, typ   string
	key         string
	observation string
	mentions    []mention
	tagOnly     bool
}

// Extract is a pure function of text and tags.
func (x *Extractor) Extract(text string, tags []string) (ex memory.Extraction, err error) {
	defer func() {
		if r := recover(); r != nil {
			ex = memory.Extraction{}
			err = fmt.Errorf("%w: panic: %v", memory.ErrExtractionFailure, r)
		}
	}()

	text = x.sanitize(text)
	sents := scan(text)

	var tokens []token
	for _, s := range sents {
		tokens = append(tokens, s.tokens...)
	}
	claimed := make([]bool, len(tokens))

	var mentions []mention
	mentions = append(mentions, x.vocabularyMentions(tokens, claimed)...)
	mentions = append(mentions, capitalizedMentions(tokens, claimed)...)
	mentions = append(mentions, conceptMentions(tokens, claimed)...)
	sort.Slice(mentions, func(i, j int) bool { return mentions[i].start < mentions[j].start })

	accs, byName := group(mentions, sents)
	accs = x.addTags(accs, byName, tags)
	if len(accs) > x.maxEntities {
		accs = accs[:x.maxEntities]
	}

	for _, a := range accs {
		ee := memory.ExtractedEntity{Name: a.name, Type: a.typ, Observation: a.observation}
		for _, m := range a.mentions {
			ee.Positions = append(ee.Positions, m.start)
		}
		ex.Entities = append(ex.Entities, ee)
	}
	ex.Relationships = relate(accs, tokens)
	return ex, nil
}

func (x *Extractor) sanitize(text string) string {
	if !utf8.ValidString(text) {
		text = strings.ToValidUTF8(text, " ")
	}
	if len(text) <= x.maxTextBytes {
		return text
	}
	cut := x.maxTextBytes
	for cut > 0 && !utf8.RuneStart(text[cut]) {
		cut--
	}
	return text[:cut]
}

// vocabularyMentions matches known technologies, longest term first.
func (x *Extractor) vocabularyMentions(tokens []token, claimed []bool) []mention {
	var out []mention
	for i := 0; i < len(tokens); i++ {
		if claimed[i] {
			continue
		}
		for n := 3; n >= 1; n-- {
			if i+n > len(tokens) || !sameSentence(tokens[i:i+n]) {
				continue
			}
			words := make([]string, n)
			for k := range words {
				words[k] = tokens[i+k].lower
			}
			key := strings.Join(words, " ")
			name, ok := x.vocabulary[key]
			if !ok {
				continue
			}
			if n == 1 && ambiguous[key] && !tokens[i].capitalized() {
				continue
			}
			out = append(out, mention{name: name, typ: memory.EntityTechnology, start: i, end: i + n, sent: tokens[i].sent})
			for k := i; k < i+n; k++ {
				claimed[k] = true
			}
			i += n - 1
			break
		}
	}
	return out
}

// capitalizedMentions finds runs of capitalized non-stop words. A lone word
// opening a sentence is ignored: capitalization there says nothing.
func capitalizedMentions(tokens []token, claimed []bool) []mention {
	var out []mention
	for i := 0; i < len(tokens); {
		if !spanWord(tokens[i], claimed[i]) {
			i++
			continue
		}
		j := i + 1
		for j < len(tokens) && tokens[j].sent == tokens[i].sent && tokens[j].plainGap && spanWord(tokens[j], claimed[j]) {
			j++
		}
		if j-i == 1 && tokens[i].initial {
			i = j
			continue
		}

		words := make([]string, 0, j-i)
		for _, t := range tokens[i:j] {
			words = append(words, t.text)
		}
		m := mention{typ: memory.EntityConcept, start: i, end: j, sent: tokens[i].sent}
		last := strings.ToLower(words[len(words)-1])
		switch {
		case len(words) > 1 && orgSuffixes[last]:
			m.typ = memory.EntityOrganization
		case len(words) > 1 && words[0] == "Project":
			m.typ = memory.EntityProject
			words = words[1:]
		case anyCamel(tokens[i:j]):
			m.typ = memory.EntityProject
		case personCue(tokens, i):
			m.typ = memory.EntityPerson
		}
		m.name = strings.Join(words, " ")
		out = append(out, m)
		for k := i; k < j; k++ {
			claimed[k] = true
		}
		i = j
	}
	return out
}

func spanWord(t token, claimed bool) bool {
	return !claimed && t.capitalized() && !stopWords[t.lower]
}

func anyCamel(ts []token) bool {
	for _, t := range ts {
		if t.camelCase() {
			return true
		}
	}
	return false
}

func personCue(tokens []token, i int) bool {
	if tokens[i].at {
		return true
	}
	if i == 0 || tokens[i].initial {
		return false
	}
	prev := tokens[i-1]
	return prev.sent == tokens[i].sent && personCues[prev.lower]
}

// conceptMentions finds lower-case noun phrases of two or three words that
// end in a head noun.
func conceptMentions(tokens []token, claimed []bool) []mention {
	var out []mention
	for i := 0; i < len(tokens); {
		if !phraseWord(tokens[i], claimed[i]) {
			i++
			continue
		}
		j := i + 1
		for j < len(tokens) && tokens[j].sent == tokens[i].sent && tokens[j].plainGap && phraseWord(tokens[j], claimed[j]) {
			j++
		}
		head := -1
		for k := j - 1; k > i; k-- {
			if headNouns[tokens[k].lower] {
				head = k
				break
			}
		}
		if head > i {
			start := max(i, head-2)
			words := make([]string, 0, head-start+1)
			for _, t := range tokens[start : head+1] {
				words = append(words, t.lower)
			}
			out = append(out, mention{
				name:  strings.Join(words, " "),
				typ:   memory.EntityConcept,
				start: start,
				end:   head + 1,
				sent:  tokens[start].sent,
			})
			for k := start; k <= head; k++ {
				claimed[k] = true
			}
		}
		i = j
	}
	return out
}

func phraseWord(t token, claimed bool) bool {
	return !claimed && t.lowerCase() && t.alpha() && !stopWords[t.lower]
}

// group merges mentions by normalized name. The first mention fixes the
// display name; a later, more specific type replaces concept.
func group(mentions []mention, sents []sentence) ([]*entityAcc, map[string]*entityAcc) {
	var accs []*entityAcc
	byName := make(map[string]*entityAcc)
	for _, m := range mentions {
		key := memory.NormalizeName(m.name)
		a, ok := byName[key]
		if !ok {
			a = &entityAcc{name: m.name, typ: m.typ, key: key, observation: clip(sents[m.sent].text)}
			byName[key] = a
			accs = append(accs, a)
		} else if a.typ == memory.EntityConcept && m.typ != memory.EntityConcept {
			a.typ = m.typ
		}
		a.mentions = append(a.mentions, m)
	}
	return accs, byName
}

// addTags promotes tags to entities unless the text already names them.
func (x *Extractor) addTags(accs []*entityAcc, byName map[string]*entityAcc, tags []string) []*entityAcc {
	for _, tag := range memory.NormalizeTags(tags) {
		name, typ := tag, memory.EntityConcept
		if canon, ok := x.vocabulary[tag]; ok {
			name, typ = canon, memory.EntityTechnology
		}
		key := memory.NormalizeName(name)
		if key == "" || byName[key] != nil || byName[memory.NormalizeName(tag)] != nil {
			continue
		}
		a := &entityAcc{name: name, typ: typ, key: key, observation: fmt.Sprintf("tagged %q", tag), tagOnly: true}
		byName[key] = a
		accs = append(accs, a)
	}
	return accs
}

// relate links every pair of entities from the earlier mention to the later.
func relate(accs []*entityAcc, tokens []token) []memory.ExtractedRelationship {
	var out []memory.ExtractedRelationship
	for i := 0; i < len(accs); i++ {
		for j := i + 1; j < len(accs); j++ {
			a, b := accs[i], accs[j]
			if a.tagOnly || b.tagOnly {
				out = append(out, memory.ExtractedRelationship{From: i, To: j, Type: memory.RelRelatedTo, Strength: tagStrength})
				continue
			}
			ma, mb := closest(a.mentions, b.mentions)
			d := mb.start - ma.start
			if d < 0 {
				d = -d
			}
			rel := memory.ExtractedRelationship{
				From:     i,
				To:       j,
				Type:     memory.RelRelatedTo,
				Strength: math.Max(minStrength, math.Min(1, 2/float64(d+1))),
			}
			if ma.start < mb.start && adjacent(ma, mb, accs) {
				rel.Type = pattern(between(tokens, ma, mb), a.typ, b.typ)
			}
			out = append(out, rel)
		}
	}
	return out
}

// closest returns the pair of mentions with the smallest token distance.
func closest(as, bs []mention) (mention, mention) {
	best := math.MaxInt
	var ra, rb mention
	for _, a := range as {
		for _, b := range bs {
			d := a.start - b.start
			if d < 0 {
				d = -d
			}
			if d < best {
				best, ra, rb = d, a, b
			}
		}
	}
	return ra, rb
}

// adjacent reports that a and b share a sentence and no other mention sits between them.
func adjacent(a, b mention, accs []*entityAcc) bool {
	if a.sent != b.sent {
		return false
	}
	for _, acc := range accs {
		for _, m := range acc.mentions {
			if m.start >= a.end && m.end <= b.start {
				return false
			}
		}
	}
	return true
}

func between(tokens []token, a, b mention) []string {
	var words []string
	for _, t := range tokens[a.end:b.start] {
		words = append(words, t.lower)
	}
	return words
}

var patterns = []struct {
	words []string
	rel   string
}{
	{[]string{"works", "on"}, memory.RelWorksOn},
	{[]string{"working", "on"}, memory.RelWorksOn},
	{[]string{"work", "on"}, memory.RelWorksOn},
	{[]string{"depends", "on"}, memory.RelDependsOn},
	{[]string{"depend", "on"}, memory.RelDependsOn},
	{[]string{"requires"}, memory.RelDependsOn},
	{[]string{"uses"}, memory.RelDependsOn},
	{[]string{"created", "by"}, memory.RelCreatedBy},
	{[]string{"built", "by"}, memory.RelCreatedBy},
	{[]string{"written", "by"}, memory.RelCreatedBy},
	{[]string{"maintained", "by"}, memory.RelCreatedBy},
	{[]string{"owned", "by"}, memory.RelBelongsTo},
	{[]string{"belongs", "to"}, memory.RelBelongsTo},
	{[]string{"part", "of"}, memory.RelBelongsTo},
}

func pattern(words []string, fromType, toType string) string {
	for _, p := range patterns {
		if containsRun(words, p.words) {
			return p.rel
		}
	}
	if fromType == memory.EntityTechnology && toType == memory.EntityConcept && containsRun(words, []string{"for"}) {
		return memory.RelUsedFor
	}
	return memory.RelRelatedTo
}

func containsRun(words, run []string) bool {
	for i := 0; i+len(run) <= len(words); i++ {
		match := true
		for k := range run {
			if words[i+k] != run[k] {
				match = false
				break
			}
		}
		if match {
			return true
		}
	}
	return false
}

func sameSentence(ts []token) bool {
	for _, t := range ts[1:] {
		if t.sent != ts[0].sent || !t.plainGap {
			return false
		}
	}
	return true
}

func clip(s string) string {
	if len(s) <= maxObservation {
		return s
	}
	cut := maxObservation
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return strings.TrimSpace(s[:cut]) + "…"
}
