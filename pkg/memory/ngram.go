// Package memory implements memory spaces: indexes built once from a corpus
// that retrieve candidate corpus positions for a live stream of labels.
//
// The only memory kind is the n-gram index ([NGram]), which maps every window
// of H consecutive corpus labels to the positions where that window ends. One
// map is kept per registered transform, keyed over the transformed corpus
// labels, so a single live window can match several transforms at once.
package memory

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/MrWong99/cadenza/pkg/corpus"
	"github.com/MrWong99/cadenza/pkg/label"
	"github.com/MrWong99/cadenza/pkg/transform"
)

// ErrNoCorpus is returned by operations that need a loaded corpus.
var ErrNoCorpus = errors.New("memory: no corpus loaded")

// DefaultHistoryLen is the n-gram size used when none is configured.
const DefaultHistoryLen = 3

// Kind is the variant tag of a memory space.
type Kind string

// KindNGram selects the n-gram index.
const KindNGram Kind = "ngram"

// ParseKind maps a stable string tag to a [Kind]. The empty string selects
// [KindNGram].
func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case "", KindNGram:
		return KindNGram, nil
	}
	return "", fmt.Errorf("memory: unknown memory kind %q", s)
}

// Params configures a memory space.
type Params struct {
	// HistoryLen is the n-gram size H. Zero selects DefaultHistoryLen.
	HistoryLen int
}

// Match is one candidate returned by a lookup.
type Match struct {
	// Position is the index of the corpus event that ends the matched window.
	Position int

	// Onset is the corpus time of that event in beats.
	Onset float64

	// Transform is the transform under which the live window matched.
	Transform transform.Transform
}

// NGram is an n-gram memory space. It is not safe for concurrent use; the
// owning atom serialises access.
type NGram struct {
	labelKind  label.Kind
	historyLen int
	transforms []transform.Transform
	corpus     *corpus.Corpus

	// index holds one key → positions map per transform, aligned with transforms.
	index []map[string][]int

	// history is the live label window, oldest first, at most historyLen long.
	history []label.Label
}

// New creates a memory space of the given kind. Transforms are validated
// against labelKind; an empty transform list registers the identity.
func New(kind Kind, labelKind label.Kind, params Params, transforms []transform.Transform) (*NGram, error) {
	if kind != KindNGram {
		return nil, fmt.Errorf("memory: unknown memory kind %q", kind)
	}
	if !labelKind.IsValid() {
		return nil, fmt.Errorf("memory: %w: unknown label kind %q", label.ErrInvalidInput, labelKind)
	}
	h := params.HistoryLen
	if h == 0 {
		h = DefaultHistoryLen
	}
	if h < 1 {
		return nil, fmt.Errorf("memory: history length %d must be positive", h)
	}
	m := &NGram{labelKind: labelKind, historyLen: h}
	if len(transforms) == 0 {
		transforms = []transform.Transform{transform.Identity}
	}
	if err := m.AddTransforms(transforms...); err != nil {
		return nil, err
	}
	return m, nil
}

// LabelKind returns the label kind this memory space classifies with.
func (m *NGram) LabelKind() label.Kind { return m.labelKind }

// HistoryLen returns the n-gram size.
func (m *NGram) HistoryLen() int { return m.historyLen }

// Transforms returns a copy of the registered transforms.
func (m *NGram) Transforms() []transform.Transform { return slices.Clone(m.transforms) }

// Corpus returns the loaded corpus, or nil.
func (m *NGram) Corpus() *corpus.Corpus { return m.corpus }

// Read loads c and rebuilds the index. On error the previous corpus and
// index are kept.
func (m *NGram) Read(c *corpus.Corpus) error {
	index, err := build(c, m.labelKind, m.historyLen, m.transforms)
	if err != nil {
		return err
	}
	m.corpus = c
	m.index = index
	m.history = m.history[:0]
	return nil
}

// AddTransforms registers transforms. Every transform is validated before any
// is added; an incompatible transform fails the whole call with
// [transform.ErrIncompatible]. Transforms equivalent to one already
// registered for the atom's label kind are skipped with a warning.
func (m *NGram) AddTransforms(ts ...transform.Transform) error {
	for _, t := range ts {
		if err := t.ValidFor(m.labelKind); err != nil {
			return fmt.Errorf("memory: add transform: %w", err)
		}
	}
	next := slices.Clone(m.transforms)
	for _, t := range ts {
		if slices.ContainsFunc(next, func(r transform.Transform) bool { return r.Equivalent(t, m.labelKind) }) {
			slog.Warn("transform already registered; ignoring", "transform", t.String(), "label", string(m.labelKind))
			continue
		}
		next = append(next, t)
	}
	if len(next) == len(m.transforms) {
		return nil
	}
	return m.rebuild(m.historyLen, next)
}

// SetHistoryLen changes the n-gram size and rebuilds the index. The live
// history window is cleared.
func (m *NGram) SetHistoryLen(h int) error {
	if h < 1 {
		return fmt.Errorf("memory: history length %d must be positive", h)
	}
	if err := m.rebuild(h, m.transforms); err != nil {
		return err
	}
	m.history = m.history[:0]
	return nil
}

func (m *NGram) rebuild(h int, ts []transform.Transform) error {
	if m.corpus != nil {
		index, err := build(m.corpus, m.labelKind, h, ts)
		if err != nil {
			return err
		}
		m.index = index
	}
	m.historyLen = h
	m.transforms = ts
	return nil
}

// Influence appends l to the live history window and, once the window holds
// H labels, returns every corpus position whose preceding H labels equal the
// window under some registered transform. A window with no match yields no
// candidates and no error.
func (m *NGram) Influence(l label.Label) ([]Match, error) {
	if l.Kind() != m.labelKind {
		return nil, fmt.Errorf("memory: %w: %s memory cannot take %s labels", label.ErrInvalidInput, m.labelKind, l.Kind())
	}
	if len(m.history) == m.historyLen {
		copy(m.history, m.history[1:])
		m.history = m.history[:m.historyLen-1]
	}
	m.history = append(m.history, l)
	if len(m.history) < m.historyLen {
		return nil, nil
	}
	return m.Lookup(m.history), nil
}

// Lookup returns the matches for an explicit window without touching the live
// history. Windows whose length differs from H never match.
func (m *NGram) Lookup(window []label.Label) []Match {
	if m.corpus == nil || len(window) != m.historyLen {
		return nil
	}
	codes := make([]int, len(window))
	for i, l := range window {
		codes[i] = l.Code()
	}
	key := encodeKey(codes)
	var out []Match
	for i, t := range m.transforms {
		for _, pos := range m.index[i][key] {
			ev, _ := m.corpus.Event(pos)
			out = append(out, Match{Position: pos, Onset: ev.Onset, Transform: t})
		}
	}
	return out
}

// Clear resets the live history window without touching the index.
func (m *NGram) Clear() {
	m.history = m.history[:0]
}

// Clone returns an independent memory space with the same configuration and
// corpus. The clone owns a freshly built index and an empty history.
func (m *NGram) Clone() (*NGram, error) {
	c := &NGram{labelKind: m.labelKind, historyLen: m.historyLen, transforms: slices.Clone(m.transforms)}
	if m.corpus != nil {
		if err := c.Read(m.corpus); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// build scans c once per transform with a sliding window of h labels and maps
// each full window to the position of its last event. Colliding windows keep
// every position.
func build(c *corpus.Corpus, kind label.Kind, h int, ts []transform.Transform) ([]map[string][]int, error) {
	labels := make([]label.Label, c.Len())
	for i, ev := range c.Events() {
		l, err := label.FromEvent(kind, &ev)
		if err != nil {
			return nil, fmt.Errorf("memory: classify event %d of corpus %q: %w", i, c.Name(), err)
		}
		labels[i] = l
	}
	index := make([]map[string][]int, len(ts))
	codes := make([]int, h)
	for ti, t := range ts {
		m := make(map[string][]int)
		for end := h - 1; end < len(labels); end++ {
			for j := range h {
				codes[j] = t.Apply(labels[end-h+1+j]).Code()
			}
			key := encodeKey(codes)
			m[key] = append(m[key], end)
		}
		index[ti] = m
	}
	return index, nil
}

func encodeKey(codes []int) string {
	buf := make([]byte, 0, len(codes)*2)
	for _, c := range codes {
		buf = binary.AppendVarint(buf, int64(c))
	}
	return string(buf)
}
