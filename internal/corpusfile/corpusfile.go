// Package corpusfile reads already-analysed corpus documents from disk.
//
// A document names its content kind and lists its events in order:
//
//	name: bach-invention-1
//	kind: midi
//	events:
//	  - onset: 0
//	    duration: 0.5
//	    tempo: 96
//	    pitch: 60
//	    notes:
//	      - {pitch: 60, velocity: 90, channel: 0, onset: 0, duration: 0.5}
//
// The same structure is accepted as JSON and msgpack. The format is chosen
// from the file extension.
package corpusfile

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/vmihailenco/msgpack/v5"
	"gopkg.in/yaml.v3"

	"github.com/MrWong99/cadenza/pkg/corpus"
)

// ErrUnknownFormat is returned for files whose extension maps to no format.
var ErrUnknownFormat = errors.New("corpusfile: unknown format")

// Format is a document encoding.
type Format string

const (
	JSON    Format = "json"
	YAML    Format = "yaml"
	MsgPack Format = "msgpack"
)

// Document is the on-disk representation of a corpus.
type Document struct {
	Name   string             `json:"name" yaml:"name" msgpack:"name"`
	Kind   corpus.ContentKind `json:"kind" yaml:"kind" msgpack:"kind"`
	Events []corpus.Event     `json:"events" yaml:"events" msgpack:"events"`
}

// FormatFor returns the format implied by the extension of path.
func FormatFor(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return JSON, nil
	case ".yaml", ".yml":
		return YAML, nil
	case ".msgpack", ".mpk":
		return MsgPack, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownFormat, path)
}

// Load reads the corpus document at path. A document without a name is
// named after the file.
func Load(path string) (*corpus.Corpus, error) {
	format, err := FormatFor(path)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("corpusfile: open %q: %w", path, err)
	}
	defer f.Close()

	doc, err := Decode(f, format)
	if err != nil {
		return nil, fmt.Errorf("corpusfile: %q: %w", path, err)
	}
	if doc.Name == "" {
		doc.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	return doc.Corpus()
}

// LoadAs is [Load] with the corpus renamed to name.
func LoadAs(name, path string) (*corpus.Corpus, error) {
	c, err := Load(path)
	if err != nil {
		return nil, err
	}
	if c.Name() == name {
		return c, nil
	}
	return corpus.New(name, c.Kind(), c.Events())
}

// Decode reads one document from r.
func Decode(r io.Reader, format Format) (*Document, error) {
	var doc Document
	switch format {
	case JSON:
		dec := json.NewDecoder(r)
		dec.DisallowUnknownFields()
		if err := dec.Decode(&doc); err != nil {
			return nil, fmt.Errorf("decode json: %w", err)
		}
	case YAML:
		dec := yaml.NewDecoder(r)
		dec.KnownFields(true)
		if err := dec.Decode(&doc); err != nil {
			return nil, fmt.Errorf("decode yaml: %w", err)
		}
	case MsgPack:
		dec := msgpack.NewDecoder(r)
		dec.DisallowUnknownFields(true)
		if err := dec.Decode(&doc); err != nil {
			return nil, fmt.Errorf("decode msgpack: %w", err)
		}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownFormat, format)
	}
	return &doc, nil
}

// Encode writes doc to w.
func Encode(w io.Writer, doc *Document, format Format) error {
	switch format {
	case JSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(doc)
	case YAML:
		enc := yaml.NewEncoder(w)
		if err := enc.Encode(doc); err != nil {
			return err
		}
		return enc.Close()
	case MsgPack:
		return msgpack.NewEncoder(w).Encode(doc)
	}
	return fmt.Errorf("%w: %q", ErrUnknownFormat, format)
}

// Corpus validates the document and builds the corpus.
func (d *Document) Corpus() (*corpus.Corpus, error) {
	kind := d.Kind
	if kind == "" {
		kind = corpus.KindMIDI
	}
	return corpus.New(d.Name, kind, d.Events)
}

// FromCorpus converts c back into a document.
func FromCorpus(c *corpus.Corpus) *Document {
	evs := make([]corpus.Event, c.Len())
	for i, ev := range c.Events() {
		evs[i] = *ev.Clone()
	}
	return &Document{Name: c.Name(), Kind: c.Kind(), Events: evs}
}

// Marshal encodes c in format.
func Marshal(c *corpus.Corpus, format Format) ([]byte, error) {
	var buf bytes.Buffer
	if err := Encode(&buf, FromCorpus(c), format); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
