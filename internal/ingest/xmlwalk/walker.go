// Package xmlwalk streams host and finding units out of scanner XML reports.
package xmlwalk

import (
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"iter"
	"strings"
)

// ErrDocument marks a document that cannot be walked at all: it is not XML or
// its root does not match the layout.
var ErrDocument = errors.New("invalid scan document")

// Layout names the elements and attributes of one scanner's report format.
type Layout struct {
	Root             string
	Host             string
	HostNameAttr     string
	Properties       string
	Property         string
	PropertyNameAttr string
	Item             string

	// Item attributes used for severity lookup and identity fallbacks.
	SeverityAttr string
	ItemIDAttr   string
	ItemNameAttr string
	PortAttr     string
}

// Nessus is the Nessus v2 (.nessus) layout.
func Nessus() Layout {
	return Layout{
		Root:             "NessusClientData_v2",
		Host:             "ReportHost",
		HostNameAttr:     "name",
		Properties:       "HostProperties",
		Property:         "tag",
		PropertyNameAttr: "name",
		Item:             "ReportItem",
		SeverityAttr:     "severity",
		ItemIDAttr:       "pluginID",
		ItemNameAttr:     "pluginName",
		PortAttr:         "port",
	}
}

// Walker yields hosts in document order. It is not restartable.
type Walker struct {
	dec    *xml.Decoder
	layout Layout
	done   bool
}

// New reads up to the root element and checks it against the layout.
func New(r io.Reader, layout Layout) (*Walker, error) {
	dec := xml.NewDecoder(r)
	dec.Strict = true
	for {
		tok, err := dec.Token()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, fmt.Errorf("%w: no root element", ErrDocument)
			}
			return nil, fmt.Errorf("%w: %v", ErrDocument, err)
		}
		se, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		if se.Name.Local != layout.Root {
			return nil, fmt.Errorf("%w: root element %q, want %q", ErrDocument, se.Name.Local, layout.Root)
		}
		return &Walker{dec: dec, layout: layout}, nil
	}
}

// Next returns the next host, or io.EOF once the document is exhausted. A
// malformed fragment returns a wrapped syntax error and ends the walk.
func (w *Walker) Next() (*Host, error) {
	if w.done {
		return nil, io.EOF
	}
	for {
		tok, err := w.dec.Token()
		if err != nil {
			w.done = true
			if errors.Is(err, io.EOF) {
				return nil, io.EOF
			}
			return nil, fmt.Errorf("read document: %w", err)
		}
		se, ok := tok.(xml.StartElement)
		if !ok || se.Name.Local != w.layout.Host {
			continue
		}
		var n node
		if err := w.dec.DecodeElement(&n, &se); err != nil {
			w.done = true
			return nil, fmt.Errorf("decode %s: %w", w.layout.Host, err)
		}
		return newHost(&n, w.layout), nil
	}
}

type node struct {
	XMLName  xml.Name
	Attrs    []xml.Attr `xml:",any,attr"`
	Text     string     `xml:",chardata"`
	Children []node     `xml:",any"`
}

func attrMap(attrs []xml.Attr) map[string]string {
	out := make(map[string]string, len(attrs))
	for _, a := range attrs {
		out[a.Name.Local] = a.Value
	}
	return out
}

// Host is one scanned target.
type Host struct {
	attrs map[string]string
	// Properties holds name/value tags; later duplicates win and empty
	// values are skipped.
	Properties map[string]string
	Name       string
	items      []node
}

func newHost(n *node, layout Layout) *Host {
	h := &Host{
		attrs:      attrMap(n.Attrs),
		Properties: map[string]string{},
	}
	h.Name = h.attrs[layout.HostNameAttr]
	for i := range n.Children {
		child := &n.Children[i]
		switch child.XMLName.Local {
		case layout.Properties:
			for _, tag := range child.Children {
				if tag.XMLName.Local != layout.Property {
					continue
				}
				name := attrMap(tag.Attrs)[layout.PropertyNameAttr]
				value := strings.TrimSpace(tag.Text)
				if name == "" || value == "" {
					continue
				}
				h.Properties[name] = value
			}
		case layout.Item:
			h.items = append(h.items, *child)
		}
	}
	return h
}

// Attr returns an attribute of the host container element.
func (h *Host) Attr(name string) string {
	return h.attrs[name]
}

// Items yields the host's finding items in document order.
func (h *Host) Items() iter.Seq[*Item] {
	return func(yield func(*Item) bool) {
		for i := range h.items {
			if !yield(newItem(&h.items[i])) {
				return
			}
		}
	}
}

// ItemCount is the number of finding items under the host.
func (h *Host) ItemCount() int {
	return len(h.items)
}

// Item is one finding under a host.
type Item struct {
	attrs    map[string]string
	children map[string][]string
	order    []string
}

func newItem(n *node) *Item {
	it := &Item{
		attrs:    attrMap(n.Attrs),
		children: map[string][]string{},
	}
	for _, c := range n.Children {
		tag := c.XMLName.Local
		if _, seen := it.children[tag]; !seen {
			it.order = append(it.order, tag)
		}
		it.children[tag] = append(it.children[tag], strings.TrimSpace(c.Text))
	}
	return it
}

func (it *Item) Attr(name string) string {
	return it.attrs[name]
}

// Text returns the first child element's text, or "".
func (it *Item) Text(tag string) string {
	if texts := it.children[tag]; len(texts) > 0 {
		return texts[0]
	}
	return ""
}

// Texts returns every repeated child element's text in document order.
func (it *Item) Texts(tag string) []string {
	return append([]string(nil), it.children[tag]...)
}

// Repeated reports whether tag occurs more than once.
func (it *Item) Repeated(tag string) bool {
	return len(it.children[tag]) > 1
}

// Tags lists distinct child element names in first-seen order.
func (it *Item) Tags() []string {
	return append([]string(nil), it.order...)
}

// Children returns the first non-empty text of every child element.
func (it *Item) Children() map[string]string {
	out := make(map[string]string, len(it.children))
	for tag, texts := range it.children {
		for _, t := range texts {
			if t != "" {
				out[tag] = t
				break
			}
		}
	}
	return out
}
