package htmlrewriter

import "golang.org/x/net/html"

// ContentOptions controls how inserted content is serialised. Content
// insertions default to text-escaped; HTML:true inserts raw markup
// (section 4.8).
type ContentOptions struct {
	HTML bool
}

type opKind int

const (
	opBefore opKind = iota
	opAfter
	opPrepend
	opAppend
	opReplace
	opSetInnerContent
	opRemove
	opRemoveKeepContent
)

type contentOp struct {
	kind    opKind
	content string
	raw     bool
}

// Doctype is the document's doctype declaration, dispatched once via
// OnDocument handlers.
type Doctype struct {
	Name string
}

// DocumentEnd marks the end of the parsed document, dispatched once
// via OnDocument handlers.
type DocumentEnd struct {
	ops []contentOp
}

// Append inserts content at the very end of the document.
func (d *DocumentEnd) Append(content string, opts ContentOptions) {
	d.ops = append(d.ops, contentOp{kind: opAppend, content: content, raw: opts.HTML})
}

// EndTag is handed to a handler registered via Element.OnEndTag, fired
// when the element's matching end tag is reached in the stream.
type EndTag struct {
	name string
	ops  []contentOp
}

func (e *EndTag) Name() string { return e.name }

func (e *EndTag) Before(content string, opts ContentOptions) {
	e.ops = append(e.ops, contentOp{kind: opBefore, content: content, raw: opts.HTML})
}

func (e *EndTag) After(content string, opts ContentOptions) {
	e.ops = append(e.ops, contentOp{kind: opAfter, content: content, raw: opts.HTML})
}

func (e *EndTag) Remove() {
	e.ops = append(e.ops, contentOp{kind: opRemove})
}

// TextChunk is one run of text, with LastInTextNode set on the final
// chunk of a contiguous text node (section 4.8 "text carries
// lastInTextNode").
type TextChunk struct {
	Text           string
	LastInTextNode bool
	ops            []contentOp
	removed        bool
}

func (t *TextChunk) Before(content string, opts ContentOptions) {
	t.ops = append(t.ops, contentOp{kind: opBefore, content: content, raw: opts.HTML})
}

func (t *TextChunk) After(content string, opts ContentOptions) {
	t.ops = append(t.ops, contentOp{kind: opAfter, content: content, raw: opts.HTML})
}

func (t *TextChunk) Replace(content string, opts ContentOptions) {
	t.removed = true
	t.ops = append(t.ops, contentOp{kind: opReplace, content: content, raw: opts.HTML})
}

func (t *TextChunk) Remove() {
	t.removed = true
}

// Comment is an HTML comment node.
type Comment struct {
	Text    string
	ops     []contentOp
	removed bool
}

func (c *Comment) Before(content string, opts ContentOptions) {
	c.ops = append(c.ops, contentOp{kind: opBefore, content: content, raw: opts.HTML})
}

func (c *Comment) After(content string, opts ContentOptions) {
	c.ops = append(c.ops, contentOp{kind: opAfter, content: content, raw: opts.HTML})
}

func (c *Comment) Replace(content string, opts ContentOptions) {
	c.removed = true
	c.ops = append(c.ops, contentOp{kind: opReplace, content: content, raw: opts.HTML})
}

func (c *Comment) Remove() {
	c.removed = true
}

// Element is the start tag of a matched element, handed to Element
// handlers in document order.
type Element struct {
	tag         string
	attrs       []html.Attribute
	selfClosing bool

	ops            []contentOp
	endTagHandlers []func(*EndTag) error

	removed           bool // remove(): drop tags and all content
	removeKeepContent bool // removeAndKeepContent: drop tags, keep content
	replaced          bool // replace(): drop tags and content, splice in content
}

func (e *Element) TagName() string { return e.tag }

// GetAttribute returns an attribute's value and whether it was present.
func (e *Element) GetAttribute(name string) (string, bool) {
	for _, a := range e.attrs {
		if a.Key == name {
			return a.Val, true
		}
	}
	return "", false
}

func (e *Element) Before(content string, opts ContentOptions) {
	e.ops = append(e.ops, contentOp{kind: opBefore, content: content, raw: opts.HTML})
}

func (e *Element) After(content string, opts ContentOptions) {
	e.ops = append(e.ops, contentOp{kind: opAfter, content: content, raw: opts.HTML})
}

func (e *Element) Prepend(content string, opts ContentOptions) {
	e.ops = append(e.ops, contentOp{kind: opPrepend, content: content, raw: opts.HTML})
}

func (e *Element) Append(content string, opts ContentOptions) {
	e.ops = append(e.ops, contentOp{kind: opAppend, content: content, raw: opts.HTML})
}

// Replace removes the element's children up to its end tag and
// substitutes content in its place (section 4.8 "a replace on an
// element removes its children until its end-tag").
func (e *Element) Replace(content string, opts ContentOptions) {
	e.replaced = true
	e.ops = append(e.ops, contentOp{kind: opReplace, content: content, raw: opts.HTML})
}

// SetInnerContent replaces only the element's children, leaving its
// start and end tags in place.
func (e *Element) SetInnerContent(content string, opts ContentOptions) {
	e.ops = append(e.ops, contentOp{kind: opSetInnerContent, content: content, raw: opts.HTML})
}

// Remove drops the element and all of its content from the output.
func (e *Element) Remove() {
	e.removed = true
}

// RemoveAndKeepContent drops the element's own tags but streams its
// children unchanged.
func (e *Element) RemoveAndKeepContent() {
	e.removeKeepContent = true
}

// OnEndTag registers a handler invoked when this element's end tag is
// reached in the token stream.
func (e *Element) OnEndTag(h func(*EndTag) error) {
	e.endTagHandlers = append(e.endTagHandlers, h)
}

// ElementContentHandlers groups the callbacks on(selector, ...)
// accepts for matched elements, their comments, and their text.
type ElementContentHandlers struct {
	Element  func(*Element) error
	Comments func(*Comment) error
	Text     func(*TextChunk) error
}

// DocumentContentHandlers groups the callbacks onDocument(...) accepts,
// dispatched once per document regardless of selector matches.
type DocumentContentHandlers struct {
	Doctype  func(*Doctype) error
	Comments func(*Comment) error
	Text     func(*TextChunk) error
	End      func(*DocumentEnd) error
}
