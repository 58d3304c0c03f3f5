// Package htmlrewriter implements section 4.8's streaming HTML
// rewriter: a producer task tokenizes the body and emits tokens on a
// channel, a dispatcher task matches selectors and invokes handlers,
// and rewritten output is streamed to the consumer as it is produced
// (section 9's "explicit producer-consumer pipeline" design note).
package htmlrewriter

import (
	"io"
	"strings"

	"golang.org/x/net/html"
)

// tokenBufferSize bounds the channel between the parser task and the
// dispatcher, giving the pipeline back-pressure: the parser blocks
// once the dispatcher falls this far behind.
const tokenBufferSize = 32

var voidElements = map[string]bool{
	"area": true, "base": true, "br": true, "col": true, "embed": true,
	"hr": true, "img": true, "input": true, "link": true, "meta": true,
	"param": true, "source": true, "track": true, "wbr": true,
}

type registeredSelector struct {
	raw      string
	parsed   *Selector
	handlers ElementContentHandlers
}

// Rewriter accumulates selector registrations and document handlers,
// then drives a fresh pipeline per Transform call. Instances share no
// state across concurrent Transform calls (section 4.8).
type Rewriter struct {
	selectors []registeredSelector
	document  *DocumentContentHandlers
}

// New returns an empty Rewriter.
func New() *Rewriter {
	return &Rewriter{}
}

// On registers handlers for elements (and their comments/text) that
// match selector. Parsing is deferred to Transform time, matching
// section 4.8's "fail ... at transform time" rule for bad selectors.
func (r *Rewriter) On(selector string, handlers ElementContentHandlers) {
	r.selectors = append(r.selectors, registeredSelector{raw: selector, handlers: handlers})
}

// OnDocument registers handlers invoked once per document regardless
// of any selector match.
func (r *Rewriter) OnDocument(handlers DocumentContentHandlers) {
	h := handlers
	r.document = &h
}

type errReader struct{ err error }

func (e *errReader) Read([]byte) (int, error) { return 0, e.err }

// Transform returns a reader over the rewritten body. The input is
// consumed lazily as the returned reader is read; selector parse
// errors and handler errors surface from Read, not from this call.
func (r *Rewriter) Transform(body io.Reader) io.Reader {
	for i := range r.selectors {
		parsed, err := ParseSelector(r.selectors[i].raw)
		if err != nil {
			return &errReader{err: err}
		}
		r.selectors[i].parsed = parsed
	}

	pr, pw := io.Pipe()
	tokens := make(chan html.Token, tokenBufferSize)
	tokenErr := make(chan error, 1)

	go produce(body, tokens, tokenErr)
	go func() {
		err := dispatch(r, tokens, pw)
		if err == nil {
			err = <-tokenErr
		}
		pw.CloseWithError(err)
	}()
	return pr
}

// produce tokenizes body and streams tokens on out, closing out on
// EOF or error; the terminal error (io.EOF is reported as nil) is
// delivered on errCh.
func produce(body io.Reader, out chan<- html.Token, errCh chan<- error) {
	defer close(out)
	z := html.NewTokenizer(body)
	for {
		tt := z.Next()
		if tt == html.ErrorToken {
			err := z.Err()
			if err == io.EOF {
				err = nil
			}
			errCh <- err
			return
		}
		tok := z.Token()
		out <- tok
	}
}

// pendingElement tracks an open element's disposition between its
// start tag and its end tag (or immediately, for void elements).
type pendingElement struct {
	elem                *Element
	writeOwnTags        bool
	suppressDescendants bool
	activeSelectors     []int
	void                bool
}

// dispatch is the consumer task: it matches selectors against the
// open-element stack, invokes handlers, and writes rewritten bytes to
// w in document order.
func dispatch(r *Rewriter, in <-chan html.Token, w io.Writer) error {
	stack := newMatchStack()
	pending := []*pendingElement{{writeOwnTags: true}} // synthetic root

	for tok := range in {
		switch tok.Type {
		case html.DoctypeToken:
			if r.document != nil && r.document.Doctype != nil {
				if err := r.document.Doctype(&Doctype{Name: tok.Data}); err != nil {
					return err
				}
			}
			if _, err := io.WriteString(w, tok.String()); err != nil {
				return err
			}

		case html.CommentToken:
			if err := dispatchComment(r, pending, tok, w); err != nil {
				return err
			}

		case html.TextToken:
			if err := dispatchText(r, pending, tok, w); err != nil {
				return err
			}

		case html.StartTagToken, html.SelfClosingTagToken:
			if err := dispatchStartTag(r, stack, &pending, tok, w); err != nil {
				return err
			}

		case html.EndTagToken:
			if err := dispatchEndTag(stack, &pending, tok, w); err != nil {
				return err
			}
		}
	}

	if r.document != nil && r.document.End != nil {
		end := &DocumentEnd{}
		if err := r.document.End(end); err != nil {
			return err
		}
		return writeContentOps(w, filterOps(end.ops, opAppend))
	}
	return nil
}

func dispatchStartTag(r *Rewriter, stack *matchStack, pending *[]*pendingElement, tok html.Token, w io.Writer) error {
	parent := (*pending)[len(*pending)-1]
	tag := strings.ToLower(tok.Data)
	void := voidElements[tag] || tok.Type == html.SelfClosingTagToken

	if parent.suppressDescendants {
		stack.push(tag, nil, "", nil)
		if void {
			stack.pop()
			return nil
		}
		*pending = append(*pending, &pendingElement{suppressDescendants: true, void: void})
		return nil
	}

	classes, id, attrs := splitAttrs(tok.Attr)
	stack.push(tag, classes, id, attrs)

	elem := &Element{tag: tag, attrs: tok.Attr, selfClosing: void}
	activated := append([]int(nil), parent.activeSelectors...)
	for i := range r.selectors {
		if stack.matches(r.selectors[i].parsed) {
			activated = append(activated, i)
			if h := r.selectors[i].handlers.Element; h != nil {
				if err := h(elem); err != nil {
					return err
				}
			}
		}
	}

	writeOwn := !(elem.removed || elem.replaced || elem.removeKeepContent)
	hasSetInner := hasOpKind(elem.ops, opSetInnerContent)
	suppressChildren := elem.removed || elem.replaced || hasSetInner

	if err := writeContentOps(w, filterOps(elem.ops, opBefore)); err != nil {
		return err
	}
	if writeOwn {
		if _, err := io.WriteString(w, tok.String()); err != nil {
			return err
		}
	}

	switch {
	case hasSetInner:
		if err := writeContentOps(w, lastOp(elem.ops, opSetInnerContent)); err != nil {
			return err
		}
	case elem.replaced:
		if err := writeContentOps(w, lastOp(elem.ops, opReplace)); err != nil {
			return err
		}
	default:
		if err := writeContentOps(w, filterOps(elem.ops, opPrepend)); err != nil {
			return err
		}
	}

	if void {
		if !suppressChildren {
			if err := writeContentOps(w, filterOps(elem.ops, opAppend)); err != nil {
				return err
			}
		}
		return writeContentOps(w, filterOps(elem.ops, opAfter))
	}

	*pending = append(*pending, &pendingElement{
		elem:                elem,
		writeOwnTags:        writeOwn,
		suppressDescendants: suppressChildren,
		activeSelectors:     activated,
		void:                void,
	})
	return nil
}

func dispatchEndTag(stack *matchStack, pending *[]*pendingElement, tok html.Token, w io.Writer) error {
	cur := (*pending)[len(*pending)-1]
	*pending = (*pending)[:len(*pending)-1]
	stack.pop()

	if cur.elem == nil {
		return nil // placeholder under a removed/replaced ancestor, or root
	}
	elem := cur.elem

	if !elem.removed && !elem.replaced && !hasOpKind(elem.ops, opSetInnerContent) {
		if err := writeContentOps(w, filterOps(elem.ops, opAppend)); err != nil {
			return err
		}
	}

	var etOps []contentOp
	for _, h := range elem.endTagHandlers {
		et := &EndTag{name: elem.tag}
		if err := h(et); err != nil {
			return err
		}
		etOps = append(etOps, et.ops...)
	}

	if err := writeContentOps(w, filterOps(etOps, opBefore)); err != nil {
		return err
	}
	if cur.writeOwnTags && !containsRemove(etOps) {
		if _, err := io.WriteString(w, tok.String()); err != nil {
			return err
		}
	}
	if err := writeContentOps(w, filterOps(etOps, opAfter)); err != nil {
		return err
	}

	return writeContentOps(w, filterOps(elem.ops, opAfter))
}

func dispatchText(r *Rewriter, pending []*pendingElement, tok html.Token, w io.Writer) error {
	top := pending[len(pending)-1]
	if top.suppressDescendants {
		return nil
	}
	chunk := &TextChunk{Text: tok.Data, LastInTextNode: true}
	if r.document != nil && r.document.Text != nil {
		if err := r.document.Text(chunk); err != nil {
			return err
		}
	}
	for _, i := range top.activeSelectors {
		if h := r.selectors[i].handlers.Text; h != nil {
			if err := h(chunk); err != nil {
				return err
			}
		}
	}
	return renderRemovable(w, chunk.ops, chunk.removed, chunk.Text, false)
}

func dispatchComment(r *Rewriter, pending []*pendingElement, tok html.Token, w io.Writer) error {
	top := pending[len(pending)-1]
	if top.suppressDescendants {
		return nil
	}
	c := &Comment{Text: tok.Data}
	if r.document != nil && r.document.Comments != nil {
		if err := r.document.Comments(c); err != nil {
			return err
		}
	}
	for _, i := range top.activeSelectors {
		if h := r.selectors[i].handlers.Comments; h != nil {
			if err := h(c); err != nil {
				return err
			}
		}
	}
	return renderRemovable(w, c.ops, c.removed, "<!--"+c.Text+"-->", true)
}

// renderRemovable applies before/replace/remove/after ops common to
// text chunks and comments, where original is the node's default
// serialisation (already comment-wrapped, if applicable).
func renderRemovable(w io.Writer, ops []contentOp, removed bool, original string, isComment bool) error {
	if err := writeContentOps(w, filterOps(ops, opBefore)); err != nil {
		return err
	}
	if replaceOp := lastOp(ops, opReplace); len(replaceOp) > 0 {
		if err := writeContentOps(w, replaceOp); err != nil {
			return err
		}
	} else if !removed {
		if isComment {
			if _, err := io.WriteString(w, original); err != nil {
				return err
			}
		} else if err := writeContent(w, original, false); err != nil {
			return err
		}
	}
	return writeContentOps(w, filterOps(ops, opAfter))
}

func containsRemove(ops []contentOp) bool {
	for _, op := range ops {
		if op.kind == opRemove {
			return true
		}
	}
	return false
}

func filterOps(ops []contentOp, kind opKind) []contentOp {
	var out []contentOp
	for _, op := range ops {
		if op.kind == kind {
			out = append(out, op)
		}
	}
	return out
}

func lastOp(ops []contentOp, kind opKind) []contentOp {
	for i := len(ops) - 1; i >= 0; i-- {
		if ops[i].kind == kind {
			return []contentOp{ops[i]}
		}
	}
	return nil
}

func hasOpKind(ops []contentOp, kind opKind) bool {
	for _, op := range ops {
		if op.kind == kind {
			return true
		}
	}
	return false
}

func writeContentOps(w io.Writer, ops []contentOp) error {
	for _, op := range ops {
		if err := writeContent(w, op.content, op.raw); err != nil {
			return err
		}
	}
	return nil
}

func writeContent(w io.Writer, content string, raw bool) error {
	if raw {
		_, err := io.WriteString(w, content)
		return err
	}
	_, err := io.WriteString(w, html.EscapeString(content))
	return err
}

func splitAttrs(attrs []html.Attribute) (classes []string, id string, pairs []attrPair) {
	for _, a := range attrs {
		switch a.Key {
		case "class":
			classes = strings.Fields(a.Val)
		case "id":
			id = a.Val
		}
		pairs = append(pairs, attrPair{name: a.Key, val: a.Val})
	}
	return classes, id, pairs
}
