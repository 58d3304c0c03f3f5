package htmlrewriter_test

import (
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cloudflare/miniflare-sub008/internal/htmlrewriter"
)

func transform(t *testing.T, r *htmlrewriter.Rewriter, input string) string {
	t.Helper()
	out, err := io.ReadAll(r.Transform(strings.NewReader(input)))
	require.NoError(t, err)
	return string(out)
}

// TestNthChildSelector implements section 8's literal "HTML rewriter
// selector" scenario.
func TestNthChildSelector(t *testing.T) {
	r := htmlrewriter.New()
	r.On("p:nth-child(2)", htmlrewriter.ElementContentHandlers{
		Element: func(e *htmlrewriter.Element) error {
			e.SetInnerContent("new", htmlrewriter.ContentOptions{})
			return nil
		},
	})

	got := transform(t, r, "<p>1</p><p>2</p><p>3</p>")
	require.Equal(t, "<p>1</p><p>new</p><p>3</p>", got)
}

func TestClassSelector(t *testing.T) {
	r := htmlrewriter.New()
	r.On("div.hl", htmlrewriter.ElementContentHandlers{
		Element: func(e *htmlrewriter.Element) error {
			e.SetInnerContent("<b>hit</b>", htmlrewriter.ContentOptions{HTML: true})
			return nil
		},
	})

	got := transform(t, r, `<div class="a hl b">x</div><div>y</div>`)
	require.Equal(t, `<div class="a hl b"><b>hit</b></div><div>y</div>`, got)
}

func TestAttributeSelectorPrefix(t *testing.T) {
	r := htmlrewriter.New()
	var seen string
	r.On(`a[href^="https://"]`, htmlrewriter.ElementContentHandlers{
		Element: func(e *htmlrewriter.Element) error {
			href, _ := e.GetAttribute("href")
			seen = href
			return nil
		},
	})

	transform(t, r, `<a href="https://example.com">x</a><a href="/local">y</a>`)
	require.Equal(t, "https://example.com", seen)
}

func TestRemoveElement(t *testing.T) {
	r := htmlrewriter.New()
	r.On("span", htmlrewriter.ElementContentHandlers{
		Element: func(e *htmlrewriter.Element) error {
			e.Remove()
			return nil
		},
	})

	got := transform(t, r, `<p>keep <span>drop</span> tail</p>`)
	require.Equal(t, `<p>keep  tail</p>`, got)
}

func TestRemoveAndKeepContent(t *testing.T) {
	r := htmlrewriter.New()
	r.On("span", htmlrewriter.ElementContentHandlers{
		Element: func(e *htmlrewriter.Element) error {
			e.RemoveAndKeepContent()
			return nil
		},
	})

	got := transform(t, r, `<p><span>kept</span></p>`)
	require.Equal(t, `<p>kept</p>`, got)
}

func TestBeforeAfterInsertion(t *testing.T) {
	r := htmlrewriter.New()
	r.On("b", htmlrewriter.ElementContentHandlers{
		Element: func(e *htmlrewriter.Element) error {
			e.Before("[", htmlrewriter.ContentOptions{})
			e.After("]", htmlrewriter.ContentOptions{})
			return nil
		},
	})

	got := transform(t, r, `<b>x</b>`)
	require.Equal(t, `[<b>x</b>]`, got)
}

func TestUnsupportedPseudoClassFailsAtTransformTime(t *testing.T) {
	r := htmlrewriter.New()
	r.On("p:hover", htmlrewriter.ElementContentHandlers{})

	_, err := io.ReadAll(r.Transform(strings.NewReader("<p>x</p>")))
	require.ErrorIs(t, err, htmlrewriter.ErrUnsupportedSelector)
}

func TestDescendantAndChildCombinators(t *testing.T) {
	r := htmlrewriter.New()
	r.On("div > p", htmlrewriter.ElementContentHandlers{
		Element: func(e *htmlrewriter.Element) error {
			e.SetInnerContent("child", htmlrewriter.ContentOptions{})
			return nil
		},
	})

	got := transform(t, r, `<div><p>a</p><section><p>b</p></section></div>`)
	require.Equal(t, `<div><p>child</p><section><p>b</p></section></div>`, got)
}
