package stages

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

var (
	errNoSlide      = errors.New("no <section class=\"slide\"> element found")
	errUnsafeMarkup = errors.New("unsafe markup")
)

// parseSlide finds the slide root element in an HTML fragment. Text around it,
// such as code fences or commentary, is ignored.
func parseSlide(fragment string) (*html.Node, error) {
	body := &html.Node{Type: html.ElementNode, Data: "body", DataAtom: atom.Body}
	nodes, err := html.ParseFragment(strings.NewReader(fragment), body)
	if err != nil {
		return nil, fmt.Errorf("failed to parse slide HTML: %w", err)
	}
	for _, n := range nodes {
		if root := findSlide(n); root != nil {
			return root, nil
		}
	}
	return nil, errNoSlide
}

func findSlide(n *html.Node) *html.Node {
	if n.Type == html.ElementNode && hasClass(n, "slide") {
		return n
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if found := findSlide(c); found != nil {
			return found
		}
	}
	return nil
}

func attr(n *html.Node, key string) (string, bool) {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val, true
		}
	}
	return "", false
}

func hasClass(n *html.Node, class string) bool {
	v, _ := attr(n, "class")
	for _, c := range strings.Fields(v) {
		if c == class {
			return true
		}
	}
	return false
}

// checkSafe rejects scripts, embedded frames, event handler attributes and
// javascript: URLs anywhere under n.
func checkSafe(n *html.Node) error {
	if n.Type == html.ElementNode {
		switch n.DataAtom {
		case atom.Script, atom.Iframe, atom.Object, atom.Embed, atom.Link:
			return fmt.Errorf("%w: <%s> element", errUnsafeMarkup, n.Data)
		}
		for _, a := range n.Attr {
			key := strings.ToLower(a.Key)
			if strings.HasPrefix(key, "on") {
				return fmt.Errorf("%w: %s attribute", errUnsafeMarkup, a.Key)
			}
			if (key == "href" || key == "src") && strings.HasPrefix(strings.ToLower(strings.TrimSpace(a.Val)), "javascript:") {
				return fmt.Errorf("%w: javascript URL", errUnsafeMarkup)
			}
		}
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if err := checkSafe(c); err != nil {
			return err
		}
	}
	return nil
}

// textOf returns the whitespace-normalized text content of n.
func textOf(n *html.Node) string {
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
			b.WriteByte(' ')
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return strings.Join(strings.Fields(b.String()), " ")
}

func normalize(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}

// elements returns all descendants of n matching the predicate, in document order.
func elements(n *html.Node, match func(*html.Node) bool) []*html.Node {
	var out []*html.Node
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && match(n) {
			out = append(out, n)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return out
}

// slideID reads the data-slide-id attribute as an order.
func slideID(n *html.Node) (int, bool) {
	v, ok := attr(n, "data-slide-id")
	if !ok {
		return 0, false
	}
	id, err := strconv.Atoi(strings.TrimSpace(v))
	return id, err == nil
}

func renderNode(n *html.Node) (string, error) {
	var buf bytes.Buffer
	if err := html.Render(&buf, n); err != nil {
		return "", err
	}
	return buf.String(), nil
}
