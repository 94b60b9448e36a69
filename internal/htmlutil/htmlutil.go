package htmlutil

import (
	"bytes"
	"regexp"
	"strings"
	"unicode"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
)

func GetText(node *html.Node) string {
	var buffer bytes.Buffer
	getTextRecursive(node, &buffer)
	return buffer.String()
}

func getTextRecursive(node *html.Node, buffer *bytes.Buffer) {
	if node == nil {
		return
	}
	if node.Type == html.TextNode {
		buffer.WriteString(node.Data)
		return
	}
	// script and style bodies are never visible text
	if node.Type == html.ElementNode && (node.Data == "script" || node.Data == "style") {
		return
	}
	for child := node.FirstChild; child != nil; child = child.NextSibling {
		getTextRecursive(child, buffer)
		if child.Type == html.ElementNode && blockElements[child.Data] {
			buffer.WriteByte(' ')
		}
	}
}

var blockElements = map[string]bool{
	"p": true, "div": true, "br": true, "td": true, "th": true,
	"tr": true, "li": true, "h1": true, "h2": true, "h3": true,
}

var innerWhitespace = regexp.MustCompile(`\s+`)

func removeNonPrintable(s string) string {
	newStr := strings.Builder{}
	for _, c := range s {
		if unicode.IsPrint(c) || unicode.IsSpace(c) {
			newStr.WriteRune(c)
		}
	}
	return newStr.String()
}

// CleanText collapses whitespace and removes non-printable characters,
// non-breaking spaces become regular spaces.
func CleanText(s string) string {
	s = strings.ReplaceAll(s, " ", " ")
	s = removeNonPrintable(s)
	s = innerWhitespace.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}

// SelectionText is the cleaned visible text of every node in sel.
func SelectionText(sel *goquery.Selection) string {
	var out strings.Builder
	for i, n := range sel.Nodes {
		if i > 0 {
			out.WriteByte(' ')
		}
		out.WriteString(GetText(n))
	}
	return CleanText(out.String())
}

// IsDisabled reports whether a control is rendered as disabled, either by
// attribute or by the usual css conventions on itself or its list item.
func IsDisabled(sel *goquery.Selection) bool {
	if _, ok := sel.Attr("disabled"); ok {
		return true
	}
	if strings.EqualFold(sel.AttrOr("aria-disabled", ""), "true") {
		return true
	}
	if sel.HasClass("disabled") {
		return true
	}
	parent := sel.Parent()
	return goquery.NodeName(parent) == "li" && parent.HasClass("disabled")
}
