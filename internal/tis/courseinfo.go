package tis

import (
	"fmt"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/ParleSec/casproxy/internal/cas"
)

// Section is one teaching section of an offering: its teachers and its schedule lines.
type Section struct {
	Teachers     []string
	TimeAndPlace []string
}

// CourseInfo is the parsed kcxx fragment. Minor is the lab or tutorial section, if any.
type CourseInfo struct {
	Major Section
	Minor *Section
}

// ParseCourseInfo reads the HTML fragment TIS attaches to each offering.
//
// The fragment is a sequence of sections. A section opens with a <p> holding one <a> per
// teacher and is followed by a <div> whose <p> children are schedule lines. The first
// section is the lecture, the second (if present) the lab. Later sections are ignored.
func ParseCourseInfo(fragment string) (CourseInfo, error) {
	if strings.TrimSpace(fragment) == "" {
		return CourseInfo{}, nil
	}

	doc, err := html.Parse(strings.NewReader(fragment))
	if err != nil {
		return CourseInfo{}, fmt.Errorf("%w: course info: %v", cas.ErrProtocolDrift, err)
	}

	var sections []*Section
	current := func() *Section {
		if len(sections) == 0 {
			sections = append(sections, &Section{})
		}
		return sections[len(sections)-1]
	}

	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.DataAtom {
			case atom.Div:
				s := current()
				for _, p := range findAll(n, atom.P) {
					if line := textOf(p); line != "" {
						s.TimeAndPlace = append(s.TimeAndPlace, line)
					}
				}
				return
			case atom.P:
				if links := findAll(n, atom.A); len(links) > 0 {
					s := &Section{}
					for _, a := range links {
						if name := textOf(a); name != "" {
							s.Teachers = append(s.Teachers, name)
						}
					}
					sections = append(sections, s)
				}
				return
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)

	var info CourseInfo
	if len(sections) > 0 {
		info.Major = *sections[0]
	}
	if len(sections) > 1 {
		info.Minor = sections[1]
	}
	return info, nil
}

// findAll returns the descendants of n with the given tag, in document order.
func findAll(n *html.Node, tag atom.Atom) []*html.Node {
	var out []*html.Node
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			if c.Type == html.ElementNode && c.DataAtom == tag {
				out = append(out, c)
			}
			walk(c)
		}
	}
	walk(n)
	return out
}

// textOf returns the whitespace-collapsed text content of n.
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
