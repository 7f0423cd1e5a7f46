// Package fingerprint produces stable multi-factor semantic identifiers for
// observed page elements. A fingerprint is deterministic given the same
// element and viewport, and total: detached or unlocatable elements yield a
// best-effort fingerprint with empty parent context rather than an error.
//
// The capture surface ships serialized HTML fragments plus a positional
// XPath; this package parses the fragment with golang.org/x/net/html,
// locates the target node, and derives the fingerprint from the live node
// tree.
package fingerprint

import (
	"strconv"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// Aria carries the accessibility attributes of an element. Values are the
// raw attribute strings ("true"/"false" for the tri-state ones); absent
// attributes are empty.
type Aria struct {
	Role        string `json:"role,omitempty"`
	Label       string `json:"label,omitempty"`
	DescribedBy string `json:"described_by,omitempty"`
	Expanded    string `json:"expanded,omitempty"`
	Checked     string `json:"checked,omitempty"`
	Selected    string `json:"selected,omitempty"`
}

// Rect is the bounding rectangle reported by the capture surface, in CSS
// pixels.
type Rect struct {
	X, Y, W, H float64
}

// Viewport is the visible page area at capture time.
type Viewport struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Position is the integer-rounded bounding rect plus viewport-relative
// coordinates clamped to [0,1].
type Position struct {
	X    int     `json:"x"`
	Y    int     `json:"y"`
	W    int     `json:"w"`
	H    int     `json:"h"`
	VW   int     `json:"vw"`
	VH   int     `json:"vh"`
	RelX float64 `json:"rel_x"`
	RelY float64 `json:"rel_y"`
}

// Context describes the element's immediate surroundings. Sibling counts and
// indexes consider element siblings only, never text nodes.
type Context struct {
	ParentTag      string `json:"parent_tag,omitempty"`
	ParentRole     string `json:"parent_role,omitempty"`
	ParentText     string `json:"parent_text,omitempty"` // direct text, ≤100 chars
	SiblingCount   int    `json:"sibling_count"`
	SiblingIndex   int    `json:"sibling_index"`
	PrevSiblingTag string `json:"prev_sibling_tag,omitempty"`
	NextSiblingTag string `json:"next_sibling_tag,omitempty"`
}

// Fingerprint is the stable semantic identity of one element.
type Fingerprint struct {
	Aria        Aria     `json:"aria"`
	TextHash    string   `json:"text_hash"`              // 128-bit simhash, 32 hex chars
	TextPreview string   `json:"text_preview,omitempty"` // pre-scrub only, ≤200 chars
	Position    Position `json:"position"`
	DOMPath     []string `json:"dom_path"` // root→element, "tag" or "tag[role=...]", <html> excluded
	TagName     string   `json:"tag_name"`
	Context     Context  `json:"context"`
	InputType   string   `json:"input_type,omitempty"`
	FormID      string   `json:"form_id,omitempty"`
}

const (
	maxPreviewLen    = 200
	maxParentTextLen = 100
)

// FromFragment parses an HTML fragment, locates the node addressed by xpath
// (a positional path like "/html/body/form/input[1]"; empty selects the
// first non-structural element), and builds its fingerprint. Never fails:
// an unparseable fragment or missing target yields a zero-content
// fingerprint carrying only position data.
func FromFragment(fragment, xpath string, rect Rect, vp Viewport) *Fingerprint {
	doc, err := html.Parse(strings.NewReader(fragment))
	if err != nil {
		return &Fingerprint{TextHash: SimHash(""), Position: position(rect, vp)}
	}
	n := locate(doc, xpath)
	if n == nil {
		n = firstContentElement(doc)
	}
	return Build(n, rect, vp)
}

// Build derives the fingerprint of n. A nil or detached node yields a
// best-effort fingerprint with empty parent context.
func Build(n *html.Node, rect Rect, vp Viewport) *Fingerprint {
	fp := &Fingerprint{
		TextHash: SimHash(""),
		Position: position(rect, vp),
	}
	if n == nil || n.Type != html.ElementNode {
		return fp
	}

	fp.TagName = strings.ToLower(n.Data)
	fp.Aria = Aria{
		Role:        attr(n, "role"),
		Label:       attr(n, "aria-label"),
		DescribedBy: attr(n, "aria-describedby"),
		Expanded:    attr(n, "aria-expanded"),
		Checked:     attr(n, "aria-checked"),
		Selected:    attr(n, "aria-selected"),
	}

	text := directText(n)
	fp.TextHash = SimHash(text)
	fp.TextPreview = truncate(text, maxPreviewLen)

	fp.DOMPath = domPath(n)
	fp.InputType = inputType(n)
	fp.FormID = formID(n)
	fp.Context = surroundings(n)
	return fp
}

func position(rect Rect, vp Viewport) Position {
	p := Position{
		X:  int(rect.X + 0.5),
		Y:  int(rect.Y + 0.5),
		W:  int(rect.W + 0.5),
		H:  int(rect.H + 0.5),
		VW: vp.Width,
		VH: vp.Height,
	}
	if vp.Width > 0 {
		p.RelX = clamp01(rect.X / float64(vp.Width))
	}
	if vp.Height > 0 {
		p.RelY = clamp01(rect.Y / float64(vp.Height))
	}
	return p
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// domPath walks from n to the document root and returns path segments in
// root→element order. <html> is excluded; roles are folded into segments as
// "tag[role=x]".
func domPath(n *html.Node) []string {
	var segs []string
	for cur := n; cur != nil && cur.Type == html.ElementNode; cur = cur.Parent {
		if cur.DataAtom == atom.Html {
			break
		}
		segs = append(segs, pathSegment(cur))
	}
	// Reverse into document order.
	for i, j := 0, len(segs)-1; i < j; i, j = i+1, j-1 {
		segs[i], segs[j] = segs[j], segs[i]
	}
	return segs
}

func pathSegment(n *html.Node) string {
	tag := strings.ToLower(n.Data)
	if role := attr(n, "role"); role != "" {
		return tag + "[role=" + role + "]"
	}
	return tag
}

// directText concatenates the direct text-node children of n (descendants
// excluded). Inputs and textareas contribute their placeholder, which is the
// only text they render before the user types.
func directText(n *html.Node) string {
	var sb strings.Builder
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type != html.TextNode {
			continue
		}
		t := strings.TrimSpace(c.Data)
		if t == "" {
			continue
		}
		if sb.Len() > 0 {
			sb.WriteByte(' ')
		}
		sb.WriteString(t)
	}
	if n.DataAtom == atom.Input || n.DataAtom == atom.Textarea {
		if ph := attr(n, "placeholder"); ph != "" {
			if sb.Len() > 0 {
				sb.WriteByte(' ')
			}
			sb.WriteString(ph)
		}
	}
	return sb.String()
}

func inputType(n *html.Node) string {
	switch n.DataAtom {
	case atom.Input:
		if t := attr(n, "type"); t != "" {
			return strings.ToLower(t)
		}
		return "text"
	case atom.Select:
		return "select"
	case atom.Textarea:
		return "textarea"
	}
	return ""
}

// formID resolves the owning form: an explicit form attribute wins, else the
// id of the nearest <form> ancestor.
func formID(n *html.Node) string {
	if f := attr(n, "form"); f != "" {
		return f
	}
	for cur := n.Parent; cur != nil; cur = cur.Parent {
		if cur.Type == html.ElementNode && cur.DataAtom == atom.Form {
			return attr(cur, "id")
		}
	}
	return ""
}

func surroundings(n *html.Node) Context {
	var c Context
	p := n.Parent
	if p == nil || p.Type != html.ElementNode {
		return c
	}
	c.ParentTag = strings.ToLower(p.Data)
	c.ParentRole = attr(p, "role")
	c.ParentText = truncate(directText(p), maxParentTextLen)

	var prev, next *html.Node
	idx := -1
	count := 0
	for s := p.FirstChild; s != nil; s = s.NextSibling {
		if s.Type != html.ElementNode {
			continue
		}
		if s == n {
			idx = count
		} else if idx < 0 {
			prev = s
		} else if next == nil {
			next = s
		}
		count++
	}
	c.SiblingCount = count
	c.SiblingIndex = idx
	if prev != nil {
		c.PrevSiblingTag = strings.ToLower(prev.Data)
	}
	if next != nil {
		c.NextSiblingTag = strings.ToLower(next.Data)
	}
	return c
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}

func attr(n *html.Node, name string) string {
	for _, a := range n.Attr {
		if strings.EqualFold(a.Key, name) {
			return a.Val
		}
	}
	return ""
}

// locate follows a positional absolute path ("/html/body/div[2]/input[1]",
// 1-based indexes among same-tag element children). Returns nil when any
// step fails to match.
func locate(doc *html.Node, xpath string) *html.Node {
	xpath = strings.TrimSpace(xpath)
	if xpath == "" || !strings.HasPrefix(xpath, "/") {
		return nil
	}
	current := doc
	for _, step := range strings.Split(strings.TrimPrefix(xpath, "/"), "/") {
		if step == "" {
			continue
		}
		tag, pos := parseStep(step)
		current = childAt(current, tag, pos)
		if current == nil {
			return nil
		}
	}
	return current
}

// parseStep parses "div" or "div[2]" into tag and 1-based position.
func parseStep(step string) (string, int) {
	idx := strings.IndexByte(step, '[')
	if idx < 0 {
		return strings.ToLower(step), 1
	}
	tag := strings.ToLower(step[:idx])
	n, err := strconv.Atoi(strings.TrimRight(step[idx+1:], "]"))
	if err != nil || n < 1 {
		n = 1
	}
	return tag, n
}

func childAt(parent *html.Node, tag string, pos int) *html.Node {
	seen := 0
	for c := parent.FirstChild; c != nil; c = c.NextSibling {
		if c.Type != html.ElementNode || strings.ToLower(c.Data) != tag {
			continue
		}
		seen++
		if seen == pos {
			return c
		}
	}
	return nil
}

// firstContentElement returns the first element that is not part of the
// html/head/body scaffolding html.Parse wraps fragments in.
func firstContentElement(doc *html.Node) *html.Node {
	var found *html.Node
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if found != nil {
			return
		}
		if n.Type == html.ElementNode {
			switch n.DataAtom {
			case atom.Html, atom.Head, atom.Body:
			default:
				found = n
				return
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return found
}
