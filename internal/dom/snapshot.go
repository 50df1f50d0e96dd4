// Package dom implements playback.Document over a static page snapshot. The
// snapshot is held as an x/net/html node tree and queried with cascadia, so
// selectors behave as they would in a browser's querySelector.
package dom

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/andybalholm/cascadia"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/onboardx/backend/internal/playback"
)

// ErrRootExists is returned when a root with the same id is already attached.
var ErrRootExists = errors.New("root already injected")

// SnapshotRect is an element box in document coordinates.
type SnapshotRect struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	W float64 `json:"w"`
	H float64 `json:"h"`
}

// SnapshotElement is one captured element and its subtree.
type SnapshotElement struct {
	Tag      string            `json:"tag"`
	ID       string            `json:"id,omitempty"`
	Classes  []string          `json:"classes,omitempty"`
	Attrs    map[string]string `json:"attrs,omitempty"`
	Text     string            `json:"text,omitempty"`
	Rect     *SnapshotRect     `json:"rect,omitempty"`
	Children []SnapshotElement `json:"children,omitempty"`
}

// Viewport is the visible area and scroll position at capture time.
type Viewport struct {
	W  float64 `json:"w"`
	H  float64 `json:"h"`
	SX float64 `json:"sx"`
	SY float64 `json:"sy"`
}

// Snapshot is a serialised page as captured by a browser extension or test.
type Snapshot struct {
	URL      string            `json:"url"`
	Viewport Viewport          `json:"viewport"`
	Elements []SnapshotElement `json:"elements"`
}

// Document is a page snapshot that tours can be played against.
type Document struct {
	mu       sync.Mutex
	url      string
	tree     *html.Node
	body     *html.Node
	rects    map[*html.Node]playback.Rect
	viewport Viewport

	listeners map[playback.DOMEventKind]map[int]func(playback.DOMEvent)
	nextID    int
}

// ReadSnapshot decodes a JSON snapshot from r.
func ReadSnapshot(r io.Reader) (*Document, error) {
	var s Snapshot
	if err := json.NewDecoder(r).Decode(&s); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return FromSnapshot(s), nil
}

// FromSnapshot builds a document from s.
func FromSnapshot(s Snapshot) *Document {
	d := newDocument(s.URL, s.Viewport)
	for _, el := range s.Elements {
		d.body.AppendChild(d.build(el))
	}
	return d
}

// ParseHTML builds a document from markup. Element boxes are read from
// data-rect="x,y,w,h" attributes in document coordinates.
func ParseHTML(r io.Reader, vp Viewport) (*Document, error) {
	tree, err := html.Parse(r)
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	d := newDocument("", vp)
	d.tree = tree
	d.body = cascadia.Query(tree, cascadia.MustCompile("body"))
	if d.body == nil {
		return nil, errors.New("parse html: no body")
	}
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			if v := attr(n, "data-rect"); v != "" {
				if rect, ok := parseRect(v); ok {
					d.rects[n] = rect
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(tree)
	return d, nil
}

func newDocument(url string, vp Viewport) *Document {
	if vp.W <= 0 {
		vp.W = 1280
	}
	if vp.H <= 0 {
		vp.H = 800
	}
	tree := &html.Node{Type: html.DocumentNode}
	root := element("html")
	body := element("body")
	root.AppendChild(element("head"))
	root.AppendChild(body)
	tree.AppendChild(root)
	return &Document{
		url:       url,
		tree:      tree,
		body:      body,
		rects:     make(map[*html.Node]playback.Rect),
		viewport:  vp,
		listeners: make(map[playback.DOMEventKind]map[int]func(playback.DOMEvent)),
	}
}

func (d *Document) build(el SnapshotElement) *html.Node {
	n := element(strings.ToLower(el.Tag))
	if el.ID != "" {
		n.Attr = append(n.Attr, html.Attribute{Key: "id", Val: el.ID})
	}
	if len(el.Classes) > 0 {
		n.Attr = append(n.Attr, html.Attribute{Key: "class", Val: strings.Join(el.Classes, " ")})
	}
	for k, v := range el.Attrs {
		n.Attr = append(n.Attr, html.Attribute{Key: strings.ToLower(k), Val: v})
	}
	if el.Text != "" {
		n.AppendChild(&html.Node{Type: html.TextNode, Data: el.Text})
	}
	if el.Rect != nil {
		d.rects[n] = playback.Rect{X: el.Rect.X, Y: el.Rect.Y, Width: el.Rect.W, Height: el.Rect.H}
	}
	for _, c := range el.Children {
		n.AppendChild(d.build(c))
	}
	return n
}

// URL is the captured page address.
func (d *Document) URL() string { return d.url }

// node is an element handle returned by QuerySelector.
type node struct {
	doc  *Document
	n    *html.Node
	page playback.Rect
}

// BoundingClientRect implements playback.Element.
func (e *node) BoundingClientRect() playback.Rect {
	sx, sy := e.doc.ScrollOffset()
	r := e.page
	r.X -= sx
	r.Y -= sy
	return r
}

// QuerySelector implements playback.Document. Elements without a captured box
// are treated as not rendered and never match.
func (d *Document) QuerySelector(selector string) (playback.Element, error) {
	sel, err := cascadia.Compile(selector)
	if err != nil {
		return nil, fmt.Errorf("invalid selector %q: %w", selector, err)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, n := range cascadia.QueryAll(d.tree, sel) {
		if rect, ok := d.rects[n]; ok {
			return &node{doc: d, n: n, page: rect}, nil
		}
	}
	return nil, nil
}

// ScrollOffset implements playback.Document.
func (d *Document) ScrollOffset() (float64, float64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.viewport.SX, d.viewport.SY
}

// ViewportSize is the captured viewport in CSS pixels.
func (d *Document) ViewportSize() (float64, float64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.viewport.W, d.viewport.H
}

// ScrollTo moves the viewport.
func (d *Document) ScrollTo(x, y float64) {
	d.mu.Lock()
	d.viewport.SX, d.viewport.SY = x, y
	d.mu.Unlock()
}

// InjectRoot implements playback.Document.
func (d *Document) InjectRoot(id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.findRoot(id) != nil {
		return fmt.Errorf("%w: %s", ErrRootExists, id)
	}
	root := element("div")
	root.Attr = append(root.Attr, html.Attribute{Key: "id", Val: id})
	d.body.AppendChild(root)
	return nil
}

// HasRoot implements playback.Document.
func (d *Document) HasRoot(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.findRoot(id) != nil
}

// RemoveRoot implements playback.Document. It is also how tests and the host
// simulate a page that tears the widget out from under the engine.
func (d *Document) RemoveRoot(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if n := d.findRoot(id); n != nil && n.Parent != nil {
		n.Parent.RemoveChild(n)
	}
}

// SetInnerHTML replaces the children of the root with markup.
func (d *Document) SetInnerHTML(rootID, markup string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	root := d.findRoot(rootID)
	if root == nil {
		return fmt.Errorf("root %s not attached", rootID)
	}
	nodes, err := html.ParseFragment(strings.NewReader(markup), root)
	if err != nil {
		return fmt.Errorf("parse fragment: %w", err)
	}
	clearChildren(root)
	for _, n := range nodes {
		root.AppendChild(n)
	}
	return nil
}

// ClearRoot removes every child of the root, if attached.
func (d *Document) ClearRoot(rootID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if root := d.findRoot(rootID); root != nil {
		clearChildren(root)
	}
}

// InnerHTML renders the root's children.
func (d *Document) InnerHTML(rootID string) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	root := d.findRoot(rootID)
	if root == nil {
		return ""
	}
	var b strings.Builder
	for c := root.FirstChild; c != nil; c = c.NextSibling {
		_ = html.Render(&b, c)
	}
	return b.String()
}

// Text returns the whitespace-collapsed text content of the first element
// matching selector.
func (d *Document) Text(selector string) (string, error) {
	sel, err := cascadia.Compile(selector)
	if err != nil {
		return "", err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	n := cascadia.Query(d.tree, sel)
	if n == nil {
		return "", nil
	}
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
	return strings.Join(strings.Fields(b.String()), " "), nil
}

// AddListener implements playback.Document.
func (d *Document) AddListener(kind playback.DOMEventKind, fn func(playback.DOMEvent)) func() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.listeners[kind] == nil {
		d.listeners[kind] = make(map[int]func(playback.DOMEvent))
	}
	id := d.nextID
	d.nextID++
	d.listeners[kind][id] = fn
	var once sync.Once
	return func() {
		once.Do(func() {
			d.mu.Lock()
			delete(d.listeners[kind], id)
			d.mu.Unlock()
		})
	}
}

// ListenerCount reports how many listeners are registered.
func (d *Document) ListenerCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, m := range d.listeners {
		n += len(m)
	}
	return n
}

// Dispatch delivers ev to the listeners registered for its kind. Listeners
// run without the document lock held and may mutate the document.
func (d *Document) Dispatch(ev playback.DOMEvent) {
	d.mu.Lock()
	ids := make([]int, 0, len(d.listeners[ev.Kind]))
	for id := range d.listeners[ev.Kind] {
		ids = append(ids, id)
	}
	fns := make([]func(playback.DOMEvent), 0, len(ids))
	sort.Ints(ids)
	for _, id := range ids {
		fns = append(fns, d.listeners[ev.Kind][id])
	}
	d.mu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}

// Click clicks the first element matching selector. The data-action of the
// element or its nearest ancestor is reported to click listeners. It returns
// false when nothing matches.
func (d *Document) Click(selector string) (bool, error) {
	sel, err := cascadia.Compile(selector)
	if err != nil {
		return false, err
	}
	d.mu.Lock()
	n := cascadia.Query(d.tree, sel)
	action := ""
	for p := n; p != nil; p = p.Parent {
		if v := attr(p, "data-action"); v != "" {
			action = v
			break
		}
	}
	d.mu.Unlock()
	if n == nil {
		return false, nil
	}
	d.Dispatch(playback.DOMEvent{Kind: playback.DOMClick, Action: action})
	return true, nil
}

// KeyDown sends a keydown event for key, e.g. "Escape" or "ArrowRight".
func (d *Document) KeyDown(key string) {
	d.Dispatch(playback.DOMEvent{Kind: playback.DOMKeyDown, Key: key})
}

func (d *Document) findRoot(id string) *html.Node {
	for c := d.body.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.ElementNode && attr(c, "id") == id {
			return c
		}
	}
	return nil
}

func element(tag string) *html.Node {
	return &html.Node{Type: html.ElementNode, Data: tag, DataAtom: atom.Lookup([]byte(tag))}
}

func attr(n *html.Node, key string) string {
	if n == nil || n.Type != html.ElementNode {
		return ""
	}
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func clearChildren(n *html.Node) {
	for c := n.FirstChild; c != nil; {
		next := c.NextSibling
		n.RemoveChild(c)
		c = next
	}
}

func parseRect(s string) (playback.Rect, bool) {
	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return playback.Rect{}, false
	}
	var v [4]float64
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return playback.Rect{}, false
		}
		v[i] = f
	}
	return playback.Rect{X: v[0], Y: v[1], Width: v[2], Height: v[3]}, true
}
