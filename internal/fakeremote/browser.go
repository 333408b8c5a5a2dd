package fakeremote

import (
	"image"
	"strings"
	"sync"

	"github.com/google/uuid"
)

const (
	DefaultViewportWidth  = 800
	DefaultViewportHeight = 600

	// Size of an iframe whose document has no intrinsic size
	defaultFrameWidth  = 300
	defaultFrameHeight = 150
)

// browsingContext is one navigable held by the fake browser
type browsingContext struct {
	id       string
	parent   string
	url      string
	children []string
	content  image.Image // nil for documents that render blank

	session string // CDP session, assigned on first cdp.getSession
	width   int    // device metrics override, 0 when unset
	height  int
}

func (c *browsingContext) isTopLevel() bool {
	return c.parent == ""
}

// ContextInfo mirrors browsingContext.Info on the wire
type ContextInfo struct {
	Context     string        `json:"context"`
	URL         string        `json:"url"`
	Children    []ContextInfo `json:"children"`
	Parent      *string       `json:"parent,omitempty"`
	UserContext string        `json:"userContext"`
}

// Browser is the state shared by every connection to one fake remote
type Browser struct {
	mu       sync.Mutex
	contexts map[string]*browsingContext
	roots    []string
	sessions map[string]string // session id -> context id
}

// NewBrowser creates a browser with a single blank tab
func NewBrowser() *Browser {
	b := &Browser{
		contexts: make(map[string]*browsingContext),
		sessions: make(map[string]string),
	}
	b.createLocked("", "about:blank")
	return b
}

func newTargetID() string {
	return strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", ""))
}

func (b *Browser) createLocked(parent, url string) *browsingContext {
	c := &browsingContext{
		id:     newTargetID(),
		parent: parent,
		url:    url,
	}
	b.contexts[c.id] = c

	if parent == "" {
		b.roots = append(b.roots, c.id)
	} else if p, ok := b.contexts[parent]; ok {
		p.children = append(p.children, c.id)
	}
	return c
}

// destroyLocked removes id and its descendants, returning them deepest first
func (b *Browser) destroyLocked(id string) []*browsingContext {
	c, ok := b.contexts[id]
	if !ok {
		return nil
	}

	var removed []*browsingContext
	for _, child := range c.children {
		removed = append(removed, b.destroyLocked(child)...)
	}
	c.children = nil

	delete(b.contexts, id)
	if c.session != "" {
		delete(b.sessions, c.session)
	}

	if c.parent == "" {
		b.roots = removeID(b.roots, id)
	} else if p, ok := b.contexts[c.parent]; ok {
		p.children = removeID(p.children, id)
	}

	return append(removed, c)
}

func removeID(ids []string, id string) []string {
	out := ids[:0]
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}

func (b *Browser) sessionLocked(c *browsingContext) string {
	if c.session == "" {
		c.session = newTargetID()
		b.sessions[c.session] = c.id
	}
	return c.session
}

func (b *Browser) infoLocked(c *browsingContext, depth int, withParent bool) ContextInfo {
	info := ContextInfo{
		Context:     c.id,
		URL:         c.url,
		UserContext: "default",
	}
	if withParent && c.parent != "" {
		parent := c.parent
		info.Parent = &parent
	}

	// A nil children list means the depth limit cut the tree here
	if depth != 0 {
		info.Children = make([]ContextInfo, 0, len(c.children))
		for _, id := range c.children {
			if child, ok := b.contexts[id]; ok {
				info.Children = append(info.Children, b.infoLocked(child, depth-1, false))
			}
		}
	}
	return info
}
