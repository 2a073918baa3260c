// Package trie maps hierarchical labels to subscribers. A label is split on a
// separator into segments; the last segment of a subscription may be the
// wildcard token, matching exactly one final segment, or the descendants
// token, matching one or more trailing segments.
package trie

import (
	"errors"
	"slices"
	"strings"
	"sync"
)

const (
	DefaultSeparator   = "."
	DefaultWildcard    = "*"
	DefaultDescendants = "**"
)

var (
	ErrEmptyLabel       = errors.New("queueflow: label is empty")
	ErrEmptySegment     = errors.New("queueflow: label contains an empty segment")
	ErrWildcardPosition = errors.New("queueflow: wildcard tokens are only allowed in the last segment")
	ErrInvalidOptions   = errors.New("queueflow: separator and wildcard tokens must be distinct and non-empty")
)

// Options configures the label syntax. Zero fields take the defaults.
type Options struct {
	Separator   string
	Wildcard    string
	Descendants string
}

func (o Options) withDefaults() Options {
	if o.Separator == "" {
		o.Separator = DefaultSeparator
	}
	if o.Wildcard == "" {
		o.Wildcard = DefaultWildcard
	}
	if o.Descendants == "" {
		o.Descendants = DefaultDescendants
	}
	return o
}

func (o Options) validate() error {
	if o.Wildcard == o.Descendants ||
		strings.Contains(o.Wildcard, o.Separator) ||
		strings.Contains(o.Descendants, o.Separator) {
		return ErrInvalidOptions
	}
	return nil
}

type node[T comparable] struct {
	children map[string]*node[T]
	subs     []T
}

func newNode[T comparable]() *node[T] {
	return &node[T]{children: make(map[string]*node[T])}
}

func (n *node[T]) child(segment string) *node[T] {
	c, ok := n.children[segment]
	if !ok {
		c = newNode[T]()
		n.children[segment] = c
	}
	return c
}

func (n *node[T]) remove(sub T) bool {
	i := slices.Index(n.subs, sub)
	if i < 0 {
		return false
	}
	n.subs = slices.Delete(n.subs, i, i+1)
	return true
}

// Trie is a label subscription registry. One mutex guards every operation;
// nodes left empty by Remove or Clear are kept.
type Trie[T comparable] struct {
	opts  Options
	mu    sync.Mutex
	root  *node[T]
	count int
}

// New creates an empty trie.
func New[T comparable](opts Options) (*Trie[T], error) {
	opts = opts.withDefaults()
	if err := opts.validate(); err != nil {
		return nil, err
	}
	return &Trie[T]{opts: opts, root: newNode[T]()}, nil
}

// Handle is one subscription. Closing it removes the subscription.
type Handle[T comparable] struct {
	trie  *Trie[T]
	label string
	sub   T
	once  sync.Once
}

// Label returns the subscribed label pattern.
func (h *Handle[T]) Label() string { return h.label }

// Subscriber returns the subscribed value.
func (h *Handle[T]) Subscriber() T { return h.sub }

// Close removes the subscription, including for other handles of the same
// label and value. Later calls do nothing.
func (h *Handle[T]) Close() error {
	h.once.Do(func() { h.trie.Remove(h.label, h.sub) })
	return nil
}

// Split validates label as a subscription pattern and returns its segments.
func (t *Trie[T]) Split(label string) ([]string, error) {
	if label == "" {
		return nil, ErrEmptyLabel
	}
	segments := strings.Split(label, t.opts.Separator)
	for i, s := range segments {
		if s == "" {
			return nil, ErrEmptySegment
		}
		if i < len(segments)-1 && t.isToken(s) {
			return nil, ErrWildcardPosition
		}
	}
	return segments, nil
}

func (t *Trie[T]) isToken(segment string) bool {
	return segment == t.opts.Wildcard || segment == t.opts.Descendants
}

// Subscribe adds sub under label. Subscribing the same value twice to the
// same label keeps a single entry, and every handle returned for it refers to
// that entry: closing any of them removes the subscription for all.
func (t *Trie[T]) Subscribe(label string, sub T) (*Handle[T], error) {
	segments, err := t.Split(label)
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	n := t.root
	for _, s := range segments {
		n = n.child(s)
	}
	if !slices.Contains(n.subs, sub) {
		n.subs = append(n.subs, sub)
		t.count++
	}
	return &Handle[T]{trie: t, label: label, sub: sub}, nil
}

// Remove drops sub from label and reports whether it was subscribed.
func (t *Trie[T]) Remove(label string, sub T) bool {
	segments, err := t.Split(label)
	if err != nil {
		return false
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	n := t.root
	for _, s := range segments {
		next, ok := n.children[s]
		if !ok {
			return false
		}
		n = next
	}
	if !n.remove(sub) {
		return false
	}
	t.count--
	return true
}

// Clear removes every subscription of sub and returns how many there were.
func (t *Trie[T]) Clear(sub T) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	removed := 0
	var walk func(n *node[T])
	walk = func(n *node[T]) {
		if n.remove(sub) {
			removed++
		}
		for _, c := range n.children {
			walk(c)
		}
	}
	walk(t.root)
	t.count -= removed
	return removed
}

// Match returns the subscribers whose pattern matches label, without
// duplicates. Descendant subscriptions of shallower levels come first, then
// exact, wildcard and descendant subscriptions of the final level, each group
// in subscription order.
func (t *Trie[T]) Match(label string) []T {
	if label == "" {
		return nil
	}
	segments := strings.Split(label, t.opts.Separator)
	if slices.Contains(segments, "") {
		return nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	var out []T
	add := func(n *node[T]) {
		if n == nil {
			return
		}
		for _, s := range n.subs {
			if !slices.Contains(out, s) {
				out = append(out, s)
			}
		}
	}

	n := t.root
	last := len(segments) - 1
	for i, s := range segments {
		if i == last {
			add(n.children[s])
			add(n.children[t.opts.Wildcard])
		}
		add(n.children[t.opts.Descendants])
		next, ok := n.children[s]
		if !ok {
			break
		}
		n = next
	}
	return out
}

// Labels returns the patterns sub is subscribed to, sorted.
func (t *Trie[T]) Labels(sub T) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	var labels []string
	var walk func(n *node[T], path []string)
	walk = func(n *node[T], path []string) {
		if slices.Contains(n.subs, sub) {
			labels = append(labels, strings.Join(path, t.opts.Separator))
		}
		for s, c := range n.children {
			walk(c, append(path, s))
		}
	}
	walk(t.root, nil)
	slices.Sort(labels)
	return labels
}

// Len returns the number of subscriptions.
func (t *Trie[T]) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.count
}
