// Package filelock keeps one exclusive lock per served file in an AVL tree
// keyed by filename.
package filelock

import (
	"strings"
	"sync"

	"tftpd/internal/filesystem"
)

// Node is the lock for one file. Nodes are owned by the registry; callers only
// lock and unlock them.
type Node struct {
	mu     sync.Mutex
	key    string
	left   *Node
	right  *Node
	height int
}

// Key returns the filename the node guards
func (n *Node) Key() string { return n.key }

// Lock blocks until the caller holds the file exclusively
func (n *Node) Lock() { n.mu.Lock() }

// TryLock acquires the file lock if it is free
func (n *Node) TryLock() bool { return n.mu.TryLock() }

// Unlock releases the file
func (n *Node) Unlock() { n.mu.Unlock() }

// Registry maps filenames to their lock nodes. The registry mutex covers the
// tree shape only, never a node lock.
type Registry struct {
	mu   sync.Mutex
	root *Node
	size int
}

// New returns an empty registry
func New() *Registry {
	return &Registry{}
}

func normalize(name string) string {
	return strings.TrimLeft(name, "/")
}

// Find returns the node for name, or nil when none exists
func (r *Registry) Find(name string) *Node {
	key := normalize(name)

	r.mu.Lock()
	defer r.mu.Unlock()

	n := r.root
	for n != nil {
		switch {
		case key < n.key:
			n = n.left
		case key > n.key:
			n = n.right
		default:
			return n
		}
	}
	return nil
}

// Insert adds a node for name. Inserting an existing key returns the node
// already in the tree.
func (r *Registry) Insert(name string) *Node {
	n, _ := r.FindOrInsert(name)
	return n
}

// FindOrInsert returns the node for name, creating it if needed. created
// reports whether a new node was added.
func (r *Registry) FindOrInsert(name string) (node *Node, created bool) {
	key := normalize(name)

	r.mu.Lock()
	defer r.mu.Unlock()

	r.root, node, created = insert(r.root, key)
	if created {
		r.size++
	}
	return node, created
}

// Len returns the number of nodes
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.size
}

// Height returns the tree height, -1 when empty
func (r *Registry) Height() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return height(r.root)
}

// Walk calls fn for every key in lexicographic order until fn returns false.
// fn runs under the registry mutex and must not call back into r.
func (r *Registry) Walk(fn func(key string) bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	walk(r.root, fn)
}

// Keys returns all keys in order
func (r *Registry) Keys() []string {
	keys := make([]string, 0, r.Len())
	r.Walk(func(key string) bool {
		keys = append(keys, key)
		return true
	})
	return keys
}

// Valid checks ordering, stored heights and the balance bound at every node
func (r *Registry) Valid() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, ok := check(r.root, nil, nil)
	return ok
}

// Seed inserts a node for every regular file below root
func (r *Registry) Seed(root string) (int, error) {
	names, err := filesystem.ScanFiles(root)
	if err != nil {
		return 0, err
	}

	added := 0
	for _, name := range names {
		if _, created := r.FindOrInsert(name); created {
			added++
		}
	}
	return added, nil
}

// Close drops every node in post-order. Nodes handed out earlier stay usable
// by their holders but are no longer reachable through r.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()

	release(r.root)
	r.root = nil
	r.size = 0
}

func height(n *Node) int {
	if n == nil {
		return -1
	}
	return n.height
}

func (n *Node) update() {
	n.height = max(height(n.left), height(n.right)) + 1
}

func (n *Node) balance() int {
	return height(n.left) - height(n.right)
}

func rotateRight(n *Node) *Node {
	l := n.left
	n.left = l.right
	l.right = n
	n.update()
	l.update()
	return l
}

func rotateLeft(n *Node) *Node {
	r := n.right
	n.right = r.left
	r.left = n
	n.update()
	r.update()
	return r
}

// insert places key below n and rebalances on the way back up
func insert(n *Node, key string) (root, target *Node, created bool) {
	if n == nil {
		leaf := &Node{key: key}
		return leaf, leaf, true
	}

	switch {
	case key < n.key:
		n.left, target, created = insert(n.left, key)
	case key > n.key:
		n.right, target, created = insert(n.right, key)
	default:
		return n, n, false
	}

	if !created {
		return n, target, false
	}
	return rebalance(n), target, true
}

func rebalance(n *Node) *Node {
	n.update()

	switch b := n.balance(); {
	case b > 1:
		if n.left.balance() < 0 {
			n.left = rotateLeft(n.left)
		}
		return rotateRight(n)
	case b < -1:
		if n.right.balance() > 0 {
			n.right = rotateRight(n.right)
		}
		return rotateLeft(n)
	}
	return n
}

func walk(n *Node, fn func(string) bool) bool {
	if n == nil {
		return true
	}
	return walk(n.left, fn) && fn(n.key) && walk(n.right, fn)
}

// check returns the computed height of n and whether its subtree is a valid
// AVL tree with keys strictly between lo and hi
func check(n *Node, lo, hi *string) (int, bool) {
	if n == nil {
		return -1, true
	}
	if (lo != nil && n.key <= *lo) || (hi != nil && n.key >= *hi) {
		return 0, false
	}

	lh, ok := check(n.left, lo, &n.key)
	if !ok {
		return 0, false
	}
	rh, ok := check(n.right, &n.key, hi)
	if !ok {
		return 0, false
	}

	h := max(lh, rh) + 1
	if h != n.height || lh-rh > 1 || rh-lh > 1 {
		return 0, false
	}
	return h, true
}

func release(n *Node) {
	if n == nil {
		return
	}
	release(n.left)
	release(n.right)
	n.left, n.right = nil, nil
}
