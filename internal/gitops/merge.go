package gitops

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/filemode"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/storer"
)

// Identity stamped on merge commits created by the orchestrator.
const (
	committerName  = "mirrorsyncd"
	committerEmail = "mirrorsyncd@localhost"
)

// MergeResult describes the outcome of a clean merge attempt.
type MergeResult struct {
	// Commit is the resulting head of the destination branch.
	Commit string
	// UpToDate is set when the source was already contained in the
	// destination and nothing changed.
	UpToDate bool
	// FastForward is set when the destination was advanced without
	// creating a merge commit.
	FastForward bool
}

// fileEntry is one blob in a flattened tree.
type fileEntry struct {
	hash plumbing.Hash
	mode filemode.FileMode
}

// Merge performs a three-way merge of srcCommit into dstBranch.
//
// The merge is computed against the merge base: a path modified on only
// one side takes that side's version, a path modified on both sides with
// differing results is a conflict. A conflicted attempt returns a
// *ConflictError and leaves the destination branch untouched; only a
// fully clean merge advances the branch ref.
func (r *Repo) Merge(ctx context.Context, srcCommit, dstBranch string) (*MergeResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	src, err := r.resolveCommit(srcCommit)
	if err != nil {
		return nil, err
	}
	dstHead, err := r.Head(dstBranch)
	if err != nil {
		return nil, err
	}
	dst, err := r.resolveCommit(dstHead)
	if err != nil {
		return nil, err
	}

	if src.Hash == dst.Hash {
		return &MergeResult{Commit: dstHead, UpToDate: true}, nil
	}
	if ok, err := src.IsAncestor(dst); err != nil {
		return nil, fmt.Errorf("failed to check ancestry: %w", err)
	} else if ok {
		return &MergeResult{Commit: dstHead, UpToDate: true}, nil
	}
	if ok, err := dst.IsAncestor(src); err != nil {
		return nil, fmt.Errorf("failed to check ancestry: %w", err)
	} else if ok {
		if err := r.SetBranchHead(dstBranch, src.Hash.String()); err != nil {
			return nil, err
		}
		return &MergeResult{Commit: src.Hash.String(), FastForward: true}, nil
	}

	bases, err := dst.MergeBase(src)
	if err != nil {
		return nil, fmt.Errorf("failed to compute merge base: %w", err)
	}
	if len(bases) == 0 {
		return nil, &ConflictError{}
	}

	merged, conflicts, err := mergeTrees(bases[0], dst, src)
	if err != nil {
		return nil, err
	}
	if len(conflicts) > 0 {
		return nil, &ConflictError{Paths: conflicts}
	}

	treeHash, err := writeTree(r.repo.Storer, merged)
	if err != nil {
		return nil, err
	}
	commitHash, err := r.writeMergeCommit(treeHash, dst.Hash, src.Hash, dstBranch, srcCommit)
	if err != nil {
		return nil, err
	}
	if err := r.SetBranchHead(dstBranch, commitHash.String()); err != nil {
		return nil, err
	}
	return &MergeResult{Commit: commitHash.String()}, nil
}

// mergeTrees computes the merged file set and the list of conflicting
// paths, both relative to the common ancestor.
func mergeTrees(base, ours, theirs *object.Commit) (map[string]fileEntry, []string, error) {
	baseFiles, err := flattenTree(base)
	if err != nil {
		return nil, nil, err
	}
	ourFiles, err := flattenTree(ours)
	if err != nil {
		return nil, nil, err
	}
	theirFiles, err := flattenTree(theirs)
	if err != nil {
		return nil, nil, err
	}

	paths := make(map[string]bool, len(baseFiles)+len(ourFiles)+len(theirFiles))
	for p := range baseFiles {
		paths[p] = true
	}
	for p := range ourFiles {
		paths[p] = true
	}
	for p := range theirFiles {
		paths[p] = true
	}

	merged := make(map[string]fileEntry, len(ourFiles))
	var conflicts []string
	for p := range paths {
		b, inBase := baseFiles[p]
		o, inOurs := ourFiles[p]
		t, inTheirs := theirFiles[p]

		ourChanged := inOurs != inBase || (inOurs && o != b)
		theirChanged := inTheirs != inBase || (inTheirs && t != b)

		switch {
		case ourChanged && theirChanged && (inOurs != inTheirs || (inOurs && o != t)):
			conflicts = append(conflicts, p)
		case theirChanged:
			if inTheirs {
				merged[p] = t
			}
		default:
			if inOurs {
				merged[p] = o
			}
		}
	}
	sort.Strings(conflicts)
	return merged, conflicts, nil
}

// flattenTree maps every blob in a commit's tree to its full path.
func flattenTree(c *object.Commit) (map[string]fileEntry, error) {
	tree, err := c.Tree()
	if err != nil {
		return nil, fmt.Errorf("failed to load tree for %s: %w", c.Hash, err)
	}
	files := make(map[string]fileEntry)
	iter := tree.Files()
	defer iter.Close()
	err = iter.ForEach(func(f *object.File) error {
		files[f.Name] = fileEntry{hash: f.Hash, mode: f.Mode}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk tree for %s: %w", c.Hash, err)
	}
	return files, nil
}

// treeNode is one directory level while rebuilding the merged tree.
type treeNode struct {
	blobs map[string]fileEntry
	dirs  map[string]*treeNode
}

func newTreeNode() *treeNode {
	return &treeNode{blobs: make(map[string]fileEntry), dirs: make(map[string]*treeNode)}
}

func (n *treeNode) insert(path string, entry fileEntry) {
	dir, rest, nested := strings.Cut(path, "/")
	if !nested {
		n.blobs[path] = entry
		return
	}
	sub, ok := n.dirs[dir]
	if !ok {
		sub = newTreeNode()
		n.dirs[dir] = sub
	}
	sub.insert(rest, entry)
}

// writeTree stores the merged file set as git tree objects and returns
// the root tree hash.
func writeTree(st storer.EncodedObjectStorer, files map[string]fileEntry) (plumbing.Hash, error) {
	root := newTreeNode()
	for path, entry := range files {
		root.insert(path, entry)
	}
	return writeTreeNode(st, root)
}

func writeTreeNode(st storer.EncodedObjectStorer, node *treeNode) (plumbing.Hash, error) {
	entries := make([]object.TreeEntry, 0, len(node.blobs)+len(node.dirs))
	for name, blob := range node.blobs {
		entries = append(entries, object.TreeEntry{Name: name, Mode: blob.mode, Hash: blob.hash})
	}
	for name, sub := range node.dirs {
		hash, err := writeTreeNode(st, sub)
		if err != nil {
			return plumbing.ZeroHash, err
		}
		entries = append(entries, object.TreeEntry{Name: name, Mode: filemode.Dir, Hash: hash})
	}

	// Git orders tree entries by name with directories compared as if
	// their name carried a trailing slash.
	sort.Slice(entries, func(i, j int) bool {
		return treeSortKey(entries[i]) < treeSortKey(entries[j])
	})

	tree := &object.Tree{Entries: entries}
	obj := st.NewEncodedObject()
	if err := tree.Encode(obj); err != nil {
		return plumbing.ZeroHash, fmt.Errorf("failed to encode tree: %w", err)
	}
	hash, err := st.SetEncodedObject(obj)
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("failed to store tree: %w", err)
	}
	return hash, nil
}

func treeSortKey(e object.TreeEntry) string {
	if e.Mode == filemode.Dir {
		return e.Name + "/"
	}
	return e.Name
}

// writeMergeCommit stores the merge commit with parents (dst, src).
func (r *Repo) writeMergeCommit(tree, dstParent, srcParent plumbing.Hash, dstBranch, srcCommit string) (plumbing.Hash, error) {
	now := time.Now()
	sig := object.Signature{Name: committerName, Email: committerEmail, When: now}
	commit := &object.Commit{
		Author:       sig,
		Committer:    sig,
		Message:      fmt.Sprintf("Merge commit %s into %s", shortHash(srcCommit), dstBranch),
		TreeHash:     tree,
		ParentHashes: []plumbing.Hash{dstParent, srcParent},
	}
	obj := r.repo.Storer.NewEncodedObject()
	if err := commit.Encode(obj); err != nil {
		return plumbing.ZeroHash, fmt.Errorf("failed to encode merge commit: %w", err)
	}
	hash, err := r.repo.Storer.SetEncodedObject(obj)
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("failed to store merge commit: %w", err)
	}
	return hash, nil
}

func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}
