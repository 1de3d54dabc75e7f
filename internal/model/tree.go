package model

import (
	"fmt"
	"math"
)

// Node is one decision node in array form. Left/Right index into the
// tree's node slice; -1 marks a leaf. Value is the node's prediction
// (expected value at internal nodes, output at leaves). Samples is
// the training sample count, needed by isolation forests to finish
// the path length at an early-terminated leaf.
type Node struct {
	Feature   int     `json:"feature"`
	Threshold float64 `json:"threshold"`
	Left      int     `json:"left"`
	Right     int     `json:"right"`
	Value     float64 `json:"value"`
	Samples   int     `json:"samples,omitempty"`
}

// Tree is a single decision tree in node-array form.
type Tree struct {
	Nodes []Node `json:"nodes"`
}

func (t *Tree) validate(numFeatures int) error {
	if len(t.Nodes) == 0 {
		return fmt.Errorf("empty tree")
	}
	for i, n := range t.Nodes {
		if n.Left < 0 && n.Right < 0 {
			continue // leaf
		}
		if n.Left < 0 || n.Right < 0 {
			return fmt.Errorf("node %d: half-leaf (left=%d right=%d)", i, n.Left, n.Right)
		}
		if n.Left >= len(t.Nodes) || n.Right >= len(t.Nodes) {
			return fmt.Errorf("node %d: child index out of range", i)
		}
		if n.Left <= i && n.Right <= i {
			return fmt.Errorf("node %d: children must come after parent", i)
		}
		if n.Feature < 0 || n.Feature >= numFeatures {
			return fmt.Errorf("node %d: feature index %d out of range", i, n.Feature)
		}
	}
	return nil
}

func (t *Tree) isLeaf(i int) bool {
	return t.Nodes[i].Left < 0
}

// Evaluate walks the tree and returns the leaf value. Split rule is
// x[feature] <= threshold goes left.
func (t *Tree) Evaluate(x []float64) float64 {
	i := 0
	for !t.isLeaf(i) {
		n := &t.Nodes[i]
		if x[n.Feature] <= n.Threshold {
			i = n.Left
		} else {
			i = n.Right
		}
	}
	return t.Nodes[i].Value
}

// PathLength walks the tree and returns the isolation path length:
// edges traversed plus the average-path correction for the samples
// that shared the leaf.
func (t *Tree) PathLength(x []float64) float64 {
	i, depth := 0, 0
	for !t.isLeaf(i) {
		n := &t.Nodes[i]
		if x[n.Feature] <= n.Threshold {
			i = n.Left
		} else {
			i = n.Right
		}
		depth++
	}
	return float64(depth) + averagePathLength(t.Nodes[i].Samples)
}

// Contributions walks the tree attributing the change in node value
// at every split to the feature that was split on, accumulating into
// contrib (indexed by feature). Returns the root's expected value.
func (t *Tree) Contributions(x []float64, contrib []float64) float64 {
	i := 0
	for !t.isLeaf(i) {
		n := &t.Nodes[i]
		next := n.Left
		if x[n.Feature] > n.Threshold {
			next = n.Right
		}
		contrib[n.Feature] += t.Nodes[next].Value - n.Value
		i = next
	}
	return t.Nodes[0].Value
}

// averagePathLength is c(n), the expected path length of an
// unsuccessful BST search among n samples.
func averagePathLength(n int) float64 {
	switch {
	case n <= 1:
		return 0
	case n == 2:
		return 1
	default:
		h := math.Log(float64(n-1)) + eulerGamma
		return 2*h - 2*float64(n-1)/float64(n)
	}
}

const eulerGamma = 0.5772156649015329
