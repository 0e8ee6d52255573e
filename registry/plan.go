package registry

import (
	"container/heap"

	"github.com/songzhibin97/workflow-orchestrator/types"
)

type planNode struct {
	id         string
	index      int
	deps       []string
	dependents []int
	inDegree   int
	level      int
}

// buildPlan orders ids with Kahn's algorithm. Dependencies on steps outside
// ids are treated as satisfied. Among ready steps the one supplied first is
// ordered first; a step's group is one past the deepest of its dependencies.
func buildPlan(ids []string, defs map[string]types.StepDefinition) (*types.ExecutionPlan, error) {
	nodes := make([]*planNode, len(ids))
	byID := make(map[string]int, len(ids))
	for i, id := range ids {
		nodes[i] = &planNode{id: id, index: i}
		byID[id] = i
	}

	for i, id := range ids {
		seen := make(map[string]bool)
		for _, dep := range defs[id].Dependencies {
			j, inSet := byID[dep]
			if !inSet || seen[dep] {
				continue
			}
			seen[dep] = true
			nodes[i].deps = append(nodes[i].deps, dep)
			nodes[i].inDegree++
			nodes[j].dependents = append(nodes[j].dependents, i)
		}
	}

	ready := &indexHeap{}
	for i, n := range nodes {
		if n.inDegree == 0 {
			heap.Push(ready, i)
		}
	}

	order := make([]string, 0, len(ids))
	maxLevel := -1
	for ready.Len() > 0 {
		i := heap.Pop(ready).(int)
		n := nodes[i]
		order = append(order, n.id)
		if n.level > maxLevel {
			maxLevel = n.level
		}
		for _, j := range n.dependents {
			d := nodes[j]
			if n.level+1 > d.level {
				d.level = n.level + 1
			}
			d.inDegree--
			if d.inDegree == 0 {
				heap.Push(ready, j)
			}
		}
	}

	if len(order) != len(ids) {
		var remaining []string
		for _, n := range nodes {
			if n.inDegree > 0 {
				remaining = append(remaining, n.id)
			}
		}
		return nil, &CyclicDependencyError{Steps: remaining}
	}

	groups := make([][]string, maxLevel+1)
	dependencies := make(map[string][]string, len(ids))
	for _, n := range nodes {
		groups[n.level] = append(groups[n.level], n.id)
		dependencies[n.id] = append([]string{}, n.deps...)
	}

	return &types.ExecutionPlan{
		ExecutionOrder: order,
		ParallelGroups: groups,
		Dependencies:   dependencies,
	}, nil
}

type indexHeap []int

func (h indexHeap) Len() int           { return len(h) }
func (h indexHeap) Less(i, j int) bool { return h[i] < h[j] }
func (h indexHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *indexHeap) Push(x any) {
	*h = append(*h, x.(int))
}

func (h *indexHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}
