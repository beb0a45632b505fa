package hnsw

import "container/heap"

var _ heap.Interface = (*priorityQueue)(nil)

// candidate is a node ordinal with its distance to the query.
type candidate struct {
	node uint32
	dist float64
}

// priorityQueue is a min-heap on distance, or a max-heap when max is set.
type priorityQueue struct {
	max   bool
	items []candidate
}

func (pq *priorityQueue) Len() int { return len(pq.items) }

func (pq *priorityQueue) Less(i, j int) bool {
	if pq.max {
		return pq.items[i].dist > pq.items[j].dist
	}
	return pq.items[i].dist < pq.items[j].dist
}

func (pq *priorityQueue) Swap(i, j int) { pq.items[i], pq.items[j] = pq.items[j], pq.items[i] }

func (pq *priorityQueue) Push(x any) { pq.items = append(pq.items, x.(candidate)) }

func (pq *priorityQueue) Pop() any {
	old := pq.items
	n := len(old)
	item := old[n-1]
	pq.items = old[:n-1]
	return item
}

// top returns the root without removing it.
func (pq *priorityQueue) top() candidate { return pq.items[0] }
