package idempotency

import (
	"container/list"
	"time"

	"github.com/guardrail-labs/llm-guardrail-api-next-sub000/internal/ports/out/idempotency"
)

type ringItem struct {
	key       idempotency.Key
	firstSeen time.Time
	lastSeen  time.Time
}

// recentRing keeps the most recently touched keys of one tenant.
// The list front is the oldest item; eviction pops the front once capacity is exceeded.
type recentRing struct {
	capacity int
	order    *list.List
	index    map[idempotency.Key]*list.Element
}

func newRecentRing(capacity int) *recentRing {
	return &recentRing{
		capacity: capacity,
		order:    list.New(),
		index:    make(map[idempotency.Key]*list.Element),
	}
}

func (r *recentRing) touch(key idempotency.Key, now time.Time) {
	if el, ok := r.index[key]; ok {
		it := el.Value.(*ringItem)
		it.lastSeen = now
		r.order.MoveToBack(el)
		return
	}
	r.index[key] = r.order.PushBack(&ringItem{key: key, firstSeen: now, lastSeen: now})
	for r.order.Len() > r.capacity {
		oldest := r.order.Front()
		r.order.Remove(oldest)
		delete(r.index, oldest.Value.(*ringItem).key)
	}
}

func (r *recentRing) remove(key idempotency.Key) {
	if el, ok := r.index[key]; ok {
		r.order.Remove(el)
		delete(r.index, key)
	}
}

func (r *recentRing) newestFirst(limit int) []ringItem {
	n := r.order.Len()
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]ringItem, 0, n)
	for el := r.order.Back(); el != nil && len(out) < n; el = el.Prev() {
		out = append(out, *el.Value.(*ringItem))
	}
	return out
}
