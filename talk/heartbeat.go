package talk

import (
	"fmt"
	"sync"
	"time"

	rb "github.com/glycerine/rbtree"
)

// hbItem is one session's place in the heartbeat queue.
type hbItem struct {
	at time.Time
	st *sessState
}

// heartbeatPQ orders authenticated sessions by their last
// heartbeat, oldest first, so the idle sweep only looks
// at the expired prefix.
type heartbeatPQ struct {
	mut  sync.Mutex
	tree *rb.Tree

	// current item per session id
	items map[int64]*hbItem
}

func newHeartbeatPQ() *heartbeatPQ {
	return &heartbeatPQ{
		items: make(map[int64]*hbItem),
		tree: rb.NewTree(func(a, b rb.Item) int {
			av := a.(*hbItem)
			bv := b.(*hbItem)
			if av == bv {
				return 0
			}
			if av.at.Before(bv.at) {
				return -1
			}
			if av.at.After(bv.at) {
				return 1
			}
			// ties by session id
			ai, bi := av.st.sess.ID(), bv.st.sess.ID()
			if ai < bi {
				return -1
			}
			if ai > bi {
				return 1
			}
			return 0
		}),
	}
}

func (q *heartbeatPQ) Len() int {
	q.mut.Lock()
	defer q.mut.Unlock()
	return q.tree.Len()
}

// touch records a heartbeat for st at tm.
func (q *heartbeatPQ) touch(st *sessState, tm time.Time) {
	q.mut.Lock()
	defer q.mut.Unlock()
	q.delLocked(st.sess.ID())
	item := &hbItem{at: tm, st: st}
	added, _ := q.tree.InsertGetIt(item)
	if !added {
		panic(fmt.Sprintf("heartbeatPQ: duplicate item for session %v", st.sess.ID()))
	}
	q.items[st.sess.ID()] = item
}

func (q *heartbeatPQ) remove(sid int64) {
	q.mut.Lock()
	q.delLocked(sid)
	q.mut.Unlock()
}

func (q *heartbeatPQ) delLocked(sid int64) {
	old, ok := q.items[sid]
	if !ok {
		return
	}
	delete(q.items, sid)
	it, exact := q.tree.FindGE_isEqual(old)
	if exact {
		q.tree.DeleteWithIterator(it)
	}
}

// expired removes and returns the sessions whose last
// heartbeat is before cutoff.
func (q *heartbeatPQ) expired(cutoff time.Time) (r []*sessState) {
	q.mut.Lock()
	defer q.mut.Unlock()
	for q.tree.Len() > 0 {
		it := q.tree.Min()
		top := it.Item().(*hbItem)
		if !top.at.Before(cutoff) {
			break
		}
		q.tree.DeleteWithIterator(it)
		delete(q.items, top.st.sess.ID())
		r = append(r, top.st)
	}
	return
}

// oldest is the earliest heartbeat, ok false when empty.
func (q *heartbeatPQ) oldest() (tm time.Time, ok bool) {
	q.mut.Lock()
	defer q.mut.Unlock()
	if q.tree.Len() == 0 {
		return
	}
	return q.tree.Min().Item().(*hbItem).at, true
}

func (q *heartbeatPQ) deleteAll() {
	q.mut.Lock()
	q.tree.DeleteAll()
	q.items = make(map[int64]*hbItem)
	q.mut.Unlock()
}
