package session

import "sort"

// segment is one un-forwarded, out-of-order TCP data segment.
type segment struct {
	seq  uint32
	data []byte
}

// outOfOrderQueue holds TCP data segments that arrived ahead of client_seq,
// ordered by sequence number. Segments sharing a sequence number are
// resolved by the strictly-larger-duplicate replacement rule: the incoming
// segment replaces the stored one only if its payload is larger; equal-size
// or smaller duplicates are dropped.
type outOfOrderQueue struct {
	segs []*segment
}

func (q *outOfOrderQueue) insert(seq uint32, data []byte) {
	for i, s := range q.segs {
		if s.seq == seq {
			if len(data) > len(s.data) {
				q.segs[i] = &segment{seq: seq, data: data}
			}
			return
		}
	}
	q.segs = append(q.segs, &segment{seq: seq, data: data})
	sort.Slice(q.segs, func(i, j int) bool {
		return compareU32(q.segs[i].seq, q.segs[j].seq) < 0
	})
}

func (q *outOfOrderQueue) empty() bool { return len(q.segs) == 0 }

// head returns the lowest-sequence queued segment without removing it.
func (q *outOfOrderQueue) head() (*segment, bool) {
	if len(q.segs) == 0 {
		return nil, false
	}
	return q.segs[0], true
}

// dropHead removes the lowest-sequence segment, used once it has been fully
// forwarded.
func (q *outOfOrderQueue) dropHead() {
	if len(q.segs) > 0 {
		q.segs = q.segs[1:]
	}
}

func (q *outOfOrderQueue) queuedBytes() int {
	n := 0
	for _, s := range q.segs {
		n += len(s.data)
	}
	return n
}
