package archive

import "git.solsynth.dev/hypernet/chatcore/pkg/internal/models"

type Direction int8

const (
	Forward Direction = iota
	Reverse
)

// Iterator walks the log one segment at a time in either direction. Every
// call to Messages hands out an independent cursor, so several walks may be
// in flight at once and each can be restarted by asking for a new one.
type Iterator struct {
	archive *Archive
	dir     Direction
	next    int
	done    bool
}

// Messages opens a lazy walk over the whole log. An optional start segment
// skips everything before (Forward) or after (Reverse) it.
func (v *Archive) Messages(dir Direction, startSegment ...int) *Iterator {
	out := &Iterator{archive: v, dir: dir}
	switch dir {
	case Reverse:
		out.next = v.Len() - 1
		if len(startSegment) > 0 {
			out.next = min(out.next, (startSegment[0]+1)*models.SegmentSize-1)
		}
	default:
		out.next = 0
		if len(startSegment) > 0 {
			out.next = startSegment[0] * models.SegmentSize
		}
	}
	return out
}

// Next yields the following message, reporting false once the walk is over.
// A finished iterator stays finished; messages appended afterwards belong to
// the next walk.
func (v *Iterator) Next() (*models.Message, bool) {
	if v.done {
		return nil, false
	}
	msg := v.archive.Get(v.next)
	if msg == nil {
		v.done = true
		return nil, false
	}
	if v.dir == Reverse {
		v.next--
	} else {
		v.next++
	}
	return msg, true
}

// Collect drains up to limit messages from the iterator; limit <= 0 drains
// everything left.
func (v *Iterator) Collect(limit int) []*models.Message {
	var out []*models.Message
	for {
		if limit > 0 && len(out) >= limit {
			return out
		}
		msg, ok := v.Next()
		if !ok {
			return out
		}
		out = append(out, msg)
	}
}
