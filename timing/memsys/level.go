package memsys

import (
	"github.com/AmbiML/trace-based-model/uarch"
)

// Request is one outstanding memory access. Origin identifies the
// requester: a functional unit's access tag for front levels, or the child
// level for requests travelling up the hierarchy. Replies are routed back
// by comparing origins.
type Request struct {
	Kind   string
	Origin any
	Addr   uint64
}

type stateKind int

const (
	stateIdle stateKind = iota
	// stateStall counts down the access latency before replying.
	stateStall
	// stateMiss must forward the request up before it can be served.
	stateMiss
	// stateWriteThrough must propagate a completed write up.
	stateWriteThrough
	// stateStallParent waits for the parent's reply.
	stateStallParent
)

type levelState struct {
	kind  stateKind
	delay int
	req   Request
}

// Level is one element of the hierarchy: a cache, or main memory at the
// root. A cache without child levels is a front level; functional units
// issue their accesses there.
type Level struct {
	name   string
	parent *Level
	tags   *tagStore

	writePolicy string
	inclusion   string
	latencies   map[string]int

	reqs    []Request
	replies map[any][]Request
	state   levelState
}

func newMainMemory(ms *uarch.MemorySystem) *Level {
	return &Level{
		name:      "main",
		latencies: ms.Latencies,
		replies:   make(map[any][]Request),
	}
}

func newCacheLevel(name string, lvl *uarch.CacheLevel, parent *Level) *Level {
	return &Level{
		name:        name,
		parent:      parent,
		tags:        newTagStore(lvl),
		writePolicy: lvl.WritePolicy,
		inclusion:   lvl.Inclusion,
		latencies:   lvl.Latencies,
		replies:     make(map[any][]Request),
	}
}

// Name returns the level's configured name.
func (l *Level) Name() string { return l.name }

// IssueLoad queues a read for the given origin.
func (l *Level) IssueLoad(origin any, addr uint64) {
	l.reqs = append(l.reqs, Request{Kind: uarch.ReqRead, Origin: origin, Addr: addr})
}

// IssueStore queues a write for the given origin.
func (l *Level) IssueStore(origin any, addr uint64) {
	l.reqs = append(l.reqs, Request{Kind: uarch.ReqWrite, Origin: origin, Addr: addr})
}

// TakeLoadReplies removes and returns the addresses of completed reads for
// the origin, leaving any completed writes queued.
func (l *Level) TakeLoadReplies(origin any) []uint64 {
	return l.takeReplies(origin, uarch.ReqRead)
}

// TakeStoreReplies removes and returns the addresses of completed writes
// for the origin, leaving any completed reads queued.
func (l *Level) TakeStoreReplies(origin any) []uint64 {
	return l.takeReplies(origin, uarch.ReqWrite)
}

func (l *Level) takeReplies(origin any, kind string) []uint64 {
	queued := l.replies[origin]
	if len(queued) == 0 {
		return nil
	}
	var taken []uint64
	rest := queued[:0]
	for _, r := range queued {
		if r.Kind == kind {
			taken = append(taken, r.Addr)
		} else {
			rest = append(rest, r)
		}
	}
	if len(rest) == 0 {
		delete(l.replies, origin)
	} else {
		l.replies[origin] = rest
	}
	return taken
}

// Pending reports whether the level still holds unserved work.
func (l *Level) Pending() bool {
	return l.state.kind != stateIdle || len(l.reqs) > 0 || len(l.replies) > 0
}

func (l *Level) reset() {
	if l.tags != nil {
		l.tags.reset()
	}
	l.reqs = nil
	l.replies = make(map[any][]Request)
	l.state = levelState{}
}

func (l *Level) pushToParent(kind string, addr uint64) {
	l.parent.reqs = append(l.parent.reqs,
		Request{Kind: kind, Origin: l, Addr: addr})
}

// tick advances the in-flight access: counts down stalls, and turns misses
// and write-throughs into parent requests.
func (l *Level) tick() {
	switch l.state.kind {
	case stateStall:
		if l.state.delay > 0 {
			l.state.delay--
			return
		}
		req := l.state.req
		l.replies[req.Origin] = append(l.replies[req.Origin], req)
		l.state = levelState{}

	case stateMiss:
		req := l.state.req
		switch req.Kind {
		case uarch.ReqRead, uarch.ReqWrite:
			// Fetch the line into this level; a dirty victim is written
			// back first.
			l.evictAndForward(req.Addr, "fetch_"+req.Kind)
			l.state = levelState{kind: stateStallParent, req: req}

		case uarch.ReqFetchRead, uarch.ReqFetchWrite:
			if l.inclusion == uarch.Inclusive {
				if wbAddr, dirty := l.tags.evictFor(req.Addr); dirty {
					l.pushToParent(uarch.ReqWrite, wbAddr)
				}
			}
			l.pushToParent(req.Kind, req.Addr)
			l.state = levelState{kind: stateStallParent, req: req}
		}

	case stateWriteThrough:
		l.pushToParent(uarch.ReqWrite, l.state.req.Addr)
		l.state = levelState{kind: stateStallParent, req: l.state.req}
	}
}

func (l *Level) evictAndForward(addr uint64, fetchKind string) {
	if wbAddr, dirty := l.tags.evictFor(addr); dirty {
		l.pushToParent(uarch.ReqWrite, wbAddr)
	}
	l.pushToParent(fetchKind, addr)
}

// tock accepts the next queued request when idle and consumes parent
// replies when waiting on one.
func (l *Level) tock() {
	if l.state.kind == stateIdle && len(l.reqs) > 0 {
		req := l.reqs[0]
		l.reqs = l.reqs[1:]
		l.accept(req)
	}

	if l.state.kind != stateStallParent {
		return
	}
	parentReplies := l.parent.replies[l]
	if len(parentReplies) == 0 {
		return
	}
	reply := parentReplies[0]
	if len(parentReplies) == 1 {
		delete(l.parent.replies, l)
	} else {
		l.parent.replies[l] = parentReplies[1:]
	}

	req := l.state.req
	switch reply.Kind {
	case uarch.ReqWrite:
		if l.writePolicy == uarch.WriteThrough {
			l.state = levelState{
				kind:  stateStall,
				delay: l.latencies[req.Kind] - 1,
				req:   req,
			}
		}
		// Under write-back the write above was an eviction; the fetch
		// reply is still outstanding.

	case uarch.ReqFetchRead, uarch.ReqFetchWrite:
		l.tags.insert(req.Addr,
			req.Kind == uarch.ReqWrite && l.writePolicy == uarch.WriteBack)
		if req.Kind == uarch.ReqWrite && l.writePolicy == uarch.WriteThrough {
			l.state = levelState{kind: stateWriteThrough, req: req}
		} else {
			l.state = levelState{
				kind:  stateStall,
				delay: l.latencies[req.Kind] - 1,
				req:   req,
			}
		}
	}
}

func (l *Level) accept(req Request) {
	// Main memory serves every request at its configured latency.
	if l.tags == nil {
		l.state = levelState{
			kind:  stateStall,
			delay: l.latencies[req.Kind] - 1,
			req:   req,
		}
		return
	}

	switch req.Kind {
	case uarch.ReqRead, uarch.ReqWrite:
		isWrite := req.Kind == uarch.ReqWrite
		if l.tags.tryAccess(req.Addr, isWrite && l.writePolicy == uarch.WriteBack) {
			if isWrite && l.writePolicy == uarch.WriteThrough {
				l.state = levelState{kind: stateWriteThrough, req: req}
			} else {
				l.state = levelState{
					kind:  stateStall,
					delay: l.latencies[req.Kind] - 1,
					req:   req,
				}
			}
		} else {
			l.state = levelState{kind: stateMiss, req: req}
		}

	case uarch.ReqFetchRead, uarch.ReqFetchWrite:
		if l.tags.tryAccess(req.Addr, false) {
			if l.inclusion == uarch.Exclusive {
				l.tags.take(req.Addr)
			}
			l.state = levelState{
				kind:  stateStall,
				delay: l.latencies[req.Kind] - 1,
				req:   req,
			}
		} else {
			l.state = levelState{kind: stateMiss, req: req}
		}
	}
}
