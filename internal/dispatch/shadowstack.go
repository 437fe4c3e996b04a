package dispatch

// shadowStackDepth bounds the call-return acceleration stack; a guest call
// chain deeper than this just falls back to a full L1/L2 lookup on return,
// it never errors.
const shadowStackDepth = 4096

// shadowFrame records what a `call`-terminated block pushed: the guest RIP
// the callee should return to, and the host address of that return site's
// compiled code (so a matching return can branch straight there without
// touching internal/lookupcache).
type shadowFrame struct {
	guestRIP uint64
	hostRet  uint64
}

// ShadowStack is a bounded ring of return frames for accelerating
// ExitFunction returns without consulting the lookup cache. Loop allocates
// one per thread (Loop.Shadow), but nothing pushes or pops it: no emitted
// code keeps an equivalent stack, and Loop resolves every exit, returns
// included, through the lookup cache.
type ShadowStack struct {
	frames []shadowFrame
	top    int
}

// NewShadowStack allocates a stack of shadowStackDepth frames.
func NewShadowStack() *ShadowStack {
	return &ShadowStack{frames: make([]shadowFrame, shadowStackDepth)}
}

// Push records a call site. If the stack is full the oldest frame is
// silently dropped (a ring, not an error): a wrong shadow-stack guess only
// costs a cache lookup, it is never unsafe.
func (s *ShadowStack) Push(guestRIP, hostRet uint64) {
	if s.top == len(s.frames) {
		copy(s.frames, s.frames[1:])
		s.top--
	}
	s.frames[s.top] = shadowFrame{guestRIP: guestRIP, hostRet: hostRet}
	s.top++
}

// Pop removes and returns the most recent frame.
func (s *ShadowStack) Pop() (guestRIP, hostRet uint64, ok bool) {
	if s.top == 0 {
		return 0, 0, false
	}
	s.top--
	f := s.frames[s.top]
	return f.guestRIP, f.hostRet, true
}

// Depth reports the number of live frames, for tests.
func (s *ShadowStack) Depth() int { return s.top }
