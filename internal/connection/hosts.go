package connection

// hostChooser walks one connect cycle: the primary host first, then each
// fallback in the shuffled order fixed by the client options.
type hostChooser struct {
	primary   string
	fallbacks []string
	next      int
	current   string
}

func newHostChooser(primary string, fallbacks []string) *hostChooser {
	return &hostChooser{
		primary:   primary,
		fallbacks: fallbacks,
		current:   primary,
	}
}

// reset starts a new cycle at the primary host.
func (h *hostChooser) reset() string {
	h.next = 0
	h.current = h.primary
	return h.current
}

// advance moves to the next untried fallback.
func (h *hostChooser) advance() (string, bool) {
	if h.next >= len(h.fallbacks) {
		return "", false
	}
	h.current = h.fallbacks[h.next]
	h.next++
	return h.current, true
}

func (h *hostChooser) onFallback() bool {
	return h.current != h.primary
}
