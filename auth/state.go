package auth

// State is the session state of a Service.
type State int

const (
	Anonymous State = iota
	Authenticated
	Refreshing
)

func (s State) String() string {
	switch s {
	case Authenticated:
		return "authenticated"
	case Refreshing:
		return "refreshing"
	default:
		return "anonymous"
	}
}

// StateChange is delivered to subscribers on every transition.
type StateChange struct {
	From   State
	To     State
	Reason string
}

// Subscribe registers fn for state changes and returns a func that removes
// it. fn runs synchronously on the goroutine that caused the transition and
// must not call back into the Service's mutating methods.
func (s *Service) Subscribe(fn func(StateChange)) (unsubscribe func()) {
	s.mu.Lock()
	id := s.nextObserver
	s.nextObserver++
	s.observers[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.observers, id)
		s.mu.Unlock()
	}
}

func (s *Service) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// transition must be called without s.mu held.
func (s *Service) transition(to State, reason string) {
	s.mu.Lock()
	from := s.state
	if from == to {
		s.mu.Unlock()
		return
	}
	s.state = to
	observers := make([]func(StateChange), 0, len(s.observers))
	for _, fn := range s.observers {
		observers = append(observers, fn)
	}
	s.mu.Unlock()

	s.log.Debug().Str("from", from.String()).Str("to", to.String()).Str("reason", reason).Msg("auth state changed")
	change := StateChange{From: from, To: to, Reason: reason}
	for _, fn := range observers {
		fn(change)
	}
}
