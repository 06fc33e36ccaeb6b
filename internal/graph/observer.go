package graph

// Observer receives state colour changes. Calls are fire-and-forget and are
// made on the scheduler's goroutine.
type Observer interface {
	StateActive(name string)
	StatePending(name string)
	StateInactive(name string)
}

type NopObserver struct{}

func (NopObserver) StateActive(string)   {}
func (NopObserver) StatePending(string)  {}
func (NopObserver) StateInactive(string) {}

// Observers fans every call out in order.
type Observers []Observer

func (os Observers) StateActive(name string) {
	for _, o := range os {
		o.StateActive(name)
	}
}

func (os Observers) StatePending(name string) {
	for _, o := range os {
		o.StatePending(name)
	}
}

func (os Observers) StateInactive(name string) {
	for _, o := range os {
		o.StateInactive(name)
	}
}
