// Package metrics records token cache, payment and callback counters.
package metrics

// Recorder receives domain events worth counting. Implementations must be
// safe for concurrent use.
type Recorder interface {
	TokenCacheHit()
	TokenFetched(ok bool)
	PaymentSubmitted(status string)
	CallbackReconciled(outcome string)
}

// Nop discards everything.
type Nop struct{}

func (Nop) TokenCacheHit()            {}
func (Nop) TokenFetched(bool)         {}
func (Nop) PaymentSubmitted(string)   {}
func (Nop) CallbackReconciled(string) {}

type multi []Recorder

// Multi fans every event out to each recorder. nil recorders are skipped.
func Multi(recorders ...Recorder) Recorder {
	out := make(multi, 0, len(recorders))
	for _, r := range recorders {
		if r != nil {
			out = append(out, r)
		}
	}
	return out
}

func (m multi) TokenCacheHit() {
	for _, r := range m {
		r.TokenCacheHit()
	}
}

func (m multi) TokenFetched(ok bool) {
	for _, r := range m {
		r.TokenFetched(ok)
	}
}

func (m multi) PaymentSubmitted(status string) {
	for _, r := range m {
		r.PaymentSubmitted(status)
	}
}

func (m multi) CallbackReconciled(outcome string) {
	for _, r := range m {
		r.CallbackReconciled(outcome)
	}
}
