package relay

import (
	"log"

	"github.com/bulios/stocks/internal/domain/quote"
)

// Delta summarises the reference changes applied by one reconciliation.
type Delta struct {
	Added      []quote.Symbol
	Removed    []quote.Symbol
	Underflows int
}

// Reconciler keeps cache reference counts aligned with connection subscription sets.
type Reconciler struct {
	cache   *PriceCache
	logger  *log.Logger
	metrics *metrics
}

// NewReconciler binds a reconciler to the shared cache.
func NewReconciler(cache *PriceCache, logger *log.Logger) *Reconciler {
	if logger == nil {
		logger = log.Default()
	}
	return &Reconciler{cache: cache, logger: logger, metrics: nil}
}

// Reconcile moves a connection from previous to next: symbols only in previous lose a reference,
// symbols only in next gain one, shared symbols are untouched.
func (r *Reconciler) Reconcile(previous, next quote.SymbolSet) Delta {
	delta := Delta{
		Added:      next.Difference(previous),
		Removed:    previous.Difference(next),
		Underflows: 0,
	}
	for _, sym := range delta.Removed {
		if _, err := r.cache.DecrementRef(sym); err != nil {
			delta.Underflows++
			r.metrics.recordUnderflow(sym)
			r.logger.Printf("relay: reconcile: %v", err)
		}
	}
	for _, sym := range delta.Added {
		r.cache.IncrementRef(sym)
	}
	return delta
}
