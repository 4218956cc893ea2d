package guard

import (
	"fmt"
	"sync"

	"github.com/lcanady/backr-sub001/pkg/models"
)

// kindSet enforces that each operation is guarded by exactly one policy
// kind. Reconfiguring the same kind is allowed; switching kinds is a
// configuration error.
type kindSet struct {
	mu    sync.Mutex
	kinds map[models.OperationID]models.PolicyKind
}

func newKindSet() *kindSet {
	return &kindSet{kinds: map[models.OperationID]models.PolicyKind{}}
}

// claim reserves kind for op and reports whether the reservation is new.
func (k *kindSet) claim(op models.OperationID, kind models.PolicyKind) (bool, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if existing, ok := k.kinds[op]; ok {
		if existing != kind {
			return false, fmt.Errorf("%w: operation %s already configured as %s", ErrInvalidConfig, op, existing)
		}
		return false, nil
	}
	k.kinds[op] = kind
	return true, nil
}

// release undoes a new claim whose component-level configure failed.
func (k *kindSet) release(op models.OperationID) {
	k.mu.Lock()
	defer k.mu.Unlock()
	delete(k.kinds, op)
}

func (k *kindSet) kind(op models.OperationID) models.PolicyKind {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.kinds[op]
}
