package roles

import (
	"errors"
	"sync"

	"github.com/lcanady/backr-sub001/pkg/models"
)

var ErrUnauthorized = errors.New("caller lacks required role")

// Registry maps roles to principal sets. Grant and revoke are gated on
// the administrative role; the deployer passed to New holds it implicitly
// until explicit admins exist.
type Registry struct {
	mu       sync.RWMutex
	deployer models.Principal
	grants   map[models.Role]map[models.Principal]struct{}
}

func New(deployer models.Principal) *Registry {
	return &Registry{
		deployer: deployer,
		grants:   map[models.Role]map[models.Principal]struct{}{},
	}
}

// Grant assigns role to principal. Idempotent.
func (r *Registry) Grant(caller models.Principal, role models.Role, principal models.Principal) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.isAdminLocked(caller) {
		return ErrUnauthorized
	}
	set, ok := r.grants[role]
	if !ok {
		set = map[models.Principal]struct{}{}
		r.grants[role] = set
	}
	set[principal] = struct{}{}
	return nil
}

// Revoke removes role from principal. Idempotent: revoking an absent
// grant is not an error.
func (r *Registry) Revoke(caller models.Principal, role models.Role, principal models.Principal) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.isAdminLocked(caller) {
		return ErrUnauthorized
	}
	if set, ok := r.grants[role]; ok {
		delete(set, principal)
		if len(set) == 0 {
			delete(r.grants, role)
		}
	}
	return nil
}

// Has reports whether principal holds role. Pure lookup.
func (r *Registry) Has(role models.Role, principal models.Principal) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if role == models.RoleAdmin && r.isAdminLocked(principal) {
		return true
	}
	_, ok := r.grants[role][principal]
	return ok
}

// Require returns ErrUnauthorized unless principal holds role.
func (r *Registry) Require(role models.Role, principal models.Principal) error {
	if !r.Has(role, principal) {
		return ErrUnauthorized
	}
	return nil
}

// Members returns the principals currently holding role.
func (r *Registry) Members(role models.Role) []models.Principal {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.Principal, 0, len(r.grants[role]))
	for p := range r.grants[role] {
		out = append(out, p)
	}
	return out
}

// The deployer bootstrap only applies while no explicit admin has been
// granted; once the admin set is non-empty it alone governs.
func (r *Registry) isAdminLocked(principal models.Principal) bool {
	admins := r.grants[models.RoleAdmin]
	if len(admins) == 0 {
		return principal == r.deployer
	}
	_, ok := admins[principal]
	return ok
}
