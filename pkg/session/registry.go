package session

import (
	"sync"

	"github.com/nuqql/matrixd/pkg/logger"
)

// Registry tracks the running supervisor of each account. Removing an
// account stops its goroutine and deletes its persisted credentials and
// sync token.
type Registry struct {
	dir    string
	tokens *TokenStore

	mu          sync.Mutex
	supervisors map[int]*Supervisor
}

func NewRegistry(dir string, tokens *TokenStore) *Registry {
	return &Registry{
		dir:         dir,
		tokens:      tokens,
		supervisors: make(map[int]*Supervisor),
	}
}

// Add registers and starts a supervisor for the account.
func (r *Registry) Add(accountID int, supervisor *Supervisor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if previous, ok := r.supervisors[accountID]; ok {
		previous.Stop()
	}
	r.supervisors[accountID] = supervisor
	supervisor.Start()
}

func (r *Registry) Get(accountID int) (*Supervisor, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	supervisor, ok := r.supervisors[accountID]
	return supervisor, ok
}

// Remove stops the account's supervisor and deletes its persisted state.
// Removing an unknown account still cleans up leftover files.
func (r *Registry) Remove(accountID int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if supervisor, ok := r.supervisors[accountID]; ok {
		supervisor.Stop()
		delete(r.supervisors, accountID)
	}
	r.tokens.Delete(accountID)
	deleteCredentials(r.dir, accountID)
	logger.InfoCF("registry", "account session removed", map[string]any{"account": accountID})
}

// StopAll stops every supervisor, used during daemon shutdown.
func (r *Registry) StopAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, supervisor := range r.supervisors {
		supervisor.Stop()
		delete(r.supervisors, id)
	}
}
