package nuqql

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

// Account is one configured backend account. The password is stored in the
// accounts file; after the first successful login the session keeps an
// access token next to it and the password is no longer sent.
type Account struct {
	ID       int    `json:"id"`
	Protocol string `json:"protocol"`
	User     string `json:"user"`
	Password string `json:"password"`
}

// Name returns the account's display name used in the account listing.
func (a Account) Name() string {
	return a.User
}

// AccountStore persists accounts as JSON in the working directory. All
// methods are safe for concurrent use.
type AccountStore struct {
	mu       sync.Mutex
	path     string
	accounts map[int]Account
}

const accountsFile = "accounts.json"

// LoadAccountStore opens the account store in dir, reading the accounts
// file if it exists.
func LoadAccountStore(dir string) (*AccountStore, error) {
	store := &AccountStore{
		path:     filepath.Join(dir, accountsFile),
		accounts: make(map[int]Account),
	}

	data, err := os.ReadFile(store.path)
	if err != nil {
		if os.IsNotExist(err) {
			return store, nil
		}
		return nil, fmt.Errorf("error reading accounts file %s: %w", store.path, err)
	}

	var accounts []Account
	if err := json.Unmarshal(data, &accounts); err != nil {
		return nil, fmt.Errorf("error parsing accounts file %s: %w", store.path, err)
	}
	for _, a := range accounts {
		store.accounts[a.ID] = a
	}
	return store, nil
}

// Add stores a new account under the lowest free ID and returns it.
func (s *AccountStore) Add(protocol, user, password string) (Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := 0
	for {
		if _, taken := s.accounts[id]; !taken {
			break
		}
		id++
	}

	account := Account{ID: id, Protocol: protocol, User: user, Password: password}
	s.accounts[id] = account

	if err := s.save(); err != nil {
		delete(s.accounts, id)
		return Account{}, err
	}
	return account, nil
}

// Delete removes an account. Deleting an unknown ID is an error.
func (s *AccountStore) Delete(id int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	account, ok := s.accounts[id]
	if !ok {
		return fmt.Errorf("account %d not found", id)
	}
	delete(s.accounts, id)

	if err := s.save(); err != nil {
		s.accounts[id] = account
		return err
	}
	return nil
}

func (s *AccountStore) Get(id int) (Account, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	account, ok := s.accounts[id]
	return account, ok
}

// List returns all accounts ordered by ID.
func (s *AccountStore) List() []Account {
	s.mu.Lock()
	defer s.mu.Unlock()

	accounts := make([]Account, 0, len(s.accounts))
	for _, a := range s.accounts {
		accounts = append(accounts, a)
	}
	sort.Slice(accounts, func(i, j int) bool { return accounts[i].ID < accounts[j].ID })
	return accounts
}

// save writes the accounts file. Caller holds the lock. The file contains
// passwords, so it is not world readable.
func (s *AccountStore) save() error {
	accounts := make([]Account, 0, len(s.accounts))
	for _, a := range s.accounts {
		accounts = append(accounts, a)
	}
	sort.Slice(accounts, func(i, j int) bool { return accounts[i].ID < accounts[j].ID })

	data, err := json.MarshalIndent(accounts, "", "  ")
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return err
	}
	return os.WriteFile(s.path, data, 0o600)
}
