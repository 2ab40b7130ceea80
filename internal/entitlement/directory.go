package entitlement

import "sync"

// Account describes a login and the groups it belongs to.
type Account struct {
	Name   string
	Groups []string

	// Service accounts (other platform services) receive every entry.
	Service bool
}

// Directory maps account names to accounts.
type Directory struct {
	mu       sync.RWMutex
	accounts map[string]Account
}

// NewDirectory creates a directory holding the given accounts.
func NewDirectory(accounts ...Account) *Directory {
	d := &Directory{accounts: make(map[string]Account, len(accounts))}
	for _, a := range accounts {
		d.accounts[a.Name] = a
	}
	return d
}

// Lookup returns the account by name.
func (d *Directory) Lookup(name string) (Account, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	a, ok := d.accounts[name]
	return a, ok
}

// Put adds or replaces an account.
func (d *Directory) Put(a Account) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.accounts[a.Name] = a
}

// Len returns the number of accounts.
func (d *Directory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.accounts)
}

// ResolveAccount builds the Set for the named account. Unknown accounts get
// an empty set.
func ResolveAccount(db *Database, dir *Directory, name string) Set {
	if dir == nil {
		return Set{}
	}
	a, ok := dir.Lookup(name)
	if !ok {
		return Set{}
	}
	if a.Service {
		return ResolveAll(db)
	}
	return Resolve(db, a.Groups)
}
