package entitlement

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/rickgao/mdregistry/internal/model"
)

// File is the on-disk entitlement configuration.
type File struct {
	Entries  []FileEntry   `yaml:"entries"`
	Accounts []FileAccount `yaml:"accounts"`
}

// FileEntry is the YAML form of Entry.
type FileEntry struct {
	Name          string      `yaml:"name"`
	Price         string      `yaml:"price"`
	Currency      string      `yaml:"currency"`
	Group         string      `yaml:"group"`
	Applicability []FileGrant `yaml:"applicability"`
}

// FileGrant grants types for one key. An empty source means the destination.
type FileGrant struct {
	Destination string   `yaml:"destination"`
	Source      string   `yaml:"source"`
	Types       []string `yaml:"types"`
}

// FileAccount is the YAML form of Account.
type FileAccount struct {
	Name    string   `yaml:"name"`
	Groups  []string `yaml:"groups"`
	Service bool     `yaml:"service"`
}

// LoadFile reads an entitlement file and builds the database and directory.
func LoadFile(path string) (*Database, *Directory, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("read entitlements file: %w", err)
	}
	return Parse(data)
}

// Parse builds the database and directory from YAML.
func Parse(data []byte) (*Database, *Directory, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, nil, fmt.Errorf("parse entitlements yaml: %w", err)
	}

	db := NewDatabase()
	for i, fe := range f.Entries {
		entry, err := fe.toEntry()
		if err != nil {
			return nil, nil, fmt.Errorf("entries[%d]: %w", i, err)
		}
		if err := db.Add(entry); err != nil {
			return nil, nil, fmt.Errorf("entries[%d]: %w", i, err)
		}
	}

	dir := NewDirectory()
	for i, fa := range f.Accounts {
		if fa.Name == "" {
			return nil, nil, fmt.Errorf("accounts[%d]: name is required", i)
		}
		dir.Put(Account{Name: fa.Name, Groups: fa.Groups, Service: fa.Service})
	}

	return db, dir, nil
}

func (fe FileEntry) toEntry() (Entry, error) {
	entry := Entry{
		Name:          fe.Name,
		Currency:      fe.Currency,
		Group:         fe.Group,
		Price:         model.Zero,
		Applicability: make(map[Key]TypeSet, len(fe.Applicability)),
	}
	if fe.Price != "" {
		price, err := model.ParseMoney(fe.Price)
		if err != nil {
			return Entry{}, fmt.Errorf("price %q: %w", fe.Price, err)
		}
		entry.Price = price
	}

	for _, g := range fe.Applicability {
		if g.Destination == "" {
			return Entry{}, fmt.Errorf("applicability destination is required")
		}
		key := NewKey(model.Venue(g.Destination))
		if g.Source != "" {
			key.Source = model.Venue(g.Source)
		}
		for _, name := range g.Types {
			t, err := model.ParseMarketDataType(name)
			if err != nil {
				return Entry{}, err
			}
			entry.Applicability[key] |= NewTypeSet(t)
		}
	}
	return entry, nil
}
