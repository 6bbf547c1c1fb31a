// Package profile holds the host's user profiles.
package profile

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/goatkit/walletplug/pkg/plugin"
)

// ErrNotFound is returned for unknown profile IDs.
var ErrNotFound = errors.New("profile not found")

// Profile is a host profile as configured by the user.
type Profile struct {
	ProfileID   string          `mapstructure:"id"                json:"id"`
	DisplayName string          `mapstructure:"name"              json:"name"`
	WalletList  []plugin.Wallet `mapstructure:"wallets"           json:"wallets"`
	Currency    string          `mapstructure:"exchange_currency" json:"exchangeCurrency"`
	LocaleTag   string          `mapstructure:"locale"            json:"locale"`
}

func (p *Profile) ID() string               { return p.ProfileID }
func (p *Profile) Name() string             { return p.DisplayName }
func (p *Profile) ExchangeCurrency() string { return p.Currency }
func (p *Profile) Locale() string           { return p.LocaleTag }

// Wallets returns a copy of the profile's wallets.
func (p *Profile) Wallets() []plugin.Wallet {
	return append([]plugin.Wallet(nil), p.WalletList...)
}

var _ plugin.Profile = (*Profile)(nil)

// Repository is an in-memory set of profiles keyed by ID.
type Repository struct {
	mu       sync.RWMutex
	profiles map[string]*Profile
}

// NewRepository indexes profiles. Profiles with an empty or repeated ID are
// rejected.
func NewRepository(profiles []Profile) (*Repository, error) {
	r := &Repository{profiles: make(map[string]*Profile, len(profiles))}
	for i := range profiles {
		p := profiles[i]
		if p.ProfileID == "" {
			return nil, fmt.Errorf("profile %d: empty id", i)
		}
		if _, dup := r.profiles[p.ProfileID]; dup {
			return nil, fmt.Errorf("profile %q defined twice", p.ProfileID)
		}
		if p.DisplayName == "" {
			p.DisplayName = p.ProfileID
		}
		r.profiles[p.ProfileID] = &p
	}
	return r, nil
}

// Get returns the profile with id.
func (r *Repository) Get(id string) (*Profile, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.profiles[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	return p, nil
}

// List returns all profiles sorted by ID.
func (r *Repository) List() []*Profile {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Profile, 0, len(r.profiles))
	for _, p := range r.profiles {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProfileID < out[j].ProfileID })
	return out
}

// Put adds or replaces a profile.
func (r *Repository) Put(p Profile) error {
	if p.ProfileID == "" {
		return errors.New("profile: empty id")
	}
	if p.DisplayName == "" {
		p.DisplayName = p.ProfileID
	}
	r.mu.Lock()
	r.profiles[p.ProfileID] = &p
	r.mu.Unlock()
	return nil
}
