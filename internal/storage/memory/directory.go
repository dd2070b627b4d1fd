package memory

import (
	"context"
	"sync"

	"github.com/dmsync/internal/model"
	"github.com/dmsync/internal/storage"
)

// Directory контакты и профили в памяти (режим -dev без Redis, тесты).
// Контакт симметричен: AddContact(a, b) делает a и b контактами друг друга.
type Directory struct {
	mu       sync.RWMutex
	contacts map[string]map[string]struct{}
	profiles map[string]model.Profile
}

func NewDirectory() *Directory {
	return &Directory{
		contacts: make(map[string]map[string]struct{}),
		profiles: make(map[string]model.Profile),
	}
}

var _ storage.Directory = (*Directory)(nil)

func (d *Directory) Close() error { return nil }

func (d *Directory) IsContact(ctx context.Context, userID, otherID string) (bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.contacts[userID][otherID]
	return ok, nil
}

func (d *Directory) AddContact(ctx context.Context, userID, otherID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.link(userID, otherID)
	d.link(otherID, userID)
	return nil
}

func (d *Directory) link(a, b string) {
	set, ok := d.contacts[a]
	if !ok {
		set = make(map[string]struct{})
		d.contacts[a] = set
	}
	set[b] = struct{}{}
}

func (d *Directory) RemoveContact(ctx context.Context, userID, otherID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.contacts[userID], otherID)
	delete(d.contacts[otherID], userID)
	return nil
}

func (d *Directory) GetProfile(ctx context.Context, userID string) (*model.Profile, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	p, ok := d.profiles[userID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return &p, nil
}

func (d *Directory) PutProfile(ctx context.Context, p *model.Profile) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.profiles[p.ID] = *p
	return nil
}
