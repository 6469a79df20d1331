package rbac

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-process Store. It does not implement Transactor, so the
// admin workflow runs against it in two phases with compensation. Failures can
// be injected per operation with FailOn.
type MemoryStore struct {
	mu      sync.Mutex
	admins  map[string]AdminRecord
	members map[string]MemberRecord
	fail    map[string]error
	calls   map[string]int
	now     func() time.Time
}

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		admins:  make(map[string]AdminRecord),
		members: make(map[string]MemberRecord),
		fail:    make(map[string]error),
		calls:   make(map[string]int),
		now:     time.Now,
	}
}

// Operation names accepted by FailOn and Calls
const (
	OpGetAdmin               = "get_admin"
	OpGetMember              = "get_member"
	OpInsertAdmin            = "insert_admin"
	OpDeleteAdmin            = "delete_admin"
	OpInsertMember           = "insert_member"
	OpDeleteMember           = "delete_member"
	OpUpdateAdminPermissions = "update_admin_permissions"
	OpListAdmins             = "list_admins"
	OpListMembers            = "list_members"
	OpFindOverlaps           = "find_overlaps"
)

// FailOn makes op return err, wrapped as a backing store failure, until cleared
// with a nil err.
func (s *MemoryStore) FailOn(op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.fail, op)
		return
	}
	s.fail[op] = err
}

// Calls reports how many times op was invoked
func (s *MemoryStore) Calls(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

// PutAdmin seeds an admin record, bypassing the disjointness checks
func (s *MemoryStore) PutAdmin(a AdminRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.admins[a.ID] = a
}

// PutMember seeds a member record, bypassing the disjointness checks
func (s *MemoryStore) PutMember(m MemberRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.members[m.ID] = m
}

// enter records the call and returns the injected failure, if any. Callers hold mu.
func (s *MemoryStore) enter(op string) error {
	s.calls[op]++
	if err, ok := s.fail[op]; ok {
		return storeErr(op, err)
	}
	return nil
}

func (s *MemoryStore) GetAdmin(ctx context.Context, userID string) (*AdminRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(OpGetAdmin); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, storeErr(OpGetAdmin, err)
	}
	a, ok := s.admins[userID]
	if !ok {
		return nil, ErrNotFound
	}
	return &a, nil
}

func (s *MemoryStore) GetMember(ctx context.Context, userID string) (*MemberRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(OpGetMember); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, storeErr(OpGetMember, err)
	}
	m, ok := s.members[userID]
	if !ok {
		return nil, ErrNotFound
	}
	m.Role = NormalizeStoredRole(string(m.Role))
	return &m, nil
}

func (s *MemoryStore) InsertAdmin(ctx context.Context, admin *AdminRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(OpInsertAdmin); err != nil {
		return err
	}
	if _, ok := s.admins[admin.ID]; ok {
		return storeErr(OpInsertAdmin, fmt.Errorf("duplicate admin %s", admin.ID))
	}
	now := s.now().UTC()
	admin.CreatedAt, admin.UpdatedAt = now, now
	s.admins[admin.ID] = *admin
	return nil
}

func (s *MemoryStore) DeleteAdmin(ctx context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(OpDeleteAdmin); err != nil {
		return err
	}
	if _, ok := s.admins[userID]; !ok {
		return ErrNotFound
	}
	delete(s.admins, userID)
	return nil
}

func (s *MemoryStore) InsertMember(ctx context.Context, member *MemberRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(OpInsertMember); err != nil {
		return err
	}
	if _, ok := s.members[member.ID]; ok {
		return storeErr(OpInsertMember, fmt.Errorf("duplicate member %s", member.ID))
	}
	now := s.now().UTC()
	member.CreatedAt, member.UpdatedAt = now, now
	s.members[member.ID] = *member
	return nil
}

func (s *MemoryStore) DeleteMember(ctx context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(OpDeleteMember); err != nil {
		return err
	}
	if _, ok := s.members[userID]; !ok {
		return ErrNotFound
	}
	delete(s.members, userID)
	return nil
}

func (s *MemoryStore) UpdateAdminPermissions(ctx context.Context, userID string, perms AdminPermissions) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(OpUpdateAdminPermissions); err != nil {
		return err
	}
	a, ok := s.admins[userID]
	if !ok || a.IsSuperAdmin {
		return ErrNotFound
	}
	a.Permissions = perms
	a.UpdatedAt = s.now().UTC()
	s.admins[userID] = a
	return nil
}

func (s *MemoryStore) ListAdmins(ctx context.Context) ([]*AdminRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(OpListAdmins); err != nil {
		return nil, err
	}
	out := make([]*AdminRecord, 0, len(s.admins))
	for _, a := range s.admins {
		a := a
		out = append(out, &a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) ListMembers(ctx context.Context) ([]*MemberRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(OpListMembers); err != nil {
		return nil, err
	}
	out := make([]*MemberRecord, 0, len(s.members))
	for _, m := range s.members {
		m := m
		out = append(out, &m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) FindOverlaps(ctx context.Context) ([]Overlap, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(OpFindOverlaps); err != nil {
		return nil, err
	}
	var out []Overlap
	for id, a := range s.admins {
		if m, ok := s.members[id]; ok {
			a, m := a, m
			out = append(out, Overlap{Admin: &a, Member: &m})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Admin.ID < out[j].Admin.ID })
	return out, nil
}
