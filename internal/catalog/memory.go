package catalog

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"subscribe-service/internal/model"
	"subscribe-service/pkg/sentinel"
)

// Memory is an in-process catalog for tests and local runs.
type Memory struct {
	mu         sync.RWMutex
	objects    map[string]model.CatalogObject
	groupSets  map[string][]string
	members    map[string]map[string]bool
	activities []model.Activity
}

func NewMemory() *Memory {
	return &Memory{
		objects:   make(map[string]model.CatalogObject),
		groupSets: make(map[string][]string),
		members:   make(map[string]map[string]bool),
	}
}

// AddObject registers obj. Datasets with an OwnerOrg are listed under that organization.
func (m *Memory) AddObject(obj model.CatalogObject) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[obj.ID] = obj
}

// AddToGroup makes datasetID a member of groupID.
func (m *Memory) AddToGroup(groupID, datasetID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.groupSets[groupID] = append(m.groupSets[groupID], datasetID)
}

// AddMember grants userName read access to the organization's private datasets.
func (m *Memory) AddMember(orgID, userName string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.members[orgID] == nil {
		m.members[orgID] = make(map[string]bool)
	}
	m.members[orgID][userName] = true
}

func (m *Memory) AddActivity(a model.Activity) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	m.activities = append(m.activities, a)
}

func (m *Memory) Resolve(_ context.Context, ref model.TargetRef) (*model.CatalogObject, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	match := func(obj model.CatalogObject) bool {
		if ref.Type == model.ObjectDataset {
			return obj.Type == model.ObjectDataset
		}
		return obj.Type == model.ObjectGroup || obj.Type == model.ObjectOrganization
	}

	if obj, ok := m.objects[ref.Ref]; ok && match(obj) {
		return &obj, nil
	}
	for _, obj := range m.objects {
		if obj.Name == ref.Ref && match(obj) {
			return &obj, nil
		}
	}
	return nil, sentinel.ErrNotFound
}

func (m *Memory) CheckReadAccess(_ context.Context, actor model.Actor, obj *model.CatalogObject) (bool, error) {
	if !obj.Private || actor.Sysadmin {
		return true, nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return actor.Name != "" && m.members[obj.OwnerOrg][actor.Name], nil
}

func (m *Memory) DatasetIDsIn(_ context.Context, target model.Target) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	switch target.Type {
	case model.ObjectOrganization:
		var ids []string
		for _, obj := range m.objects {
			if obj.Type == model.ObjectDataset && obj.OwnerOrg == target.ID {
				ids = append(ids, obj.ID)
			}
		}
		sort.Strings(ids)
		return ids, nil
	case model.ObjectGroup:
		return append([]string(nil), m.groupSets[target.ID]...), nil
	default:
		return nil, nil
	}
}

func (m *Memory) ActivitiesSince(_ context.Context, objectIDs []string, since, until time.Time) ([]model.Activity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	wanted := make(map[string]bool, len(objectIDs))
	for _, id := range objectIDs {
		wanted[id] = true
	}

	var out []model.Activity
	for _, a := range m.activities {
		if wanted[a.ObjectID] && a.Timestamp.After(since) && !a.Timestamp.After(until) {
			out = append(out, a)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

func (m *Memory) InsertTestActivity(ctx context.Context, ref string, userID string) (*model.Activity, error) {
	obj, err := m.Resolve(ctx, model.TargetRef{Type: model.ObjectDataset, Ref: ref})
	if err != nil {
		obj, err = m.Resolve(ctx, model.TargetRef{Type: model.ObjectGroup, Ref: ref})
	}
	if err != nil {
		return nil, err
	}

	a := model.Activity{
		ID:           uuid.NewString(),
		ObjectID:     obj.ID,
		ActivityType: TestActivityType,
		UserID:       userID,
		Timestamp:    time.Now().UTC(),
	}
	m.AddActivity(a)
	return &a, nil
}

func (m *Memory) DeleteTestActivity(_ context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	kept := m.activities[:0]
	var n int64
	for _, a := range m.activities {
		if a.ActivityType == TestActivityType {
			n++
			continue
		}
		kept = append(kept, a)
	}
	m.activities = kept
	return n, nil
}
