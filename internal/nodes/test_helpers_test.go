package nodes

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/canopy/backend/internal/events"
	"github.com/MarcoPoloResearchLab/canopy/backend/internal/schema"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

const testWorkspaceID = "ws-1"

type sequentialIDProvider struct {
	mu     sync.Mutex
	prefix string
	next   int
}

func (p *sequentialIDProvider) NewID() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.next++
	return fmt.Sprintf("%s-%03d", p.prefix, p.next), nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *recordingPublisher) Publish(event events.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
}

func (p *recordingPublisher) ofType(eventType events.Type) []events.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	var matched []events.Event
	for _, event := range p.events {
		if event.Type == eventType {
			matched = append(matched, event)
		}
	}
	return matched
}

func newTestDatabase(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:canopy_nodes_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(Models()...); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	t.Cleanup(func() {
		_ = sqlDB.Close()
	})
	return db
}

func newTestService(t *testing.T) (*Service, *gorm.DB, *recordingPublisher) {
	t.Helper()
	db := newTestDatabase(t)
	publisher := &recordingPublisher{}
	service, err := NewService(ServiceConfig{
		Database:   db,
		IDProvider: &sequentialIDProvider{prefix: "tx"},
		Publisher:  publisher,
		Clock: func() time.Time {
			return time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
		},
	})
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}
	return service, db, publisher
}

func mustCreateNode(t *testing.T, service *Service, input CreateNodeInput) Node {
	t.Helper()
	if input.WorkspaceID == "" {
		input.WorkspaceID = testWorkspaceID
	}
	if input.CreatedBy == "" {
		input.CreatedBy = "system"
	}
	node, err := service.CreateNode(context.Background(), input)
	if err != nil {
		t.Fatalf("create %s failed: %v", input.ID, err)
	}
	return node
}

func spaceAttributes(name string, collaborators map[string]schema.Role) schema.Attributes {
	grants := map[string]any{}
	for userID, role := range collaborators {
		grants[userID] = string(role)
	}
	return schema.Attributes{"name": name, "collaborators": grants}
}

func folderAttributes(name string, collaborators map[string]schema.Role) schema.Attributes {
	attributes := schema.Attributes{"name": name}
	if len(collaborators) > 0 {
		grants := map[string]any{}
		for userID, role := range collaborators {
			grants[userID] = string(role)
		}
		attributes["collaborators"] = grants
	}
	return attributes
}

func mustRoles(t *testing.T, db *gorm.DB, userID, nodeID string) map[string]schema.Role {
	t.Helper()
	var collaboration Collaboration
	if err := db.Where("user_id = ? AND node_id = ?", userID, nodeID).Take(&collaboration).Error; err != nil {
		t.Fatalf("collaboration (%s, %s) missing: %v", userID, nodeID, err)
	}
	roles, err := DecodeRoles(collaboration.Roles)
	if err != nil {
		t.Fatalf("failed to decode roles: %v", err)
	}
	return roles
}

func collaborationExists(t *testing.T, db *gorm.DB, userID, nodeID string) bool {
	t.Helper()
	var count int64
	if err := db.Model(&Collaboration{}).Where("user_id = ? AND node_id = ?", userID, nodeID).Count(&count).Error; err != nil {
		t.Fatalf("count failed: %v", err)
	}
	return count > 0
}

func removeCollaborator(userID string) Transform {
	return func(current schema.Attributes) (schema.Attributes, bool) {
		collaborators, ok := current["collaborators"].(map[string]any)
		if !ok {
			return nil, false
		}
		delete(collaborators, userID)
		return current, true
	}
}

func setAttribute(key string, value any) Transform {
	return func(current schema.Attributes) (schema.Attributes, bool) {
		current[key] = value
		return current, true
	}
}

// buildTree creates space A (u-owner admin, u1 editor), folder F under A (u1 viewer, u2 editor)
// and page P under F.
func buildTree(t *testing.T, service *Service) (Node, Node, Node) {
	t.Helper()
	space := mustCreateNode(t, service, CreateNodeInput{
		ID:         "node-a",
		Type:       schema.TypeSpace,
		Attributes: spaceAttributes("A", map[string]schema.Role{"u-owner": schema.RoleAdmin, "u1": schema.RoleEditor}),
	})
	folder := mustCreateNode(t, service, CreateNodeInput{
		ID:         "node-f",
		ParentID:   space.ID,
		Type:       schema.TypeFolder,
		Attributes: folderAttributes("F", map[string]schema.Role{"u1": schema.RoleViewer, "u2": schema.RoleEditor}),
	})
	page := mustCreateNode(t, service, CreateNodeInput{
		ID:         "node-p",
		ParentID:   folder.ID,
		Type:       schema.TypePage,
		Attributes: schema.Attributes{"name": "P"},
	})
	return space, folder, page
}
