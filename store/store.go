package store

import (
	"context"

	"github.com/ishenli/investment-agent/internal/profile"
)

// Driver is the database specific persistence backend.
type Driver interface {
	Close() error
	Migrate(ctx context.Context) error

	CreateChatMessage(ctx context.Context, create *CreateChatMessage) (*ChatMessage, error)
	UpdateChatMessage(ctx context.Context, update *UpdateChatMessage) error
	ListChatMessages(ctx context.Context, find *FindChatMessage) ([]*ChatMessage, error)
	DeleteChatMessages(ctx context.Context, delete *DeleteChatMessages) error

	UpsertChatTopicSummary(ctx context.Context, upsert *UpsertChatTopicSummary) error
	GetChatTopic(ctx context.Context, find *FindChatTopic) (*ChatTopic, error)
}

// Store provides database access to all raw objects.
type Store struct {
	profile *profile.Profile
	driver  Driver
}

// New creates a new instance of Store.
func New(driver Driver, profile *profile.Profile) *Store {
	return &Store{
		driver:  driver,
		profile: profile,
	}
}

func (s *Store) GetDriver() Driver {
	return s.driver
}

func (s *Store) Close() error {
	return s.driver.Close()
}

// Migrate creates the schema when missing.
func (s *Store) Migrate(ctx context.Context) error {
	return s.driver.Migrate(ctx)
}

func (s *Store) CreateChatMessage(ctx context.Context, create *CreateChatMessage) (*ChatMessage, error) {
	return s.driver.CreateChatMessage(ctx, create)
}

func (s *Store) UpdateChatMessage(ctx context.Context, update *UpdateChatMessage) error {
	return s.driver.UpdateChatMessage(ctx, update)
}

func (s *Store) ListChatMessages(ctx context.Context, find *FindChatMessage) ([]*ChatMessage, error) {
	return s.driver.ListChatMessages(ctx, find)
}

func (s *Store) DeleteChatMessages(ctx context.Context, delete *DeleteChatMessages) error {
	if len(delete.IDs) == 0 {
		return nil
	}
	return s.driver.DeleteChatMessages(ctx, delete)
}

func (s *Store) UpsertChatTopicSummary(ctx context.Context, upsert *UpsertChatTopicSummary) error {
	return s.driver.UpsertChatTopicSummary(ctx, upsert)
}

// GetChatTopic returns nil without error when the topic has no row yet.
func (s *Store) GetChatTopic(ctx context.Context, find *FindChatTopic) (*ChatTopic, error) {
	return s.driver.GetChatTopic(ctx, find)
}
