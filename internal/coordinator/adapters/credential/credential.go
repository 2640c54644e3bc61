// Package credential implements the narrow opaque store add_credentials and
// get actually need: create and retrieve a named, service-tagged payload,
// nothing else. Adapted from internal/credential's gorm repository pattern,
// deliberately dropping the OAuth flow, SSH-key/certificate inspection, and
// vault backup/rekey machinery that repository's HTTP handlers exposed —
// this coordinator never interprets credential material, it just stores
// what AgentCreator implementations were configured with and hands it back.
package credential

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/gridflow/coordinator/pkg/database"
	"github.com/gridflow/coordinator/pkg/logger"
	"github.com/gridflow/coordinator/pkg/repository"
)

var ErrNotFound = errors.New("credential not found")

// Row is the gorm model backing the credentials table. Payload is stored
// as opaque bytes; this package never parses it.
type Row struct {
	Name    string `gorm:"primaryKey"`
	Service string
	Payload []byte
}

func (Row) TableName() string { return "credentials" }

// Store implements ports.CredentialStore.
type Store struct {
	db  *database.DB
	log logger.Logger
}

func New(db *database.DB, log logger.Logger) (*Store, error) {
	if log == nil {
		log = logger.NewNop()
	}
	if err := db.Migrate(&Row{}); err != nil {
		return nil, err
	}
	return &Store{db: db, log: log}, nil
}

// Put creates or overwrites a named credential. Overwrite-on-create matches
// add_credentials being idempotent under retry, which the RPC caller
// expects since it cannot tell a lost-response retry from a genuine
// duplicate call.
func (s *Store) Put(ctx context.Context, name, service string, payload []byte) error {
	row := &Row{Name: name, Service: service, Payload: payload}
	if _, err := s.FindByID(ctx, name); errors.Is(err, repository.ErrNotFound) {
		return s.Create(ctx, row)
	}
	return s.Update(ctx, row)
}

func (s *Store) Get(ctx context.Context, name string) (string, []byte, error) {
	row, err := s.FindByID(ctx, name)
	if errors.Is(err, repository.ErrNotFound) {
		return "", nil, ErrNotFound
	}
	if err != nil {
		return "", nil, err
	}
	return row.Service, row.Payload, nil
}

// Create, Update, Delete, FindByID and FindAll implement
// repository.Repository[Row], the generic CRUD shape every gorm-backed store
// in this codebase exposes, so Store can be driven through that interface
// wherever a caller wants storage-agnostic access rather than the
// credential-specific Put/Get pair above.
func (s *Store) Create(ctx context.Context, row *Row) error {
	return s.db.WithContext(ctx).Create(row).Error
}

func (s *Store) Update(ctx context.Context, row *Row) error {
	return s.db.WithContext(ctx).Save(row).Error
}

func (s *Store) Delete(ctx context.Context, name string) error {
	return s.db.WithContext(ctx).Delete(&Row{}, "name = ?", name).Error
}

func (s *Store) FindByID(ctx context.Context, name string) (*Row, error) {
	var row Row
	err := s.db.WithContext(ctx).Where("name = ?", name).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, repository.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

func (s *Store) FindAll(ctx context.Context) ([]*Row, error) {
	var rows []*Row
	if err := s.db.WithContext(ctx).Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

var _ repository.Repository[Row] = (*Store)(nil)
