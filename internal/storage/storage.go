// Package storage persists the badge graph and extensions with gorm, on
// sqlite for development and tests and postgres in production.
package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"github.com/badgehub/badgehub-core/pkg/badge"
	"github.com/badgehub/badgehub-core/pkg/extension"
	"github.com/badgehub/badgehub-core/pkg/store"
)

// Drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Store implements store.Store and extension.Store on a gorm database.
type Store struct {
	db     *gorm.DB
	logger *zap.Logger
}

var (
	_ store.Store     = (*Store)(nil)
	_ extension.Store = (*Store)(nil)
)

// Open connects to the database and migrates the schema.
func Open(driver, dsn string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	var dialector gorm.Dialector
	switch driver {
	case DriverSQLite:
		dialector = sqlite.Open(dsn)
	case DriverPostgres:
		dialector = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if driver == DriverSQLite && strings.Contains(dsn, ":memory:") {
		// Every connection to :memory: is a separate database.
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(1)
	}
	return New(db, logger)
}

// New wraps an open database and migrates the schema.
func New(db *gorm.DB, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := db.AutoMigrate(&issuerRow{}, &badgeClassRow{}, &assertionRow{}, &publicKeyRow{}, &extensionRow{}); err != nil {
		return nil, fmt.Errorf("migration failed: %w", err)
	}
	return &Store{db: db, logger: logger}, nil
}

// Health pings the database.
func (s *Store) Health(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func notFound(what, id string, err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return badge.WrapError(badge.ErrCodeNotFound, fmt.Sprintf("%s %s not found", what, id), nil)
	}
	return fmt.Errorf("load %s %s: %w", what, id, err)
}

func (s *Store) GetIssuer(ctx context.Context, entityID string) (*badge.Issuer, error) {
	var row issuerRow
	if err := s.db.WithContext(ctx).First(&row, "entity_id = ?", entityID).Error; err != nil {
		return nil, notFound("issuer", entityID, err)
	}
	return row.toIssuer()
}

func (s *Store) GetBadgeClass(ctx context.Context, entityID string) (*badge.BadgeClass, error) {
	var row badgeClassRow
	if err := s.db.WithContext(ctx).First(&row, "entity_id = ?", entityID).Error; err != nil {
		return nil, notFound("badge class", entityID, err)
	}
	iss, err := s.GetIssuer(ctx, row.IssuerEntityID)
	if err != nil {
		return nil, err
	}
	return row.toBadgeClass(iss)
}

func (s *Store) GetAssertion(ctx context.Context, entityID string) (*badge.Assertion, error) {
	var row assertionRow
	if err := s.db.WithContext(ctx).First(&row, "entity_id = ?", entityID).Error; err != nil {
		return nil, notFound("assertion", entityID, err)
	}
	bc, err := s.GetBadgeClass(ctx, row.BadgeClassEntityID)
	if err != nil {
		return nil, err
	}
	return s.assertion(ctx, &row, bc)
}

func (s *Store) assertion(ctx context.Context, row *assertionRow, bc *badge.BadgeClass) (*badge.Assertion, error) {
	var key *badge.PublicKeyIssuer
	if row.PublicKeyEntityID != nil {
		k, err := s.GetPublicKey(ctx, *row.PublicKeyEntityID)
		if err != nil {
			return nil, err
		}
		key = k
	}
	return row.toAssertion(bc, key)
}

func (s *Store) GetPublicKey(ctx context.Context, entityID string) (*badge.PublicKeyIssuer, error) {
	var row publicKeyRow
	if err := s.db.WithContext(ctx).First(&row, "entity_id = ?", entityID).Error; err != nil {
		return nil, notFound("public key", entityID, err)
	}
	return &badge.PublicKeyIssuer{
		EntityID:       row.EntityID,
		IssuerEntityID: row.IssuerEntityID,
		KeyURL:         row.KeyURL,
		KeyID:          row.KeyID,
	}, nil
}

func (s *Store) SaveIssuer(ctx context.Context, i *badge.Issuer) error {
	row, err := toIssuerRow(i)
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).Save(row).Error
}

func (s *Store) SaveBadgeClass(ctx context.Context, bc *badge.BadgeClass) error {
	row, err := toBadgeClassRow(bc)
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).Save(row).Error
}

func (s *Store) SaveAssertion(ctx context.Context, a *badge.Assertion) error {
	row, err := toAssertionRow(a)
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).Save(row).Error
}

func (s *Store) SavePublicKey(ctx context.Context, k *badge.PublicKeyIssuer) error {
	return s.db.WithContext(ctx).Save(&publicKeyRow{
		EntityID:       k.EntityID,
		IssuerEntityID: k.IssuerEntityID,
		KeyURL:         k.KeyURL,
		KeyID:          k.KeyID,
	}).Error
}

// UpsertIssuer inserts i unless an issuer with the same source URL exists,
// in which case the stored issuer is returned.
func (s *Store) UpsertIssuer(ctx context.Context, i *badge.Issuer) (*badge.Issuer, bool, error) {
	row, err := toIssuerRow(i)
	if err != nil {
		return nil, false, err
	}
	created, err := s.insertOrIgnore(ctx, row)
	if err != nil || created || i.SourceURL == "" {
		return i, created, err
	}
	var existing issuerRow
	if err := s.db.WithContext(ctx).First(&existing, "source_url = ?", i.SourceURL).Error; err != nil {
		return nil, false, notFound("issuer with source", i.SourceURL, err)
	}
	s.logger.Debug("Reusing stored issuer", zap.String("url", i.SourceURL), zap.String("entity_id", existing.EntityID))
	found, err := existing.toIssuer()
	return found, false, err
}

// UpsertBadgeClass inserts bc unless a badge class with the same source URL
// exists, in which case the stored badge class is returned.
func (s *Store) UpsertBadgeClass(ctx context.Context, bc *badge.BadgeClass) (*badge.BadgeClass, bool, error) {
	row, err := toBadgeClassRow(bc)
	if err != nil {
		return nil, false, err
	}
	created, err := s.insertOrIgnore(ctx, row)
	if err != nil || created || bc.SourceURL == "" {
		return bc, created, err
	}
	var existing badgeClassRow
	if err := s.db.WithContext(ctx).First(&existing, "source_url = ?", bc.SourceURL).Error; err != nil {
		return nil, false, notFound("badge class with source", bc.SourceURL, err)
	}
	iss, err := s.GetIssuer(ctx, existing.IssuerEntityID)
	if err != nil {
		return nil, false, err
	}
	s.logger.Debug("Reusing stored badge class", zap.String("url", bc.SourceURL), zap.String("entity_id", existing.EntityID))
	found, err := existing.toBadgeClass(iss)
	return found, false, err
}

func (s *Store) insertOrIgnore(ctx context.Context, row any) (bool, error) {
	res := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "source_url"}}, DoNothing: true}).
		Create(row)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (s *Store) ListAssertions(ctx context.Context, issuerEntityID string) ([]*badge.Assertion, error) {
	var rows []assertionRow
	err := s.db.WithContext(ctx).
		Where("issuer_entity_id = ?", issuerEntityID).
		Order("issued_on, entity_id").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("list assertions: %w", err)
	}

	classes := make(map[string]*badge.BadgeClass)
	out := make([]*badge.Assertion, 0, len(rows))
	for i := range rows {
		bc, ok := classes[rows[i].BadgeClassEntityID]
		if !ok {
			if bc, err = s.GetBadgeClass(ctx, rows[i].BadgeClassEntityID); err != nil {
				return nil, err
			}
			classes[bc.EntityID] = bc
		}
		a, err := s.assertion(ctx, &rows[i], bc)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

// WithTx runs fn in a database transaction. The transaction store also
// implements extension.Store, so extension writes made through it commit
// or roll back together with the entities.
func (s *Store) WithTx(ctx context.Context, fn func(tx store.Store) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&Store{db: tx, logger: s.logger})
	})
}

// List returns the owner's extensions ordered by name.
func (s *Store) List(ctx context.Context, owner badge.Ref) ([]extension.Extension, error) {
	var rows []extensionRow
	err := s.db.WithContext(ctx).
		Where("owner_kind = ? AND owner_entity_id = ?", owner.Kind.Slug(), owner.EntityID).
		Order("name").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make([]extension.Extension, 0, len(rows))
	for _, r := range rows {
		out = append(out, extension.Extension{Owner: owner, Name: r.Name, JSON: []byte(r.JSON)})
	}
	return out, nil
}

func (s *Store) Create(ctx context.Context, ext extension.Extension) error {
	return s.db.WithContext(ctx).Create(&extensionRow{
		OwnerKind:     ext.Owner.Kind.Slug(),
		OwnerEntityID: ext.Owner.EntityID,
		Name:          ext.Name,
		JSON:          string(ext.JSON),
	}).Error
}

func (s *Store) Update(ctx context.Context, ext extension.Extension) error {
	res := s.db.WithContext(ctx).Model(&extensionRow{}).
		Where("owner_kind = ? AND owner_entity_id = ? AND name = ?", ext.Owner.Kind.Slug(), ext.Owner.EntityID, ext.Name).
		Update("json", string(ext.JSON))
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return extension.ErrNotFound
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, owner badge.Ref, name string) error {
	res := s.db.WithContext(ctx).
		Where("owner_kind = ? AND owner_entity_id = ? AND name = ?", owner.Kind.Slug(), owner.EntityID, name).
		Delete(&extensionRow{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return extension.ErrNotFound
	}
	return nil
}
