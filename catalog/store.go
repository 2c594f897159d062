package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/queryproxy/queryproxy/engine"
)

// ErrNotFound is returned for missing users and datasources.
var ErrNotFound = errors.New("not found")

// Store is the admin persistence layer.
type Store struct {
	db  *gorm.DB
	key [32]byte
}

// Open connects to the admin database, runs migrations, and returns the
// store. The key is the server-wide AES-256-GCM secret for datasource
// credentials.
func Open(databaseURL string, key [32]byte) (*Store, error) {
	db, err := gorm.Open(postgres.Open(databaseURL), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open admin store: %w", err)
	}

	if err := db.AutoMigrate(
		&User{}, &DataSource{}, &UserDataSource{},
		&DiscoveredSchema{}, &DiscoveredTable{}, &DiscoveredColumn{},
	); err != nil {
		return nil, fmt.Errorf("migrate admin store: %w", err)
	}

	return &Store{db: db, key: key}, nil
}

// NewStoreWithDB wraps an existing gorm handle (used by tests).
func NewStoreWithDB(db *gorm.DB, key [32]byte) *Store {
	return &Store{db: db, key: key}
}

// ---------- users ----------

// CreateUser inserts a user with Argon2id and SCRAM credentials derived
// from the cleartext password.
func (s *Store) CreateUser(ctx context.Context, username, password, tenant string, isAdmin bool) (*User, error) {
	hash, err := HashPassword(password)
	if err != nil {
		return nil, err
	}
	verifier, err := NewScramVerifier(password)
	if err != nil {
		return nil, err
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("create user: %w", err)
	}

	user := &User{
		ID:            id,
		Username:      username,
		Tenant:        tenant,
		PasswordHash:  hash,
		ScramVerifier: verifier,
		IsAdmin:       isAdmin,
		IsActive:      true,
	}
	if err := s.db.WithContext(ctx).Create(user).Error; err != nil {
		return nil, fmt.Errorf("create user %q: %w", username, err)
	}
	return user, nil
}

// UserByName loads a user by username.
func (s *Store) UserByName(ctx context.Context, username string) (*User, error) {
	var user User
	err := s.db.WithContext(ctx).Where("username = ?", username).First(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load user %q: %w", username, err)
	}
	return &user, nil
}

// CountUsers returns the total number of users (for first-boot seeding).
func (s *Store) CountUsers(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.WithContext(ctx).Model(&User{}).Count(&n).Error; err != nil {
		return 0, fmt.Errorf("count users: %w", err)
	}
	return n, nil
}

// TouchLastLogin stamps a successful wire authentication.
func (s *Store) TouchLastLogin(ctx context.Context, userID uuid.UUID) error {
	now := time.Now().UTC()
	return s.db.WithContext(ctx).Model(&User{}).Where("id = ?", userID).
		Update("last_login_at", &now).Error
}

// EnsureAdmin seeds the initial admin when the user store is empty.
func (s *Store) EnsureAdmin(ctx context.Context, username, password, tenant string) error {
	n, err := s.CountUsers(ctx)
	if err != nil || n > 0 {
		return err
	}
	slog.Warn("No users found, seeding initial admin.", "username", username, "tenant", tenant)
	_, err = s.CreateUser(ctx, username, password, tenant, true)
	return err
}

// ---------- datasources ----------

// CreateDataSource inserts a datasource with its secret config sealed.
// The ID is deterministic in the name, so the catalog IDs derived from it
// are stable as well.
func (s *Store) CreateDataSource(ctx context.Context, name, dsType string, pub PublicConnConfig, secret SecretConnConfig) (*DataSource, error) {
	pubJSON, err := jsonMarshal(pub)
	if err != nil {
		return nil, err
	}
	sealed, err := EncryptJSON(secret, s.key)
	if err != nil {
		return nil, err
	}

	ds := &DataSource{
		ID:           DataSourceUUID(name),
		Name:         name,
		DSType:       dsType,
		PublicConfig: pubJSON,
		SecretConfig: sealed,
		IsActive:     true,
	}
	if err := s.db.WithContext(ctx).Create(ds).Error; err != nil {
		return nil, fmt.Errorf("create datasource %q: %w", name, err)
	}
	return ds, nil
}

// UpdateDataSourceParams replaces the connection parameters. Callers must
// follow with EngineCache.InvalidateAll — pooled connections are stale.
func (s *Store) UpdateDataSourceParams(ctx context.Context, id uuid.UUID, pub PublicConnConfig, secret SecretConnConfig) error {
	pubJSON, err := jsonMarshal(pub)
	if err != nil {
		return err
	}
	sealed, err := EncryptJSON(secret, s.key)
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).Model(&DataSource{}).Where("id = ?", id).
		Updates(map[string]any{"public_config": pubJSON, "secret_config": sealed}).Error
}

// DataSourceModelByID loads the raw datasource row.
func (s *Store) DataSourceModelByID(ctx context.Context, id uuid.UUID) (*DataSource, error) {
	var ds DataSource
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&ds).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load datasource %s: %w", id, err)
	}
	return &ds, nil
}

// DataSourceByName resolves a datasource into the engine's view,
// decrypting its connection secret. Implements engine.CatalogSource.
func (s *Store) DataSourceByName(ctx context.Context, name string) (*engine.DataSourceInfo, error) {
	var ds DataSource
	err := s.db.WithContext(ctx).Where("name = ?", name).First(&ds).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, &engine.NotFoundError{Name: name}
	}
	if err != nil {
		return nil, fmt.Errorf("load datasource %q: %w", name, err)
	}
	return s.resolveDataSource(&ds)
}

// ResolveConn decrypts the connection parameters of a datasource row.
func (s *Store) ResolveConn(ds *DataSource) (engine.ConnParams, error) {
	info, err := s.resolveDataSource(ds)
	if err != nil {
		return engine.ConnParams{}, err
	}
	return info.Conn, nil
}

func (s *Store) resolveDataSource(ds *DataSource) (*engine.DataSourceInfo, error) {
	var pub PublicConnConfig
	if err := jsonUnmarshal(ds.PublicConfig, &pub); err != nil {
		return nil, fmt.Errorf("datasource %q: invalid public config: %w", ds.Name, err)
	}
	var secret SecretConnConfig
	if ds.SecretConfig != "" {
		if err := DecryptJSON(ds.SecretConfig, s.key, &secret); err != nil {
			return nil, fmt.Errorf("datasource %q: %w", ds.Name, err)
		}
	}

	return &engine.DataSourceInfo{
		ID:     ds.ID,
		Name:   ds.Name,
		Type:   ds.DSType,
		Active: ds.IsActive,
		Conn: engine.ConnParams{
			Host:     pub.Host,
			Port:     pub.Port,
			Database: pub.Database,
			Username: pub.Username,
			Password: secret.Password,
			SSLMode:  pub.SSLMode,
		},
	}, nil
}

// ---------- access guard ----------

// AssignUser adds a user to a datasource's allowlist.
func (s *Store) AssignUser(ctx context.Context, userID, dataSourceID uuid.UUID) error {
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&UserDataSource{UserID: userID, DataSourceID: dataSourceID}).Error
}

// HasAccess reports whether the user-to-datasource assignment exists.
func (s *Store) HasAccess(ctx context.Context, userID, dataSourceID uuid.UUID) (bool, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&UserDataSource{}).
		Where("user_id = ? AND data_source_id = ?", userID, dataSourceID).
		Count(&n).Error
	if err != nil {
		return false, fmt.Errorf("check access: %w", err)
	}
	return n > 0, nil
}

// ---------- engine catalog view ----------

// SelectedTables loads the engine's view of a datasource: selected tables
// under selected schemas, with Arrow schemas built from columns whose
// arrow_type is non-null. A selected table under an unselected schema is an
// invariant violation; it is logged and withheld from the engine.
func (s *Store) SelectedTables(ctx context.Context, dataSourceID uuid.UUID) ([]engine.TableDef, error) {
	var schemas []DiscoveredSchema
	err := s.db.WithContext(ctx).
		Preload("Tables.Columns").
		Where("data_source_id = ?", dataSourceID).
		Find(&schemas).Error
	if err != nil {
		return nil, fmt.Errorf("load catalog: %w", err)
	}

	var defs []engine.TableDef
	for _, schema := range schemas {
		for _, table := range schema.Tables {
			if !table.IsSelected {
				continue
			}
			if !schema.IsSelected {
				slog.Error("Selected table under unselected schema, withholding from engine",
					"schema", schema.SchemaName, "table", table.TableName)
				continue
			}

			cols := make([]engine.CatalogColumn, 0, len(table.Columns))
			for _, col := range table.Columns {
				arrowType := ""
				if col.ArrowType != nil {
					arrowType = *col.ArrowType
				}
				cols = append(cols, engine.CatalogColumn{
					Name:      col.ColumnName,
					Ordinal:   col.OrdinalPosition,
					Nullable:  col.IsNullable,
					ArrowType: arrowType,
				})
			}

			defs = append(defs, engine.TableDef{
				Schema:      schema.SchemaName,
				Table:       table.TableName,
				Type:        table.TableType,
				ArrowSchema: engine.SchemaFromColumns(cols),
			})
		}
	}
	return defs, nil
}

// CatalogTree loads the full persisted catalog for a datasource.
func (s *Store) CatalogTree(ctx context.Context, dataSourceID uuid.UUID) ([]DiscoveredSchema, error) {
	var schemas []DiscoveredSchema
	err := s.db.WithContext(ctx).
		Preload("Tables.Columns").
		Where("data_source_id = ?", dataSourceID).
		Order("schema_name").
		Find(&schemas).Error
	if err != nil {
		return nil, fmt.Errorf("load catalog: %w", err)
	}
	return schemas, nil
}

// ---------- save catalog ----------

// TableSelection is one table row of a save_catalog request.
type TableSelection struct {
	TableName  string
	TableType  string
	IsSelected bool
}

// SchemaSelection is one schema subtree of a save_catalog request.
type SchemaSelection struct {
	SchemaName string
	IsSelected bool
	Tables     []TableSelection
}

// ColumnInput is a freshly discovered column to persist.
type ColumnInput struct {
	SchemaName    string
	TableName     string
	ColumnName    string
	Ordinal       int
	DataType      string
	Nullable      bool
	ColumnDefault *string
	ArrowType     *string
}

// SaveCatalog transactionally replaces the catalog selections for a
// datasource: schemas and tables in the request are upserted under their
// deterministic IDs, entries absent from the request are deleted, and the
// given columns replace each selected table's column set. Either every
// write lands or none do.
func (s *Store) SaveCatalog(ctx context.Context, dataSourceID uuid.UUID, selections []SchemaSelection, columns []ColumnInput) error {
	now := time.Now().UTC()

	columnsByTable := make(map[[2]string][]ColumnInput)
	for _, col := range columns {
		key := [2]string{col.SchemaName, col.TableName}
		columnsByTable[key] = append(columnsByTable[key], col)
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		keepSchemas := make([]uuid.UUID, 0, len(selections))

		for _, sel := range selections {
			schemaID := SchemaUUID(dataSourceID, sel.SchemaName)
			keepSchemas = append(keepSchemas, schemaID)

			schema := DiscoveredSchema{
				ID:           schemaID,
				DataSourceID: dataSourceID,
				SchemaName:   sel.SchemaName,
				IsSelected:   sel.IsSelected,
				DiscoveredAt: now,
			}
			if err := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "id"}},
				DoUpdates: clause.AssignmentColumns([]string{"is_selected", "discovered_at"}),
			}).Create(&schema).Error; err != nil {
				return fmt.Errorf("upsert schema %q: %w", sel.SchemaName, err)
			}

			keepTables := make([]uuid.UUID, 0, len(sel.Tables))
			for _, tsel := range sel.Tables {
				tableID := TableUUID(schemaID, tsel.TableName)
				keepTables = append(keepTables, tableID)

				// A table may be selected only under a selected schema.
				selected := tsel.IsSelected && sel.IsSelected

				table := DiscoveredTable{
					ID:                 tableID,
					DiscoveredSchemaID: schemaID,
					TableName:          tsel.TableName,
					TableType:          tsel.TableType,
					IsSelected:         selected,
					DiscoveredAt:       now,
				}
				if err := tx.Clauses(clause.OnConflict{
					Columns:   []clause.Column{{Name: "id"}},
					DoUpdates: clause.AssignmentColumns([]string{"table_type", "is_selected", "discovered_at"}),
				}).Create(&table).Error; err != nil {
					return fmt.Errorf("upsert table %q: %w", tsel.TableName, err)
				}

				if !selected {
					continue
				}

				cols := columnsByTable[[2]string{sel.SchemaName, tsel.TableName}]
				keepCols := make([]uuid.UUID, 0, len(cols))
				for _, col := range cols {
					colID := ColumnUUID(tableID, col.ColumnName)
					keepCols = append(keepCols, colID)

					row := DiscoveredColumn{
						ID:                colID,
						DiscoveredTableID: tableID,
						ColumnName:        col.ColumnName,
						OrdinalPosition:   col.Ordinal,
						DataType:          col.DataType,
						IsNullable:        col.Nullable,
						ColumnDefault:     col.ColumnDefault,
						ArrowType:         col.ArrowType,
						DiscoveredAt:      now,
					}
					if err := tx.Clauses(clause.OnConflict{
						Columns: []clause.Column{{Name: "id"}},
						DoUpdates: clause.AssignmentColumns([]string{
							"ordinal_position", "data_type", "is_nullable",
							"column_default", "arrow_type", "discovered_at",
						}),
					}).Create(&row).Error; err != nil {
						return fmt.Errorf("upsert column %q: %w", col.ColumnName, err)
					}
				}

				if err := deleteExcept(tx, &DiscoveredColumn{}, "discovered_table_id = ?", tableID, keepCols); err != nil {
					return err
				}
			}

			if err := deleteExcept(tx, &DiscoveredTable{}, "discovered_schema_id = ?", schemaID, keepTables); err != nil {
				return err
			}
		}

		return deleteExcept(tx, &DiscoveredSchema{}, "data_source_id = ?", dataSourceID, keepSchemas)
	})
}

func deleteExcept(tx *gorm.DB, model any, parentCond string, parentID uuid.UUID, keep []uuid.UUID) error {
	q := tx.Where(parentCond, parentID)
	if len(keep) > 0 {
		q = q.Where("id NOT IN ?", keep)
	}
	if err := q.Delete(model).Error; err != nil {
		return fmt.Errorf("prune catalog entries: %w", err)
	}
	return nil
}

// UpdateSyncResult stamps the outcome of a sync_catalog run. The catalog
// itself is never mutated here; drift is report-only.
func (s *Store) UpdateSyncResult(ctx context.Context, dataSourceID uuid.UUID, report string) error {
	now := time.Now().UTC()
	return s.db.WithContext(ctx).Model(&DataSource{}).Where("id = ?", dataSourceID).
		Updates(map[string]any{"last_sync_at": &now, "last_sync_result": &report}).Error
}

func jsonMarshal(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("marshal config: %w", err)
	}
	return string(b), nil
}

func jsonUnmarshal(s string, out any) error {
	return json.Unmarshal([]byte(s), out)
}
