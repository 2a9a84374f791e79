package storage

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ManufacturerRepository handles manufacturer lookup and creation.
type ManufacturerRepository struct {
	db *sql.DB
}

// NewManufacturerRepository creates a new manufacturer repository.
func NewManufacturerRepository(db *sql.DB) *ManufacturerRepository {
	return &ManufacturerRepository{db: db}
}

// NormalizeManufacturerName lowercases and collapses separators so lookups
// are insensitive to spelling variants ("Konica Minolta" == "konica-minolta").
func NormalizeManufacturerName(name string) string {
	s := strings.ToLower(strings.TrimSpace(name))
	s = strings.ReplaceAll(s, "-", "_")
	s = strings.Join(strings.Fields(s), "_")
	return s
}

const manufacturerColumns = `id, name, name_normalized, pattern_key, website, support, created_at`

// Ensure returns the manufacturer with the given name, creating it if it
// does not exist. Lookup is case-insensitive via the normalized name; a
// concurrent insert of the same name resolves to the winning row.
func (r *ManufacturerRepository) Ensure(ctx context.Context, name string) (*Manufacturer, error) {
	normalized := NormalizeManufacturerName(name)
	if normalized == "" {
		return nil, errors.New("manufacturer name is empty")
	}

	if m, err := r.getByNormalized(ctx, normalized); err == nil {
		return m, nil
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	m := &Manufacturer{
		ID:         uuid.New(),
		Name:       strings.TrimSpace(name),
		PatternKey: normalized,
		CreatedAt:  time.Now().UTC(),
	}
	query := `
		INSERT INTO manufacturers (` + manufacturerColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err := r.db.ExecContext(ctx, query,
		m.ID, m.Name, normalized, m.PatternKey, m.Website, m.Support, m.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			// Lost the race; the other writer's row wins.
			return r.getByNormalized(ctx, normalized)
		}
		return nil, err
	}
	return m, nil
}

// GetByID retrieves a manufacturer by ID.
func (r *ManufacturerRepository) GetByID(ctx context.Context, id uuid.UUID) (*Manufacturer, error) {
	query := `SELECT ` + manufacturerColumns + ` FROM manufacturers WHERE id = $1`
	return scanManufacturer(r.db.QueryRowContext(ctx, query, id))
}

// GetByName retrieves a manufacturer by name, case-insensitively.
func (r *ManufacturerRepository) GetByName(ctx context.Context, name string) (*Manufacturer, error) {
	return r.getByNormalized(ctx, NormalizeManufacturerName(name))
}

// List returns all manufacturers ordered by name.
func (r *ManufacturerRepository) List(ctx context.Context) ([]*Manufacturer, error) {
	query := `SELECT ` + manufacturerColumns + ` FROM manufacturers ORDER BY name`
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Manufacturer
	for rows.Next() {
		m := &Manufacturer{}
		var normalized string
		if err := rows.Scan(&m.ID, &m.Name, &normalized, &m.PatternKey,
			&m.Website, &m.Support, &m.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (r *ManufacturerRepository) getByNormalized(ctx context.Context, normalized string) (*Manufacturer, error) {
	query := `SELECT ` + manufacturerColumns + ` FROM manufacturers WHERE name_normalized = $1`
	return scanManufacturer(r.db.QueryRowContext(ctx, query, normalized))
}

func scanManufacturer(row *sql.Row) (*Manufacturer, error) {
	m := &Manufacturer{}
	var normalized string
	err := row.Scan(&m.ID, &m.Name, &normalized, &m.PatternKey,
		&m.Website, &m.Support, &m.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return m, nil
}

// ProductRepository handles product and series records resolved during
// metadata extraction.
type ProductRepository struct {
	db *sql.DB
}

// NewProductRepository creates a new product repository.
func NewProductRepository(db *sql.DB) *ProductRepository {
	return &ProductRepository{db: db}
}

// EnsureSeries returns the series (manufacturerID, name), creating it if
// missing.
func (r *ProductRepository) EnsureSeries(ctx context.Context, manufacturerID uuid.UUID, name string) (*ProductSeries, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, errors.New("series name is empty")
	}

	if s, err := r.getSeries(ctx, manufacturerID, name); err == nil {
		return s, nil
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	s := &ProductSeries{
		ID:             uuid.New(),
		ManufacturerID: manufacturerID,
		Name:           name,
		CreatedAt:      time.Now().UTC(),
	}
	query := `
		INSERT INTO product_series (id, manufacturer_id, name, created_at)
		VALUES ($1, $2, $3, $4)
	`
	if _, err := r.db.ExecContext(ctx, query, s.ID, s.ManufacturerID, s.Name, s.CreatedAt); err != nil {
		if isUniqueViolation(err) {
			return r.getSeries(ctx, manufacturerID, name)
		}
		return nil, err
	}
	return s, nil
}

func (r *ProductRepository) getSeries(ctx context.Context, manufacturerID uuid.UUID, name string) (*ProductSeries, error) {
	query := `
		SELECT id, manufacturer_id, name, created_at
		FROM product_series WHERE manufacturer_id = $1 AND name = $2
	`
	s := &ProductSeries{}
	err := r.db.QueryRowContext(ctx, query, manufacturerID, name).
		Scan(&s.ID, &s.ManufacturerID, &s.Name, &s.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return s, nil
}

const productColumns = `id, manufacturer_id, model_number, series_id, type,
	specifications, oem_manufacturer_id, created_at, updated_at`

// Ensure returns the product (manufacturerID, modelNumber), creating it if
// missing. Existing products keep their stored attributes.
func (r *ProductRepository) Ensure(ctx context.Context, p *Product) (*Product, error) {
	p.ModelNumber = strings.TrimSpace(p.ModelNumber)
	if p.ModelNumber == "" {
		return nil, errors.New("model number is empty")
	}

	if existing, err := r.GetByModel(ctx, p.ManufacturerID, p.ModelNumber); err == nil {
		return existing, nil
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	now := time.Now().UTC()
	p.CreatedAt = now
	p.UpdatedAt = now
	if p.Type == "" {
		p.Type = "printer"
	}

	query := `
		INSERT INTO products (` + productColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	_, err := r.db.ExecContext(ctx, query,
		p.ID, p.ManufacturerID, p.ModelNumber, uuidPtr(p.SeriesID), p.Type,
		rawJSON(p.Specifications), uuidPtr(p.OEMManufacturerID), p.CreatedAt, p.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return r.GetByModel(ctx, p.ManufacturerID, p.ModelNumber)
		}
		return nil, err
	}
	return p, nil
}

// GetByModel retrieves a product by its unique (manufacturer, model) pair.
func (r *ProductRepository) GetByModel(ctx context.Context, manufacturerID uuid.UUID, modelNumber string) (*Product, error) {
	query := `SELECT ` + productColumns + ` FROM products
		WHERE manufacturer_id = $1 AND model_number = $2`
	return scanProduct(r.db.QueryRowContext(ctx, query, manufacturerID, modelNumber))
}

// ListByManufacturer returns a manufacturer's products ordered by model.
func (r *ProductRepository) ListByManufacturer(ctx context.Context, manufacturerID uuid.UUID) ([]*Product, error) {
	query := `SELECT ` + productColumns + ` FROM products
		WHERE manufacturer_id = $1 ORDER BY model_number`
	rows, err := r.db.QueryContext(ctx, query, manufacturerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Product
	for rows.Next() {
		p := &Product{}
		var seriesID, oemID, specs sql.NullString
		if err := rows.Scan(&p.ID, &p.ManufacturerID, &p.ModelNumber, &seriesID,
			&p.Type, &specs, &oemID, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, err
		}
		p.SeriesID = parseUUIDPtr(seriesID)
		p.OEMManufacturerID = parseUUIDPtr(oemID)
		if specs.Valid {
			p.Specifications = []byte(specs.String)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func scanProduct(row *sql.Row) (*Product, error) {
	p := &Product{}
	var seriesID, oemID, specs sql.NullString
	err := row.Scan(&p.ID, &p.ManufacturerID, &p.ModelNumber, &seriesID,
		&p.Type, &specs, &oemID, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	p.SeriesID = parseUUIDPtr(seriesID)
	p.OEMManufacturerID = parseUUIDPtr(oemID)
	if specs.Valid {
		p.Specifications = []byte(specs.String)
	}
	return p, nil
}

// rawJSON converts a json.RawMessage to a driver-friendly value, mapping
// empty payloads to NULL.
func rawJSON(raw []byte) interface{} {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}
