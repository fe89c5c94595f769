package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/robertosilvah/rdtmgr/internal/logic"
	"github.com/robertosilvah/rdtmgr/internal/model"
	"github.com/robertosilvah/rdtmgr/internal/shift"
)

//go:embed schema.sql
var schema string

// Postgres is the relational store.
type Postgres struct {
	db *sql.DB
}

// NewPostgres opens a connection pool and checks it.
func NewPostgres(dsn string) (*Postgres, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &Postgres{db: db}, nil
}

// Migrate creates missing tables.
func (p *Postgres) Migrate(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

func (p *Postgres) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }
func (p *Postgres) Close() error                   { return p.db.Close() }

func nullID(id int64) any {
	if id == 0 {
		return nil
	}
	return id
}

func notFound(err error, what string, args ...any) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", fmt.Sprintf(what, args...), ErrNotFound)
	}
	return err
}

func checkAffected(res sql.Result, what string, id int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s %d: %w", what, id, ErrNotFound)
	}
	return nil
}

// Segments

const productionColumns = `id, location_id, COALESCE(product_id, 0), COALESCE(shift_id, 0),
	start_date, end_date, total_pieces, good_pieces, bad_pieces, cycle_time`

func scanProduction(row interface{ Scan(...any) error }) (logic.Production, error) {
	var x logic.Production
	err := row.Scan(&x.ID, &x.LocationID, &x.ProductID, &x.ShiftID,
		&x.Start, &x.End, &x.TotalPieces, &x.GoodPieces, &x.BadPieces, &x.CycleTime)
	x.Start, x.End = x.Start.UTC(), x.End.UTC()
	return x, err
}

func (p *Postgres) ProductionsInRange(ctx context.Context, locationID int64, start, end time.Time) ([]logic.Production, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+productionColumns+` FROM production
		WHERE location_id = $1 AND start_date >= $2 AND end_date <= $3
		ORDER BY start_date, end_date, id`, locationID, start, end)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []logic.Production{}
	for rows.Next() {
		x, err := scanProduction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, x)
	}
	return out, rows.Err()
}

func (p *Postgres) DelaysInRange(ctx context.Context, locationID int64, start, end time.Time) ([]logic.Delay, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT id, location_id, COALESCE(delay_type_id, 0), COALESCE(shift_id, 0),
		COALESCE(description, ''), start_date, end_date FROM delays
		WHERE location_id = $1 AND start_date >= $2 AND end_date <= $3
		ORDER BY start_date`, locationID, start, end)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []logic.Delay{}
	for rows.Next() {
		var d logic.Delay
		if err := rows.Scan(&d.ID, &d.LocationID, &d.DelayTypeID, &d.ShiftID, &d.Description, &d.Start, &d.End); err != nil {
			return nil, err
		}
		d.Start, d.End = d.Start.UTC(), d.End.UTC()
		out = append(out, d)
	}
	return out, rows.Err()
}

func (p *Postgres) InsertProduction(ctx context.Context, x logic.Production) (int64, error) {
	var id int64
	err := p.db.QueryRowContext(ctx, `INSERT INTO production
		(location_id, product_id, shift_id, start_date, end_date, total_pieces, good_pieces, bad_pieces, cycle_time)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9) RETURNING id`,
		x.LocationID, nullID(x.ProductID), nullID(x.ShiftID), x.Start, x.End,
		x.TotalPieces, x.TotalPieces-x.BadPieces, x.BadPieces, x.CycleTime).Scan(&id)
	return id, err
}

func (p *Postgres) UpdateProduction(ctx context.Context, x logic.Production) error {
	res, err := p.db.ExecContext(ctx, `UPDATE production SET
		location_id=$1, product_id=$2, shift_id=$3, start_date=$4, end_date=$5,
		total_pieces=$6, good_pieces=$7, bad_pieces=$8, cycle_time=$9
		WHERE id=$10`,
		x.LocationID, nullID(x.ProductID), nullID(x.ShiftID), x.Start, x.End,
		x.TotalPieces, x.TotalPieces-x.BadPieces, x.BadPieces, x.CycleTime, x.ID)
	if err != nil {
		return err
	}
	return checkAffected(res, "production", x.ID)
}

func (p *Postgres) InsertDelay(ctx context.Context, d logic.Delay) (int64, error) {
	var id int64
	err := p.db.QueryRowContext(ctx, `INSERT INTO delays
		(location_id, delay_type_id, shift_id, description, start_date, end_date)
		VALUES ($1,$2,$3,NULLIF($4,''),$5,$6) RETURNING id`,
		d.LocationID, nullID(d.DelayTypeID), nullID(d.ShiftID), d.Description, d.Start, d.End).Scan(&id)
	return id, err
}

func (p *Postgres) UpdateDelay(ctx context.Context, d logic.Delay) error {
	res, err := p.db.ExecContext(ctx, `UPDATE delays SET start_date=$1, end_date=$2 WHERE id=$3`, d.Start, d.End, d.ID)
	if err != nil {
		return err
	}
	return checkAffected(res, "delay", d.ID)
}

// Shifts

const definitionColumns = `id, location_id, to_char(start_time, 'HH24:MI:SS'), amount, enabled`

func scanDefinition(row interface{ Scan(...any) error }) (shift.Definition, error) {
	var d shift.Definition
	var start string
	if err := row.Scan(&d.ID, &d.LocationID, &start, &d.Count, &d.Enabled); err != nil {
		return d, err
	}
	c, err := shift.ParseClock(start)
	if err != nil {
		return d, err
	}
	d.StartTime = c
	return d, nil
}

func (p *Postgres) DefinitionFor(ctx context.Context, locationID int64) (shift.Definition, error) {
	d, err := scanDefinition(p.db.QueryRowContext(ctx, `SELECT `+definitionColumns+` FROM shift_definitions
		WHERE location_id=$1 AND enabled ORDER BY id LIMIT 1`, locationID))
	if err != nil {
		return d, notFound(err, "shift definition for location %d", locationID)
	}
	return d, nil
}

func (p *Postgres) DefinitionByID(ctx context.Context, id int64) (shift.Definition, error) {
	d, err := scanDefinition(p.db.QueryRowContext(ctx, `SELECT `+definitionColumns+` FROM shift_definitions WHERE id=$1`, id))
	if err != nil {
		return d, notFound(err, "shift definition %d", id)
	}
	return d, nil
}

func (p *Postgres) ListDefinitions(ctx context.Context) ([]shift.Definition, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+definitionColumns+` FROM shift_definitions ORDER BY location_id, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []shift.Definition{}
	for rows.Next() {
		d, err := scanDefinition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (p *Postgres) CreateDefinition(ctx context.Context, d shift.Definition) (shift.Definition, error) {
	err := p.db.QueryRowContext(ctx, `INSERT INTO shift_definitions (location_id, start_time, amount, enabled)
		VALUES ($1, $2::time, $3, $4) RETURNING id`,
		d.LocationID, d.StartTime.String(), d.Count, d.Enabled).Scan(&d.ID)
	return d, err
}

func (p *Postgres) UpdateDefinition(ctx context.Context, d shift.Definition) error {
	res, err := p.db.ExecContext(ctx, `UPDATE shift_definitions SET location_id=$1, start_time=$2::time, amount=$3, enabled=$4
		WHERE id=$5`, d.LocationID, d.StartTime.String(), d.Count, d.Enabled, d.ID)
	if err != nil {
		return err
	}
	return checkAffected(res, "shift definition", d.ID)
}

func (p *Postgres) DisableDefinition(ctx context.Context, id int64) error {
	res, err := p.db.ExecContext(ctx, `UPDATE shift_definitions SET enabled=FALSE WHERE id=$1`, id)
	if err != nil {
		return err
	}
	return checkAffected(res, "shift definition", id)
}

const shiftColumns = `id, location_id, start_date, end_date, position`

func scanShift(row interface{ Scan(...any) error }) (shift.Record, error) {
	var r shift.Record
	err := row.Scan(&r.ID, &r.LocationID, &r.Start, &r.End, &r.Position)
	r.Start, r.End = r.Start.UTC(), r.End.UTC()
	return r, err
}

func (p *Postgres) queryShifts(ctx context.Context, query string, args ...any) ([]shift.Record, error) {
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []shift.Record{}
	for rows.Next() {
		r, err := scanShift(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (p *Postgres) ShiftByRange(ctx context.Context, locationID int64, start, end time.Time) (shift.Record, error) {
	r, err := scanShift(p.db.QueryRowContext(ctx, `SELECT `+shiftColumns+` FROM shifts
		WHERE location_id=$1 AND start_date >= $2 AND end_date <= $3 ORDER BY start_date, id LIMIT 1`,
		locationID, start, end))
	if err != nil {
		return r, notFound(err, "shift for location %d in range", locationID)
	}
	return r, nil
}

func (p *Postgres) ShiftsOnDate(ctx context.Context, locationID int64, day time.Time) ([]shift.Record, error) {
	from, to := dayBounds(day)
	return p.queryShifts(ctx, `SELECT `+shiftColumns+` FROM shifts
		WHERE location_id=$1 AND start_date >= $2 AND start_date < $3 ORDER BY position, id`, locationID, from, to)
}

func (p *Postgres) ListShifts(ctx context.Context, locationID int64) ([]shift.Record, error) {
	return p.queryShifts(ctx, `SELECT `+shiftColumns+` FROM shifts WHERE location_id=$1 ORDER BY start_date`, locationID)
}

func (p *Postgres) CreateShift(ctx context.Context, r shift.Record) (int64, error) {
	var id int64
	err := p.db.QueryRowContext(ctx, `INSERT INTO shifts (location_id, start_date, end_date, position)
		VALUES ($1,$2,$3,$4) RETURNING id`, r.LocationID, r.Start, r.End, r.Position).Scan(&id)
	return id, err
}

// Catalog

func (p *Postgres) queryLocations(ctx context.Context, where string) ([]model.Location, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT id, name, parent_id, enabled FROM locations `+where+` ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []model.Location{}
	for rows.Next() {
		l, err := scanLocation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func scanLocation(row interface{ Scan(...any) error }) (model.Location, error) {
	var l model.Location
	var parent sql.NullInt64
	if err := row.Scan(&l.ID, &l.Name, &parent, &l.Enabled); err != nil {
		return l, err
	}
	if parent.Valid {
		l.ParentID = &parent.Int64
	}
	return l, nil
}

func (p *Postgres) ListLocations(ctx context.Context) ([]model.Location, error) {
	return p.queryLocations(ctx, "")
}

func (p *Postgres) EnabledLocations(ctx context.Context) ([]model.Location, error) {
	return p.queryLocations(ctx, "WHERE enabled")
}

func (p *Postgres) LocationByID(ctx context.Context, id int64) (model.Location, error) {
	l, err := scanLocation(p.db.QueryRowContext(ctx, `SELECT id, name, parent_id, enabled FROM locations WHERE id=$1`, id))
	if err != nil {
		return l, notFound(err, "location %d", id)
	}
	return l, nil
}

func (p *Postgres) CreateLocation(ctx context.Context, l model.Location) (model.Location, error) {
	err := p.db.QueryRowContext(ctx, `INSERT INTO locations (name, parent_id, enabled) VALUES ($1,$2,$3) RETURNING id`,
		l.Name, l.ParentID, l.Enabled).Scan(&l.ID)
	return l, err
}

func (p *Postgres) UpdateLocation(ctx context.Context, l model.Location) error {
	res, err := p.db.ExecContext(ctx, `UPDATE locations SET name=$1, parent_id=$2, enabled=$3 WHERE id=$4`,
		l.Name, l.ParentID, l.Enabled, l.ID)
	if err != nil {
		return err
	}
	return checkAffected(res, "location", l.ID)
}

func (p *Postgres) DisableLocation(ctx context.Context, id int64) error {
	res, err := p.db.ExecContext(ctx, `UPDATE locations SET enabled=FALSE WHERE id=$1`, id)
	if err != nil {
		return err
	}
	return checkAffected(res, "location", id)
}

func (p *Postgres) ListProducts(ctx context.Context) ([]model.Product, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT id, name, enabled FROM products ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []model.Product{}
	for rows.Next() {
		var x model.Product
		if err := rows.Scan(&x.ID, &x.Name, &x.Enabled); err != nil {
			return nil, err
		}
		out = append(out, x)
	}
	return out, rows.Err()
}

func (p *Postgres) ProductByID(ctx context.Context, id int64) (model.Product, error) {
	var x model.Product
	err := p.db.QueryRowContext(ctx, `SELECT id, name, enabled FROM products WHERE id=$1`, id).Scan(&x.ID, &x.Name, &x.Enabled)
	if err != nil {
		return x, notFound(err, "product %d", id)
	}
	return x, nil
}

func (p *Postgres) CreateProduct(ctx context.Context, x model.Product) (model.Product, error) {
	err := p.db.QueryRowContext(ctx, `INSERT INTO products (name, enabled) VALUES ($1,$2) RETURNING id`,
		x.Name, x.Enabled).Scan(&x.ID)
	return x, err
}

func (p *Postgres) UpdateProduct(ctx context.Context, x model.Product) error {
	res, err := p.db.ExecContext(ctx, `UPDATE products SET name=$1, enabled=$2 WHERE id=$3`, x.Name, x.Enabled, x.ID)
	if err != nil {
		return err
	}
	return checkAffected(res, "product", x.ID)
}

func (p *Postgres) DisableProduct(ctx context.Context, id int64) error {
	res, err := p.db.ExecContext(ctx, `UPDATE products SET enabled=FALSE WHERE id=$1`, id)
	if err != nil {
		return err
	}
	return checkAffected(res, "product", id)
}

const standardColumns = `id, product_id, location_id, value, unit, enabled`

func scanStandard(row interface{ Scan(...any) error }) (logic.Standard, error) {
	var s logic.Standard
	err := row.Scan(&s.ID, &s.ProductID, &s.LocationID, &s.Value, &s.Unit, &s.Enabled)
	return s, err
}

func (p *Postgres) ListStandards(ctx context.Context) ([]logic.Standard, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+standardColumns+` FROM production_standards ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []logic.Standard{}
	for rows.Next() {
		s, err := scanStandard(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (p *Postgres) StandardByID(ctx context.Context, id int64) (logic.Standard, error) {
	s, err := scanStandard(p.db.QueryRowContext(ctx, `SELECT `+standardColumns+` FROM production_standards WHERE id=$1`, id))
	if err != nil {
		return s, notFound(err, "production standard %d", id)
	}
	return s, nil
}

func (p *Postgres) StandardFor(ctx context.Context, productID, locationID int64) (logic.Standard, error) {
	s, err := scanStandard(p.db.QueryRowContext(ctx, `SELECT `+standardColumns+` FROM production_standards
		WHERE product_id=$1 AND location_id=$2 AND enabled ORDER BY id LIMIT 1`, productID, locationID))
	if err != nil {
		return s, notFound(err, "standard for product %d on location %d", productID, locationID)
	}
	return s, nil
}

func (p *Postgres) CreateStandard(ctx context.Context, s logic.Standard) (logic.Standard, error) {
	err := p.db.QueryRowContext(ctx, `INSERT INTO production_standards (product_id, location_id, value, unit, enabled)
		VALUES ($1,$2,$3,$4,$5) RETURNING id`, s.ProductID, s.LocationID, s.Value, s.Unit, s.Enabled).Scan(&s.ID)
	return s, err
}

func (p *Postgres) UpdateStandard(ctx context.Context, s logic.Standard) error {
	res, err := p.db.ExecContext(ctx, `UPDATE production_standards SET product_id=$1, location_id=$2, value=$3, unit=$4, enabled=$5
		WHERE id=$6`, s.ProductID, s.LocationID, s.Value, s.Unit, s.Enabled, s.ID)
	if err != nil {
		return err
	}
	return checkAffected(res, "production standard", s.ID)
}

func (p *Postgres) DisableStandard(ctx context.Context, id int64) error {
	res, err := p.db.ExecContext(ctx, `UPDATE production_standards SET enabled=FALSE WHERE id=$1`, id)
	if err != nil {
		return err
	}
	return checkAffected(res, "production standard", id)
}

func (p *Postgres) ListDelayTypes(ctx context.Context) ([]model.DelayType, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT id, description FROM delay_types ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []model.DelayType{}
	for rows.Next() {
		var d model.DelayType
		if err := rows.Scan(&d.ID, &d.Description); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}
