package catalog

import (
	"bufio"
	"database/sql"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"

	_ "modernc.org/sqlite"
)

// Filter is a photometric band of the camera.
type Filter string

const (
	FilterU Filter = "u"
	FilterG Filter = "g"
	FilterR Filter = "r"
	FilterI Filter = "i"
	FilterZ Filter = "z"
	FilterY Filter = "y"
)

// ParseFilter validates a band name.
func ParseFilter(s string) (Filter, error) {
	switch Filter(strings.ToLower(s)) {
	case FilterU, FilterG, FilterR, FilterI, FilterZ, FilterY:
		return Filter(strings.ToLower(s)), nil
	}
	return "", fmt.Errorf("unknown filter band %q", s)
}

// Table returns the per-band catalog table name.
func (f Filter) Table() string {
	return "BrightStarCatalog" + strings.ToUpper(string(f))
}

// MagColumn returns the per-band magnitude column name.
func (f Filter) MagColumn() string {
	return string(f) + "mag"
}

// Star is one catalog row matched against a filter band.
type Star struct {
	ID       int64
	SimobjID int64
	RA       float64
	Dec      float64
	Mag      float64
	Bright   bool
}

// MagToFlux converts an astronomical magnitude to a relative flux.
func MagToFlux(mag float64) float64 {
	return math.Pow(10, -0.4*mag)
}

// FluxRatio returns flux(mag2)/flux(mag1).
func FluxRatio(mag1, mag2 float64) float64 {
	return math.Pow(10, -0.4*(mag2-mag1))
}

// Kind discriminates catalog backends. The matching pipeline only
// accepts local, file-backed catalogs; remote catalog services are
// queried by an upstream collaborator, never from this process.
type Kind int

const (
	KindLocal Kind = iota
	KindRemote
)

// DB is a sqlite-backed bright star catalog with one table per filter
// band.
type DB struct {
	db   *sql.DB
	kind Kind
}

// Open connects to (or creates) the catalog database at path.
func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	return &DB{db: db, kind: KindLocal}, nil
}

// Kind reports the backend kind.
func (c *DB) Kind() Kind { return c.kind }

// Close closes the underlying connection.
func (c *DB) Close() error {
	if c == nil || c.db == nil {
		return nil
	}
	return c.db.Close()
}

// CreateTable ensures the per-band table exists.
func (c *DB) CreateTable(f Filter) error {
	stmt := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        simobjid INTEGER NOT NULL,
        ra REAL NOT NULL,
        decl REAL NOT NULL,
        %s REAL NOT NULL,
        bright_star BOOLEAN DEFAULT FALSE
    );`, f.Table(), f.MagColumn())
	_, err := c.db.Exec(stmt)
	return err
}

// DropTable removes the per-band table. Used by file-driven runs that
// stage a temporary sky into the catalog.
func (c *DB) DropTable(f Filter) error {
	_, err := c.db.Exec(fmt.Sprintf(`DROP TABLE IF EXISTS %s;`, f.Table()))
	return err
}

// Insert adds one star row.
func (c *DB) Insert(f Filter, simobjID int64, ra, dec, mag float64, bright bool) error {
	stmt := fmt.Sprintf(`INSERT INTO %s (simobjid, ra, decl, %s, bright_star) VALUES (?, ?, ?, ?, ?);`,
		f.Table(), f.MagColumn())
	_, err := c.db.Exec(stmt, simobjID, ra, dec, mag, bright)
	return err
}

// InsertFromSkyFile bulk-loads a whitespace-separated sky description:
// one star per line as "id ra decl mag", skipping skipRows header
// lines. Existing rows with the same (ra, decl) are left untouched.
func (c *DB) InsertFromSkyFile(f Filter, path string, skipRows int) (int, error) {
	file, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer file.Close()

	inserted := 0
	sc := bufio.NewScanner(file)
	line := 0
	for sc.Scan() {
		line++
		if line <= skipRows {
			continue
		}
		text := strings.TrimSpace(sc.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		fields := strings.Fields(text)
		if len(fields) < 4 {
			return inserted, fmt.Errorf("%s:%d: want \"id ra decl mag\", got %q", path, line, text)
		}
		id, err := strconv.ParseInt(fields[0], 10, 64)
		if err != nil {
			return inserted, fmt.Errorf("%s:%d: %w", path, line, err)
		}
		var vals [3]float64
		for i := 0; i < 3; i++ {
			vals[i], err = strconv.ParseFloat(fields[i+1], 64)
			if err != nil {
				return inserted, fmt.Errorf("%s:%d: %w", path, line, err)
			}
		}
		exists, err := c.existsRaDec(f, vals[0], vals[1])
		if err != nil {
			return inserted, err
		}
		if exists {
			continue
		}
		if err := c.Insert(f, id, vals[0], vals[1], vals[2], true); err != nil {
			return inserted, err
		}
		inserted++
	}
	return inserted, sc.Err()
}

func (c *DB) existsRaDec(f Filter, ra, dec float64) (bool, error) {
	var id int64
	err := c.db.QueryRow(fmt.Sprintf(`SELECT id FROM %s WHERE ra = ? AND decl = ?;`, f.Table()), ra, dec).Scan(&id)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// QueryRegion returns stars within the given RA/Dec box. The RA range
// may wrap through 0/360.
func (c *DB) QueryRegion(f Filter, raMin, raMax, decMin, decMax float64) ([]Star, error) {
	var (
		rows *sql.Rows
		err  error
	)
	base := fmt.Sprintf(`SELECT id, simobjid, ra, decl, %s, bright_star FROM %s WHERE decl BETWEEN ? AND ? AND `,
		f.MagColumn(), f.Table())
	if raMin <= raMax {
		rows, err = c.db.Query(base+`ra BETWEEN ? AND ?;`, decMin, decMax, raMin, raMax)
	} else {
		// Wraparound: [raMin, 360) union [0, raMax].
		rows, err = c.db.Query(base+`(ra >= ? OR ra <= ?);`, decMin, decMax, raMin, raMax)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var stars []Star
	for rows.Next() {
		var s Star
		if err := rows.Scan(&s.ID, &s.SimobjID, &s.RA, &s.Dec, &s.Mag, &s.Bright); err != nil {
			return nil, err
		}
		stars = append(stars, s)
	}
	return stars, rows.Err()
}

// updatableFields lists the columns UpdateByID may touch. The "mag"
// alias resolves to the band-specific magnitude column.
var updatableFields = map[string]bool{
	"simobjid":    true,
	"ra":          true,
	"decl":        true,
	"mag":         true,
	"bright_star": true,
}

// UpdateByID updates one field of one row. Unknown fields are a
// configuration error, not a silent no-op.
func (c *DB) UpdateByID(f Filter, id int64, field string, value any) error {
	if !updatableFields[field] {
		return fmt.Errorf("catalog field %q cannot be updated", field)
	}
	if field == "mag" {
		field = f.MagColumn()
	}
	stmt := fmt.Sprintf(`UPDATE %s SET %s = ? WHERE id = ?;`, f.Table(), field)
	_, err := c.db.Exec(stmt, value, id)
	return err
}

// DeleteByID removes rows by local id.
func (c *DB) DeleteByID(f Filter, ids ...int64) error {
	for _, id := range ids {
		if _, err := c.db.Exec(fmt.Sprintf(`DELETE FROM %s WHERE id = ?;`, f.Table()), id); err != nil {
			return err
		}
	}
	return nil
}

// AllIDs returns every local row id in the band table.
func (c *DB) AllIDs(f Filter) ([]int64, error) {
	rows, err := c.db.Query(fmt.Sprintf(`SELECT id FROM %s;`, f.Table()))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
