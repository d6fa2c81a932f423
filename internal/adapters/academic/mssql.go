package academic

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/denisenkom/go-mssqldb" // SQL Server driver

	"github.com/Edu4rdoCarlos/student-ledger-api-sub000/internal/org"
	"github.com/Edu4rdoCarlos/student-ledger-api-sub000/internal/shared/config"
	"github.com/Edu4rdoCarlos/student-ledger-api-sub000/internal/shared/errors"
	"github.com/Edu4rdoCarlos/student-ledger-api-sub000/internal/shared/types"
)

// MSSQLDirectory reads participants from the university's legacy
// student-information system.
type MSSQLDirectory struct {
	db *sql.DB
}

// NewMSSQLDirectory opens the connection to the academic database.
func NewMSSQLDirectory(ctx context.Context, cfg config.AcademicConfig) (*MSSQLDirectory, error) {
	db, err := sql.Open("sqlserver", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open academic database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping academic database: %w", err)
	}

	return &MSSQLDirectory{db: db}, nil
}

func (d *MSSQLDirectory) FindByID(ctx context.Context, id types.ID) (*Participant, error) {
	query := `SELECT id, name, email, role FROM dbo.Participants WHERE id = @p1`

	p := &Participant{}
	var roleStr string
	err := d.db.QueryRowContext(ctx, query, id.String()).Scan(&p.ID, &p.Name, &p.Email, &roleStr)
	if err == sql.ErrNoRows {
		return nil, errors.NotFound("participant", id.String())
	}
	if err != nil {
		return nil, errors.Unavailable("academic database query failed", err)
	}

	p.Role = org.Role(roleStr)
	return p, nil
}

// Close releases the database connection.
func (d *MSSQLDirectory) Close() error {
	return d.db.Close()
}
