// Package database dumps and restores the suite's PostgreSQL database with
// the pg_dump and psql client tools.
package database

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"os"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"

	"suitebackup/internal/command"
)

// ConnParams holds the connection details of the live database. They come
// from the process environment, never from request input.
type ConnParams struct {
	Host     string `yaml:"host"`
	Port     string `yaml:"port"`
	Name     string `yaml:"name" validate:"required"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
}

func (p ConnParams) args() []string {
	args := []string{"--no-password"}
	if p.Host != "" {
		args = append(args, "-h", p.Host)
	}
	if p.Port != "" {
		args = append(args, "-p", p.Port)
	}
	if p.User != "" {
		args = append(args, "-U", p.User)
	}
	return append(args, "-d", p.Name)
}

func (p ConnParams) env() []string {
	if p.Password == "" {
		return nil
	}
	return []string{"PGPASSWORD=" + p.Password}
}

// URL returns a connection URL for pgx.
func (p ConnParams) URL() string {
	u := url.URL{Scheme: "postgres", Path: "/" + p.Name}
	host := p.Host
	if host == "" {
		host = "localhost"
	}
	if p.Port != "" {
		host = net.JoinHostPort(host, p.Port)
	}
	u.Host = host
	switch {
	case p.User != "" && p.Password != "":
		u.User = url.UserPassword(p.User, p.Password)
	case p.User != "":
		u.User = url.User(p.User)
	}
	return u.String()
}

// Postgres runs pg_dump and psql through a command.Runner.
type Postgres struct {
	conn   ConnParams
	runner command.Runner
	logger zerolog.Logger
}

func NewPostgres(conn ConnParams, runner command.Runner, logger zerolog.Logger) *Postgres {
	return &Postgres{
		conn:   conn,
		runner: runner,
		logger: logger.With().Str("component", "database").Logger(),
	}
}

// Dump writes a plain SQL dump of the database to outputFile. The dump
// drops each object before recreating it so it can be replayed over a live
// database.
func (p *Postgres) Dump(ctx context.Context, outputFile string) error {
	if p.conn.Name == "" {
		return errors.New("database name is empty")
	}

	args := append(p.conn.args(),
		"--format=plain",
		"--no-owner",
		"--no-acl",
		"--clean",
		"--if-exists",
		"--file", outputFile,
	)
	if _, err := p.runner.Run(ctx, command.Cmd{Name: "pg_dump", Args: args, Env: p.conn.env()}); err != nil {
		return fmt.Errorf("pg_dump failed: %w", err)
	}

	p.logger.Debug().Str("file", outputFile).Msg("database dumped")
	return nil
}

// Restore replays the SQL dump in inputFile with psql, stopping at the
// first error. SET statements for parameters unknown to older servers are
// filtered out on the way.
func (p *Postgres) Restore(ctx context.Context, inputFile string) error {
	if p.conn.Name == "" {
		return errors.New("database name is empty")
	}

	f, err := os.Open(inputFile)
	if err != nil {
		return fmt.Errorf("open dump: %w", err)
	}
	defer f.Close()

	pr, pw := io.Pipe()
	go func() {
		pw.CloseWithError(filterIncompatibleStatements(f, pw))
	}()
	defer pr.Close()

	args := append(p.conn.args(), "-v", "ON_ERROR_STOP=1", "--quiet")
	if _, err := p.runner.Run(ctx, command.Cmd{Name: "psql", Args: args, Env: p.conn.env(), Stdin: pr}); err != nil {
		return fmt.Errorf("psql restore failed: %w", err)
	}

	p.logger.Debug().Str("file", inputFile).Msg("database restored")
	return nil
}

// incompatibleParams are version-specific settings emitted by newer pg_dump
// releases that older servers reject.
var incompatibleParams = []string{
	"transaction_timeout", // PostgreSQL 17+
}

// filterIncompatibleStatements copies r to w line by line, dropping SET
// statements for parameters in incompatibleParams.
func filterIncompatibleStatements(r io.Reader, w io.Writer) error {
	br := bufio.NewReaderSize(r, 64*1024)
	bw := bufio.NewWriterSize(w, 64*1024)
	for {
		line, err := br.ReadString('\n')
		if line != "" && !isIncompatible(line) {
			if _, werr := bw.WriteString(line); werr != nil {
				return werr
			}
		}
		if errors.Is(err, io.EOF) {
			return bw.Flush()
		}
		if err != nil {
			return err
		}
	}
}

func isIncompatible(line string) bool {
	trimmed := strings.ToLower(strings.TrimSpace(line))
	if !strings.HasPrefix(trimmed, "set ") {
		return false
	}
	for _, param := range incompatibleParams {
		if strings.Contains(trimmed, param) {
			return true
		}
	}
	return false
}

// Querier is the subset of pgx used for schema inspection. *pgxpool.Pool
// and *pgx.Conn satisfy it.
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// TableLister reads the table names of the public schema.
type TableLister struct {
	db Querier
}

func NewTableLister(db Querier) *TableLister {
	return &TableLister{db: db}
}

// ListTables returns the tables in the public schema in name order.
func (l *TableLister) ListTables(ctx context.Context) ([]string, error) {
	rows, err := l.db.Query(ctx, `SELECT tablename FROM pg_tables WHERE schemaname = 'public' ORDER BY tablename`)
	if err != nil {
		return nil, fmt.Errorf("list tables: %w", err)
	}
	defer rows.Close()

	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan table name: %w", err)
		}
		tables = append(tables, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tables: %w", err)
	}
	return tables, nil
}
