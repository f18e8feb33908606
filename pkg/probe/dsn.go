package probe

import (
	"database/sql"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"

	"github.com/ruslano69/dsonboard/pkg/datasource"
)

// ErrNotRelational is returned for types that have no database to probe.
var ErrNotRelational = errors.New("not a relational data source")

// defaultTimeout is used when the configuration has none.
const defaultTimeout = 10 * time.Second

// extraParams parses the extraJdbc field: "k=v&k2=v2", optionally prefixed
// with "?" or separated by ";".
func extraParams(s string) (url.Values, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "?")
	s = strings.ReplaceAll(s, ";", "&")
	if s == "" {
		return url.Values{}, nil
	}
	v, err := url.ParseQuery(s)
	if err != nil {
		return nil, fmt.Errorf("extraJdbc: %w", err)
	}
	return v, nil
}

func timeoutOf(cfg *datasource.RelationalConfig) time.Duration {
	if cfg.Timeout > 0 {
		return time.Duration(cfg.Timeout) * time.Second
	}
	return defaultTimeout
}

// Open opens a *sql.DB for a relational configuration without connecting.
func Open(c datasource.Configuration) (*sql.DB, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	if !c.Type.IsRelational() {
		return nil, fmt.Errorf("%w: %s", ErrNotRelational, c.Type)
	}
	cfg := c.Relational
	extra, err := extraParams(cfg.ExtraJdbc)
	if err != nil {
		return nil, err
	}
	hostport := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))

	switch c.Type {
	case datasource.TypeMySQL, datasource.TypeDoris:
		// Doris speaks the MySQL protocol.
		mc := mysql.NewConfig()
		mc.User = cfg.Username
		mc.Passwd = cfg.Password
		mc.Net = "tcp"
		mc.Addr = hostport
		mc.DBName = cfg.Database
		mc.Timeout = timeoutOf(cfg)
		if len(extra) > 0 {
			mc.Params = make(map[string]string, len(extra))
			for k := range extra {
				mc.Params[k] = extra.Get(k)
			}
		}
		conn, err := mysql.NewConnector(mc)
		if err != nil {
			return nil, fmt.Errorf("mysql config: %w", err)
		}
		return sql.OpenDB(conn), nil

	case datasource.TypePostgres:
		u := url.URL{
			Scheme: "postgres",
			User:   url.UserPassword(cfg.Username, cfg.Password),
			Host:   hostport,
			Path:   "/" + cfg.Database,
		}
		extra.Set("connect_timeout", strconv.Itoa(int(timeoutOf(cfg).Seconds())))
		u.RawQuery = extra.Encode()
		pc, err := pgx.ParseConfig(u.String())
		if err != nil {
			return nil, fmt.Errorf("postgres config: %w", err)
		}
		return stdlib.OpenDB(*pc), nil

	case datasource.TypeSQLServer:
		if cfg.Database != "" {
			extra.Set("database", cfg.Database)
		}
		extra.Set("connection timeout", strconv.Itoa(int(timeoutOf(cfg).Seconds())))
		u := url.URL{
			Scheme:   "sqlserver",
			User:     url.UserPassword(cfg.Username, cfg.Password),
			Host:     hostport,
			RawQuery: extra.Encode(),
		}
		return sql.Open("sqlserver", u.String())

	case datasource.TypeSQLite:
		// Read-only so that probing never creates the file.
		extra.Set("mode", "ro")
		return sql.Open("sqlite", "file:"+cfg.Database+"?"+extra.Encode())
	}
	return nil, fmt.Errorf("%w: %s", ErrNotRelational, c.Type)
}
