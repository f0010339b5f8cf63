/*
Copyright © 2026 Acronis International GmbH.

Released under MIT license.
*/

package schemakit

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/acronis/go-appkit/config"
	"gopkg.in/yaml.v3"
)

const (
	cfgDefaultKeyPrefix           = "db"
	cfgDefaultMigrationsKeyPrefix = "migrations"
)

const (
	cfgKeyDialect         = "dialect"
	cfgKeyMaxIdleConns    = "maxIdleConns"
	cfgKeyMaxOpenConns    = "maxOpenConns"
	cfgKeyConnMaxLifetime = "connMaxLifeTime"

	cfgKeySQLitePath = "sqlite3.path"

	cfgKeyMySQLHost     = "mysql.host"
	cfgKeyMySQLPort     = "mysql.port"
	cfgKeyMySQLDatabase = "mysql.database"
	cfgKeyMySQLUser     = "mysql.user"
	cfgKeyMySQLPassword = "mysql.password" //nolint: gosec
	cfgKeyMySQLTxLevel  = "mysql.txLevel"

	cfgKeyPostgresHost       = "postgres.host"
	cfgKeyPostgresPort       = "postgres.port"
	cfgKeyPostgresDatabase   = "postgres.database"
	cfgKeyPostgresUser       = "postgres.user"
	cfgKeyPostgresPassword   = "postgres.password" //nolint: gosec
	cfgKeyPostgresTxLevel    = "postgres.txLevel"
	cfgKeyPostgresSSLMode    = "postgres.sslMode"
	cfgKeyPostgresSearchPath = "postgres.searchPath"

	cfgKeyMSSQLHost     = "mssql.host"
	cfgKeyMSSQLPort     = "mssql.port"
	cfgKeyMSSQLDatabase = "mssql.database"
	cfgKeyMSSQLUser     = "mssql.user"
	cfgKeyMSSQLPassword = "mssql.password" //nolint: gosec
	cfgKeyMSSQLTxLevel  = "mssql.txLevel"
)

// Default transaction isolation levels per dialect.
const (
	MySQLDefaultTxLevel    = sql.LevelReadCommitted
	PostgresDefaultTxLevel = sql.LevelReadCommitted
	MSSQLDefaultTxLevel    = sql.LevelReadCommitted
)

// PostgresSSLMode defines possible values for the Postgres sslmode connection parameter.
type PostgresSSLMode string

// Postgres SSL modes.
const (
	PostgresSSLModeDisable    PostgresSSLMode = "disable"
	PostgresSSLModeRequire    PostgresSSLMode = "require"
	PostgresSSLModeVerifyCA   PostgresSSLMode = "verify-ca"
	PostgresSSLModeVerifyFull PostgresSSLMode = "verify-full"
)

// PostgresDefaultSSLMode is used when sslMode is not configured.
const PostgresDefaultSSLMode = PostgresSSLModeVerifyCA

// Config represents the set of parameters for connecting to the database the migrations run against.
type Config struct {
	Dialect         Dialect             `mapstructure:"dialect" yaml:"dialect" json:"dialect"`
	MaxOpenConns    int                 `mapstructure:"maxOpenConns" yaml:"maxOpenConns" json:"maxOpenConns"`
	MaxIdleConns    int                 `mapstructure:"maxIdleConns" yaml:"maxIdleConns" json:"maxIdleConns"`
	ConnMaxLifetime config.TimeDuration `mapstructure:"connMaxLifeTime" yaml:"connMaxLifeTime" json:"connMaxLifeTime"`
	SQLite          SQLiteConfig        `mapstructure:"sqlite3" yaml:"sqlite3" json:"sqlite3"`
	MySQL           MySQLConfig         `mapstructure:"mysql" yaml:"mysql" json:"mysql"`
	Postgres        PostgresConfig      `mapstructure:"postgres" yaml:"postgres" json:"postgres"`
	MSSQL           MSSQLConfig         `mapstructure:"mssql" yaml:"mssql" json:"mssql"`

	keyPrefix string
}

var _ config.Config = (*Config)(nil)
var _ config.KeyPrefixProvider = (*Config)(nil)

// SQLiteConfig represents a set of configuration parameters for working with SQLite.
type SQLiteConfig struct {
	Path string `mapstructure:"path" yaml:"path" json:"path"`
}

// MySQLConfig represents a set of configuration parameters for working with MySQL.
type MySQLConfig struct {
	Host             string         `mapstructure:"host" yaml:"host" json:"host"`
	Port             int            `mapstructure:"port" yaml:"port" json:"port"`
	User             string         `mapstructure:"user" yaml:"user" json:"user"`
	Password         string         `mapstructure:"password" yaml:"password" json:"password"`
	Database         string         `mapstructure:"database" yaml:"database" json:"database"`
	TxIsolationLevel IsolationLevel `mapstructure:"txLevel" yaml:"txLevel" json:"txLevel"`
}

// PostgresConfig represents a set of configuration parameters for working with Postgres.
type PostgresConfig struct {
	Host             string          `mapstructure:"host" yaml:"host" json:"host"`
	Port             int             `mapstructure:"port" yaml:"port" json:"port"`
	User             string          `mapstructure:"user" yaml:"user" json:"user"`
	Password         string          `mapstructure:"password" yaml:"password" json:"password"`
	Database         string          `mapstructure:"database" yaml:"database" json:"database"`
	TxIsolationLevel IsolationLevel  `mapstructure:"txLevel" yaml:"txLevel" json:"txLevel"`
	SSLMode          PostgresSSLMode `mapstructure:"sslMode" yaml:"sslMode" json:"sslMode"`
	SearchPath       string          `mapstructure:"searchPath" yaml:"searchPath" json:"searchPath"`
}

// MSSQLConfig represents a set of configuration parameters for working with MSSQL.
type MSSQLConfig struct {
	Host             string         `mapstructure:"host" yaml:"host" json:"host"`
	Port             int            `mapstructure:"port" yaml:"port" json:"port"`
	User             string         `mapstructure:"user" yaml:"user" json:"user"`
	Password         string         `mapstructure:"password" yaml:"password" json:"password"`
	Database         string         `mapstructure:"database" yaml:"database" json:"database"`
	TxIsolationLevel IsolationLevel `mapstructure:"txLevel" yaml:"txLevel" json:"txLevel"`
}

// NewConfig creates a new instance of the Config.
// Empty keyPrefix means the default "db" prefix.
func NewConfig(keyPrefix string) *Config {
	return &Config{keyPrefix: keyPrefix}
}

// NewDefaultConfig creates a new instance of the Config with default values.
func NewDefaultConfig(keyPrefix string) *Config {
	return &Config{
		keyPrefix:       keyPrefix,
		MaxOpenConns:    DefaultMaxOpenConns,
		MaxIdleConns:    DefaultMaxIdleConns,
		ConnMaxLifetime: config.TimeDuration(DefaultConnMaxLifetime),
		MySQL:           MySQLConfig{TxIsolationLevel: IsolationLevel(MySQLDefaultTxLevel)},
		Postgres: PostgresConfig{
			TxIsolationLevel: IsolationLevel(PostgresDefaultTxLevel),
			SSLMode:          PostgresDefaultSSLMode,
		},
		MSSQL: MSSQLConfig{TxIsolationLevel: IsolationLevel(MSSQLDefaultTxLevel)},
	}
}

// KeyPrefix returns a key prefix with which all configuration parameters should be presented.
// Implements config.KeyPrefixProvider interface.
func (c *Config) KeyPrefix() string {
	if c.keyPrefix == "" {
		return cfgDefaultKeyPrefix
	}
	return c.keyPrefix
}

// SetProviderDefaults sets default configuration values in config.DataProvider.
func (c *Config) SetProviderDefaults(dp config.DataProvider) {
	dp.SetDefault(cfgKeyMaxOpenConns, DefaultMaxOpenConns)
	dp.SetDefault(cfgKeyMaxIdleConns, DefaultMaxIdleConns)
	dp.SetDefault(cfgKeyConnMaxLifetime, DefaultConnMaxLifetime)
	dp.SetDefault(cfgKeyMySQLTxLevel, MySQLDefaultTxLevel.String())
	dp.SetDefault(cfgKeyPostgresTxLevel, PostgresDefaultTxLevel.String())
	dp.SetDefault(cfgKeyPostgresSSLMode, string(PostgresDefaultSSLMode))
	dp.SetDefault(cfgKeyMSSQLTxLevel, MSSQLDefaultTxLevel.String())
}

// Set sets configuration values from config.DataProvider.
func (c *Config) Set(dp config.DataProvider) error {
	dialects := AllDialects()
	dialectNames := make([]string, 0, len(dialects))
	for _, d := range dialects {
		dialectNames = append(dialectNames, string(d))
	}
	dialectStr, err := dp.GetStringFromSet(cfgKeyDialect, dialectNames, false)
	if err != nil {
		return err
	}
	c.Dialect = Dialect(dialectStr)

	switch c.Dialect {
	case DialectSQLite:
		err = c.setSQLiteConfig(dp)
	case DialectMySQL:
		err = c.setMySQLConfig(dp)
	case DialectPostgres, DialectPgx:
		err = c.setPostgresConfig(dp)
	case DialectMSSQL:
		err = c.setMSSQLConfig(dp)
	}
	if err != nil {
		return err
	}

	if c.MaxOpenConns, err = dp.GetInt(cfgKeyMaxOpenConns); err != nil {
		return err
	}
	if c.MaxOpenConns < 0 {
		return dp.WrapKeyErr(cfgKeyMaxOpenConns, fmt.Errorf("must be positive"))
	}
	if c.MaxIdleConns, err = dp.GetInt(cfgKeyMaxIdleConns); err != nil {
		return err
	}
	if c.MaxIdleConns < 0 {
		return dp.WrapKeyErr(cfgKeyMaxIdleConns, fmt.Errorf("must be positive"))
	}
	if c.MaxIdleConns > 0 && c.MaxOpenConns > 0 && c.MaxIdleConns > c.MaxOpenConns {
		return dp.WrapKeyErr(cfgKeyMaxIdleConns, fmt.Errorf("must be less than %s", cfgKeyMaxOpenConns))
	}
	lifetime, err := dp.GetDuration(cfgKeyConnMaxLifetime)
	if err != nil {
		return err
	}
	c.ConnMaxLifetime = config.TimeDuration(lifetime)
	return nil
}

func (c *Config) setSQLiteConfig(dp config.DataProvider) (err error) {
	c.SQLite.Path, err = dp.GetString(cfgKeySQLitePath)
	return err
}

// nolint: dupl
func (c *Config) setMySQLConfig(dp config.DataProvider) (err error) {
	if c.MySQL.Host, err = dp.GetString(cfgKeyMySQLHost); err != nil {
		return err
	}
	if c.MySQL.Port, err = dp.GetInt(cfgKeyMySQLPort); err != nil {
		return err
	}
	if c.MySQL.User, err = dp.GetString(cfgKeyMySQLUser); err != nil {
		return err
	}
	if c.MySQL.Password, err = dp.GetString(cfgKeyMySQLPassword); err != nil {
		return err
	}
	if c.MySQL.Database, err = dp.GetString(cfgKeyMySQLDatabase); err != nil {
		return err
	}
	c.MySQL.TxIsolationLevel, err = getIsolationLevel(dp, cfgKeyMySQLTxLevel)
	return err
}

// nolint: dupl
func (c *Config) setMSSQLConfig(dp config.DataProvider) (err error) {
	if c.MSSQL.Host, err = dp.GetString(cfgKeyMSSQLHost); err != nil {
		return err
	}
	if c.MSSQL.Port, err = dp.GetInt(cfgKeyMSSQLPort); err != nil {
		return err
	}
	if c.MSSQL.User, err = dp.GetString(cfgKeyMSSQLUser); err != nil {
		return err
	}
	if c.MSSQL.Password, err = dp.GetString(cfgKeyMSSQLPassword); err != nil {
		return err
	}
	if c.MSSQL.Database, err = dp.GetString(cfgKeyMSSQLDatabase); err != nil {
		return err
	}
	c.MSSQL.TxIsolationLevel, err = getIsolationLevel(dp, cfgKeyMSSQLTxLevel)
	return err
}

func (c *Config) setPostgresConfig(dp config.DataProvider) (err error) {
	if c.Postgres.Host, err = dp.GetString(cfgKeyPostgresHost); err != nil {
		return err
	}
	if c.Postgres.Port, err = dp.GetInt(cfgKeyPostgresPort); err != nil {
		return err
	}
	if c.Postgres.User, err = dp.GetString(cfgKeyPostgresUser); err != nil {
		return err
	}
	if c.Postgres.Password, err = dp.GetString(cfgKeyPostgresPassword); err != nil {
		return err
	}
	if c.Postgres.Database, err = dp.GetString(cfgKeyPostgresDatabase); err != nil {
		return err
	}
	if c.Postgres.SearchPath, err = dp.GetString(cfgKeyPostgresSearchPath); err != nil {
		return err
	}
	if c.Postgres.TxIsolationLevel, err = getIsolationLevel(dp, cfgKeyPostgresTxLevel); err != nil {
		return err
	}
	sslModes := []string{
		string(PostgresSSLModeDisable),
		string(PostgresSSLModeRequire),
		string(PostgresSSLModeVerifyCA),
		string(PostgresSSLModeVerifyFull),
	}
	sslMode, err := dp.GetStringFromSet(cfgKeyPostgresSSLMode, sslModes, false)
	if err != nil {
		return err
	}
	c.Postgres.SSLMode = PostgresSSLMode(sslMode)
	return nil
}

// TxIsolationLevel returns transaction isolation level from parsed config for specified dialect.
// SQLite has a single isolation mode, so sql.LevelDefault is returned for it.
func (c *Config) TxIsolationLevel() sql.IsolationLevel {
	switch c.Dialect {
	case DialectMySQL:
		return sql.IsolationLevel(c.MySQL.TxIsolationLevel)
	case DialectPostgres, DialectPgx:
		return sql.IsolationLevel(c.Postgres.TxIsolationLevel)
	case DialectMSSQL:
		return sql.IsolationLevel(c.MSSQL.TxIsolationLevel)
	}
	return sql.LevelDefault
}

// DriverNameAndDSN returns driver name and DSN for connecting.
func (c *Config) DriverNameAndDSN() (driverName, dsn string) {
	switch c.Dialect {
	case DialectSQLite:
		return "sqlite3", MakeSQLiteDSN(&c.SQLite)
	case DialectMySQL:
		return "mysql", MakeMySQLDSN(&c.MySQL)
	case DialectPostgres:
		return "postgres", MakePostgresDSN(&c.Postgres)
	case DialectPgx:
		return "pgx", MakePostgresDSN(&c.Postgres)
	case DialectMSSQL:
		return "sqlserver", MakeMSSQLDSN(&c.MSSQL)
	}
	return "", ""
}

// ConnString returns the connection string understood by Pool.Acquire
// (see ParseConnString for the accepted forms).
func (c *Config) ConnString() string {
	switch c.Dialect {
	case DialectSQLite:
		return schemeSQLite3 + "://" + c.SQLite.Path
	case DialectMySQL:
		return MakeMySQLConnString(&c.MySQL)
	case DialectPostgres:
		return MakePostgresDSN(&c.Postgres)
	case DialectPgx:
		return schemePgx + strings.TrimPrefix(MakePostgresDSN(&c.Postgres), schemePostgres)
	case DialectMSSQL:
		return MakeMSSQLDSN(&c.MSSQL)
	}
	return ""
}

// UpsertMode selects how bookkeeping rows are upserted.
type UpsertMode string

// Upsert modes.
const (
	// UpsertModeAuto detects whether the database supports an atomic upsert statement.
	UpsertModeAuto UpsertMode = "auto"
	// UpsertModeAtomic uses a single insert-or-update statement.
	UpsertModeAtomic UpsertMode = "atomic"
	// UpsertModeManual checks row existence first, then inserts or updates.
	UpsertModeManual UpsertMode = "manual"
)

const (
	cfgKeyMigrationsDir              = "dir"
	cfgKeyMigrationsTableName        = "tableName"
	cfgKeyMigrationsVersionTableName = "versionTableName"
	cfgKeyMigrationsSilent           = "silent"
	cfgKeyMigrationsUpsertMode       = "upsertMode"
)

// Defaults of the migrations runner.
const (
	DefaultMigrationsDir              = "migrations"
	DefaultMigrationsTableName        = "schema_migrations"
	DefaultMigrationsVersionTableName = "schema_migrations_version"
)

// MigrationsConfig contains settings of the migrations runner.
type MigrationsConfig struct {
	Dir              string     `mapstructure:"dir" yaml:"dir" json:"dir"`
	TableName        string     `mapstructure:"tableName" yaml:"tableName" json:"tableName"`
	VersionTableName string     `mapstructure:"versionTableName" yaml:"versionTableName" json:"versionTableName"`
	Silent           bool       `mapstructure:"silent" yaml:"silent" json:"silent"`
	UpsertMode       UpsertMode `mapstructure:"upsertMode" yaml:"upsertMode" json:"upsertMode"`

	keyPrefix string
}

var _ config.Config = (*MigrationsConfig)(nil)
var _ config.KeyPrefixProvider = (*MigrationsConfig)(nil)

// NewMigrationsConfig creates a new instance of the MigrationsConfig.
// Empty keyPrefix means the default "migrations" prefix.
func NewMigrationsConfig(keyPrefix string) *MigrationsConfig {
	return &MigrationsConfig{keyPrefix: keyPrefix}
}

// NewDefaultMigrationsConfig creates a new instance of the MigrationsConfig with default values.
func NewDefaultMigrationsConfig(keyPrefix string) *MigrationsConfig {
	return &MigrationsConfig{
		Dir:              DefaultMigrationsDir,
		TableName:        DefaultMigrationsTableName,
		VersionTableName: DefaultMigrationsVersionTableName,
		UpsertMode:       UpsertModeAuto,
		keyPrefix:        keyPrefix,
	}
}

// KeyPrefix returns a key prefix with which all configuration parameters should be presented.
func (c *MigrationsConfig) KeyPrefix() string {
	if c.keyPrefix == "" {
		return cfgDefaultMigrationsKeyPrefix
	}
	return c.keyPrefix
}

// SetProviderDefaults sets default configuration values in config.DataProvider.
func (c *MigrationsConfig) SetProviderDefaults(dp config.DataProvider) {
	dp.SetDefault(cfgKeyMigrationsDir, DefaultMigrationsDir)
	dp.SetDefault(cfgKeyMigrationsTableName, DefaultMigrationsTableName)
	dp.SetDefault(cfgKeyMigrationsVersionTableName, DefaultMigrationsVersionTableName)
	dp.SetDefault(cfgKeyMigrationsSilent, false)
	dp.SetDefault(cfgKeyMigrationsUpsertMode, string(UpsertModeAuto))
}

// Set sets configuration values from config.DataProvider.
func (c *MigrationsConfig) Set(dp config.DataProvider) (err error) {
	if c.Dir, err = dp.GetString(cfgKeyMigrationsDir); err != nil {
		return err
	}
	if c.TableName, err = dp.GetString(cfgKeyMigrationsTableName); err != nil {
		return err
	}
	if c.TableName == "" {
		return dp.WrapKeyErr(cfgKeyMigrationsTableName, fmt.Errorf("cannot be empty"))
	}
	if c.VersionTableName, err = dp.GetString(cfgKeyMigrationsVersionTableName); err != nil {
		return err
	}
	if c.VersionTableName == "" {
		return dp.WrapKeyErr(cfgKeyMigrationsVersionTableName, fmt.Errorf("cannot be empty"))
	}
	if c.VersionTableName == c.TableName {
		return dp.WrapKeyErr(cfgKeyMigrationsVersionTableName, fmt.Errorf("must differ from %s", cfgKeyMigrationsTableName))
	}
	if c.Silent, err = dp.GetBool(cfgKeyMigrationsSilent); err != nil {
		return err
	}
	modes := []string{string(UpsertModeAuto), string(UpsertModeAtomic), string(UpsertModeManual)}
	mode, err := dp.GetStringFromSet(cfgKeyMigrationsUpsertMode, modes, false)
	if err != nil {
		return err
	}
	c.UpsertMode = UpsertMode(mode)
	return nil
}

func getIsolationLevel(dp config.DataProvider, key string) (IsolationLevel, error) {
	s, err := dp.GetString(key)
	if err != nil {
		return IsolationLevel(sql.LevelDefault), err
	}
	level, err := parseIsolationLevel(s)
	if err != nil {
		return level, dp.WrapKeyErr(key, err)
	}
	return level, nil
}

// IsolationLevel is a sql.IsolationLevel that is decoded from and encoded to its
// human-readable name ("Read Committed", "Serializable", ...).
type IsolationLevel sql.IsolationLevel

// UnmarshalJSON implements json.Unmarshaler interface.
func (il *IsolationLevel) UnmarshalJSON(data []byte) error {
	level, err := parseIsolationLevel(strings.Trim(string(data), `"`))
	if err != nil {
		return err
	}
	*il = level
	return nil
}

// UnmarshalYAML implements yaml.Unmarshaler interface.
func (il *IsolationLevel) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("invalid isolation level: %w", err)
	}
	level, err := parseIsolationLevel(s)
	if err != nil {
		return err
	}
	*il = level
	return nil
}

// UnmarshalText implements encoding.TextUnmarshaler interface (used by mapstructure.TextUnmarshallerHookFunc).
func (il *IsolationLevel) UnmarshalText(text []byte) error {
	return il.UnmarshalJSON(text)
}

// String implements fmt.Stringer interface.
func (il IsolationLevel) String() string {
	return sql.IsolationLevel(il).String()
}

// MarshalJSON implements json.Marshaler interface.
func (il IsolationLevel) MarshalJSON() ([]byte, error) {
	return json.Marshal(il.String())
}

// MarshalYAML implements yaml.Marshaler interface.
func (il IsolationLevel) MarshalYAML() (interface{}, error) {
	return il.String(), nil
}

var isolationLevelsByName = func() map[string]IsolationLevel {
	levels := []sql.IsolationLevel{
		sql.LevelReadUncommitted,
		sql.LevelReadCommitted,
		sql.LevelRepeatableRead,
		sql.LevelSerializable,
	}
	m := make(map[string]IsolationLevel, len(levels))
	for _, level := range levels {
		m[level.String()] = IsolationLevel(level)
	}
	return m
}()

func parseIsolationLevel(s string) (IsolationLevel, error) {
	level, ok := isolationLevelsByName[s]
	if !ok {
		return IsolationLevel(sql.LevelDefault), fmt.Errorf("invalid isolation level: %s", s)
	}
	return level, nil
}
