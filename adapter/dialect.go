package adapter

import (
	"strings"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/mysql"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres"
	_ "github.com/doug-martin/goqu/v9/dialect/sqlserver"
	"github.com/doug-martin/goqu/v9/exp"
	"github.com/maxpert/metascope/metadata"
)

const informationSchema = "information_schema"

// dialect captures everything that differs between the relational backends:
// driver name, goqu dialect, catalog identifier casing and default schema.
type dialect struct {
	kind      metadata.BackendKind
	driver    string
	goqu      string
	upperCase bool
	schema    func(src metadata.DataSource) string
}

var dialects = map[metadata.BackendKind]dialect{
	metadata.KindMySQL: {
		kind:   metadata.KindMySQL,
		driver: "mysql",
		goqu:   "mysql",
		schema: func(src metadata.DataSource) string {
			if db := src.DatabaseName(); db != "" {
				return db
			}
			return informationSchema
		},
	},
	metadata.KindPostgreSQL: {
		kind:   metadata.KindPostgreSQL,
		driver: "postgres",
		goqu:   "postgres",
		schema: func(metadata.DataSource) string { return "public" },
	},
	metadata.KindSQLServer: {
		kind:      metadata.KindSQLServer,
		driver:    "sqlserver",
		goqu:      "sqlserver",
		upperCase: true,
		schema:    func(metadata.DataSource) string { return "dbo" },
	},
}

func dialectFor(kind metadata.BackendKind) (dialect, error) {
	d, ok := dialects[kind]
	if !ok {
		return dialect{}, metadata.UnsupportedBackendError{Value: string(kind)}
	}
	return d, nil
}

// resolveSchema returns the explicit schema when given, else the dialect default.
func (d dialect) resolveSchema(src metadata.DataSource, schema *string) string {
	if schema != nil && *schema != "" {
		return *schema
	}
	return d.schema(src)
}

// ident renders a catalog identifier in the casing the backend stores it in.
func (d dialect) ident(name string) string {
	if d.upperCase {
		return strings.ToUpper(name)
	}
	return name
}

func (d dialect) catalogTable(name string) exp.IdentifierExpression {
	return goqu.T(d.ident(name)).Schema(d.ident(informationSchema))
}

func (d dialect) aliased(alias, col string) exp.IdentifierExpression {
	return goqu.I(alias + "." + d.ident(col))
}

func (d dialect) tablesQuery(schema string) (string, []interface{}, error) {
	return goqu.Dialect(d.goqu).
		From(d.catalogTable("tables")).
		Select(goqu.C(d.ident("table_name"))).
		Where(goqu.Ex{
			d.ident("table_schema"): schema,
			d.ident("table_type"):   "BASE TABLE",
		}).
		Order(goqu.C(d.ident("table_name")).Asc()).
		Prepared(true).
		ToSQL()
}

func (d dialect) columnsQuery(schema, table string) (string, []interface{}, error) {
	return goqu.Dialect(d.goqu).
		From(d.catalogTable("columns")).
		Select(
			goqu.C(d.ident("column_name")),
			goqu.C(d.ident("data_type")),
			goqu.C(d.ident("is_nullable")),
			goqu.C(d.ident("column_default")),
		).
		Where(goqu.Ex{
			d.ident("table_schema"): schema,
			d.ident("table_name"):   table,
		}).
		Order(goqu.C(d.ident("ordinal_position")).Asc()).
		Prepared(true).
		ToSQL()
}

func (d dialect) constraintsQuery(schema, table string) (string, []interface{}, error) {
	return goqu.Dialect(d.goqu).
		From(d.catalogTable("table_constraints").As("tc")).
		Join(d.catalogTable("key_column_usage").As("kcu"), goqu.On(
			d.aliased("tc", "constraint_name").Eq(d.aliased("kcu", "constraint_name")),
			d.aliased("tc", "table_schema").Eq(d.aliased("kcu", "table_schema")),
			d.aliased("tc", "table_name").Eq(d.aliased("kcu", "table_name")),
		)).
		Select(d.aliased("kcu", "column_name"), d.aliased("tc", "constraint_type")).
		Where(
			d.aliased("tc", "table_schema").Eq(schema),
			d.aliased("tc", "table_name").Eq(table),
		).
		Order(d.aliased("kcu", "ordinal_position").Asc()).
		Prepared(true).
		ToSQL()
}

// countQuery is not prepared: identifiers cannot be bound, goqu quotes them instead.
func (d dialect) countQuery(schema, table string) (string, error) {
	query, _, err := goqu.Dialect(d.goqu).
		From(goqu.S(schema).Table(table)).
		Select(goqu.COUNT(goqu.Star())).
		ToSQL()
	return query, err
}
