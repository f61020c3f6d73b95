package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSplitSQLStatementsIgnoresSemicolonsInStrings(t *testing.T) {
	sql := `INSERT INTO foo (name) VALUES ('a;b'); UPDATE foo SET name = 'c';`
	got := splitSQLStatements(sql)
	assert.Len(t, got, 2)
	assert.Contains(t, got[0], "'a;b'")
}

func TestSplitSQLStatementsKeepsTrailingStatementWithoutSemicolon(t *testing.T) {
	sql := `SELECT 1; SELECT 2`
	got := splitSQLStatements(sql)
	assert.Len(t, got, 2)
}

func TestMigrationsEmbedNonEmpty(t *testing.T) {
	entries, err := migrationsFS.ReadDir("migrations")
	assert.NoError(t, err)
	assert.NotEmpty(t, entries)
}

func TestSplitSQLStatementsIgnoresSemicolonsInDollarQuotedBody(t *testing.T) {
	sql := "CREATE TABLE a (id INT);\n" +
		"CREATE OR REPLACE FUNCTION f() RETURNS void AS $$\n" +
		"    INSERT INTO a (id) VALUES (1);\n" +
		"    INSERT INTO a (id) VALUES (2);\n" +
		"$$ LANGUAGE SQL;\n" +
		"CREATE TABLE b (id INT);"
	got := splitSQLStatements(sql)
	assert.Len(t, got, 3)
	assert.Contains(t, got[1], "$$ LANGUAGE SQL")
	assert.Contains(t, got[1], "INSERT INTO a (id) VALUES (1);")
	assert.Contains(t, got[1], "INSERT INTO a (id) VALUES (2);")
	assert.Contains(t, got[2], "CREATE TABLE b")
}

func TestSplitSQLStatementsHandlesNamedDollarTag(t *testing.T) {
	sql := "CREATE FUNCTION g() RETURNS void AS $body$ SELECT 1; SELECT 2; $body$ LANGUAGE SQL; SELECT 3;"
	got := splitSQLStatements(sql)
	assert.Len(t, got, 2)
	assert.Contains(t, got[0], "$body$ LANGUAGE SQL")
}
