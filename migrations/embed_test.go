package migrations

import (
	"regexp"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func tableColumns(t *testing.T, script, table string) map[string]string {
	t.Helper()
	re := regexp.MustCompile(`(?s)CREATE TABLE IF NOT EXISTS ` + table + ` \((.*?)\n\);`)
	m := re.FindStringSubmatch(script)
	require.NotNil(t, m, "table %s", table)
	cols := map[string]string{}
	for _, line := range strings.Split(m[1], "\n") {
		line = strings.TrimSuffix(strings.TrimSpace(line), ",")
		name, def, ok := strings.Cut(line, " ")
		if !ok || name == "UNIQUE" {
			continue
		}
		cols[name] = def
	}
	return cols
}

func TestAdjustmentLineColumns(t *testing.T) {
	scripts, err := UpScripts()
	require.NoError(t, err)
	require.NotEmpty(t, scripts)
	cols := tableColumns(t, scripts[0], "stock_adjustment_lines")

	require.Equal(t, "BOOLEAN NOT NULL DEFAULT FALSE", cols["editable"], "new lines start resolved")
	require.True(t, strings.HasPrefix(cols["display_sequence"], "BIGINT"), cols["display_sequence"])
	require.Contains(t, cols, "count_baseline")
	require.Contains(t, cols, "parent_product_id")
}

func TestDownDropsWhatUpCreates(t *testing.T) {
	up, err := Files.ReadFile("000001_init.up.sql")
	require.NoError(t, err)
	down, err := Files.ReadFile("000001_init.down.sql")
	require.NoError(t, err)

	created := regexp.MustCompile(`CREATE TABLE IF NOT EXISTS (\w+)`).FindAllStringSubmatch(string(up), -1)
	require.NotEmpty(t, created)
	for _, m := range created {
		require.Contains(t, string(down), m[1], "down migration keeps table %s", m[1])
	}
}
