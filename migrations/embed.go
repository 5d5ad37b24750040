package migrations

import (
	"embed"
	"io/fs"
	"sort"
)

// Files embeds the SQL migrations.
//
//go:embed *.sql
var Files embed.FS

// UpScripts returns the up migrations in apply order.
func UpScripts() ([]string, error) {
	names, err := fs.Glob(Files, "*.up.sql")
	if err != nil {
		return nil, err
	}
	sort.Strings(names)
	scripts := make([]string, 0, len(names))
	for _, name := range names {
		body, err := fs.ReadFile(Files, name)
		if err != nil {
			return nil, err
		}
		scripts = append(scripts, string(body))
	}
	return scripts, nil
}
