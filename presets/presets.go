// Package presets is a small registry of named image geometries (block
// size / block count / inode count combinations), loaded from an embedded
// CSV with gocsv, so the CLI's format subcommand can accept
// -preset floppy1440 instead of three raw integers.
package presets

import (
	"fmt"
	"io"
	"strings"

	_ "embed"

	"github.com/gocarina/gocsv"
	"golang.org/x/exp/slices"
)

// Geometry is one named combination of the three parameters format
// requires.
type Geometry struct {
	Slug       string `csv:"slug"`
	BlockSize  uint32 `csv:"block_size"`
	BlockCount uint32 `csv:"block_count"`
	InodeCount uint32 `csv:"inode_count"`
	Notes      string `csv:"notes"`
}

//go:embed presets.csv
var rawCSV string

var geometries map[string]Geometry

func init() {
	geometries = map[string]Geometry{}
	reader := strings.NewReader(rawCSV)
	err := gocsv.UnmarshalToCallback(reader, func(row Geometry) error {
		if _, exists := geometries[row.Slug]; exists {
			return fmt.Errorf("duplicate preset slug %q", row.Slug)
		}
		geometries[row.Slug] = row
		return nil
	})
	if err != nil && err != io.EOF {
		panic(err)
	}
}

// Get looks up a preset by slug.
func Get(slug string) (Geometry, error) {
	g, ok := geometries[slug]
	if !ok {
		return Geometry{}, fmt.Errorf("no predefined image geometry exists with slug %q", slug)
	}
	return g, nil
}

// Names returns every known preset slug in sorted order.
func Names() []string {
	names := make([]string, 0, len(geometries))
	for slug := range geometries {
		names = append(names, slug)
	}
	slices.Sort(names)
	return names
}
