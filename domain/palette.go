package domain

import (
	"bytes"
	"chitchat/errors"
	_ "embed"
	"encoding/csv"
	"fmt"
	"io"
	"strings"

	"github.com/gookit/color"
)

//go:embed palette.csv
var paletteCSV []byte

// Color is a named participant colour.
type Color struct {
	Name string `json:"name"`
	Hex  string `json:"hex"`
}

var (
	// DepartedColor paints participants that left the room.
	DepartedColor = Color{Name: "LightGray", Hex: "#D3D3D3"}
	// OverflowColor is bound when the pool is exhausted.
	OverflowColor = Color{Name: "Gray", Hex: "#808080"}
)

// Paint renders text with the colour on a true-colour terminal.
func (c Color) Paint(text string) string {
	return color.HEX(c.Hex).Sprint(text)
}

func (c Color) String() string {
	return c.Name
}

// DefaultPalette returns a fresh copy of the embedded palette.
func DefaultPalette() []Color {
	palette, err := LoadPalette(bytes.NewReader(paletteCSV))
	if err != nil {
		panic(fmt.Sprintf("embedded palette: %v", err))
	}
	return palette
}

// LoadPalette reads a "name,hex" CSV with a header line.
func LoadPalette(r io.Reader) ([]Color, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = 2
	reader.TrimLeadingSpace = true

	records, err := reader.ReadAll()
	if err != nil {
		return nil, err
	}
	var palette []Color
	for i, record := range records {
		if i == 0 && strings.EqualFold(record[0], "name") {
			continue
		}
		hex := strings.TrimSpace(record[1])
		if !strings.HasPrefix(hex, "#") || len(hex) != 7 {
			return nil, fmt.Errorf("line %d: invalid hex colour %q", i+1, hex)
		}
		palette = append(palette, Color{Name: strings.TrimSpace(record[0]), Hex: strings.ToUpper(hex)})
	}
	if len(palette) == 0 {
		return nil, errors.ErrEmptyPalette
	}
	return palette, nil
}
