package market

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/rickgao/mdregistry/internal/model"
)

// ListingFile is the YAML form of a reference data file.
type ListingFile struct {
	Listings []FileListing `yaml:"listings"`
}

// FileListing is the YAML form of model.TickerInfo.
type FileListing struct {
	Ticker   string `yaml:"ticker"` // SYMBOL.VENUE of the primary listing
	Country  string `yaml:"country"`
	Name     string `yaml:"name"`
	BoardLot int64  `yaml:"board_lot"`
}

// LoadListings reads a reference data file.
func LoadListings(path string) ([]model.TickerInfo, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read listings file: %w", err)
	}
	return ParseListings(data)
}

// ParseListings parses reference data YAML.
func ParseListings(data []byte) ([]model.TickerInfo, error) {
	var f ListingFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse listings yaml: %w", err)
	}

	infos := make([]model.TickerInfo, 0, len(f.Listings))
	for i, l := range f.Listings {
		ticker, err := model.ParseTicker(l.Ticker)
		if err != nil {
			return nil, fmt.Errorf("listing %d: %w", i, err)
		}
		ticker.Country = strings.ToUpper(l.Country)
		infos = append(infos, model.TickerInfo{Ticker: ticker, Name: l.Name, BoardLot: l.BoardLot})
	}
	return infos, nil
}
