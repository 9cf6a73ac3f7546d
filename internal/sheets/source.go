// Package sheets reads the watched symbol list from a spreadsheet.
package sheets

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/option"
	sheetsapi "google.golang.org/api/sheets/v4"
)

// DefaultRange is the watchlist input column of the hub sheet.
const DefaultRange = "HUB_INPUT!A2:A43"

const readonlyScope = "https://www.googleapis.com/auth/spreadsheets.readonly"

// Source supplies the symbols to watch.
type Source interface {
	Symbols(ctx context.Context) ([]string, error)
}

// GoogleSource reads symbols from the first column of a Google Sheets range.
type GoogleSource struct {
	srv           *sheetsapi.Service
	spreadsheetID string
	readRange     string
	logger        logrus.FieldLogger
}

// NewGoogleSource authenticates with a service-account key and returns a
// source for spreadsheetID. An empty readRange uses DefaultRange.
func NewGoogleSource(ctx context.Context, credentialsJSON []byte, spreadsheetID, readRange string, logger logrus.FieldLogger) (*GoogleSource, error) {
	config, err := google.JWTConfigFromJSON(credentialsJSON, readonlyScope)
	if err != nil {
		return nil, fmt.Errorf("failed to get config from json: %w", err)
	}
	srv, err := sheetsapi.NewService(ctx, option.WithHTTPClient(config.Client(ctx)))
	if err != nil {
		return nil, fmt.Errorf("failed to create sheets service: %w", err)
	}
	return NewGoogleSourceWithService(srv, spreadsheetID, readRange, logger), nil
}

// NewGoogleSourceWithService wraps an existing sheets service.
func NewGoogleSourceWithService(srv *sheetsapi.Service, spreadsheetID, readRange string, logger logrus.FieldLogger) *GoogleSource {
	if readRange == "" {
		readRange = DefaultRange
	}
	if logger == nil {
		logger = logrus.StandardLogger().WithField("component", "sheets")
	}
	return &GoogleSource{srv: srv, spreadsheetID: spreadsheetID, readRange: readRange, logger: logger}
}

// DecodeCredentials accepts a service-account key as raw JSON or base64.
func DecodeCredentials(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "{") {
		return []byte(s), nil
	}
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("failed to base64 decode credentials: %w", err)
	}
	return b, nil
}

func (g *GoogleSource) Symbols(ctx context.Context) ([]string, error) {
	resp, err := g.srv.Spreadsheets.Values.Get(g.spreadsheetID, g.readRange).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", g.readRange, err)
	}
	var firstColumn []string
	for _, row := range resp.Values {
		if len(row) == 0 {
			continue
		}
		firstColumn = append(firstColumn, fmt.Sprint(row[0]))
	}
	symbols := Normalize(firstColumn)
	g.logger.WithField("count", len(symbols)).Debug("loaded symbols from sheet")
	return symbols, nil
}

// StaticSource returns a fixed symbol list.
type StaticSource []string

func (s StaticSource) Symbols(context.Context) ([]string, error) {
	return Normalize(s), nil
}

// Normalize trims and upper-cases symbols, dropping blanks and repeats.
func Normalize(raw []string) []string {
	seen := make(map[string]bool, len(raw))
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		s := strings.ToUpper(strings.TrimSpace(r))
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}
