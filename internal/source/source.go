// Package source loads the upstream proxy list from the configured origins.
package source

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"rotagate/internal/config"
	"rotagate/internal/entity"
	"rotagate/internal/errs"

	"github.com/ulikunitz/xz"
)

const maxPoolResponseBytes = 8 << 20

// poolEntry is one element of the remote pool response.
type poolEntry struct {
	Proxy string `json:"proxy"`
}

// Load reads the inline list, the list file and the remote pool, in that
// order, and returns their concatenation with duplicates removed.
func Load(ctx context.Context, log *slog.Logger, cfg config.Source) ([]entity.Endpoint, error) {
	log = log.With(slog.String("package", "source"))

	var endpoints []entity.Endpoint

	if cfg.List != "" {
		endpoints = append(endpoints, parseList(log, cfg.List)...)
	}

	if cfg.File != "" {
		fromFile, err := loadFile(log, cfg.File)
		if err != nil {
			return nil, err
		}

		endpoints = append(endpoints, fromFile...)
	}

	if cfg.PoolURL != "" {
		fromPool, err := loadPool(ctx, log, cfg.PoolURL, cfg.PoolTimeout)
		if err != nil {
			return nil, err
		}

		endpoints = append(endpoints, fromPool...)
	}

	endpoints = dedupe(endpoints)
	if len(endpoints) == 0 {
		return nil, errs.ErrEmptyProxyList
	}

	log.InfoContext(ctx, "proxy list loaded", slog.Int("count", len(endpoints)))

	return endpoints, nil
}

// parseList parses comma-separated host:port[:scheme] entries.
func parseList(log *slog.Logger, list string) []entity.Endpoint {
	var endpoints []entity.Endpoint

	for raw := range strings.SplitSeq(list, ",") {
		if strings.TrimSpace(raw) == "" {
			continue
		}

		endpoint, err := entity.ParseEndpointString(raw)
		if err != nil {
			log.Warn("skipping proxy list entry", slog.String("entry", raw), slog.Any("error", err))

			continue
		}

		endpoints = append(endpoints, endpoint)
	}

	return endpoints
}

// loadFile reads host,port[,scheme] rows from a CSV file, decompressing it
// first when the name ends in .xz.
func loadFile(log *slog.Logger, path string) ([]entity.Endpoint, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: open proxy list file: %w", errs.ErrSourceFailed, err)
	}
	defer f.Close()

	var r io.Reader = f

	if strings.HasSuffix(path, ".xz") {
		r, err = xz.NewReader(f)
		if err != nil {
			return nil, fmt.Errorf("%w: xz reader: %w", errs.ErrSourceFailed, err)
		}
	}

	return parseCSV(log, r)
}

func parseCSV(log *slog.Logger, r io.Reader) ([]entity.Endpoint, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true
	reader.Comment = '#'

	var endpoints []entity.Endpoint

	for {
		row, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}

		if err != nil {
			var parseErr *csv.ParseError
			if errors.As(err, &parseErr) {
				log.Warn("skipping malformed proxy list row", slog.Any("error", err))

				continue
			}

			return nil, fmt.Errorf("%w: read proxy list file: %w", errs.ErrSourceFailed, err)
		}

		var (
			endpoint entity.Endpoint
			perr     error
		)

		switch len(row) {
		case 2:
			endpoint, perr = entity.ParseEndpoint(row[0], row[1], "")
		case 3:
			endpoint, perr = entity.ParseEndpoint(row[0], row[1], row[2])
		default:
			perr = fmt.Errorf("%w: %d fields", errs.ErrInvalidEndpoint, len(row))
		}

		if perr != nil {
			log.Warn("skipping proxy list row", slog.Any("row", row), slog.Any("error", perr))

			continue
		}

		endpoints = append(endpoints, endpoint)
	}

	return endpoints, nil
}

// loadPool fetches a JSON array of {"proxy": "host:port"} objects.
func loadPool(ctx context.Context, log *slog.Logger, poolURL string, timeout time.Duration) ([]entity.Endpoint, error) {
	if timeout > 0 {
		var cancel context.CancelFunc

		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, poolURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: create pool request: %w", errs.ErrSourceFailed, err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: fetch pool: %w", errs.ErrSourceFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: fetch pool: HTTP %d", errs.ErrSourceFailed, resp.StatusCode)
	}

	var entries []poolEntry

	err = json.NewDecoder(io.LimitReader(resp.Body, maxPoolResponseBytes)).Decode(&entries)
	if err != nil {
		return nil, fmt.Errorf("%w: decode pool: %w", errs.ErrSourceFailed, err)
	}

	endpoints := make([]entity.Endpoint, 0, len(entries))

	for _, entry := range entries {
		endpoint, err := entity.ParseEndpointString(entry.Proxy)
		if err != nil {
			log.Warn("skipping pool entry", slog.String("entry", entry.Proxy), slog.Any("error", err))

			continue
		}

		endpoints = append(endpoints, endpoint)
	}

	return endpoints, nil
}

// dedupe removes repeated endpoints, keeping first occurrences in order.
func dedupe(endpoints []entity.Endpoint) []entity.Endpoint {
	seen := make(map[entity.Endpoint]struct{}, len(endpoints))
	out := endpoints[:0]

	for _, endpoint := range endpoints {
		if _, ok := seen[endpoint]; ok {
			continue
		}

		seen[endpoint] = struct{}{}
		out = append(out, endpoint)
	}

	return out
}
