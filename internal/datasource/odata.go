package datasource

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/waypointops/cutoverd/internal/platform/logger"
	"github.com/waypointops/cutoverd/internal/runbook"
)

// ODataSource queries an OData-style business database. The runbook's query
// text is the relative resource path (including any $filter/$select); pages
// follow @odata.nextLink until exhausted.
type ODataSource struct {
	log    *logger.Logger
	client *http.Client
	conns  map[string]ConnectionConfig
}

func NewODataSource(baseLog *logger.Logger, conns map[string]ConnectionConfig) *ODataSource {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 3
	rc.Logger = nil
	return &ODataSource{
		log:    baseLog.With("component", "ODataSource"),
		client: rc.StandardClient(),
		conns:  conns,
	}
}

type odataPage struct {
	Value    []map[string]any `json:"value"`
	NextLink string           `json:"@odata.nextLink"`
}

func (s *ODataSource) Query(ctx context.Context, ds runbook.DataSourceSpec) (*Table, error) {
	conn, ok := s.conns[ds.Connection]
	if !ok {
		return nil, fmt.Errorf("unknown business_db connection %q", ds.Connection)
	}

	url := conn.BaseURL + "/" + strings.TrimPrefix(strings.TrimSpace(ds.Query), "/")
	colSet := map[string]bool{}
	var rows []map[string]*string
	for url != "" {
		page, err := s.fetchPage(ctx, conn, url)
		if err != nil {
			return nil, err
		}
		for _, rec := range page.Value {
			row := make(map[string]*string, len(rec))
			for k, v := range rec {
				if strings.HasPrefix(k, "@odata") {
					continue
				}
				colSet[k] = true
				row[k] = coerce(v)
			}
			rows = append(rows, row)
		}
		url = page.NextLink
	}

	cols := make([]string, 0, len(colSet))
	for c := range colSet {
		cols = append(cols, c)
	}
	sort.Strings(cols)
	return &Table{Columns: cols, Rows: rows}, nil
}

func (s *ODataSource) fetchPage(ctx context.Context, conn ConnectionConfig, url string) (*odataPage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if conn.Token != "" {
		req.Header.Set("Authorization", "Bearer "+conn.Token)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("odata request: %w", err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("odata request: status %d: %s", resp.StatusCode, string(raw))
	}
	var page odataPage
	if err := json.Unmarshal(raw, &page); err != nil {
		return nil, fmt.Errorf("odata response: %w", err)
	}
	return &page, nil
}

func coerce(v any) *string {
	if v == nil {
		return nil
	}
	var s string
	switch t := v.(type) {
	case string:
		s = t
	case json.Number:
		s = t.String()
	case float64:
		b, _ := json.Marshal(t)
		s = string(b)
	case bool:
		if t {
			s = "true"
		} else {
			s = "false"
		}
	default:
		b, _ := json.Marshal(t)
		s = string(b)
	}
	return &s
}
