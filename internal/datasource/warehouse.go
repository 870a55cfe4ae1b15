package datasource

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/waypointops/cutoverd/internal/platform/logger"
	"github.com/waypointops/cutoverd/internal/runbook"
)

// WarehouseSource talks to an async SQL-warehouse REST API: submit the
// statement, poll every two seconds while it is pending or running, convert
// the succeeded result's row array into a Table. Terminal non-success states
// surface as errors.
type WarehouseSource struct {
	log          *logger.Logger
	client       *http.Client
	conns        map[string]ConnectionConfig
	pollInterval time.Duration
}

func NewWarehouseSource(baseLog *logger.Logger, conns map[string]ConnectionConfig) *WarehouseSource {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 3
	rc.Logger = nil
	return &WarehouseSource{
		log:          baseLog.With("component", "WarehouseSource"),
		client:       rc.StandardClient(),
		conns:        conns,
		pollInterval: 2 * time.Second,
	}
}

type warehouseStatement struct {
	StatementID string `json:"statement_id"`
	Status      struct {
		State string `json:"state"`
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	} `json:"status"`
	Manifest struct {
		Schema struct {
			Columns []struct {
				Name string `json:"name"`
			} `json:"columns"`
		} `json:"schema"`
	} `json:"manifest"`
	Result struct {
		DataArray [][]*string `json:"data_array"`
	} `json:"result"`
}

func (s *WarehouseSource) Query(ctx context.Context, ds runbook.DataSourceSpec) (*Table, error) {
	conn, ok := s.conns[ds.Connection]
	if !ok {
		return nil, fmt.Errorf("unknown warehouse connection %q", ds.Connection)
	}

	submitted, err := s.submit(ctx, conn, ds)
	if err != nil {
		return nil, err
	}
	st := submitted
	for {
		switch st.Status.State {
		case "SUCCEEDED":
			return toTable(st)
		case "PENDING", "RUNNING":
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(s.pollInterval):
			}
			st, err = s.fetch(ctx, conn, st.StatementID)
			if err != nil {
				return nil, err
			}
		default:
			return nil, fmt.Errorf("warehouse statement %s ended %s: %s", st.StatementID, st.Status.State, st.Status.Error.Message)
		}
	}
}

func (s *WarehouseSource) submit(ctx context.Context, conn ConnectionConfig, ds runbook.DataSourceSpec) (*warehouseStatement, error) {
	payload := map[string]string{
		"statement":    ds.Query,
		"wait_timeout": "0s",
	}
	if ds.WarehouseID != "" {
		payload["warehouse_id"] = ds.WarehouseID
	}
	body, _ := json.Marshal(payload)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, conn.BaseURL+"/api/2.0/sql/statements", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return s.do(req, conn)
}

func (s *WarehouseSource) fetch(ctx context.Context, conn ConnectionConfig, statementID string) (*warehouseStatement, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, conn.BaseURL+"/api/2.0/sql/statements/"+statementID, nil)
	if err != nil {
		return nil, err
	}
	return s.do(req, conn)
}

func (s *WarehouseSource) do(req *http.Request, conn ConnectionConfig) (*warehouseStatement, error) {
	if conn.Token != "" {
		req.Header.Set("Authorization", "Bearer "+conn.Token)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("warehouse request: %w", err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("warehouse request: status %d: %s", resp.StatusCode, string(raw))
	}
	var st warehouseStatement
	if err := json.Unmarshal(raw, &st); err != nil {
		return nil, fmt.Errorf("warehouse response: %w", err)
	}
	return &st, nil
}

func toTable(st *warehouseStatement) (*Table, error) {
	cols := make([]string, 0, len(st.Manifest.Schema.Columns))
	for _, c := range st.Manifest.Schema.Columns {
		cols = append(cols, c.Name)
	}
	if len(cols) == 0 {
		return nil, fmt.Errorf("warehouse result has no schema")
	}
	rows := make([]map[string]*string, 0, len(st.Result.DataArray))
	for _, arr := range st.Result.DataArray {
		row := make(map[string]*string, len(cols))
		for i, c := range cols {
			if i < len(arr) {
				row[c] = arr[i]
			} else {
				row[c] = nil
			}
		}
		rows = append(rows, row)
	}
	return &Table{Columns: cols, Rows: rows}, nil
}
