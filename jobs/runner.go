package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/queryproxy/queryproxy/catalog"
	"github.com/queryproxy/queryproxy/discovery"
	"github.com/queryproxy/queryproxy/engine"
)

var jobsStartedCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "queryproxy_discovery_jobs_total",
	Help: "Total number of discovery jobs started, by action",
}, []string{"action"})

var jobsTerminalCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "queryproxy_discovery_jobs_terminal_total",
	Help: "Total number of discovery jobs reaching a terminal state, by status",
}, []string{"status"})

// Request is the tagged submit body. `schemas` is shape-polymorphic: a
// string list for discover_tables, selection objects for save_catalog.
type Request struct {
	Action  string              `json:"action"`
	Schemas json.RawMessage     `json:"schemas,omitempty"`
	Tables  []discovery.TableRef `json:"tables,omitempty"`
}

// knownActions guards submit validation.
var knownActions = map[string]bool{
	"discover_schemas": true,
	"discover_tables":  true,
	"discover_columns": true,
	"save_catalog":     true,
	"sync_catalog":     true,
}

// SchemaNames decodes the discover_tables shape of the schemas field.
func (r Request) SchemaNames() ([]string, error) {
	var names []string
	if err := json.Unmarshal(r.Schemas, &names); err != nil {
		return nil, fmt.Errorf("schemas must be a list of names: %w", err)
	}
	return names, nil
}

// SaveSchemaInput is one schema subtree of a save_catalog request.
type SaveSchemaInput struct {
	SchemaName string           `json:"schema_name"`
	IsSelected bool             `json:"is_selected"`
	Tables     []SaveTableInput `json:"tables"`
}

// SaveTableInput is one table row of a save_catalog request.
type SaveTableInput struct {
	TableName  string `json:"table_name"`
	TableType  string `json:"table_type"`
	IsSelected bool   `json:"is_selected"`
}

// SchemaSelections decodes the save_catalog shape of the schemas field.
func (r Request) SchemaSelections() ([]SaveSchemaInput, error) {
	var sels []SaveSchemaInput
	if err := json.Unmarshal(r.Schemas, &sels); err != nil {
		return nil, fmt.Errorf("schemas must be selection objects: %w", err)
	}
	return sels, nil
}

// Runner executes discovery jobs against the admin store and the engine
// cache.
type Runner struct {
	Store *catalog.Store
	Cache *engine.Cache
	Jobs  *JobStore
}

// NewRunner wires a runner.
func NewRunner(store *catalog.Store, cache *engine.Cache, jobStore *JobStore) *Runner {
	return &Runner{Store: store, Cache: cache, Jobs: jobStore}
}

// Submit validates the datasource, claims its single-flight slot, and
// starts the job in the background. Returns a ConflictError (with the
// active job's ID) when a job is already running.
func (r *Runner) Submit(ctx context.Context, dataSourceID uuid.UUID, req Request) (*Job, error) {
	if !knownActions[req.Action] {
		return nil, fmt.Errorf("unknown discovery action %q", req.Action)
	}

	ds, err := r.Store.DataSourceModelByID(ctx, dataSourceID)
	if err != nil {
		return nil, err
	}

	jobCtx, cancel := context.WithCancel(context.Background())
	job, err := NewJob(dataSourceID, req.Action, cancel)
	if err != nil {
		cancel()
		return nil, err
	}
	if err := r.Jobs.TryRegister(job); err != nil {
		cancel()
		return nil, err
	}

	jobsStartedCounter.WithLabelValues(req.Action).Inc()
	slog.Info("Discovery job started",
		"job_id", job.ID, "datasource", ds.Name, "action", req.Action)

	go r.run(jobCtx, job, ds, req)
	return job, nil
}

func (r *Runner) run(ctx context.Context, job *Job, ds *catalog.DataSource, req Request) {
	result, err := r.execute(ctx, job, ds, req)
	switch {
	case err == nil:
		r.Jobs.Complete(job, result)
		jobsTerminalCounter.WithLabelValues(string(StatusCompleted)).Inc()
		slog.Info("Discovery job completed", "job_id", job.ID, "action", job.Action)
	case errors.Is(err, discovery.ErrCancelled) || ctx.Err() != nil:
		r.Jobs.MarkCancelled(job)
		jobsTerminalCounter.WithLabelValues(string(StatusCancelled)).Inc()
		slog.Info("Discovery job cancelled", "job_id", job.ID, "action", job.Action)
	default:
		r.Jobs.Fail(job, err.Error())
		jobsTerminalCounter.WithLabelValues(string(StatusFailed)).Inc()
		slog.Warn("Discovery job failed", "job_id", job.ID, "action", job.Action, "error", err)
	}
}

func (r *Runner) execute(ctx context.Context, job *Job, ds *catalog.DataSource, req Request) (any, error) {
	switch req.Action {
	case "discover_schemas":
		return r.discoverSchemas(ctx, job, ds)
	case "discover_tables":
		names, err := req.SchemaNames()
		if err != nil {
			return nil, err
		}
		return r.discoverTables(ctx, job, ds, names)
	case "discover_columns":
		return r.discoverColumns(ctx, job, ds, req.Tables)
	case "save_catalog":
		sels, err := req.SchemaSelections()
		if err != nil {
			return nil, err
		}
		return r.saveCatalog(ctx, job, ds, sels)
	case "sync_catalog":
		return r.syncCatalog(ctx, job, ds)
	}
	return nil, fmt.Errorf("unknown discovery action %q", req.Action)
}

func (r *Runner) provider(ds *catalog.DataSource) (discovery.Provider, error) {
	conn, err := r.Store.ResolveConn(ds)
	if err != nil {
		return nil, err
	}
	return discovery.NewProvider(ds.DSType, conn)
}

// ---------- actions ----------

type discoveredSchemaResponse struct {
	SchemaName        string `json:"schema_name"`
	IsAlreadySelected bool   `json:"is_already_selected"`
}

func (r *Runner) discoverSchemas(ctx context.Context, job *Job, ds *catalog.DataSource) (any, error) {
	job.publish(progressEvent("connecting", "Connecting to upstream database"))
	provider, err := r.provider(ds)
	if err != nil {
		return nil, err
	}
	defer provider.Close()

	job.publish(progressEvent("querying", "Querying schemas"))
	schemas, err := provider.DiscoverSchemas(ctx)
	if err != nil {
		return nil, err
	}

	selected, err := r.selectedSchemaNames(ctx, ds.ID)
	if err != nil {
		return nil, err
	}

	resp := make([]discoveredSchemaResponse, 0, len(schemas))
	for _, s := range schemas {
		resp = append(resp, discoveredSchemaResponse{
			SchemaName:        s.SchemaName,
			IsAlreadySelected: selected[s.SchemaName],
		})
	}
	return resp, nil
}

type discoveredTableResponse struct {
	SchemaName        string `json:"schema_name"`
	TableName         string `json:"table_name"`
	TableType         string `json:"table_type"`
	IsAlreadySelected bool   `json:"is_already_selected"`
}

func (r *Runner) discoverTables(ctx context.Context, job *Job, ds *catalog.DataSource, schemas []string) (any, error) {
	job.publish(progressEvent("connecting", "Connecting to upstream database"))
	provider, err := r.provider(ds)
	if err != nil {
		return nil, err
	}
	defer provider.Close()

	job.publish(progressEvent("querying", "Querying tables"))
	tables, err := provider.DiscoverTables(ctx, schemas)
	if err != nil {
		return nil, err
	}

	selected, err := r.selectedTablePairs(ctx, ds.ID)
	if err != nil {
		return nil, err
	}

	resp := make([]discoveredTableResponse, 0, len(tables))
	for _, t := range tables {
		resp = append(resp, discoveredTableResponse{
			SchemaName:        t.SchemaName,
			TableName:         t.TableName,
			TableType:         t.TableType,
			IsAlreadySelected: selected[[2]string{t.SchemaName, t.TableName}],
		})
	}
	return resp, nil
}

func (r *Runner) discoverColumns(ctx context.Context, job *Job, ds *catalog.DataSource, tables []discovery.TableRef) (any, error) {
	job.publish(progressEvent("connecting", "Connecting to upstream database"))
	provider, err := r.provider(ds)
	if err != nil {
		return nil, err
	}
	defer provider.Close()

	job.publish(progressEvent("querying", fmt.Sprintf("Discovering columns for %d tables", len(tables))))
	columns, err := provider.DiscoverColumns(ctx, tables)
	if err != nil {
		return nil, err
	}
	return columnsResponse(columns), nil
}

type discoveredColumnResponse struct {
	SchemaName      string  `json:"schema_name"`
	TableName       string  `json:"table_name"`
	ColumnName      string  `json:"column_name"`
	OrdinalPosition int     `json:"ordinal_position"`
	DataType        string  `json:"data_type"`
	IsNullable      bool    `json:"is_nullable"`
	ColumnDefault   *string `json:"column_default"`
	ArrowType       *string `json:"arrow_type"`
}

func columnsResponse(columns []discovery.Column) []discoveredColumnResponse {
	resp := make([]discoveredColumnResponse, 0, len(columns))
	for _, c := range columns {
		resp = append(resp, discoveredColumnResponse{
			SchemaName:      c.SchemaName,
			TableName:       c.TableName,
			ColumnName:      c.ColumnName,
			OrdinalPosition: c.OrdinalPosition,
			DataType:        c.DataType,
			IsNullable:      c.IsNullable,
			ColumnDefault:   c.ColumnDefault,
			ArrowType:       c.ArrowType,
		})
	}
	return resp
}

func (r *Runner) saveCatalog(ctx context.Context, job *Job, ds *catalog.DataSource, sels []SaveSchemaInput) (any, error) {
	selections := make([]catalog.SchemaSelection, 0, len(sels))
	var selectedRefs []discovery.TableRef
	for _, s := range sels {
		sel := catalog.SchemaSelection{SchemaName: s.SchemaName, IsSelected: s.IsSelected}
		for _, t := range s.Tables {
			sel.Tables = append(sel.Tables, catalog.TableSelection{
				TableName:  t.TableName,
				TableType:  t.TableType,
				IsSelected: t.IsSelected,
			})
			if s.IsSelected && t.IsSelected {
				selectedRefs = append(selectedRefs, discovery.TableRef{Schema: s.SchemaName, Table: t.TableName})
			}
		}
		selections = append(selections, sel)
	}

	// Column discovery happens before the transaction so the save is a
	// single atomic write: all selections and columns land, or none do.
	var columns []catalog.ColumnInput
	if len(selectedRefs) > 0 {
		job.publish(progressEvent("connecting", "Connecting to upstream database for column discovery"))
		provider, err := r.provider(ds)
		if err != nil {
			return nil, err
		}
		defer provider.Close()

		job.publish(progressEvent("querying", fmt.Sprintf("Discovering columns for %d tables", len(selectedRefs))))
		discovered, err := provider.DiscoverColumns(ctx, selectedRefs)
		if err != nil {
			return nil, err
		}
		columns = columnInputs(discovered)
	}

	job.publish(progressEvent("saving", "Saving catalog selections"))
	if err := r.Store.SaveCatalog(ctx, ds.ID, selections, columns); err != nil {
		return nil, err
	}

	// Catalog changed, connection parameters did not: drop the context,
	// keep the pool.
	r.Cache.Invalidate(ds.Name)

	return map[string]any{"ok": true}, nil
}

func (r *Runner) syncCatalog(ctx context.Context, job *Job, ds *catalog.DataSource) (any, error) {
	job.publish(progressEvent("connecting", "Connecting to upstream database"))
	provider, err := r.provider(ds)
	if err != nil {
		return nil, err
	}
	defer provider.Close()

	persisted, err := r.Store.CatalogTree(ctx, ds.ID)
	if err != nil {
		return nil, err
	}

	var selectedSchemas []string
	var selectedRefs []discovery.TableRef
	for _, schema := range persisted {
		if !schema.IsSelected {
			continue
		}
		selectedSchemas = append(selectedSchemas, schema.SchemaName)
		for _, table := range schema.Tables {
			if table.IsSelected {
				selectedRefs = append(selectedRefs, discovery.TableRef{
					Schema: schema.SchemaName, Table: table.TableName,
				})
			}
		}
	}

	job.publish(progressEvent("querying", "Querying live schemas"))
	liveSchemas, err := provider.DiscoverSchemas(ctx)
	if err != nil {
		return nil, err
	}
	liveSchemaNames := make([]string, 0, len(liveSchemas))
	liveSchemaSet := make(map[string]bool, len(liveSchemas))
	for _, s := range liveSchemas {
		liveSchemaNames = append(liveSchemaNames, s.SchemaName)
		liveSchemaSet[s.SchemaName] = true
	}

	job.publish(progressEvent("querying", "Querying live tables"))
	liveTables, err := provider.DiscoverTables(ctx, selectedSchemas)
	if err != nil {
		return nil, err
	}
	liveTableSet := make(map[discovery.TableRef]bool, len(liveTables))
	liveTableRefs := make([]catalog.LiveTable, 0, len(liveTables))
	for _, t := range liveTables {
		liveTableSet[discovery.TableRef{Schema: t.SchemaName, Table: t.TableName}] = true
		liveTableRefs = append(liveTableRefs, catalog.LiveTable{SchemaName: t.SchemaName, TableName: t.TableName})
	}

	// Only ask for columns of selected tables that still exist upstream.
	var liveRefs []discovery.TableRef
	for _, ref := range selectedRefs {
		if liveTableSet[ref] {
			liveRefs = append(liveRefs, ref)
		}
	}

	var liveColumns []catalog.ColumnInput
	if len(liveRefs) > 0 {
		job.publish(progressEvent("querying", fmt.Sprintf("Querying columns for %d tables", len(liveRefs))))
		discovered, err := provider.DiscoverColumns(ctx, liveRefs)
		if err != nil {
			return nil, err
		}
		liveColumns = columnInputs(discovered)
	}

	report := catalog.ComputeDrift(persisted, liveSchemaNames, liveTableRefs, liveColumns)

	reportJSON, err := json.Marshal(report)
	if err != nil {
		return nil, fmt.Errorf("marshal drift report: %w", err)
	}
	if err := r.Store.UpdateSyncResult(ctx, ds.ID, string(reportJSON)); err != nil {
		return nil, err
	}

	return report, nil
}

// ---------- helpers ----------

func columnInputs(columns []discovery.Column) []catalog.ColumnInput {
	inputs := make([]catalog.ColumnInput, 0, len(columns))
	for _, c := range columns {
		inputs = append(inputs, catalog.ColumnInput{
			SchemaName:    c.SchemaName,
			TableName:     c.TableName,
			ColumnName:    c.ColumnName,
			Ordinal:       c.OrdinalPosition,
			DataType:      c.DataType,
			Nullable:      c.IsNullable,
			ColumnDefault: c.ColumnDefault,
			ArrowType:     c.ArrowType,
		})
	}
	return inputs
}

func (r *Runner) selectedSchemaNames(ctx context.Context, dsID uuid.UUID) (map[string]bool, error) {
	tree, err := r.Store.CatalogTree(ctx, dsID)
	if err != nil {
		return nil, err
	}
	selected := make(map[string]bool)
	for _, schema := range tree {
		if schema.IsSelected {
			selected[schema.SchemaName] = true
		}
	}
	return selected, nil
}

func (r *Runner) selectedTablePairs(ctx context.Context, dsID uuid.UUID) (map[[2]string]bool, error) {
	tree, err := r.Store.CatalogTree(ctx, dsID)
	if err != nil {
		return nil, err
	}
	selected := make(map[[2]string]bool)
	for _, schema := range tree {
		for _, table := range schema.Tables {
			if table.IsSelected {
				selected[[2]string{schema.SchemaName, table.TableName}] = true
			}
		}
	}
	return selected, nil
}
