package admin

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/queryproxy/queryproxy/catalog"
	"github.com/queryproxy/queryproxy/jobs"
)

// sseKeepAliveInterval paces comment pings so proxies keep the event
// stream open.
const sseKeepAliveInterval = 15 * time.Second

func (h *Handlers) submitDiscovery(c *gin.Context) {
	dsID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid datasource id"})
		return
	}

	var req jobs.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	job, err := h.runner.Submit(c.Request.Context(), dsID, req)
	if err != nil {
		var conflict *jobs.ConflictError
		switch {
		case errors.As(err, &conflict):
			c.JSON(http.StatusConflict, gin.H{
				"error":         conflict.Error(),
				"active_job_id": conflict.ActiveJobID,
			})
		case errors.Is(err, catalog.ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "data source not found"})
		default:
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		}
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"job_id": job.ID})
}

func (h *Handlers) discoveryStatus(c *gin.Context) {
	job, ok := h.runner.Jobs.Get(c.Param("job_id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
		return
	}

	resp := gin.H{
		"job_id": job.ID,
		"action": job.Action,
		"status": string(job.Status()),
	}
	if result := job.Result(); result != nil {
		resp["result"] = result
	}
	if msg := job.ErrMessage(); msg != "" {
		resp["error"] = msg
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handlers) discoveryEvents(c *gin.Context) {
	job, ok := h.runner.Jobs.Get(c.Param("job_id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
		return
	}

	events, unsubscribe := job.Subscribe()
	defer unsubscribe()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Writer.Flush()

	keepAlive := time.NewTicker(sseKeepAliveInterval)
	defer keepAlive.Stop()

	for {
		select {
		case ev, open := <-events:
			if !open {
				return
			}
			payload, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			fmt.Fprintf(c.Writer, "data: %s\n\n", payload)
			c.Writer.Flush()

		case <-keepAlive.C:
			fmt.Fprint(c.Writer, ": ping\n\n")
			c.Writer.Flush()

		case <-c.Request.Context().Done():
			return
		}
	}
}

func (h *Handlers) cancelDiscovery(c *gin.Context) {
	if h.runner.Jobs.Cancel(c.Param("job_id")) {
		c.Status(http.StatusNoContent)
		return
	}
	c.JSON(http.StatusNotFound, gin.H{"error": "job not found or not running"})
}

type catalogColumnResponse struct {
	ID              uuid.UUID `json:"id"`
	ColumnName      string    `json:"column_name"`
	OrdinalPosition int       `json:"ordinal_position"`
	DataType        string    `json:"data_type"`
	IsNullable      bool      `json:"is_nullable"`
	ColumnDefault   *string   `json:"column_default"`
	ArrowType       *string   `json:"arrow_type"`
}

type catalogTableResponse struct {
	ID         uuid.UUID               `json:"id"`
	TableName  string                  `json:"table_name"`
	TableType  string                  `json:"table_type"`
	IsSelected bool                    `json:"is_selected"`
	Columns    []catalogColumnResponse `json:"columns"`
}

type catalogSchemaResponse struct {
	ID         uuid.UUID              `json:"id"`
	SchemaName string                 `json:"schema_name"`
	IsSelected bool                   `json:"is_selected"`
	Tables     []catalogTableResponse `json:"tables"`
}

// getCatalog reads the persisted catalog; no upstream call is made.
func (h *Handlers) getCatalog(c *gin.Context) {
	dsID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid datasource id"})
		return
	}

	if _, err := h.store.DataSourceModelByID(c.Request.Context(), dsID); err != nil {
		if errors.Is(err, catalog.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "data source not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	tree, err := h.store.CatalogTree(c.Request.Context(), dsID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	schemas := make([]catalogSchemaResponse, 0, len(tree))
	for _, schema := range tree {
		tables := make([]catalogTableResponse, 0, len(schema.Tables))
		for _, table := range schema.Tables {
			cols := make([]catalogColumnResponse, 0, len(table.Columns))
			for _, col := range table.Columns {
				cols = append(cols, catalogColumnResponse{
					ID:              col.ID,
					ColumnName:      col.ColumnName,
					OrdinalPosition: col.OrdinalPosition,
					DataType:        col.DataType,
					IsNullable:      col.IsNullable,
					ColumnDefault:   col.ColumnDefault,
					ArrowType:       col.ArrowType,
				})
			}
			tables = append(tables, catalogTableResponse{
				ID:         table.ID,
				TableName:  table.TableName,
				TableType:  table.TableType,
				IsSelected: table.IsSelected,
				Columns:    cols,
			})
		}
		schemas = append(schemas, catalogSchemaResponse{
			ID:         schema.ID,
			SchemaName: schema.SchemaName,
			IsSelected: schema.IsSelected,
			Tables:     tables,
		})
	}

	c.JSON(http.StatusOK, gin.H{"schemas": schemas})
}
