package handlers

import (
	"context"
	"log"
	"net/http"
	"sync/atomic"

	"farma-chat-api/pkg/services"

	"github.com/gin-gonic/gin"
)

// isMaintenanceMode flags whether the server is draining. Uses
// atomic.Bool for thread-safe reads and writes.
var isMaintenanceMode atomic.Bool

// Indexer rebuilds one semantic index from a catalog snapshot.
type Indexer interface {
	IndexProducts(ctx context.Context, indexName string, snapshot *services.CatalogSnapshot) error
}

// AdminHandler serves the operator endpoints: catalog reload, index
// rebuild and maintenance mode.
type AdminHandler struct {
	catalog *services.CatalogService
	indexer Indexer
	dataDir string
}

// NewAdminHandler creates the admin endpoint handler.
func NewAdminHandler(catalog *services.CatalogService, indexer Indexer, dataDir string) *AdminHandler {
	return &AdminHandler{catalog: catalog, indexer: indexer, dataDir: dataDir}
}

// ReloadCatalog reloads the product and inventory files from disk and
// atomically swaps the serving snapshot. With ?reindex=true the
// semantic indexes are rebuilt in the background from the new snapshot.
func (h *AdminHandler) ReloadCatalog(c *gin.Context) {
	snapshot, err := services.LoadSnapshotFromDir(h.dataDir)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "no se pudo recargar el catálogo: " + err.Error()})
		return
	}
	h.catalog.Reload(snapshot)

	reindex := c.Query("reindex") == "true"
	if reindex && h.indexer != nil {
		go h.rebuildIndexes(snapshot)
	}

	c.JSON(http.StatusOK, gin.H{
		"products":   len(snapshot.Products),
		"stores":     len(snapshot.Inventory),
		"reindexing": reindex,
	})
}

// rebuildIndexes refreshes every facet collection. Serving continues
// against the old vectors until each upsert lands.
func (h *AdminHandler) rebuildIndexes(snapshot *services.CatalogSnapshot) {
	indexes := []string{
		services.IndexDescripcion,
		services.IndexBeneficios,
		services.IndexCategorias,
		services.IndexIndicaciones,
		services.IndexModoDeUso,
		services.IndexPropiedades,
	}
	for _, index := range indexes {
		if err := h.indexer.IndexProducts(context.Background(), index, snapshot); err != nil {
			log.Printf("index rebuild for %q failed: %v", index, err)
		}
	}
}

// GetHealthStatus returns the current server state.
func (h *AdminHandler) GetHealthStatus(c *gin.Context) {
	snapshot := h.catalog.Snapshot()
	c.JSON(http.StatusOK, gin.H{
		"isMaintenanceMode": isMaintenanceMode.Load(),
		"products":          len(snapshot.Products),
		"stores":            len(snapshot.Inventory),
	})
}

// StartMaintenance puts the server into maintenance mode.
func (h *AdminHandler) StartMaintenance(c *gin.Context) {
	isMaintenanceMode.Store(true)
	c.JSON(http.StatusOK, gin.H{"message": "Maintenance mode started"})
}

// StopMaintenance takes the server out of maintenance mode.
func (h *AdminHandler) StopMaintenance(c *gin.Context) {
	isMaintenanceMode.Store(false)
	c.JSON(http.StatusOK, gin.H{"message": "Maintenance mode stopped"})
}

// HealthCheck answers external health probes, e.g. a load balancer.
func HealthCheck(c *gin.Context) {
	if isMaintenanceMode.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "message": "Server is in maintenance mode"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
