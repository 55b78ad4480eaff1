package httpapi

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"propsync/internal/model"
	"propsync/internal/propsync"
)

const syncerKey = "synchronizer"

type handler struct {
	catalog Catalog
	logger  propsync.Logger
}

// listResponse is the body of GET /:kind.
type listResponse struct {
	Kind   string             `json:"kind"`
	Source propsync.Source    `json:"source"`
	Count  int                `json:"count"`
	Items  []model.WireEntity `json:"items"`
}

func (h *handler) health(c *gin.Context) {
	monitor := h.catalog.Health()
	healthy := monitor.CheckHealth(c.Request.Context())
	snap := monitor.Snapshot()

	status := http.StatusOK
	if !healthy {
		status = http.StatusServiceUnavailable
	}
	body := gin.H{
		"healthy":          healthy,
		"recoveryAttempts": snap.RecoveryAttempts,
		"kinds":            h.catalog.Kinds(),
	}
	if !snap.LastCheck.IsZero() {
		body["lastCheck"] = snap.LastCheck.UTC().Format(time.RFC3339)
	}
	c.JSON(status, body)
}

func (h *handler) resolveKind(c *gin.Context) {
	s, err := h.catalog.Synchronizer(c.Param("kind"))
	if err != nil {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.Set(syncerKey, s)
	c.Next()
}

func syncer(c *gin.Context) *propsync.Synchronizer {
	return c.MustGet(syncerKey).(*propsync.Synchronizer)
}

func (h *handler) list(c *gin.Context) {
	s := syncer(c)
	entities, source := s.FetchAllWithSource(c.Request.Context())
	c.JSON(http.StatusOK, listResponse{
		Kind:   s.Kind().Name,
		Source: source,
		Count:  len(entities),
		Items:  toWire(entities),
	})
}

func (h *handler) get(c *gin.Context) {
	e, ok := syncer(c).FetchByID(c.Request.Context(), c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": fmt.Sprintf("%s %q not found", c.Param("kind"), c.Param("id"))})
		return
	}
	c.JSON(http.StatusOK, model.ToWire(e))
}

func (h *handler) save(c *gin.Context) {
	var doc model.WireEntity
	if err := c.ShouldBindJSON(&doc); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON body", "message": err.Error()})
		return
	}
	e, err := model.DraftFromWire(doc)
	if err != nil {
		h.writeError(c, err)
		return
	}

	saved, err := syncer(c).Save(c.Request.Context(), e)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, model.ToWire(saved))
}

func (h *handler) update(c *gin.Context) {
	var patch propsync.Patch
	if err := c.ShouldBindJSON(&patch); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON body", "message": err.Error()})
		return
	}
	if len(patch) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "empty patch"})
		return
	}

	updated, err := syncer(c).Update(c.Request.Context(), c.Param("id"), patch)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, model.ToWire(updated))
}

func (h *handler) delete(c *gin.Context) {
	if err := syncer(c).Delete(c.Request.Context(), c.Param("id")); err != nil {
		h.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *handler) seed(c *gin.Context) {
	report, err := syncer(c).InitializeDefaults(c.Request.Context())
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"saved":   report.Saved,
		"updated": report.Updated,
		"deleted": report.Deleted,
	})
}

// stream sends every snapshot as a server-sent "snapshot" event until the
// client disconnects.
func (h *handler) stream(c *gin.Context) {
	snapshots := syncer(c).Stream(c.Request.Context())
	c.Header("Cache-Control", "no-cache")
	c.Header("X-Accel-Buffering", "no")

	c.Stream(func(w io.Writer) bool {
		entities, ok := <-snapshots
		if !ok {
			return false
		}
		c.SSEvent("snapshot", toWire(entities))
		return true
	})
}

// writeError maps synchronizer errors onto status codes.
func (h *handler) writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, propsync.ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, propsync.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, propsync.ErrBothTiersFailed):
		status = http.StatusServiceUnavailable
	case errors.Is(err, propsync.ErrDocumentTooLarge):
		status = http.StatusRequestEntityTooLarge
	}
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", "path", c.FullPath(), "error", err)
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func toWire(entities []model.Entity) []model.WireEntity {
	out := make([]model.WireEntity, 0, len(entities))
	for _, e := range entities {
		out = append(out, model.ToWire(e))
	}
	return out
}
