package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/moonmehedi/subchat/services/orchestrator/datatypes"
	"github.com/moonmehedi/subchat/services/orchestrator/memory"
)

// ArchiveAdmin is the slice of the archive the admin endpoints use.
type ArchiveAdmin interface {
	Stats(ctx context.Context) (memory.ArchiveStats, error)
	Clear(ctx context.Context) (int, error)
	Backup(ctx context.Context, id string) (string, error)
	Restore(ctx context.Context, id string) (string, error)
}

var _ ArchiveAdmin = (*memory.Archive)(nil)

// HandleArchiveStats reports archive occupancy and the embedding model
// the collection is bound to.
func HandleArchiveStats(archive ArchiveAdmin) gin.HandlerFunc {
	return func(c *gin.Context) {
		stats, err := archive.Stats(c.Request.Context())
		if err != nil {
			slog.Error("Archive stats failed", "error", err)
			c.JSON(http.StatusInternalServerError, datatypes.ErrorResponse{Error: "failed to read archive stats"})
			return
		}
		c.JSON(http.StatusOK, datatypes.ArchiveStatsResponse{
			TotalRecords:   stats.Records,
			ClassName:      datatypes.ArchiveClassName,
			EmbeddingModel: stats.EmbeddingModel,
			EmbeddingDim:   stats.Dim,
		})
	}
}

// HandleArchiveClear deletes every archive record and rebuilds the
// schema. There is no undo short of restoring a backup.
func HandleArchiveClear(archive ArchiveAdmin) gin.HandlerFunc {
	return func(c *gin.Context) {
		slog.Warn("Received a request to clear the whole archive")
		deleted, err := archive.Clear(c.Request.Context())
		if err != nil {
			slog.Error("Archive clear failed", "error", err)
			c.JSON(http.StatusInternalServerError, datatypes.ErrorResponse{Error: "failed to clear the archive"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "success", "deleted_records": deleted})
	}
}

// HandleBackup creates or restores an archive backup, waiting for the
// operation to finish.
//
// POST /api/admin/backups with {id, action: create|restore}.
func HandleBackup(archive ArchiveAdmin) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req datatypes.BackupRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, datatypes.ErrorResponse{Error: "invalid backup request"})
			return
		}
		if err := req.Validate(); err != nil {
			c.JSON(http.StatusBadRequest, datatypes.ErrorResponse{Error: err.Error()})
			return
		}
		slog.Info("Received an archive backup request", "action", req.Action, "id", req.ID)

		var (
			status string
			err    error
		)
		switch req.Action {
		case "create":
			status, err = archive.Backup(c.Request.Context(), req.ID)
		case "restore":
			status, err = archive.Restore(c.Request.Context(), req.ID)
		default:
			c.JSON(http.StatusBadRequest, datatypes.ErrorResponse{Error: "invalid action"})
			return
		}
		if err != nil {
			slog.Error("Archive backup operation failed", "action", req.Action, "id", req.ID, "error", err)
			c.JSON(http.StatusInternalServerError, datatypes.ErrorResponse{Error: req.Action + " failed"})
			return
		}

		c.JSON(http.StatusOK, datatypes.BackupResponse{
			ID:     req.ID,
			Action: req.Action,
			Status: status,
		})
	}
}
