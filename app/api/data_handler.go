package api

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/gofiber/fiber/v2"

	"legalrag/loader/service"
	ltypes "legalrag/loader/types"
	"legalrag/store"
	"legalrag/types"
)

type DataHandler struct {
	pipeline *service.Pipeline
	store    store.VectorStore
	logger   *slog.Logger
}

func NewDataHandler(p *service.Pipeline, vs store.VectorStore) *DataHandler {
	return &DataHandler{
		pipeline: p,
		store:    vs,
		logger:   slog.Default().With("component", "data-api"),
	}
}

// HandleReload reindexes the data directory and waits for the run to finish.
func (h *DataHandler) HandleReload(c *fiber.Ctx) error {
	var params types.ReloadParams
	if len(c.Body()) > 0 && c.BodyParser(&params) != nil {
		return ErrBadRequest()
	}

	if errors := types.Validate(&params); len(errors) > 0 {
		return NewValidationError(errors)
	}

	taskID := "reload_" + time.Now().Format("20060102_150405")
	h.logger.Info("starting data reload", "task_id", taskID, "reset", params.ResetCollection, "incremental", params.Incremental)

	progress := func(r ltypes.RunRecord) {
		h.logger.Debug("indexing progress", "task_id", taskID, "processed", r.ProcessedDocuments, "total", r.TotalDocuments)
	}

	var (
		summary    *ltypes.Summary
		statistics any
		err        error
	)
	if params.Incremental {
		var report *ltypes.IncrementalReport
		report, err = h.pipeline.Incremental(c.UserContext(), params.DataDirectory, progress)
		if report != nil {
			summary, statistics = &report.Summary, report
		}
	} else {
		summary, err = h.pipeline.Run(c.UserContext(), service.RunOptions{
			Directory: params.DataDirectory,
			Reset:     params.ResetCollection,
			Progress:  progress,
		})
		statistics = summary
	}
	if summary == nil {
		return err
	}

	resp := types.ReloadResponse{
		Statistics: statistics,
		TaskID:     taskID,
	}
	switch {
	case summary.Status == ltypes.StatusFailed:
		resp.Status = "error"
		resp.Message = "Data reload failed. " + summary.Message
	case summary.FailedDocuments > 0:
		resp.Status = "partial"
		resp.Message = "Data reload completed with issues. " + summary.Message
	default:
		resp.Status = "success"
		resp.Message = "Data reload completed successfully. " + summary.Message
	}
	h.logger.Info("data reload finished", "task_id", taskID, "status", resp.Status, "message", resp.Message)

	if err != nil {
		return c.Status(StatusFor(err)).JSON(resp)
	}
	return c.JSON(resp)
}

func (h *DataHandler) HandleReloadStatus(c *fiber.Ctx) error {
	return c.JSON(h.pipeline.Status())
}

// HandleUpload stores a CSV or PDF source in the data directory. It is
// indexed by the next reload.
func (h *DataHandler) HandleUpload(c *fiber.Ctx) error {
	fileHeader, err := c.FormFile("file")
	if err != nil {
		return ErrBadRequest()
	}

	name := filepath.Base(fileHeader.Filename)
	if name == "." || name == string(filepath.Separator) || !h.pipeline.Accepts(name) {
		return ErrUnsupportedFile(fileHeader.Filename)
	}

	dir := h.pipeline.DataDirectory()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}
	path := filepath.Join(dir, name)
	if err := c.SaveFile(fileHeader, path); err != nil {
		return fmt.Errorf("save upload: %w", err)
	}
	h.logger.Info("file uploaded", "path", path, "size", fileHeader.Size)

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"status":   "success",
		"filename": name,
		"path":     path,
		"size":     fileHeader.Size,
	})
}

func (h *DataHandler) HandleCollectionStats(c *fiber.Ctx) error {
	stats, err := h.pipeline.Statistics(c.UserContext())
	if err != nil {
		return err
	}
	return c.JSON(stats)
}

func (h *DataHandler) HandleCollectionHealth(c *fiber.Ctx) error {
	ctx := c.UserContext()
	health := h.store.Health(ctx)
	run := h.pipeline.Status()

	status := health.Status
	if status == types.StatusHealthy && run.Status == ltypes.StatusFailed {
		status = types.StatusDegraded
	}
	code := fiber.StatusOK
	if status == types.StatusUnhealthy {
		code = fiber.StatusServiceUnavailable
	}
	return c.Status(code).JSON(fiber.Map{
		"status":    status,
		"timestamp": time.Now(),
		"components": fiber.Map{
			"vector_store": health,
			"indexing":     fiber.Map{"status": run.Status, "message": run.Message},
		},
	})
}

func (h *DataHandler) HandleCollectionInfo(c *fiber.Ctx) error {
	info, err := h.store.Info(c.UserContext())
	if err != nil {
		return err
	}
	return c.JSON(info)
}

func (h *DataHandler) HandleBackup(c *fiber.Ctx) error {
	result, err := h.pipeline.Backup(c.UserContext())
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{
		"status":      "success",
		"message":     "Collection backup created successfully",
		"backup_path": result.Path,
		"documents":   result.Documents,
		"timestamp":   time.Now(),
	})
}
