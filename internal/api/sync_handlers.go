package api

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"partsync/internal/pkg/dedup"
	"partsync/internal/pkg/metrics"
	"partsync/internal/syncjob"

	"github.com/gin-gonic/gin"
)

// startSyncRequest 启动同步任务的请求参数，所有字段可选。
type startSyncRequest struct {
	ProductIDs []uint `json:"productIds"`
	BatchSize  int    `json:"batchSize"`
	Force      bool   `json:"force"`
}

// handleStartSync 创建同步任务。
//
// 默认立即返回 202 与任务 ID；?wait=true 时阻塞直到任务结束，
// 若客户端先断开则取消该任务。
func (s *Server) handleStartSync(c *gin.Context) {
	var req startSyncRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		respondError(c, http.StatusBadRequest, err.Error())
		return
	}
	if req.BatchSize < 0 {
		respondError(c, http.StatusBadRequest, "batchSize must not be negative")
		return
	}
	for _, id := range req.ProductIDs {
		if id == 0 {
			respondError(c, http.StatusBadRequest, "productIds must be positive")
			return
		}
	}

	ctx := c.Request.Context()
	fp := syncFingerprint(req)
	if s.deduper != nil {
		dup, existing, err := s.deduper.IsDuplicate(ctx, fp)
		if err != nil {
			s.logger.Error("dedup check failed", slog.String("error", err.Error()))
		} else if dup {
			s.logger.Info("sync request deduplicated", slog.String("sync_id", existing))
			metrics.SyncDuplicatePreventedTotal.Inc()
			c.JSON(http.StatusOK, gin.H{"success": true, "status": "skipped_duplicate", "syncId": existing})
			return
		}
	}

	id, err := s.engine.StartSync(syncjob.Request{
		ProductIDs: req.ProductIDs,
		BatchSize:  req.BatchSize,
		Force:      req.Force,
	})
	if err != nil {
		if s.deduper != nil {
			if delErr := s.deduper.Delete(context.WithoutCancel(ctx), fp); delErr != nil {
				s.logger.Warn("dedup delete failed", slog.String("error", delErr.Error()))
			}
		}
		s.respondJobError(c, "", err)
		return
	}
	if s.deduper != nil {
		if err := s.deduper.Bind(ctx, fp, id); err != nil {
			s.logger.Warn("dedup bind failed", slog.String("sync_id", id), slog.String("error", err.Error()))
		}
	}

	if !queryBool(c, "wait") {
		respondOK(c, http.StatusAccepted, gin.H{"syncId": id}, "sync started")
		return
	}

	snap, err := s.engine.Wait(ctx, id)
	if err != nil {
		if ctx.Err() != nil {
			if _, cErr := s.engine.Cancel(id); cErr == nil {
				s.logger.Info("client disconnected, sync cancelled", slog.String("sync_id", id))
			}
			return
		}
		s.respondJobError(c, id, err)
		return
	}
	respondOK(c, http.StatusOK, snap, "")
}

// handleListSyncs 列出内存中保留的任务，最新的在前。
func (s *Server) handleListSyncs(c *gin.Context) {
	respondOK(c, http.StatusOK, s.engine.List(), "")
}

// handleGetSync 返回任务进度快照。
func (s *Server) handleGetSync(c *gin.Context) {
	id := strings.TrimSpace(c.Param("id"))
	snap, err := s.engine.Get(c.Request.Context(), id)
	if err != nil {
		s.respondJobError(c, id, err)
		return
	}
	respondOK(c, http.StatusOK, snap, "")
}

func (s *Server) handlePauseSync(c *gin.Context) {
	s.controlSync(c, s.engine.Pause, "sync paused")
}

func (s *Server) handleResumeSync(c *gin.Context) {
	s.controlSync(c, s.engine.Resume, "sync resumed")
}

func (s *Server) handleCancelSync(c *gin.Context) {
	s.controlSync(c, s.engine.Cancel, "sync cancelled")
}

func (s *Server) controlSync(c *gin.Context, op func(id string) (syncjob.Snapshot, error), message string) {
	id := strings.TrimSpace(c.Param("id"))
	snap, err := op(id)
	if err != nil {
		s.respondJobError(c, id, err)
		return
	}
	respondOK(c, http.StatusOK, gin.H{"syncId": snap.SyncID, "status": snap.Status}, message)
}

// syncFingerprint 计算同步请求的去重指纹，商品 ID 顺序敏感。
func syncFingerprint(req startSyncRequest) string {
	ids := make([]string, len(req.ProductIDs))
	for i, id := range req.ProductIDs {
		ids[i] = strconv.FormatUint(uint64(id), 10)
	}
	return dedup.Fingerprint(
		strings.Join(ids, ","),
		strconv.Itoa(req.BatchSize),
		strconv.FormatBool(req.Force),
	)
}

func queryBool(c *gin.Context, key string) bool {
	v, err := strconv.ParseBool(c.Query(key))
	return err == nil && v
}

var errBadID = errors.New("invalid id")

func parseUintParam(c *gin.Context, key string) (uint, error) {
	v, err := strconv.ParseUint(c.Param(key), 10, 32)
	if err != nil || v == 0 {
		return 0, errBadID
	}
	return uint(v), nil
}
