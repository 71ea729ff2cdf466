package gateway

import (
	"errors"
	"io"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/earthdata-download/edd/internal/api"
	"github.com/earthdata-download/edd/internal/monitor"
	"github.com/earthdata-download/edd/internal/progress"
	"github.com/earthdata-download/edd/internal/session"
	"github.com/earthdata-download/edd/internal/storage"
	"github.com/earthdata-download/edd/internal/types"
	"github.com/earthdata-download/edd/internal/version"
)

const (
	defaultPageSize = 50
	maxPageSize     = 500
)

type beginDownloadRequest struct {
	session.InitRequest
	Links []string `json:"links"`
}

type beginDownloadResponse struct {
	Download          *storage.Download       `json:"download"`
	Links             *storage.AddLinksResult `json:"links,omitempty"`
	AlreadyInProgress bool                    `json:"alreadyInProgress"`
	Discovering       bool                    `json:"discovering"`
}

type itemRequest struct {
	Filename string `json:"filename"`
}

type restartRequest struct {
	RestartID string `json:"restartId"`
}

type clearRequest struct {
	DownloadID string `json:"downloadId"`
}

type undoRequest struct {
	ClearID string `json:"clearId" binding:"required"`
}

type tokenRequest struct {
	Token string `json:"token" binding:"required"`
}

type authRequest struct {
	Token string `json:"token"`
}

type preferencesRequest struct {
	ConcurrentDownloads         *int    `json:"concurrentDownloads"`
	DefaultDownloadLocation     *string `json:"defaultDownloadLocation"`
	WindowState                 *string `json:"windowState"`
	AllowMetrics                *bool   `json:"allowMetrics"`
	HasMetricsPreferenceBeenSet *bool   `json:"hasMetricsPreferenceBeenSet"`
}

func (r preferencesRequest) fields() storage.Fields {
	fields := storage.Fields{}
	if r.ConcurrentDownloads != nil {
		fields["concurrent_downloads"] = *r.ConcurrentDownloads
	}
	if r.DefaultDownloadLocation != nil {
		fields["default_download_location"] = *r.DefaultDownloadLocation
	}
	if r.WindowState != nil {
		fields["window_state"] = *r.WindowState
	}
	if r.AllowMetrics != nil {
		fields["allow_metrics"] = *r.AllowMetrics
	}
	if r.HasMetricsPreferenceBeenSet != nil {
		fields["has_metrics_preference_been_set"] = *r.HasMetricsPreferenceBeenSet
	}
	return fields
}

// bindOptional binds a JSON body that may be absent
func bindOptional(c *gin.Context, obj interface{}) error {
	if c.Request.ContentLength == 0 {
		return nil
	}
	if err := c.ShouldBindJSON(obj); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// fail answers err, mapping session errors first
func (s *Server) fail(c *gin.Context, err error) {
	switch {
	case errors.Is(err, session.ErrDownloadClosed):
		api.Error(c, types.ErrConflict, err.Error())
	case errors.Is(err, session.ErrInvalidConcurrency):
		api.BadRequest(c, err.Error())
	case errors.Is(err, storage.ErrNotFound), errors.Is(err, storage.ErrInvalidField):
		api.FromError(c, err)
	default:
		s.log.WithError(err).WithField("path", c.FullPath()).Error("command failed")
		api.FromError(c, err)
	}
}

// pagination reads limit and offset query parameters
func pagination(c *gin.Context) (int, int, error) {
	limit, offset := defaultPageSize, 0
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return 0, 0, errors.New("limit must be a positive integer")
		}
		limit = n
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}
	if v := c.Query("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return 0, 0, errors.New("offset must be a non-negative integer")
		}
		offset = n
	}
	return limit, offset, nil
}

// handleInfo reports the service and the space left at the default
// download location
func (s *Server) handleInfo(c *gin.Context) {
	ctx := c.Request.Context()
	location := s.defaultLocation()
	if prefs, err := s.store.GetPreferences(ctx); err == nil && prefs.DefaultDownloadLocation != "" {
		location = prefs.DefaultDownloadLocation
	}

	info := gin.H{
		"name":           "edd",
		"version":        version.Get(),
		"status":         "running",
		"clients":        s.hub.ClientCount(),
		"waitingForAuth": s.session.WaitingForAuth(),
		"waitingForEula": s.session.WaitingForEula(),
		"host":           monitor.Host(ctx),
	}
	if s.credentials != nil {
		info["signedIn"] = s.credentials.SignedIn(ctx)
	}
	if location != "" {
		if space, err := monitor.DiskUsage(ctx, location); err == nil {
			info["disk"] = space
		} else {
			s.log.WithError(err).Debug("disk usage unavailable")
		}
	}
	api.Success(c, info)
}

func (s *Server) handleBeginDownload(c *gin.Context) {
	ctx := c.Request.Context()

	var req beginDownloadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		api.ValidationError(c, err)
		return
	}
	if req.DownloadLocation == "" {
		req.DownloadLocation = s.defaultLocation()
		if prefs, err := s.store.GetPreferences(ctx); err == nil && prefs.DefaultDownloadLocation != "" {
			req.DownloadLocation = prefs.DefaultDownloadLocation
		}
	}
	if req.GetLinksURL == "" && len(req.Links) == 0 {
		api.BadRequest(c, "links or getLinksUrl is required")
		return
	}
	if req.GetLinksURL != "" && s.discovery == nil {
		api.BadRequest(c, "link discovery is not available")
		return
	}

	d, created, err := s.session.InitializeDownload(ctx, req.InitRequest)
	if err != nil {
		s.fail(c, err)
		return
	}
	if !created {
		api.Success(c, beginDownloadResponse{Download: d, AlreadyInProgress: true})
		return
	}

	resp := beginDownloadResponse{}
	if len(req.Links) > 0 {
		result, err := s.session.AddLinks(ctx, d.ID, req.Links, req.GetLinksURL == "")
		if err != nil {
			s.fail(c, err)
			return
		}
		resp.Links = result
	}
	if req.GetLinksURL != "" {
		if err := s.session.BeginLinkDiscovery(ctx, d.ID); err != nil {
			s.fail(c, err)
			return
		}
		resp.Discovering = s.discovery.start(d.ID, req.GetLinksURL, req.GetLinksToken)
	}

	if resp.Download, err = s.store.GetDownloadByID(ctx, d.ID); err != nil {
		s.fail(c, err)
		return
	}
	if resp.Discovering {
		api.Accepted(c, resp)
		return
	}
	api.Created(c, resp)
}

func (s *Server) handleListDownloads(c *gin.Context) {
	limit, offset, err := pagination(c)
	if err != nil {
		api.BadRequest(c, err.Error())
		return
	}
	filter := progress.Filter{Limit: limit, Offset: offset}
	if v := c.Query("active"); v != "" {
		active, err := strconv.ParseBool(v)
		if err != nil {
			api.BadRequest(c, "active must be a boolean")
			return
		}
		filter.Active = &active
	}
	for _, st := range c.QueryArray("state") {
		filter.States = append(filter.States, storage.DownloadState(st))
	}

	report, err := s.aggregator.ComputeAllDownloadsProgress(c.Request.Context(), filter)
	if err != nil {
		s.fail(c, err)
		return
	}
	api.Success(c, report)
}

func (s *Server) handleGetDownload(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")

	d, err := s.store.GetDownloadByID(ctx, id)
	if err != nil {
		s.fail(c, err)
		return
	}
	summary, err := s.aggregator.ComputeDownloadProgress(ctx, id)
	if err != nil {
		s.fail(c, err)
		return
	}
	api.Success(c, gin.H{"download": d, "progress": summary})
}

func (s *Server) handleListFiles(c *gin.Context) {
	ctx := c.Request.Context()
	limit, offset, err := pagination(c)
	if err != nil {
		api.BadRequest(c, err.Error())
		return
	}
	if _, err := s.store.GetDownloadByID(ctx, c.Param("id")); err != nil {
		s.fail(c, err)
		return
	}

	filter := storage.FileFilter{DownloadID: c.Param("id")}
	for _, st := range c.QueryArray("state") {
		filter.States = append(filter.States, storage.FileState(st))
	}
	total, err := s.store.CountFiles(ctx, filter)
	if err != nil {
		s.fail(c, err)
		return
	}
	filter.Limit, filter.Offset = limit, offset
	files, err := s.store.ListFiles(ctx, filter)
	if err != nil {
		s.fail(c, err)
		return
	}
	api.Paginated(c, files, int64(total), limit, offset)
}

func (s *Server) handlePause(c *gin.Context) {
	var req itemRequest
	if err := bindOptional(c, &req); err != nil {
		api.ValidationError(c, err)
		return
	}
	if err := s.session.PauseDownloadItem(c.Request.Context(), c.Param("id"), req.Filename); err != nil {
		s.fail(c, err)
		return
	}
	api.SuccessWithMessage(c, "paused")
}

func (s *Server) handleResume(c *gin.Context) {
	var req itemRequest
	if err := bindOptional(c, &req); err != nil {
		api.ValidationError(c, err)
		return
	}
	if err := s.session.ResumeDownloadItem(c.Request.Context(), c.Param("id"), req.Filename); err != nil {
		s.fail(c, err)
		return
	}
	api.SuccessWithMessage(c, "resumed")
}

func (s *Server) handleCancel(c *gin.Context) {
	var req itemRequest
	if err := bindOptional(c, &req); err != nil {
		api.ValidationError(c, err)
		return
	}
	id := c.Param("id")
	if req.Filename == "" && s.discovery != nil {
		s.discovery.stop(id)
	}
	if err := s.session.CancelDownloadItem(c.Request.Context(), id, req.Filename); err != nil {
		s.fail(c, err)
		return
	}
	api.SuccessWithMessage(c, "cancelled")
}

func (s *Server) handleRestart(c *gin.Context) {
	var req restartRequest
	if err := bindOptional(c, &req); err != nil {
		api.ValidationError(c, err)
		return
	}
	d, err := s.session.RestartDownload(c.Request.Context(), c.Param("id"), req.RestartID)
	if err != nil {
		s.fail(c, err)
		return
	}
	if s.discovery != nil && d.GetLinksURL != "" && d.LoadingMoreFiles {
		s.discovery.start(d.ID, d.GetLinksURL, d.GetLinksToken)
	}
	api.Success(c, d)
}

func (s *Server) handleRetry(c *gin.Context) {
	var req itemRequest
	if err := bindOptional(c, &req); err != nil {
		api.ValidationError(c, err)
		return
	}
	if err := s.session.RetryErroredDownloadItem(c.Request.Context(), c.Param("id"), req.Filename); err != nil {
		s.fail(c, err)
		return
	}
	api.SuccessWithMessage(c, "retrying")
}

func (s *Server) handleCompleteAuth(c *gin.Context) {
	var req authRequest
	if err := bindOptional(c, &req); err != nil {
		api.ValidationError(c, err)
		return
	}
	if err := s.session.CompleteAuth(c.Request.Context(), c.Param("id"), req.Token); err != nil {
		s.fail(c, err)
		return
	}
	api.SuccessWithMessage(c, "authenticated")
}

func (s *Server) handleAcceptEula(c *gin.Context) {
	if err := s.session.AcceptEula(c.Request.Context(), c.Param("id")); err != nil {
		s.fail(c, err)
		return
	}
	api.SuccessWithMessage(c, "accepted")
}

func (s *Server) handleClearHistory(c *gin.Context) {
	var req clearRequest
	if err := bindOptional(c, &req); err != nil {
		api.ValidationError(c, err)
		return
	}
	if req.DownloadID != "" && s.discovery != nil {
		s.discovery.stop(req.DownloadID)
	}
	clearID, n, err := s.session.ClearDownloadHistory(c.Request.Context(), req.DownloadID)
	if err != nil {
		s.fail(c, err)
		return
	}
	api.Success(c, gin.H{"clearId": clearID, "cleared": n})
}

func (s *Server) handleUndoClearHistory(c *gin.Context) {
	var req undoRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		api.ValidationError(c, err)
		return
	}
	n, err := s.session.UndoClearDownloadHistory(c.Request.Context(), req.ClearID)
	if err != nil {
		s.fail(c, err)
		return
	}
	api.Success(c, gin.H{"restored": n})
}

func (s *Server) handleDeleteDownload(c *gin.Context) {
	id := c.Param("id")
	if s.discovery != nil {
		s.discovery.stop(id)
	}
	if err := s.session.DeleteDownload(c.Request.Context(), id); err != nil {
		s.fail(c, err)
		return
	}
	api.NoContent(c)
}

func (s *Server) handleDeleteAllDownloads(c *gin.Context) {
	if s.discovery != nil {
		s.discovery.stopAll()
	}
	if err := s.session.DeleteAllDownloads(c.Request.Context()); err != nil {
		s.fail(c, err)
		return
	}
	api.NoContent(c)
}

func (s *Server) handleGetPreferences(c *gin.Context) {
	prefs, err := s.store.GetPreferences(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	api.Success(c, prefs)
}

func (s *Server) handleUpdatePreferences(c *gin.Context) {
	var req preferencesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		api.ValidationError(c, err)
		return
	}
	fields := req.fields()
	if len(fields) == 0 {
		api.BadRequest(c, "no preferences to update")
		return
	}
	prefs, err := s.session.UpdatePreferences(c.Request.Context(), fields)
	if err != nil {
		s.fail(c, err)
		return
	}
	api.Success(c, prefs)
}

func (s *Server) handleGetToken(c *gin.Context) {
	if s.credentials == nil {
		api.Success(c, gin.H{"signedIn": false})
		return
	}
	api.Success(c, gin.H{"signedIn": s.credentials.SignedIn(c.Request.Context())})
}

func (s *Server) handleSetToken(c *gin.Context) {
	if s.credentials == nil {
		api.Error(c, types.ErrInternalError, "credentials are not configured")
		return
	}
	var req tokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		api.ValidationError(c, err)
		return
	}
	if err := s.credentials.SetToken(c.Request.Context(), req.Token); err != nil {
		s.fail(c, err)
		return
	}
	api.SuccessWithMessage(c, "token saved")
}

func (s *Server) handleClearToken(c *gin.Context) {
	if s.credentials == nil {
		api.NoContent(c)
		return
	}
	if err := s.credentials.Clear(c.Request.Context()); err != nil {
		s.fail(c, err)
		return
	}
	api.NoContent(c)
}
