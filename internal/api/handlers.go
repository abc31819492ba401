package api

import (
	"context"
	"errors"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"iavatar/internal/job"
	"iavatar/internal/sadtalker"
)

// Error kinds the HTTP boundary may emit, beyond the ones the runner and
// manager classify. Raw subprocess output never leaves the logs.
const (
	kindValidation = "validation"
	kindNotReady   = "not_ready"
	kindQueueFull  = "queue_full"
	kindNotFound   = "not_found"
	kindConflict   = "conflict"
	kindInternal   = "internal"
)

const recentJobsLimit = 50

type errorBody struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

type errorResponse struct {
	Error errorBody `json:"error"`
}

type acceptedResponse struct {
	JobID  string     `json:"job_id"`
	Status job.Status `json:"status"`
}

type jobResponse struct {
	JobID      string     `json:"job_id"`
	Status     job.Status `json:"status"`
	CreatedAt  string     `json:"created_at"`
	StartedAt  string     `json:"started_at,omitempty"`
	FinishedAt string     `json:"finished_at,omitempty"`
	ResultURL  string     `json:"result_url,omitempty"`
	Error      *errorBody `json:"error,omitempty"`
}

type jobListResponse struct {
	Jobs []jobResponse `json:"jobs"`
}

type healthResponse struct {
	Status               string         `json:"status"`
	SadTalkerInitialized bool           `json:"sadtalker_initialized"`
	GPUAvailable         bool           `json:"gpu_available"`
	Jobs                 map[string]int `json:"jobs"`
}

type API struct {
	jobs     *job.Manager
	ready    sadtalker.Readiness
	maxBytes int64
}

func NewAPI(jobs *job.Manager, ready sadtalker.Readiness, maxUploadBytes int64) *API {
	return &API{jobs: jobs, ready: ready, maxBytes: maxUploadBytes}
}

// RegisterRoutes registers API routes on the provided gin engine
func (a *API) RegisterRoutes(router *gin.Engine) {
	router.GET("/", a.Root)
	router.GET("/health", a.Health)
	router.POST("/generate-avatar", a.GenerateAvatar)
	router.POST("/generate-avatar-async", a.GenerateAvatarAsync)
	router.GET("/job/:id", a.JobResult)
	router.DELETE("/job/:id", a.CancelJob)
	router.GET("/jobs", a.ListJobs)
}

// Root is the liveness probe
func (a *API) Root(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"message": "iavatar sadtalker api is running", "status": "healthy"})
}

// Health reports readiness flags and job counts
func (a *API) Health(c *gin.Context) {
	resp := healthResponse{
		Status:               "healthy",
		SadTalkerInitialized: a.ready.Initialized,
		GPUAvailable:         a.ready.GPUAvailable,
		Jobs:                 map[string]int{},
	}
	counts, err := a.jobs.Counts(c.Request.Context())
	if err != nil {
		log.Warn().Err(err).Msg("job counts unavailable for health")
	} else {
		for status, n := range counts {
			resp.Jobs[string(status)] = n
		}
	}
	c.JSON(http.StatusOK, resp)
}

// GenerateAvatar runs one generation synchronously and streams the video
func (a *API) GenerateAvatar(c *gin.Context) {
	submitted, ok := a.intake(c)
	if !ok {
		return
	}

	final, err := a.jobs.Wait(c.Request.Context(), submitted.Token)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			// client went away; the job keeps running and stays pollable
			log.Warn().Str("token", submitted.Token).Msg("client disconnected during synchronous generation")
			return
		}
		log.Error().Str("token", submitted.Token).Err(err).Msg("wait for generation failed")
		a.respondError(c, http.StatusInternalServerError, kindInternal, "failed to track job")
		return
	}

	if final.Status == job.StatusSucceeded {
		log.Info().Str("token", final.Token).Str("path", final.OutputPath).Msg("serving generated avatar")
		c.Header("Content-Type", "video/mp4")
		c.FileAttachment(final.OutputPath, "avatar_"+final.Token+".mp4")
		return
	}
	body := terminalError(final)
	c.JSON(statusForKind(body.Kind), errorResponse{Error: body})
}

// GenerateAvatarAsync submits a generation job and returns its token
func (a *API) GenerateAvatarAsync(c *gin.Context) {
	submitted, ok := a.intake(c)
	if !ok {
		return
	}
	log.Info().Str("token", submitted.Token).Msg("async generation accepted")
	c.JSON(http.StatusOK, acceptedResponse{JobID: submitted.Token, Status: submitted.Status})
}

// JobResult returns the output file for finished jobs or a status document
func (a *API) JobResult(c *gin.Context) {
	token := c.Param("id")
	j, err := a.jobs.Get(c.Request.Context(), token)
	if err != nil {
		a.respondLookupError(c, token, err)
		return
	}
	if j.Status == job.StatusSucceeded {
		log.Info().Str("token", token).Str("path", j.OutputPath).Msg("serving job result")
		c.Header("Content-Type", "video/mp4")
		c.FileAttachment(j.OutputPath, "avatar_"+j.Token+".mp4")
		return
	}
	c.JSON(http.StatusOK, a.toJobResponse(j))
}

// CancelJob aborts a queued or running job
func (a *API) CancelJob(c *gin.Context) {
	token := c.Param("id")
	err := a.jobs.Cancel(c.Request.Context(), token)
	switch {
	case err == nil:
		c.Status(http.StatusNoContent)
	case errors.Is(err, job.ErrJobNotFound):
		log.Warn().Str("token", token).Msg("job not found on cancel")
		a.respondError(c, http.StatusNotFound, kindNotFound, "job not found")
	case errors.Is(err, job.ErrAlreadyFinished):
		a.respondError(c, http.StatusConflict, kindConflict, "job already finished")
	default:
		log.Error().Str("token", token).Err(err).Msg("cancel failed")
		a.respondError(c, http.StatusInternalServerError, kindInternal, "cancel failed")
	}
}

// ListJobs returns recent jobs, newest first
func (a *API) ListJobs(c *gin.Context) {
	jobs, err := a.jobs.Recent(c.Request.Context(), recentJobsLimit)
	if err != nil {
		log.Error().Err(err).Msg("job list failed")
		a.respondError(c, http.StatusInternalServerError, kindInternal, "job list failed")
		return
	}
	resp := jobListResponse{Jobs: make([]jobResponse, 0, len(jobs))}
	for _, j := range jobs {
		resp.Jobs = append(resp.Jobs, a.toJobResponse(j))
	}
	c.JSON(http.StatusOK, resp)
}

// intake validates the multipart upload and submits the job. On any failure
// it writes the error response and returns ok=false; nothing half-submitted
// remains.
func (a *API) intake(c *gin.Context) (*job.Job, bool) {
	if !a.ready.Initialized {
		log.Warn().Msg("rejecting generation: sadtalker not initialized")
		a.respondError(c, http.StatusServiceUnavailable, kindNotReady, "sadtalker not initialized")
		return nil, false
	}
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, a.maxBytes)

	imageFile, ok := a.formFile(c, "image", "image/")
	if !ok {
		return nil, false
	}
	defer func() { _ = imageFile.Close() }()

	audioFile, ok := a.formFile(c, "audio", "audio/")
	if !ok {
		return nil, false
	}
	defer func() { _ = audioFile.Close() }()

	opts, ok := a.formOptions(c)
	if !ok {
		return nil, false
	}

	submitted, err := a.jobs.Submit(imageFile, audioFile, opts)
	if err != nil {
		if errors.Is(err, job.ErrQueueFull) {
			log.Warn().Msg("rejecting generation: job queue is full")
			a.respondError(c, http.StatusServiceUnavailable, kindQueueFull, "job queue is full, try again later")
			return nil, false
		}
		log.Error().Err(err).Msg("job submission failed")
		a.respondError(c, http.StatusInternalServerError, kindInternal, "failed to submit job")
		return nil, false
	}
	return submitted, true
}

func (a *API) formFile(c *gin.Context, field, mimePrefix string) (multipart.File, bool) {
	header, err := c.FormFile(field)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			log.Warn().Int64("limit", tooLarge.Limit).Msg("rejecting oversized upload")
			a.respondError(c, http.StatusRequestEntityTooLarge, kindValidation, "request body too large")
			return nil, false
		}
		a.respondError(c, http.StatusBadRequest, kindValidation, field+" file is required")
		return nil, false
	}
	if !strings.HasPrefix(header.Header.Get("Content-Type"), mimePrefix) {
		log.Warn().Str("field", field).Str("content_type", header.Header.Get("Content-Type")).Msg("rejecting upload with wrong content type")
		a.respondError(c, http.StatusBadRequest, kindValidation, "invalid "+field+" file")
		return nil, false
	}
	f, err := header.Open()
	if err != nil {
		log.Warn().Str("field", field).Err(err).Msg("failed to open upload")
		a.respondError(c, http.StatusBadRequest, kindValidation, "unreadable "+field+" upload")
		return nil, false
	}
	return f, true
}

func (a *API) formOptions(c *gin.Context) (job.GenOptions, bool) {
	opts := job.GenOptions{Preprocess: strings.TrimSpace(c.DefaultPostForm("preprocess", "crop"))}
	still, ok := a.boolField(c, "still")
	if !ok {
		return opts, false
	}
	enhancer, ok := a.boolField(c, "use_enhancer")
	if !ok {
		return opts, false
	}
	opts.Still = still
	opts.UseEnhancer = enhancer
	return opts, true
}

func (a *API) boolField(c *gin.Context, field string) (value, ok bool) {
	raw := strings.TrimSpace(c.PostForm(field))
	if raw == "" {
		return false, true
	}
	parsed, err := strconv.ParseBool(raw)
	if err != nil {
		a.respondError(c, http.StatusBadRequest, kindValidation, "invalid "+field+" value")
		return false, false
	}
	return parsed, true
}

func (a *API) respondError(c *gin.Context, status int, kind, message string) {
	c.JSON(status, errorResponse{Error: errorBody{Kind: kind, Message: message}})
}

func (a *API) respondLookupError(c *gin.Context, token string, err error) {
	if errors.Is(err, job.ErrJobNotFound) {
		log.Warn().Str("token", token).Msg("job not found on poll")
		a.respondError(c, http.StatusNotFound, kindNotFound, "job not found")
		return
	}
	log.Error().Str("token", token).Err(err).Msg("job lookup failed")
	a.respondError(c, http.StatusInternalServerError, kindInternal, "job lookup failed")
}

func (a *API) toJobResponse(j *job.Job) jobResponse {
	resp := jobResponse{
		JobID:     j.Token,
		Status:    j.Status,
		CreatedAt: j.CreatedAt.UTC().Format(time.RFC3339),
	}
	if j.StartedAt != nil {
		resp.StartedAt = j.StartedAt.UTC().Format(time.RFC3339)
	}
	if j.FinishedAt != nil {
		resp.FinishedAt = j.FinishedAt.UTC().Format(time.RFC3339)
	}
	switch j.Status {
	case job.StatusSucceeded:
		resp.ResultURL = "/job/" + j.Token
	case job.StatusFailed, job.StatusCanceled:
		body := terminalError(j)
		resp.Error = &body
	}
	return resp
}

// terminalError maps a failed or canceled job to its boundary error body.
func terminalError(j *job.Job) errorBody {
	kind := j.ErrorKind
	if kind == "" {
		kind = kindInternal
	}
	message := j.ErrorMsg
	if message == "" {
		if j.Status == job.StatusCanceled {
			message = "job was canceled"
		} else {
			message = "generation failed"
		}
	}
	return errorBody{Kind: kind, Message: message}
}

func statusForKind(kind string) int {
	switch kind {
	case sadtalker.KindTimeout:
		return http.StatusGatewayTimeout
	case job.KindCanceled:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
