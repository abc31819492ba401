package api

import (
	"errors"
	"html/template"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"iavatar/internal/job"
)

var uiTemplates = template.Must(template.New("layout").Parse(`{{define "layout"}}
<!doctype html>
<html lang="en">
<head>
  <meta charset="utf-8"/>
  <meta name="viewport" content="width=device-width, initial-scale=1"/>
  <title>iAvatar</title>
  <style>
    body{font-family:system-ui,-apple-system,Segoe UI,Roboto,Ubuntu,Cantarell,Noto Sans,sans-serif;max-width:880px;margin:32px auto;padding:0 16px;color:#0b0b0b;background:#fafafa}
    header{margin-bottom:24px}
    h1{font-size:22px;margin:0 0 8px}
    a{color:#0b63e5;text-decoration:none}
    a:hover{text-decoration:underline}
    .card{background:#fff;border:1px solid #e9e9e9;border-radius:10px;padding:16px;margin:12px 0}
    .row{display:flex;gap:12px;flex-wrap:wrap}
    .btn{display:inline-block;background:#0b63e5;color:#fff;border:none;padding:10px 14px;border-radius:8px;cursor:pointer}
    .btn.danger{background:#b3261e}
    input[type=text],select{padding:9px 10px;border:1px solid #dcdcdc;border-radius:8px}
    .muted{color:#666}
    .mono{font-family:ui-monospace,SFMono-Regular,Menlo,Monaco,Consolas,monospace}
    .list{margin:0;padding-left:18px}
    .status{display:inline-block;padding:4px 8px;border-radius:6px;background:#efefef;font-size:12px}
    footer{margin-top:24px;color:#666;font-size:12px}
  </style>
  </head>
<body>
  <header>
    <h1>iAvatar</h1>
    <div class="muted">Talking-head avatar generation</div>
  </header>
  {{template "content" .}}
  <footer>
    <div>API endpoints: <span class="mono">/generate-avatar</span> &middot; <span class="mono">/generate-avatar-async</span> &middot; <span class="mono">/job/{id}</span></div>
  </footer>
</body>
</html>
{{end}}

{{define "home"}}
  {{template "layout" .}}
{{end}}

{{define "content"}}
  {{if .Error}}
  <div class="card" style="border-color:#f2b8b5;background:#fff6f6">
    <strong style="color:#b3261e">Error:</strong> <span class="muted">{{.Error}}</span>
  </div>
  {{end}}
  <div class="card">
    <h2>Generate avatar</h2>
    {{if .Ready.Initialized}}
    <form method="post" action="/ui/jobs" enctype="multipart/form-data">
      <div class="row">
        <label>Image <input type="file" name="image" accept="image/*" required /></label>
        <label>Audio <input type="file" name="audio" accept="audio/*" required /></label>
      </div>
      <div class="row" style="margin-top:12px">
        <label>Preprocess
          <select name="preprocess">
            <option value="crop" selected>crop</option>
            <option value="resize">resize</option>
            <option value="full">full</option>
          </select>
        </label>
        <label><input type="checkbox" name="still" /> Still mode</label>
        <label><input type="checkbox" name="use_enhancer" /> Face enhancer</label>
      </div>
      <div style="margin-top:12px"><button class="btn" type="submit">Generate</button></div>
    </form>
    <div class="muted">POST /generate-avatar-async</div>
    {{else}}
    <div class="muted">SadTalker is not initialized; generation is unavailable.</div>
    {{end}}
    <div class="muted" style="margin-top:8px">GPU: {{if .Ready.GPUAvailable}}available{{else}}not detected, running on CPU{{end}}</div>
  </div>

  <div class="card">
    <h2>Open job</h2>
    <form method="get" action="/ui/jobs">
      <div class="row">
        <input type="text" name="id" placeholder="Job ID" required />
        <button class="btn" type="submit">Open</button>
      </div>
    </form>
    <div class="muted">GET /job/{id}</div>
  </div>

  <div class="card">
    <h2>Recent jobs</h2>
    {{if .Jobs}}
      <ul class="list">
      {{range .Jobs}}
        <li>
          <div><a href="/ui/jobs/{{.JobID}}"><span class="mono">{{.JobID}}</span></a> <span class="status">{{.Status}}</span></div>
          <div class="muted">{{.CreatedAt}}{{with .Error}} &middot; {{.Kind}}: {{.Message}}{{end}}</div>
        </li>
      {{end}}
      </ul>
    {{else}}
      <div class="muted">No jobs yet</div>
    {{end}}
  </div>
{{end}}

{{define "layout_job"}}
<!doctype html>
<html lang="en">
<head>
  <meta charset="utf-8"/>
  <meta name="viewport" content="width=device-width, initial-scale=1"/>
  {{if .Active}}<meta http-equiv="refresh" content="2"/>{{end}}
  <title>iAvatar &middot; Job</title>
  <style>
    body{font-family:system-ui,-apple-system,Segoe UI,Roboto,Ubuntu,Cantarell,Noto Sans,sans-serif;max-width:880px;margin:32px auto;padding:0 16px;color:#0b0b0b;background:#fafafa}
    header{margin-bottom:24px}
    h1{font-size:22px;margin:0 0 8px}
    a{color:#0b63e5;text-decoration:none}
    a:hover{text-decoration:underline}
    .card{background:#fff;border:1px solid #e9e9e9;border-radius:10px;padding:16px;margin:12px 0}
    .row{display:flex;gap:12px;flex-wrap:wrap}
    .btn{display:inline-block;background:#0b63e5;color:#fff;border:none;padding:10px 14px;border-radius:8px;cursor:pointer}
    .btn.danger{background:#b3261e}
    .muted{color:#666}
    .mono{font-family:ui-monospace,SFMono-Regular,Menlo,Monaco,Consolas,monospace}
    .status{display:inline-block;padding:4px 8px;border-radius:6px;background:#efefef;font-size:12px}
    footer{margin-top:24px;color:#666;font-size:12px}
  </style>
  </head>
<body>
  <header>
    <h1><a href="/ui">iAvatar</a></h1>
    <div class="muted">Talking-head avatar generation</div>
  </header>
  {{template "content-job" .}}
  <footer>
    <div>Poll endpoint: <span class="mono">/job/{{.Job.JobID}}</span></div>
  </footer>
</body>
</html>
{{end}}

{{define "job"}}
  {{template "layout_job" .}}
{{end}}

{{define "content-job"}}
  {{if .Error}}
  <div class="card" style="border-color:#f2b8b5;background:#fff6f6">
    <strong style="color:#b3261e">Error:</strong> <span class="muted">{{.Error}}</span>
  </div>
  {{end}}
  <div class="card">
    <h2>Job <span class="mono">{{.Job.JobID}}</span></h2>
    <div>Status: <span class="status">{{.Job.Status}}</span></div>
    <div class="muted">Created: {{.Job.CreatedAt}}</div>
    {{if .Job.StartedAt}}<div class="muted">Started: {{.Job.StartedAt}}</div>{{end}}
    {{if .Job.FinishedAt}}<div class="muted">Finished: {{.Job.FinishedAt}}</div>{{end}}
    {{with .Job.Error}}
    <div style="margin-top:8px"><strong style="color:#b3261e">{{.Kind}}</strong> <span class="muted">{{.Message}}</span></div>
    {{end}}
  </div>

  <div class="card">
    <h3>Actions</h3>
    <div class="row">
      {{if .Job.ResultURL}}
      <a class="btn" href="{{.Job.ResultURL}}">Download video</a>
      {{end}}
      {{if .Active}}
      <form method="post" action="/ui/jobs/{{.Job.JobID}}/cancel">
        <button class="btn danger" type="submit">Cancel job</button>
      </form>
      {{end}}
      <a class="btn" style="background:#444" href="/ui/jobs/{{.Job.JobID}}">Refresh</a>
    </div>
    {{if .Active}}<div class="muted" style="margin-top:8px">This page refreshes automatically while the job is active.</div>{{end}}
  </div>
{{end}}
`))

// RegisterUIRoutes registers the minimal HTML UI without JS
func (a *API) RegisterUIRoutes(router *gin.Engine) {
	router.SetHTMLTemplate(uiTemplates)
	router.GET("/ui", a.UIHome)
	router.GET("/ui/jobs", a.UIOpenExisting)
	router.POST("/ui/jobs", a.UISubmit)
	router.GET("/ui/jobs/:id", a.UIJob)
	router.POST("/ui/jobs/:id/cancel", a.UICancel)
}

// UIHome renders the home page
func (a *API) UIHome(c *gin.Context) {
	a.renderHome(c, http.StatusOK, "")
}

// UIOpenExisting redirects to the job page by id
func (a *API) UIOpenExisting(c *gin.Context) {
	id := strings.TrimSpace(c.Query("id"))
	if id == "" {
		c.Redirect(http.StatusFound, "/ui")
		return
	}
	c.Redirect(http.StatusFound, "/ui/jobs/"+id)
}

// UISubmit submits a generation job from the upload form
func (a *API) UISubmit(c *gin.Context) {
	if !a.ready.Initialized {
		a.renderHome(c, http.StatusServiceUnavailable, "sadtalker is not initialized")
		return
	}
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, a.maxBytes)

	imageHeader, err := c.FormFile("image")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			a.renderHome(c, http.StatusRequestEntityTooLarge, "upload is too large")
			return
		}
		a.renderHome(c, http.StatusBadRequest, "an image file is required")
		return
	}
	audioHeader, err := c.FormFile("audio")
	if err != nil {
		a.renderHome(c, http.StatusBadRequest, "an audio file is required")
		return
	}
	if !strings.HasPrefix(imageHeader.Header.Get("Content-Type"), "image/") {
		a.renderHome(c, http.StatusBadRequest, "invalid image file")
		return
	}
	if !strings.HasPrefix(audioHeader.Header.Get("Content-Type"), "audio/") {
		a.renderHome(c, http.StatusBadRequest, "invalid audio file")
		return
	}

	imageFile, err := imageHeader.Open()
	if err != nil {
		a.renderHome(c, http.StatusBadRequest, "unreadable image upload")
		return
	}
	defer func() { _ = imageFile.Close() }()
	audioFile, err := audioHeader.Open()
	if err != nil {
		a.renderHome(c, http.StatusBadRequest, "unreadable audio upload")
		return
	}
	defer func() { _ = audioFile.Close() }()

	opts := job.GenOptions{
		Preprocess:  strings.TrimSpace(c.DefaultPostForm("preprocess", "crop")),
		Still:       c.PostForm("still") != "",
		UseEnhancer: c.PostForm("use_enhancer") != "",
	}
	submitted, err := a.jobs.Submit(imageFile, audioFile, opts)
	if err != nil {
		if errors.Is(err, job.ErrQueueFull) {
			a.renderHome(c, http.StatusServiceUnavailable, "job queue is full, try again later")
			return
		}
		log.Error().Err(err).Msg("ui job submission failed")
		a.renderHome(c, http.StatusInternalServerError, "failed to submit job")
		return
	}
	c.Redirect(http.StatusSeeOther, "/ui/jobs/"+submitted.Token)
}

// UIJob renders a job page
func (a *API) UIJob(c *gin.Context) {
	token := c.Param("id")
	j, err := a.jobs.Get(c.Request.Context(), token)
	if err != nil {
		if errors.Is(err, job.ErrJobNotFound) {
			a.renderHome(c, http.StatusNotFound, "job not found")
			return
		}
		log.Error().Str("token", token).Err(err).Msg("ui job lookup failed")
		a.renderHome(c, http.StatusInternalServerError, "job lookup failed")
		return
	}
	a.renderJob(c, http.StatusOK, j, "")
}

// UICancel cancels a job from the job page and redirects back
func (a *API) UICancel(c *gin.Context) {
	token := c.Param("id")
	err := a.jobs.Cancel(c.Request.Context(), token)
	switch {
	case err == nil:
		c.Redirect(http.StatusSeeOther, "/ui/jobs/"+token)
	case errors.Is(err, job.ErrJobNotFound):
		a.renderHome(c, http.StatusNotFound, "job not found")
	case errors.Is(err, job.ErrAlreadyFinished):
		if j, getErr := a.jobs.Get(c.Request.Context(), token); getErr == nil {
			a.renderJob(c, http.StatusConflict, j, "job already finished")
			return
		}
		a.renderHome(c, http.StatusConflict, "job already finished")
	default:
		log.Error().Str("token", token).Err(err).Msg("ui cancel failed")
		a.renderHome(c, http.StatusInternalServerError, "cancel failed")
	}
}

func (a *API) renderHome(c *gin.Context, status int, errMsg string) {
	recent, err := a.jobs.Recent(c.Request.Context(), 20)
	if err != nil {
		log.Warn().Err(err).Msg("recent jobs unavailable for ui")
	}
	jobs := make([]jobResponse, 0, len(recent))
	for _, j := range recent {
		jobs = append(jobs, a.toJobResponse(j))
	}
	c.HTML(status, "home", gin.H{"Error": errMsg, "Ready": a.ready, "Jobs": jobs})
}

func (a *API) renderJob(c *gin.Context, status int, j *job.Job, errMsg string) {
	c.HTML(status, "job", gin.H{"Error": errMsg, "Job": a.toJobResponse(j), "Active": !j.Status.Terminal()})
}
