// Package server wires the inbound HTTP surface of spec §6 onto gin,
// grounded on the teacher's examples/gin-server/main.go handler-per-route
// style (gin.New() with the Logger and Recovery middleware, one handler
// function per route, gin.H for ad-hoc
// JSON bodies, typed structs for anything reused).
package server

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/kirobridge/kirobridge/internal/apierrors"
	"github.com/kirobridge/kirobridge/internal/apitypes"
	"github.com/kirobridge/kirobridge/internal/credential"
	"github.com/kirobridge/kirobridge/internal/kiroclient"
	"github.com/kirobridge/kirobridge/internal/pipeline"
	"github.com/kirobridge/kirobridge/internal/tokencount"
	"github.com/kirobridge/kirobridge/internal/translator"
)

// Server holds the dependencies every handler needs.
type Server struct {
	apiKey      string
	adminAPIKey string

	pool     *credential.Pool
	pipeline *pipeline.Pipeline
	client   *kiroclient.Client
	counter  *tokencount.Counter

	adminUI http.FileSystem
}

// Config carries the auth keys and collaborators a Server needs.
type Config struct {
	APIKey      string
	AdminAPIKey string
	Pool        *credential.Pool
	Pipeline    *pipeline.Pipeline
	Client      *kiroclient.Client
	Counter     *tokencount.Counter
	AdminUI     http.FileSystem
}

// New builds a Server from its dependencies.
func New(cfg Config) *Server {
	return &Server{
		apiKey:      cfg.APIKey,
		adminAPIKey: cfg.AdminAPIKey,
		pool:        cfg.Pool,
		pipeline:    cfg.Pipeline,
		client:      cfg.Client,
		counter:     cfg.Counter,
		adminUI:     cfg.AdminUI,
	}
}

// Router builds the gin engine with every route from spec §6's table.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Logger(), gin.Recovery())

	r.GET("/v1/models", s.requireAPIKey, s.handleModels)
	r.POST("/v1/messages", s.requireAPIKey, s.handleMessages)
	r.POST("/v1/messages/count_tokens", s.requireAPIKey, s.handleCountTokens)

	admin := r.Group("/api/admin")
	admin.Use(s.requireAdminAPIKey)
	admin.GET("/credentials", s.handleListCredentials)
	admin.POST("/credentials", s.handleCreateCredential)
	admin.DELETE("/credentials/:id", s.handleDeleteCredential)
	admin.POST("/credentials/:id/disabled", s.handleSetDisabled)
	admin.POST("/credentials/:id/priority", s.handleSetPriority)
	admin.POST("/credentials/:id/reset", s.handleResetFailure)
	admin.POST("/credentials/:id/refresh-token", s.handleRefreshToken)
	admin.GET("/credentials/:id/balance", s.handleBalance)

	if s.adminUI != nil {
		r.StaticFS("/admin", s.adminUI)
	}

	return r
}

// requireAPIKey enforces spec §6's "Auth acceptance" rule for the client
// surface: either x-api-key or a bearer token, matched against apiKey.
func (s *Server) requireAPIKey(c *gin.Context) {
	if !keyMatches(c, s.apiKey) {
		c.AbortWithStatusJSON(http.StatusUnauthorized, errorBody(apierrors.KindClientAuth, "invalid API key"))
		return
	}
	c.Next()
}

func (s *Server) requireAdminAPIKey(c *gin.Context) {
	if !keyMatches(c, s.adminAPIKey) {
		c.AbortWithStatusJSON(http.StatusUnauthorized, errorBody(apierrors.KindClientAuth, "invalid admin API key"))
		return
	}
	c.Next()
}

func keyMatches(c *gin.Context, expected string) bool {
	if expected == "" {
		return false
	}
	if got := c.GetHeader("x-api-key"); got != "" {
		return got == expected
	}
	if auth := c.GetHeader("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ") == expected
	}
	return false
}

func errorBody(kind apierrors.Kind, message string) apitypes.ErrorData {
	return apitypes.ErrorData{Type: "error", Error: apitypes.ErrorBody{Type: string(kind), Message: message}}
}

// handleModels serves the static supported-model list (spec §6).
func (s *Server) handleModels(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"data": []gin.H{
			{"id": translator.ModelHaiku, "type": "model"},
			{"id": translator.ModelSonnet, "type": "model"},
			{"id": translator.ModelOpus, "type": "model"},
		},
	})
}

// handleMessages runs the full pipeline for POST /v1/messages, writing SSE
// when the request asks to stream and a single JSON body otherwise.
func (s *Server) handleMessages(c *gin.Context) {
	var req apitypes.MessagesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorBody(apierrors.KindClient, err.Error()))
		return
	}

	if req.Stream {
		// Validate before committing to a 200 + text/event-stream response:
		// once those are written a client-error status can no longer be sent,
		// only an inline SSE error frame the converter itself would emit.
		if _, err := translator.ToUpstream(&req); err != nil {
			c.JSON(http.StatusBadRequest, errorBody(apierrors.KindClient, err.Error()))
			return
		}

		c.Writer.Header().Set("Content-Type", "text/event-stream")
		c.Writer.Header().Set("Cache-Control", "no-cache")
		c.Writer.Header().Set("Connection", "keep-alive")
		c.Writer.Header().Set("X-Accel-Buffering", "no")
		c.Writer.WriteHeader(http.StatusOK)

		// Any error past this point has already been written into the SSE
		// stream (or the connection simply dropped); there is nothing left
		// to surface through the status code.
		_ = s.pipeline.Execute(c.Request.Context(), &req, c.Writer, c.Writer)
		return
	}

	c.Writer.Header().Set("Content-Type", "application/json")
	if err := s.pipeline.Execute(c.Request.Context(), &req, c.Writer, nil); err != nil {
		writePipelineError(c, err)
		return
	}
}

func writePipelineError(c *gin.Context, err error) {
	apiErr, ok := apierrors.As(err)
	if !ok {
		c.JSON(http.StatusBadGateway, errorBody(apierrors.KindUpstream5xx, err.Error()))
		return
	}
	status := http.StatusBadGateway
	switch apiErr.Kind {
	case apierrors.KindClient:
		status = http.StatusBadRequest
	case apierrors.KindClientAuth:
		status = http.StatusUnauthorized
	case apierrors.KindUpstream4xx:
		status = http.StatusBadRequest
	case apierrors.KindNoCredential, apierrors.KindAuthInvalid, apierrors.KindAuthMalformed, apierrors.KindAuthTransient, apierrors.KindUpstream5xx, apierrors.KindPartialBody:
		status = http.StatusBadGateway
	}
	c.JSON(status, errorBody(apiErr.Kind, apiErr.Message))
}

// handleCountTokens invokes C10 for POST /v1/messages/count_tokens.
func (s *Server) handleCountTokens(c *gin.Context) {
	var req apitypes.CountTokensRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorBody(apierrors.KindClient, err.Error()))
		return
	}

	n, err := s.counter.Count(c.Request.Context(), &req)
	if err != nil {
		c.JSON(http.StatusInternalServerError, errorBody(apierrors.KindUpstream5xx, err.Error()))
		return
	}
	c.JSON(http.StatusOK, apitypes.CountTokensResponse{InputTokens: n})
}

// CredentialStatus is the admin-facing view of one pooled credential (spec
// §6's CredentialStatusItem).
type CredentialStatus struct {
	ID                int64                 `json:"id"`
	Disabled          bool                  `json:"disabled"`
	FailureCount      int                   `json:"failure_count"`
	ActiveConnections int                   `json:"active_connections"`
	MaxConcurrent     int                   `json:"max_concurrent"`
	AuthMethod        credential.AuthMethod `json:"auth_method"`
	HasProfileARN     bool                  `json:"has_profile_arn"`
	ExpiresAt         string                `json:"expires_at"`
	IsCurrent         bool                  `json:"is_current"`
	Priority          int                   `json:"priority"`
}

func toCredentialStatus(s credential.Snapshot, currentID int64, hasCurrent bool) CredentialStatus {
	return CredentialStatus{
		ID:                s.ID,
		Disabled:          s.Disabled,
		FailureCount:      s.FailureCount,
		ActiveConnections: s.ActiveConnections,
		MaxConcurrent:     s.MaxConcurrent,
		AuthMethod:        s.AuthMethod,
		HasProfileARN:     s.ProfileARN != "",
		ExpiresAt:         s.ExpiresAt.UTC().Format("2006-01-02T15:04:05Z"),
		IsCurrent:         hasCurrent && s.ID == currentID,
		Priority:          s.Priority,
	}
}

func (s *Server) handleListCredentials(c *gin.Context) {
	snaps := s.pool.List()
	currentID, hasCurrent := s.pool.CurrentID()
	out := make([]CredentialStatus, len(snaps))
	for i, snap := range snaps {
		out[i] = toCredentialStatus(snap, currentID, hasCurrent)
	}
	c.JSON(http.StatusOK, out)
}

// credentialPayload is the body accepted by POST /api/admin/credentials —
// every persisted field from spec §3, all optional except auth_method.
type credentialPayload struct {
	AuthMethod   string `json:"auth_method"`
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ProfileARN   string `json:"profile_arn"`
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
	Region       string `json:"region"`
	MachineID    string `json:"machine_id"`
	Priority     int    `json:"priority"`
}

func (s *Server) handleCreateCredential(c *gin.Context) {
	var body credentialPayload
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, errorBody(apierrors.KindClient, err.Error()))
		return
	}
	if body.AuthMethod == "" {
		c.JSON(http.StatusBadRequest, errorBody(apierrors.KindClient, "auth_method is required"))
		return
	}

	cred := &credential.Credential{
		AuthMethod:   credential.NormalizeAuthMethod(body.AuthMethod),
		AccessToken:  body.AccessToken,
		RefreshToken: body.RefreshToken,
		ProfileARN:   body.ProfileARN,
		ClientID:     body.ClientID,
		ClientSecret: body.ClientSecret,
		Region:       body.Region,
		MachineID:    body.MachineID,
		Priority:     body.Priority,
	}
	id := s.pool.Add(cred)
	c.JSON(http.StatusOK, gin.H{"message": "credential added", "id": id})
}

func (s *Server) handleDeleteCredential(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}

	snap, found := findSnapshot(s.pool, id)
	if !found {
		c.JSON(http.StatusNotFound, errorBody(apierrors.KindClient, "unknown credential id"))
		return
	}
	if !snap.Disabled {
		c.JSON(http.StatusConflict, errorBody(apierrors.KindClient, "credential must be disabled before deletion"))
		return
	}

	s.pool.Delete(id)
	c.JSON(http.StatusOK, gin.H{"message": "credential deleted"})
}

func (s *Server) handleSetDisabled(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	var body struct {
		Disabled bool `json:"disabled"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, errorBody(apierrors.KindClient, err.Error()))
		return
	}
	if !s.pool.SetDisabled(id, body.Disabled) {
		c.JSON(http.StatusNotFound, errorBody(apierrors.KindClient, "unknown credential id"))
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "updated"})
}

func (s *Server) handleSetPriority(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	var body struct {
		Priority int `json:"priority"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, errorBody(apierrors.KindClient, err.Error()))
		return
	}
	if !s.pool.SetPriority(id, body.Priority) {
		c.JSON(http.StatusNotFound, errorBody(apierrors.KindClient, "unknown credential id"))
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "updated"})
}

func (s *Server) handleResetFailure(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	if !s.pool.ResetFailure(id) {
		c.JSON(http.StatusNotFound, errorBody(apierrors.KindClient, "unknown credential id"))
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "reset"})
}

func (s *Server) handleRefreshToken(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	if _, err := s.pool.RefreshNow(c.Request.Context(), id); err != nil {
		writePipelineError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "refreshed"})
}

// handleBalance proxies to the upstream balance endpoint using the given
// credential's token (spec §6 table, supplemented per SPEC_FULL.md).
func (s *Server) handleBalance(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	snap, found := findSnapshot(s.pool, id)
	if !found {
		c.JSON(http.StatusNotFound, errorBody(apierrors.KindClient, "unknown credential id"))
		return
	}

	body, err := s.client.Balance(c.Request.Context(), snap.AccessToken)
	if err != nil {
		c.JSON(http.StatusBadGateway, errorBody(apierrors.KindUpstream5xx, err.Error()))
		return
	}
	c.Data(http.StatusOK, "application/json", body)
}

func parseID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, errorBody(apierrors.KindClient, "invalid credential id"))
		return 0, false
	}
	return id, true
}

func findSnapshot(pool *credential.Pool, id int64) (credential.Snapshot, bool) {
	for _, snap := range pool.List() {
		if snap.ID == id {
			return snap, true
		}
	}
	return credential.Snapshot{}, false
}
