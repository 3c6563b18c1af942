package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/raaihank/phi-sentinel/internal/config"
	"github.com/raaihank/phi-sentinel/internal/core"
	"github.com/raaihank/phi-sentinel/internal/masking"
	"github.com/raaihank/phi-sentinel/internal/policy"
	"github.com/raaihank/phi-sentinel/internal/privacy"
	"github.com/raaihank/phi-sentinel/internal/protect"
)

type detectRequest struct {
	Text        string   `json:"text"`
	EntityTypes []string `json:"entity_types,omitempty"`
}

type detectResponse struct {
	RequestID string                   `json:"request_id"`
	HasPII    bool                     `json:"has_pii"`
	Entities  []privacy.DetectedEntity `json:"entities"`
	Counts    map[string]int           `json:"counts"`
}

type protectRequest struct {
	Text      string `json:"text"`
	Mode      string `json:"mode,omitempty"`
	Context   string `json:"context,omitempty"`
	Role      string `json:"role,omitempty"`
	SessionID string `json:"session_id,omitempty"`
}

type protectResponse struct {
	RequestID string                 `json:"request_id"`
	SessionID string                 `json:"session_id,omitempty"`
	Text      string                 `json:"text"`
	Mode      protect.Mode           `json:"mode"`
	Entities  []protect.EntityReport `json:"entities"`
}

type restoreRequest struct {
	Text      string          `json:"text"`
	SessionID string          `json:"session_id,omitempty"`
	Mapping   protect.Mapping `json:"mapping,omitempty"`
}

type restoreResponse struct {
	RequestID string `json:"request_id"`
	Text      string `json:"text"`
}

type maskRequest struct {
	Value      string              `json:"value"`
	EntityType string              `json:"entity_type"`
	Pattern    *config.MaskPattern `json:"pattern,omitempty"`
	Strategy   string              `json:"strategy,omitempty"`
	ShowLast   int                 `json:"show_last,omitempty"`
}

type maskResponse struct {
	RequestID string `json:"request_id"`
	Masked    string `json:"masked"`
}

type policyResponse struct {
	Status policy.SyncStatus `json:"status"`
	Policy *policy.Policy    `json:"policy,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	st := s.rt.Policies.Status()
	status, code := "healthy", http.StatusOK
	if st.State != policy.StateReady {
		status, code = "degraded", http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{
		"status":        status,
		"policy_state":  st.State,
		"policy_source": st.Source,
		"timestamp":     time.Now().Format(time.RFC3339),
	})
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	info := map[string]any{
		"name":            "phi-sentinel",
		"version":         s.version,
		"uptime_seconds":  int64(time.Since(s.started).Seconds()),
		"detectors_count": len(s.rt.Detector.EnabledKinds()),
		"reversible":      s.rt.Cipher != nil,
		"sessions":        s.config.Sessions.Backend,
		"audit_enabled":   s.config.Audit.Enabled,
		"metrics_enabled": s.rt.Metrics != nil,
	}
	if s.hub != nil {
		info["websocket"] = s.hub.GetStats()
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleDetect(w http.ResponseWriter, r *http.Request) {
	requestID := getRequestID(r.Context())

	var req detectRequest
	if !s.decode(w, r, &req) {
		return
	}

	kinds := make([]privacy.EntityKind, 0, len(req.EntityTypes))
	for _, name := range req.EntityTypes {
		kind, err := privacy.ParseEntityKind(name)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_error", err.Error())
			return
		}
		kinds = append(kinds, kind)
	}

	start := time.Now()
	var (
		res *privacy.DetectionResult
		err error
	)
	if len(kinds) > 0 {
		res, err = s.rt.Detector.DetectKinds(req.Text, kinds...)
	} else {
		res, err = s.rt.Detector.Detect(req.Text)
	}
	if err != nil {
		s.fail(w, r, err)
		return
	}

	counts := make(map[string]int)
	for kind, n := range res.Counts() {
		counts[kind.String()] = n
	}
	if s.hub != nil && len(res.Entities) > 0 {
		s.hub.PublishDetection(requestID, "detect", counts, time.Since(start))
	}

	entities := res.Entities
	if entities == nil {
		entities = []privacy.DetectedEntity{}
	}
	writeJSON(w, http.StatusOK, detectResponse{
		RequestID: requestID,
		HasPII:    res.HasPII,
		Entities:  entities,
		Counts:    counts,
	})
}

func (s *Server) handleProtect(w http.ResponseWriter, r *http.Request) {
	requestID := getRequestID(r.Context())

	var req protectRequest
	if !s.decode(w, r, &req) {
		return
	}
	mode, err := protect.ParseMode(req.Mode)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_error", err.Error())
		return
	}

	opts := protect.Options{Mode: mode, Context: req.Context, Role: req.Role, RequestID: requestID}
	session := s.rt.Protector.NewSession(opts)
	defer session.Close()

	// Seed from the stored mapping so this call never reuses a protected
	// value that already stands for someone else.
	if mode == protect.Reversible && req.SessionID != "" {
		stored, err := s.rt.Sessions.Load(r.Context(), req.SessionID)
		if err != nil && !errors.Is(err, protect.ErrUnknownSession) {
			s.fail(w, r, err)
			return
		}
		if err := session.Merge(stored); err != nil {
			s.fail(w, r, err)
			return
		}
	}

	start := time.Now()
	res, err := session.ProtectContext(r.Context(), req.Text)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if s.hub != nil && len(res.Entities) > 0 {
		s.hub.PublishProtection(opts, res, time.Since(start))
	}

	resp := protectResponse{
		RequestID: requestID,
		Text:      res.Text,
		Mode:      mode,
		Entities:  res.Entities,
	}
	if resp.Entities == nil {
		resp.Entities = []protect.EntityReport{}
	}

	// Reversible output is restorable only through a stored session.
	if mode == protect.Reversible && (len(res.Mapping) > 0 || req.SessionID != "") {
		sessionID := req.SessionID
		if sessionID == "" {
			sessionID = uuid.NewString()
		}
		if _, err := s.rt.Sessions.Append(r.Context(), sessionID, res.Mapping); err != nil {
			s.fail(w, r, err)
			return
		}
		resp.SessionID = sessionID
	}

	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleRestore(w http.ResponseWriter, r *http.Request) {
	requestID := getRequestID(r.Context())

	var req restoreRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.SessionID == "" && len(req.Mapping) == 0 {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "session_id or mapping is required")
		return
	}

	mapping := req.Mapping
	if req.SessionID != "" {
		stored, err := s.rt.Sessions.Load(r.Context(), req.SessionID)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		// Stored entries win over caller-supplied ones.
		for k, v := range req.Mapping {
			if _, ok := stored[k]; !ok {
				stored[k] = v
			}
		}
		mapping = stored
	}

	writeJSON(w, http.StatusOK, restoreResponse{
		RequestID: requestID,
		Text:      protect.Restore(req.Text, mapping),
	})
}

func (s *Server) handleMask(w http.ResponseWriter, r *http.Request) {
	requestID := getRequestID(r.Context())

	var req maskRequest
	if !s.decode(w, r, &req) {
		return
	}
	kind, err := privacy.ParseEntityKind(req.EntityType)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_error", err.Error())
		return
	}

	var masked string
	if req.Strategy != "" {
		strategy, err := masking.ParseStrategy(req.Strategy)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_error", err.Error())
			return
		}
		if strategy.Reversible() {
			writeError(w, http.StatusBadRequest, "invalid_request_error",
				fmt.Sprintf("strategy %s needs a session, use /v1/protect", strategy))
			return
		}
		showLast := req.ShowLast
		if showLast <= 0 {
			showLast = s.config.Masking.DefaultShowLast
		}
		masked, err = masking.NewMasker(s.config.Masking.TokenPrefix).Mask(req.Value, strategy, kind, showLast)
		if err != nil {
			s.fail(w, r, err)
			return
		}
	} else {
		masked, err = masking.Mask(req.Value, s.maskPattern(kind, req.Pattern))
		if err != nil {
			s.fail(w, r, err)
			return
		}
	}

	writeJSON(w, http.StatusOK, maskResponse{RequestID: requestID, Masked: masked})
}

// maskPattern picks the request pattern, then the configured one, then
// show_last with the default count.
func (s *Server) maskPattern(kind privacy.EntityKind, override *config.MaskPattern) config.MaskPattern {
	if override != nil {
		return *override
	}
	if p, ok := s.patterns[kind]; ok {
		return p
	}
	return config.MaskPattern{
		Type:     config.MaskShowLast,
		ShowLast: s.config.Masking.DefaultShowLast,
		MaskChar: "*",
	}
}

func (s *Server) handlePolicy(w http.ResponseWriter, r *http.Request) {
	p, err := s.rt.Policies.Policy()
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, policyResponse{Status: s.rt.Policies.Status(), Policy: p})
}

func (s *Server) handlePolicyRefresh(w http.ResponseWriter, r *http.Request) {
	if err := s.rt.Policies.Refresh(r.Context()); err != nil {
		s.logger.WithRequestID(getRequestID(r.Context())).Warn("Policy refresh failed", zap.Error(err))
		writeJSON(w, http.StatusBadGateway, map[string]any{
			"error":  errorBody{Type: string(core.KindPolicy), Message: err.Error()},
			"status": s.rt.Policies.Status(),
		})
		return
	}
	writeJSON(w, http.StatusOK, policyResponse{Status: s.rt.Policies.Status()})
}

// decode reads a JSON body into v and writes the error response itself.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "invalid_request_error",
				fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit))
			return false
		}
		writeError(w, http.StatusBadRequest, "invalid_request_error", "invalid JSON body: "+err.Error())
		return false
	}
	return true
}

// fail maps an error to a status code and logs server-side failures.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, kind := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.WithRequestID(getRequestID(r.Context())).Error("Request failed",
			zap.String("route", r.URL.Path),
			zap.Error(err))
	}
	writeError(w, status, kind, err.Error())
}

func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, protect.ErrUnknownSession):
		return http.StatusNotFound, "not_found_error"
	case errors.Is(err, protect.ErrMappingConflict):
		return http.StatusConflict, "conflict_error"
	case errors.Is(err, core.ErrConfiguration):
		return http.StatusBadRequest, string(core.KindConfiguration)
	case errors.Is(err, core.ErrPolicy):
		return http.StatusServiceUnavailable, string(core.KindPolicy)
	case errors.Is(err, core.ErrEncryption):
		return http.StatusInternalServerError, string(core.KindEncryption)
	case errors.Is(err, core.ErrDetection):
		return http.StatusInternalServerError, string(core.KindDetection)
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

type errorBody struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, status int, kind, message string) {
	writeJSON(w, status, map[string]errorBody{"error": {Type: kind, Message: message}})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(v)
}
