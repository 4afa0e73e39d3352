// Package ingress exposes the device-facing HTTP surface of the hub.
//
// Handlers are local-only: they validate, persist, and respond. No handler
// ever calls the remote authority, so screens get fast answers even when the
// uplink is down.
package ingress

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"github.com/beaconsafe/sentinel/errs"
	"github.com/beaconsafe/sentinel/internal/domain/devicestore"
	"github.com/beaconsafe/sentinel/internal/domain/syncstore"
	"github.com/beaconsafe/sentinel/internal/domain/workqueue"
	"github.com/beaconsafe/sentinel/internal/observability"
)

const (
	maxJSONBodyBytes int64 = 1 << 20 // 1 MiB

	alertsPath         = "/api/alerts"
	devicesPrefix      = "/api/devices/"
	contentManifest    = "/api/content/manifest"
	contentPrefix      = "/api/content/"
	resourcesPrefix    = "/api/resources/"
	statusPath         = "/api/status"
	downloadPathSuffix = "download"
)

type handlerFunc func(http.ResponseWriter, *http.Request)

// Server wires the ingress handlers to the hub's stores.
type Server struct {
	alerts      workqueue.Store
	heartbeats  workqueue.Store
	devices     devicestore.Store
	resources   syncstore.ResourceStore
	content     syncstore.ContentStore
	resourceDir string
	clock       func() time.Time
}

// NewServer constructs the ingress Server.
func NewServer(alerts, heartbeats workqueue.Store, devices devicestore.Store, resources syncstore.ResourceStore, content syncstore.ContentStore, resourceDir string) *Server {
	return &Server{
		alerts:      alerts,
		heartbeats:  heartbeats,
		devices:     devices,
		resources:   resources,
		content:     content,
		resourceDir: resourceDir,
		clock:       func() time.Time { return time.Now().UTC() },
	}
}

// Handler builds the ingress route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.Handle(alertsPath, s.methodHandlers(map[string]handlerFunc{
		http.MethodPost: s.postAlert,
	}))
	mux.Handle(devicesPrefix, http.HandlerFunc(s.handleDevice))
	mux.Handle(contentManifest, s.methodHandlers(map[string]handlerFunc{
		http.MethodGet: s.getContentManifest,
	}))
	mux.Handle(contentPrefix, http.HandlerFunc(s.handleContent))
	mux.Handle(resourcesPrefix, http.HandlerFunc(s.handleResource))
	mux.Handle(statusPath, s.methodHandlers(map[string]handlerFunc{
		http.MethodGet: s.getStatus,
	}))

	return mux
}

func (s *Server) methodHandlers(handlers map[string]handlerFunc) http.Handler {
	allowed := allowedMethods(handlers)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if handler, ok := handlers[r.Method]; ok {
			handler(w, r)
			return
		}
		methodNotAllowed(w, allowed...)
	})
}

func allowedMethods(handlers map[string]handlerFunc) []string {
	if len(handlers) == 0 {
		return nil
	}
	allowed := make([]string, 0, len(handlers))
	for method := range handlers {
		allowed = append(allowed, method)
	}
	sort.Strings(allowed)
	return allowed
}

type alertPayload struct {
	DeviceID string          `json:"device_id"`
	Kind     string          `json:"kind"`
	Payload  json.RawMessage `json:"payload"`
}

func (s *Server) postAlert(w http.ResponseWriter, r *http.Request) {
	limitRequestBody(w, r)
	defer func() {
		_ = r.Body.Close()
	}()

	var payload alertPayload
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(&payload); err != nil {
		writeDecodeError(w, err)
		return
	}
	payload.DeviceID = strings.TrimSpace(payload.DeviceID)
	payload.Kind = strings.TrimSpace(payload.Kind)
	if payload.DeviceID == "" {
		writeError(w, http.StatusBadRequest, "device_id required")
		return
	}
	if payload.Kind == "" {
		writeError(w, http.StatusBadRequest, "kind required")
		return
	}
	if len(payload.Payload) == 0 {
		payload.Payload = json.RawMessage(`{}`)
	}

	item, err := s.alerts.Enqueue(r.Context(), workqueue.Event{
		SubjectID: payload.DeviceID,
		Kind:      payload.Kind,
		Payload:   payload.Payload,
	})
	if err != nil {
		observability.Log().Error("enqueue alert",
			observability.Field{Key: "device_id", Value: payload.DeviceID},
			observability.Field{Key: "error", Value: err.Error()})
		writeError(w, http.StatusInternalServerError, "alert could not be persisted")
		return
	}

	// The alert is durable from here; delivery happens in the background.
	writeJSON(w, http.StatusAccepted, map[string]any{
		"id":     item.ID,
		"status": string(item.Status),
	})
}

func (s *Server) handleDevice(w http.ResponseWriter, r *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, devicesPrefix), "/")
	if rest == "" {
		writeError(w, http.StatusNotFound, "device id required")
		return
	}

	deviceID, action, hasAction := strings.Cut(rest, "/")
	deviceID = strings.TrimSpace(deviceID)
	if deviceID == "" {
		writeError(w, http.StatusNotFound, "device id required")
		return
	}
	if !hasAction {
		if r.Method != http.MethodGet {
			methodNotAllowed(w, http.MethodGet)
			return
		}
		s.getDevice(w, r, deviceID)
		return
	}

	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	switch strings.TrimSpace(action) {
	case "heartbeat":
		s.postHeartbeat(w, r, deviceID)
	case "register":
		s.postRegister(w, r, deviceID)
	default:
		writeError(w, http.StatusNotFound, "unsupported action")
	}
}

func (s *Server) getDevice(w http.ResponseWriter, r *http.Request, deviceID string) {
	device, err := s.devices.Get(r.Context(), deviceID)
	if err != nil {
		if code, ok := errs.CodeOf(err); ok && code == errs.CodeNotFound {
			writeError(w, http.StatusNotFound, "device not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "device lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, deviceView(device))
}

type registerPayload struct {
	Name string `json:"name"`
}

func (s *Server) postRegister(w http.ResponseWriter, r *http.Request, deviceID string) {
	limitRequestBody(w, r)
	defer func() {
		_ = r.Body.Close()
	}()

	var payload registerPayload
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(&payload); err != nil {
		writeDecodeError(w, err)
		return
	}
	payload.Name = strings.TrimSpace(payload.Name)
	if payload.Name == "" {
		writeError(w, http.StatusBadRequest, "name required")
		return
	}

	device, err := s.devices.Register(r.Context(), deviceID, payload.Name)
	if err != nil {
		observability.Log().Error("register device",
			observability.Field{Key: "device_id", Value: deviceID},
			observability.Field{Key: "error", Value: err.Error()})
		writeError(w, http.StatusInternalServerError, "device could not be registered")
		return
	}
	writeJSON(w, http.StatusOK, deviceView(device))
}

func (s *Server) postHeartbeat(w http.ResponseWriter, r *http.Request, deviceID string) {
	limitRequestBody(w, r)
	defer func() {
		_ = r.Body.Close()
	}()

	// Bodyless heartbeats are fine; malformed bodies are not.
	payload := json.RawMessage(`{}`)
	decoder := json.NewDecoder(r.Body)
	var body json.RawMessage
	switch err := decoder.Decode(&body); {
	case err == nil:
		if len(body) > 0 {
			payload = body
		}
	case errors.Is(err, io.EOF):
	default:
		writeDecodeError(w, err)
		return
	}

	now := s.clock()
	if err := s.devices.TouchHeartbeat(r.Context(), deviceID, now); err != nil {
		if code, ok := errs.CodeOf(err); ok && code == errs.CodeNotFound {
			writeError(w, http.StatusNotFound, "device not registered")
			return
		}
		observability.Log().Error("touch heartbeat",
			observability.Field{Key: "device_id", Value: deviceID},
			observability.Field{Key: "error", Value: err.Error()})
		writeError(w, http.StatusInternalServerError, "heartbeat could not be recorded")
		return
	}

	item, err := s.heartbeats.Enqueue(r.Context(), workqueue.Event{
		SubjectID: deviceID,
		Kind:      workqueue.HeartbeatKind,
		Payload:   payload,
	})
	if err != nil {
		observability.Log().Error("enqueue heartbeat",
			observability.Field{Key: "device_id", Value: deviceID},
			observability.Field{Key: "error", Value: err.Error()})
		writeError(w, http.StatusInternalServerError, "heartbeat could not be persisted")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"id":           item.ID,
		"heartbeat_at": now.Format(time.RFC3339),
	})
}

type manifestView struct {
	ContentID string `json:"content_id"`
	Hash      string `json:"hash"`
	Size      int64  `json:"size"`
	Kind      string `json:"kind"`
	URL       string `json:"url"`
}

func (s *Server) getContentManifest(w http.ResponseWriter, r *http.Request) {
	items, err := s.content.List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "content manifest unavailable")
		return
	}
	views := make([]manifestView, 0, len(items))
	for _, item := range items {
		views = append(views, manifestView{
			ContentID: item.ContentID,
			Hash:      item.ContentHash,
			Size:      item.ByteSize,
			Kind:      item.Kind,
			URL:       contentPrefix + item.ContentID + "/" + downloadPathSuffix,
		})
	}
	sort.Slice(views, func(i, j int) bool { return views[i].ContentID < views[j].ContentID })
	writeJSON(w, http.StatusOK, map[string]any{"content": views})
}

func (s *Server) handleContent(w http.ResponseWriter, r *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, contentPrefix), "/")
	contentID, action, hasAction := strings.Cut(rest, "/")
	contentID = strings.TrimSpace(contentID)
	if contentID == "" || !hasAction || strings.TrimSpace(action) != downloadPathSuffix {
		writeError(w, http.StatusNotFound, "unknown content path")
		return
	}
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}

	item, err := s.content.Get(r.Context(), contentID)
	if err != nil {
		if code, ok := errs.CodeOf(err); ok && code == errs.CodeNotFound {
			writeError(w, http.StatusNotFound, "content not cached")
			return
		}
		writeError(w, http.StatusInternalServerError, "content lookup failed")
		return
	}
	if _, err := os.Stat(item.LocalPath); err != nil {
		writeError(w, http.StatusNotFound, "content file missing from cache")
		return
	}

	if err := s.content.TouchAccess(r.Context(), contentID, s.clock()); err != nil {
		observability.Log().Debug("touch content access",
			observability.Field{Key: "content_id", Value: contentID},
			observability.Field{Key: "error", Value: err.Error()})
	}
	http.ServeFile(w, r, item.LocalPath)
}

func (s *Server) handleResource(w http.ResponseWriter, r *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, resourcesPrefix), "/")
	resourceName, action, hasAction := strings.Cut(rest, "/")
	resourceName = strings.TrimSpace(resourceName)
	if resourceName == "" || !hasAction || strings.TrimSpace(action) != downloadPathSuffix {
		writeError(w, http.StatusNotFound, "unknown resource path")
		return
	}
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}

	resourceType, ok := knownResource(resourceName)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown resource type")
		return
	}

	path := filepath.Join(s.resourceDir, string(resourceType))
	if _, err := os.Stat(path); err != nil {
		writeError(w, http.StatusNotFound, fmt.Sprintf("resource %s not yet synced", resourceType))
		return
	}
	http.ServeFile(w, r, path)
}

type statusResourceView struct {
	ResourceType string `json:"resource_type"`
	Version      string `json:"version"`
	LastSyncAt   string `json:"last_sync_at,omitempty"`
	SyncError    string `json:"sync_error,omitempty"`
}

func (s *Server) getStatus(w http.ResponseWriter, r *http.Request) {
	deviceCounts, err := s.devices.CountByStatus(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "device counts unavailable")
		return
	}
	alertDepth, err := s.alerts.Depth(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "alert queue unavailable")
		return
	}
	heartbeatDepth, err := s.heartbeats.Depth(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "heartbeat queue unavailable")
		return
	}
	resources, err := s.resources.List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "sync records unavailable")
		return
	}

	resourceViews := make([]statusResourceView, 0, len(resources))
	for _, record := range resources {
		view := statusResourceView{
			ResourceType: string(record.ResourceType),
			Version:      record.Version,
			SyncError:    record.SyncError,
		}
		if record.LastSyncAt != nil {
			view.LastSyncAt = record.LastSyncAt.UTC().Format(time.RFC3339)
		}
		resourceViews = append(resourceViews, view)
	}
	sort.Slice(resourceViews, func(i, j int) bool {
		return resourceViews[i].ResourceType < resourceViews[j].ResourceType
	})

	writeJSON(w, http.StatusOK, map[string]any{
		"devices": map[string]int64{
			"pending": deviceCounts[devicestore.StatusPending],
			"online":  deviceCounts[devicestore.StatusOnline],
			"offline": deviceCounts[devicestore.StatusOffline],
		},
		"queues": map[string]int64{
			"alerts":     alertDepth,
			"heartbeats": heartbeatDepth,
		},
		"resources": resourceViews,
	})
}

func deviceView(device devicestore.Device) map[string]any {
	view := map[string]any{
		"device_id":     device.DeviceID,
		"name":          device.Name,
		"status":        string(device.Status),
		"registered_at": device.RegisteredAt.UTC().Format(time.RFC3339),
	}
	if device.LastHeartbeatAt != nil {
		view["last_heartbeat_at"] = device.LastHeartbeatAt.UTC().Format(time.RFC3339)
	}
	return view
}

func knownResource(name string) (syncstore.ResourceType, bool) {
	for _, resourceType := range syncstore.KnownResourceTypes() {
		if string(resourceType) == name {
			return resourceType, true
		}
	}
	return "", false
}

func limitRequestBody(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)
}

func methodNotAllowed(w http.ResponseWriter, allowed ...string) {
	if len(allowed) > 0 {
		w.Header().Set("Allow", strings.Join(allowed, ", "))
	}
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	encoder := json.NewEncoder(w)
	_ = encoder.Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"status": "error", "error": message})
}

func writeDecodeError(w http.ResponseWriter, err error) {
	if isRequestTooLarge(err) {
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}
	writeError(w, http.StatusBadRequest, err.Error())
}

func isRequestTooLarge(err error) bool {
	var maxBytesErr *http.MaxBytesError
	return errors.As(err, &maxBytesErr)
}
