package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/viper"

	"github.com/audiolibrelab/tapcapture/internal/audio"
	"github.com/audiolibrelab/tapcapture/internal/config"
	"github.com/audiolibrelab/tapcapture/internal/export"
	"github.com/audiolibrelab/tapcapture/internal/service"
)

// Server represents the web server for controlling TapCapture
type Server struct {
	service    service.Service
	configFile string
	port       int
	gatherer   prometheus.Gatherer

	profileMu     sync.RWMutex
	activeProfile string
}

// StatusResponse is returned by GET /api/status
type StatusResponse struct {
	service.Status
	Message       string `json:"message,omitempty"`
	ActiveProfile string `json:"active_profile"`
	OutputDir     string `json:"output_dir"`
	MaxDuration   int    `json:"max_duration"`
}

// RecordingsResponse is returned by GET /api/recordings
type RecordingsResponse struct {
	Recordings      []RecordingFile `json:"recordings"`
	TotalCount      int             `json:"total_count"`
	OutputDirectory string          `json:"output_directory"`
}

type RecordingFile struct {
	export.RecordingInfo
	SizeHuman string `json:"size_human"`
	StreamURL string `json:"stream_url"`
}

// New creates a new web server instance. gatherer may be nil, in which case
// /metrics is not served.
func New(svc service.Service, configFile string, port int, gatherer prometheus.Gatherer) *Server {
	return &Server{
		service:       svc,
		configFile:    configFile,
		port:          port,
		gatherer:      gatherer,
		activeProfile: getActiveProfileName(configFile),
	}
}

// Handler returns the routes of the server
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleIndex)
	mux.HandleFunc("/api/start", s.handleStart)
	mux.HandleFunc("/api/stop", s.handleStop)
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/recordings", s.handleRecordings)
	mux.HandleFunc("/api/recordings/stream/", s.handleRecordingStream)
	mux.HandleFunc("/api/devices", s.handleDevices)
	mux.HandleFunc("/api/profiles", s.handleProfiles)
	mux.HandleFunc("/api/profiles/select", s.handleSelectProfile)
	if s.gatherer != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
	return mux
}

// Start serves HTTP until ctx is cancelled, then shuts down gracefully
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	slog.Info("Starting TapCapture Web Server",
		"port", s.port,
		"local_url", fmt.Sprintf("http://%s:%d", getLocalIP(), s.port),
		"localhost_url", fmt.Sprintf("http://localhost:%d", s.port))

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	slog.Info("Web server stopped")
	return nil
}

// handleIndex lists the available endpoints
func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	fmt.Fprint(w, indexHTML)
}

const indexHTML = `<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>TapCapture</title>
</head>
<body>
    <h1>TapCapture</h1>
    <h2>API Endpoints:</h2>
    <ul>
        <li>POST /api/start - Start recording (form field: name, optional profile)</li>
        <li>POST /api/stop - Stop recording</li>
        <li>GET /api/status - Recorder status</li>
        <li>GET /api/recordings - List recordings</li>
        <li>GET /api/devices - List output devices</li>
        <li>GET /api/profiles - List profiles</li>
        <li>GET /metrics - Prometheus metrics</li>
    </ul>
</body>
</html>`

// handleStart starts a new recording
func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}

	if err := r.ParseForm(); err != nil {
		s.sendErrorResponse(w, http.StatusBadRequest, "Failed to parse form", "operation", "start")
		return
	}

	name := r.FormValue("name")
	profile := r.FormValue("profile")
	slog.Debug("Start request received", "name", name, "profile", profile)

	if name == "" {
		s.sendErrorResponse(w, http.StatusBadRequest, "Recording name is required", "operation", "start")
		return
	}

	if profile != "" && profile != s.getActiveProfile() {
		if err := s.service.LoadProfile(profile); err != nil {
			s.sendErrorResponse(w, statusFor(err),
				fmt.Sprintf("Failed to load profile '%s': %v", profile, err),
				"profile", profile, "operation", "profile_load_for_start")
			return
		}
		s.setActiveProfile(profile)
	}

	session, err := s.service.StartRecording(name)
	if err != nil {
		s.sendErrorResponse(w, statusFor(err),
			fmt.Sprintf("Failed to start recording: %v", err),
			"name", name, "operation", "start")
		return
	}

	slog.Info("Server: recording started", "name", name, "output", session.OutputFile)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"message": "Recording started",
		"session": session,
		"profile": s.getActiveProfile(),
	})
}

// handleStop requests the current recording to stop. With wait=true the
// response is sent once the recording is saved.
func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}

	if err := s.service.StopRecording(); err != nil {
		s.sendErrorResponse(w, statusFor(err),
			fmt.Sprintf("Failed to stop recording: %v", err),
			"operation", "stop")
		return
	}

	response := map[string]interface{}{
		"success": true,
		"message": "Recording stopping",
	}

	if r.URL.Query().Get("wait") == "true" {
		res, err := s.service.WaitRecording(r.Context())
		if res == nil {
			s.sendErrorResponse(w, http.StatusInternalServerError,
				fmt.Sprintf("Failed to wait for recording: %v", err), "operation", "stop")
			return
		}
		response["message"] = "Recording stopped"
		response["result"] = res
		if err != nil {
			response["success"] = false
			response["error"] = err.Error()
		}
	}

	writeJSON(w, http.StatusOK, response)
}

// handleStatus returns the recorder status
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}

	status := s.service.GetRecordingStatus()
	cfg := s.service.GetConfig()

	writeJSON(w, http.StatusOK, StatusResponse{
		Status:        status,
		Message:       generateStatusMessage(status),
		ActiveProfile: s.getActiveProfile(),
		OutputDir:     cfg.Output.Directory,
		MaxDuration:   cfg.Capture.MaxDuration,
	})
}

// handleRecordings lists persisted recordings
func (s *Server) handleRecordings(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}

	recordings, err := s.service.ListRecordings()
	if err != nil {
		s.sendErrorResponse(w, http.StatusInternalServerError,
			fmt.Sprintf("Failed to list recordings: %v", err), "operation", "list_recordings")
		return
	}

	files := make([]RecordingFile, 0, len(recordings))
	for _, rec := range recordings {
		files = append(files, RecordingFile{
			RecordingInfo: rec,
			SizeHuman:     formatBytes(rec.Size),
			StreamURL:     "/api/recordings/stream/" + filepath.Base(rec.Path),
		})
	}

	writeJSON(w, http.StatusOK, RecordingsResponse{
		Recordings:      files,
		TotalCount:      len(files),
		OutputDirectory: s.service.GetConfig().Output.Directory,
	})
}

// handleRecordingStream serves a recording file for streaming
func (s *Server) handleRecordingStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	filename := strings.TrimPrefix(r.URL.Path, "/api/recordings/stream/")
	if filename == "" {
		http.Error(w, "Filename required", http.StatusBadRequest)
		return
	}

	// Validate filename (prevent path traversal)
	if strings.Contains(filename, "..") || strings.Contains(filename, "/") || strings.Contains(filename, "\\") {
		http.Error(w, "Invalid filename", http.StatusBadRequest)
		return
	}
	if !strings.EqualFold(filepath.Ext(filename), export.Extension) {
		http.Error(w, "File type not supported", http.StatusForbidden)
		return
	}

	filePath := filepath.Join(s.service.GetConfig().Output.Directory, filename)
	file, err := os.Open(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			http.Error(w, "File not found", http.StatusNotFound)
		} else {
			http.Error(w, "Error accessing file", http.StatusInternalServerError)
		}
		return
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		http.Error(w, "Error accessing file", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "audio/wav")
	w.Header().Set("Accept-Ranges", "bytes")
	http.ServeContent(w, r, filename, info.ModTime(), file)
}

// handleDevices lists the output devices of the audio backend
func (s *Server) handleDevices(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}

	devices, err := s.service.ListDevices()
	if err != nil {
		s.sendErrorResponse(w, http.StatusInternalServerError,
			fmt.Sprintf("Failed to list devices: %v", err), "operation", "list_devices")
		return
	}
	if devices == nil {
		devices = []audio.DeviceInfo{}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"devices": devices,
	})
}

// handleProfiles returns available configuration profiles
func (s *Server) handleProfiles(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"profiles":       s.getAvailableProfiles(),
		"active_profile": s.getActiveProfile(),
	})
}

// handleSelectProfile switches the active profile and saves the choice
func (s *Server) handleSelectProfile(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}

	if err := r.ParseForm(); err != nil {
		s.sendErrorResponse(w, http.StatusBadRequest, "Failed to parse form", "operation", "profile_selection")
		return
	}

	profile := r.FormValue("profile")
	if profile == "" {
		s.sendErrorResponse(w, http.StatusBadRequest, "Profile is required", "operation", "profile_selection")
		return
	}

	if err := s.service.LoadProfile(profile); err != nil {
		s.sendErrorResponse(w, statusFor(err),
			fmt.Sprintf("Failed to load profile '%s': %v", profile, err),
			"profile", profile, "operation", "profile_selection")
		return
	}
	s.setActiveProfile(profile)

	if err := config.UpdateActiveConfig(s.configFile, profile); err != nil {
		s.sendErrorResponse(w, http.StatusInternalServerError,
			fmt.Sprintf("Failed to save profile selection to config file: %v", err),
			"profile", profile, "operation", "profile_selection")
		return
	}

	slog.Info("Profile changed", "profile", profile)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"message": fmt.Sprintf("Profile changed to %s", profile),
		"profile": profile,
	})
}

func (s *Server) getActiveProfile() string {
	s.profileMu.RLock()
	defer s.profileMu.RUnlock()
	return s.activeProfile
}

func (s *Server) setActiveProfile(profile string) {
	s.profileMu.Lock()
	defer s.profileMu.Unlock()
	s.activeProfile = profile
}

func (s *Server) getAvailableProfiles() []string {
	profiles := []string{}
	root, err := readRootConfig(s.configFile)
	if err != nil {
		slog.Debug("Failed to read config file for profiles", "error", err)
		return profiles
	}
	for name := range root.Configs {
		profiles = append(profiles, name)
	}
	sort.Strings(profiles)
	return profiles
}

func readRootConfig(configFile string) (*config.RootConfig, error) {
	if configFile == "" {
		return nil, errors.New("no config file")
	}
	v := viper.New()
	v.SetConfigFile(configFile)
	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}
	var root config.RootConfig
	if err := v.Unmarshal(&root); err != nil {
		return nil, err
	}
	return &root, nil
}

func getActiveProfileName(configFile string) string {
	root, err := readRootConfig(configFile)
	if err != nil {
		return ""
	}
	if root.ActiveConfig != "" {
		return root.ActiveConfig
	}
	if _, ok := root.Configs["default"]; ok {
		return "default"
	}
	return ""
}

func generateStatusMessage(status service.Status) string {
	switch status.State {
	case audio.StateStarting:
		return "Preparing system audio tap"
	case audio.StateRecording:
		if status.Session != nil {
			return fmt.Sprintf("Recording in progress - %s", status.Session.Name)
		}
		return "Recording in progress"
	case audio.StateStopping:
		return "Saving recording"
	case audio.StateSucceeded:
		if status.LastResult != nil {
			return fmt.Sprintf("Saved %s (%s)", filepath.Base(status.LastResult.Destination), status.LastResult.Reason)
		}
		return ""
	case audio.StateFailed:
		if status.LastError != "" {
			return status.LastError
		}
		return "An error occurred during the operation"
	default:
		return ""
	}
}

// statusFor maps service errors to HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, service.ErrInvalidName):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrRecordingExists),
		errors.Is(err, service.ErrNotRecording),
		errors.Is(err, service.ErrRecordingRunning),
		errors.Is(err, audio.ErrInvalidState):
		return http.StatusConflict
	case errors.Is(err, audio.ErrRecorderClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func requireMethod(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method == method {
		return true
	}
	writeJSON(w, http.StatusMethodNotAllowed, map[string]interface{}{
		"success": false,
		"error":   "Method not allowed",
	})
	return false
}

func writeJSON(w http.ResponseWriter, statusCode int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("Failed to encode response", "error", err)
	}
}

// sendErrorResponse logs the error and sends a JSON error response to the client
func (s *Server) sendErrorResponse(w http.ResponseWriter, statusCode int, errorMsg string, logContext ...interface{}) {
	logFields := []interface{}{"error_message", errorMsg, "status_code", statusCode}
	if len(logContext) > 0 {
		logFields = append(logFields, logContext...)
	}
	slog.Error("Sending error response to client", logFields...)

	writeJSON(w, statusCode, map[string]interface{}{
		"success": false,
		"error":   errorMsg,
	})
}

// formatBytes formats bytes in human readable format
func formatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}

func getLocalIP() string {
	// Connecting a UDP socket sends nothing but selects the outbound interface
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "localhost"
	}
	defer conn.Close()

	localAddr := conn.LocalAddr().(*net.UDPAddr)
	return localAddr.IP.String()
}
