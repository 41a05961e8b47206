// Package api exposes enrollment and verification over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/loqalabs/voicelock/internal/audio"
	"github.com/loqalabs/voicelock/internal/enroll"
	"github.com/loqalabs/voicelock/internal/voiceprint"
)

// Service is the enrollment core served by the API.
type Service interface {
	Register(ctx context.Context, identity string, sample enroll.Sample) (enroll.Ack, error)
	Verify(ctx context.Context, identity string, sample enroll.Sample) (enroll.Result, error)
	Delete(ctx context.Context, identity string) error
	List() []enroll.Enrollment
	Status() enroll.Status
}

type Options struct {
	ServiceName    string
	MaxUploadBytes int64
	Logger         *slog.Logger
}

type Server struct {
	svc  Service
	opts Options
	log  *slog.Logger
}

func NewServer(svc Service, opts Options) *Server {
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = 10 << 20
	}
	if opts.ServiceName == "" {
		opts.ServiceName = "voicelock"
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Server{svc: svc, opts: opts, log: log.With(slog.String("component", "http-api"))}
}

// Mount registers the API routes on mux.
func (s *Server) Mount(mux *http.ServeMux) {
	mux.HandleFunc("GET /{$}", s.handleBanner)
	mux.HandleFunc("POST /register", s.handleRegister)
	mux.HandleFunc("POST /verify", s.handleVerify)
	mux.HandleFunc("GET /voiceprints", s.handleList)
	mux.HandleFunc("DELETE /voiceprints/{identity}", s.handleDelete)
}

type errorResponse struct {
	Status string `json:"status"`
	Error  string `json:"error"`
	Code   string `json:"code"`
}

type registerResponse struct {
	Status      string `json:"status"`
	Message     string `json:"message"`
	Fingerprint string `json:"fingerprint"`
	Replaced    bool   `json:"replaced"`
}

type verifyResponse struct {
	Match      bool    `json:"match"`
	Similarity float64 `json:"similarity"`
	Threshold  float64 `json:"threshold"`
}

type voiceprintEntry struct {
	Identity    string    `json:"identity"`
	Fingerprint string    `json:"fingerprint"`
	EnrolledAt  time.Time `json:"enrolled_at"`
}

type listResponse struct {
	Count       int               `json:"count"`
	Voiceprints []voiceprintEntry `json:"voiceprints"`
}

type bannerResponse struct {
	Service   string  `json:"service"`
	Status    string  `json:"status"`
	Model     string  `json:"model"`
	Dimension int     `json:"dimension"`
	Enrolled  int     `json:"enrolled"`
	Threshold float64 `json:"threshold"`
}

func (s *Server) handleBanner(w http.ResponseWriter, _ *http.Request) {
	st := s.svc.Status()
	writeJSON(w, http.StatusOK, bannerResponse{
		Service:   s.opts.ServiceName,
		Status:    "running",
		Model:     st.ModelID,
		Dimension: st.Dimension,
		Enrolled:  st.Enrolled,
		Threshold: st.Threshold,
	})
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	identity, sample, err := s.readUpload(w, r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	ack, err := s.svc.Register(r.Context(), identity, sample)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, registerResponse{
		Status:      "success",
		Message:     fmt.Sprintf("Voiceprint registered for %s", ack.Identity),
		Fingerprint: ack.Fingerprint,
		Replaced:    ack.Replaced,
	})
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	identity, sample, err := s.readUpload(w, r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	res, err := s.svc.Verify(r.Context(), identity, sample)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, verifyResponse{Match: res.Matched, Similarity: res.Score, Threshold: res.Threshold})
}

func (s *Server) handleList(w http.ResponseWriter, _ *http.Request) {
	list := s.svc.List()
	out := listResponse{Count: len(list), Voiceprints: make([]voiceprintEntry, 0, len(list))}
	for _, e := range list {
		out.Voiceprints = append(out.Voiceprints, voiceprintEntry{Identity: e.Identity, Fingerprint: e.Fingerprint, EnrolledAt: e.EnrolledAt})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	identity := r.PathValue("identity")
	if err := s.svc.Delete(r.Context(), identity); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "success",
		"message": fmt.Sprintf("Voiceprint deleted for %s", identity),
	})
}

var errTooLarge = errors.New("upload too large")

// readUpload accepts either a multipart form with username and file fields
// or a raw audio body with ?username=.
func (s *Server) readUpload(w http.ResponseWriter, r *http.Request) (string, enroll.Sample, error) {
	r.Body = http.MaxBytesReader(w, r.Body, s.opts.MaxUploadBytes)

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "multipart/form-data" {
		if err := r.ParseMultipartForm(s.opts.MaxUploadBytes); err != nil {
			return "", enroll.Sample{}, uploadError(err)
		}
		identity := r.FormValue("username")
		file, header, err := r.FormFile("file")
		if err != nil {
			return identity, enroll.Sample{}, fmt.Errorf("%w: missing file field", voiceprint.ErrInvalidAudio)
		}
		defer file.Close()
		data, err := io.ReadAll(file)
		if err != nil {
			return identity, enroll.Sample{}, uploadError(err)
		}
		format := strings.TrimSpace(r.FormValue("format"))
		if format == "" {
			format = audio.FormatFromFilename(header.Filename)
		}
		if format == "" {
			format = audio.FormatFromContentType(header.Header.Get("Content-Type"))
		}
		return identity, enroll.Sample{Data: data, Format: format}, nil
	}

	q := r.URL.Query()
	data, err := io.ReadAll(r.Body)
	if err != nil {
		return "", enroll.Sample{}, uploadError(err)
	}
	format := q.Get("format")
	if format == "" {
		format = audio.FormatFromContentType(r.Header.Get("Content-Type"))
	}
	return q.Get("username"), enroll.Sample{Data: data, Format: format}, nil
}

func uploadError(err error) error {
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		return fmt.Errorf("%w: limit is %d bytes", errTooLarge, maxErr.Limit)
	}
	return fmt.Errorf("%w: %v", voiceprint.ErrInvalidAudio, err)
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	if errors.Is(err, errTooLarge) {
		writeJSON(w, http.StatusRequestEntityTooLarge, errorResponse{Status: "error", Error: err.Error(), Code: "too_large"})
		return
	}
	code := enroll.Code(err)
	status := statusFor(code)
	msg := err.Error()
	if status >= 500 {
		msg = http.StatusText(status)
	}
	writeJSON(w, status, errorResponse{Status: "error", Error: msg, Code: code})
}

func statusFor(code string) int {
	switch code {
	case enroll.CodeInvalidAudio, enroll.CodeUnsupportedFormat, enroll.CodeInvalidIdentity:
		return http.StatusBadRequest
	case enroll.CodeUnknownUser:
		return http.StatusNotFound
	case enroll.CodeCanceled:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
