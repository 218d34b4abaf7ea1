// Package server exposes the raster engine over HTTP.
package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/tingold/cogview"
	"github.com/tingold/cogview/internal/catalog"
)

// Config wires the server to its collaborators.
type Config struct {
	Store         cogview.ObjectStore
	Catalog       *catalog.Catalog // optional; listings go to Store when nil
	PreviewStride int
	MaxPreviewDim int
	Timeout       time.Duration
	Version       string
}

// Server implements the HTTP API
type Server struct {
	cfg       Config
	startTime time.Time
}

// NewServer creates a new server instance
func NewServer(cfg Config) *Server {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxPreviewDim <= 0 {
		cfg.MaxPreviewDim = 2048
	}
	return &Server{cfg: cfg, startTime: time.Now()}
}

// Routes returns the router with middleware and every endpoint mounted.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(requestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(s.cfg.Timeout))

	// CORS middleware for browser clients
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-Request-ID")
			w.Header().Set("Access-Control-Expose-Headers", "X-Request-ID, X-Image-Corners, X-Original-Bbox, Content-Disposition")

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusOK)
				return
			}

			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", s.GetHealth)
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.GetHealth)
		r.Get("/objects", s.ListObjects)
		r.Post("/fetch", s.FetchObject)
		r.Post("/stats", s.Statistics)
		r.Post("/render", s.Render)
		r.Post("/extract", s.Extract)
	})

	return r
}

// requestID tags every request with an X-Request-ID (a client-supplied one is kept)
// and stores it where chi's logger finds it.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		ctx := context.WithValue(r.Context(), middleware.RequestIDKey, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// HealthResponse is returned by the health endpoint
type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Uptime    int       `json:"uptime"`
	Version   string    `json:"version,omitempty"`
}

// ErrorResponse is the body of every non-2xx response
type ErrorResponse struct {
	Error     string `json:"error"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

// ObjectRequest names a stored raster
type ObjectRequest struct {
	Key string `json:"key"`
}

// StatsRequest asks for band statistics
type StatsRequest struct {
	Key    string `json:"key"`
	Band   int    `json:"band"`
	Stride int    `json:"stride"`
}

// StatsResponse carries band statistics plus the raster summary
type StatsResponse struct {
	Key   string             `json:"key"`
	Band  int                `json:"band"`
	Stats cogview.Statistics `json:"stats"`
	Info  cogview.RasterInfo `json:"info"`
}

// RenderRequest asks for a colorized PNG of one band
type RenderRequest struct {
	Key    string          `json:"key"`
	Band   int             `json:"band"`
	Params *cogview.Params `json:"params"`
	MaxDim int             `json:"max_dim"`
}

// ExtractRequest asks for a GeoTIFF crop of one band
type ExtractRequest struct {
	Key         string     `json:"key"`
	Band        int        `json:"band"`
	BBox        [4]float64 `json:"bbox"`
	Compression string     `json:"compression"`
}

// GetHealth implements the health check endpoint
func (s *Server) GetHealth(w http.ResponseWriter, r *http.Request) {
	response := HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now(),
		Uptime:    int(time.Since(s.startTime).Seconds()),
		Version:   s.cfg.Version,
	}
	s.writeJSON(w, http.StatusOK, response)
}

// ListObjects lists rasters under ?prefix=, from the catalog when one is configured
func (s *Server) ListObjects(w http.ResponseWriter, r *http.Request) {
	prefix := r.URL.Query().Get("prefix")

	var objects []cogview.ObjectInfo
	var err error
	if s.cfg.Catalog != nil {
		objects, err = s.cfg.Catalog.List(r.Context(), prefix)
	} else {
		objects, err = s.cfg.Store.ListObjects(r.Context(), prefix)
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if objects == nil {
		objects = []cogview.ObjectInfo{}
	}
	s.writeJSON(w, http.StatusOK, objects)
}

// FetchObject returns the raw bytes of a stored raster
func (s *Server) FetchObject(w http.ResponseWriter, r *http.Request) {
	var req ObjectRequest
	if !s.decode(w, r, &req) {
		return
	}

	data, err := s.cfg.Store.FetchObject(r.Context(), req.Key)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "image/tiff")
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(data); err != nil {
		log.Printf("Error writing response: %v", err)
	}
}

// Statistics computes band statistics block by block
func (s *Server) Statistics(w http.ResponseWriter, r *http.Request) {
	var req StatsRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.Stride <= 0 {
		req.Stride = s.cfg.PreviewStride
	}

	raster, closeFn, err := s.openRaster(r.Context(), req.Key)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	defer closeFn()

	if req.Band < 0 || req.Band >= raster.BandCount() {
		s.writeErrorResponse(w, r, http.StatusBadRequest, "INVALID_REQUEST",
			fmt.Sprintf("band %d out of range [0,%d)", req.Band, raster.BandCount()))
		return
	}

	stats, err := cogview.TileStatistics(r.Context(), raster, req.Band, req.Stride)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.writeJSON(w, http.StatusOK, StatsResponse{Key: req.Key, Band: req.Band, Stats: stats, Info: raster.Info()})
}

// Render colorizes one band and returns it as PNG. The image corners (north-west,
// north-east, south-east, south-west) are sent in X-Image-Corners.
func (s *Server) Render(w http.ResponseWriter, r *http.Request) {
	// fields missing from the request keep their neutral defaults
	params := cogview.DefaultParams()
	req := RenderRequest{Params: &params}
	if !s.decode(w, r, &req) {
		return
	}
	if req.Params != nil {
		params = *req.Params
	} else {
		params = cogview.DefaultParams()
	}
	if err := params.Validate(); err != nil {
		s.writeErrorResponse(w, r, http.StatusBadRequest, "INVALID_PARAMS", err.Error())
		return
	}
	maxDim := req.MaxDim
	if maxDim <= 0 || maxDim > s.cfg.MaxPreviewDim {
		maxDim = s.cfg.MaxPreviewDim
	}

	raster, closeFn, err := s.openRaster(r.Context(), req.Key)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	defer closeFn()

	if req.Band < 0 || req.Band >= raster.BandCount() {
		s.writeErrorResponse(w, r, http.StatusBadRequest, "INVALID_REQUEST",
			fmt.Sprintf("band %d out of range [0,%d)", req.Band, raster.BandCount()))
		return
	}

	ds, err := raster.OverviewFor(maxDim).ReadAll()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	img, err := cogview.Render(ds, req.Band, params)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	png, err := cogview.PreviewPNG(img, maxDim)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	corners, _ := json.Marshal(ds.Corners())
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("X-Image-Corners", string(corners))
	w.Header().Set("Content-Length", strconv.Itoa(len(png)))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(png); err != nil {
		log.Printf("Error writing response: %v", err)
	}
}

// Extract crops one band to a bounding box and returns a GeoTIFF download
func (s *Server) Extract(w http.ResponseWriter, r *http.Request) {
	var req ExtractRequest
	if !s.decode(w, r, &req) {
		return
	}
	bbox := cogview.BBox(req.BBox[0], req.BBox[1], req.BBox[2], req.BBox[3])
	if err := cogview.ValidateBBox(bbox); err != nil {
		s.writeError(w, r, err)
		return
	}

	opts := cogview.WriterOptions{}
	switch req.Compression {
	case "", "none":
	case "deflate":
		opts.Compression = cogview.CompressionDeflate
	default:
		s.writeErrorResponse(w, r, http.StatusBadRequest, "INVALID_REQUEST",
			fmt.Sprintf("unknown compression %q", req.Compression))
		return
	}

	res, err := cogview.ExtractRemote(r.Context(), s.cfg.Store, req.Key, req.Band, bbox)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	data, err := cogview.EncodeGeoTIFF(res, opts)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	original, _ := json.Marshal(req.BBox)
	w.Header().Set("Content-Type", "image/tiff")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", cogview.SuggestedFilename(req.Band, bbox)))
	w.Header().Set("X-Original-Bbox", string(original))
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(data); err != nil {
		log.Printf("Error writing response: %v", err)
	}
}

// openRaster opens key with ranged reads when the store supports them.
func (s *Server) openRaster(ctx context.Context, key string) (*cogview.Raster, func(), error) {
	noop := func() {}
	if key == "" {
		return nil, noop, &cogview.ExtractionError{Kind: cogview.ErrSourceUnavailable, Detail: "key is required"}
	}

	if ro, ok := s.cfg.Store.(cogview.RangeOpener); ok {
		src, _, err := ro.OpenRange(ctx, key)
		if err != nil {
			return nil, noop, err
		}
		closeFn := noop
		if c, ok := src.(io.Closer); ok {
			closeFn = func() { c.Close() }
		}
		raster, err := cogview.OpenRaster(src)
		if err != nil {
			closeFn()
			return nil, noop, err
		}
		return raster, closeFn, nil
	}

	data, err := s.cfg.Store.FetchObject(ctx, key)
	if err != nil {
		return nil, noop, err
	}
	raster, err := cogview.OpenRaster(bytes.NewReader(data))
	return raster, noop, err
}

// decode parses a JSON body, writing a 400 on failure
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.writeErrorResponse(w, r, http.StatusBadRequest, "INVALID_JSON", "Invalid JSON in request body: "+err.Error())
		return false
	}
	return true
}

// statusFor maps an engine error onto an HTTP status and error code
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, cogview.ErrNotFound):
		return http.StatusNotFound, "NOT_FOUND"
	case errors.Is(err, cogview.ErrAccessDenied):
		return http.StatusForbidden, "ACCESS_DENIED"
	case errors.Is(err, cogview.ErrNetwork):
		return http.StatusBadGateway, "STORAGE_UNAVAILABLE"
	case errors.Is(err, cogview.ErrInvalidBBox):
		return http.StatusBadRequest, "INVALID_BBOX"
	case errors.Is(err, cogview.ErrEmptyIntersection):
		return http.StatusUnprocessableEntity, "EMPTY_INTERSECTION"
	case errors.Is(err, cogview.ErrSourceUnavailable):
		return http.StatusBadRequest, "SOURCE_UNAVAILABLE"
	case errors.Is(err, cogview.ErrInvalidFormat),
		errors.Is(err, cogview.ErrMissingGeoreference),
		errors.Is(err, cogview.ErrTruncatedData),
		errors.Is(err, cogview.ErrUnsupported),
		errors.Is(err, cogview.ErrIncomplete):
		return http.StatusUnprocessableEntity, "UNPROCESSABLE_RASTER"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "TIMEOUT"
	default:
		return http.StatusInternalServerError, "INTERNAL_ERROR"
	}
}

// writeError writes err using the status mapping
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := statusFor(err)
	message := err.Error()
	if status == http.StatusInternalServerError {
		log.Printf("Internal error: %v", err)
		message = "Internal server error"
	}
	s.writeErrorResponse(w, r, status, code, message)
}

// writeErrorResponse writes a standard error response
func (s *Server) writeErrorResponse(w http.ResponseWriter, r *http.Request, statusCode int, errorCode, message string) {
	s.writeJSON(w, statusCode, ErrorResponse{
		Error:     errorCode,
		Message:   message,
		RequestID: middleware.GetReqID(r.Context()),
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("Error encoding response: %v", err)
	}
}
