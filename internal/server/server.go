package server

import (
	"context"
	"encoding/json"
	"errors"
	"image/png"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"panostitch/internal/events"
	"panostitch/internal/params"
	"panostitch/internal/pano"
	"panostitch/internal/pipeline"
	"panostitch/internal/stitcher"
	"panostitch/internal/storage"
	"panostitch/internal/web"
)

// maxBody bounds request bodies of the JSON endpoints.
const maxBody = 1 << 20

// Server exposes the stitcher, its run history and its introspection model
// over HTTP.
type Server struct {
	addr      string
	stitcher  *stitcher.Stitcher
	pipeline  *pipeline.Pipeline
	store     *storage.Store
	hub       *web.Hub
	outputDir string
	log       *slog.Logger
	server    *http.Server
}

// Config carries the collaborators of a Server. Store and Hub are optional.
type Config struct {
	Addr      string
	Stitcher  *stitcher.Stitcher
	Pipeline  *pipeline.Pipeline
	Store     *storage.Store
	Hub       *web.Hub
	OutputDir string
	Logger    *slog.Logger
}

func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Server{
		addr:      cfg.Addr,
		stitcher:  cfg.Stitcher,
		pipeline:  cfg.Pipeline,
		store:     cfg.Store,
		hub:       cfg.Hub,
		outputDir: cfg.OutputDir,
		log:       cfg.Logger,
	}
}

// Handler returns the routed API.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	s.setupRoutes(r)
	return r
}

// Start serves until ctx is done.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	var tracker events.Tracker
	if s.hub != nil {
		go s.hub.Run(ctx)
		s.hub.Attach(s.stitcher.Bus(), &tracker)
	}
	defer tracker.Close()

	go func() {
		<-ctx.Done()
		s.log.Info("shutting down http server")
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.server.Shutdown(ctxShutdown)
	}()

	s.log.Info("http server starting", "addr", s.addr)
	err := s.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) setupRoutes(r *mux.Router) {
	r.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	r.HandleFunc("/schema", s.handleSchema).Methods("GET")
	r.HandleFunc("/schema/openapi", s.handleOpenAPI).Methods("GET")
	r.HandleFunc("/params", s.handleGetParams).Methods("GET")
	r.HandleFunc("/params", s.handlePutParams).Methods("PUT")
	r.HandleFunc("/runs", s.handleSubmitRun).Methods("POST")
	r.HandleFunc("/runs", s.handleRuns).Methods("GET")
	r.HandleFunc("/runs/{id}", s.handleRun).Methods("GET")
	r.HandleFunc("/stream", s.handleRunStream).Methods("GET")
	if s.hub != nil {
		r.Handle("/ws", s.hub).Methods("GET")
	}

	in := r.PathPrefix("/introspect").Subrouter()
	in.HandleFunc("/components", s.handleComponents).Methods("GET")
	in.HandleFunc("/features/{idx:-?[0-9]+}", s.handleFeatures).Methods("GET")
	in.HandleFunc("/matches/{src:-?[0-9]+}/{dst:-?[0-9]+}", s.handleMatches).Methods("GET")
	in.HandleFunc("/cameras/{idx:-?[0-9]+}", s.handleCamera).Methods("GET")
	in.HandleFunc("/seams/{idx:-?[0-9]+}", s.handleSeam).Methods("GET")
	in.HandleFunc("/compensation/{idx:-?[0-9]+}/{k:[0-9]+}", s.handleCompensation).Methods("GET")
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) handleSchema(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.stitcher.Schema())
}

func (s *Server) handleOpenAPI(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.stitcher.Registry().Document("1.0.0"))
}

func (s *Server) handleGetParams(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.stitcher.Parameters())
}

// handlePutParams merges the body into the stitcher parameters. Schema
// violations are reported as warnings: unknown options fall back to the
// category default when the stages are rebuilt.
func (s *Server) handlePutParams(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxBody))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	p, err := params.Parse(data, params.WithLogger(s.log))
	if err != nil {
		http.Error(w, "invalid parameters: "+err.Error(), http.StatusBadRequest)
		return
	}
	resp := map[string]any{}
	if err := s.stitcher.Registry().Validate(p); err != nil {
		resp["warning"] = err.Error()
	}
	s.stitcher.Configure(p)
	resp["parameters"] = s.stitcher.Parameters()
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSubmitRun(w http.ResponseWriter, r *http.Request) {
	var job pipeline.Job
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBody)).Decode(&job); err != nil {
		http.Error(w, "invalid job: "+err.Error(), http.StatusBadRequest)
		return
	}
	if len(job.Inputs) == 0 {
		http.Error(w, "inputs are required", http.StatusBadRequest)
		return
	}
	if job.Output == "" {
		job.Output = s.outputDir
	}
	id, err := s.pipeline.Submit(job)
	switch {
	case errors.Is(err, pipeline.ErrQueueFull):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	case err != nil:
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"id": id})
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		http.Error(w, "run history disabled", http.StatusNotFound)
		return
	}
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}
	recs, err := s.store.RecentRuns(limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if recs == nil {
		recs = []storage.RunRecord{}
	}
	writeJSON(w, http.StatusOK, recs)
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		http.Error(w, "run history disabled", http.StatusNotFound)
		return
	}
	rec, err := s.store.Run(mux.Vars(r)["id"])
	if errors.Is(err, storage.ErrNotFound) {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// runEvent is the SSE payload of a finished job.
type runEvent struct {
	ID         string                    `json:"id"`
	State      string                    `json:"state"`
	Components []storage.ComponentRecord `json:"components,omitempty"`
	Skipped    []int                     `json:"skipped,omitempty"`
	DurationMS int64                     `json:"duration_ms"`
	Error      string                    `json:"error,omitempty"`
}

func (s *Server) handleRunStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	resCh, unsubscribe := s.pipeline.Subscribe()
	defer unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	for {
		select {
		case <-r.Context().Done():
			return
		case res, ok := <-resCh:
			if !ok {
				return
			}
			payload, _ := json.Marshal(runEvent{
				ID:         res.Job.ID,
				State:      res.State,
				Components: res.Components,
				Skipped:    res.Skipped,
				DurationMS: res.Duration.Milliseconds(),
				Error:      res.Err(),
			})
			_, _ = w.Write([]byte("data: " + string(payload) + "\n\n"))
			flusher.Flush()
		}
	}
}

// componentView is the JSON shape of an introspected component.
type componentView struct {
	Indices []int               `json:"indices"`
	Cameras []pano.CameraParams `json:"cameras"`
	Origin  [2]int              `json:"origin"`
	Width   int                 `json:"width"`
	Height  int                 `json:"height"`
}

func (s *Server) handleComponents(w http.ResponseWriter, r *http.Request) {
	comps := s.stitcher.Model().Components()
	if len(comps) == 0 {
		http.Error(w, "no components", http.StatusNotFound)
		return
	}
	out := make([]componentView, len(comps))
	for i, c := range comps {
		out[i] = componentView{
			Indices: c.Indices,
			Cameras: c.Cameras,
			Origin:  [2]int{c.Origin.X, c.Origin.Y},
			Width:   c.Size().X,
			Height:  c.Size().Y,
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleFeatures(w http.ResponseWriter, r *http.Request) {
	f, ok := s.stitcher.Model().Features(intVar(r, "idx"))
	if !ok || f.Empty() {
		http.Error(w, "no features", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, f)
}

func (s *Server) handleMatches(w http.ResponseWriter, r *http.Request) {
	m, ok := s.stitcher.Model().Matches(intVar(r, "src"), intVar(r, "dst"))
	if !ok {
		http.Error(w, "no matches", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (s *Server) handleCamera(w http.ResponseWriter, r *http.Request) {
	cam, ok := s.stitcher.Model().CameraParams(intVar(r, "idx"))
	if !ok {
		http.Error(w, "no camera", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, cam)
}

func (s *Server) handleSeam(w http.ResponseWriter, r *http.Request) {
	writePNG(w, s.stitcher.Model().SeamMask(intVar(r, "idx")))
}

func (s *Server) handleCompensation(w http.ResponseWriter, r *http.Request) {
	snaps := s.stitcher.Model().CompensationSnapshots(intVar(r, "idx"))
	k := intVar(r, "k")
	if k < 0 || k >= len(snaps) {
		http.Error(w, "no snapshot", http.StatusNotFound)
		return
	}
	writePNG(w, snaps[k])
}

func intVar(r *http.Request, name string) int {
	n, err := strconv.Atoi(mux.Vars(r)[name])
	if err != nil {
		return -1
	}
	return n
}

func writePNG(w http.ResponseWriter, img *pano.Image) {
	if img.Empty() {
		http.Error(w, "no image", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	png.Encode(w, img.ToImage())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
