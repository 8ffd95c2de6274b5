package server

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/cors"
	"github.com/sirupsen/logrus"

	"github.com/yolostream/yolo-stream-server/config"
	"github.com/yolostream/yolo-stream-server/inference"
	"github.com/yolostream/yolo-stream-server/pipeline"
	"github.com/yolostream/yolo-stream-server/tracking"
)

const healthMessage = "YOLO Android server is up!"

const shutdownWorkerWait = 5 * time.Second

// ErrUndecodableImage wraps image decode failures at the request
// boundary.
var ErrUndecodableImage = errors.New("undecodable image")

// Server is the HTTP/WebSocket boundary: synchronous detect endpoints,
// continuous-mode frame ingestion, the broadcast hub and control routes.
type Server struct {
	cfg      config.Config
	pipeline *pipeline.Pipeline
	tracker  *tracking.Tracker
	pool     *inference.AdapterPool
	hub      *Hub
	stream   *streamManager
	log      *logrus.Entry

	httpSrv  *http.Server
	upgrader websocket.Upgrader
	cancel   context.CancelFunc
}

// New assembles the server around a shared pipeline.
func New(cfg config.Config, p *pipeline.Pipeline, tracker *tracking.Tracker, pool *inference.AdapterPool, log *logrus.Logger) *Server {
	s := &Server{
		cfg:      cfg,
		pipeline: p,
		tracker:  tracker,
		pool:     pool,
		log:      log.WithField("component", "server"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1 << 16,
			WriteBufferSize: 1 << 16,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
	s.stream = newStreamManager(p, cfg.FrameInterval(), cfg.PoolSize, log)
	s.hub = NewHub(cfg.MaxClients, s.stream.Status, log)

	s.httpSrv = &http.Server{
		Addr:         cfg.Addr,
		Handler:      cors.AllowAll().Handler(s.Router()),
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
	}
	return s
}

// Router builds the route table.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/detect", s.handleDetect("")).Methods("POST")
	r.HandleFunc("/detect_bottles_only", s.handleDetect(s.cfg.FilterLabel)).Methods("POST")
	r.HandleFunc("/bottles/status", s.handleTrackStatus).Methods("GET")
	r.HandleFunc("/", s.handleHealth).Methods("GET")
	r.HandleFunc("/stream/frame", s.handleStreamFrame).Methods("POST")
	r.HandleFunc("/stream/start", s.handleStreamToggle(true)).Methods("GET")
	r.HandleFunc("/stream/stop", s.handleStreamToggle(false)).Methods("GET")
	r.HandleFunc("/stream/status", s.handleStreamStatus).Methods("GET")
	r.HandleFunc("/metrics", s.handleMetrics).Methods("GET")
	r.HandleFunc("/ws", s.handleWebSocket)
	return r
}

// Run starts the workers, the broadcast loop and the HTTP listener, and
// blocks until the listener stops.
func (s *Server) Run(ctx context.Context) error {
	ctx, s.cancel = context.WithCancel(ctx)
	s.stream.Start(ctx)
	go s.broadcastLoop(ctx)

	s.log.WithField("addr", s.cfg.Addr).Info("server listening")
	err := s.httpSrv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) broadcastLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case batch := <-s.pipeline.Results():
			s.hub.Broadcast(batch)
		}
	}
}

// Shutdown stops accepting connections, closes every streaming client,
// waits (bounded) for in-flight workers and finally releases the
// inference adapters.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.httpSrv.Shutdown(ctx)
	s.hub.CloseAll()
	if s.cancel != nil {
		s.cancel()
	}
	if !s.stream.Wait(shutdownWorkerWait) {
		s.log.Warn("stream workers did not stop within the shutdown window")
	}
	s.pool.Close()
	return err
}

func (s *Server) handleDetect(filterLabel string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		img, err := s.readImage(r)
		if err != nil {
			sendError(w, http.StatusBadRequest, err.Error())
			return
		}

		batch, err := s.pipeline.Run(r.Context(), img, "", filterLabel)
		if err != nil {
			sendError(w, http.StatusInternalServerError, err.Error())
			return
		}
		sendJSON(w, http.StatusOK, batch)
	}
}

func (s *Server) handleTrackStatus(w http.ResponseWriter, _ *http.Request) {
	sendJSON(w, http.StatusOK, s.tracker.Status(time.Now()))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = io.WriteString(w, healthMessage)
}

func (s *Server) handleStreamFrame(w http.ResponseWriter, r *http.Request) {
	img, err := s.readImage(r)
	if err != nil {
		sendError(w, http.StatusBadRequest, err.Error())
		return
	}

	frameID, accepted := s.stream.Ingest(img)
	s.log.WithFields(logrus.Fields{
		"frame_id": frameID,
		"accepted": accepted,
	}).Debug("stream frame received")

	// The acknowledgement is independent of processing: results reach
	// clients over the WebSocket channel.
	sendJSON(w, http.StatusOK, map[string]string{"status": "frame_received"})
}

func (s *Server) handleStreamToggle(on bool) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		s.stream.SetStreaming(on)
		status := "streaming_stopped"
		if on {
			status = "streaming_started"
		}
		sendJSON(w, http.StatusOK, map[string]interface{}{
			"status":    status,
			"streaming": on,
		})
	}
}

func (s *Server) handleStreamStatus(w http.ResponseWriter, _ *http.Request) {
	st := s.stream.Status()
	sendJSON(w, http.StatusOK, map[string]interface{}{
		"streaming":   st.Streaming,
		"clients":     s.hub.Count(),
		"frame_count": st.FrameCount,
	})
}

func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	sendJSON(w, http.StatusOK, s.pool.Metrics())
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.hub.Full() {
		sendError(w, http.StatusServiceUnavailable, ErrClientCapacity.Error())
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.WithError(err).Debug("websocket upgrade failed")
		return
	}

	if _, err := s.hub.Register(conn); err != nil {
		msg := websocket.FormatCloseMessage(websocket.CloseTryAgainLater, err.Error())
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		conn.Close()
	}
}

// readImage extracts image bytes from the request body (raw bytes,
// multipart file field or base64 JSON, by content type) and decodes them.
func (s *Server) readImage(r *http.Request) (image.Image, error) {
	contentType := r.Header.Get("Content-Type")

	var imgBytes []byte
	var err error
	switch {
	case strings.HasPrefix(contentType, "application/json"):
		imgBytes, err = readJSONImage(r)
	case strings.HasPrefix(contentType, "multipart/form-data"):
		imgBytes, err = readMultipartImage(r)
	default:
		imgBytes, err = io.ReadAll(r.Body)
	}
	if err != nil {
		return nil, err
	}

	img, _, err := image.Decode(bytes.NewReader(imgBytes))
	if err != nil {
		return nil, ErrUndecodableImage
	}
	return img, nil
}

func readJSONImage(r *http.Request) ([]byte, error) {
	var req struct {
		Image string `json:"image"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return nil, err
	}
	return base64.StdEncoding.DecodeString(req.Image)
}

func readMultipartImage(r *http.Request) ([]byte, error) {
	if err := r.ParseMultipartForm(10 << 20); err != nil {
		return nil, err
	}
	file, _, err := r.FormFile("file")
	if err != nil {
		return nil, err
	}
	defer file.Close()
	return io.ReadAll(file)
}

func sendJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func sendError(w http.ResponseWriter, status int, message string) {
	sendJSON(w, status, map[string]string{"error": message})
}
