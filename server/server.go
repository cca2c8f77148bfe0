package server

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"

	"warpchat/db"
	"warpchat/models"
	"warpchat/protocol"
)

// Store is the persistence contract used by the server. *db.DB satisfies it.
type Store interface {
	CreateUser(ctx context.Context, username, phone, password string) error
	AuthenticateUser(ctx context.Context, phone, password string) (*models.User, error)
	UpdateUserAvatar(ctx context.Context, phone, avatar string) error
	UpdateLastOnline(ctx context.Context, phone string, t time.Time) error
	UpdateLastOffline(ctx context.Context, phone string, t time.Time) error
	LastSeen(ctx context.Context, phone string) (time.Time, error)

	SaveMessage(ctx context.Context, msg *models.Message) (int64, error)
	GetMessage(ctx context.Context, id int64) (*models.Message, error)
	GetMessagesForRoom(ctx context.Context, room string) ([]models.Message, error)
	DeleteMessage(ctx context.Context, id int64) error
	ResetRoom(ctx context.Context, room string) (int64, error)
	MarkRoomRead(ctx context.Context, room, reader string, at time.Time) (int64, error)
	GetRecentChats(ctx context.Context, phone string) ([]models.RecentChat, error)

	SavePushSubscription(ctx context.Context, sub *models.PushSubscription) error
	GetPushSubscriptions(ctx context.Context, phone string) ([]models.PushSubscription, error)
	DeletePushSubscription(ctx context.Context, endpoint string) error
}

var _ Store = (*db.DB)(nil)

type Server struct {
	store    Store
	config   *ServerConfig
	sessions *SessionRegistry
	rooms    *RoomManager
	calls    *CallRelay
	uploads  *UploadStore
	push     PushDispatcher
	upgrader websocket.Upgrader

	mu         sync.Mutex
	httpServer *http.Server
	startedAt  time.Time
	wg         sync.WaitGroup
}

type ServerConfig struct {
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	UploadDir       string
	UploadMaxBytes  int64
	UploadRetention time.Duration
	StaticDir       string

	// Push delivers notifications to offline participants. Nil disables it.
	Push PushDispatcher
}

func New(store Store, config *ServerConfig) (*Server, error) {
	if config.ReadTimeout <= 0 {
		config.ReadTimeout = 60 * time.Second
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = writeWait
	}
	if config.UploadDir == "" {
		config.UploadDir = "uploads"
	}

	uploads, err := NewUploadStore(config.UploadDir, config.UploadMaxBytes, config.UploadRetention)
	if err != nil {
		return nil, err
	}
	uploads.StartCleanupTask(time.Hour)

	rooms := NewRoomManager()
	return &Server{
		store:    store,
		config:   config,
		sessions: NewSessionRegistry(),
		rooms:    rooms,
		calls:    NewCallRelay(rooms),
		uploads:  uploads,
		push:     config.Push,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		startedAt: time.Now(),
	}, nil
}

// Handler returns the HTTP surface: the event socket, uploads, health and
// the optional web client.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.serveWS)
	mux.HandleFunc("/health", s.serveHealth)
	mux.Handle("/upload", s.uploads)
	mux.Handle(UploadURLPrefix, s.uploads.FileServer())
	if s.config.StaticDir != "" {
		mux.Handle("/", spaHandler(s.config.StaticDir))
	}
	return mux
}

func (s *Server) Start() error {
	srv := &http.Server{
		Addr:              ":" + strconv.Itoa(s.config.Port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.mu.Lock()
	s.httpServer = srv
	s.mu.Unlock()

	jww.INFO.Printf("Warpchat server started on port %d", s.config.Port)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		jww.WARN.Printf("Websocket upgrade failed for %s: %v", r.RemoteAddr, err)
		return
	}

	c := newConn(ws, r.RemoteAddr)
	s.sessions.Open(c)
	jww.INFO.Printf("New client connected from %s (%s)", c.RemoteAddr, c.ID)

	go c.writePump(s)
	c.readPump(s)
}

func (s *Server) serveHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status":      protocol.StatusOK,
		"connections": s.sessions.Count(),
		"uptime":      time.Since(s.startedAt).Round(time.Second).String(),
	})
}

// spaHandler serves files from dir and falls back to index.html so client
// side routes resolve.
func spaHandler(dir string) http.Handler {
	files := http.FileServer(http.Dir(dir))
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := filepath.Join(dir, filepath.FromSlash(filepath.Clean("/"+r.URL.Path)))
		if info, err := os.Stat(path); err == nil && !info.IsDir() {
			files.ServeHTTP(w, r)
			return
		}
		http.ServeFile(w, r, filepath.Join(dir, "index.html"))
	})
}

// Shutdown tells every connection why the server is going away, closes them
// and stops the HTTP listener.
func (s *Server) Shutdown(reason string, completionTime time.Time) {
	notice := protocol.ShutdownNotice{Reason: reason}
	if !completionTime.IsZero() {
		notice.Until = completionTime.UTC().Format(time.RFC3339)
	}

	conns := s.sessions.Conns()
	for _, c := range conns {
		c.Emit(protocol.EventServerShutdown, notice)
	}
	for _, c := range conns {
		s.disconnect(c)
	}

	s.mu.Lock()
	srv := s.httpServer
	s.mu.Unlock()
	if srv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			jww.WARN.Printf("HTTP shutdown: %v", err)
		}
	}
	s.uploads.Close()
	s.wg.Wait()
}

// GetStats returns server statistics as a formatted string
func (s *Server) GetStats() string {
	online := s.sessions.OnlinePhones()
	return "connections=" + strconv.Itoa(s.sessions.Count()) +
		",users=" + strings.Join(online, ";") +
		",rooms=" + strconv.Itoa(s.rooms.RoomCount())
}
