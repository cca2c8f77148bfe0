package cmd

import (
	"bufio"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	jww "github.com/spf13/jwalterweatherman"
	"github.com/spf13/viper"

	"warpchat/config"
	"warpchat/db"
	"warpchat/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the messaging server",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

func init() {
	serveCmd.Flags().IntP("port", "p", 3001, "HTTP and websocket port")
	viper.BindPFlag("port", serveCmd.Flags().Lookup("port"))

	serveCmd.Flags().String("db", "warpchat.db", "SQLite database path")
	viper.BindPFlag("db_path", serveCmd.Flags().Lookup("db"))

	serveCmd.Flags().String("upload-dir", "uploads", "Directory for uploaded media")
	viper.BindPFlag("upload_dir", serveCmd.Flags().Lookup("upload-dir"))

	serveCmd.Flags().String("static-dir", "", "Directory of the web client to serve")
	viper.BindPFlag("static_dir", serveCmd.Flags().Lookup("static-dir"))

	rootCmd.AddCommand(serveCmd)
}

func runServe() error {
	cfg := config.Load(viper.GetViper())
	initLog(cfg.LogLevel, cfg.LogFile)

	database, err := db.New(cfg.DBPath)
	if err != nil {
		return errors.Wrap(err, "failed to initialize database")
	}
	defer database.Close()

	srvConfig := &server.ServerConfig{
		Port:            cfg.Port,
		ReadTimeout:     time.Duration(cfg.ReadTimeout) * time.Second,
		WriteTimeout:    time.Duration(cfg.WriteTimeout) * time.Second,
		UploadDir:       cfg.UploadDir,
		UploadMaxBytes:  cfg.UploadMaxBytes,
		UploadRetention: cfg.RetentionPeriod(),
		StaticDir:       cfg.StaticDir,
	}
	if cfg.PushEnabled() {
		srvConfig.Push = server.NewWebPushDispatcher(cfg.VAPIDPublicKey, cfg.VAPIDPrivateKey, cfg.VAPIDSubject)
		jww.INFO.Printf("Web push enabled")
	}

	srv, err := server.New(database, srvConfig)
	if err != nil {
		return err
	}

	// Start control socket for management commands
	go startControlSocket(srv, cfg.ControlSocket)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		jww.INFO.Printf("Received signal %v, shutting down...", sig)
		srv.Shutdown("maintenance", time.Time{})
		os.Remove(cfg.ControlSocket)
	}()

	return srv.Start()
}

func startControlSocket(srv *server.Server, path string) {
	os.Remove(path)

	listener, err := net.Listen("unix", path)
	if err != nil {
		jww.ERROR.Printf("Failed to create control socket: %v", err)
		return
	}
	defer listener.Close()
	defer os.Remove(path)

	jww.INFO.Printf("Control socket listening on %s", path)

	for {
		conn, err := listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			continue
		}
		go handleControlCommand(srv, conn)
	}
}

// handleControlCommand serves one line based command: "stats" or
// "shutdown|reason|RFC3339 completion time".
func handleControlCommand(srv *server.Server, conn net.Conn) {
	defer conn.Close()

	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		return
	}
	parts := strings.SplitN(strings.TrimSpace(line), "|", 3)

	switch parts[0] {
	case "stats":
		conn.Write([]byte("OK|" + srv.GetStats() + "\n"))

	case "shutdown":
		reason := "maintenance"
		var completionTime time.Time
		if len(parts) >= 2 && parts[1] != "" {
			reason = parts[1]
		}
		if len(parts) >= 3 && parts[2] != "" {
			completionTime, _ = time.Parse(time.RFC3339, parts[2])
		}

		conn.Write([]byte("OK|Shutting down\n"))
		conn.Close()

		jww.INFO.Printf("Shutdown requested: reason=%s, completion=%v", reason, completionTime)
		srv.Shutdown(reason, completionTime)

	default:
		conn.Write([]byte("ERROR|Unknown command\n"))
	}
}
