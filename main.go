package main

import (
	"bufio"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"udpim/config"
	"udpim/db"
	"udpim/logger"
	"udpim/server"
)

const controlSocketPath = "/tmp/udpim.sock"

func main() {
	cfg := config.Load()
	logger.Init(cfg.Debug)

	database, err := db.New(cfg.DBPath)
	if err != nil {
		logger.FatalF("Failed to initialize database: %v", err)
	}
	defer database.Close()

	srv := server.New(database, &server.ServerConfig{
		Port:    cfg.Port,
		UserTTL: time.Duration(cfg.UserTTL) * time.Second,
	})

	// Control socket for management commands
	go startControlSocket(srv)

	// Handle signals for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		logger.InfoF("Received signal %v, shutting down...", sig)
		srv.Shutdown()
		os.Remove(controlSocketPath)
	}()

	if err := srv.Start(); err != nil {
		logger.FatalF("Server failed: %v", err)
	}
}

func startControlSocket(srv *server.Server) {
	os.Remove(controlSocketPath)

	listener, err := net.Listen("unix", controlSocketPath)
	if err != nil {
		logger.WarnF("Failed to create control socket: %v", err)
		return
	}
	defer listener.Close()
	defer os.Remove(controlSocketPath)

	logger.InfoF("Control socket listening on %s", controlSocketPath)

	for {
		conn, err := listener.Accept()
		if err != nil {
			continue
		}

		go handleControlCommand(srv, conn)
	}
}

func handleControlCommand(srv *server.Server, conn net.Conn) {
	defer conn.Close()

	reader := bufio.NewReader(conn)
	line, err := reader.ReadString('\n')
	if err != nil {
		return
	}

	switch strings.TrimSpace(line) {
	case "stats":
		conn.Write([]byte("OK|" + srv.GetStats() + "\n"))

	case "shutdown":
		conn.Write([]byte("OK|Shutting down\n"))
		conn.Close()

		logger.Info("Shutdown requested via control socket")
		srv.Shutdown()
		os.Remove(controlSocketPath)

	default:
		conn.Write([]byte("ERROR|Unknown command\n"))
	}
}
