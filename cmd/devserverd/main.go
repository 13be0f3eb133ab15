// Package main runs a development remote authority for the sync loop:
// a JWT-protected JSON API that accepts the create/update/delete pushes
// the core emits and stores them canonically. Not for production use.
package main

import (
	"log"
	"os"
)

// Version is set at build time
var Version = "0.1.0"

func main() {
	cfg := serverConfig{
		Addr:      getEnv("DEVSERVER_ADDR", ":8080"),
		DBPath:    getEnv("DEVSERVER_DB", "./devserver.db"),
		JWTSecret: getEnv("DEVSERVER_JWT_SECRET", "dev-secret-change-me"),
		Username:  getEnv("DEVSERVER_USER", "admin"),
		Password:  getEnv("DEVSERVER_PASS", "admin"),
	}

	srv, err := newServer(cfg)
	if err != nil {
		log.Fatalf("Failed to initialize dev server: %v", err)
	}
	defer srv.Close()

	log.Printf("devserverd v%s listening on %s", Version, cfg.Addr)
	if err := srv.router.Run(cfg.Addr); err != nil {
		log.Fatalf("Server stopped: %v", err)
	}
}

func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}
