package main

import (
	"database/sql"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

type serverConfig struct {
	Addr      string
	DBPath    string
	JWTSecret string
	Username  string
	Password  string
}

// server is the dev remote authority: one generic record table keyed by
// collection and id, behind a JWT-protected gin router.
type server struct {
	cfg    serverConfig
	db     *sqlx.DB
	router *gin.Engine
}

const schema = `
CREATE TABLE IF NOT EXISTS records (
	collection TEXT NOT NULL,
	id TEXT NOT NULL,
	local_id TEXT,
	body TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	PRIMARY KEY (collection, id)
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_records_local_id ON records (collection, local_id);`

// collections accepted from the sync loop.
var collections = map[string]bool{
	"bookings":   true,
	"wallets":    true,
	"attendants": true,
}

func newServer(cfg serverConfig) (*server, error) {
	db, err := sqlx.Open("sqlite", cfg.DBPath)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, err
	}

	s := &server{cfg: cfg, db: db}
	s.router = s.buildRouter()
	return s, nil
}

func (s *server) Close() error {
	return s.db.Close()
}

func (s *server) buildRouter() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.POST("/v1/auth/login", s.handleLogin)

	api := r.Group("/v1", s.authMiddleware())
	api.POST("/:collection", s.handleCreate)
	api.PUT("/:collection/:id", s.handleUpdate)
	api.DELETE("/:collection/:id", s.handleDelete)
	api.GET("/:collection/:id", s.handleGet)

	return r
}

// =====================================================
// Auth
// =====================================================

type loginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

func (s *server) handleLogin(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "username and password required"})
		return
	}
	if req.Username != s.cfg.Username || req.Password != s.cfg.Password {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
		return
	}

	claims := jwt.MapClaims{
		"sub": req.Username,
		"iat": time.Now().Unix(),
		"exp": time.Now().Add(24 * time.Hour).Unix(),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(s.cfg.JWTSecret))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to sign token"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": token})
}

func (s *server) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		tokenStr, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || tokenStr == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}

		token, err := jwt.Parse(tokenStr, func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, jwt.ErrSignatureInvalid
			}
			return []byte(s.cfg.JWTSecret), nil
		})
		if err != nil || !token.Valid {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		c.Next()
	}
}

// =====================================================
// Records
// =====================================================

type record struct {
	Collection string         `db:"collection"`
	ID         string         `db:"id"`
	LocalID    sql.NullString `db:"local_id"`
	Body       string         `db:"body"`
	CreatedAt  int64          `db:"created_at"`
	UpdatedAt  int64          `db:"updated_at"`
}

func (s *server) collection(c *gin.Context) (string, bool) {
	name := c.Param("collection")
	if !collections[name] {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown collection: " + name})
		return "", false
	}
	return name, true
}

// readBody rejects payloads that are not a JSON object.
func readBody(c *gin.Context) (map[string]interface{}, string, bool) {
	var body map[string]interface{}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "body must be a JSON object"})
		return nil, "", false
	}
	raw, err := json.Marshal(body)
	if err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "unserializable body"})
		return nil, "", false
	}
	return body, string(raw), true
}

// handleCreate is idempotent on the client-generated local_id: a replayed
// create whose earlier attempt was stored returns the existing server id
// instead of minting a duplicate record.
func (s *server) handleCreate(c *gin.Context) {
	collection, ok := s.collection(c)
	if !ok {
		return
	}
	body, raw, ok := readBody(c)
	if !ok {
		return
	}

	localID, _ := body["local_id"].(string)
	if localID != "" {
		var existing string
		err := s.db.Get(&existing,
			`SELECT id FROM records WHERE collection = ? AND local_id = ?`, collection, localID)
		if err == nil {
			c.JSON(http.StatusOK, gin.H{"id": existing})
			return
		}
		if err != sql.ErrNoRows {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to check for replay"})
			return
		}
	}

	now := time.Now().Unix()
	rec := record{
		Collection: collection,
		ID:         uuid.NewString(),
		LocalID:    sql.NullString{String: localID, Valid: localID != ""},
		Body:       raw,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	_, err := s.db.NamedExec(
		`INSERT INTO records (collection, id, local_id, body, created_at, updated_at)
		 VALUES (:collection, :id, :local_id, :body, :created_at, :updated_at)`, rec)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to store record"})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"id": rec.ID})
}

func (s *server) handleUpdate(c *gin.Context) {
	collection, ok := s.collection(c)
	if !ok {
		return
	}
	_, raw, ok := readBody(c)
	if !ok {
		return
	}

	result, err := s.db.Exec(
		`UPDATE records SET body = ?, updated_at = ? WHERE collection = ? AND id = ?`,
		raw, time.Now().Unix(), collection, c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to update record"})
		return
	}
	if n, _ := result.RowsAffected(); n == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "record not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": c.Param("id")})
}

// handleDelete is idempotent: deleting an absent record succeeds, so a
// replayed delete from the queue never wedges on a 404.
func (s *server) handleDelete(c *gin.Context) {
	collection, ok := s.collection(c)
	if !ok {
		return
	}
	_, err := s.db.Exec(
		`DELETE FROM records WHERE collection = ? AND id = ?`, collection, c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to delete record"})
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *server) handleGet(c *gin.Context) {
	collection, ok := s.collection(c)
	if !ok {
		return
	}
	var rec record
	err := s.db.Get(&rec,
		`SELECT collection, id, body, created_at, updated_at FROM records WHERE collection = ? AND id = ?`,
		collection, c.Param("id"))
	if err == sql.ErrNoRows {
		c.JSON(http.StatusNotFound, gin.H{"error": "record not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load record"})
		return
	}
	c.Data(http.StatusOK, "application/json", []byte(rec.Body))
}
