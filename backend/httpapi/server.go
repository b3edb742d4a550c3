// Package httpapi is the HTTP surface of the server: room creation, join
// metadata and the websocket gateway.
package httpapi

import (
	"errors"
	"net/http"
	"time"

	"Coderoom/backend/identity"
	"Coderoom/backend/protocol"
	"Coderoom/backend/room"
	"Coderoom/backend/transport/ws"
	"Coderoom/backend/types"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Options tunes a Server.
type Options struct {
	AllowedOrigins []string
	WS             ws.Options
	Log            zerolog.Logger
}

// Server routes HTTP requests to the room registry and the protocol handler.
type Server struct {
	registry *room.Registry
	handler  *protocol.Handler
	verifier identity.Verifier
	upgrader *websocket.Upgrader
	opts     Options
	log      zerolog.Logger
	engine   *gin.Engine
}

// NewServer returns a server with its routes registered.
func NewServer(registry *room.Registry, handler *protocol.Handler, verifier identity.Verifier, opts Options) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		registry: registry,
		handler:  handler,
		verifier: verifier,
		upgrader: ws.NewUpgrader(opts.AllowedOrigins),
		opts:     opts,
		log:      opts.Log,
		engine:   gin.New(),
	}

	s.engine.Use(requestLogger(s.log), gin.Recovery())
	s.engine.Use(cors.New(cors.Config{
		AllowOriginFunc:  s.allowOrigin,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}))

	s.engine.GET("/healthz", s.health)

	collab := s.engine.Group("/collaborate")
	collab.Use(authenticate(verifier))
	collab.POST("", s.createRoom)
	collab.POST("/join", s.joinInfo)
	collab.GET("/:roomId", s.roomInfo)
	collab.GET("/:roomId/ws", s.connect)

	return s
}

// Handler returns the http.Handler serving every route.
func (s *Server) Handler() http.Handler {
	return s.engine
}

func (s *Server) allowOrigin(origin string) bool {
	r := &http.Request{Header: http.Header{"Origin": []string{origin}}}
	return s.upgrader.CheckOrigin(r)
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"rooms":  s.registry.Len(),
	})
}

type createRoomRequest struct {
	Title    string `json:"title"`
	Language string `json:"language"`
	Code     string `json:"code"`
}

type createRoomResponse struct {
	RoomID string         `json:"roomId"`
	Meta   types.RoomMeta `json:"meta"`
}

func (s *Server) createRoom(c *gin.Context) {
	var req createRoomRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "BAD_REQUEST", "message": err.Error()})
		return
	}

	meta, err := s.registry.Create(c.Request.Context(), room.CreateRequest{
		Title:     req.Title,
		Language:  req.Language,
		Text:      req.Code,
		CreatedBy: c.GetString(userIDKey),
	})
	if err != nil {
		s.log.Error().Err(err).Msg("failed to create room")
		c.JSON(http.StatusInternalServerError, gin.H{"code": "INTERNAL", "message": "failed to create room"})
		return
	}

	c.JSON(http.StatusCreated, createRoomResponse{RoomID: meta.RoomID, Meta: meta})
}

type joinInfoRequest struct {
	RoomID string `json:"roomId" binding:"required"`
}

func (s *Server) joinInfo(c *gin.Context) {
	var req joinInfoRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "BAD_REQUEST", "message": err.Error()})
		return
	}

	info, ok := s.lookup(c, req.RoomID)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"roomId":    info.Meta.RoomID,
		"title":     info.Meta.Title,
		"language":  info.Meta.Language,
		"expiresAt": info.Meta.ExpiresAt,
		"members":   len(info.Members),
	})
}

func (s *Server) roomInfo(c *gin.Context) {
	info, ok := s.lookup(c, c.Param("roomId"))
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"meta":    info.Meta,
		"text":    info.Text,
		"members": info.Members,
		"live":    info.Live,
	})
}

func (s *Server) lookup(c *gin.Context, roomID string) (room.RoomInfo, bool) {
	info, err := s.registry.Lookup(c.Request.Context(), roomID)
	switch {
	case errors.Is(err, room.ErrRoomNotFound):
		c.JSON(http.StatusNotFound, gin.H{"code": "ROOM_NOT_FOUND", "message": "room not found"})
		return room.RoomInfo{}, false
	case err != nil:
		s.log.Error().Err(err).Str("room", roomID).Msg("failed to look up room")
		c.JSON(http.StatusInternalServerError, gin.H{"code": "INTERNAL", "message": "failed to look up room"})
		return room.RoomInfo{}, false
	}
	return info, true
}

func (s *Server) connect(c *gin.Context) {
	roomID := c.Param("roomId")
	userID := c.GetString(userIDKey)

	wsConn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Warn().Err(err).Str("origin", c.GetHeader("Origin")).Msg("websocket upgrade failed")
		return
	}

	conn := ws.New(wsConn, s.opts.WS)
	if err := s.handler.Serve(c.Request.Context(), conn, roomID, userID); err != nil {
		s.log.Debug().Err(err).Str("room", roomID).Str("user", userID).Msg("session closed with error")
	}
}
