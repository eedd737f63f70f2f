package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/tos-network/tos-ledger/internal/shares"
	"github.com/tos-network/tos-ledger/internal/util"
)

// FrameBanIP is the event type that carries a ban instead of a share
const FrameBanIP = "banIP"

const submitTimeout = 5 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// FrameError is written back for frames that could not be handled
type FrameError struct {
	Error string `json:"error"`
}

// streams tracks open share streams so Stop can close them
type streams struct {
	seq   uint64
	conns sync.Map // id -> *websocket.Conn
}

func newStreams() *streams {
	return &streams{}
}

func (s *streams) add(conn *websocket.Conn) uint64 {
	id := atomic.AddUint64(&s.seq, 1)
	s.conns.Store(id, conn)
	return id
}

func (s *streams) remove(id uint64) {
	s.conns.Delete(id)
}

func (s *streams) closeAll() {
	s.conns.Range(func(key, value interface{}) bool {
		value.(*websocket.Conn).Close()
		return true
	})
}

// handleShareStream upgrades to a websocket that carries one JSON share
// event per frame for the pool in the path
func (s *Server) handleShareStream(c *gin.Context) {
	pool := c.Param("pool")

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		util.Warnf("WebSocket upgrade error: %v", err)
		return
	}

	id := s.streams.add(conn)
	util.Infof("Share stream %d opened for pool %s from %s", id, pool, c.ClientIP())

	s.wg.Add(1)
	go s.readStream(id, pool, conn)
}

func (s *Server) readStream(id uint64, pool string, conn *websocket.Conn) {
	defer s.wg.Done()
	defer func() {
		conn.Close()
		s.streams.remove(id)
		util.Infof("Share stream %d closed", id)
	}()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var e shares.Event
		if err := json.Unmarshal(message, &e); err != nil {
			writeFrameError(conn, "Parse error")
			continue
		}

		if e.Type == FrameBanIP {
			s.ctrl.BanIP(e.IP)
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), submitTimeout)
		err = s.ctrl.Submit(ctx, pool, &e)
		cancel()
		if err != nil {
			util.Warnf("Share from %s for pool %s dropped: %v", e.Login, pool, err)
			writeFrameError(conn, err.Error())
		}
	}
}

func writeFrameError(conn *websocket.Conn, msg string) {
	conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	conn.WriteJSON(FrameError{Error: msg})
}
