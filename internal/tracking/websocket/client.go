package websocket

import (
	"time"

	"github.com/gorilla/websocket"
)

type Client struct {
	ID       string
	TripID   string
	Conn     *websocket.Conn
	Send     chan []byte
	LastPong time.Time
}
