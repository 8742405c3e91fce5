package admin

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const pingInterval = 30 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

type liveRequest struct {
	Type string `json:"type"`
}

// live streams submission events of one owned form over a websocket. Clients
// may send {"type":"h"} heartbeats; anything else they send is ignored.
func (a *Module) live(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		notFound(c, "Form")
		return
	}
	ctx := c.Request.Context()
	form, err := a.forms.GetForm(ctx, CallerID(c), id)
	if err != nil {
		a.fail(c, err)
		return
	}
	if form == nil {
		notFound(c, "Form")
		return
	}
	if a.broker == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Live updates are not enabled"})
		return
	}

	events, cancel, err := a.broker.Subscribe(ctx, form.ID)
	if err != nil {
		a.fail(c, err)
		return
	}
	defer cancel()

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		a.logger.Warn("failed to upgrade websocket", zap.Uint("form_id", form.ID), zap.Error(err))
		return
	}
	defer ws.Close()

	quit := make(chan struct{})
	go func() {
		defer close(quit)
		for {
			var req liveRequest
			if err := ws.ReadJSON(&req); err != nil {
				if closeErr, ok := err.(*websocket.CloseError); ok {
					if closeErr.Code != websocket.CloseNormalClosure && closeErr.Code != websocket.CloseGoingAway {
						a.logger.Debug("websocket closed", zap.Error(closeErr))
					}
				} else {
					a.logger.Debug("websocket read failed", zap.Error(err))
				}
				return
			}
			if req.Type != "h" {
				a.logger.Debug("unknown websocket request", zap.String("type", req.Type))
			}
		}
	}()

	ping := time.NewTicker(pingInterval)
	defer ping.Stop()

	for {
		select {
		case <-quit:
			return
		case <-ping.C:
			if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				return
			}
		case event, ok := <-events:
			if !ok {
				return
			}
			if err := ws.WriteJSON(event); err != nil {
				a.logger.Warn("failed to write websocket event", zap.Uint("form_id", form.ID), zap.Error(err))
				return
			}
		}
	}
}
