package stream

import (
	"encoding/base64"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/TaxReliefAdvocates/IRSHoldHunter-sub000/pkg/provider"
)

// Message is one frame of the provider's media stream protocol
type Message struct {
	Event     string `json:"event"`
	StreamSID string `json:"streamSid"`
	Start     *struct {
		StreamSID        string            `json:"streamSid"`
		CallSID          string            `json:"callSid"`
		Tracks           []string          `json:"tracks"`
		CustomParameters map[string]string `json:"customParameters"`
	} `json:"start,omitempty"`
	Media *struct {
		Track   string `json:"track"`
		Payload string `json:"payload"`
	} `json:"media,omitempty"`
}

const readTimeout = 30 * time.Second

// Handler accepts media stream websockets and feeds them to the registry
type Handler struct {
	registry *Registry
	upgrader websocket.Upgrader
	logger   *logrus.Logger
}

func NewHandler(registry *Registry, logger *logrus.Logger) *Handler {
	return &Handler{
		registry: registry,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 1024,
			// the provider connects from its own origin
			CheckOrigin: func(*http.Request) bool { return true },
		},
		logger: logger,
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.WithError(err).Warn("Failed to upgrade media stream")
		return
	}
	defer conn.Close()

	var (
		sess      *Session
		streamSID string
	)
	defer func() {
		if streamSID != "" {
			h.registry.Close(streamSID)
		}
	}()

	for {
		conn.SetReadDeadline(time.Now().Add(readTimeout))

		var msg Message
		if err := conn.ReadJSON(&msg); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger.WithError(err).WithField("stream_sid", streamSID).Debug("Media stream read ended")
			}
			return
		}

		switch msg.Event {
		case "start":
			if msg.Start == nil {
				continue
			}
			opened, err := h.registry.Open(r.Context(), msg.Start.StreamSID, msg.Start.CallSID, msg.Start.CustomParameters[provider.LegParameter])
			if err != nil {
				h.logger.WithError(err).WithFields(logrus.Fields{
					"stream_sid": msg.Start.StreamSID,
					"call_sid":   msg.Start.CallSID,
				}).Warn("Ignoring media stream")
				continue
			}
			sess, streamSID = opened, msg.Start.StreamSID

		case "media":
			if sess == nil || msg.Media == nil {
				continue
			}
			if msg.Media.Track != "" && msg.Media.Track != "inbound" {
				continue
			}
			payload, err := base64.StdEncoding.DecodeString(msg.Media.Payload)
			if err != nil {
				h.logger.WithError(err).WithField("leg_id", sess.LegID()).Debug("Dropping undecodable media")
				continue
			}
			sess.Feed(payload, time.Now())

		case "stop":
			if streamSID != "" {
				h.registry.Close(streamSID)
			}
			sess, streamSID = nil, ""
		}
	}
}
