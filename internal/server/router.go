package server

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/life-stream-dev/life-stream-go-push-server/internal/database"
	"github.com/life-stream-dev/life-stream-go-push-server/internal/logger"
	"github.com/life-stream-dev/life-stream-go-push-server/internal/utils"
)

type pushRequest struct {
	ChannelID string            `json:"channelID"`
	Version   uint64            `json:"version"`
	TTL       int64             `json:"ttl"`
	Data      string            `json:"data,omitempty"`
	Headers   map[string]string `json:"headers,omitempty"`
	Topic     string            `json:"topic,omitempty"`
	Timestamp int64             `json:"timestamp,omitempty"`
}

// RouterHandler serves the node router used by the ingestion endpoint:
// PUT /push/{uaid} hands a notification to the local connection and
// PUT /notif/{uaid} tells it to check storage.
func (s *Server) RouterHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("PUT /push/{uaid}", s.handlePush)
	mux.HandleFunc("PUT /notif/{uaid}", s.handleNotify)
	return mux
}

func (s *Server) handlePush(w http.ResponseWriter, r *http.Request) {
	uaid := r.PathValue("uaid")
	var req pushRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, s.maxMessageSize)).Decode(&req); err != nil {
		http.Error(w, "invalid notification", http.StatusBadRequest)
		return
	}
	chid, ok := utils.NormalizeChannelID(req.ChannelID)
	if !ok {
		http.Error(w, "invalid channelID", http.StatusBadRequest)
		return
	}
	if _, ok := s.registry.Lookup(uaid); !ok {
		http.Error(w, "not connected", http.StatusNotFound)
		return
	}
	notification := database.Notification{
		UAID:      uaid,
		ChannelID: chid,
		Version:   req.Version,
		Data:      req.Data,
		Headers:   req.Headers,
		TTL:       database.ClampTTL(req.TTL),
		Timestamp: req.Timestamp,
		Topic:     req.Topic,
	}
	if notification.Timestamp == 0 {
		notification.Timestamp = time.Now().Unix()
	}
	if !s.dispatcher.Push(uaid, notification) {
		http.Error(w, "connection busy", http.StatusServiceUnavailable)
		return
	}
	logger.DebugF("Routed notification %s/%d to %s", chid, req.Version, uaid)
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleNotify(w http.ResponseWriter, r *http.Request) {
	uaid := r.PathValue("uaid")
	if !s.dispatcher.Notify(uaid) {
		http.Error(w, "not connected", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusOK)
}
