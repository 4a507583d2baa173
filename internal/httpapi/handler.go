package httpapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"msgrouter/internal/message"
	"msgrouter/internal/provider"
	"msgrouter/internal/router"
	"msgrouter/internal/targeting"
)

func (s *Server) requestMessage(c *gin.Context) {
	var req messageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	tc, err := targeting.NewContext(req.Context)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	template := message.Template(strings.TrimSpace(req.Template))
	ctx := c.Request.Context()

	rreq := router.Request{
		TriggerID: req.TriggerID,
		Template:  template,
		Param:     req.Param,
		Context:   tc,
	}
	if h, ok := s.hubs[template]; ok && template != "" {
		out, err := h.Request(ctx, rreq)
		if err != nil {
			_ = c.Error(err)
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
			return
		}
		resp := messageResponse{Hub: h.Name(), Dispatched: out.Dispatched}
		if out.Dispatched {
			resp.Message = &out.Message
			resp.Effect = toEffect(out.Effect)
			resp.Impression = &out.Impression
		}
		c.JSON(http.StatusOK, resp)
		return
	}

	m, ok := s.router.Select(ctx, rreq)
	resp := messageResponse{}
	if ok {
		resp.Message = &m
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) recordImpression(c *gin.Context) {
	var req impressionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	imp, err := s.router.RecordImpressionByID(c.Request.Context(), req.MessageID)
	switch {
	case errors.Is(err, router.ErrUnknownMessage):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	case err != nil && imp.MessageID == "":
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	case err != nil:
		// Counted but not persisted.
		_ = c.Error(err)
	}
	c.JSON(http.StatusCreated, imp)
}

func (s *Server) listMessages(c *gin.Context) {
	snap := s.router.Snapshot()
	msgs := snap.Messages()
	if msgs == nil {
		msgs = []message.Message{}
	}
	c.JSON(http.StatusOK, messagesResponse{Version: snap.Version, Messages: msgs})
}

func (s *Server) listProviders(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"providers": s.router.Registry().Providers()})
}

func (s *Server) refreshProvider(c *gin.Context) {
	cs, err := s.router.Registry().Refresh(c.Request.Context(), c.Param("id"))
	switch {
	case errors.Is(err, provider.ErrUnknownProvider):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, provider.ErrSuperseded):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case err != nil:
		_ = c.Error(err)
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusOK, gin.H{
			"provider": cs.Provider,
			"fetched":  cs.Fetched,
			"changed":  cs.Changed,
			"loaded":   cs.Loaded,
			"rejected": cs.Rejected,
			"version":  cs.Change.Version,
		})
	}
}

// ownedPref rejects keys no hub writes; the pref store is shared with
// other state.
func (s *Server) ownedPref(c *gin.Context) (string, bool) {
	key := c.Param("key")
	for _, h := range s.hubs {
		if h.Owns(key) {
			return key, true
		}
	}
	c.JSON(http.StatusNotFound, gin.H{"error": "unknown pref"})
	return "", false
}

func (s *Server) getPref(c *gin.Context) {
	key, owned := s.ownedPref(c)
	if !owned {
		return
	}
	v, ok, err := s.prefs.GetPref(c.Request.Context(), key)
	if err != nil {
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "pref not set"})
		return
	}
	c.JSON(http.StatusOK, prefResponse{Key: key, Value: prefValue(v)})
}

func (s *Server) clearPref(c *gin.Context) {
	key, owned := s.ownedPref(c)
	if !owned {
		return
	}
	if err := s.prefs.ClearPref(c.Request.Context(), key); err != nil {
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) schedules(c *gin.Context) {
	if s.sched == nil {
		c.JSON(http.StatusOK, gin.H{"schedules": []any{}})
		return
	}
	c.JSON(http.StatusOK, s.sched.Snapshot())
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, healthResponse{
		Status:    "ok",
		Messages:  s.router.Snapshot().Len(),
		Providers: len(s.router.Registry().IDs()),
		Time:      time.Now().UTC(),
	})
}
