package api

import (
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"kids-checkin-backend/internal/distributor"
	"kids-checkin-backend/internal/model"
)

const keepAliveInterval = 15 * time.Second

// Stream handles GET /api/stream/:kind/:id as server-sent events. Each
// event carries the latest value of the entity; slow readers skip
// intermediate values.
func (h *Handler) Stream(c *gin.Context) {
	topic, err := distributor.ParseTopic(c.Param("kind"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	id := c.Param("id")
	if id == "" {
		badRequest(c, model.ErrInvalidArgument)
		return
	}

	switch topic {
	case distributor.TopicChild:
		sub, err := h.dist.SubscribeChild(id)
		if err != nil {
			h.writeError(c, err)
			return
		}
		streamFeed(c, sub, string(topic))
	case distributor.TopicService:
		sub, err := h.dist.SubscribeService(id)
		if err != nil {
			h.writeError(c, err)
			return
		}
		streamFeed(c, sub, string(topic))
	case distributor.TopicRoster:
		sub, err := h.dist.SubscribeRoster(id)
		if err != nil {
			h.writeError(c, err)
			return
		}
		streamFeed(c, sub, string(topic))
	}
}

func streamFeed[T any](c *gin.Context, sub *distributor.Subscription[T], event string) {
	defer sub.Close()

	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	keepAlive := time.NewTicker(keepAliveInterval)
	defer keepAlive.Stop()

	c.Stream(func(io.Writer) bool {
		select {
		case v, ok := <-sub.C:
			if !ok {
				return false
			}
			c.SSEvent(event, v)
			return true
		case <-keepAlive.C:
			c.SSEvent("ping", "")
			return true
		case <-c.Request.Context().Done():
			return false
		}
	})
}

// Refresh handles POST /api/stream/:kind/:id/refresh. It fetches the entity
// now and pushes it to every subscriber.
func (h *Handler) Refresh(c *gin.Context) {
	topic, err := distributor.ParseTopic(c.Param("kind"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	v, err := h.dist.Trigger(c.Request.Context(), topic, c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, v)
}
