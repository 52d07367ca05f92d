package inbound

import (
	"github.com/shandysiswandi/bps/internal/pkg/router"
)

func RegisterHTTPEndpoint(r *router.Router, uc uc) {
	end := &HTTPEndpoint{uc: uc}

	r.GET("/api/v1/schemes", end.Schemes)

	r.POST("/api/v1/topics/:topic/messages", end.Publish)
	r.POST("/api/v1/topics/:topic/flush", end.Flush)
}
