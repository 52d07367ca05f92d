package inbound

import (
	"github.com/shandysiswandi/bps/internal/gateway/usecase"
	"github.com/shandysiswandi/bps/internal/pkg/router"
)

type HTTPEndpoint struct {
	uc uc
}

// Schemes lists the url schemes publishers and subscribers can be resolved for.
func (h *HTTPEndpoint) Schemes(r *router.Request) (any, error) {
	out := h.uc.Schemes(r.Context())

	return SchemesResponse{
		Publishers:  out.Publishers,
		Subscribers: out.Subscribers,
	}, nil
}

// Publish sends the request body as a single message to the topic in the path.
func (h *HTTPEndpoint) Publish(r *router.Request) (any, error) {
	var req PublishRequest
	if err := r.DecodeBody(&req); err != nil {
		return nil, err
	}

	out, err := h.uc.Publish(r.Context(), usecase.PublishInput{
		Topic:      r.GetParam("topic"),
		ID:         req.ID,
		Data:       req.Data,
		Attributes: req.Attributes,
	})
	if err != nil {
		return nil, err
	}

	return PublishResponse{ID: out.ID, Topic: out.Topic, Duplicate: out.Duplicate}, nil
}

// Flush blocks until the topic in the path has handed its buffered messages to the backend.
func (h *HTTPEndpoint) Flush(r *router.Request) (any, error) {
	return nil, h.uc.Flush(r.Context(), usecase.FlushInput{Topic: r.GetParam("topic")})
}
