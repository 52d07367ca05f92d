package inbound

import (
	"context"

	"github.com/shandysiswandi/bps/internal/relay/usecase"
)

type uc interface {
	Forward(ctx context.Context, in usecase.ForwardInput) error
	Flush(ctx context.Context, in usecase.FlushInput) error
}
