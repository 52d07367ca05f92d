package inbound

import (
	"context"

	"github.com/shandysiswandi/bps/internal/gateway/usecase"
)

type uc interface {
	Publish(ctx context.Context, in usecase.PublishInput) (*usecase.PublishOutput, error)
	Flush(ctx context.Context, in usecase.FlushInput) error
	Schemes(ctx context.Context) usecase.SchemesOutput
}
