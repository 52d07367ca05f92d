package usecase

import (
	"context"
	"strings"

	"github.com/shandysiswandi/bps/internal/pkg/goerror"
)

type FlushInput struct {
	Topic string `validate:"required,topicname"`
}

// Flush waits until every message published to the topic was handed to the backend.
func (s *Usecase) Flush(ctx context.Context, in FlushInput) error {
	ctx, span := s.startSpan(ctx, "Flush")
	defer span.End()

	in.Topic = strings.TrimSpace(in.Topic)

	if err := s.validator.Validate(in); err != nil {
		return goerror.NewInvalidInput(err)
	}

	if s.pub == nil {
		return goerror.NewBusiness("publisher is not configured", goerror.CodeUnavailable)
	}

	fctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if err := s.pub.Topic(in.Topic).Flush(fctx); err != nil {
		return backendError(ctx, "flush topic", in.Topic, err)
	}

	return nil
}
