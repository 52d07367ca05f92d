package usecase

import (
	"context"
	"errors"
	"log/slog"
	"maps"
	"strings"

	"github.com/shandysiswandi/bps/internal/pkg/bps"
	"github.com/shandysiswandi/bps/internal/pkg/goerror"
	"github.com/shandysiswandi/bps/internal/pkg/idempotency"
	"github.com/shandysiswandi/bps/internal/pkg/instrument"
)

type (
	PublishInput struct {
		Topic      string            `validate:"required,topicname"`
		ID         string            `validate:"omitempty,max=256"`
		Data       []byte            `validate:"max=1048576"`
		Attributes map[string]string `validate:"omitempty,max=64,dive,keys,required,max=256,endkeys,max=4096"`
	}

	PublishOutput struct {
		ID    string
		Topic string
		// Duplicate reports that the id was already published and nothing was sent.
		Duplicate bool
	}
)

// Publish sends a single message to the configured publisher. A missing id is
// generated and the request correlation id is attached as an attribute.
func (s *Usecase) Publish(ctx context.Context, in PublishInput) (*PublishOutput, error) {
	ctx, span := s.startSpan(ctx, "Publish")
	defer span.End()

	in.Topic = strings.TrimSpace(in.Topic)
	in.ID = strings.TrimSpace(in.ID)

	if err := s.validator.Validate(in); err != nil {
		return nil, goerror.NewInvalidInput(err)
	}

	if s.pub == nil {
		return nil, goerror.NewBusiness("publisher is not configured", goerror.CodeUnavailable)
	}

	callerID := in.ID != ""
	if !callerID {
		in.ID = s.uuid.Generate()
	}

	attrs := maps.Clone(in.Attributes)
	if cID := instrument.GetCorrelationID(ctx); cID != "" {
		if attrs == nil {
			attrs = make(map[string]string, 1)
		}
		if _, ok := attrs[instrument.CorrelationIDAttribute]; !ok {
			attrs[instrument.CorrelationIDAttribute] = cID
		}
	}

	msg := &bps.PubMessage{ID: in.ID, Data: in.Data, Attributes: attrs}
	publish := func(ctx context.Context) error {
		pctx, cancel := s.withTimeout(ctx)
		defer cancel()
		return s.pub.Topic(in.Topic).Publish(pctx, msg)
	}

	var err error
	if s.dedup != nil && callerID {
		err = s.dedup.Exec(ctx, in.Topic+"/"+in.ID, publish, idempotency.WithStateTTL(s.dedupTTL))
	} else {
		err = publish(ctx)
	}

	switch {
	case errors.Is(err, idempotency.ErrAlreadyCompleted):
		slog.InfoContext(ctx, "duplicate message skipped", "topic", in.Topic, "id", in.ID)
		return &PublishOutput{ID: in.ID, Topic: in.Topic, Duplicate: true}, nil
	case errors.Is(err, idempotency.ErrAlreadyInProgress):
		return nil, goerror.NewBusinessWrap(err, "message with this id is being published", goerror.CodeConflict)
	case err != nil:
		return nil, backendError(ctx, "publish message", in.Topic, err)
	}

	slog.DebugContext(ctx, "message published", "topic", in.Topic, "id", in.ID, "bytes", len(in.Data))

	return &PublishOutput{ID: in.ID, Topic: in.Topic}, nil
}
