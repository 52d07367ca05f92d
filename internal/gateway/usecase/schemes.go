package usecase

import "context"

type SchemesOutput struct {
	Publishers  []string
	Subscribers []string
}

func (s *Usecase) Schemes(ctx context.Context) SchemesOutput {
	_, span := s.startSpan(ctx, "Schemes")
	defer span.End()

	if s.schemes == nil {
		return SchemesOutput{Publishers: []string{}, Subscribers: []string{}}
	}

	pub, sub := s.schemes.Schemes()
	return SchemesOutput{Publishers: pub, Subscribers: sub}
}
