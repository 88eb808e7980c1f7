// Package gateway verifies bearer ID tokens and issues custom tokens for the
// verified uid.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/open-rails/fedlink/core"
	"github.com/sirupsen/logrus"
)

// Service is stateless; one instance serves concurrent requests.
type Service struct {
	authority core.Authority
	log       *logrus.Entry
	metrics   *Metrics
}

func New(a core.Authority) *Service {
	return &Service{authority: a, log: logrus.NewEntry(logrus.StandardLogger())}
}

func (s *Service) WithLogger(e *logrus.Entry) *Service {
	if e != nil {
		s.log = e
	}
	return s
}

func (s *Service) WithMetrics(m *Metrics) *Service { s.metrics = m; return s }

// Verify checks token with the authority. Failures return
// core.ErrMissingCredential or core.ErrInvalidCredential only; the reason is
// logged, not returned.
func (s *Service) Verify(ctx context.Context, token string) (*core.VerifiedToken, error) {
	start := time.Now()
	token = strings.TrimSpace(token)
	if token == "" {
		s.metrics.observe(resultMissing, start)
		return nil, core.ErrMissingCredential
	}
	vt, err := s.authority.VerifyIDToken(ctx, token)
	if err != nil {
		s.metrics.observe(resultInvalid, start)
		s.log.WithError(err).Info("id_token_rejected")
		return nil, core.ErrInvalidCredential
	}
	if vt == nil || vt.UID == "" {
		s.metrics.observe(resultInvalid, start)
		s.log.Info("id_token_without_subject")
		return nil, core.ErrInvalidCredential
	}
	s.metrics.observe(resultVerified, start)
	return vt, nil
}

// Issue mints a custom token for an already verified token.
func (s *Service) Issue(ctx context.Context, vt *core.VerifiedToken, idToken string) (*core.VerifiedSession, error) {
	if vt == nil {
		return nil, errors.New("nil verified token")
	}
	ct, err := s.authority.CreateCustomToken(ctx, vt.UID)
	if err != nil {
		s.metrics.issued(false)
		s.log.WithError(err).WithField("uid", vt.UID).Error("custom_token_failed")
		return nil, fmt.Errorf("%w: %w", core.ErrUnexpected, err)
	}
	s.metrics.issued(true)
	return &core.VerifiedSession{
		Claims:      vt.Claims,
		UID:         vt.UID,
		Email:       vt.Email,
		IDToken:     idToken,
		CustomToken: ct,
	}, nil
}

// VerifyAndIssue verifies token and mints a custom token for its uid.
func (s *Service) VerifyAndIssue(ctx context.Context, token string) (*core.VerifiedSession, error) {
	vt, err := s.Verify(ctx, token)
	if err != nil {
		return nil, err
	}
	return s.Issue(ctx, vt, strings.TrimSpace(token))
}
