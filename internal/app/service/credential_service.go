package service

import (
	"authgate/internal/common"
	"authgate/internal/common/security"
	"authgate/internal/domain/model"
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"time"
)

const (
	msgInvalidCredentials = "Invalid credentials"
	msgLoggedOut          = "Logged out successfully"
)

// CredentialService is the remote authentication backend. Calls may block
// and honour ctx.
type CredentialService interface {
	Authenticate(ctx context.Context, username, password string) (*model.CredentialResult, error)
	FetchCurrentUser(ctx context.Context, token string) (*model.User, error)
	TerminateSession(ctx context.Context) (*model.TerminateResult, error)
}

// DemoUser is the only identity the demo backend knows.
func DemoUser() *model.User {
	return &model.User{
		FirstName: "John",
		LastName:  "Doe",
		Username:  "john",
		Role:      model.RoleUser,
		Email:     "john@email.com",
		IsActive:  true,
	}
}

type DemoCredentialOptions struct {
	Username string
	Password string
	// Latency delays every call to imitate a network round trip.
	Latency time.Duration
	// User overrides DemoUser.
	User *model.User
}

// DemoCredentialService accepts exactly one username/password pair.
type DemoCredentialService struct {
	tokens   security.TokenIssuer
	username []byte
	password []byte
	user     *model.User
	latency  time.Duration
}

func NewDemoCredentialService(tokens security.TokenIssuer, opts DemoCredentialOptions) (*DemoCredentialService, error) {
	if tokens == nil {
		return nil, fmt.Errorf("credential service needs a token issuer: %w", common.ErrMisconfigured)
	}
	if opts.Username == "" || opts.Password == "" {
		return nil, fmt.Errorf("credential service needs a username and password: %w", common.ErrMisconfigured)
	}
	user := opts.User.Clone()
	if user == nil {
		user = DemoUser()
	}
	return &DemoCredentialService{
		tokens:   tokens,
		username: []byte(opts.Username),
		password: []byte(opts.Password),
		user:     user,
		latency:  opts.Latency,
	}, nil
}

func (s *DemoCredentialService) Authenticate(ctx context.Context, username, password string) (*model.CredentialResult, error) {
	if err := s.roundTrip(ctx); err != nil {
		return nil, err
	}

	userOK := subtle.ConstantTimeCompare([]byte(username), s.username)
	passOK := subtle.ConstantTimeCompare([]byte(password), s.password)
	if userOK&passOK != 1 {
		return &model.CredentialResult{Success: false, Message: msgInvalidCredentials}, nil
	}

	token, err := s.tokens.Issue(ctx, s.user)
	if err != nil {
		return nil, fmt.Errorf("failed to issue token: %w", err)
	}
	return &model.CredentialResult{Success: true, User: s.user.Clone(), AuthToken: token}, nil
}

func (s *DemoCredentialService) FetchCurrentUser(ctx context.Context, token string) (*model.User, error) {
	if err := s.roundTrip(ctx); err != nil {
		return nil, err
	}
	if token == "" {
		return nil, fmt.Errorf("%w: empty token", common.ErrIdentity)
	}

	id, err := s.tokens.Verify(ctx, token)
	if err != nil {
		return nil, err
	}
	if id.Subject != s.user.Username {
		return nil, fmt.Errorf("%w: unknown subject %q", common.ErrIdentity, id.Subject)
	}
	return s.user.Clone(), nil
}

func (s *DemoCredentialService) TerminateSession(ctx context.Context) (*model.TerminateResult, error) {
	if err := s.roundTrip(ctx); err != nil {
		return nil, err
	}
	return &model.TerminateResult{Success: true, Message: msgLoggedOut}, nil
}

func (s *DemoCredentialService) roundTrip(ctx context.Context) error {
	if s.latency <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(s.latency)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%w: %w", common.ErrServiceUnavailable, ctx.Err())
		}
		return ctx.Err()
	}
}
