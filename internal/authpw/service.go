// Package authpw provides email/password sign-up and sign-in.
package authpw

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"courier/api/internal/store"
	"github.com/go-playground/validator/v10"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrInvalidCredentials = errors.New("invalid email or password")
	ErrAlreadyRegistered  = errors.New("email or username already registered")
)

// ValidationError lists the request fields that failed validation.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for field, rule := range e.Fields {
		parts = append(parts, field+": "+rule)
	}
	return "invalid request: " + strings.Join(parts, ", ")
}

// UserStore is the subset of the store used for credentials.
type UserStore interface {
	RegisterPrincipal(ctx context.Context, user store.AuthUser, profile store.Profile) (store.Profile, error)
	GetAuthUserByEmail(ctx context.Context, email string) (store.AuthUser, error)
	GetProfile(ctx context.Context, id string) (store.Profile, error)
}

type Service struct {
	store    UserStore
	validate *validator.Validate
	cost     int
}

var usernamePattern = regexp.MustCompile(`^[A-Za-z0-9_]{3,30}$`)

// NewValidator returns a validator with the "username" rule registered.
func NewValidator() *validator.Validate {
	validate := validator.New()
	_ = validate.RegisterValidation("username", func(fl validator.FieldLevel) bool {
		return usernamePattern.MatchString(fl.Field().String())
	})
	return validate
}

func NewService(userStore UserStore) *Service {
	return &Service{store: userStore, validate: NewValidator(), cost: bcrypt.DefaultCost}
}

type SignUpRequest struct {
	Email       string `validate:"required,email,max=254"`
	Password    string `validate:"required,min=8,max=72"`
	Username    string `validate:"required,username"`
	DisplayName string `validate:"max=80"`
}

// SignUp creates the credential and its profile. DisplayName defaults to the username.
func (s *Service) SignUp(ctx context.Context, req SignUpRequest) (store.Profile, error) {
	req.Email = strings.TrimSpace(strings.ToLower(req.Email))
	req.Username = strings.TrimSpace(req.Username)
	req.DisplayName = strings.TrimSpace(req.DisplayName)

	if err := s.validate.Struct(req); err != nil {
		return store.Profile{}, AsValidationError(err)
	}
	if req.DisplayName == "" {
		req.DisplayName = req.Username
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), s.cost)
	if err != nil {
		return store.Profile{}, fmt.Errorf("hash password: %w", err)
	}

	profile, err := s.store.RegisterPrincipal(ctx,
		store.AuthUser{Email: req.Email, PasswordHash: string(hash)},
		store.Profile{Username: req.Username, DisplayName: req.DisplayName},
	)
	if errors.Is(err, store.ErrConflict) {
		return store.Profile{}, ErrAlreadyRegistered
	}
	if err != nil {
		return store.Profile{}, fmt.Errorf("register principal: %w", err)
	}
	return profile, nil
}

type SignInRequest struct {
	Email    string
	Password string
}

// SignIn checks the credential and returns the principal's profile.
func (s *Service) SignIn(ctx context.Context, req SignInRequest) (store.Profile, error) {
	email := strings.TrimSpace(strings.ToLower(req.Email))
	if email == "" || req.Password == "" {
		return store.Profile{}, ErrInvalidCredentials
	}

	user, err := s.store.GetAuthUserByEmail(ctx, email)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Profile{}, ErrInvalidCredentials
	}
	if err != nil {
		return store.Profile{}, fmt.Errorf("lookup credential: %w", err)
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)); err != nil {
		return store.Profile{}, ErrInvalidCredentials
	}

	profile, err := s.store.GetProfile(ctx, user.ID)
	if err != nil {
		return store.Profile{}, fmt.Errorf("load profile: %w", err)
	}
	return profile, nil
}

// AsValidationError converts validator field errors into a *ValidationError.
// Other errors are returned unchanged.
func AsValidationError(err error) error {
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return err
	}
	out := &ValidationError{Fields: make(map[string]string, len(fieldErrs))}
	for _, fe := range fieldErrs {
		out.Fields[strings.ToLower(fe.Field())] = fe.Tag()
	}
	return out
}
