// Package targets manages storage targets: sealed configuration, ownership,
// the per-owner default, connectivity tests and opening backends.
package targets

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"suitebackup/internal/model"
	"suitebackup/internal/secrets"
	"suitebackup/internal/store"
	"suitebackup/storage"
	"suitebackup/storage/local"
	"suitebackup/storage/s3"
	"suitebackup/storage/sftp"
	"suitebackup/storage/webdav"
)

var (
	// ErrForbidden is returned when a target belongs to another owner.
	ErrForbidden = errors.New("storage target belongs to another owner")
	// ErrTargetDisabled is returned when resolving a disabled target.
	ErrTargetDisabled = errors.New("storage target is disabled")
	// ErrNoDefault is returned when no target id is given and the owner has
	// no default target.
	ErrNoDefault = errors.New("no default storage target")
	// ErrInvalidTarget is returned for malformed target definitions.
	ErrInvalidTarget = errors.New("invalid storage target")
)

// Opener builds a backend for a target kind and its plaintext config.
type Opener func(ctx context.Context, kind storage.Kind, cfg storage.Config) (storage.Backend, error)

// NewOpener returns the Opener for the built-in backends.
func NewOpener(logger zerolog.Logger) Opener {
	return func(ctx context.Context, kind storage.Kind, cfg storage.Config) (storage.Backend, error) {
		var (
			backend storage.Backend
			err     error
		)
		switch kind {
		case storage.KindLocal:
			backend = local.New(cfg)
		case storage.KindS3:
			backend, err = s3.New(ctx, s3.ConfigFrom(cfg))
		case storage.KindSFTP:
			backend, err = sftp.New(sftp.ConfigFrom(cfg))
		case storage.KindWebDAV:
			backend, err = webdav.New(webdav.ConfigFrom(cfg), logger)
		default:
			err = fmt.Errorf("%w: unknown kind %q", ErrInvalidTarget, kind)
		}
		if err != nil {
			return nil, err
		}
		return backend, nil
	}
}

// CreateRequest describes a new target.
type CreateRequest struct {
	Name      string            `validate:"required,max=100"`
	Kind      storage.Kind      `validate:"required,oneof=local s3 sftp webdav"`
	Config    map[string]string `validate:"-"`
	IsDefault bool
}

type Service struct {
	store  store.TargetStore
	sealer *secrets.Sealer
	open   Opener
	logger zerolog.Logger
	now    func() time.Time
}

func NewService(st store.TargetStore, sealer *secrets.Sealer, open Opener, logger zerolog.Logger) *Service {
	return &Service{
		store:  st,
		sealer: sealer,
		open:   open,
		logger: logger.With().Str("component", "targets").Logger(),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

var validate = validator.New()

// Create validates, seals and stores a new target.
func (s *Service) Create(ctx context.Context, owner string, req CreateRequest) (*model.StorageTarget, error) {
	if err := validate.Struct(req); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTarget, err)
	}
	// Constructing the backend checks required keys without any I/O.
	if _, err := s.open(ctx, req.Kind, req.Config); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTarget, err)
	}

	now := s.now()
	t := &model.StorageTarget{
		ID:        uuid.New().String(),
		Owner:     owner,
		Name:      req.Name,
		Kind:      req.Kind,
		IsEnabled: true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	sealed, err := s.sealer.Seal(t.ID, req.Config)
	if err != nil {
		return nil, err
	}
	t.SealedConfig = sealed

	if err := s.store.CreateTarget(ctx, t); err != nil {
		return nil, fmt.Errorf("create storage target: %w", err)
	}
	if req.IsDefault {
		if err := s.store.SetDefaultTarget(ctx, owner, t.ID); err != nil {
			return nil, fmt.Errorf("set default storage target: %w", err)
		}
		t.IsDefault = true
	}
	s.logger.Info().Str("target", t.ID).Str("owner", owner).Str("kind", string(t.Kind)).Msg("storage target created")
	return t, nil
}

// Get loads a target and verifies it belongs to owner.
func (s *Service) Get(ctx context.Context, owner, id string) (*model.StorageTarget, error) {
	t, err := s.store.GetTarget(ctx, id)
	if err != nil {
		return nil, err
	}
	if t.Owner != owner {
		return nil, fmt.Errorf("storage target %s: %w", id, ErrForbidden)
	}
	return t, nil
}

func (s *Service) List(ctx context.Context, owner string) ([]*model.StorageTarget, error) {
	return s.store.ListTargets(ctx, owner)
}

// UpdateConfig replaces the sealed configuration of a target.
func (s *Service) UpdateConfig(ctx context.Context, owner, id string, cfg map[string]string) (*model.StorageTarget, error) {
	t, err := s.Get(ctx, owner, id)
	if err != nil {
		return nil, err
	}
	if _, err := s.open(ctx, t.Kind, cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTarget, err)
	}
	sealed, err := s.sealer.Seal(t.ID, cfg)
	if err != nil {
		return nil, err
	}
	t.SealedConfig = sealed
	t.UpdatedAt = s.now()
	if err := s.store.UpdateTarget(ctx, t); err != nil {
		return nil, fmt.Errorf("update storage target: %w", err)
	}
	return t, nil
}

// SetEnabled enables or disables a target.
func (s *Service) SetEnabled(ctx context.Context, owner, id string, enabled bool) error {
	t, err := s.Get(ctx, owner, id)
	if err != nil {
		return err
	}
	t.IsEnabled = enabled
	t.UpdatedAt = s.now()
	return s.store.UpdateTarget(ctx, t)
}

// SetDefault makes id the owner's only default target. Repeating the call
// is a no-op.
func (s *Service) SetDefault(ctx context.Context, owner, id string) error {
	if _, err := s.Get(ctx, owner, id); err != nil {
		return err
	}
	return s.store.SetDefaultTarget(ctx, owner, id)
}

func (s *Service) Delete(ctx context.Context, owner, id string) error {
	if _, err := s.Get(ctx, owner, id); err != nil {
		return err
	}
	return s.store.DeleteTarget(ctx, id)
}

// Resolve returns the enabled target a run should use. An empty id selects
// the owner's default target.
func (s *Service) Resolve(ctx context.Context, owner, id string) (*model.StorageTarget, error) {
	var (
		t   *model.StorageTarget
		err error
	)
	if id == "" {
		t, err = s.store.DefaultTarget(ctx, owner)
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNoDefault
		}
	} else {
		t, err = s.Get(ctx, owner, id)
	}
	if err != nil {
		return nil, err
	}
	if !t.IsEnabled {
		return nil, fmt.Errorf("storage target %s: %w", t.ID, ErrTargetDisabled)
	}
	return t, nil
}

// Open decrypts the target config and builds its backend.
func (s *Service) Open(ctx context.Context, t *model.StorageTarget) (storage.Backend, error) {
	cfg, err := s.sealer.Open(t.ID, t.SealedConfig)
	if err != nil {
		return nil, fmt.Errorf("storage target %s: %w", t.ID, err)
	}
	backend, err := s.open(ctx, t.Kind, cfg)
	if err != nil {
		return nil, fmt.Errorf("storage target %s: %w", t.ID, err)
	}
	return backend, nil
}

// Test checks a target's connectivity and records the outcome on the target.
func (s *Service) Test(ctx context.Context, owner, id string) (string, error) {
	t, err := s.Get(ctx, owner, id)
	if err != nil {
		return "", err
	}

	msg, testErr := s.test(ctx, t)
	if testErr != nil {
		msg = "failed: " + testErr.Error()
	}

	now := s.now()
	t.LastTestResult = msg
	t.LastTestedAt = &now
	t.UpdatedAt = now
	if err := s.store.UpdateTarget(context.WithoutCancel(ctx), t); err != nil {
		s.logger.Warn().Err(err).Str("target", t.ID).Msg("failed to record test result")
	}

	level := zerolog.InfoLevel
	if testErr != nil {
		level = zerolog.WarnLevel
	}
	s.logger.WithLevel(level).Err(testErr).Str("target", t.ID).Str("kind", string(t.Kind)).Msg("storage target tested")
	return msg, testErr
}

func (s *Service) test(ctx context.Context, t *model.StorageTarget) (string, error) {
	backend, err := s.Open(ctx, t)
	if err != nil {
		return "", err
	}
	return backend.Test(ctx)
}

// Declared is a target declared in configuration.
type Declared struct {
	Owner     string
	Name      string
	Kind      storage.Kind
	Config    map[string]string
	IsDefault bool
}

// Sync creates or updates declared targets, matching existing ones by owner
// and name.
func (s *Service) Sync(ctx context.Context, declared []Declared) ([]*model.StorageTarget, error) {
	var out []*model.StorageTarget
	for _, d := range declared {
		existing, err := s.store.ListTargets(ctx, d.Owner)
		if err != nil {
			return nil, err
		}

		var t *model.StorageTarget
		for _, e := range existing {
			if e.Name == d.Name {
				t = e
				break
			}
		}

		switch {
		case t == nil:
			t, err = s.Create(ctx, d.Owner, CreateRequest{Name: d.Name, Kind: d.Kind, Config: d.Config, IsDefault: d.IsDefault})
		case t.Kind != d.Kind:
			err = fmt.Errorf("%w: %s/%s already exists as %s", ErrInvalidTarget, d.Owner, d.Name, t.Kind)
		default:
			t, err = s.UpdateConfig(ctx, d.Owner, t.ID, d.Config)
			if err == nil && d.IsDefault && !t.IsDefault {
				err = s.SetDefault(ctx, d.Owner, t.ID)
				t.IsDefault = err == nil
			}
		}
		if err != nil {
			return nil, fmt.Errorf("sync target %s/%s: %w", d.Owner, d.Name, err)
		}
		out = append(out, t)
	}
	return out, nil
}
