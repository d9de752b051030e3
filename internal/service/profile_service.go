package service

import (
	"context"
	"errors"
	"fmt"

	"portfolio/internal/model"
	"portfolio/internal/repository"
)

var ErrProfileNotFound = errors.New("profile not found")

type ProfileService interface {
	Get(ctx context.Context, id string) (*model.Profile, error)
}

type profileService struct {
	repo repository.ProfileRepository
}

func NewProfileService(repo repository.ProfileRepository) ProfileService {
	return &profileService{repo: repo}
}

func (s *profileService) Get(ctx context.Context, id string) (*model.Profile, error) {
	p, err := s.repo.GetProfile(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrProfileNotFound
		}
		return nil, fmt.Errorf("getting profile: %w", err)
	}
	return p, nil
}
