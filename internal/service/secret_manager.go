package service

import (
	"context"
	"fmt"
	"strings"

	"portfolio/internal/config"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"google.golang.org/api/option"
)

type SecretManagerService interface {
	// AccessSecret returns the payload of a secret version. name is either a
	// full resource name or a secret id, which resolves to its latest version.
	AccessSecret(ctx context.Context, name string) (string, error)
	Close() error
}

type secretManagerService struct {
	client    *secretmanager.Client
	projectID string
}

func NewSecretManagerService(ctx context.Context, cfg *config.Config) (SecretManagerService, error) {
	if cfg.GCPProjectID == "" {
		return nil, fmt.Errorf("GCP Project ID is not set for the current environment")
	}

	var opts []option.ClientOption
	if cfg.GoogleCredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.GoogleCredentialsFile))
	}

	client, err := secretmanager.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create Secret Manager client: %w", err)
	}

	return &secretManagerService{
		client:    client,
		projectID: cfg.GCPProjectID,
	}, nil
}

func (s *secretManagerService) AccessSecret(ctx context.Context, name string) (string, error) {
	req := &secretmanagerpb.AccessSecretVersionRequest{
		Name: SecretVersionName(s.projectID, name),
	}

	result, err := s.client.AccessSecretVersion(ctx, req)
	if err != nil {
		return "", fmt.Errorf("failed to access secret version: %w", err)
	}

	return string(result.Payload.Data), nil
}

func (s *secretManagerService) Close() error {
	return s.client.Close()
}

// SecretVersionName expands a secret id into the resource name of its latest
// version. Full resource names are returned unchanged.
func SecretVersionName(projectID, name string) string {
	if strings.HasPrefix(name, "projects/") {
		if strings.Contains(name, "/versions/") {
			return name
		}
		return name + "/versions/latest"
	}
	return fmt.Sprintf("projects/%s/secrets/%s/versions/latest", projectID, name)
}

// ResolveRealtimeAPIKey returns REALTIME_API_KEY when set, otherwise reads the
// key from the secret named by REALTIME_API_KEY_SECRET.
func ResolveRealtimeAPIKey(ctx context.Context, cfg *config.Config, secrets SecretManagerService) (string, error) {
	if cfg.RealtimeAPIKey != "" || cfg.RealtimeAPIKeySecret == "" {
		return cfg.RealtimeAPIKey, nil
	}
	if secrets == nil {
		return "", fmt.Errorf("REALTIME_API_KEY_SECRET is set but Secret Manager is not available")
	}
	key, err := secrets.AccessSecret(ctx, cfg.RealtimeAPIKeySecret)
	if err != nil {
		return "", fmt.Errorf("resolving realtime API key: %w", err)
	}
	return strings.TrimSpace(key), nil
}
