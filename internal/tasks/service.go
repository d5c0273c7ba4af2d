// ABOUTME: Task facade that resolves instances and drives them over RPC
// ABOUTME: Pushes provider configuration before creating each task

package tasks

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/2389/sandboxd/internal/apperr"
	"github.com/2389/sandboxd/internal/rpc"
	"github.com/2389/sandboxd/internal/supervisor"
)

// ProviderOpenRouter is the only supported model provider.
const ProviderOpenRouter = "openrouter"

// Instances resolves and looks up tenant instances.
type Instances interface {
	Resolve(ctx context.Context, userID, projectID string) (*supervisor.Instance, error)
	Lookup(userID, projectID string) (*supervisor.Instance, error)
}

// Clients hands out pooled RPC clients.
type Clients interface {
	Get(ctx context.Context, address string) (*rpc.Client, error)
}

// ProviderConfig holds the fallback provider settings.
type ProviderConfig struct {
	OpenRouterAPIKey string
	ModelID          string
}

// CreateRequest describes a new task.
type CreateRequest struct {
	Prompt string
	Files  []string
	// Provider defaults to openrouter.
	Provider string
	// APIKey overrides the configured provider key.
	APIKey string
}

// Service runs task operations for tenants.
type Service struct {
	instances Instances
	clients   Clients
	provider  ProviderConfig
	logger    *slog.Logger
}

// New creates a Service.
func New(instances Instances, clients Clients, provider ProviderConfig, logger *slog.Logger) *Service {
	if provider.ModelID == "" {
		provider.ModelID = "openai/gpt-4"
	}
	return &Service{
		instances: instances,
		clients:   clients,
		provider:  provider,
		logger:    logger.With("component", "tasks"),
	}
}

// CreateTask starts a task in the tenant's instance and returns its id.
func (s *Service) CreateTask(ctx context.Context, userID, projectID string, req CreateRequest) (string, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return "", &apperr.ValidationError{
			Message: "prompt is required",
			Fields:  map[string][]string{"prompt": {"required"}},
		}
	}
	secrets, options, err := s.providerSettings(req)
	if err != nil {
		return "", err
	}

	inst, err := s.instances.Resolve(ctx, userID, projectID)
	if err != nil {
		return "", err
	}
	client, err := s.clients.Get(ctx, inst.Address)
	if err != nil {
		return "", err
	}

	if err := client.PushConfiguration(ctx, secrets, options); err != nil {
		s.logger.Error("failed to configure provider", "tenant_key", inst.Key, "error", err)
		return "", fmt.Errorf("configuring provider: %w", err)
	}
	s.logger.Info("provider configured", "tenant_key", inst.Key, "provider", options["actModeApiProvider"])

	id, err := client.CreateTask(ctx, req.Prompt, req.Files)
	if err != nil {
		return "", err
	}
	s.logger.Info("task created", "tenant_key", inst.Key, "task_id", id)
	return id, nil
}

func (s *Service) providerSettings(req CreateRequest) (secrets, options map[string]string, err error) {
	provider := strings.ToLower(req.Provider)
	if provider == "" {
		provider = ProviderOpenRouter
	}
	if provider != ProviderOpenRouter {
		return nil, nil, &apperr.ValidationError{
			Message: fmt.Sprintf("unsupported provider: %s", req.Provider),
			Fields:  map[string][]string{"provider": {"only openrouter is supported"}},
		}
	}

	key := req.APIKey
	if key == "" {
		key = s.provider.OpenRouterAPIKey
	}
	if key == "" {
		return nil, nil, &apperr.ValidationError{
			Message: "OpenRouter API key is required: pass one with the request or set provider.openrouter_api_key",
			Fields:  map[string][]string{"api_key": {"required"}},
		}
	}

	secrets = map[string]string{"openRouterApiKey": key}
	options = map[string]string{
		"actModeApiProvider": ProviderOpenRouter,
		"actModeApiModelId":  s.provider.ModelID,
	}
	return secrets, options, nil
}

// GetTask returns the snapshot of task id.
func (s *Service) GetTask(ctx context.Context, userID, projectID, id string) (*rpc.TaskSnapshot, error) {
	client, err := s.client(ctx, userID, projectID)
	if err != nil {
		return nil, err
	}
	return client.GetTask(ctx, id)
}

// SearchFiles searches the tenant's workspace through its worker.
func (s *Service) SearchFiles(ctx context.Context, userID, projectID, query string, limit int) ([]string, error) {
	client, err := s.client(ctx, userID, projectID)
	if err != nil {
		return nil, err
	}
	return client.SearchFiles(ctx, query, limit)
}

// CancelTask cancels the tenant's running task.
func (s *Service) CancelTask(ctx context.Context, userID, projectID string) error {
	client, err := s.client(ctx, userID, projectID)
	if err != nil {
		return err
	}
	return client.CancelTask(ctx)
}

func (s *Service) client(ctx context.Context, userID, projectID string) (*rpc.Client, error) {
	inst, err := s.instances.Lookup(userID, projectID)
	if err != nil {
		return nil, err
	}
	return s.clients.Get(ctx, inst.Address)
}
