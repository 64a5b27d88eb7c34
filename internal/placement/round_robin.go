package placement

import (
	"fmt"
	"sync"

	"github.com/edgevault/edgevault/internal/repository/shardstore"
)

// RoundRobinPlacer implements round-robin shard placement
type RoundRobinPlacer struct {
	mu           sync.RWMutex
	repositories map[string]shardstore.ShardRepository
	backendNames []string
}

// NewRoundRobinPlacer creates a new round-robin placer
func NewRoundRobinPlacer() *RoundRobinPlacer {
	return &RoundRobinPlacer{
		repositories: make(map[string]shardstore.ShardRepository),
		backendNames: make([]string, 0),
	}
}

// RegisterBackend adds a backend and its repository
func (p *RoundRobinPlacer) RegisterBackend(backendName string, repo shardstore.ShardRepository) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.repositories[backendName]; exists {
		return fmt.Errorf("backend %s already registered", backendName)
	}

	p.repositories[backendName] = repo
	p.backendNames = append(p.backendNames, backendName)
	return nil
}

// GetRepositoryForBackend returns the repository for a specific backend
func (p *RoundRobinPlacer) GetRepositoryForBackend(backendName string) (shardstore.ShardRepository, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	repo, exists := p.repositories[backendName]
	if !exists {
		return nil, fmt.Errorf("no repository found for backend: %s", backendName)
	}
	return repo, nil
}

// Place selects a backend using round-robin strategy
func (p *RoundRobinPlacer) Place(shardIndex int) (string, shardstore.ShardRepository, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if len(p.backendNames) == 0 {
		return "", nil, fmt.Errorf("no backends registered")
	}

	backendIndex := shardIndex % len(p.backendNames)
	backendName := p.backendNames[backendIndex]
	repo := p.repositories[backendName]

	return backendName, repo, nil
}

// ListBackends returns all registered backend names
func (p *RoundRobinPlacer) ListBackends() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()

	backends := make([]string, len(p.backendNames))
	copy(backends, p.backendNames)
	return backends
}
