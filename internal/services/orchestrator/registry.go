// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package orchestrator

import (
	"strings"
	"sync"

	"github.com/pkg/errors"

	"github.com/autobrr/qbitrr/internal/domain"
)

var (
	ErrReservedCategory  = errors.New("category name is reserved")
	ErrDuplicateCategory = errors.New("category already registered")
	ErrDuplicateURI      = errors.New("catalog uri already registered")
)

// Registry tracks which categories and catalog instances are already managed.
type Registry struct {
	mu         sync.Mutex
	categories map[string]struct{}
	uris       map[string]string
}

func NewRegistry() *Registry {
	return &Registry{
		categories: make(map[string]struct{}),
		uris:       make(map[string]string),
	}
}

// Register claims a category and its catalog uri. Nothing is recorded when
// either is taken.
func (r *Registry) Register(cat domain.CategoryConfig) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.categories[cat.Name]; ok {
		return errors.Wrapf(ErrDuplicateCategory, "category %q", cat.Name)
	}

	uri := normalizeURI(cat.URI)
	if owner, ok := r.uris[uri]; ok && uri != "" {
		return errors.Wrapf(ErrDuplicateURI, "%s is used by category %q", cat.URI, owner)
	}

	r.categories[cat.Name] = struct{}{}
	if uri != "" {
		r.uris[uri] = cat.Name
	}
	return nil
}

// Categories returns the number of registered categories.
func (r *Registry) Categories() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.categories)
}

func normalizeURI(uri string) string {
	return strings.ToLower(strings.TrimRight(strings.TrimSpace(uri), "/"))
}
