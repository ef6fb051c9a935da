// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package protocol

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"k8s.io/utils/clock"

	"github.com/stacklok/fedauth/pkg/authserver/storage"
)

// UserProfileService maps federated identities to local user profiles.
type UserProfileService interface {
	// Resolve returns the profile for externalID, or storage.ErrNotFound.
	Resolve(ctx context.Context, externalID string) (*storage.User, error)

	// Create provisions a new profile.
	Create(ctx context.Context, user *storage.User) (*storage.User, error)
}

// AuthenticatedUser is the principal carried by a legacy ticket.
type AuthenticatedUser struct {
	Subject    string
	AuthLevel  string
	AuthMethod string
}

// LegacyTicketDecryptor decodes the authentication ticket cookie of the
// previous authentication system.
type LegacyTicketDecryptor interface {
	Decrypt(ctx context.Context, ticket string) (*AuthenticatedUser, error)
}

// StorageUserProfiles is the default UserProfileService backed by
// storage.UserStorage.
type StorageUserProfiles struct {
	storage storage.UserStorage
	clock   clock.PassiveClock
}

// NewStorageUserProfiles creates a StorageUserProfiles. nil clk means the
// real clock.
func NewStorageUserProfiles(stor storage.UserStorage, clk clock.PassiveClock) *StorageUserProfiles {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &StorageUserProfiles{storage: stor, clock: clk}
}

// Resolve looks up the profile and records the login time.
func (p *StorageUserProfiles) Resolve(ctx context.Context, externalID string) (*storage.User, error) {
	user, err := p.storage.GetUserByExternalID(ctx, externalID)
	if err != nil {
		return nil, err
	}
	now := p.clock.Now()
	if err := p.storage.UpdateUserLastLogin(ctx, user.ID, now); err != nil {
		slog.Warn("failed to update user last login", "user_id", user.ID, "error", err)
	} else {
		user.LastLoginAt = now
	}
	return user, nil
}

// Create stores user. Losing a creation race to a concurrent login for the
// same identity returns the winner's profile.
func (p *StorageUserProfiles) Create(ctx context.Context, user *storage.User) (*storage.User, error) {
	err := p.storage.CreateUser(ctx, user)
	if errors.Is(err, storage.ErrAlreadyExists) {
		return p.storage.GetUserByExternalID(ctx, user.ExternalID)
	}
	if err != nil {
		return nil, err
	}
	slog.Info("provisioned user for federated identity", "user_id", user.ID)
	return user, nil
}

// resolveOrProvision finds the local subject for externalID, creating a
// profile on first sight.
func (e *Engine) resolveOrProvision(ctx context.Context, externalID string) (*storage.User, error) {
	user, err := e.users.Resolve(ctx, externalID)
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("failed to resolve user: %w", err)
	}

	now := e.clock.Now()
	user, err = e.users.Create(ctx, &storage.User{
		ID:          uuid.NewString(),
		ExternalID:  externalID,
		CreatedAt:   now,
		LastLoginAt: now,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to provision user: %w", err)
	}
	return user, nil
}

var _ UserProfileService = (*StorageUserProfiles)(nil)
