package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
)

type RegisterMachineRequest struct {
	LicenseID   snowflake.ID
	Fingerprint string
	// MachineLimit is the owning tier's cap on active bindings.
	// Zero means the tier is not machine-bound and registration is a no-op.
	MachineLimit int
}

type RegisterMachineResponse struct {
	MachineID    snowflake.ID `json:"machine_id"`
	Fingerprint  string       `json:"fingerprint"`
	FirstSeen    time.Time    `json:"first_seen"`
	LastSeen     time.Time    `json:"last_seen"`
	AlreadyBound bool         `json:"already_bound"`
}

type MachineResponse struct {
	ID          string    `json:"id"`
	Fingerprint string    `json:"fingerprint"`
	FirstSeen   time.Time `json:"first_seen"`
	LastSeen    time.Time `json:"last_seen"`
	Active      bool      `json:"active"`
}

type Service interface {
	// Register binds a fingerprint to a license, or bumps last_seen when the
	// fingerprint is already bound. Re-registering never double-counts
	// against the limit.
	Register(context.Context, RegisterMachineRequest) (RegisterMachineResponse, error)
	List(ctx context.Context, licenseID snowflake.ID) ([]MachineResponse, error)
	// Deactivate releases a seat. This is the only way a binding is freed.
	Deactivate(ctx context.Context, licenseID snowflake.ID, fingerprint string) error
}

var (
	ErrInvalidFingerprint   = errors.New("invalid_fingerprint")
	ErrMachineNotFound      = errors.New("machine_not_found")
	ErrMachineLimitExceeded = errors.New("machine_limit_exceeded")
)
