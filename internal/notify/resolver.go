// Package notify finds donors for a blood request and fans push
// notifications out to them.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"healthsync/services/pipeline-api/internal/apperr"
)

const DefaultMinAddressLength = 10

var bloodGroups = map[string]bool{
	"A+": true, "A-": true,
	"B+": true, "B-": true,
	"AB+": true, "AB-": true,
	"O+": true, "O-": true,
}

// Donor is an available donor joined with the push address on its profile.
type Donor struct {
	DonorID             string
	BloodType           string
	IsAvailable         bool
	NotificationAddress *string
}

type DonorStore interface {
	AvailableDonors(ctx context.Context, bloodType string) ([]Donor, error)
}

type Resolver struct {
	store  DonorStore
	minLen int
	logger *slog.Logger
}

func NewResolver(store DonorStore, minAddressLength int, logger *slog.Logger) *Resolver {
	if minAddressLength < 0 {
		minAddressLength = DefaultMinAddressLength
	}
	return &Resolver{store: store, minLen: minAddressLength, logger: logger.With("component", "resolver")}
}

// NormalizeBloodGroup trims and upper-cases bg and checks it is one of the
// eight ABO/Rh groups.
func NormalizeBloodGroup(bg string) (string, error) {
	bg = strings.ToUpper(strings.TrimSpace(bg))
	if bg == "" {
		return "", apperr.InvalidInput("resolve", errors.New("missing blood_group"))
	}
	if !bloodGroups[bg] {
		return "", apperr.InvalidInput("resolve", fmt.Errorf("unknown blood_group %q", bg))
	}
	return bg, nil
}

// Resolve returns the distinct, usable push addresses of available donors
// with exactly bloodType, in the order the store returned them. An empty
// slice is a normal outcome.
func (r *Resolver) Resolve(ctx context.Context, bloodType string) ([]string, error) {
	bg, err := NormalizeBloodGroup(bloodType)
	if err != nil {
		return nil, err
	}
	if r.store == nil {
		return nil, apperr.Configuration("resolve", errors.New("donor store is not configured"))
	}

	donors, err := r.store.AvailableDonors(ctx, bg)
	if err != nil {
		return nil, apperr.Persistence("query donors", err)
	}

	seen := make(map[string]struct{}, len(donors))
	addresses := make([]string, 0, len(donors))
	for _, d := range donors {
		if !d.IsAvailable || d.BloodType != bg || d.NotificationAddress == nil {
			continue
		}
		addr := *d.NotificationAddress
		if len(addr) <= r.minLen {
			continue
		}
		if _, dup := seen[addr]; dup {
			continue
		}
		seen[addr] = struct{}{}
		addresses = append(addresses, addr)
	}

	r.logger.Debug("recipients resolved", "blood_group", bg, "donors", len(donors), "addresses", len(addresses))
	return addresses, nil
}
