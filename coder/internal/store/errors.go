package store

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrInvalidInput = errors.New("invalid input")
	ErrInvalidState = errors.New("invalid state")
)

var artifactIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

func validateArtifactID(artifactID string) error {
	if !artifactIDPattern.MatchString(artifactID) {
		return fmt.Errorf("%w: artifact id %q must match %s", ErrInvalidInput, artifactID, artifactIDPattern)
	}
	return nil
}

func validateSource(source string) error {
	if source == "" {
		return fmt.Errorf("%w: source must not be empty", ErrInvalidInput)
	}
	return nil
}

func validatePercent(percent int) error {
	if percent < 0 || percent > 100 {
		return fmt.Errorf("%w: phase percent %d outside [0,100]", ErrInvalidInput, percent)
	}
	return nil
}

func artifactNotFound(artifactID string) error {
	return fmt.Errorf("artifact %q: %w", artifactID, ErrNotFound)
}

// An unknown rollback target is both a missing version and a bad argument.
func versionNotFound(artifactID string, id int64) error {
	return fmt.Errorf("artifact %q version %d: %w (%w)", artifactID, id, ErrNotFound, ErrInvalidInput)
}

func noCandidate(artifactID string) error {
	return fmt.Errorf("artifact %q has no active candidate: %w", artifactID, ErrInvalidState)
}

func checksum(source string) string {
	sum := sha256.Sum256([]byte(source))
	return hex.EncodeToString(sum[:])
}
