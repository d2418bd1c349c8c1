package domain

import (
	"errors"
	"log/slog"
)

// Credentials authenticate the bridge against the provider.
type Credentials struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	UserID       string `json:"user_id"`
}

// Validate reports whether every field is present.
func (c Credentials) Validate() error {
	var errs []error
	if c.AccessToken == "" {
		errs = append(errs, errors.New("access_token is empty"))
	}
	if c.RefreshToken == "" {
		errs = append(errs, errors.New("refresh_token is empty"))
	}
	if c.UserID == "" {
		errs = append(errs, errors.New("user_id is empty"))
	}
	return errors.Join(errs...)
}

// LogValue keeps tokens out of logs.
func (c Credentials) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("access_token", "REDACTED"),
		slog.String("refresh_token", "REDACTED"),
		slog.String("user_id", "REDACTED"),
	)
}
