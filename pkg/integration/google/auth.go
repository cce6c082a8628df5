package google

import (
	"context"
	"fmt"
	"net/http"
	"os"

	"golang.org/x/oauth2/google"
	"google.golang.org/api/option"
)

// NewHTTPClient creates an authenticated HTTP client from a service account JSON key file.
func NewHTTPClient(ctx context.Context, credentialsFile string, scopes ...string) (*http.Client, error) {
	data, err := os.ReadFile(credentialsFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read credentials file: %w", err)
	}

	conf, err := google.JWTConfigFromJSON(data, scopes...)
	if err != nil {
		return nil, fmt.Errorf("failed to parse credentials: %w", err)
	}

	return conf.Client(ctx), nil
}

// ClientOption returns an option.ClientOption for the Google API service
// constructors, limited to the given scopes. The credentials file is read
// and validated up front so a bad key fails at startup.
func ClientOption(ctx context.Context, credentialsFile string, scopes ...string) (option.ClientOption, error) {
	client, err := NewHTTPClient(ctx, credentialsFile, scopes...)
	if err != nil {
		return nil, err
	}
	return option.WithHTTPClient(client), nil
}
