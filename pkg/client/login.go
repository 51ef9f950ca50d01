package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ErrInvalidCredentials is returned when the directory rejects a login
var ErrInvalidCredentials = errors.New("invalid credentials")

// DirectoryUser is the account the directory returned on login
type DirectoryUser struct {
	ID        int64  `json:"id"`
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
	Contact   string `json:"contact"`
}

// Identity is the name the relay expects for this user
func (u DirectoryUser) Identity() string {
	return u.FirstName + " " + u.LastName
}

// LoginResult is a successful directory login
type LoginResult struct {
	Token string        `json:"token"`
	User  DirectoryUser `json:"user"`
}

type loginRequest struct {
	Contact  string `json:"contact"`
	Password string `json:"password"`
}

type apiError struct {
	Error string `json:"error"`
}

// Login exchanges a contact identifier and password for a token at the
// directory API rooted at baseURL (e.g. http://localhost:5001).
func Login(ctx context.Context, baseURL, contact, password string) (*LoginResult, error) {
	body, err := json.Marshal(loginRequest{Contact: contact, Password: password})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	url := strings.TrimSuffix(baseURL, "/") + "/api/login"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	httpClient := &http.Client{Timeout: 10 * time.Second}
	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusUnauthorized:
		return nil, ErrInvalidCredentials
	default:
		var apiErr apiError
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
			return nil, fmt.Errorf("login failed (%d): %s", resp.StatusCode, apiErr.Error)
		}
		return nil, fmt.Errorf("login failed: %s", resp.Status)
	}

	var result LoginResult
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	if result.Token == "" {
		return nil, errors.New("login response carried no token")
	}
	return &result, nil
}
