package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/aura-meet/backend/internal/auth"
	"github.com/aura-meet/backend/internal/meetings"
	"github.com/aura-meet/backend/internal/models"
)

// apiClient speaks the REST API as one authenticated user.
type apiClient struct {
	base  string
	token string
	http  *http.Client
}

func newAPIClient(base string) *apiClient {
	return &apiClient{base: strings.TrimRight(base, "/"), http: &http.Client{Timeout: 15 * time.Second}}
}

type apiBody struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
}

func (a *apiClient) do(ctx context.Context, method, path string, in, out interface{}) error {
	var body bytes.Buffer
	if in != nil {
		if err := json.NewEncoder(&body).Encode(in); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, a.base+path, &body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if a.token != "" {
		req.Header.Set("Authorization", "Bearer "+a.token)
	}
	resp, err := a.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var env apiBody
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("%s %s: status %d", method, path, resp.StatusCode)
	}
	if !env.Success {
		return fmt.Errorf("%s %s: %d %s", method, path, resp.StatusCode, env.Error)
	}
	if out != nil {
		return json.Unmarshal(env.Data, out)
	}
	return nil
}

func (a *apiClient) login(ctx context.Context, email, password string) (*auth.TokenResponse, error) {
	var tok auth.TokenResponse
	if err := a.do(ctx, http.MethodPost, "/auth/login", auth.LoginRequest{Email: email, Password: password}, &tok); err != nil {
		return nil, err
	}
	a.token = tok.Token
	return &tok, nil
}

func (a *apiClient) join(ctx context.Context, code string) (*meetings.JoinResponse, error) {
	var resp meetings.JoinResponse
	if err := a.do(ctx, http.MethodPost, "/api/meetings/"+code+"/join", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (a *apiClient) participants(ctx context.Context, code string) ([]models.Participant, error) {
	var ps []models.Participant
	if err := a.do(ctx, http.MethodGet, "/api/meetings/"+code+"/participants", nil, &ps); err != nil {
		return nil, err
	}
	return ps, nil
}

func (a *apiClient) leave(ctx context.Context, code string) error {
	return a.do(ctx, http.MethodPost, "/api/meetings/"+code+"/leave", nil, nil)
}
