package identity

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

const maxErrorBodySize = 64 << 10

type SignUpRequest struct {
	Email      string     `json:"email"`
	Password   string     `json:"password"`
	Attributes Attributes `json:"attributes,omitempty"`
}

type SignUpResponse struct {
	SubjectID string `json:"subject_id"`
}

type SignInRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type SignInResponse struct {
	SubjectID     string `json:"subject_id"`
	Email         string `json:"email"`
	EmailVerified bool   `json:"email_verified"`
	AccessToken   string `json:"access_token"`
	RefreshToken  string `json:"refresh_token"`
	IDToken       string `json:"id_token"`
	ExpiresIn     int64  `json:"expires_in"`
}

type VerifyTokenResponse struct {
	SubjectID     string                 `json:"subject_id"`
	Email         string                 `json:"email"`
	EmailVerified bool                   `json:"email_verified"`
	Claims        map[string]interface{} `json:"claims"`
}

type ConfirmForgotPasswordRequest struct {
	Email       string `json:"email"`
	Code        string `json:"code"`
	NewPassword string `json:"new_password"`
}

// APIError is the documented error body of a managed identity service.
type APIError struct {
	StatusCode int    `json:"-"`
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("provider api error %d %s: %s", e.StatusCode, e.Code, e.Message)
}

// Client is the black-box contract of a managed identity service.
type Client interface {
	SignUp(ctx context.Context, req *SignUpRequest) (*SignUpResponse, error)
	SignIn(ctx context.Context, req *SignInRequest) (*SignInResponse, error)
	VerifyToken(ctx context.Context, token string) (*VerifyTokenResponse, error)
	ForgotPassword(ctx context.Context, email string) error
	ConfirmForgotPassword(ctx context.Context, req *ConfirmForgotPasswordRequest) error
}

// HTTPClient talks JSON to a managed identity service REST API.
type HTTPClient struct {
	baseURL    string
	httpClient *http.Client
}

func (c *HTTPClient) do(ctx context.Context, path string, in interface{}, out interface{}) error {
	body, err := json.Marshal(in)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusMultipleChoices {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		json.NewDecoder(io.LimitReader(resp.Body, maxErrorBodySize)).Decode(apiErr)
		return apiErr
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &APIError{StatusCode: resp.StatusCode, Code: "malformed_response", Message: err.Error()}
	}
	return nil
}

func (c *HTTPClient) SignUp(ctx context.Context, req *SignUpRequest) (*SignUpResponse, error) {
	var resp SignUpResponse
	if err := c.do(ctx, "/v1/users", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *HTTPClient) SignIn(ctx context.Context, req *SignInRequest) (*SignInResponse, error) {
	var resp SignInResponse
	if err := c.do(ctx, "/v1/sessions", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *HTTPClient) VerifyToken(ctx context.Context, token string) (*VerifyTokenResponse, error) {
	var resp VerifyTokenResponse
	if err := c.do(ctx, "/v1/tokens/verify", map[string]string{"token": token}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *HTTPClient) ForgotPassword(ctx context.Context, email string) error {
	return c.do(ctx, "/v1/password/forgot", map[string]string{"email": email}, nil)
}

func (c *HTTPClient) ConfirmForgotPassword(ctx context.Context, req *ConfirmForgotPasswordRequest) error {
	return c.do(ctx, "/v1/password/confirm", req, nil)
}

func NewHTTPClient(baseURL string, httpClient *http.Client) *HTTPClient {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &HTTPClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
	}
}

// NewOAuth2HTTPClient authenticates the application with the OAuth2 client
// credentials grant. Tokens are fetched and refreshed on demand.
func NewOAuth2HTTPClient(baseURL, clientID, clientSecret, tokenURL string, scopes []string, timeout time.Duration) *HTTPClient {
	cc := &clientcredentials.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		TokenURL:     tokenURL,
		Scopes:       scopes,
	}
	ctx := context.WithValue(context.Background(), oauth2.HTTPClient, &http.Client{Timeout: timeout})
	httpClient := cc.Client(ctx)
	httpClient.Timeout = timeout
	return NewHTTPClient(baseURL, httpClient)
}

type apiKeyTransport struct {
	apiKey string
	base   http.RoundTripper
}

func (t *apiKeyTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	r := req.Clone(req.Context())
	r.Header.Set("X-Api-Key", t.apiKey)
	return t.base.RoundTrip(r)
}

func NewAPIKeyHTTPClient(baseURL, apiKey string, timeout time.Duration) *HTTPClient {
	return NewHTTPClient(baseURL, &http.Client{
		Timeout:   timeout,
		Transport: &apiKeyTransport{apiKey: apiKey, base: http.DefaultTransport},
	})
}
