package verification

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/kadirpekel/chatgate/pkg/config"
	"github.com/kadirpekel/chatgate/pkg/httpclient"
)

// ProofVerifier checks a challenge token with the issuing provider.
type ProofVerifier interface {
	// VerifyProof returns false with a nil error for a rejected token. An
	// error means the provider could not answer.
	VerifyProof(ctx context.Context, token, remoteIP string) (bool, error)
}

// ProofVerifierFunc adapts a function to ProofVerifier.
type ProofVerifierFunc func(ctx context.Context, token, remoteIP string) (bool, error)

func (f ProofVerifierFunc) VerifyProof(ctx context.Context, token, remoteIP string) (bool, error) {
	return f(ctx, token, remoteIP)
}

// NewVerifier builds the verifier named by cfg. Provider "none" yields a
// nil verifier: every Verify call then fails with ErrNoVerifier.
func NewVerifier(cfg config.ChallengeConfig, logger *slog.Logger) (ProofVerifier, error) {
	switch cfg.Provider {
	case "none", "":
		return nil, nil
	case "turnstile":
		return NewTurnstileVerifier(cfg, logger), nil
	default:
		return nil, fmt.Errorf("unknown challenge provider %q", cfg.Provider)
	}
}

// TurnstileVerifier validates Cloudflare Turnstile tokens against the
// siteverify endpoint.
type TurnstileVerifier struct {
	endpoint string
	secret   string
	client   *httpclient.Client
}

// NewTurnstileVerifier creates a verifier from cfg.
func NewTurnstileVerifier(cfg config.ChallengeConfig, logger *slog.Logger) *TurnstileVerifier {
	if logger == nil {
		logger = slog.Default()
	}
	opts := []httpclient.Option{
		httpclient.WithTimeout(cfg.Timeout),
		httpclient.WithMaxRetries(cfg.MaxRetries),
		httpclient.WithLogger(logger.With("component", "turnstile")),
	}
	if cfg.CACertificate != "" {
		opts = append(opts, httpclient.WithTLSConfig(&httpclient.TLSConfig{CACertificate: cfg.CACertificate}))
	}
	return &TurnstileVerifier{
		endpoint: cfg.VerifyURL,
		secret:   cfg.SecretKey,
		client:   httpclient.New(opts...),
	}
}

type siteverifyResponse struct {
	Success    bool     `json:"success"`
	ErrorCodes []string `json:"error-codes"`
	Hostname   string   `json:"hostname"`
}

// VerifyProof posts the token to siteverify.
func (v *TurnstileVerifier) VerifyProof(ctx context.Context, token, remoteIP string) (bool, error) {
	form := url.Values{
		"secret":   {v.secret},
		"response": {token},
	}
	if remoteIP != "" {
		form.Set("remoteip", remoteIP)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return false, fmt.Errorf("failed to build siteverify request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := v.client.Do(req)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
		}
		return false, fmt.Errorf("siteverify request failed: %w", err)
	}
	defer resp.Body.Close()

	var out siteverifyResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return false, fmt.Errorf("failed to decode siteverify response: %w", err)
	}

	if !out.Success {
		if hasInternalError(out.ErrorCodes) {
			return false, errors.New("siteverify internal error")
		}
		return false, nil
	}
	return true, nil
}

func hasInternalError(codes []string) bool {
	for _, c := range codes {
		if c == "internal-error" {
			return true
		}
	}
	return false
}
