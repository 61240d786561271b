// Package evm implements a chain connector for EVM-style destination
// chains, speaking JSON over HTTP to a bridge relay endpoint.
package evm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	logger "log/slog"
	"net/http"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/vietddude/bridge/internal/core/domain"
	"github.com/vietddude/bridge/internal/infra/chain"
)

type Connector struct {
	chainID domain.ChainID
	format  domain.ChainFormat
	baseURL string
	client  *http.Client
	log     *logger.Logger
}

func NewConnector(chainID domain.ChainID, format domain.ChainFormat, baseURL string, log *logger.Logger) *Connector {
	return &Connector{
		chainID: chainID,
		format:  format,
		baseURL: baseURL,
		client:  &http.Client{Timeout: 30 * time.Second},
		log:     log.With("component", "evm-connector", "chain_id", string(chainID)),
	}
}

func (c *Connector) GetChainID() domain.ChainID    { return c.chainID }
func (c *Connector) GetKind() domain.ChainKind     { return domain.ChainKindEVM }
func (c *Connector) GetFormat() domain.ChainFormat { return c.format }

// SubmitMint posts a mint instruction to the relay. Transient HTTP failures
// are retried with exponential backoff; 4xx responses are not.
func (c *Connector) SubmitMint(ctx context.Context, instr *chain.MintInstruction) (string, error) {
	return c.submit(ctx, "/bridge/mint", instr)
}

// SubmitUnlock posts an unlock instruction to the relay.
func (c *Connector) SubmitUnlock(ctx context.Context, instr *chain.UnlockInstruction) (string, error) {
	return c.submit(ctx, "/bridge/unlock", instr)
}

type submitResponse struct {
	TxHash string `json:"tx_hash"`
	Error  string `json:"error,omitempty"`
}

func (c *Connector) submit(ctx context.Context, path string, payload any) (string, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to encode instruction: %w", err)
	}

	var txHash string
	backoff := retry.WithMaxRetries(4, retry.NewExponential(500*time.Millisecond))
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.client.Do(req)
		if err != nil {
			return retry.RetryableError(err)
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return retry.RetryableError(err)
		}
		if resp.StatusCode >= 500 {
			return retry.RetryableError(fmt.Errorf("relay returned %d: %s", resp.StatusCode, data))
		}
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("relay rejected instruction: %d: %s", resp.StatusCode, data)
		}

		var out submitResponse
		if err := json.Unmarshal(data, &out); err != nil {
			return fmt.Errorf("invalid relay response: %w", err)
		}
		if out.Error != "" {
			return fmt.Errorf("relay error: %s", out.Error)
		}
		txHash = out.TxHash
		return nil
	})
	if err != nil {
		return "", err
	}

	c.log.Info("instruction submitted", "path", path, "tx_hash", txHash)
	return txHash, nil
}

type headResponse struct {
	Height    uint64 `json:"height"`
	Timestamp uint64 `json:"timestamp"`
}

// GetChainHead fetches the relay's view of the chain tip.
func (c *Connector) GetChainHead(ctx context.Context) (domain.ChainHead, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/chain/head", nil)
	if err != nil {
		return domain.ChainHead{}, err
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return domain.ChainHead{}, fmt.Errorf("failed to get chain head: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return domain.ChainHead{}, fmt.Errorf("chain head returned %d", resp.StatusCode)
	}

	var out headResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return domain.ChainHead{}, fmt.Errorf("invalid chain head response: %w", err)
	}
	return domain.ChainHead{Height: out.Height, Timestamp: out.Timestamp}, nil
}

// Health checks relay reachability.
func (c *Connector) Health(ctx context.Context) error {
	_, err := c.GetChainHead(ctx)
	return err
}
