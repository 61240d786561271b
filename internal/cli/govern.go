package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/vietddude/bridge/internal/consensus"
	"github.com/vietddude/bridge/internal/core/config"
	"github.com/vietddude/bridge/internal/core/domain"
	"github.com/vietddude/bridge/internal/governor"
)

var nodeURL string

var haltCmd = &cobra.Command{
	Use:   "halt [nonce]",
	Short: "Sign and submit an emergency halt with the locally seeded validators",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		runGovern(domain.ActionHalt, args[0])
	},
}

var resumeCmd = &cobra.Command{
	Use:   "resume [nonce]",
	Short: "Sign and submit a resume with the locally seeded validators",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		runGovern(domain.ActionResume, args[0])
	},
}

func init() {
	haltCmd.Flags().StringVar(&nodeURL, "node", "http://localhost:8080", "bridge node base URL")
	resumeCmd.Flags().StringVar(&nodeURL, "node", "http://localhost:8080", "bridge node base URL")
	rootCmd.AddCommand(haltCmd)
	rootCmd.AddCommand(resumeCmd)
}

// runGovern signs the proposal digest with every validator whose seed is in
// the local config, then submits the action to the node's command surface.
// Supermajority enforcement stays on the node; a config with too few seeds
// simply gets rejected there.
func runGovern(action domain.GovernorAction, nonceArg string) {
	nonce, err := strconv.ParseUint(nonceArg, 10, 64)
	if err != nil {
		fmt.Printf("Invalid nonce: %v\n", err)
		os.Exit(1)
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}

	keys := consensus.NewStaticKeyProvider()
	engine := consensus.NewEngine(keys)
	digest := governor.ProposalDigest(action, nonce)

	var sigs []domain.ValidatorSignature
	for _, vc := range cfg.Validators {
		if vc.SeedHex == "" {
			continue
		}
		if err := keys.RotateFromSeed(vc.ID, vc.Algorithm, vc.SeedHex); err != nil {
			slog.Error("Failed to load validator key", "validator", vc.ID, "error", err)
			os.Exit(1)
		}
		sig, err := engine.SignDigest(digest, vc.ID)
		if err != nil {
			slog.Error("Failed to sign proposal", "validator", vc.ID, "error", err)
			os.Exit(1)
		}
		sigs = append(sigs, sig)
	}
	if len(sigs) == 0 {
		fmt.Println("No validator seeds in config; nothing to sign with")
		os.Exit(1)
	}

	body, _ := json.Marshal(map[string]any{
		"command": string(action),
		"params": map[string]any{
			"nonce":      nonce,
			"signatures": sigs,
		},
	})

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Post(nodeURL+"/commands", "application/json", bytes.NewReader(body))
	if err != nil {
		slog.Error("Failed to reach node", "error", err)
		os.Exit(1)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	out, _ := io.ReadAll(resp.Body)
	fmt.Printf("%s\n", out)
	if resp.StatusCode != http.StatusOK {
		os.Exit(1)
	}
}
