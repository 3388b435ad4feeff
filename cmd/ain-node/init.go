package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/cshcomcom/ain-blockchain/nodecfg"
	"github.com/cshcomcom/ain-blockchain/privval"
	"github.com/cshcomcom/ain-blockchain/types"
)

func initCommand() *cobra.Command {
	var (
		dataDir string
		stake   int64
	)
	c := &cobra.Command{
		Use:   "init",
		Short: "Generates a validator key and a single-validator genesis file",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInit(dataDir, stake)
		},
	}
	c.Flags().StringVar(&dataDir, "data-dir", "./data", "directory to write the key, state and genesis files into")
	c.Flags().Int64Var(&stake, "stake", 100, "stake weight assigned to this node's validator in the generated genesis")
	return c
}

func runInit(dataDir string, stake int64) error {
	keyPath := filepath.Join(dataDir, "priv_validator_key.json")
	statePath := filepath.Join(dataDir, "priv_validator_state.json")
	signer, err := privval.LoadOrGenFilePV(keyPath, statePath)
	if err != nil {
		return fmt.Errorf("generating validator key: %w", err)
	}

	genesisPath := filepath.Join(dataDir, "genesis.json")
	doc := &nodecfg.GenesisDoc{
		ChainID: "ain-local",
		Validators: []types.ValidatorStake{
			{Address: signer.GetAddress(), PublicKey: signer.GetPublicKey(), Stake: stake},
		},
	}
	if err := nodecfg.SaveGenesisDoc(genesisPath, doc); err != nil {
		return fmt.Errorf("writing genesis file: %w", err)
	}

	fmt.Printf("validator address: %s\n", signer.GetAddress())
	fmt.Printf("wrote %s\n", keyPath)
	fmt.Printf("wrote %s\n", genesisPath)
	return nil
}
