package nodecfg

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/cshcomcom/ain-blockchain/types"
)

// GenesisDoc is the on-disk genesis file: the validator set a chain
// starts from. Marshaled with encoding/json, the module's wire codec
// throughout, matching spec.md section 3's block.validators shape.
type GenesisDoc struct {
	ChainID    string                 `json:"chainId"`
	Validators []types.ValidatorStake `json:"validators"`
}

// LoadGenesisDoc reads and validates a genesis file.
func LoadGenesisDoc(path string) (*GenesisDoc, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading genesis file %s: %w", path, err)
	}
	var doc GenesisDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing genesis file %s: %w", path, err)
	}
	if _, err := types.NewValidatorSet(doc.Validators); err != nil {
		return nil, fmt.Errorf("invalid genesis validator set: %w", err)
	}
	return &doc, nil
}

// SaveGenesisDoc writes a genesis file, used by the init command.
func SaveGenesisDoc(path string, doc *GenesisDoc) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// GenesisBlock builds the chain's genesis block from a loaded doc.
func (d *GenesisDoc) GenesisBlock() *types.Block {
	return types.NewGenesisBlock(d.Validators)
}
