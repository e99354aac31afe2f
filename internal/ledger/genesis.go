package ledger

import (
	"crypto/ed25519"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/crypto/blake2b"

	"github.com/veilcash/veild/internal/config"
)

// privateKeyFilePrefix names the per-witness signing key files created
// alongside the genesis data file.
const privateKeyFilePrefix = "private_signing_key_witness_"

// GenesisData is the decoded genesis data file.
type GenesisData struct {
	Blockchain uint64
	Params     ChainParams

	// BlockHash is the hash of everything after the tag and blockchain id;
	// it becomes the genesis block's oid.
	BlockHash []byte
}

// CreateGenesisFiles generates witness keypairs and writes the public
// genesis data file plus one private key file per witness.
func CreateGenesisFiles(dir string, blockchain uint64, nwitnesses, maxmal uint32) error {
	var buf []byte

	buf = binary.LittleEndian.AppendUint32(buf, config.GenesisFileTag)
	buf = binary.LittleEndian.AppendUint64(buf, blockchain)
	buf = binary.LittleEndian.AppendUint32(buf, nwitnesses)
	buf = binary.LittleEndian.AppendUint32(buf, maxmal)

	for i := uint32(0); i < nwitnesses; i++ {
		pub, priv, err := ed25519.GenerateKey(nil)
		if err != nil {
			return fmt.Errorf("ledger: generating witness %d key: %w", i, err)
		}

		buf = append(buf, pub...)

		keyPath := filepath.Join(dir, fmt.Sprintf("%s%d.dat", privateKeyFilePrefix, i))
		if err := os.WriteFile(keyPath, priv, 0600); err != nil {
			return fmt.Errorf("ledger: writing witness %d key file: %w", i, err)
		}
	}

	if err := os.WriteFile(filepath.Join(dir, "genesis.dat"), buf, 0644); err != nil {
		return fmt.Errorf("ledger: writing genesis data file: %w", err)
	}

	return nil
}

// LoadGenesisFile reads and hashes a genesis data file.
func LoadGenesisFile(path string) (*GenesisData, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("ledger: opening genesis data file: %w", err)
	}

	const fixed = 4 + 8 + 4 + 4
	if len(data) < fixed {
		return nil, fmt.Errorf("ledger: genesis data file too short")
	}

	if binary.LittleEndian.Uint32(data[0:4]) != config.GenesisFileTag {
		return nil, fmt.Errorf("ledger: invalid genesis data file tag")
	}

	g := &GenesisData{
		Blockchain: binary.LittleEndian.Uint64(data[4:12]),
	}

	nwitnesses := int(binary.LittleEndian.Uint32(data[12:16]))
	maxmal := int(binary.LittleEndian.Uint32(data[16:20]))

	if nwitnesses <= 0 || nwitnesses > config.MaxConfSigs {
		return nil, fmt.Errorf("ledger: genesis nwitnesses %d out of range", nwitnesses)
	}

	want := fixed + nwitnesses*ed25519.PublicKeySize
	if len(data) != want {
		return nil, fmt.Errorf("ledger: genesis data file is %d bytes, want %d", len(data), want)
	}

	h, _ := blake2b.New256(nil)
	h.Write(data[12:])
	g.BlockHash = h.Sum(nil)

	g.Params = ChainParams{
		Nwitnesses:     nwitnesses,
		Maxmal:         maxmal,
		NextNwitnesses: nwitnesses,
		NextMaxmal:     maxmal,
	}

	for i := 0; i < nwitnesses; i++ {
		off := fixed + i*ed25519.PublicKeySize
		key := make([]byte, ed25519.PublicKeySize)
		copy(key, data[off:off+ed25519.PublicKeySize])
		g.Params.SigningKeys = append(g.Params.SigningKeys, key)
	}

	g.Params.SetConfSigs()

	return g, nil
}

// LoadWitnessKey reads the private signing key file of one witness.
func LoadWitnessKey(dir string, index int) (ed25519.PrivateKey, error) {
	path := filepath.Join(dir, fmt.Sprintf("%s%d.dat", privateKeyFilePrefix, index))

	key, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("ledger: reading witness key file: %w", err)
	}
	if len(key) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("ledger: witness key file is %d bytes, want %d", len(key), ed25519.PrivateKeySize)
	}

	return ed25519.PrivateKey(key), nil
}

// GenesisBlock builds the in-memory genesis block from the genesis data.
func GenesisBlock(g *GenesisData) *Block {
	b := &Block{}
	b.Params = g.Params
	b.Oid = append([]byte(nil), g.BlockHash...)
	b.TotalDonations = newBig()
	b.Wire.PriorOid = make([]byte, config.OidBytes)
	return b
}
