package main

import (
	"context"
	"crypto/ecdsa"
	"math/big"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"

	"github.com/PISAresearch/pisa-sub003/chain"
	"github.com/PISAresearch/pisa-sub003/chainprovider"
	"github.com/PISAresearch/pisa-sub003/internal/errs"
)

// loadTowerKey reads a hex-encoded ECDSA private key from path, the
// responder wallet's signing key (§1 "the signing API used by the
// responder wallet" is an external collaborator; this is the concrete
// in-process implementation this binary ships).
func loadTowerKey(path string) (*ecdsa.PrivateKey, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errs.E(err)
	}
	hexKey := strings.TrimSpace(string(raw))
	hexKey = strings.TrimPrefix(hexKey, "0x")
	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, errs.E(err)
	}
	return key, nil
}

// walletSigner implements responder.Signer over an in-process ECDSA key,
// grounded on lnd/watchtower/wtserver's single shared signer.
type walletSigner struct {
	key     *ecdsa.PrivateKey
	chainID uint64
}

func newWalletSigner(key *ecdsa.PrivateKey, chainID uint64) *walletSigner {
	return &walletSigner{key: key, chainID: chainID}
}

func (s *walletSigner) address() chain.Address {
	return crypto.PubkeyToAddress(s.key.PublicKey)
}

func (s *walletSigner) SignTransaction(ctx context.Context, tx chain.Transaction) ([]byte, chain.Hash, error) {
	to := tx.To
	legacy := &types.LegacyTx{
		Nonce:    tx.Nonce,
		To:       &to,
		Value:    new(big.Int).SetUint64(tx.Value),
		Gas:      tx.GasLimit,
		GasPrice: new(big.Int).SetUint64(tx.GasPrice),
		Data:     tx.Data,
	}
	unsigned := types.NewTx(legacy)
	signer := types.NewEIP155Signer(new(big.Int).SetUint64(s.chainID))
	signed, err := types.SignTx(unsigned, signer, s.key)
	if err != nil {
		return nil, chain.Hash{}, errs.E(err)
	}
	raw, err := rlp.EncodeToBytes(signed)
	if err != nil {
		return nil, chain.Hash{}, errs.E(err)
	}
	return raw, signed.Hash(), nil
}

// chainGasEstimator implements responder.GasEstimator against a live
// provider's suggested gas price, bumping by 25% per retry the way
// lnd/sweep's fee function schedule steps up its fee rate.
type chainGasEstimator struct {
	provider *chainprovider.Provider
}

func newChainGasEstimator(p *chainprovider.Provider) *chainGasEstimator {
	return &chainGasEstimator{provider: p}
}

func (e *chainGasEstimator) EstimatePrice(ctx context.Context) (uint64, error) {
	return e.provider.SuggestGasPrice(ctx)
}

func (e *chainGasEstimator) BumpPrice(prev uint64) uint64 {
	bumped := prev + prev/4
	if bumped <= prev {
		bumped = prev + 1
	}
	return bumped
}
