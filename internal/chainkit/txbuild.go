package chainkit

import (
	"crypto/ecdsa"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	appErrors "github.com/nnlgsakib/crypto-manager-engine/internal/errors"
)

// batchProcessorABI packs calls against the fixed batch-processor
// contract surface named in spec §6:
//
//	processBatchNative(address[] recipients, uint256[] amounts) payable
//	processBatchErc20(address token, address[] recipients, uint256[] amounts)
//
// Packed the same way the teacher packs its withdraw-intent calldata
// (blockchain_transaction_service.go's mustType/abi.Arguments idiom),
// against a two-method abi.ABI rather than a generated binding since
// no contract ABI JSON ships in the pack for this surface.
var batchProcessorABI abi.ABI

func init() {
	addressSliceType, _ := abi.NewType("address[]", "", nil)
	uint256SliceType, _ := abi.NewType("uint256[]", "", nil)
	addressType, _ := abi.NewType("address", "", nil)

	batchProcessorABI = abi.ABI{
		Methods: map[string]abi.Method{
			"processBatchNative": abi.NewMethod("processBatchNative", "processBatchNative", abi.Function, "payable", false, true,
				abi.Arguments{
					{Name: "recipients", Type: addressSliceType},
					{Name: "amounts", Type: uint256SliceType},
				},
				abi.Arguments{}),
			"processBatchErc20": abi.NewMethod("processBatchErc20", "processBatchErc20", abi.Function, "nonpayable", false, false,
				abi.Arguments{
					{Name: "token", Type: addressType},
					{Name: "recipients", Type: addressSliceType},
					{Name: "amounts", Type: uint256SliceType},
				},
				abi.Arguments{}),
		},
	}
}

// PackProcessBatchNative encodes a native-currency batch settlement
// call.
func PackProcessBatchNative(recipients []common.Address, amounts []*big.Int) ([]byte, error) {
	data, err := batchProcessorABI.Pack("processBatchNative", recipients, amounts)
	if err != nil {
		return nil, appErrors.New(appErrors.KindConfiguration, "chainkit.PackProcessBatchNative", err)
	}
	return data, nil
}

// PackProcessBatchErc20 encodes an ERC-20 batch settlement call.
func PackProcessBatchErc20(token common.Address, recipients []common.Address, amounts []*big.Int) ([]byte, error) {
	data, err := batchProcessorABI.Pack("processBatchErc20", token, recipients, amounts)
	if err != nil {
		return nil, appErrors.New(appErrors.KindConfiguration, "chainkit.PackProcessBatchErc20", err)
	}
	return data, nil
}

// PackErc20Transfer encodes a plain ERC-20 transfer(address,uint256)
// call, used for the gas-funding top-up's counterpart: sweeping a
// user's token balance into the hot wallet.
func PackErc20Transfer(to common.Address, amount *big.Int) ([]byte, error) {
	data, err := erc20ABI.Pack("transfer", to, amount)
	if err != nil {
		return nil, appErrors.New(appErrors.KindConfiguration, "chainkit.PackErc20Transfer", err)
	}
	return data, nil
}

// PackApprove encodes an ERC-20 approve(spender, amount) call, used to
// raise the batch processor's allowance before a token settlement
// (spec §4.5 step 6).
func PackApprove(spender common.Address, amount *big.Int) ([]byte, error) {
	data, err := erc20ABI.Pack("approve", spender, amount)
	if err != nil {
		return nil, appErrors.New(appErrors.KindConfiguration, "chainkit.PackApprove", err)
	}
	return data, nil
}

// BuildAndSignLegacyTx builds a legacy (non-EIP-1559) transaction and
// signs it with priv, following the teacher's
// types.NewEIP155Signer(chainID) + types.SignTx idiom
// (blockchain_transaction_service.go). Legacy transactions are used
// throughout rather than dynamic-fee ones: every submission this system
// makes (batch-processor calls, sweeps, approve calls and gas top-ups)
// is priced with a flat gas-price multiplier.
func BuildAndSignLegacyTx(chainID int64, nonce uint64, to common.Address, value *big.Int, gasLimit uint64, gasPrice *big.Int, data []byte, priv *ecdsa.PrivateKey) (SignedTx, error) {
	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &to,
		Value:    value,
		Gas:      gasLimit,
		GasPrice: gasPrice,
		Data:     data,
	})

	signer := types.NewEIP155Signer(big.NewInt(chainID))
	signedTx, err := types.SignTx(tx, signer, priv)
	if err != nil {
		return SignedTx{}, appErrors.New(appErrors.KindConfiguration, "chainkit.BuildAndSignLegacyTx", err)
	}

	raw, err := signedTx.MarshalBinary()
	if err != nil {
		return SignedTx{}, appErrors.New(appErrors.KindConfiguration, "chainkit.BuildAndSignLegacyTx", err)
	}

	return SignedTx{Raw: raw, Hash: signedTx.Hash().Hex()}, nil
}

// WithGasBuffer applies the 1.2x buffer spec §4.5 step 5 requires
// before submitting a batch settlement call.
func WithGasBuffer(estimated uint64) uint64 {
	return estimated * 12 / 10
}
