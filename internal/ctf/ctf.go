// Package ctf implements C10 CTFOps: the thin on-chain adapter
// DipArbEngine and RotationScheduler call to merge a completed UP+DOWN
// pair into collateral, redeem a resolved pair for its payout, and read
// position balances and market resolution directly from the Conditional
// Tokens Framework contract rather than the CLOB's REST mirror of it.
//
// Every call here builds and signs a raw transaction by hand — no
// contract binding is generated — the same way a direct Polygon
// integration packs ABI calldata and submits it: abi.Pack the call,
// types.NewTransaction, sign with EIP-155, send, and bind.WaitMined for
// one confirmation.
package ctf

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/shopspring/decimal"
)

// Polygon mainnet contract addresses for the Conditional Tokens
// Framework and its collateral (USDC.e), shared across every market.
const (
	ctfContractAddress = "0x4D97DCd97eC945f40cF65F87097ACe5EA0476045"
	usdcAddress        = "0x2791Bca1f2de4661ED88A30C99A7a9449Aa84174"
	gasLimit           = uint64(300000)
)

const ctfABIJSON = `[
	{"name":"mergePositions","type":"function","stateMutability":"nonpayable",
	 "inputs":[{"name":"collateralToken","type":"address"},{"name":"parentCollectionId","type":"bytes32"},
	           {"name":"conditionId","type":"bytes32"},{"name":"partition","type":"uint256[]"},{"name":"amount","type":"uint256"}],
	 "outputs":[]},
	{"name":"redeemPositions","type":"function","stateMutability":"nonpayable",
	 "inputs":[{"name":"collateralToken","type":"address"},{"name":"parentCollectionId","type":"bytes32"},
	           {"name":"conditionId","type":"bytes32"},{"name":"indexSets","type":"uint256[]"}],
	 "outputs":[]},
	{"name":"payoutDenominator","type":"function","stateMutability":"view",
	 "inputs":[{"name":"conditionId","type":"bytes32"}],
	 "outputs":[{"name":"","type":"uint256"}]},
	{"name":"balanceOf","type":"function","stateMutability":"view",
	 "inputs":[{"name":"owner","type":"address"},{"name":"id","type":"uint256"}],
	 "outputs":[{"name":"","type":"uint256"}]}
]`

// ethClient is the slice of *ethclient.Client this package calls,
// narrowed so a fake can stand in for tests.
type ethClient interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// Client is the concrete CTFOps adapter (C10).
type Client struct {
	eth        ethClient
	ctfABI     abi.ABI
	privateKey *ecdsa.PrivateKey
	address    common.Address
	chainID    *big.Int
}

// Dial connects to a Polygon JSON-RPC endpoint and returns an
// *ethclient.Client suitable for New. Split out from New so tests can
// construct a Client directly against a fake ethClient.
func Dial(ctx context.Context, rpcURL string) (*ethclient.Client, error) {
	c, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("ctf: dial %s: %w", rpcURL, err)
	}
	return c, nil
}

// New constructs a Client signing transactions with privateKey.
func New(eth ethClient, privateKey *ecdsa.PrivateKey, chainID int) (*Client, error) {
	parsed, err := abi.JSON(strings.NewReader(ctfABIJSON))
	if err != nil {
		return nil, fmt.Errorf("ctf: parse abi: %w", err)
	}

	return &Client{
		eth:        eth,
		ctfABI:     parsed,
		privateKey: privateKey,
		address:    crypto.PubkeyToAddress(privateKey.PublicKey),
		chainID:    big.NewInt(int64(chainID)),
	}, nil
}

// GetAddress returns the signer's on-chain address.
func (c *Client) GetAddress() common.Address {
	return c.address
}

// MergePairs merges shares of each outcome in conditionID back into
// USDC collateral, called once a round completes both legs at or under
// parity (spec §4.8's post-completion merge).
func (c *Client) MergePairs(ctx context.Context, conditionID string, shares decimal.Decimal) error {
	amount := sharesToOnChainAmount(shares)
	partition := []*big.Int{big.NewInt(1), big.NewInt(2)}

	data, err := c.ctfABI.Pack("mergePositions",
		common.HexToAddress(usdcAddress),
		common.Hash{},
		common.HexToHash(conditionID),
		partition,
		amount,
	)
	if err != nil {
		return fmt.Errorf("ctf: pack mergePositions: %w", err)
	}

	return c.sendAndWait(ctx, data)
}

// RedeemByTokenIds redeems a resolved condition's outcome tokens for
// their USDC payout. indexSets selects which outcome slots to redeem —
// {1} for UP only, {2} for DOWN only, {1,2} for both.
func (c *Client) RedeemByTokenIds(ctx context.Context, conditionID string, indexSets []int) error {
	sets := make([]*big.Int, len(indexSets))
	for i, v := range indexSets {
		sets[i] = big.NewInt(int64(v))
	}

	data, err := c.ctfABI.Pack("redeemPositions",
		common.HexToAddress(usdcAddress),
		common.Hash{},
		common.HexToHash(conditionID),
		sets,
	)
	if err != nil {
		return fmt.Errorf("ctf: pack redeemPositions: %w", err)
	}

	return c.sendAndWait(ctx, data)
}

// GetMarketResolution reads the CTF contract directly for whether a
// condition has been resolved, distinct from restclient.Client's REST
// mirror of the same fact — this is the authoritative on-chain read
// RotationScheduler's redeem loop uses before attempting a redemption.
func (c *Client) GetMarketResolution(ctx context.Context, conditionID string) (resolved bool, err error) {
	data, err := c.ctfABI.Pack("payoutDenominator", common.HexToHash(conditionID))
	if err != nil {
		return false, fmt.Errorf("ctf: pack payoutDenominator: %w", err)
	}

	out, err := c.call(ctx, data)
	if err != nil {
		return false, err
	}

	results, err := c.ctfABI.Unpack("payoutDenominator", out)
	if err != nil {
		return false, fmt.Errorf("ctf: unpack payoutDenominator: %w", err)
	}
	denom, ok := results[0].(*big.Int)
	if !ok {
		return false, fmt.Errorf("ctf: unexpected payoutDenominator result type")
	}

	return denom.Sign() > 0, nil
}

// GetPositionBalance reads the ERC-1155 balance of tokenID held by this
// client's address directly from the CTF contract.
func (c *Client) GetPositionBalance(ctx context.Context, tokenID string) (decimal.Decimal, error) {
	id, ok := new(big.Int).SetString(tokenID, 10)
	if !ok {
		return decimal.Zero, fmt.Errorf("ctf: invalid token id %q", tokenID)
	}

	data, err := c.ctfABI.Pack("balanceOf", c.address, id)
	if err != nil {
		return decimal.Zero, fmt.Errorf("ctf: pack balanceOf: %w", err)
	}

	out, err := c.call(ctx, data)
	if err != nil {
		return decimal.Zero, err
	}

	results, err := c.ctfABI.Unpack("balanceOf", out)
	if err != nil {
		return decimal.Zero, fmt.Errorf("ctf: unpack balanceOf: %w", err)
	}
	bal, ok := results[0].(*big.Int)
	if !ok {
		return decimal.Zero, fmt.Errorf("ctf: unexpected balanceOf result type")
	}

	return onChainAmountToShares(bal), nil
}

func (c *Client) call(ctx context.Context, data []byte) ([]byte, error) {
	to := common.HexToAddress(ctfContractAddress)
	return c.eth.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
}

func (c *Client) sendAndWait(ctx context.Context, data []byte) error {
	nonce, err := c.eth.PendingNonceAt(ctx, c.address)
	if err != nil {
		return fmt.Errorf("ctf: nonce: %w", err)
	}

	gasPrice, err := c.eth.SuggestGasPrice(ctx)
	if err != nil {
		return fmt.Errorf("ctf: gas price: %w", err)
	}

	to := common.HexToAddress(ctfContractAddress)
	tx := types.NewTransaction(nonce, to, big.NewInt(0), gasLimit, gasPrice, data)

	signed, err := types.SignTx(tx, types.NewEIP155Signer(c.chainID), c.privateKey)
	if err != nil {
		return fmt.Errorf("ctf: sign tx: %w", err)
	}

	if err := c.eth.SendTransaction(ctx, signed); err != nil {
		return fmt.Errorf("ctf: send tx: %w", err)
	}

	receipt, err := bind.WaitMined(ctx, waitMinedBackend{c.eth}, signed)
	if err != nil {
		return fmt.Errorf("ctf: wait mined: %w", err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return fmt.Errorf("ctf: transaction %s reverted", signed.Hash().Hex())
	}
	return nil
}

// waitMinedBackend adapts ethClient to bind.DeployBackend, which
// bind.WaitMined needs for its polling loop.
type waitMinedBackend struct {
	ethClient
}

func (w waitMinedBackend) CodeAt(ctx context.Context, account common.Address, blockNumber *big.Int) ([]byte, error) {
	return nil, nil
}

// onChainScale is USDC's and every CTF outcome token's decimal scale.
const onChainScale = 1_000_000

func sharesToOnChainAmount(shares decimal.Decimal) *big.Int {
	scaled := shares.Mul(decimal.NewFromInt(onChainScale))
	return scaled.BigInt()
}

func onChainAmountToShares(amount *big.Int) decimal.Decimal {
	return decimal.NewFromBigInt(amount, 0).Div(decimal.NewFromInt(onChainScale))
}

// ReconcilePairs scans a set of UP/DOWN token ID pairs for pre-existing
// mergeable balances — the mandatory startup reconciliation scan (§4.9,
// §4.10): a prior crash can leave a merge or redeem unexecuted even
// though the position itself survived on-chain. Any condition with a
// nonzero balance on both legs is merged for the smaller of the two
// balances.
func (c *Client) ReconcilePairs(ctx context.Context, pairs map[string][2]string) (merged int, err error) {
	for conditionID, tokenIDs := range pairs {
		upBal, err := c.GetPositionBalance(ctx, tokenIDs[0])
		if err != nil {
			return merged, fmt.Errorf("ctf: reconcile %s: up balance: %w", conditionID, err)
		}
		downBal, err := c.GetPositionBalance(ctx, tokenIDs[1])
		if err != nil {
			return merged, fmt.Errorf("ctf: reconcile %s: down balance: %w", conditionID, err)
		}

		shares := decimal.Min(upBal, downBal)
		if shares.IsZero() {
			continue
		}

		if err := c.MergePairs(ctx, conditionID, shares); err != nil {
			return merged, fmt.Errorf("ctf: reconcile %s: merge: %w", conditionID, err)
		}
		merged++
	}
	return merged, nil
}
