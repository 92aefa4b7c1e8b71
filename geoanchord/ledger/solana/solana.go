// Copyright (c) 2017-2026 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package solana

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/decred/geoanchor/geoanchord/ledger"
	solanago "github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/gagliardetto/solana-go/rpc/jsonrpc"
)

const (
	// DefaultConfirmTimeout is how long Write waits for confirmation.
	DefaultConfirmTimeout = 60 * time.Second

	// MaxBlockhashAge bounds how long after confirmation was given up a
	// sent transaction may still land.  Its blockhash expires by then.
	MaxBlockhashAge = 2 * time.Minute

	defaultPollInterval = 500 * time.Millisecond

	commitment = rpc.CommitmentConfirmed
)

var _ ledger.Ledger = (*Client)(nil)

// Client talks to a ledger node over JSON-RPC and reads and writes the
// anchor accounts of a single program.
type Client struct {
	rpc            *rpc.Client
	programID      ledger.Address
	confirmTimeout time.Duration
	pollInterval   time.Duration
}

// accountExists returns true if a node error describes an account that
// is already allocated.
func accountExists(msg string) bool {
	return strings.Contains(msg, "already in use")
}

// ProgramID returns the program owning the anchor accounts.
func (c *Client) ProgramID() ledger.Address {
	return c.programID
}

// Anchors returns every anchor account owned by the program.
func (c *Client) Anchors(ctx context.Context) ([]*ledger.Anchor, error) {
	accounts, err := c.rpc.GetProgramAccountsWithOpts(ctx,
		solanago.PublicKey(c.programID), &rpc.GetProgramAccountsOpts{
			Commitment: commitment,
			Encoding:   solanago.EncodingBase64,
			Filters: []rpc.RPCFilter{{
				Memcmp: &rpc.RPCFilterMemcmp{
					Offset: 0,
					Bytes:  solanago.Base58(ledger.AccountDiscriminator[:]),
				},
			}},
		})
	switch {
	case errors.Is(err, rpc.ErrNotFound):
		return nil, nil
	case err != nil:
		return nil, err
	}

	anchors := make([]*ledger.Anchor, 0, len(accounts))
	for _, v := range accounts {
		address := ledger.Address(v.Pubkey)
		if v.Account == nil || v.Account.Data == nil {
			log.Debugf("Anchors: skipping %v: no data", address)
			continue
		}
		a, err := ledger.DecodeAccount(address, v.Account.Data.GetBinary())
		if err != nil {
			log.Debugf("Anchors: skipping %v: %v", address, err)
			continue
		}
		anchors = append(anchors, a)
	}
	return anchors, nil
}

// Anchor returns the anchor account at address.
func (c *Client) Anchor(ctx context.Context, address ledger.Address) (*ledger.Anchor, error) {
	reply, err := c.rpc.GetAccountInfoWithOpts(ctx,
		solanago.PublicKey(address), &rpc.GetAccountInfoOpts{
			Commitment: commitment,
			Encoding:   solanago.EncodingBase64,
		})
	switch {
	case errors.Is(err, rpc.ErrNotFound):
		return nil, ledger.ErrAnchorNotFound
	case err != nil:
		return nil, err
	case reply.Value == nil || reply.Value.Data == nil:
		return nil, ledger.ErrAnchorNotFound
	}
	if reply.Value.Owner != solanago.PublicKey(c.programID) {
		return nil, fmt.Errorf("account %v owned by %v", address,
			reply.Value.Owner)
	}
	return ledger.DecodeAccount(address, reply.Value.Data.GetBinary())
}

// confirm polls the signature status until the transaction is confirmed,
// fails, or the confirmation timeout expires.
func (c *Client) confirm(ctx context.Context, signature solanago.Signature) error {
	ctx, cancel := context.WithTimeout(ctx, c.confirmTimeout)
	defer cancel()

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		reply, err := c.rpc.GetSignatureStatuses(ctx, true, signature)
		switch {
		case err != nil:
			log.Debugf("confirm %v: %v", signature, err)
		case len(reply.Value) == 1 && reply.Value[0] != nil:
			s := reply.Value[0]
			if s.Err != nil {
				e := fmt.Sprint(s.Err)
				if accountExists(e) {
					return ledger.ErrAccountExists
				}
				return fmt.Errorf("transaction %v failed: %v",
					signature, e)
			}
			switch s.ConfirmationStatus {
			case rpc.ConfirmationStatusConfirmed,
				rpc.ConfirmationStatusFinalized:
				return nil
			}
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: transaction %v not confirmed: %v",
				ledger.ErrAmbiguous, signature, ctx.Err())
		case <-ticker.C:
		}
	}
}

// saveTransaction builds and signs the save_geo_json transaction creating
// the anchor account at address.
func (c *Client) saveTransaction(signer *ledger.Signer, address ledger.Address, blockhash solanago.Hash, data []byte) (*solanago.Transaction, error) {
	payer := solanago.PublicKey(signer.Public())
	ix := solanago.NewInstruction(solanago.PublicKey(c.programID),
		solanago.AccountMetaSlice{
			solanago.NewAccountMeta(payer, true, true),
			solanago.NewAccountMeta(solanago.PublicKey(address), true,
				false),
			solanago.NewAccountMeta(solanago.SystemProgramID, false,
				false),
		}, data)
	tx, err := solanago.NewTransaction([]solanago.Instruction{ix},
		blockhash, solanago.TransactionPayer(payer))
	if err != nil {
		return nil, err
	}

	key := signer.PrivateKey()
	_, err = tx.Sign(func(k solanago.PublicKey) *solanago.PrivateKey {
		if k == payer {
			return &key
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return tx, nil
}

// Write submits a save_geo_json transaction creating the anchor account
// at address and waits for it to be confirmed.  Failures before the
// transaction was sent and errors returned by the node are definitive.
// Transport failures while sending and missing confirmation are
// ambiguous.
func (c *Client) Write(ctx context.Context, signer *ledger.Signer, address ledger.Address, payload string, recordID string) (*ledger.Receipt, error) {
	latest, err := c.rpc.GetLatestBlockhash(ctx, commitment)
	if err != nil {
		return nil, fmt.Errorf("latest blockhash: %v", err)
	}
	if latest.Value == nil {
		return nil, errors.New("latest blockhash: empty reply")
	}

	tx, err := c.saveTransaction(signer, address, latest.Value.Blockhash,
		ledger.EncodeSaveInstruction(payload, recordID))
	if err != nil {
		return nil, err
	}
	signature := tx.Signatures[0]

	sent, err := c.rpc.SendTransactionWithOpts(ctx, tx, rpc.TransactionOpts{
		PreflightCommitment: commitment,
	})
	if err != nil {
		var rpcErr *jsonrpc.RPCError
		if !errors.As(err, &rpcErr) {
			return nil, fmt.Errorf("%w: send %v: %v",
				ledger.ErrAmbiguous, signature, err)
		}
		if accountExists(rpcErr.Message) ||
			accountExists(fmt.Sprint(rpcErr.Data)) {
			return nil, fmt.Errorf("%v: %w", address,
				ledger.ErrAccountExists)
		}
		return nil, err
	}
	if sent != (solanago.Signature{}) && sent != signature {
		log.Warnf("Write: node returned signature %v, expected %v",
			sent, signature)
	}

	log.Debugf("Write: sent %v for %v", signature, address)

	if err := c.confirm(ctx, signature); err != nil {
		if errors.Is(err, ledger.ErrAccountExists) {
			return nil, fmt.Errorf("%v: %w", address, err)
		}
		return nil, err
	}

	log.Infof("Anchored %v at %v tx %v", recordID, address, signature)

	return &ledger.Receipt{
		Address: address,
		TxID:    signature.String(),
	}, nil
}

// Close releases the node connection.
func (c *Client) Close() {
	if err := c.rpc.Close(); err != nil {
		log.Debugf("Close: %v", err)
	}
}

// New returns a client for the node at url.
func New(url string, programID ledger.Address, confirmTimeout time.Duration) *Client {
	if confirmTimeout <= 0 {
		confirmTimeout = DefaultConfirmTimeout
	}
	return &Client{
		rpc:            rpc.New(url),
		programID:      programID,
		confirmTimeout: confirmTimeout,
		pollInterval:   defaultPollInterval,
	}
}
